package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/resolver"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/store/filesync"
)

// allStatuses lists statuses in lifecycle order for summaries.
var allStatuses = []feature.Status{
	feature.StatusBacklog,
	feature.StatusReady,
	feature.StatusInProgress,
	feature.StatusWaitingApproval,
	feature.StatusCompleted,
	feature.StatusVerified,
	feature.StatusFailed,
}

var featureCmd = &cobra.Command{
	Use:     "feature",
	GroupID: "features",
	Short:   "Create and inspect features",
	Long: `Features are JSON files in <project>/.automaker/features/<id>.json.
They are synced into the database by the daemon or by 'automaker sync'.`,
}

var featureAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a feature definition file",
	Long: `Create a feature definition file and register it in the database.

Examples:
  automaker feature add "Add login page"
  automaker feature add "Session timeout" --deps add-login-page --priority 1
  automaker feature add "Billing export" -d "CSV export of invoices" --require-approval`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		description, _ := cmd.Flags().GetString("description")
		category, _ := cmd.Flags().GetString("category")
		deps, _ := cmd.Flags().GetStringSlice("deps")
		priority, _ := cmd.Flags().GetInt("priority")
		branch, _ := cmd.Flags().GetString("branch")
		providerName, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		requireApproval, _ := cmd.Flags().GetBool("require-approval")

		project := projectPath()
		title := strings.Join(args, " ")
		ctx := context.Background()

		db := openDB()
		defer db.Close()

		if id == "" {
			id = feature.UniqueID(title, func(id string) bool {
				_, err := db.Get(ctx, project, id)
				return err == nil
			})
		} else if _, err := db.Get(ctx, project, id); err == nil {
			fatalf("feature %s already exists", id)
		}

		f := &feature.Feature{
			ID:              id,
			Title:           title,
			Description:     description,
			Category:        category,
			Status:          feature.StatusBacklog,
			Dependencies:    deps,
			Priority:        priority,
			BranchName:      branch,
			Provider:        providerName,
			Model:           model,
			RequireApproval: requireApproval,
		}
		f.SetDefaults()

		if err := feature.WriteFile(feature.FeaturesDir(project), f); err != nil {
			fatalf("%v", err)
		}
		if err := db.Upsert(ctx, project, f); err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(f)
			return
		}
		out.Success("Created %s", f.ID)
		out.Muted("  %s", feature.FeaturesDir(project)+"/"+f.Filename())
		for _, dep := range deps {
			if _, err := db.Get(ctx, project, dep); store.IsNotFound(err) {
				out.Warn("dependency %s does not exist yet", dep)
			}
		}
	},
}

var featureListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's features",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !feature.Status(status).Valid() {
			fatalf("invalid status %q", status)
		}
		project := projectPath()

		db := openDB()
		defer db.Close()

		var (
			list []*feature.Feature
			err  error
		)
		if status != "" {
			list, err = db.ListByStatus(context.Background(), project, feature.Status(status))
		} else {
			list, err = db.List(context.Background(), project)
		}
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			out.Muted("No features. Create one with 'automaker feature add <title>'.")
			return
		}

		rows := make([][]string, 0, len(list))
		for _, f := range list {
			priority := "-"
			if f.Priority > 0 {
				priority = "P" + strconv.Itoa(f.Priority)
			}
			rows = append(rows, []string{
				f.ID,
				out.Status(string(f.Status)),
				priority,
				strings.Join(f.Dependencies, ","),
				f.Title,
			})
		}
		out.Table([]string{"ID", "STATUS", "PRI", "DEPENDS ON", "TITLE"}, rows)
	},
}

var featureShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one feature",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		f, err := db.Get(context.Background(), projectPath(), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(f)
			return
		}

		out.Title("%s  %s", f.ID, f.Title)
		field := func(name, value string) {
			if value != "" {
				out.Println(fmt.Sprintf("%-12s", name+":"), value)
			}
		}
		field("Status", out.Status(string(f.Status)))
		field("Category", f.Category)
		if f.Priority > 0 {
			field("Priority", "P"+strconv.Itoa(f.Priority))
		}
		field("Depends on", strings.Join(f.Dependencies, ", "))
		field("Branch", f.BranchName)
		field("Provider", f.Provider)
		field("Model", f.Model)
		if f.RequireApproval {
			field("Approval", "required")
		}
		field("Session", f.SessionID)
		field("Created", formatTime(&f.CreatedAt))
		field("Started", formatTime(f.StartedAt))
		field("Finished", formatTime(f.FinishedAt))
		field("Interrupted", formatTime(f.InterruptedAt))
		if f.Description != "" {
			out.Println()
			out.Println(f.Description)
		}
		if f.Summary != "" {
			out.Println()
			out.Success("%s", f.Summary)
		}
		if f.Error != "" {
			out.Println()
			out.Fail("%s", f.Error)
		}
	},
}

var featureRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a failed or finished feature back to the backlog",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setStatus(args[0], feature.StatusBacklog, func(f *feature.Feature) error {
			if f.Status == feature.StatusInProgress {
				return errors.New("feature is in progress; use stop-feature or discard first")
			}
			return nil
		})
		out.Success("%s moved to backlog", args[0])
	},
}

var featureApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a feature waiting for review",
	Long: `Mark a feature in waiting_approval as verified, which unblocks its dependents.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setStatus(args[0], feature.StatusVerified, func(f *feature.Feature) error {
			if f.Status != feature.StatusWaitingApproval && f.Status != feature.StatusCompleted {
				return fmt.Errorf("feature is %s, not waiting for approval", f.Status)
			}
			return nil
		})
		out.Success("%s verified", args[0])
	},
}

// setStatus moves a feature to status after check passes, then asks a
// running daemon to re-evaluate the project.
func setStatus(id string, status feature.Status, check func(*feature.Feature) error) {
	project := projectPath()
	ctx := context.Background()

	db := openDB()
	defer db.Close()

	f, err := db.Get(ctx, project, id)
	if err != nil {
		fatalf("%v", err)
	}
	if err := check(f); err != nil {
		fatalf("%s: %v", id, err)
	}

	patch := feature.StatusPatch(status)
	patch.ClearInterrupted = true
	if status == feature.StatusBacklog {
		patch.Error = feature.Ptr("")
	}
	if err := db.Update(ctx, project, id, patch); err != nil {
		fatalf("%v", err)
	}

	// The daemon may not be running; the watcher resync picks it up later.
	_ = newClient().Trigger(ctx, project)
}

var resolveCmd = &cobra.Command{
	Use:     "resolve",
	GroupID: "features",
	Short:   "Show the dependency order and what can start now",
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		list, err := db.List(context.Background(), projectPath())
		if err != nil {
			fatalf("%v", err)
		}
		res, resolveErr := resolver.Resolve(list)

		var cycleErr *resolver.CycleError
		errors.As(resolveErr, &cycleErr)

		if jsonOutput {
			v := map[string]interface{}{
				"order":      res.Order,
				"admissible": res.Admissible,
				"conditions": res.Conditions(),
			}
			if cycleErr != nil {
				v["cycles"] = cycleErr.Cycles
			}
			printJSON(v)
			return
		}

		status := make(map[string]feature.Status, len(list))
		for _, f := range list {
			status[f.ID] = f.Status
		}

		out.Title("Dependency order")
		rows := make([][]string, 0, len(res.Order))
		for i, id := range res.Order {
			ready := ""
			if res.IsAdmissible(id) {
				ready = "ready to start"
			}
			rows = append(rows, []string{strconv.Itoa(i + 1), id, out.Status(string(status[id])), ready})
		}
		out.Table([]string{"#", "ID", "STATUS", ""}, rows)

		if conds := res.Conditions(); len(conds) > 0 {
			out.Println()
			out.Title("Blocked")
			for _, c := range conds {
				out.Warn("%s", c)
			}
		}
		if cycleErr != nil {
			out.Println()
			out.Fail("%v", cycleErr)
		}
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "features",
	Short:   "Import feature files into the database",
	Long: `Sync every .automaker/features/*.json file of the project into the
database and remove database features whose file is gone. Running features
are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		project := projectPath()

		db := openDB()
		defer db.Close()

		start := time.Now()
		stats, err := filesync.New(db, nil).FullSync(context.Background(), project)
		if err != nil {
			fatalf("sync failed: %v", err)
		}

		if jsonOutput {
			printJSON(stats)
			return
		}
		out.Success("Sync complete in %v", time.Since(start).Round(time.Millisecond))
		out.Println("   Synced: ", stats.Synced)
		out.Println("   Removed:", stats.Removed)
		if stats.Failed > 0 {
			out.Warn("%d file(s) could not be read; see the log above", stats.Failed)
		}
	},
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	featureAddCmd.Flags().String("id", "", "Feature id (default: derived from the title)")
	featureAddCmd.Flags().StringP("description", "d", "", "Description given to the agent")
	featureAddCmd.Flags().String("category", "", "Category")
	featureAddCmd.Flags().StringSlice("deps", nil, "Ids of features this one depends on")
	featureAddCmd.Flags().IntP("priority", "p", 0, "Priority (1 = highest, 0 = unset)")
	featureAddCmd.Flags().String("branch", "", "Branch name (default: <prefix><id>)")
	featureAddCmd.Flags().String("provider", "", "Agent provider override")
	featureAddCmd.Flags().String("model", "", "Model override")
	featureAddCmd.Flags().Bool("require-approval", false, "Stop in waiting_approval after a successful run")

	featureListCmd.Flags().StringP("status", "s", "", "Filter by status")

	featureCmd.AddCommand(featureAddCmd, featureListCmd, featureShowCmd, featureRequeueCmd, featureApproveCmd)
	rootCmd.AddCommand(featureCmd, resolveCmd, syncCmd)
}
