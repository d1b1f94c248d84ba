package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/logging"
	"github.com/automaker/orchestrator/internal/resolver"
	"github.com/automaker/orchestrator/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "auto",
	Short:   "Run auto mode for one project in the foreground",
	Long: `Run auto mode for the current project without a daemon.

Features are admitted as their dependencies complete until nothing is left
to start and every run has finished. Ctrl+C stops the loop and leaves
running features interrupted so they can be resumed later.

Examples:
  automaker run
  automaker run --max-concurrency 5 --provider codex
  automaker run --dry-run          # use the scripted mock provider`,
	Run: func(cmd *cobra.Command, args []string) {
		maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
		providerName, _ := cmd.Flags().GetString("provider")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if dryRun {
			providerName = "mock"
		}

		project := projectPath()

		// Console shows events; component logs go to the log file only.
		logs, err := logging.Setup(cfg.Log, nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer logs.Close()

		d, err := newDaemon(cfg, logs, events.Func(printEvent))
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.addProject(ctx, project); err != nil {
			d.close(context.Background())
			fatalf("%v", err)
		}

		if _, err := d.sched.Start(ctx, project, scheduler.StartOptions{
			MaxConcurrency: maxConcurrency,
			Provider:       providerName,
		}); err != nil {
			d.close(context.Background())
			fatalf("%v", err)
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

	wait:
		for {
			select {
			case <-ctx.Done():
				out.Warn("Interrupted; running features will be left resumable")
				break wait
			case <-ticker.C:
				if drained(ctx, d, project) {
					break wait
				}
			}
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Scheduler.StopGrace+30*time.Second)
		defer stop()
		d.sched.Shutdown(shutdownCtx)

		counts, err := d.db.Counts(context.Background(), project)
		d.close(shutdownCtx)
		if err != nil {
			fatalf("%v", err)
		}

		out.Title("Done")
		var rows [][]string
		for _, s := range allStatuses {
			if n := counts[s]; n > 0 {
				rows = append(rows, []string{out.Status(string(s)), strconv.Itoa(n)})
			}
		}
		out.Table([]string{"STATUS", "FEATURES"}, rows)
	},
}

// drained reports whether the loop has nothing running and nothing it could
// still admit.
func drained(ctx context.Context, d *daemon, project string) bool {
	if d.sched.Status(project).RunningCount > 0 {
		return false
	}
	list, err := d.db.List(ctx, project)
	if err != nil {
		return false
	}
	res, _ := resolver.Resolve(list)
	return len(res.Admissible) == 0
}

func printEvent(e events.Event) {
	switch e.Type {
	case events.FeatureStarted:
		out.Println("▶", e.FeatureID, out.Status("in_progress"), e.Data["branch"])
	case events.FeatureCompleted:
		out.Success("%s completed", e.FeatureID)
	case events.FeatureWaitingApproval:
		out.Warn("%s is waiting for approval", e.FeatureID)
	case events.FeatureFailed, events.FeatureCancelled:
		out.Fail("%s: %s", e.FeatureID, e.Message)
	case events.FeatureRetry:
		out.Muted("%s: retrying (%s)", e.FeatureID, e.Message)
	case events.AdmissionBlocked:
		out.Warn("%s blocked: %s", e.FeatureID, e.Message)
	}
}

func init() {
	runCmd.Flags().Int("max-concurrency", 0, "Maximum concurrent features (default from settings)")
	runCmd.Flags().String("provider", "", "Agent provider: claude, codex, cursor, mock")
	runCmd.Flags().Bool("dry-run", false, "Use the mock provider")
	rootCmd.AddCommand(runCmd)
}
