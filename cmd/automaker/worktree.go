package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/config"
	"github.com/automaker/orchestrator/internal/logging"
	"github.com/automaker/orchestrator/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: "worktrees",
	Short:   "Inspect, merge and remove feature worktrees",
}

// newWorktreeManager builds a manager using the project's settings.toml.
func newWorktreeManager() *worktree.Manager {
	logs := logging.Stderr()
	settings := config.NewProjectSettingsCache(logs.For("config"))
	return worktree.NewManager(worktree.Options{
		GitTimeout: cfg.Scheduler.GitTimeout,
		Policy:     settings.WorktreePolicy,
		Logger:     logs.For("worktree"),
	})
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's worktrees with their metadata",
	Run: func(cmd *cobra.Command, args []string) {
		list, err := newWorktreeManager().List(context.Background(), projectPath())
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(list)
			return
		}

		rows := make([][]string, 0, len(list))
		for _, wt := range list {
			var featureID, outcome, note, pr string
			if wt.Metadata != nil {
				featureID = wt.Metadata.FeatureID
				outcome = string(wt.Metadata.Outcome)
				pr = prLabel(wt.Metadata.PR)
				if wt.Metadata.InitScriptStatus == worktree.InitScriptFailed {
					note = "init script failed"
				}
			}
			switch {
			case wt.Main:
				note = "main"
			case wt.Orphaned:
				note = "orphaned metadata"
			case wt.Prunable:
				note = "prunable"
			}
			rows = append(rows, []string{wt.Branch, featureID, outcomeStatus(outcome), pr, wt.Path, note})
		}
		out.Table([]string{"BRANCH", "FEATURE", "OUTCOME", "PR", "PATH", ""}, rows)
	},
}

func outcomeStatus(outcome string) string {
	switch worktree.Outcome(outcome) {
	case worktree.OutcomeCompleted:
		return out.Status("completed")
	case worktree.OutcomePendingApproval:
		return out.Status("waiting_approval")
	case worktree.OutcomeFailed:
		return out.Status("failed")
	}
	return outcome
}

var worktreeMergeCmd = &cobra.Command{
	Use:   "merge <branch>",
	Short: "Merge a feature branch into the base branch and clean up",
	Long: `Merge a feature branch into the project's current branch, then remove its
worktree, branch and metadata. On conflicts the merge is aborted and
nothing is removed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := newWorktreeManager().Merge(context.Background(), projectPath(), args[0])
		if errors.Is(err, worktree.ErrConflicts) {
			out.Fail("%s has conflicts with the base branch; resolve them in the worktree and retry", args[0])
			os.Exit(1)
		}
		if err != nil {
			fatalf("%v", err)
		}
		out.Success("Merged %s", args[0])
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove <branch>",
	Short: "Remove a feature worktree",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		deleteBranch, _ := cmd.Flags().GetBool("delete-branch")
		branch := args[0]

		if !yes {
			description := "The worktree directory and its uncommitted changes will be deleted."
			if deleteBranch {
				description += " The branch will be deleted too."
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Remove worktree for " + branch + "?").
				Description(description).
				Affirmative("Remove").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fatalf("%v (use --yes when not running in a terminal)", err)
			}
			if !confirmed {
				out.Muted("Cancelled")
				return
			}
		}

		if err := newWorktreeManager().Remove(context.Background(), projectPath(), branch, deleteBranch); err != nil {
			fatalf("%v", err)
		}
		out.Success("Removed worktree for %s", branch)
	},
}

var worktreePRCmd = &cobra.Command{
	Use:   "pr <branch>",
	Short: "Link a pull request to a feature branch",
	Long: `Record the pull request opened for a feature branch in its worktree
metadata, so 'worktree list' and the UI can show it.

Example:
  automaker worktree pr feature/add-login --number 42 --url https://github.com/acme/app/pull/42`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		number, _ := cmd.Flags().GetInt("number")
		url, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		state, _ := cmd.Flags().GetString("state")

		meta, err := newWorktreeManager().SetPR(projectPath(), args[0], worktree.PRInfo{
			Number: number,
			URL:    url,
			Title:  title,
			State:  state,
		})
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(meta)
			return
		}
		out.Success("Linked %s to %s", args[0], prLabel(meta.PR))
	},
}

func prLabel(pr *worktree.PRInfo) string {
	if pr == nil {
		return ""
	}
	if pr.Number > 0 {
		return "#" + strconv.Itoa(pr.Number)
	}
	return pr.URL
}

func init() {
	worktreePRCmd.Flags().Int("number", 0, "Pull request number")
	worktreePRCmd.Flags().String("url", "", "Pull request URL")
	worktreePRCmd.Flags().String("title", "", "Pull request title")
	worktreePRCmd.Flags().String("state", "open", "Pull request state")

	worktreeRemoveCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	worktreeRemoveCmd.Flags().Bool("delete-branch", false, "Delete the branch as well")

	worktreeCmd.AddCommand(worktreeListCmd, worktreeMergeCmd, worktreeRemoveCmd, worktreePRCmd)
	rootCmd.AddCommand(worktreeCmd)
}
