package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/api"
	"github.com/automaker/orchestrator/internal/scheduler"
)

// Commands that drive a running daemon through the API.

var startCmd = &cobra.Command{
	Use:     "start",
	GroupID: "auto",
	Short:   "Start auto mode for the project",
	Long: `Ask the daemon to start auto mode for the project.

Starting a project that is already running is a no-op. Starting a project
whose loop is still draining resumes it with the new settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
		providerName, _ := cmd.Flags().GetString("provider")
		project := projectPath()

		res, err := newClient().Start(context.Background(), api.StartRequest{
			ProjectPath:    project,
			MaxConcurrency: maxConcurrency,
			Provider:       providerName,
		})
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		if res.AlreadyRunning {
			out.Warn("Auto mode is already running for %s", project)
			return
		}
		out.Success("Auto mode started for %s", project)
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop",
	GroupID: "auto",
	Short:   "Stop admitting features and let running ones finish",
	Run: func(cmd *cobra.Command, args []string) {
		project := projectPath()
		res, err := newClient().Stop(context.Background(), project)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(res)
			return
		}
		if res.RunningCount == 0 {
			out.Success("Auto mode stopped for %s", project)
			return
		}
		out.Success("Auto mode stopping for %s; %d feature(s) still running", project, res.RunningCount)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "auto",
	Short:   "Show auto mode status",
	Long: `Show the auto mode status of the project, or of every project with --all.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		project := ""
		if !all {
			project = projectPath()
		}

		st, err := newClient().Status(context.Background(), project)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(st)
			return
		}

		if all {
			if len(st.Projects) == 0 {
				out.Muted("No active projects")
				return
			}
			for _, p := range st.Projects {
				printStatus(p)
			}
			return
		}
		printStatus(*st)
	},
}

func printStatus(st scheduler.Status) {
	out.Title("%s", st.Project)
	out.Println("State:      ", out.Status(string(st.State)))
	out.Println("Concurrency:", fmt.Sprintf("%d/%d", st.RunningCount, st.MaxConcurrency))
	if len(st.RunningFeatures) == 0 {
		out.Println()
		return
	}

	rows := make([][]string, 0, len(st.RunningFeatures))
	for _, f := range st.RunningFeatures {
		state := out.Status("in_progress")
		if f.Stopping {
			state = out.Status("stopping")
		}
		rows = append(rows, []string{
			f.FeatureID,
			state,
			f.Provider,
			f.Branch,
			strconv.Itoa(f.Attempt),
			time.Since(f.StartedAt).Round(time.Second).String(),
		})
	}
	out.Println()
	out.Table([]string{"FEATURE", "STATE", "PROVIDER", "BRANCH", "ATTEMPT", "ELAPSED"}, rows)
	out.Println()
}

var stopFeatureCmd = &cobra.Command{
	Use:     "stop-feature <id>",
	GroupID: "auto",
	Short:   "Cancel one running feature",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		// Without --project every running loop is searched.
		if err := newClient().StopFeature(context.Background(), projectFlagAbs(), args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Success("Stopped %s", args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:     "resume",
	GroupID: "auto",
	Short:   "List features interrupted by a previous shutdown",
	Long: `List features that were in progress when the daemon last stopped.

Each one can be resumed with 'automaker resume-feature <id>' (continuing its
agent session when one was recorded) or discarded with 'automaker discard <id>'.`,
	Run: func(cmd *cobra.Command, args []string) {
		list, err := newClient().ResumeInterrupted(context.Background(), projectPath())
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(list)
			return
		}
		if len(list) == 0 {
			out.Success("No interrupted features")
			return
		}

		rows := make([][]string, 0, len(list))
		for _, f := range list {
			resumable := "no"
			if f.Resumable() {
				resumable = "yes"
			}
			rows = append(rows, []string{f.FeatureID, f.Title, f.BranchName, resumable})
		}
		out.Table([]string{"FEATURE", "TITLE", "BRANCH", "SESSION"}, rows)
	},
}

var resumeFeatureCmd = &cobra.Command{
	Use:     "resume-feature <id>",
	GroupID: "auto",
	Short:   "Re-queue an interrupted feature",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().ResumeFeature(context.Background(), projectPath(), args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Success("%s re-queued", args[0])
	},
}

var discardCmd = &cobra.Command{
	Use:     "discard <id>",
	GroupID: "auto",
	Short:   "Mark an interrupted feature failed",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().DiscardFeature(context.Background(), projectPath(), args[0]); err != nil {
			fatalf("%v", err)
		}
		out.Success("%s discarded", args[0])
	},
}

// projectFlagAbs returns the --project value made absolute, or "" when unset.
func projectFlagAbs() string {
	if projectFlag == "" {
		return ""
	}
	return projectPath()
}

func init() {
	startCmd.Flags().Int("max-concurrency", 0, "Maximum concurrent features (default from settings)")
	startCmd.Flags().String("provider", "", "Agent provider: claude, codex, cursor, mock")
	statusCmd.Flags().Bool("all", false, "Show every project")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, stopFeatureCmd, resumeCmd, resumeFeatureCmd, discardCmd)
}
