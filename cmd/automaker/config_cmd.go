package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Show configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective global config and the project settings",
	Long: `Print the effective configuration after defaults, the config file and
AUTOMAKER_* environment overrides, followed by the project's
.automaker/settings.toml.`,
	Run: func(cmd *cobra.Command, args []string) {
		project := projectPath()
		settings, err := config.LoadProject(project)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"global": cfg, "project": settings})
			return
		}

		if cfg.File != "" {
			out.Muted("# %s", cfg.File)
		} else {
			out.Muted("# defaults (no config file)")
		}
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fatalf("%v", err)
		}

		out.Println()
		out.Muted("# %s", config.SettingsPath(project))
		if err := settings.WriteTOML(os.Stdout); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or update the project's settings.toml",
	Long: `Write .automaker/settings.toml for the project. Only the flags given are
changed; other settings are kept.

Example:
  automaker config init --max-concurrency 2 --provider codex --init-script "npm ci"`,
	Run: func(cmd *cobra.Command, args []string) {
		project := projectPath()
		s, err := config.LoadProject(project)
		if err != nil {
			fatalf("%v", err)
		}

		flags := cmd.Flags()
		if flags.Changed("max-concurrency") {
			s.MaxConcurrency, _ = flags.GetInt("max-concurrency")
		}
		if flags.Changed("provider") {
			s.Provider, _ = flags.GetString("provider")
		}
		if flags.Changed("base-branch") {
			s.BaseBranch, _ = flags.GetString("base-branch")
		}
		if flags.Changed("branch-prefix") {
			s.BranchPrefix, _ = flags.GetString("branch-prefix")
		}
		if flags.Changed("init-script") {
			s.InitScript, _ = flags.GetString("init-script")
		}
		if flags.Changed("require-approval") {
			s.RequireApproval, _ = flags.GetBool("require-approval")
		}
		if flags.Changed("remove-on-failure") {
			s.RemoveWorktreeOnFailure, _ = flags.GetBool("remove-on-failure")
		}
		if err := s.Validate(); err != nil {
			fatalf("%v", err)
		}

		if err := config.SaveProject(project, s); err != nil {
			fatalf("%v", err)
		}
		out.Success("Wrote %s", config.SettingsPath(project))
	},
}

func init() {
	f := configInitCmd.Flags()
	f.Int("max-concurrency", 0, "Concurrent features for this project")
	f.String("provider", "", "Default agent provider for this project")
	f.String("base-branch", "", "Branch new feature branches start from")
	f.String("branch-prefix", "", "Prefix of feature branch names")
	f.String("init-script", "", "Shell command run in each new worktree")
	f.Bool("require-approval", false, "Stop successful runs in waiting_approval")
	f.Bool("remove-on-failure", false, "Remove the worktree of failed runs")
	configCmd.AddCommand(configInitCmd)
}
