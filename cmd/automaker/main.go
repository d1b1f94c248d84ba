// Command automaker runs AI coding agents on feature work items, each in its
// own git worktree, in dependency order and under a per-project concurrency cap.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/automaker/orchestrator/internal/api"
	"github.com/automaker/orchestrator/internal/config"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/ui"
)

var (
	// Persistent flag values
	configPath  string
	projectFlag string
	jsonOutput  bool

	// cfg is loaded before any command runs.
	cfg *config.Config
	out = ui.Stdout()
)

var rootCmd = &cobra.Command{
	Use:   "automaker",
	Short: "Autonomous feature execution with isolated git worktrees",
	Long: `automaker schedules AI coding agents (Claude, Codex, Cursor) to implement
the features of a project. Features are JSON files in .automaker/features/;
each one runs in its own git worktree once its dependencies are done.

Run 'automaker serve' to start the daemon, then 'automaker start' in a project.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.automaker/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "C", "", "Project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "auto", Title: "Auto Mode:"},
		&cobra.Group{ID: "features", Title: "Features:"},
		&cobra.Group{ID: "worktrees", Title: "Worktrees:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// projectPath returns the absolute project directory.
func projectPath() string {
	p := projectFlag
	if p == "" {
		wd, err := os.Getwd()
		if err != nil {
			fatalf("cannot determine working directory: %v", err)
		}
		p = wd
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		fatalf("invalid project path %s: %v", p, err)
	}
	return abs
}

func newClient() *api.Client {
	return api.NewClient(cfg.Listen)
}

// openDB opens the feature database for commands that work without the daemon.
func openDB() *store.DB {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		fatalf("initializing schema: %v", err)
	}
	return db
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encoding output: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
