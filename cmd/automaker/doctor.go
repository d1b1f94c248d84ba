package main

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/automaker/orchestrator/internal/config"
	"github.com/automaker/orchestrator/internal/provider"
)

// minGitVersion is the first git with 'git worktree remove'.
const minGitVersion = "v2.17.0"

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: "maint",
	Short:   "Check git, agent CLIs, config and the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		ok := true
		fail := func(format string, args ...interface{}) {
			out.Fail(format, args...)
			ok = false
		}

		out.Title("automaker doctor")

		// Git
		raw, err := exec.Command("git", "--version").Output()
		switch {
		case err != nil:
			fail("git not found: %v", err)
		default:
			v := gitSemver(string(raw))
			switch {
			case v == "":
				out.Warn("could not parse %q", strings.TrimSpace(string(raw)))
			case semver.Compare(v, minGitVersion) < 0:
				fail("git %s is too old; %s or newer is required", v, minGitVersion)
			default:
				out.Success("git %s", strings.TrimPrefix(v, "v"))
			}
		}

		// Agent CLIs
		reg := provider.NewDefaultRegistry(cfg.Providers.Default, cfg.Providers.Map())
		for _, name := range reg.Names() {
			if name == "mock" {
				continue
			}
			p, err := reg.Get(name)
			if err != nil {
				fail("%s: %v", name, err)
				continue
			}
			label := name
			if name == reg.Default() {
				label += " (default)"
			}
			switch {
			case p.Available():
				out.Success("%s", label)
			case name == reg.Default():
				fail("%s: %s not found on PATH", label, cfg.Providers.Map()[name].Command)
			default:
				out.Muted("- %s: not installed", label)
			}
		}

		// Config
		if cfg.File != "" {
			out.Success("config %s", cfg.File)
		} else {
			out.Muted("- no config file; using defaults")
		}
		if project := projectPath(); project != "" {
			if _, err := config.LoadProject(project); err != nil {
				fail("%v", err)
			}
		}
		if cfg.Summary.Enabled && os.Getenv("ANTHROPIC_API_KEY") == "" {
			out.Warn("summary.enabled is set but ANTHROPIC_API_KEY is not")
		}

		// Daemon
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if h, err := newClient().Health(ctx); err == nil {
			out.Success("daemon on %s (%d running)", cfg.Listen, h.Running)
		} else {
			out.Muted("- daemon not running on %s", cfg.Listen)
		}

		if !ok {
			os.Exit(1)
		}
	},
}

// gitSemver extracts "vMAJOR.MINOR.PATCH" from `git --version` output, e.g.
// "git version 2.39.3 (Apple Git-145)" or "git version 2.45.1.windows.1".
func gitSemver(output string) string {
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return ""
	}
	parts := strings.Split(fields[2], ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v := "v" + strings.Join(parts, ".")
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
