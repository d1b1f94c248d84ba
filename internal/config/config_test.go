package config

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:3008" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Scheduler.MaxConcurrency != 3 || cfg.Scheduler.StopGrace != 10*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.RetryMax != time.Minute || cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("retry settings = %+v", cfg.Scheduler)
	}
	if cfg.Providers.Default != "claude" || cfg.Providers.Claude.Command != "claude" {
		t.Errorf("Providers = %+v", cfg.Providers)
	}
	if !strings.HasSuffix(cfg.DBPath, filepath.Join(".automaker", "automaker.db")) {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
listen: 0.0.0.0:9000
projects:
  - ~/code/app
scheduler:
  max_concurrency: 5
  stop_grace: 30s
providers:
  default: codex
  codex:
    model: gpt-5-codex
    args: ["--sandbox", "workspace-write"]
`)
	t.Setenv("AUTOMAKER_SCHEDULER_MAX_RETRIES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Scheduler.MaxConcurrency != 5 || cfg.Scheduler.StopGrace != 30*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want env override 7", cfg.Scheduler.MaxRetries)
	}
	codex := cfg.Providers.Map()["codex"]
	if codex.Model != "gpt-5-codex" || len(codex.Args) != 2 || codex.Command != "codex" {
		t.Errorf("codex = %+v", codex)
	}
	home, _ := os.UserHomeDir()
	if len(cfg.Projects) != 1 || cfg.Projects[0] != filepath.Join(home, "code", "app") {
		t.Errorf("Projects = %v", cfg.Projects)
	}
	if cfg.File != path {
		t.Errorf("File = %q", cfg.File)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"zero concurrency", "scheduler:\n  max_concurrency: 0\n", "max_concurrency"},
		{"unknown provider", "providers:\n  default: gemini\n", "gemini"},
		{"retry bounds", "scheduler:\n  retry_initial: 5m\n  retry_max: 1m\n", "retry_initial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit missing config file should fail")
	}
}

func TestWriteYAML(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := cfg.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML() failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"127.0.0.1:3008", "stop_grace: 10s", "default: claude"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadProject(t *testing.T) {
	project := t.TempDir()

	s, err := LoadProject(project)
	if err != nil {
		t.Fatalf("LoadProject() without a file failed: %v", err)
	}
	if *s != (ProjectSettings{}) {
		t.Errorf("settings = %+v, want zero", s)
	}

	writeFile(t, SettingsPath(project), `
max_concurrency = 2
provider = "codex"
base_branch = "develop"
init_script = "npm ci"
init_script_timeout = "2m"
remove_worktree_on_failure = true
require_approval = true
`)
	s, err = LoadProject(project)
	if err != nil {
		t.Fatalf("LoadProject() failed: %v", err)
	}

	p := s.WorktreePolicy()
	if p.BaseBranch != "develop" || p.BranchPrefix != "feature/" || p.WorktreeDir != ".worktrees" {
		t.Errorf("policy = %+v", p)
	}
	if p.InitScript != "npm ci" || p.InitScriptTimeout != 2*time.Minute || !p.RemoveWorktreeOnFailure {
		t.Errorf("policy = %+v", p)
	}

	sc := s.SchedulerConfig()
	if sc.MaxConcurrency != 2 || sc.Provider != "codex" || !sc.RequireApproval {
		t.Errorf("scheduler config = %+v", sc)
	}
}

func TestLoadProject_Errors(t *testing.T) {
	project := t.TempDir()

	writeFile(t, SettingsPath(project), "max_concurency = 2\n")
	if _, err := LoadProject(project); err == nil || !strings.Contains(err.Error(), "max_concurency") {
		t.Errorf("unknown key error = %v", err)
	}

	writeFile(t, SettingsPath(project), "init_script_timeout = \"soon\"\n")
	if _, err := LoadProject(project); err == nil {
		t.Error("bad duration should fail")
	}
}

func TestSaveProjectRoundTrip(t *testing.T) {
	project := t.TempDir()
	want := &ProjectSettings{MaxConcurrency: 4, BranchPrefix: "auto/", RequireApproval: true}

	if err := SaveProject(project, want); err != nil {
		t.Fatalf("SaveProject() failed: %v", err)
	}
	got, err := LoadProject(project)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestProjectSettingsCache(t *testing.T) {
	project := t.TempDir()
	cache := NewProjectSettingsCache(log.New(io.Discard, "", 0))

	if got := cache.SchedulerConfig(project).MaxConcurrency; got != 0 {
		t.Errorf("MaxConcurrency = %d without settings", got)
	}

	writeFile(t, SettingsPath(project), "max_concurrency = 6\n")
	// Make sure the modification time differs from the cached zero time.
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(SettingsPath(project), future, future); err != nil {
		t.Fatal(err)
	}
	if got := cache.SchedulerConfig(project).MaxConcurrency; got != 6 {
		t.Errorf("MaxConcurrency = %d after write, want 6", got)
	}

	writeFile(t, SettingsPath(project), "this is not toml")
	later := future.Add(time.Minute)
	if err := os.Chtimes(SettingsPath(project), later, later); err != nil {
		t.Fatal(err)
	}
	if got := cache.WorktreePolicy(project).BranchPrefix; got != "feature/" {
		t.Errorf("broken settings should fall back to defaults, got prefix %q", got)
	}
}
