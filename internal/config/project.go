package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/automaker/orchestrator/internal/scheduler"
	"github.com/automaker/orchestrator/internal/worktree"
)

// ProjectSettings is <project>/.automaker/settings.toml. Zero values fall
// back to the global configuration.
//
//	max_concurrency = 2
//	provider = "codex"
//	base_branch = "main"
//	init_script = "npm ci"
//	remove_worktree_on_failure = true
type ProjectSettings struct {
	MaxConcurrency          int    `toml:"max_concurrency"`
	Provider                string `toml:"provider"`
	BaseBranch              string `toml:"base_branch"`
	BranchPrefix            string `toml:"branch_prefix"`
	WorktreeDir             string `toml:"worktree_dir"`
	InitScript              string `toml:"init_script"`
	InitScriptTimeout       string `toml:"init_script_timeout"`
	RemoveWorktreeOnFailure bool   `toml:"remove_worktree_on_failure"`
	RequireApproval         bool   `toml:"require_approval"`
}

// SettingsPath returns the settings file of a project.
func SettingsPath(projectPath string) string {
	return filepath.Join(projectPath, ".automaker", "settings.toml")
}

// LoadProject reads a project's settings. A missing file yields zero
// settings; unknown keys are an error so typos do not go unnoticed.
func LoadProject(projectPath string) (*ProjectSettings, error) {
	var s ProjectSettings
	path := SettingsPath(projectPath)

	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		if os.IsNotExist(err) {
			return &s, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &s, nil
}

// SaveProject writes a project's settings file.
func SaveProject(projectPath string, s *ProjectSettings) error {
	path := SettingsPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer f.Close()

	if err := s.WriteTOML(f); err != nil {
		return err
	}
	return f.Close()
}

// WriteTOML renders the settings in settings.toml form.
func (s *ProjectSettings) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (s *ProjectSettings) Validate() error {
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative")
	}
	if s.InitScriptTimeout != "" {
		if d, err := time.ParseDuration(s.InitScriptTimeout); err != nil || d <= 0 {
			return fmt.Errorf("init_script_timeout %q is not a positive duration", s.InitScriptTimeout)
		}
	}
	return nil
}

// WorktreePolicy merges the settings over the default worktree policy.
func (s *ProjectSettings) WorktreePolicy() worktree.Policy {
	p := worktree.DefaultPolicy()
	if s.BaseBranch != "" {
		p.BaseBranch = s.BaseBranch
	}
	if s.BranchPrefix != "" {
		p.BranchPrefix = s.BranchPrefix
	}
	if s.WorktreeDir != "" {
		p.WorktreeDir = s.WorktreeDir
	}
	p.InitScript = s.InitScript
	if d, err := time.ParseDuration(s.InitScriptTimeout); err == nil && d > 0 {
		p.InitScriptTimeout = d
	}
	p.RemoveWorktreeOnFailure = s.RemoveWorktreeOnFailure
	return p
}

// SchedulerConfig returns the scheduler overrides of the project.
func (s *ProjectSettings) SchedulerConfig() scheduler.ProjectConfig {
	return scheduler.ProjectConfig{
		MaxConcurrency:  s.MaxConcurrency,
		Provider:        s.Provider,
		RequireApproval: s.RequireApproval,
	}
}

// ProjectSettingsCache serves project settings, re-reading a file only when
// its modification time changes. Broken files are logged and treated as
// empty so one bad project cannot stop the others.
type ProjectSettingsCache struct {
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]cachedSettings
}

type cachedSettings struct {
	modTime  time.Time
	settings *ProjectSettings
}

// NewProjectSettingsCache creates an empty cache.
// If logger is nil, a default logger writing to stderr is used.
func NewProjectSettingsCache(logger *log.Logger) *ProjectSettingsCache {
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}
	return &ProjectSettingsCache{logger: logger, entries: make(map[string]cachedSettings)}
}

// Get returns the current settings of a project.
func (c *ProjectSettingsCache) Get(projectPath string) *ProjectSettings {
	var modTime time.Time
	if info, err := os.Stat(SettingsPath(projectPath)); err == nil {
		modTime = info.ModTime()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[projectPath]; ok && e.modTime.Equal(modTime) {
		return e.settings
	}

	s, err := LoadProject(projectPath)
	if err != nil {
		c.logger.Printf("Warning: ignoring project settings: %v", err)
		s = &ProjectSettings{}
	}
	c.entries[projectPath] = cachedSettings{modTime: modTime, settings: s}
	return s
}

// WorktreePolicy is a worktree.Options.Policy hook.
func (c *ProjectSettingsCache) WorktreePolicy(projectPath string) worktree.Policy {
	return c.Get(projectPath).WorktreePolicy()
}

// SchedulerConfig is a scheduler.WithProjectConfig hook.
func (c *ProjectSettingsCache) SchedulerConfig(projectPath string) scheduler.ProjectConfig {
	return c.Get(projectPath).SchedulerConfig()
}
