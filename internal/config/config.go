// Package config loads the global automaker configuration and the
// per-project settings files.
//
// Global settings come from ~/.automaker/config.yaml (or --config), overridden
// by AUTOMAKER_* environment variables, e.g. AUTOMAKER_SCHEDULER_MAX_CONCURRENCY=5.
// Project settings live in <project>/.automaker/settings.toml.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/automaker/orchestrator/internal/provider"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "AUTOMAKER"

// Config is the effective global configuration.
type Config struct {
	Listen    string          `mapstructure:"listen" yaml:"listen"`
	DBPath    string          `mapstructure:"db_path" yaml:"db_path"`
	Projects  []string        `mapstructure:"projects" yaml:"projects"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Summary   SummaryConfig   `mapstructure:"summary" yaml:"summary"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// LogConfig controls the rotating log file. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SchedulerConfig holds the scheduler defaults.
type SchedulerConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInitial   time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Resync         time.Duration `mapstructure:"resync" yaml:"resync"`
	GitTimeout     time.Duration `mapstructure:"git_timeout" yaml:"git_timeout"`
}

// ProvidersConfig selects the default provider and configures each CLI.
type ProvidersConfig struct {
	Default string          `mapstructure:"default" yaml:"default"`
	Claude  provider.Config `mapstructure:"claude" yaml:"claude"`
	Codex   provider.Config `mapstructure:"codex" yaml:"codex"`
	Cursor  provider.Config `mapstructure:"cursor" yaml:"cursor"`
}

// Map returns the per-provider configs keyed by registry name.
func (p ProvidersConfig) Map() map[string]provider.Config {
	return map[string]provider.Config{
		"claude": p.Claude,
		"codex":  p.Codex,
		"cursor": p.Cursor,
	}
}

// SummaryConfig controls generated completion summaries.
type SummaryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// DefaultDir returns ~/.automaker.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".automaker"
	}
	return filepath.Join(home, ".automaker")
}

// Defaults registers every key with its default value. Keys must be
// registered for environment overrides to apply.
func Defaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("listen", "127.0.0.1:3008")
	v.SetDefault("db_path", filepath.Join(dir, "automaker.db"))
	v.SetDefault("projects", []string{})

	v.SetDefault("log.file", filepath.Join(dir, "logs", "automaker.log"))
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("scheduler.max_concurrency", 3)
	v.SetDefault("scheduler.stop_grace", "10s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_initial", "2s")
	v.SetDefault("scheduler.retry_max", "1m")
	v.SetDefault("scheduler.debounce", "100ms")
	v.SetDefault("scheduler.resync", "1m")
	v.SetDefault("scheduler.git_timeout", "60s")

	v.SetDefault("providers.default", "claude")
	v.SetDefault("providers.claude.command", "claude")
	v.SetDefault("providers.claude.model", "")
	v.SetDefault("providers.claude.args", []string{})
	v.SetDefault("providers.codex.command", "codex")
	v.SetDefault("providers.codex.model", "")
	v.SetDefault("providers.codex.args", []string{})
	v.SetDefault("providers.cursor.command", "cursor-agent")
	v.SetDefault("providers.cursor.model", "")
	v.SetDefault("providers.cursor.args", []string{})

	v.SetDefault("summary.enabled", false)
	v.SetDefault("summary.model", "claude-haiku-4-5")
}

// Load reads the configuration. An empty path looks for config.yaml in
// DefaultDir and falls back to defaults when there is none; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	Defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.Listen == "" {
		problems = append(problems, "listen is required")
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.Scheduler.MaxConcurrency < 1 {
		problems = append(problems, fmt.Sprintf("scheduler.max_concurrency must be at least 1 (got %d)", c.Scheduler.MaxConcurrency))
	}
	if c.Scheduler.StopGrace <= 0 {
		problems = append(problems, "scheduler.stop_grace must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		problems = append(problems, "scheduler.max_retries cannot be negative")
	}
	if c.Scheduler.RetryInitial <= 0 || c.Scheduler.RetryMax < c.Scheduler.RetryInitial {
		problems = append(problems, "scheduler.retry_initial must be positive and not above retry_max")
	}
	switch c.Providers.Default {
	case "claude", "codex", "cursor", "mock":
	default:
		problems = append(problems, fmt.Sprintf("providers.default %q is not a known provider", c.Providers.Default))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WriteYAML renders the effective configuration.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	return enc.Close()
}

func (c *Config) expandPaths() {
	c.DBPath = expandHome(c.DBPath)
	c.Log.File = expandHome(c.Log.File)
	for i, p := range c.Projects {
		c.Projects[i] = expandHome(p)
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
