package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/automaker/orchestrator/internal/config"
	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/logging"
	"github.com/automaker/orchestrator/internal/provider"
	"github.com/automaker/orchestrator/internal/scheduler"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/store/filesync"
	"github.com/automaker/orchestrator/internal/summary"
	"github.com/automaker/orchestrator/internal/watcher"
	"github.com/automaker/orchestrator/internal/worktree"
)

// daemon holds every long-lived component shared by serve and run.
type daemon struct {
	logs   *logging.Logs
	logger *log.Logger

	db        *store.DB
	watcher   *watcher.Watcher
	settings  *config.ProjectSettingsCache
	worktrees *worktree.Manager
	providers *provider.Registry
	history   *events.History
	hub       *events.Hub
	sched     *scheduler.Scheduler
}

// newDaemon opens the store and wires the scheduler to it. Extra sinks
// receive every scheduler event in addition to the log, history and hub.
func newDaemon(cfg *config.Config, logs *logging.Logs, extra ...events.Sink) (*daemon, error) {
	d := &daemon{
		logs:   logs,
		logger: logs.For("automaker"),
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	d.db = db

	d.settings = config.NewProjectSettingsCache(logs.For("config"))
	d.worktrees = worktree.NewManager(worktree.Options{
		GitTimeout: cfg.Scheduler.GitTimeout,
		Policy:     d.settings.WorktreePolicy,
		Logger:     logs.For("worktree"),
	})
	d.providers = provider.NewDefaultRegistry(cfg.Providers.Default, cfg.Providers.Map())

	d.history = events.NewHistory(logs.For("history"))
	d.hub = events.NewHub(256, logs.For("hub"))
	sinks := events.Multi{events.NewLog(logs.For("events")), d.history, d.hub}
	sinks = append(sinks, extra...)

	opts := []scheduler.Option{
		scheduler.WithMaxConcurrency(cfg.Scheduler.MaxConcurrency),
		scheduler.WithStopGrace(cfg.Scheduler.StopGrace),
		scheduler.WithRetry(cfg.Scheduler.MaxRetries, cfg.Scheduler.RetryInitial, cfg.Scheduler.RetryMax),
		scheduler.WithProjectConfig(d.settings.SchedulerConfig),
		scheduler.WithLogger(logs.For("scheduler")),
	}
	if cfg.Summary.Enabled {
		s, err := summary.FromEnv(cfg.Summary.Model)
		switch {
		case errors.Is(err, summary.ErrNoAPIKey):
			d.logger.Printf("Warning: summaries enabled but %v; continuing without them", err)
		case err != nil:
			db.Close()
			return nil, err
		default:
			opts = append(opts, scheduler.WithSummarizer(s))
		}
	}
	d.sched = scheduler.New(db, d.worktrees, d.providers, sinks, opts...)

	w, err := watcher.New(filesync.New(db, logs.For("sync")), watcher.Config{
		DebounceInterval: cfg.Scheduler.Debounce,
		ResyncInterval:   cfg.Scheduler.Resync,
		OnChange:         d.sched.Trigger,
		Logger:           logs.For("watcher"),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	d.watcher = w

	d.hub.Start()
	d.watcher.Start()
	return d, nil
}

// addProject starts watching a project and reports features a previous
// process left in progress. It is safe to call more than once.
func (d *daemon) addProject(ctx context.Context, projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}
	for _, p := range d.watcher.Projects() {
		if p == abs {
			return nil
		}
	}

	stats, err := d.watcher.Add(ctx, abs)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	d.logger.Printf("Watching %s (%d features synced, %d failed, %d removed)", abs, stats.Synced, stats.Failed, stats.Removed)

	interrupted, err := d.sched.ResumeInterrupted(ctx, abs)
	if err != nil {
		return err
	}
	for _, f := range interrupted {
		d.logger.Printf("Feature %s was interrupted (resumable: %v); use resume-feature or discard", f.FeatureID, f.Resumable())
	}
	return nil
}

// close shuts the scheduler down first so runs can record their outcome
// while the database is still open.
func (d *daemon) close(ctx context.Context) {
	if err := d.sched.Shutdown(ctx); err != nil {
		d.logger.Printf("Scheduler shutdown: %v", err)
	}
	if err := d.watcher.Close(); err != nil {
		d.logger.Printf("Watcher close: %v", err)
	}
	d.hub.Close()
	if err := d.db.Close(); err != nil {
		d.logger.Printf("Database close: %v", err)
	}
}
