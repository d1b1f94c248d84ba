// Package watcher keeps the feature database in step with feature files.
//
// The watcher:
//  1. Performs a full sync when a project is added
//  2. Watches <project>/.automaker/features for *.json changes
//  3. Syncs changed files after a debounce interval and pokes the scheduler
//  4. Periodically runs a full sync to catch missed events
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/store/filesync"
)

// Syncer applies feature file changes to the database.
// *filesync.Syncer implements it.
type Syncer interface {
	SyncFile(ctx context.Context, projectPath, path string) (*feature.Feature, error)
	DeleteFile(ctx context.Context, projectPath, path string) error
	FullSync(ctx context.Context, projectPath string) (filesync.Stats, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is synced.
	// This batches rapid writes together.
	DebounceInterval time.Duration

	// ResyncInterval is how often every project gets a full sync.
	// Zero disables periodic resyncs.
	ResyncInterval time.Duration

	// OnChange is called with the project path after its features changed.
	OnChange func(projectPath string)

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval: 100 * time.Millisecond,
		ResyncInterval:   time.Minute,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher watches the feature directories of every added project.
type Watcher struct {
	syncer Syncer
	config Config

	fs *fsnotify.Watcher

	mu       sync.Mutex
	projects map[string]string // features dir -> project path
	queue    map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. Call Start to begin processing events.
func New(syncer Syncer, config Config) (*Watcher, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.ResyncInterval < 0 {
		config.ResyncInterval = 0
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.OnChange == nil {
		config.OnChange = func(string) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		syncer:   syncer,
		config:   config,
		fs:       fsw,
		projects: make(map[string]string),
		queue:    make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the event, debounce and resync loops until Close.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	if w.config.ResyncInterval > 0 {
		w.wg.Add(1)
		go w.resyncLoop()
	}
}

// Close stops watching and waits for the loops to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fs.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Add syncs a project's feature files and starts watching them. The
// features directory is created if it does not exist yet.
func (w *Watcher) Add(ctx context.Context, projectPath string) (filesync.Stats, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return filesync.Stats{}, fmt.Errorf("invalid project path %s: %w", projectPath, err)
	}
	dir := feature.FeaturesDir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return filesync.Stats{}, fmt.Errorf("failed to create features directory: %w", err)
	}

	stats, err := w.syncer.FullSync(ctx, abs)
	if err != nil {
		return stats, fmt.Errorf("initial sync of %s failed: %w", abs, err)
	}

	if err := w.fs.Add(dir); err != nil {
		return stats, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.projects[dir] = abs
	w.mu.Unlock()

	w.config.Logger.Printf("Watching %s (%d synced, %d failed, %d removed)", dir, stats.Synced, stats.Failed, stats.Removed)
	w.config.OnChange(abs)
	return stats, nil
}

// Remove stops watching a project.
func (w *Watcher) Remove(projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return err
	}
	dir := feature.FeaturesDir(abs)

	w.mu.Lock()
	_, ok := w.projects[dir]
	delete(w.projects, dir)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	return w.fs.Remove(dir)
}

// Projects returns the watched project paths, sorted.
func (w *Watcher) Projects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.projects))
	for _, p := range w.projects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}

			// Chmod and friends never change a definition
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, ok := feature.IDFromPath(event.Name); !ok {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a path.
func (w *Watcher) queueChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been quiet for long enough.
func (w *Watcher) processPendingChanges() {
	now := time.Now()
	ready := make(map[string]string) // path -> project

	w.mu.Lock()
	for path, queuedAt := range w.queue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		delete(w.queue, path)
		if project, ok := w.projects[filepath.Dir(path)]; ok {
			ready[path] = project
		}
	}
	w.mu.Unlock()

	changed := make(map[string]bool)
	for path, project := range ready {
		if err := w.syncPath(project, path); err != nil {
			w.config.Logger.Printf("Error syncing %s: %v", path, err)
			continue
		}
		changed[project] = true
	}

	for project := range changed {
		w.config.OnChange(project)
	}
}

// syncPath upserts an existing file or deletes the feature of a removed one.
func (w *Watcher) syncPath(projectPath, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return w.syncer.DeleteFile(w.ctx, projectPath, path)
	}
	_, err := w.syncer.SyncFile(w.ctx, projectPath, path)
	return err
}

// resyncLoop runs a full sync of every project on an interval.
func (w *Watcher) resyncLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, project := range w.Projects() {
				stats, err := w.syncer.FullSync(w.ctx, project)
				if err != nil {
					w.config.Logger.Printf("Error resyncing %s: %v", project, err)
					continue
				}
				if stats.Synced > 0 || stats.Removed > 0 {
					w.config.OnChange(project)
				}
			}
		}
	}
}
