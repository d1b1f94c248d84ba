// Package filesync imports feature definition files into the feature database.
//
// Files under <project>/.automaker/features/*.json are the source of truth for
// feature definitions. The database holds the same features plus the fields the
// scheduler owns (status, session, timestamps), which a sync never overwrites.
//
//	<project>/.automaker/features/*.json
//	                 ↓
//	              Syncer
//	                 ↓
//	            store.DB (sqlite)
package filesync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/store"
)

// Stats summarizes a full sync.
type Stats struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
}

// Syncer keeps the database in step with feature files.
//
// Individual file failures never stop a full sync; they are logged and counted.
type Syncer struct {
	db     *store.DB
	logger *log.Logger
}

// New creates a Syncer. The database must already have its schema.
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{db: db, logger: logger}
}

// SyncFile reads one feature file and upserts it for the project.
func (s *Syncer) SyncFile(ctx context.Context, projectPath, path string) (*feature.Feature, error) {
	f, err := feature.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file: %w", err)
	}

	if err := s.db.Upsert(ctx, projectPath, f); err != nil {
		return nil, fmt.Errorf("failed to sync feature to database: %w", err)
	}

	s.logger.Printf("Synced feature: %s (%s)", f.ID, f.Title)
	return f, nil
}

// DeleteFile removes the feature whose definition file was deleted.
// A feature that is currently running is kept so its run can finish.
func (s *Syncer) DeleteFile(ctx context.Context, projectPath, path string) error {
	id, ok := feature.IDFromPath(path)
	if !ok {
		return nil
	}

	f, err := s.db.Get(ctx, projectPath, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up feature %s: %w", id, err)
	}
	if f.Status == feature.StatusInProgress {
		s.logger.Printf("Keeping running feature %s after its file was deleted", id)
		return nil
	}

	if err := s.db.Delete(ctx, projectPath, id); err != nil {
		return fmt.Errorf("failed to delete feature: %w", err)
	}

	s.logger.Printf("Deleted feature: %s", id)
	return nil
}

// FullSync imports every feature file of the project and removes database
// features whose file no longer exists.
func (s *Syncer) FullSync(ctx context.Context, projectPath string) (Stats, error) {
	var stats Stats
	dir := feature.FeaturesDir(projectPath)
	s.logger.Printf("Starting full sync from %s", dir)

	onDisk := make(map[string]bool)

	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return stats, fmt.Errorf("failed to read features directory: %w", err)
	}
	if os.IsNotExist(err) {
		s.logger.Printf("Features directory doesn't exist: %s (skipping)", dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		path := filepath.Join(dir, entry.Name())
		if id, ok := feature.IDFromPath(path); ok {
			onDisk[id] = true
		}

		f, err := s.SyncFile(ctx, projectPath, path)
		if err != nil {
			s.logger.Printf("WARNING: Failed to sync feature %s: %v", entry.Name(), err)
			stats.Failed++
			continue
		}
		onDisk[f.ID] = true
		stats.Synced++
	}

	existing, err := s.db.List(ctx, projectPath)
	if err != nil {
		return stats, fmt.Errorf("failed to list features: %w", err)
	}
	for _, f := range existing {
		if onDisk[f.ID] || f.Status == feature.StatusInProgress {
			continue
		}
		if err := s.db.Delete(ctx, projectPath, f.ID); err != nil {
			return stats, fmt.Errorf("failed to delete feature %s: %w", f.ID, err)
		}
		stats.Removed++
	}

	s.logger.Printf("Full sync complete: features=%d (failed=%d, removed=%d)",
		stats.Synced, stats.Failed, stats.Removed)
	return stats, nil
}
