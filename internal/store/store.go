// Package store persists features per project.
//
// The scheduler only reads features and applies partial updates to the fields
// it owns, so concurrent edits to unrelated fields by other writers survive.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/automaker/orchestrator/internal/feature"
)

// ErrNotFound is returned when a feature does not exist in the project.
var ErrNotFound = errors.New("feature not found")

// Store is the feature persistence the scheduler depends on.
type Store interface {
	Get(ctx context.Context, projectPath, id string) (*feature.Feature, error)
	// List returns every feature of the project in creation order.
	List(ctx context.Context, projectPath string) ([]*feature.Feature, error)
	ListByStatus(ctx context.Context, projectPath string, status feature.Status) ([]*feature.Feature, error)
	Update(ctx context.Context, projectPath, id string, patch feature.Patch) error
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	seq      int64
	projects map[string]map[string]*feature.Feature
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{projects: make(map[string]map[string]*feature.Feature)}
}

// Put inserts or replaces a feature, keeping its creation order on replace.
func (m *Memory) Put(projectPath string, f *feature.Feature) {
	m.mu.Lock()
	defer m.mu.Unlock()

	features, ok := m.projects[projectPath]
	if !ok {
		features = make(map[string]*feature.Feature)
		m.projects[projectPath] = features
	}

	c := f.Clone()
	c.SetDefaults()
	if prev, ok := features[c.ID]; ok {
		c.Seq = prev.Seq
	} else {
		m.seq++
		c.Seq = m.seq
	}
	features[c.ID] = c
}

// Delete removes a feature. Missing features are ignored.
func (m *Memory) Delete(projectPath, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects[projectPath], id)
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, projectPath, id string) (*feature.Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.projects[projectPath][id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone(), nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, projectPath string) ([]*feature.Feature, error) {
	return m.list(projectPath, ""), nil
}

// ListByStatus implements Store.
func (m *Memory) ListByStatus(_ context.Context, projectPath string, status feature.Status) ([]*feature.Feature, error) {
	return m.list(projectPath, status), nil
}

func (m *Memory) list(projectPath string, status feature.Status) []*feature.Feature {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*feature.Feature, 0, len(m.projects[projectPath]))
	for _, f := range m.projects[projectPath] {
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, projectPath, id string, patch feature.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.projects[projectPath][id]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(f)
	return nil
}

// Projects returns every project path that has features.
func (m *Memory) Projects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.projects))
	for p := range m.projects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
