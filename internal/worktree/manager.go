// Package worktree gives every running feature its own git worktree and branch,
// and keeps per-branch metadata so a crashed or finished run can be inspected,
// merged or cleaned up later.
//
// Git keeps the worktree registry as repository-global state, so every
// create, remove and branch deletion for one repository goes through a single
// lock held by the Manager.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/automaker/orchestrator/internal/feature"
)

// Outcome tells Release what happened to the feature run.
type Outcome string

const (
	// OutcomePendingApproval keeps the worktree for human review.
	OutcomePendingApproval Outcome = "pending_approval"
	// OutcomeCompleted keeps the worktree until it is merged.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed annotates metadata and removes the worktree if policy says so.
	OutcomeFailed Outcome = "failed"
	// OutcomeMerged removes the worktree, the branch and the metadata.
	OutcomeMerged Outcome = "merged"
)

// Policy holds the per-project knobs that shape worktree handling.
type Policy struct {
	BaseBranch              string
	BranchPrefix            string
	WorktreeDir             string
	InitScript              string
	InitScriptTimeout       time.Duration
	RemoveWorktreeOnFailure bool
}

// DefaultPolicy returns the policy used when a project has no settings.
func DefaultPolicy() Policy {
	return Policy{
		BranchPrefix:      "feature/",
		WorktreeDir:       ".worktrees",
		InitScriptTimeout: 10 * time.Minute,
	}
}

// Options configures a Manager.
type Options struct {
	// GitTimeout bounds each git invocation (default: 60s).
	GitTimeout time.Duration

	// ContentionDelay is the wait before retrying a locked registry (default: 500ms).
	ContentionDelay time.Duration

	// Policy returns the policy for a project (default: DefaultPolicy).
	Policy func(projectPath string) Policy

	// Logger for worktree activity (default: stderr logger).
	Logger *log.Logger
}

// Handle identifies an acquired worktree.
type Handle struct {
	Project   string
	RepoRoot  string
	FeatureID string
	Branch    string
	Path      string
	Created   bool
}

// Info describes one worktree known to git or to the metadata store.
type Info struct {
	Branch   string    `json:"branch"`
	Path     string    `json:"path,omitempty"`
	Head     string    `json:"head,omitempty"`
	Main     bool      `json:"main,omitempty"`
	Prunable bool      `json:"prunable,omitempty"`
	Orphaned bool      `json:"orphaned,omitempty"` // metadata without a registered worktree
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Manager creates and destroys feature worktrees.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]chan struct{} // repo root -> single-slot semaphore
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = 60 * time.Second
	}
	if opts.ContentionDelay <= 0 {
		opts.ContentionDelay = 500 * time.Millisecond
	}
	if opts.Policy == nil {
		opts.Policy = func(string) Policy { return DefaultPolicy() }
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[worktree] ", log.LstdFlags)
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		locks:  make(map[string]chan struct{}),
	}
}

// BranchFor returns the branch a feature runs on.
func (m *Manager) BranchFor(projectPath string, f *feature.Feature) string {
	if f.BranchName != "" {
		return f.BranchName
	}
	prefix := m.policy(projectPath).BranchPrefix
	return prefix + f.ID
}

// PathFor returns the worktree directory for a branch.
func (m *Manager) PathFor(projectPath, branch string) string {
	dir := m.policy(projectPath).WorktreeDir
	if filepath.IsAbs(dir) {
		return filepath.Join(dir, Sanitize(branch))
	}
	return filepath.Join(projectPath, dir, Sanitize(branch))
}

func (m *Manager) policy(projectPath string) Policy {
	p := m.opts.Policy(projectPath)
	d := DefaultPolicy()
	if p.BranchPrefix == "" {
		p.BranchPrefix = d.BranchPrefix
	}
	if p.WorktreeDir == "" {
		p.WorktreeDir = d.WorktreeDir
	}
	if p.InitScriptTimeout <= 0 {
		p.InitScriptTimeout = d.InitScriptTimeout
	}
	return p
}

// lock serializes registry mutations for one repository.
func (m *Manager) lock(ctx context.Context, repo string) (func(), error) {
	m.mu.Lock()
	sem, ok := m.locks[repo]
	if !ok {
		sem = make(chan struct{}, 1)
		m.locks[repo] = sem
	}
	m.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withContentionRetry runs fn, retrying once when the registry was locked.
func (m *Manager) withContentionRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrRegistryContention) {
		return err
	}
	m.logger.Printf("Registry contention during %s, retrying in %v", op, m.opts.ContentionDelay)
	select {
	case <-time.After(m.opts.ContentionDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

func (m *Manager) git(ctx context.Context, projectPath string) (*git, error) {
	root, err := repoRoot(ctx, projectPath, m.opts.GitTimeout)
	if err != nil {
		return nil, err
	}
	return &git{root: root, timeout: m.opts.GitTimeout}, nil
}

// Acquire returns an exclusive worktree for the feature, creating it when
// needed or reusing a healthy one already registered for the branch.
func (m *Manager) Acquire(ctx context.Context, projectPath string, f *feature.Feature) (*Handle, error) {
	if f == nil || f.ID == "" {
		return nil, fmt.Errorf("feature is required")
	}
	g, err := m.git(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	branch := m.BranchFor(projectPath, f)
	policy := m.policy(projectPath)

	existing, err := ReadMetadata(projectPath, branch)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Branch != branch {
		return nil, fmt.Errorf("%w: %q and %q both map to %q",
			ErrBranchCollision, branch, existing.Branch, Sanitize(branch))
	}

	h := &Handle{
		Project:   projectPath,
		RepoRoot:  g.root,
		FeatureID: f.ID,
		Branch:    branch,
		Path:      m.PathFor(projectPath, branch),
	}

	unlock, err := m.lock(ctx, g.root)
	if err != nil {
		return nil, err
	}
	err = m.withContentionRetry(ctx, "acquire", func() error {
		return m.acquireLocked(ctx, g, h, policy)
	})
	unlock()
	if err != nil {
		return nil, err
	}

	if h.Created || existing == nil {
		meta := &Metadata{Branch: branch, CreatedAt: time.Now().UTC(), FeatureID: f.ID}
		if existing != nil {
			meta.PR = existing.PR
		}
		if err := WriteMetadata(projectPath, branch, meta); err != nil {
			return nil, err
		}
		existing = meta
	}

	if policy.InitScript != "" && !existing.InitScriptRan {
		m.runInitScript(ctx, h, policy)
	}

	return h, nil
}

func (m *Manager) acquireLocked(ctx context.Context, g *git, h *Handle, policy Policy) error {
	entries, err := g.list(ctx)
	if err != nil {
		return err
	}

	current, err := g.currentBranch(ctx)
	if err != nil {
		return err
	}
	if h.Branch == current || (policy.BaseBranch != "" && h.Branch == policy.BaseBranch) {
		return fmt.Errorf("%w: %s", ErrMainBranch, h.Branch)
	}

	for i, e := range entries {
		if e.Branch != h.Branch {
			continue
		}
		if i == 0 {
			return fmt.Errorf("%w: %s", ErrMainBranch, h.Branch)
		}
		if g.healthy(ctx, e.Path) {
			h.Path = e.Path
			m.logger.Printf("Reusing worktree for %s at %s", h.Branch, e.Path)
			return nil
		}
		m.logger.Printf("Worktree for %s at %s is unhealthy, recreating", h.Branch, e.Path)
		if err := g.removeWorktree(ctx, e.Path); err != nil {
			return fmt.Errorf("failed to remove unhealthy worktree: %w", err)
		}
	}

	exists, err := g.branchExists(ctx, h.Branch)
	if err != nil {
		return err
	}
	if err := g.addWorktree(ctx, h.Path, h.Branch, policy.BaseBranch, exists); err != nil {
		return err
	}
	h.Created = true
	m.logger.Printf("Created worktree for %s at %s", h.Branch, h.Path)
	return nil
}

// Release applies the release policy for the outcome. errText is recorded in
// metadata for failed runs.
func (m *Manager) Release(ctx context.Context, h *Handle, outcome Outcome, errText string) error {
	if h == nil {
		return fmt.Errorf("handle is nil")
	}
	policy := m.policy(h.Project)

	switch outcome {
	case OutcomePendingApproval, OutcomeCompleted:
		_, err := UpdateMetadata(h.Project, h.Branch, func(meta *Metadata) {
			meta.FeatureID = h.FeatureID
			meta.Outcome = outcome
			meta.Error = ""
		})
		return err

	case OutcomeFailed:
		if _, err := UpdateMetadata(h.Project, h.Branch, func(meta *Metadata) {
			meta.FeatureID = h.FeatureID
			meta.Outcome = outcome
			meta.Error = errText
		}); err != nil {
			return err
		}
		if !policy.RemoveWorktreeOnFailure {
			return nil
		}
		return m.removeWorktree(ctx, h)

	case OutcomeMerged:
		if err := m.removeWorktree(ctx, h); err != nil {
			return err
		}
		m.deleteBranchBestEffort(ctx, h)
		return DeleteMetadata(h.Project, h.Branch)

	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
}

func (m *Manager) removeWorktree(ctx context.Context, h *Handle) error {
	g := &git{root: h.RepoRoot, timeout: m.opts.GitTimeout}
	if g.root == "" {
		var err error
		if g, err = m.git(ctx, h.Project); err != nil {
			return err
		}
	}

	unlock, err := m.lock(ctx, g.root)
	if err != nil {
		return err
	}
	defer unlock()

	return m.withContentionRetry(ctx, "remove", func() error {
		if _, statErr := os.Stat(h.Path); os.IsNotExist(statErr) {
			_, pruneErr := g.run(ctx, "worktree", "prune")
			return pruneErr
		}
		if err := g.removeWorktree(ctx, h.Path); err != nil {
			return err
		}
		m.logger.Printf("Removed worktree %s", h.Path)
		return nil
	})
}

// deleteBranchBestEffort removes the branch under the registry lock and only
// logs failures.
func (m *Manager) deleteBranchBestEffort(ctx context.Context, h *Handle) {
	g := &git{root: h.RepoRoot, timeout: m.opts.GitTimeout}
	unlock, err := m.lock(ctx, g.root)
	if err != nil {
		m.logger.Printf("Warning: could not delete branch %s: %v", h.Branch, err)
		return
	}
	defer unlock()

	err = m.withContentionRetry(ctx, "delete branch", func() error {
		return g.deleteBranch(ctx, h.Branch)
	})
	if err != nil {
		m.logger.Printf("Warning: %v", err)
	}
}

// Merge merges the branch into the project's checked-out branch and then
// releases it as merged.
func (m *Manager) Merge(ctx context.Context, projectPath, branch string) error {
	g, err := m.git(ctx, projectPath)
	if err != nil {
		return err
	}

	h, err := m.handleFor(ctx, g, projectPath, branch)
	if err != nil {
		return err
	}

	unlock, err := m.lock(ctx, g.root)
	if err != nil {
		return err
	}
	err = m.withContentionRetry(ctx, "merge", func() error {
		return g.merge(ctx, branch)
	})
	unlock()
	if err != nil {
		return err
	}
	m.logger.Printf("Merged %s", branch)

	return m.Release(ctx, h, OutcomeMerged, "")
}

// Remove deletes a branch's worktree and metadata, and the branch itself when asked.
func (m *Manager) Remove(ctx context.Context, projectPath, branch string, deleteBranch bool) error {
	g, err := m.git(ctx, projectPath)
	if err != nil {
		return err
	}
	h, err := m.handleFor(ctx, g, projectPath, branch)
	if err != nil {
		return err
	}
	if err := m.removeWorktree(ctx, h); err != nil {
		return err
	}
	if deleteBranch {
		m.deleteBranchBestEffort(ctx, h)
	}
	return DeleteMetadata(projectPath, branch)
}

// handleFor rebuilds a handle for an existing branch from git's registry,
// falling back to the default path.
func (m *Manager) handleFor(ctx context.Context, g *git, projectPath, branch string) (*Handle, error) {
	h := &Handle{
		Project:  projectPath,
		RepoRoot: g.root,
		Branch:   branch,
		Path:     m.PathFor(projectPath, branch),
	}
	if meta, err := ReadMetadata(projectPath, branch); err == nil && meta != nil {
		h.FeatureID = meta.FeatureID
	}

	entries, err := g.list(ctx)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.Branch == branch {
			if i == 0 {
				return nil, fmt.Errorf("%w: %s", ErrMainBranch, branch)
			}
			h.Path = e.Path
			return h, nil
		}
	}

	exists, err := g.branchExists(ctx, branch)
	if err != nil {
		return nil, err
	}
	if !exists {
		if meta, _ := ReadMetadata(projectPath, branch); meta == nil {
			return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, branch)
		}
	}
	return h, nil
}

// List returns the project's worktrees merged with their metadata. Metadata
// whose worktree is gone is reported as orphaned.
func (m *Manager) List(ctx context.Context, projectPath string) ([]Info, error) {
	g, err := m.git(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	entries, err := g.list(ctx)
	if err != nil {
		return nil, err
	}
	metas, err := ListMetadata(projectPath)
	if err != nil {
		return nil, err
	}
	byBranch := make(map[string]*Metadata, len(metas))
	for _, meta := range metas {
		byBranch[meta.Branch] = meta
	}

	var out []Info
	for i, e := range entries {
		info := Info{
			Branch:   e.Branch,
			Path:     e.Path,
			Head:     e.Head,
			Main:     i == 0,
			Prunable: e.Prunable,
		}
		if meta, ok := byBranch[e.Branch]; ok {
			info.Metadata = meta
			delete(byBranch, e.Branch)
		}
		out = append(out, info)
	}
	for _, meta := range metas {
		if _, ok := byBranch[meta.Branch]; ok {
			out = append(out, Info{Branch: meta.Branch, Orphaned: true, Metadata: meta})
		}
	}
	return out, nil
}

// SetPR links the pull request opened for a feature branch. The branch must
// already have metadata, i.e. a worktree acquired for a feature.
func (m *Manager) SetPR(projectPath, branch string, pr PRInfo) (*Metadata, error) {
	if pr.URL == "" && pr.Number <= 0 {
		return nil, fmt.Errorf("pull request needs a url or a positive number")
	}
	meta, err := ReadMetadata(projectPath, branch)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: no metadata for %s", ErrWorktreeNotFound, branch)
	}
	if meta.Branch != branch {
		return nil, fmt.Errorf("%w: %s is recorded for %s", ErrBranchCollision, Sanitize(branch), meta.Branch)
	}
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = time.Now().UTC()
	}
	meta.PR = &pr
	if err := WriteMetadata(projectPath, branch, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ReadMetadata loads branch metadata for a project.
func (m *Manager) ReadMetadata(projectPath, branch string) (*Metadata, error) {
	return ReadMetadata(projectPath, branch)
}

// WriteMetadata persists branch metadata for a project.
func (m *Manager) WriteMetadata(projectPath, branch string, meta *Metadata) error {
	return WriteMetadata(projectPath, branch, meta)
}

// DeleteMetadata removes branch metadata for a project.
func (m *Manager) DeleteMetadata(projectPath, branch string) error {
	return DeleteMetadata(projectPath, branch)
}
