// Package feature defines the feature work item tracked by the orchestrator
// and its on-disk JSON definition files.
package feature

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	StatusBacklog         Status = "backlog"
	StatusReady           Status = "ready"
	StatusInProgress      Status = "in_progress"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusVerified        Status = "verified"
	StatusFailed          Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusReady, StatusInProgress, StatusWaitingApproval,
		StatusCompleted, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in this status unblocks its dependents.
func (s Status) Satisfies() bool {
	return s == StatusCompleted || s == StatusVerified
}

// Terminal reports whether no further scheduler transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusWaitingApproval, StatusCompleted, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Feature is a unit of work an agent implements inside its own worktree.
type Feature struct {
	// ===== Identification =====
	ID  string `json:"id"`
	Seq int64  `json:"seq,omitempty"` // creation order within the project

	// ===== Content =====
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// ===== Scheduling =====
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     int      `json:"priority,omitempty"` // 0 = unset, 1 = highest

	// ===== Execution =====
	BranchName      string `json:"branchName,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	RequireApproval bool   `json:"requireApproval,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Error           string `json:"error,omitempty"`
	Summary         string `json:"summary,omitempty"`

	// ===== Timestamps =====
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	InterruptedAt *time.Time `json:"interruptedAt,omitempty"`
}

// Validate checks if the Feature has valid field values.
func (f *Feature) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(f.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(f.Title))
	}
	if !f.Status.Valid() {
		return fmt.Errorf("invalid status %q", f.Status)
	}
	if f.Priority < 0 {
		return fmt.Errorf("priority must not be negative (got %d)", f.Priority)
	}
	seen := make(map[string]bool, len(f.Dependencies))
	for _, dep := range f.Dependencies {
		if dep == "" {
			return fmt.Errorf("dependency id must not be empty")
		}
		if dep == f.ID {
			return fmt.Errorf("feature %s cannot depend on itself", f.ID)
		}
		if seen[dep] {
			return fmt.Errorf("duplicate dependency %s", dep)
		}
		seen[dep] = true
	}
	if f.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (f *Feature) SetDefaults() {
	if f.Status == "" {
		f.Status = StatusBacklog
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
}

// Clone returns a deep copy so callers can mutate without sharing slices or pointers.
func (f *Feature) Clone() *Feature {
	if f == nil {
		return nil
	}
	c := *f
	if f.Dependencies != nil {
		c.Dependencies = append([]string(nil), f.Dependencies...)
	}
	c.StartedAt = cloneTime(f.StartedAt)
	c.FinishedAt = cloneTime(f.FinishedAt)
	c.InterruptedAt = cloneTime(f.InterruptedAt)
	return &c
}

// Patch is a partial update. Only non-nil fields are applied.
type Patch struct {
	Status        *Status
	BranchName    *string
	SessionID     *string
	Error         *string
	Summary       *string
	StartedAt     *time.Time
	FinishedAt    *time.Time
	InterruptedAt *time.Time

	// ClearInterrupted resets InterruptedAt to nil.
	ClearInterrupted bool
}

// Apply writes the patch onto f and bumps UpdatedAt.
func (p Patch) Apply(f *Feature) {
	if p.Status != nil {
		f.Status = *p.Status
	}
	if p.BranchName != nil {
		f.BranchName = *p.BranchName
	}
	if p.SessionID != nil {
		f.SessionID = *p.SessionID
	}
	if p.Error != nil {
		f.Error = *p.Error
	}
	if p.Summary != nil {
		f.Summary = *p.Summary
	}
	if p.StartedAt != nil {
		f.StartedAt = cloneTime(p.StartedAt)
	}
	if p.FinishedAt != nil {
		f.FinishedAt = cloneTime(p.FinishedAt)
	}
	if p.InterruptedAt != nil {
		f.InterruptedAt = cloneTime(p.InterruptedAt)
	}
	if p.ClearInterrupted {
		f.InterruptedAt = nil
	}
	f.UpdatedAt = time.Now().UTC()
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.BranchName == nil && p.SessionID == nil &&
		p.Error == nil && p.Summary == nil && p.StartedAt == nil &&
		p.FinishedAt == nil && p.InterruptedAt == nil && !p.ClearInterrupted
}

// StatusPatch is shorthand for a patch that only moves the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// Ptr returns a pointer to v. Handy when building patches.
func Ptr[T any](v T) *T {
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
