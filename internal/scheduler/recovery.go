package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
)

// Interrupted is a feature left in progress by a previous process.
type Interrupted struct {
	FeatureID     string     `json:"featureId"`
	Title         string     `json:"title"`
	BranchName    string     `json:"branchName,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	InterruptedAt *time.Time `json:"interruptedAt,omitempty"`
}

// Resumable reports whether the agent session can be continued.
func (i Interrupted) Resumable() bool { return i.SessionID != "" }

// ResumeInterrupted finds in-progress features with no live run, stamps
// them as interrupted and reports them. Nothing is restarted; the session
// id is kept so ResumeFeature can continue the session.
func (s *Scheduler) ResumeInterrupted(ctx context.Context, projectPath string) ([]Interrupted, error) {
	if projectPath == "" {
		return nil, fmt.Errorf("%w: projectPath is required", ErrValidation)
	}

	list, err := s.store.ListByStatus(ctx, projectPath, feature.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress features: %w", err)
	}

	now := time.Now().UTC()
	out := make([]Interrupted, 0, len(list))
	for _, f := range list {
		if s.isRunning(projectPath, f.ID) {
			continue
		}

		if f.InterruptedAt == nil {
			if err := s.store.Update(ctx, projectPath, f.ID, feature.Patch{InterruptedAt: &now}); err != nil {
				return out, fmt.Errorf("failed to mark %s interrupted: %w", f.ID, err)
			}
			f.InterruptedAt = &now
			s.logger.Printf("Feature %s was interrupted (session %q)", f.ID, f.SessionID)
			s.emit(s.event(events.FeatureInterrupted, projectPath, f.ID, "found in progress without a running session", map[string]interface{}{
				"sessionId": f.SessionID,
				"resumable": f.SessionID != "",
			}))
		}

		out = append(out, Interrupted{
			FeatureID:     f.ID,
			Title:         f.Title,
			BranchName:    f.BranchName,
			SessionID:     f.SessionID,
			StartedAt:     f.StartedAt,
			InterruptedAt: f.InterruptedAt,
		})
	}
	return out, nil
}

// ResumeFeature returns an interrupted feature to the backlog, keeping its
// session id so the next admission continues that session.
func (s *Scheduler) ResumeFeature(ctx context.Context, projectPath, featureID string) error {
	f, err := s.interrupted(ctx, projectPath, featureID)
	if err != nil {
		return err
	}

	patch := feature.Patch{
		Status:           feature.Ptr(feature.StatusBacklog),
		ClearInterrupted: true,
	}
	if err := s.store.Update(ctx, projectPath, featureID, patch); err != nil {
		return err
	}
	s.logger.Printf("Feature %s returned to backlog (session %q)", featureID, f.SessionID)
	s.Trigger(projectPath)
	return nil
}

// DiscardInterrupted marks an interrupted feature failed.
func (s *Scheduler) DiscardInterrupted(ctx context.Context, projectPath, featureID string) error {
	if _, err := s.interrupted(ctx, projectPath, featureID); err != nil {
		return err
	}

	now := time.Now().UTC()
	patch := feature.Patch{
		Status:     feature.Ptr(feature.StatusFailed),
		Error:      feature.Ptr("interrupted: discarded"),
		FinishedAt: &now,
	}
	if err := s.store.Update(ctx, projectPath, featureID, patch); err != nil {
		return err
	}
	s.emit(s.event(events.FeatureFailed, projectPath, featureID, "interrupted: discarded", nil))
	return nil
}

func (s *Scheduler) interrupted(ctx context.Context, projectPath, featureID string) (*feature.Feature, error) {
	if projectPath == "" || featureID == "" {
		return nil, fmt.Errorf("%w: projectPath and featureId are required", ErrValidation)
	}
	if s.isRunning(projectPath, featureID) {
		return nil, fmt.Errorf("%w: feature %s is running", ErrValidation, featureID)
	}

	f, err := s.store.Get(ctx, projectPath, featureID)
	if err != nil {
		return nil, err
	}
	if f.Status != feature.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInterrupted, featureID, f.Status)
	}
	return f, nil
}

func (s *Scheduler) isRunning(projectPath, featureID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loops[projectPath]
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, running := l.running[featureID]
	return running
}
