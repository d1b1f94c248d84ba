package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/provider"
	"github.com/automaker/orchestrator/internal/worktree"
)

// maxTranscript caps the agent output kept for the summarizer.
const maxTranscript = 16 * 1024

// result is what a run ended with, before stop requests are applied.
type result struct {
	verdict    provider.Verdict
	summary    string
	err        error
	transcript string
}

// run drives one admitted feature from worktree creation to finalization.
func (s *Scheduler) run(h *runHandle) {
	defer s.runs.Done()

	f := h.feature
	project := h.loop.project

	wt, err := s.worktrees.Acquire(h.ctx, project, f)
	if err != nil {
		s.finalize(h, failed(fmt.Errorf("failed to prepare worktree: %w", err)))
		return
	}
	h.setWorktree(wt)

	if wt.Branch != f.BranchName {
		if err := s.store.Update(s.ctx, project, f.ID, feature.Patch{BranchName: &wt.Branch}); err != nil {
			s.logger.Printf("Failed to record branch for %s: %v", f.ID, err)
		}
	}

	p, err := s.providers.Get(h.provider)
	if err != nil {
		s.finalize(h, failed(err))
		return
	}

	s.emit(s.event(events.FeatureStarted, project, f.ID, f.Title, map[string]interface{}{
		"branch":       wt.Branch,
		"worktreePath": wt.Path,
		"provider":     p.Name(),
	}))

	s.finalize(h, s.execute(h, p, wt))
}

// execute runs attempts until one succeeds, fails permanently or the retry
// budget is spent. Only rate-limit and transient failures are retried.
func (s *Scheduler) execute(h *runHandle, p provider.Provider, wt *worktree.Handle) result {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.retryInitial
	b.MaxInterval = s.opts.retryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.maxRetries)), h.ctx)

	var last result
	op := func() error {
		last = s.attempt(h, p, wt)
		if last.verdict != provider.VerdictFailed {
			return nil
		}
		if h.ctx.Err() != nil || !provider.IsRetryable(last.err) {
			return backoff.Permanent(last.err)
		}
		return last.err
	}
	notify := func(err error, wait time.Duration) {
		h.mu.Lock()
		attempt := h.attempt
		h.mu.Unlock()

		s.logger.Printf("Feature %s attempt %d failed (%s), retrying in %v: %v",
			h.feature.ID, attempt, provider.ClassOf(err), wait, err)
		s.emit(s.event(events.FeatureRetry, h.loop.project, h.feature.ID, err.Error(), map[string]interface{}{
			"attempt": attempt,
			"class":   string(provider.ClassOf(err)),
			"delayMs": wait.Milliseconds(),
		}))
	}

	_ = backoff.RetryNotify(op, policy, notify)
	return last
}

// attempt runs one provider session and drains its stream.
func (s *Scheduler) attempt(h *runHandle, p provider.Provider, wt *worktree.Handle) result {
	f := h.feature
	project := h.loop.project

	h.mu.Lock()
	h.attempt++
	sessionID := h.sessionID
	h.mu.Unlock()

	req := provider.Request{
		Project:   project,
		FeatureID: f.ID,
		Prompt:    s.opts.prompt(f, sessionID != ""),
		WorkDir:   wt.Path,
		SessionID: sessionID,
		Model:     f.Model,
		Env: []string{
			"AUTOMAKER_PROJECT=" + project,
			"AUTOMAKER_FEATURE_ID=" + f.ID,
			"AUTOMAKER_BRANCH=" + wt.Branch,
		},
	}

	stream, err := p.Execute(h.ctx, req)
	if err != nil {
		return failed(provider.Classify(err, ""))
	}

	var terminal *provider.Message
	var transcript strings.Builder
	for msg := range stream {
		if msg.SessionID != "" {
			s.recordSession(h, msg.SessionID)
		}
		switch msg.Type {
		case provider.MessageProgress:
			if msg.Text == "" {
				continue
			}
			appendTail(&transcript, msg.Text)
			s.emit(s.event(events.FeatureProgress, project, f.ID, msg.Text, nil))
		case provider.MessageTerminal:
			if terminal == nil {
				m := msg
				terminal = &m
			}
		}
	}

	res := result{transcript: transcript.String()}
	switch {
	case terminal == nil:
		res.verdict = provider.VerdictFailed
		res.err = &provider.Error{Class: provider.ClassFatal, Err: provider.ErrNoTerminal}
	case terminal.Verdict == provider.VerdictCompleted || terminal.Verdict == provider.VerdictWaitingApproval:
		res.verdict = terminal.Verdict
		res.summary = terminal.Summary
	default:
		res.verdict = provider.VerdictFailed
		res.err = terminal.Err
		if res.err == nil {
			text := terminal.Text
			if text == "" {
				text = "agent reported failure"
			}
			res.err = errors.New(text)
		}
		res.err = provider.Classify(res.err, "")
	}
	return res
}

// recordSession persists a new session id as soon as it is known so a
// crash mid-run can still resume it.
func (s *Scheduler) recordSession(h *runHandle, sessionID string) {
	h.mu.Lock()
	changed := h.sessionID != sessionID && !h.finalized
	if changed {
		h.sessionID = sessionID
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	if err := s.store.Update(s.ctx, h.loop.project, h.feature.ID, feature.Patch{SessionID: &sessionID}); err != nil {
		s.logger.Printf("Failed to record session for %s: %v", h.feature.ID, err)
	}
}

// finalize records the outcome of a run exactly once, releases its
// worktree and frees its slot.
func (s *Scheduler) finalize(h *runHandle, res result) {
	h.once.Do(func() {
		h.mu.Lock()
		h.finalized = true
		reason := h.stopReason
		interrupted := h.interrupted
		wt := h.worktree
		sessionID := h.sessionID
		attempts := h.attempt
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		f := h.feature
		l := h.loop
		now := time.Now().UTC()

		var ev events.Event
		if interrupted {
			patch := feature.Patch{InterruptedAt: &now}
			if sessionID != "" {
				patch.SessionID = &sessionID
			}
			if err := s.store.Update(ctx, l.project, f.ID, patch); err != nil {
				s.logger.Printf("Failed to record interruption of %s: %v", f.ID, err)
			}
			ev = s.event(events.FeatureInterrupted, l.project, f.ID, "scheduler shut down", map[string]interface{}{
				"sessionId": sessionID,
			})
		} else {
			ev = s.record(ctx, h, res, reason, wt, sessionID, attempts, now)
		}

		h.cancel()
		loopEvents := s.removeHandle(h)
		s.emit(ev)
		s.emit(loopEvents...)
		close(h.done)
		l.poke()
	})
}

// record writes the terminal status of a run and releases its worktree.
func (s *Scheduler) record(ctx context.Context, h *runHandle, res result, reason string, wt *worktree.Handle, sessionID string, attempts int, now time.Time) events.Event {
	f := h.feature
	l := h.loop

	var (
		status  feature.Status
		outcome worktree.Outcome
		errText string
		typ     events.Type
	)
	switch {
	case reason != "":
		status, outcome, typ = feature.StatusFailed, worktree.OutcomeFailed, events.FeatureCancelled
		errText = "cancelled: " + reason
	case res.verdict == provider.VerdictCompleted && !s.requiresApproval(h):
		status, outcome, typ = feature.StatusCompleted, worktree.OutcomeCompleted, events.FeatureCompleted
	case res.verdict == provider.VerdictCompleted || res.verdict == provider.VerdictWaitingApproval:
		status, outcome, typ = feature.StatusWaitingApproval, worktree.OutcomePendingApproval, events.FeatureWaitingApproval
	default:
		status, outcome, typ = feature.StatusFailed, worktree.OutcomeFailed, events.FeatureFailed
		errText = "unknown failure"
		if res.err != nil {
			errText = res.err.Error()
		}
	}

	summary := res.summary
	if summary == "" && status != feature.StatusFailed && s.opts.summarizer != nil {
		var err error
		if summary, err = s.opts.summarizer.Summarize(ctx, f, res.transcript); err != nil {
			s.logger.Printf("Failed to summarize %s: %v", f.ID, err)
		}
	}

	patch := feature.Patch{
		Status:     &status,
		Error:      &errText,
		FinishedAt: &now,
	}
	if summary != "" {
		patch.Summary = &summary
	}
	if sessionID != "" {
		patch.SessionID = &sessionID
	}
	if err := s.store.Update(ctx, l.project, f.ID, patch); err != nil {
		s.logger.Printf("Failed to record outcome of %s: %v", f.ID, err)
	}

	if wt != nil {
		if err := s.worktrees.Release(ctx, wt, outcome, errText); err != nil {
			s.logger.Printf("Failed to release worktree for %s: %v", f.ID, err)
		}
	}

	data := map[string]interface{}{
		"status":   string(status),
		"attempts": attempts,
	}
	if wt != nil {
		data["branch"] = wt.Branch
	}
	if summary != "" {
		data["summary"] = summary
	}
	msg := summary
	if status == feature.StatusFailed {
		msg = errText
		if res.err != nil && reason == "" {
			data["class"] = string(provider.ClassOf(res.err))
		}
	}
	return s.event(typ, l.project, f.ID, msg, data)
}

func (s *Scheduler) requiresApproval(h *runHandle) bool {
	if h.feature.RequireApproval {
		return true
	}
	h.loop.mu.Lock()
	defer h.loop.mu.Unlock()
	return h.loop.requireApproval
}

// StopFeature cancels a running feature by id in whichever project runs it.
func (s *Scheduler) StopFeature(ctx context.Context, featureID string) error {
	return s.StopProjectFeature(ctx, "", featureID)
}

// StopProjectFeature cancels a running feature. An empty projectPath
// searches every project; an id running in more than one is rejected.
//
// The feature is marked failed even when the provider ignores the
// cancellation: after the grace period it is finalized anyway and its slot
// is freed.
func (s *Scheduler) StopProjectFeature(ctx context.Context, projectPath, featureID string) error {
	if featureID == "" {
		return fmt.Errorf("%w: featureId is required", ErrValidation)
	}

	h, err := s.findHandle(projectPath, featureID)
	if err != nil {
		return err
	}

	s.logger.Printf("Stopping feature %s in %s", featureID, h.loop.project)
	h.requestStop("stopped by user")
	h.cancel()

	timer := time.NewTimer(s.opts.stopGrace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		s.logger.Printf("Feature %s did not stop within %v; finalizing", featureID, s.opts.stopGrace)
		s.finalize(h, failed(errors.New("provider did not stop within the grace period")))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) findHandle(projectPath, featureID string) (*runHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*runHandle
	for p, l := range s.loops {
		if projectPath != "" && p != projectPath {
			continue
		}
		l.mu.Lock()
		if h, ok := l.running[featureID]; ok {
			matches = append(matches, h)
		}
		l.mu.Unlock()
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrFeatureNotRunning, featureID)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: feature %s is running in %d projects; pass projectPath", ErrValidation, featureID, len(matches))
	}
}

func failed(err error) result {
	return result{verdict: provider.VerdictFailed, err: err}
}

// appendTail adds a line to the transcript, keeping only the newest bytes.
func appendTail(sb *strings.Builder, text string) {
	sb.WriteString(text)
	sb.WriteByte('\n')
	if sb.Len() > maxTranscript {
		tail := sb.String()[sb.Len()-maxTranscript:]
		sb.Reset()
		sb.WriteString(tail)
	}
}

// BuildPrompt is the default prompt for a feature session.
func BuildPrompt(f *feature.Feature, resuming bool) string {
	var sb strings.Builder
	if resuming {
		fmt.Fprintf(&sb, "Continue implementing the feature %q where the previous session stopped.\n", f.Title)
	} else {
		fmt.Fprintf(&sb, "Implement the following feature in this repository.\n\nTitle: %s\n", f.Title)
	}
	if f.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", f.Category)
	}
	if f.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", strings.TrimSpace(f.Description))
	}
	sb.WriteString("\nWork only inside the current directory. Commit your changes when the feature is done and the tests pass.\n")
	return sb.String()
}
