package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/resolver"
	"github.com/automaker/orchestrator/internal/worktree"
)

// projectLoop is the state of one project's auto mode.
type projectLoop struct {
	project string

	mu              sync.Mutex
	state           State
	maxConcurrency  int
	provider        string
	requireApproval bool
	startedAt       time.Time
	running         map[string]*runHandle

	// blocked remembers reported admission conditions so each one is
	// published once until it clears.
	blocked map[string]string

	trigger chan struct{}
	quit    chan struct{}
}

func newProjectLoop(project string, maxConcurrency int, providerName string, requireApproval bool) *projectLoop {
	return &projectLoop{
		project:         project,
		state:           StateRunning,
		maxConcurrency:  maxConcurrency,
		provider:        providerName,
		requireApproval: requireApproval,
		startedAt:       time.Now().UTC(),
		running:         make(map[string]*runHandle),
		blocked:         make(map[string]string),
		trigger:         make(chan struct{}, 1),
		quit:            make(chan struct{}),
	}
}

// poke requests a dispatch pass without blocking.
func (l *projectLoop) poke() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *projectLoop) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Project:         l.project,
		State:           l.state,
		IsRunning:       l.state == StateRunning,
		MaxConcurrency:  l.maxConcurrency,
		RunningCount:    len(l.running),
		RunningFeatures: make([]RunningFeature, 0, len(l.running)),
	}
	for _, h := range l.running {
		st.RunningFeatures = append(st.RunningFeatures, h.snapshot())
	}
	sort.Slice(st.RunningFeatures, func(i, j int) bool {
		return st.RunningFeatures[i].StartedAt.Before(st.RunningFeatures[j].StartedAt)
	})
	return st
}

// runHandle is the scheduler's record of one admitted feature. It exists
// from the moment a slot is reserved until the run is finalized.
type runHandle struct {
	loop      *projectLoop
	feature   *feature.Feature
	provider  string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu          sync.Mutex
	worktree    *worktree.Handle
	sessionID   string
	attempt     int
	stopReason  string
	interrupted bool
	finalized   bool
}

func (h *runHandle) snapshot() RunningFeature {
	h.mu.Lock()
	defer h.mu.Unlock()

	rf := RunningFeature{
		FeatureID: h.feature.ID,
		Project:   h.loop.project,
		Title:     h.feature.Title,
		Provider:  h.provider,
		SessionID: h.sessionID,
		Attempt:   h.attempt,
		Stopping:  h.stopReason != "" || h.interrupted,
		StartedAt: h.startedAt,
	}
	if h.worktree != nil {
		rf.Branch = h.worktree.Branch
		rf.WorktreePath = h.worktree.Path
	}
	return rf
}

func (h *runHandle) requestStop(reason string) {
	h.mu.Lock()
	if h.stopReason == "" {
		h.stopReason = reason
	}
	h.mu.Unlock()
}

func (h *runHandle) markInterrupted() {
	h.mu.Lock()
	h.interrupted = true
	h.mu.Unlock()
}

func (h *runHandle) setWorktree(wt *worktree.Handle) {
	h.mu.Lock()
	h.worktree = wt
	h.mu.Unlock()
}

// loop waits for triggers and runs a dispatch pass for each one.
func (s *Scheduler) loop(l *projectLoop) {
	defer s.loopsWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-l.quit:
			return
		case <-l.trigger:
			s.dispatch(l)
		}
	}
}

// dispatch admits as many admissible features as the project's cap allows.
func (s *Scheduler) dispatch(l *projectLoop) {
	if !l.canAdmit() {
		return
	}

	features, err := s.store.List(s.ctx, l.project)
	if err != nil {
		s.logger.Printf("Failed to list features for %s: %v", l.project, err)
		return
	}

	res, cycleErr := resolver.Resolve(features)
	s.reportBlocked(l, features, res)
	if cycleErr != nil {
		s.logger.Printf("Dependency problem in %s: %v", l.project, cycleErr)
	}

	byID := make(map[string]*feature.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	for _, id := range res.Admissible {
		f := byID[id]
		h, full := s.reserve(l, f)
		if full {
			return
		}
		if h != nil {
			s.admit(l, h)
		}
	}
}

func (l *projectLoop) canAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateRunning && len(l.running) < l.maxConcurrency
}

// reserve claims a slot for f. It returns full when the loop can take no
// more work, and a nil handle when f is already running.
func (s *Scheduler) reserve(l *projectLoop, f *feature.Feature) (h *runHandle, full bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateRunning || len(l.running) >= l.maxConcurrency {
		return nil, true
	}
	if _, ok := l.running[f.ID]; ok {
		return nil, false
	}

	providerName := f.Provider
	if providerName == "" {
		providerName = l.provider
	}

	ctx, cancel := context.WithCancel(s.ctx)
	h = &runHandle{
		loop:      l,
		feature:   f,
		provider:  providerName,
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		sessionID: f.SessionID,
	}
	l.running[f.ID] = h
	delete(l.blocked, f.ID)
	return h, false
}

// admit marks the feature in progress and hands it to its own goroutine.
func (s *Scheduler) admit(l *projectLoop, h *runHandle) {
	f := h.feature
	patch := feature.Patch{
		Status:           feature.Ptr(feature.StatusInProgress),
		StartedAt:        feature.Ptr(h.startedAt),
		Error:            feature.Ptr(""),
		ClearInterrupted: true,
	}
	if err := s.store.Update(s.ctx, l.project, f.ID, patch); err != nil {
		s.logger.Printf("Failed to mark %s in progress: %v", f.ID, err)
		s.abandon(h)
		return
	}
	f.Status = feature.StatusInProgress

	s.emit(s.event(events.FeatureAdmitted, l.project, f.ID, f.Title, map[string]interface{}{
		"provider": h.provider,
	}))

	s.runs.Add(1)
	go s.run(h)
}

// abandon drops a reservation that never started.
func (s *Scheduler) abandon(h *runHandle) {
	h.once.Do(func() {
		h.cancel()
		evs := s.removeHandle(h)
		s.emit(evs...)
		close(h.done)
	})
}

// removeHandle frees the handle's slot and retires a drained stopping loop.
func (s *Scheduler) removeHandle(h *runHandle) []events.Event {
	l := h.loop

	s.mu.Lock()
	defer s.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running[h.feature.ID] == h {
		delete(l.running, h.feature.ID)
	}
	if l.state == StateStopping && len(l.running) == 0 {
		return []events.Event{s.retireLocked(l)}
	}
	return nil
}

// reportBlocked publishes admission_blocked once per new condition on a
// backlog feature.
func (s *Scheduler) reportBlocked(l *projectLoop, features []*feature.Feature, res *resolver.Result) {
	if res == nil {
		return
	}
	status := make(map[string]feature.Status, len(features))
	for _, f := range features {
		status[f.ID] = f.Status
	}

	current := make(map[string]string)
	var evs []events.Event

	l.mu.Lock()
	for _, c := range res.Conditions() {
		if status[c.FeatureID] != feature.StatusBacklog {
			continue
		}
		sig := string(c.Kind) + ":" + strings.Join(c.Related, ",")
		if prev, ok := current[c.FeatureID]; ok {
			sig = prev + ";" + sig
		}
		current[c.FeatureID] = sig
	}
	for id, sig := range current {
		if l.blocked[id] == sig {
			continue
		}
		for _, c := range res.Conditions() {
			if c.FeatureID != id {
				continue
			}
			evs = append(evs, s.event(events.AdmissionBlocked, l.project, id, c.String(), map[string]interface{}{
				"kind":    string(c.Kind),
				"related": c.Related,
			}))
		}
	}
	l.blocked = current
	l.mu.Unlock()

	sort.Slice(evs, func(i, j int) bool { return evs[i].FeatureID < evs[j].FeatureID })
	s.emit(evs...)
}
