// Package scheduler runs the per-project auto loop: it admits backlog
// features in dependency order under a concurrency cap, runs each one in its
// own worktree through an agent provider, and records every outcome.
//
// Each project has its own loop with its own running set and cap. A loop
// moves Idle -> Running -> Stopping -> Idle; it leaves Stopping only once
// its last running feature has finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/provider"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/worktree"
)

// State is the lifecycle state of a project's auto loop.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	// ErrValidation marks invalid requests. Nothing was changed.
	ErrValidation = errors.New("validation error")

	// ErrFeatureNotRunning is returned when stopping a feature without a live run.
	ErrFeatureNotRunning = errors.New("feature is not running")

	// ErrNotInterrupted is returned when resuming or discarding a feature
	// that was not left in progress by an earlier process.
	ErrNotInterrupted = errors.New("feature is not interrupted")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("scheduler is shut down")
)

const (
	DefaultMaxConcurrency = 3
	DefaultStopGrace      = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryInitial   = 2 * time.Second
	DefaultRetryMax       = time.Minute

	// finalizeTimeout bounds the store and worktree cleanup after a run.
	finalizeTimeout = 2 * time.Minute
)

// Worktrees is the isolation layer the scheduler needs. *worktree.Manager
// implements it.
type Worktrees interface {
	Acquire(ctx context.Context, projectPath string, f *feature.Feature) (*worktree.Handle, error)
	Release(ctx context.Context, h *worktree.Handle, outcome worktree.Outcome, errText string) error
}

// Providers resolves provider names. *provider.Registry implements it.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Summarizer writes a summary for completed features that have none.
type Summarizer interface {
	Summarize(ctx context.Context, f *feature.Feature, transcript string) (string, error)
}

// ProjectConfig holds per-project defaults. Zero values defer to the
// scheduler's own defaults.
type ProjectConfig struct {
	MaxConcurrency  int
	Provider        string
	RequireApproval bool
}

// StartOptions are the per-start overrides.
type StartOptions struct {
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// StartResult reports whether the loop was already running.
type StartResult struct {
	AlreadyRunning bool `json:"alreadyRunning"`
}

// StopResult reports how many features are still finishing.
type StopResult struct {
	RunningCount int `json:"runningCount"`
}

// RunningFeature describes one live run.
type RunningFeature struct {
	FeatureID    string    `json:"featureId"`
	Project      string    `json:"projectPath"`
	Title        string    `json:"title,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	WorktreePath string    `json:"worktreePath,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	Attempt      int       `json:"attempt"`
	Stopping     bool      `json:"stopping,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

// Status is a loop snapshot. For the aggregate view Project is empty and
// Projects lists every active loop.
type Status struct {
	Project         string           `json:"projectPath,omitempty"`
	State           State            `json:"state"`
	IsRunning       bool             `json:"isRunning"`
	MaxConcurrency  int              `json:"maxConcurrency"`
	RunningCount    int              `json:"runningCount"`
	RunningFeatures []RunningFeature `json:"runningFeatures"`
	Projects        []Status         `json:"projects,omitempty"`
}

type options struct {
	maxConcurrency int
	stopGrace      time.Duration
	maxRetries     int
	retryInitial   time.Duration
	retryMax       time.Duration
	projectConfig  func(projectPath string) ProjectConfig
	summarizer     Summarizer
	prompt         func(f *feature.Feature, resuming bool) string
	logger         *log.Logger
}

// Option configures a Scheduler.
type Option func(*options)

// WithMaxConcurrency sets the default cap for projects without one.
func WithMaxConcurrency(n int) Option {
	return func(o *options) { o.maxConcurrency = n }
}

// WithStopGrace sets how long StopFeature waits for a provider to honor
// cancellation before finalizing the feature anyway.
func WithStopGrace(d time.Duration) Option {
	return func(o *options) { o.stopGrace = d }
}

// WithRetry configures retries of rate-limited and transient provider failures.
func WithRetry(maxRetries int, initial, max time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryInitial = initial
		o.retryMax = max
	}
}

// WithProjectConfig supplies per-project defaults.
func WithProjectConfig(fn func(projectPath string) ProjectConfig) Option {
	return func(o *options) { o.projectConfig = fn }
}

// WithSummarizer enables summaries for completed features without one.
func WithSummarizer(s Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithPrompt replaces the prompt builder.
func WithPrompt(fn func(f *feature.Feature, resuming bool) string) Option {
	return func(o *options) { o.prompt = fn }
}

// WithLogger sets the logger (default: stderr with a [scheduler] prefix).
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Scheduler owns every project loop and every running feature handle.
type Scheduler struct {
	store     store.Store
	worktrees Worktrees
	providers Providers
	sink      events.Sink
	opts      options
	logger    *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
	loopsWG sync.WaitGroup

	mu     sync.Mutex
	loops  map[string]*projectLoop
	closed bool
}

// New creates a Scheduler. A nil sink drops events.
func New(st store.Store, wt Worktrees, providers Providers, sink events.Sink, opts ...Option) *Scheduler {
	o := options{
		maxConcurrency: DefaultMaxConcurrency,
		stopGrace:      DefaultStopGrace,
		maxRetries:     DefaultMaxRetries,
		retryInitial:   DefaultRetryInitial,
		retryMax:       DefaultRetryMax,
		prompt:         BuildPrompt,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = DefaultMaxConcurrency
	}
	if o.stopGrace <= 0 {
		o.stopGrace = DefaultStopGrace
	}
	if o.maxRetries < 0 {
		o.maxRetries = 0
	}
	if o.projectConfig == nil {
		o.projectConfig = func(string) ProjectConfig { return ProjectConfig{} }
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if sink == nil {
		sink = events.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		worktrees: wt,
		providers: providers,
		sink:      sink,
		opts:      o,
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
		loops:     make(map[string]*projectLoop),
	}
}

// Start begins auto mode for a project. It is idempotent: a running loop is
// left alone and reported as already running. A stopping loop resumes
// admission with the new settings, unless the new cap is below its running
// count.
func (s *Scheduler) Start(ctx context.Context, projectPath string, opts StartOptions) (StartResult, error) {
	if projectPath == "" {
		return StartResult{}, fmt.Errorf("%w: projectPath is required", ErrValidation)
	}
	if opts.MaxConcurrency < 0 {
		return StartResult{}, fmt.Errorf("%w: maxConcurrency must be positive (got %d)", ErrValidation, opts.MaxConcurrency)
	}

	pc := s.opts.projectConfig(projectPath)
	maxConcurrency := firstPositive(opts.MaxConcurrency, pc.MaxConcurrency, s.opts.maxConcurrency)
	providerName := opts.Provider
	if providerName == "" {
		providerName = pc.Provider
	}
	if _, err := s.providers.Get(providerName); err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StartResult{}, ErrShutdown
	}

	l, exists := s.loops[projectPath]
	if exists {
		l.mu.Lock()
		if l.state == StateRunning {
			l.mu.Unlock()
			s.mu.Unlock()
			return StartResult{AlreadyRunning: true}, nil
		}
		// A draining loop cannot take a cap below the runs it still has.
		if n := len(l.running); maxConcurrency < n {
			l.mu.Unlock()
			s.mu.Unlock()
			return StartResult{}, fmt.Errorf("%w: maxConcurrency %d is below the %d features still running", ErrValidation, maxConcurrency, n)
		}
		l.state = StateRunning
		l.maxConcurrency = maxConcurrency
		l.provider = providerName
		l.requireApproval = pc.RequireApproval
		l.mu.Unlock()
	} else {
		l = newProjectLoop(projectPath, maxConcurrency, providerName, pc.RequireApproval)
		s.loops[projectPath] = l
		s.loopsWG.Add(1)
		go s.loop(l)
	}
	s.mu.Unlock()

	s.logger.Printf("Auto mode started for %s (max concurrency %d)", projectPath, maxConcurrency)
	s.emit(s.event(events.AutoLoopStarted, projectPath, "", "", map[string]interface{}{
		"maxConcurrency": maxConcurrency,
		"provider":       providerName,
	}))
	l.poke()
	return StartResult{}, nil
}

// Stop ends admission for a project immediately. Running features keep
// going; the loop becomes idle once they have all finished.
func (s *Scheduler) Stop(ctx context.Context, projectPath string) (StopResult, error) {
	if projectPath == "" {
		return StopResult{}, fmt.Errorf("%w: projectPath is required", ErrValidation)
	}

	var evs []events.Event

	s.mu.Lock()
	l, ok := s.loops[projectPath]
	if !ok {
		s.mu.Unlock()
		return StopResult{}, nil
	}
	l.mu.Lock()
	if l.state == StateRunning {
		l.state = StateStopping
		evs = append(evs, s.event(events.AutoLoopStopping, projectPath, "", "", map[string]interface{}{
			"runningCount": len(l.running),
		}))
	}
	n := len(l.running)
	if n == 0 {
		evs = append(evs, s.retireLocked(l))
	}
	l.mu.Unlock()
	s.mu.Unlock()

	s.logger.Printf("Auto mode stopping for %s (%d still running)", projectPath, n)
	s.emit(evs...)
	return StopResult{RunningCount: n}, nil
}

// Status reports one project's loop, or every active loop when projectPath
// is empty.
func (s *Scheduler) Status(projectPath string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if projectPath != "" {
		l, ok := s.loops[projectPath]
		if !ok {
			return Status{Project: projectPath, State: StateIdle, RunningFeatures: []RunningFeature{}}
		}
		return l.status()
	}

	projects := make([]string, 0, len(s.loops))
	for p := range s.loops {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	agg := Status{State: StateIdle, RunningFeatures: []RunningFeature{}}
	for _, p := range projects {
		st := s.loops[p].status()
		agg.Projects = append(agg.Projects, st)
		agg.MaxConcurrency += st.MaxConcurrency
		agg.RunningCount += st.RunningCount
		agg.RunningFeatures = append(agg.RunningFeatures, st.RunningFeatures...)
		switch {
		case st.State == StateRunning:
			agg.State = StateRunning
		case st.State == StateStopping && agg.State == StateIdle:
			agg.State = StateStopping
		}
	}
	agg.IsRunning = agg.State == StateRunning
	return agg
}

// Trigger asks a project's loop to re-evaluate admission. An empty project
// pokes every loop. It never blocks and coalesces with pending triggers.
func (s *Scheduler) Trigger(projectPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, l := range s.loops {
		if projectPath == "" || p == projectPath {
			l.poke()
		}
	}
}

// Shutdown stops every loop and cancels all running sessions. Cancelled
// features stay in progress with their session id so that
// ResumeInterrupted reports them on the next start. It waits for runs to
// finish until ctx is done, then finalizes the rest.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	var evs []events.Event
	var handles []*runHandle

	s.mu.Lock()
	s.closed = true
	for _, l := range s.loops {
		l.mu.Lock()
		if l.state == StateRunning {
			l.state = StateStopping
		}
		for _, h := range l.running {
			handles = append(handles, h)
		}
		if len(l.running) == 0 {
			evs = append(evs, s.retireLocked(l))
		}
		l.mu.Unlock()
	}
	s.mu.Unlock()
	s.emit(evs...)

	for _, h := range handles {
		h.markInterrupted()
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Printf("Shutdown deadline reached with runs still active; finalizing them")
		for _, h := range handles {
			s.finalize(h, result{})
		}
	}

	s.cancel()
	s.loopsWG.Wait()
	return err
}

// retireLocked moves a drained loop to idle and forgets it.
// Caller must hold s.mu and l.mu.
func (s *Scheduler) retireLocked(l *projectLoop) events.Event {
	l.state = StateIdle
	if s.loops[l.project] == l {
		delete(s.loops, l.project)
	}
	close(l.quit)
	s.logger.Printf("Auto mode stopped for %s", l.project)
	return s.event(events.AutoLoopStopped, l.project, "", "", nil)
}

func (s *Scheduler) event(t events.Type, projectPath, featureID, msg string, data map[string]interface{}) events.Event {
	return events.Event{
		Type:      t,
		Project:   projectPath,
		FeatureID: featureID,
		Time:      time.Now().UTC(),
		Message:   msg,
		Data:      data,
	}
}

func (s *Scheduler) emit(evs ...events.Event) {
	for _, e := range evs {
		if e.Type != "" {
			s.sink.Publish(e)
		}
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return DefaultMaxConcurrency
}
