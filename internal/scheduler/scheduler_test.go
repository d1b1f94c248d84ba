package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/provider"
	"github.com/automaker/orchestrator/internal/store"
	"github.com/automaker/orchestrator/internal/worktree"
)

const (
	testProject = "/tmp/project"
	waitTimeout = 5 * time.Second
)

// fakeWorktrees hands out plain directories instead of git worktrees.
type fakeWorktrees struct {
	root       string
	acquireErr error

	mu       sync.Mutex
	released map[string]worktree.Outcome
}

func (w *fakeWorktrees) Acquire(ctx context.Context, projectPath string, f *feature.Feature) (*worktree.Handle, error) {
	if w.acquireErr != nil {
		return nil, w.acquireErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	branch := f.BranchName
	if branch == "" {
		branch = "feature/" + f.ID
	}
	path := filepath.Join(w.root, worktree.Sanitize(branch))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &worktree.Handle{Project: projectPath, RepoRoot: projectPath, FeatureID: f.ID, Branch: branch, Path: path, Created: true}, nil
}

func (w *fakeWorktrees) Release(_ context.Context, h *worktree.Handle, outcome worktree.Outcome, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released[h.FeatureID] = outcome
	return nil
}

func (w *fakeWorktrees) outcome(id string) worktree.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.released[id]
}

type harness struct {
	s     *Scheduler
	store *store.Memory
	mock  *provider.Mock
	rec   *events.Recorder
	wt    *fakeWorktrees
}

func newHarness(t *testing.T, script provider.MockScript, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store: store.NewMemory(),
		mock:  provider.NewMock(script),
		rec:   events.NewRecorder(),
		wt:    &fakeWorktrees{root: t.TempDir(), released: make(map[string]worktree.Outcome)},
	}
	reg := provider.NewRegistry("mock")
	reg.Add(h.mock)

	opts = append([]Option{
		WithLogger(log.New(io.Discard, "", 0)),
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
	}, opts...)
	h.s = New(h.store, h.wt, reg, h.rec, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.s.Shutdown(ctx)
	})
	return h
}

func (h *harness) add(project, id string, deps ...string) {
	h.store.Put(project, &feature.Feature{
		ID:           id,
		Title:        "Feature " + id,
		Status:       feature.StatusBacklog,
		Dependencies: deps,
		CreatedAt:    time.Now().UTC(),
	})
}

func (h *harness) start(t *testing.T, project string, max int) {
	t.Helper()
	res, err := h.s.Start(context.Background(), project, StartOptions{MaxConcurrency: max})
	require.NoError(t, err)
	require.False(t, res.AlreadyRunning)
}

func (h *harness) get(t *testing.T, project, id string) *feature.Feature {
	t.Helper()
	f, err := h.store.Get(context.Background(), project, id)
	require.NoError(t, err)
	return f
}

func (h *harness) waitFor(t *testing.T, typ events.Type, id string, n int) {
	t.Helper()
	ok := h.rec.Wait(waitTimeout, func(evs []events.Event) bool {
		return events.Count(evs, typ, id) >= n
	})
	require.True(t, ok, "timed out waiting for %d %s event(s) for %q", n, typ, id)
}

func (h *harness) waitIdle(t *testing.T, project string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.s.Status(project).State == StateIdle
	}, waitTimeout, 5*time.Millisecond)
}

func admittedOrder(evs []events.Event) []string {
	var ids []string
	for _, e := range evs {
		if e.Type == events.FeatureAdmitted {
			ids = append(ids, e.FeatureID)
		}
	}
	return ids
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.s.Start(ctx, "", StartOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.s.Start(ctx, testProject, StartOptions{MaxConcurrency: -1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.s.Start(ctx, testProject, StartOptions{Provider: "nope"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, StateIdle, h.s.Status(testProject).State, "failed starts must not create a loop")
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.start(t, testProject, 2)
	res, err := h.s.Start(context.Background(), testProject, StartOptions{MaxConcurrency: 5})
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)

	st := h.s.Status(testProject)
	assert.True(t, st.IsRunning)
	assert.Equal(t, 2, st.MaxConcurrency, "second start must not change settings")
	assert.Len(t, h.rec.OfType(events.AutoLoopStarted), 1)
}

func TestDependencyChain(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(10*time.Millisecond))
	h.add(testProject, "A")
	h.add(testProject, "B", "A")
	h.add(testProject, "C", "B")

	h.start(t, testProject, 2)
	h.waitFor(t, events.FeatureCompleted, "C", 1)

	assert.Equal(t, []string{"A", "B", "C"}, admittedOrder(h.rec.Events()))
	assert.Equal(t, 1, h.mock.Peak(), "a chain can never run two features at once")
	for _, id := range []string{"A", "B", "C"} {
		f := h.get(t, testProject, id)
		assert.Equal(t, feature.StatusCompleted, f.Status, id)
		assert.Equal(t, "implemented "+id, f.Summary)
		assert.Equal(t, "feature/"+id, f.BranchName)
		assert.NotNil(t, f.FinishedAt)
		assert.Equal(t, worktree.OutcomeCompleted, h.wt.outcome(id))
	}
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(30*time.Millisecond))
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		h.add(testProject, id)
	}

	h.start(t, testProject, 2)
	require.True(t, h.rec.Wait(waitTimeout, func(evs []events.Event) bool {
		return events.Count(evs, events.FeatureCompleted, "") == len(ids)
	}))

	assert.Equal(t, 2, h.mock.Peak())
	assert.Equal(t, ids, admittedOrder(h.rec.Events()), "admission follows creation order")
}

func TestProjectsAreIndependent(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(100*time.Millisecond))
	h.add("/p1", "x")
	h.add("/p2", "x")

	h.start(t, "/p1", 1)
	h.start(t, "/p2", 1)

	require.Eventually(t, func() bool {
		return h.s.Status("").RunningCount == 2
	}, waitTimeout, 5*time.Millisecond)

	agg := h.s.Status("")
	assert.Len(t, agg.Projects, 2)
	assert.True(t, agg.IsRunning)

	// The same id runs in both projects, so a bare stop is ambiguous.
	err := h.s.StopFeature(context.Background(), "x")
	assert.ErrorIs(t, err, ErrValidation)

	h.waitFor(t, events.FeatureCompleted, "x", 2)
	assert.Equal(t, 2, h.mock.Peak())
}

func TestStop_DrainsRunningFeatures(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(150*time.Millisecond))
	for _, id := range []string{"a", "b", "c"} {
		h.add(testProject, id)
	}

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureStarted, "a", 1)

	res, err := h.s.Stop(context.Background(), testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RunningCount)

	st := h.s.Status(testProject)
	assert.Equal(t, StateStopping, st.State)
	assert.False(t, st.IsRunning)

	h.waitFor(t, events.AutoLoopStopped, "", 1)
	h.waitIdle(t, testProject)

	assert.Len(t, h.rec.OfType(events.FeatureAdmitted), 1, "nothing is admitted after stop")
	assert.Equal(t, feature.StatusCompleted, h.get(t, testProject, "a").Status)
	assert.Equal(t, feature.StatusBacklog, h.get(t, testProject, "b").Status)

	evs := h.rec.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, events.AutoLoopStopped, last.Type, "loop stops after its last feature finishes")
}

func TestStop_IdleProject(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.s.Stop(context.Background(), testProject)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RunningCount)

	h.start(t, testProject, 1)
	res, err = h.s.Stop(context.Background(), testProject)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RunningCount)
	assert.Equal(t, StateIdle, h.s.Status(testProject).State)
}

func TestStartWhileStoppingResumes(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(100*time.Millisecond))
	h.add(testProject, "a")
	h.add(testProject, "b")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureStarted, "a", 1)
	_, err := h.s.Stop(context.Background(), testProject)
	require.NoError(t, err)

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureCompleted, "b", 1)
	assert.Empty(t, h.rec.OfType(events.AutoLoopStopped))
}

func TestStartWhileStoppingKeepsCapAboveRunning(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(time.Minute))
	for _, id := range []string{"a", "b", "c"} {
		h.add(testProject, id)
	}

	h.start(t, testProject, 3)
	for _, id := range []string{"a", "b", "c"} {
		h.waitFor(t, events.FeatureStarted, id, 1)
	}
	_, err := h.s.Stop(context.Background(), testProject)
	require.NoError(t, err)

	_, err = h.s.Start(context.Background(), testProject, StartOptions{MaxConcurrency: 1})
	require.ErrorIs(t, err, ErrValidation)

	st := h.s.Status(testProject)
	assert.Equal(t, StateStopping, st.State)
	assert.Equal(t, 3, st.RunningCount)
	assert.Equal(t, 3, st.MaxConcurrency)

	res, err := h.s.Start(context.Background(), testProject, StartOptions{MaxConcurrency: 3})
	require.NoError(t, err)
	assert.False(t, res.AlreadyRunning)
	assert.Equal(t, StateRunning, h.s.Status(testProject).State)
}

func TestStopFeature(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(time.Minute))
	h.add(testProject, "slow")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureStarted, "slow", 1)

	require.NoError(t, h.s.StopFeature(context.Background(), "slow"))

	f := h.get(t, testProject, "slow")
	assert.Equal(t, feature.StatusFailed, f.Status)
	assert.Equal(t, "cancelled: stopped by user", f.Error)
	assert.Equal(t, 0, h.s.Status(testProject).RunningCount)
	assert.Len(t, h.rec.OfType(events.FeatureCancelled), 1)
	assert.Equal(t, 1, h.mock.Attempts("slow"), "cancellation is never retried")
	assert.Equal(t, worktree.OutcomeFailed, h.wt.outcome("slow"))
}

func TestStopFeature_ForcesAfterGrace(t *testing.T) {
	stubborn := func(req provider.Request, attempt int) []provider.MockStep {
		return []provider.MockStep{
			{Delay: 2 * time.Second, IgnoreCancel: true, Message: provider.Message{Type: provider.MessageTerminal, Verdict: provider.VerdictCompleted}},
		}
	}
	h := newHarness(t, stubborn, WithStopGrace(50*time.Millisecond))
	h.add(testProject, "stuck")
	h.add(testProject, "next")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureStarted, "stuck", 1)

	begin := time.Now()
	require.NoError(t, h.s.StopFeature(context.Background(), "stuck"))
	assert.Less(t, time.Since(begin), time.Second)

	assert.Equal(t, feature.StatusFailed, h.get(t, testProject, "stuck").Status)
	h.waitFor(t, events.FeatureStarted, "next", 1)

	// The late completion of the ignored session must not overwrite the outcome.
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, feature.StatusFailed, h.get(t, testProject, "stuck").Status)
	assert.Len(t, h.rec.OfType(events.FeatureCancelled), 1)
}

func TestStopFeature_NotRunning(t *testing.T) {
	h := newHarness(t, nil)

	err := h.s.StopFeature(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrFeatureNotRunning)

	err = h.s.StopFeature(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMissingDependencyIsNeverDispatched(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(5*time.Millisecond))
	h.add(testProject, "orphan", "ghost")
	h.add(testProject, "ok")

	h.start(t, testProject, 2)
	h.waitFor(t, events.FeatureCompleted, "ok", 1)

	h.s.Trigger(testProject)
	h.s.Trigger(testProject)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, h.mock.Attempts("orphan"))
	assert.Equal(t, feature.StatusBacklog, h.get(t, testProject, "orphan").Status)

	blocked := h.rec.OfType(events.AdmissionBlocked)
	require.Len(t, blocked, 1, "each condition is reported once")
	assert.Equal(t, "orphan", blocked[0].FeatureID)
	assert.Equal(t, "missing_dependency", blocked[0].Data["kind"])
}

func TestTriggerPicksUpNewFeatures(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(5*time.Millisecond))
	h.add(testProject, "first")

	h.start(t, testProject, 2)
	h.waitFor(t, events.FeatureCompleted, "first", 1)

	h.add(testProject, "late", "first")
	h.s.Trigger(testProject)
	h.waitFor(t, events.FeatureCompleted, "late", 1)

	assert.Equal(t, feature.StatusCompleted, h.get(t, testProject, "late").Status)
	assert.Equal(t, []string{"first", "late"}, admittedOrder(h.rec.Events()))
}

func TestCycleIsNeverDispatched(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(5*time.Millisecond))
	h.add(testProject, "x", "y")
	h.add(testProject, "y", "x")
	h.add(testProject, "z")

	h.start(t, testProject, 3)
	h.waitFor(t, events.FeatureCompleted, "z", 1)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, h.mock.Attempts("x"))
	assert.Equal(t, 0, h.mock.Attempts("y"))
	assert.Len(t, h.rec.OfType(events.AdmissionBlocked), 2)
}

func TestRetryOnTransientFailure(t *testing.T) {
	flaky := func(req provider.Request, attempt int) []provider.MockStep {
		if attempt == 1 {
			return []provider.MockStep{
				{Message: provider.Message{Type: provider.MessageProgress, Text: "starting", SessionID: "sess-1"}},
				{Message: provider.Message{
					Type:    provider.MessageTerminal,
					Verdict: provider.VerdictFailed,
					Err:     &provider.Error{Class: provider.ClassTransient, Err: errors.New("503 service unavailable")},
				}},
			}
		}
		return []provider.MockStep{
			{Message: provider.Message{Type: provider.MessageTerminal, Verdict: provider.VerdictCompleted, Summary: "done"}},
		}
	}
	h := newHarness(t, flaky)
	h.add(testProject, "flaky")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureCompleted, "flaky", 1)

	assert.Equal(t, 2, h.mock.Attempts("flaky"))
	retries := h.rec.OfType(events.FeatureRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "transient", retries[0].Data["class"])

	calls := h.mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "sess-1", calls[1].SessionID, "retries continue the same session")
	assert.Contains(t, calls[1].Prompt, "Continue implementing")

	f := h.get(t, testProject, "flaky")
	assert.Equal(t, feature.StatusCompleted, f.Status)
	assert.Equal(t, "sess-1", f.SessionID)
}

func TestRetryBudgetIsBounded(t *testing.T) {
	limited := func(req provider.Request, attempt int) []provider.MockStep {
		return []provider.MockStep{{Message: provider.Message{
			Type:    provider.MessageTerminal,
			Verdict: provider.VerdictFailed,
			Err:     &provider.Error{Class: provider.ClassRateLimit, Err: errors.New("429 too many requests")},
		}}}
	}
	h := newHarness(t, limited, WithRetry(2, time.Millisecond, time.Millisecond))
	h.add(testProject, "busy")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureFailed, "busy", 1)

	assert.Equal(t, 3, h.mock.Attempts("busy"), "one attempt plus two retries")
	f := h.get(t, testProject, "busy")
	assert.Contains(t, f.Error, "429")
	assert.Equal(t, "rate_limit", h.rec.OfType(events.FeatureFailed)[0].Data["class"])
}

func TestNoRetryOnAuthFailure(t *testing.T) {
	denied := func(req provider.Request, attempt int) []provider.MockStep {
		return []provider.MockStep{{Message: provider.Message{
			Type:    provider.MessageTerminal,
			Verdict: provider.VerdictFailed,
			Err:     errors.New("invalid api key"),
		}}}
	}
	h := newHarness(t, denied)
	h.add(testProject, "locked")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureFailed, "locked", 1)

	assert.Equal(t, 1, h.mock.Attempts("locked"))
	assert.Empty(t, h.rec.OfType(events.FeatureRetry))
	assert.Equal(t, "auth", h.rec.OfType(events.FeatureFailed)[0].Data["class"])
	assert.Equal(t, worktree.OutcomeFailed, h.wt.outcome("locked"))
}

func TestStreamWithoutTerminalFails(t *testing.T) {
	silent := func(req provider.Request, attempt int) []provider.MockStep {
		return []provider.MockStep{{Message: provider.Message{Type: provider.MessageProgress, Text: "thinking"}}}
	}
	h := newHarness(t, silent)
	h.add(testProject, "quiet")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureFailed, "quiet", 1)

	assert.Equal(t, 1, h.mock.Attempts("quiet"), "a silent session is fatal")
	assert.Contains(t, h.get(t, testProject, "quiet").Error, provider.ErrNoTerminal.Error())
}

func TestRequireApproval(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(5*time.Millisecond),
		WithProjectConfig(func(string) ProjectConfig { return ProjectConfig{RequireApproval: true} }))
	h.add(testProject, "review-me")
	h.add(testProject, "after", "review-me")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureWaitingApproval, "review-me", 1)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, feature.StatusWaitingApproval, h.get(t, testProject, "review-me").Status)
	assert.Equal(t, worktree.OutcomePendingApproval, h.wt.outcome("review-me"))
	assert.Equal(t, 0, h.mock.Attempts("after"), "waiting approval does not satisfy dependents")
}

func TestWorktreeFailureFailsFeature(t *testing.T) {
	h := newHarness(t, nil)
	h.wt.acquireErr = errors.New("worktree add: branch already checked out")
	h.add(testProject, "a")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureFailed, "a", 1)

	f := h.get(t, testProject, "a")
	assert.Equal(t, feature.StatusFailed, f.Status)
	assert.Contains(t, f.Error, "failed to prepare worktree")
	assert.Equal(t, 0, h.mock.Attempts("a"))
}

type staticSummarizer string

func (s staticSummarizer) Summarize(context.Context, *feature.Feature, string) (string, error) {
	return string(s), nil
}

func TestSummarizerFillsMissingSummary(t *testing.T) {
	bare := func(req provider.Request, attempt int) []provider.MockStep {
		return []provider.MockStep{
			{Message: provider.Message{Type: provider.MessageProgress, Text: "edited main.go"}},
			{Message: provider.Message{Type: provider.MessageTerminal, Verdict: provider.VerdictCompleted}},
		}
	}
	h := newHarness(t, bare, WithSummarizer(staticSummarizer("Edited main.go.")))
	h.add(testProject, "a")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureCompleted, "a", 1)
	assert.Equal(t, "Edited main.go.", h.get(t, testProject, "a").Summary)
}

func putInProgress(h *harness, id, session string) {
	started := time.Now().Add(-time.Hour).UTC()
	h.store.Put(testProject, &feature.Feature{
		ID:         id,
		Title:      "Feature " + id,
		Status:     feature.StatusInProgress,
		SessionID:  session,
		BranchName: "feature/" + id,
		StartedAt:  &started,
		CreatedAt:  started,
	})
}

func TestResumeInterrupted(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(5*time.Millisecond))
	putInProgress(h, "crashed", "sess-42")
	h.add(testProject, "fresh")
	ctx := context.Background()

	got, err := h.s.ResumeInterrupted(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "crashed", got[0].FeatureID)
	assert.Equal(t, "sess-42", got[0].SessionID)
	assert.True(t, got[0].Resumable())
	require.NotNil(t, got[0].InterruptedAt)

	// Repeated scans keep the first stamp and do not re-announce.
	again, err := h.s.ResumeInterrupted(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].InterruptedAt, again[0].InterruptedAt)
	assert.Len(t, h.rec.OfType(events.FeatureInterrupted), 1)

	f := h.get(t, testProject, "crashed")
	assert.Equal(t, feature.StatusInProgress, f.Status, "interrupted features are not restarted")
	assert.Equal(t, "sess-42", f.SessionID)

	require.NoError(t, h.s.ResumeFeature(ctx, testProject, "crashed"))
	f = h.get(t, testProject, "crashed")
	assert.Equal(t, feature.StatusBacklog, f.Status)
	assert.Nil(t, f.InterruptedAt)
	assert.Equal(t, "sess-42", f.SessionID)

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureCompleted, "crashed", 1)

	var resumed *provider.Request
	for _, c := range h.mock.Calls() {
		if c.FeatureID == "crashed" {
			c := c
			resumed = &c
		}
	}
	require.NotNil(t, resumed)
	assert.Equal(t, "sess-42", resumed.SessionID)
	assert.True(t, strings.HasPrefix(resumed.Prompt, "Continue implementing"))
}

func TestDiscardInterrupted(t *testing.T) {
	h := newHarness(t, nil)
	putInProgress(h, "crashed", "")
	h.add(testProject, "queued")
	ctx := context.Background()

	require.NoError(t, h.s.DiscardInterrupted(ctx, testProject, "crashed"))
	f := h.get(t, testProject, "crashed")
	assert.Equal(t, feature.StatusFailed, f.Status)
	assert.Equal(t, "interrupted: discarded", f.Error)

	assert.ErrorIs(t, h.s.ResumeFeature(ctx, testProject, "queued"), ErrNotInterrupted)
	assert.ErrorIs(t, h.s.DiscardInterrupted(ctx, testProject, "missing"), store.ErrNotFound)
	assert.ErrorIs(t, h.s.ResumeFeature(ctx, "", "crashed"), ErrValidation)
}

func TestShutdownLeavesFeaturesInterrupted(t *testing.T) {
	h := newHarness(t, provider.DefaultMockScript(time.Minute))
	h.add(testProject, "long")

	h.start(t, testProject, 1)
	h.waitFor(t, events.FeatureProgress, "long", 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.s.Shutdown(ctx))

	f := h.get(t, testProject, "long")
	assert.Equal(t, feature.StatusInProgress, f.Status)
	assert.NotNil(t, f.InterruptedAt)
	assert.Equal(t, "mock-long-1", f.SessionID)
	assert.Len(t, h.rec.OfType(events.FeatureInterrupted), 1)
	assert.Empty(t, h.wt.outcome("long"), "worktree is kept for the resumed session")

	_, err := h.s.Start(context.Background(), testProject, StartOptions{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestBuildPrompt(t *testing.T) {
	f := &feature.Feature{Title: "Dark mode", Category: "ui", Description: "Add a toggle."}

	p := BuildPrompt(f, false)
	assert.Contains(t, p, "Title: Dark mode")
	assert.Contains(t, p, "Category: ui")
	assert.Contains(t, p, "Add a toggle.")

	assert.True(t, strings.HasPrefix(BuildPrompt(f, true), "Continue implementing"))
}
