package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockStep is one scripted message, emitted after Delay.
type MockStep struct {
	Delay   time.Duration
	Message Message

	// IgnoreCancel makes the step wait out its full delay even after the
	// session is cancelled, like an agent that does not honor SIGTERM.
	IgnoreCancel bool
}

// MockScript returns the steps for a session. attempt counts executions of
// the same feature, starting at 1.
type MockScript func(req Request, attempt int) []MockStep

// Mock is a deterministic scripted provider for tests and dry runs.
type Mock struct {
	script    MockScript
	name      string
	available bool

	mu       sync.Mutex
	calls    []Request
	attempts map[string]int
	active   int
	peak     int
}

// NewMock creates a mock provider. A nil script completes every feature
// after a short delay.
func NewMock(script MockScript) *Mock {
	if script == nil {
		script = DefaultMockScript(50 * time.Millisecond)
	}
	return &Mock{
		script:    script,
		name:      "mock",
		available: true,
		attempts:  make(map[string]int),
	}
}

// DefaultMockScript reports one progress line and completes after delay.
func DefaultMockScript(delay time.Duration) MockScript {
	return func(req Request, attempt int) []MockStep {
		session := req.SessionID
		if session == "" {
			session = fmt.Sprintf("mock-%s-%d", req.FeatureID, attempt)
		}
		return []MockStep{
			{Message: Message{Type: MessageProgress, Text: "working on " + req.FeatureID, SessionID: session}},
			{Delay: delay, Message: Message{
				Type:      MessageTerminal,
				Verdict:   VerdictCompleted,
				SessionID: session,
				Summary:   "implemented " + req.FeatureID,
			}},
		}
	}
}

// Name returns "mock".
func (m *Mock) Name() string { return m.name }

// Available always returns true.
func (m *Mock) Available() bool { return m.available }

// Execute implements Provider.
func (m *Mock) Execute(ctx context.Context, req Request) (<-chan Message, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.attempts[req.FeatureID]++
	attempt := m.attempts[req.FeatureID]
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	m.mu.Unlock()

	steps := m.script(req, attempt)
	out := make(chan Message, len(steps)+2)

	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
		}()

		out <- stamp(Message{Type: MessageStarted, SessionID: req.SessionID})
		for _, step := range steps {
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				if step.IgnoreCancel {
					<-timer.C
				} else {
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						out <- stamp(Message{
							Type:      MessageTerminal,
							Verdict:   VerdictFailed,
							SessionID: req.SessionID,
							Err:       ctx.Err(),
						})
						return
					}
				}
			}
			out <- stamp(step.Message)
			if step.Message.Type == MessageTerminal {
				return
			}
		}
	}()

	return out, nil
}

// Calls returns a copy of every request received so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Attempts returns how many sessions were started for a feature.
func (m *Mock) Attempts(featureID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[featureID]
}

// Peak returns the highest number of sessions that ran at the same time.
func (m *Mock) Peak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Active returns the number of sessions currently running.
func (m *Mock) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
