// Package provider runs coding-agent sessions for features.
//
// Every provider exposes the same contract: Execute starts a session and
// returns a stream of messages that ends with exactly one terminal message
// before the channel is closed. A stream that closes without a terminal
// message means the session died without reporting.
package provider

import (
	"context"
	"time"
)

// MessageType identifies the kind of session message.
type MessageType string

const (
	MessageStarted  MessageType = "started"
	MessageProgress MessageType = "progress"
	MessageTerminal MessageType = "terminal"
)

// Verdict is the outcome a session reports in its terminal message.
type Verdict string

const (
	VerdictCompleted       Verdict = "completed"
	VerdictWaitingApproval Verdict = "waiting_approval"
	VerdictFailed          Verdict = "failed"
)

// Message is one element of a session stream.
type Message struct {
	Type MessageType
	Text string

	// SessionID is the resumable agent session, once known.
	SessionID string

	// Verdict and Summary are set on terminal messages.
	Verdict Verdict
	Summary string

	// Err is set on failed terminal messages. It is usually a *Error.
	Err error

	Time time.Time
}

// Request describes one session.
type Request struct {
	Project   string
	FeatureID string
	Prompt    string
	WorkDir   string

	// SessionID resumes a previous session when non-empty.
	SessionID string
	Model     string

	// Env is appended to the process environment of CLI providers.
	Env []string
}

// Provider is an agent backend.
type Provider interface {
	// Name returns the provider's registry name.
	Name() string

	// Available reports whether the provider can run on this machine.
	Available() bool

	// Execute starts a session. Callers must drain the returned channel until
	// it is closed. Cancelling ctx asks the session to stop; the stream still
	// ends with a terminal message when the provider manages to report one.
	Execute(ctx context.Context, req Request) (<-chan Message, error)
}

// Config configures a CLI-backed provider.
type Config struct {
	Command string   `mapstructure:"command" yaml:"command"`
	Model   string   `mapstructure:"model" yaml:"model"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

func stamp(m Message) Message {
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	return m
}
