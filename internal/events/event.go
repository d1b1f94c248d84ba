// Package events carries scheduler lifecycle events to their consumers: the
// log, the per-project history file and websocket clients.
package events

import (
	"log"
	"os"
	"sync"
	"time"
)

// Type identifies an event.
type Type string

const (
	AutoLoopStarted  Type = "auto_loop_started"
	AutoLoopStopping Type = "auto_loop_stopping"
	AutoLoopStopped  Type = "auto_loop_stopped"

	FeatureAdmitted        Type = "feature_admitted"
	FeatureStarted         Type = "feature_started"
	FeatureProgress        Type = "feature_progress"
	FeatureRetry           Type = "feature_retry"
	FeatureWaitingApproval Type = "feature_waiting_approval"
	FeatureCompleted       Type = "feature_completed"
	FeatureFailed          Type = "feature_failed"
	FeatureCancelled       Type = "feature_cancelled"
	FeatureInterrupted     Type = "feature_interrupted"

	AdmissionBlocked Type = "admission_blocked"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type                   `json:"type"`
	Project   string                 `json:"projectPath,omitempty"`
	FeatureID string                 `json:"featureId,omitempty"`
	Time      time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink receives events. Publish must not block for long; the scheduler calls
// it from its dispatch path.
type Sink interface {
	Publish(Event)
}

// Func adapts a function to a Sink.
type Func func(Event)

// Publish implements Sink.
func (f Func) Publish(e Event) { f(e) }

// Multi fans each event out to every sink in order.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Log writes one line per event. Progress events are skipped.
type Log struct {
	logger *log.Logger
}

// NewLog creates a logging sink. If logger is nil, a default logger writing
// to stderr is used.
func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Log{logger: logger}
}

// Publish implements Sink.
func (l *Log) Publish(e Event) {
	if e.Type == FeatureProgress {
		return
	}
	switch {
	case e.FeatureID != "" && e.Message != "":
		l.logger.Printf("%s %s: %s", e.Type, e.FeatureID, e.Message)
	case e.FeatureID != "":
		l.logger.Printf("%s %s", e.Type, e.FeatureID)
	case e.Message != "":
		l.logger.Printf("%s %s: %s", e.Type, e.Project, e.Message)
	default:
		l.logger.Printf("%s %s", e.Type, e.Project)
	}
}

// Recorder keeps every event in memory. Useful in tests and for the
// foreground run command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Wait blocks until cond holds for the recorded events or timeout elapses.
// It reports whether cond was met.
func (r *Recorder) Wait(timeout time.Duration, cond func([]Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if cond(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond(r.Events())
		}
	}
}

// Count returns how many events of type t (optionally for one feature) are in evs.
func Count(evs []Event, t Type, featureID string) int {
	n := 0
	for _, e := range evs {
		if e.Type == t && (featureID == "" || e.FeatureID == featureID) {
			n++
		}
	}
	return n
}
