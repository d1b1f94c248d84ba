package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryPath returns the event history file of a project.
func HistoryPath(projectPath string) string {
	return filepath.Join(projectPath, ".automaker", "history.jsonl")
}

// History appends lifecycle events to <project>/.automaker/history.jsonl.
// Progress events are not persisted.
type History struct {
	mu     sync.Mutex
	logger *log.Logger
}

// NewHistory creates a history sink. If logger is nil, a default logger
// writing to stderr is used.
func NewHistory(logger *log.Logger) *History {
	if logger == nil {
		logger = log.New(os.Stderr, "[history] ", log.LstdFlags)
	}
	return &History{logger: logger}
}

// Publish implements Sink. Write failures are logged, never returned.
func (h *History) Publish(e Event) {
	if e.Project == "" || e.Type == FeatureProgress {
		return
	}
	if err := h.Append(e); err != nil {
		h.logger.Printf("Warning: failed to record %s: %v", e.Type, err)
	}
}

// Append writes a single event (appends to JSONL).
func (h *History) Append(e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	path := HistoryPath(e.Project)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	_, err = file.Write(append(data, '\n'))
	return err
}

// Query returns the project's events at or after since (zero means all),
// restricted to types when any are given, oldest first.
func (h *History) Query(projectPath string, since time.Time, types ...Type) ([]Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	all, err := readHistory(HistoryPath(projectPath))
	if err != nil {
		return nil, err
	}

	want := make(map[Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	out := make([]Event, 0, len(all))
	for _, e := range all {
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if len(want) > 0 && !want[e.Type] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Compact rewrites the history keeping only the newest keep events.
func (h *History) Compact(projectPath string, keep int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	path := HistoryPath(projectPath)
	all, err := readHistory(path)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if len(all) > keep {
		all = all[len(all)-keep:]
	}

	// Write to temp file, then rename
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, e := range all {
		data, err := json.Marshal(e)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return err
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

func readHistory(path string) ([]Event, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer file.Close()

	var out []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // Skip malformed lines
		}
		out = append(out, e)
	}

	return out, scanner.Err()
}
