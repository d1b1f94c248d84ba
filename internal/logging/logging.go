// Package logging builds the component loggers. Every component gets a
// standard *log.Logger with a bracketed prefix; all of them share one
// writer that goes to stderr and, when configured, a rotating file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/automaker/orchestrator/internal/config"
)

// Logs hands out component loggers sharing one output.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger
}

// Setup creates the shared output. console may be nil to log only to the
// file (and io.Discard when there is no file either).
func Setup(cfg config.LogConfig, console io.Writer) (*Logs, error) {
	l := &Logs{}

	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, l.file)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Stderr returns Logs that only write to stderr.
func Stderr() *Logs {
	return &Logs{out: os.Stderr}
}

// For returns a logger prefixed with [component].
func (l *Logs) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Rotate starts a new log file.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
