package provider

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Class groups provider failures by how the scheduler should react.
type Class string

const (
	ClassRateLimit Class = "rate_limit"
	ClassAuth      Class = "auth"
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// Error is a classified provider failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoTerminal is reported when a session stream closes without a verdict.
var ErrNoTerminal = errors.New("session ended without a terminal message")

var classPatterns = []struct {
	class Class
	re    *regexp.Regexp
}{
	{ClassRateLimit, wordPattern(
		"rate limit", "rate_limit", "rate_limit_error", "ratelimit", "too many requests", "429",
		"usage limit", "overloaded", "overloaded_error", "quota exceeded",
	)},
	{ClassAuth, wordPattern(
		"unauthorized", "401", "403", "forbidden", "invalid api key", "invalid x-api-key",
		"authentication", "authentication_error", "not logged in", "please run /login", "login required",
	)},
	{ClassTransient, wordPattern(
		"timeout", "timed out", "connection reset", "connection refused", "econnreset",
		"broken pipe", "temporarily unavailable", "service unavailable", "502", "503",
		"504", "internal server error", "network error", "network is unreachable", "unexpected eof",
	)},
}

// wordPattern matches any of the phrases as whole words, so "429" does not
// match inside "20240429" and "timeout" not inside "timeouts_disabled".
func wordPattern(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Classify maps an error and the process stderr to a failure class. An error
// that is already a *Error keeps its class.
func Classify(err error, stderr string) *Error {
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ClassTransient, Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &Error{Class: ClassFatal, Err: err}
	}

	text := strings.ToLower(err.Error() + "\n" + stderr)
	for _, cp := range classPatterns {
		if cp.re.MatchString(text) {
			return &Error{Class: cp.class, Err: withStderr(err, stderr)}
		}
	}
	return &Error{Class: ClassFatal, Err: withStderr(err, stderr)}
}

// ClassOf returns the class of err, or ClassFatal when it is unclassified.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassFatal
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Class == ClassRateLimit || pe.Class == ClassTransient
}

func withStderr(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" || strings.Contains(err.Error(), stderr) {
		return err
	}
	return fmt.Errorf("%w: %s", err, stderr)
}
