package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ===================
// Command Execution
// ===================

// execContext runs a command with an optional timeout and returns stdout.
// Failures carry stderr and wrap a sentinel when stderr matches a known case.
//
// Example:
//
//	output, err := execContext(ctx, 30*time.Second, repoRoot, "git", "worktree", "list", "--porcelain")
func execContext(ctx context.Context, timeout time.Duration, workDir string, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrGitNotAvailable, name)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, name, strings.Join(args, " "))
	}

	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = strings.TrimSpace(stdout.String())
	}
	if sentinel := classifyStderr(msg); sentinel != nil {
		return nil, fmt.Errorf("%w: %s %s: %s", sentinel, name, strings.Join(args, " "), msg)
	}
	if msg != "" {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
}

// exitCode returns the exit code from an error, or -1 if it is not an exit error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
