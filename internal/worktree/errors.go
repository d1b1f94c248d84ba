package worktree

import (
	"errors"
	"strings"
)

// Errors returned by worktree operations. Check them with errors.Is:
//
//	if errors.Is(err, worktree.ErrRegistryContention) {
//	    // another git process holds the worktree registry lock
//	}
var (
	// ErrNotGitRepo is returned when the project path is not inside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrGitNotAvailable is returned when the git binary cannot be found.
	ErrGitNotAvailable = errors.New("git binary not available")

	// ErrMainBranch is returned when asked to isolate work on the repository's main branch.
	ErrMainBranch = errors.New("refusing to use the main branch as a feature worktree")

	// ErrBranchCollision is returned when two distinct branch names map to the
	// same sanitized directory.
	ErrBranchCollision = errors.New("branch name collides with an existing worktree")

	// ErrBranchExists is returned when a branch cannot be created because it already exists
	// or is checked out elsewhere.
	ErrBranchExists = errors.New("branch already exists")

	// ErrRegistryContention is returned when git's worktree registry or index is locked
	// by another process.
	ErrRegistryContention = errors.New("worktree registry is locked")

	// ErrConflicts is returned when a merge stops on conflicts.
	ErrConflicts = errors.New("merge conflicts")

	// ErrWorktreeNotFound is returned when no worktree is registered for a branch.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrTimeout is returned when a git command exceeds its timeout.
	ErrTimeout = errors.New("git operation timed out")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRegistryContention) || errors.Is(err, ErrTimeout)
}

// IsUserActionRequired returns true if a human has to resolve the situation
// before the operation can succeed.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConflicts) ||
		errors.Is(err, ErrBranchCollision) ||
		errors.Is(err, ErrBranchExists)
}

// classifyStderr maps git's stderr to one of the sentinel errors, or nil.
func classifyStderr(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "index.lock"),
		strings.Contains(s, "could not lock"),
		strings.Contains(s, "unable to create") && strings.Contains(s, ".lock"),
		strings.Contains(s, "is locked"):
		return ErrRegistryContention
	case strings.Contains(s, "conflict"):
		return ErrConflicts
	case strings.Contains(s, "already exists"),
		strings.Contains(s, "already checked out"),
		strings.Contains(s, "is already used by worktree"):
		return ErrBranchExists
	case strings.Contains(s, "not a git repository"):
		return ErrNotGitRepo
	}
	return nil
}
