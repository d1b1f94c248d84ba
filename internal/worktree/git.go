package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// git wraps command execution against one repository.
type git struct {
	root    string
	timeout time.Duration
}

func (g *git) run(ctx context.Context, args ...string) ([]byte, error) {
	return execContext(ctx, g.timeout, g.root, "git", args...)
}

func (g *git) runIn(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return execContext(ctx, g.timeout, dir, "git", args...)
}

// repoRoot resolves the top-level directory of the repository containing path.
func repoRoot(ctx context.Context, path string, timeout time.Duration) (string, error) {
	out, err := execContext(ctx, timeout, path, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return "", err
	}
	root := strings.TrimSpace(string(out))
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return root, nil
}

// entry is one record of `git worktree list --porcelain`.
type entry struct {
	Path     string
	Head     string
	Branch   string
	Bare     bool
	Detached bool
	Prunable bool
}

// list returns the registered worktrees. The first entry is the main worktree.
func (g *git) list(ctx context.Context) ([]entry, error) {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parsePorcelain(string(out)), nil
}

func parsePorcelain(output string) []entry {
	var entries []entry
	var current *entry

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			current = &entry{Path: value}
		case "HEAD":
			if current != nil {
				current.Head = value
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "bare":
			if current != nil {
				current.Bare = true
			}
		case "detached":
			if current != nil {
				current.Detached = true
			}
		case "prunable":
			if current != nil {
				current.Prunable = true
			}
		}
	}
	flush()

	return entries
}

// branchExists reports whether refs/heads/<branch> exists.
func (g *git) branchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// currentBranch returns the branch checked out in the main worktree.
func (g *git) currentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// addWorktree registers a worktree at path, creating branch from base when missing.
func (g *git) addWorktree(ctx context.Context, path, branch, base string, branchExists bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	args := []string{"worktree", "add"}
	if branchExists {
		args = append(args, path, branch)
	} else {
		if base == "" {
			base = "HEAD"
		}
		args = append(args, "-b", branch, path, base)
	}

	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	return nil
}

// removeWorktree force-removes a worktree, falling back to deleting the
// directory and pruning stale registry entries.
func (g *git) removeWorktree(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}

	if removeErr := os.RemoveAll(path); removeErr != nil {
		return fmt.Errorf("failed to remove worktree: %w (git error: %v)", removeErr, err)
	}
	if _, pruneErr := g.run(ctx, "worktree", "prune"); pruneErr != nil && IsRetryable(pruneErr) {
		return pruneErr
	}
	return nil
}

// deleteBranch force-deletes a local branch.
func (g *git) deleteBranch(ctx context.Context, branch string) error {
	if _, err := g.run(ctx, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// merge merges branch into the main worktree's current branch. On conflict
// the merge is aborted so the main worktree stays clean.
func (g *git) merge(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflicts) {
		_, _ = g.run(ctx, "merge", "--abort")
		return fmt.Errorf("%w: %s", ErrConflicts, branch)
	}
	return fmt.Errorf("failed to merge %s: %w", branch, err)
}

// healthy reports whether path is a usable work tree.
func (g *git) healthy(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	out, err := g.runIn(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}
