package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxScriptErrorLength caps the script output kept in metadata.
const maxScriptErrorLength = 2000

// runInitScript runs the project's setup script inside a fresh worktree and
// records its progress in metadata. A failing script is recorded but does not
// fail the acquisition.
func (m *Manager) runInitScript(ctx context.Context, h *Handle, policy Policy) {
	setStatus := func(status InitScriptStatus, errText string) {
		_, err := UpdateMetadata(h.Project, h.Branch, func(meta *Metadata) {
			meta.InitScriptStatus = status
			meta.InitScriptError = errText
			if status != InitScriptRunning {
				meta.InitScriptRan = true
			}
		})
		if err != nil {
			m.logger.Printf("Warning: failed to record init script status for %s: %v", h.Branch, err)
		}
	}

	setStatus(InitScriptRunning, "")
	m.logger.Printf("Running init script for %s", h.Branch)

	if err := execInitScript(ctx, h, policy); err != nil {
		m.logger.Printf("Init script failed for %s: %v", h.Branch, err)
		setStatus(InitScriptFailed, truncate(err.Error(), maxScriptErrorLength))
		return
	}
	setStatus(InitScriptSuccess, "")
}

func execInitScript(ctx context.Context, h *Handle, policy Policy) error {
	ctx, cancel := context.WithTimeout(ctx, policy.InitScriptTimeout)
	defer cancel()

	script := policy.InitScript
	var cmd *exec.Cmd

	candidate := script
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(h.Project, script)
	}
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		cmd = exec.CommandContext(ctx, "sh", candidate)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", script)
	}

	cmd.Dir = h.Path
	cmd.Env = append(os.Environ(),
		"AUTOMAKER_PROJECT="+h.Project,
		"AUTOMAKER_WORKTREE="+h.Path,
		"AUTOMAKER_BRANCH="+h.Branch,
		"AUTOMAKER_FEATURE_ID="+h.FeatureID,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("init script timed out after %v", policy.InitScriptTimeout)
		}
		return fmt.Errorf("init script exited with error: %w: %s", err, tail(out.String(), maxScriptErrorLength))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// tail keeps the last n bytes, where the useful part of script output usually is.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
