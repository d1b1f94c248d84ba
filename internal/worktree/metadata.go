package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// InitScriptStatus tracks the worktree setup script.
type InitScriptStatus string

const (
	InitScriptRunning InitScriptStatus = "running"
	InitScriptSuccess InitScriptStatus = "success"
	InitScriptFailed  InitScriptStatus = "failed"
)

// PRInfo links a worktree branch to a pull request.
type PRInfo struct {
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Metadata is the per-branch record persisted next to, not inside, the worktree.
type Metadata struct {
	Branch           string           `json:"branch"`
	CreatedAt        time.Time        `json:"createdAt"`
	PR               *PRInfo          `json:"pr,omitempty"`
	InitScriptRan    bool             `json:"initScriptRan,omitempty"`
	InitScriptStatus InitScriptStatus `json:"initScriptStatus,omitempty"`
	InitScriptError  string           `json:"initScriptError,omitempty"`

	// Annotations written by Release.
	FeatureID string    `json:"featureId,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// metadataRoot is where all branch metadata directories live for a project.
func metadataRoot(projectPath string) string {
	return filepath.Join(projectPath, ".automaker", "worktrees")
}

// MetadataPath returns the metadata file for a branch.
func MetadataPath(projectPath, branch string) string {
	return filepath.Join(metadataRoot(projectPath), Sanitize(branch), "worktree.json")
}

// ReadMetadata loads the metadata for branch. It returns nil, nil when none exists.
func ReadMetadata(projectPath, branch string) (*Metadata, error) {
	return readMetadataFile(MetadataPath(projectPath, branch))
}

func readMetadataFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worktree metadata %s: %w", path, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse worktree metadata %s: %w", path, err)
	}
	return &meta, nil
}

// WriteMetadata persists metadata for branch, replacing any previous record.
func WriteMetadata(projectPath, branch string, meta *Metadata) error {
	if meta == nil {
		return fmt.Errorf("metadata is nil")
	}
	if meta.Branch == "" {
		meta.Branch = branch
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.UpdatedAt = time.Now().UTC()

	path := MetadataPath(projectPath, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worktree metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write worktree metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write worktree metadata: %w", err)
	}
	return nil
}

// UpdateMetadata reads, mutates and writes metadata for branch, creating it when absent.
func UpdateMetadata(projectPath, branch string, fn func(*Metadata)) (*Metadata, error) {
	meta, err := ReadMetadata(projectPath, branch)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &Metadata{Branch: branch}
	}
	fn(meta)
	if err := WriteMetadata(projectPath, branch, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// DeleteMetadata removes the metadata directory for branch. Missing metadata is not an error.
func DeleteMetadata(projectPath, branch string) error {
	dir := filepath.Dir(MetadataPath(projectPath, branch))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete worktree metadata: %w", err)
	}
	return nil
}

// ListMetadata returns every metadata record for the project, sorted by branch.
func ListMetadata(projectPath string) ([]*Metadata, error) {
	root := metadataRoot(projectPath)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metadata directory: %w", err)
	}

	var out []*Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMetadataFile(filepath.Join(root, entry.Name(), "worktree.json"))
		if err != nil {
			return nil, err
		}
		if meta != nil {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}
