package feature

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FeaturesDir returns the directory holding feature definition files for a project.
func FeaturesDir(projectPath string) string {
	return filepath.Join(projectPath, ".automaker", "features")
}

// Filename returns the canonical filename for this feature: {id}.json
func (f *Feature) Filename() string {
	return fmt.Sprintf("%s.json", f.ID)
}

// IDFromPath extracts the feature id from a definition file path.
func IDFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".json")
	return id, id != ""
}

// ReadFile reads and parses a feature JSON file from the given path.
func ReadFile(path string) (*Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file %s: %w", path, err)
	}

	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feature file %s: %w", path, err)
	}

	if f.ID == "" {
		if id, ok := IDFromPath(path); ok {
			f.ID = id
		}
	}
	f.SetDefaults()

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feature file %s: %w", path, err)
	}

	return &f, nil
}

// WriteFile writes a feature to dir/{id}.json with pretty-printed formatting.
// The write goes through a temp file so watchers never observe a partial file.
func WriteFile(dir string, f *Feature) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid feature: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create features directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feature %s: %w", f.ID, err)
	}

	path := filepath.Join(dir, f.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write feature file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write feature file %s: %w", path, err)
	}

	return nil
}

// ReadAllFiles reads all feature files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAllFiles(dir string) ([]*Feature, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Feature{}, nil
		}
		return nil, fmt.Errorf("failed to read features directory: %w", err)
	}

	var features []*Feature
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		f, err := ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid feature file %s: %v\n", entry.Name(), err)
			continue
		}
		features = append(features, f)
	}

	return features, nil
}

// maxSlugLen bounds ids derived from titles.
const maxSlugLen = 48

// Slug derives a feature id from a title: lowercase ASCII letters and digits
// joined by single dashes. It returns "feature" when nothing usable remains.
func Slug(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
		if sb.Len() >= maxSlugLen {
			break
		}
	}
	s := strings.Trim(sb.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "feature"
	}
	return s
}

// UniqueID returns Slug(title), suffixed with -2, -3... while taken reports
// the id as used.
func UniqueID(title string, taken func(id string) bool) string {
	base := Slug(title)
	id := base
	for n := 2; taken(id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}
