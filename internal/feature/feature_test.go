package feature

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		f       Feature
		wantErr bool
	}{
		{"valid", Feature{ID: "a", Title: "A", Status: StatusBacklog, CreatedAt: now}, false},
		{"missing id", Feature{Title: "A", Status: StatusBacklog, CreatedAt: now}, true},
		{"missing title", Feature{ID: "a", Status: StatusBacklog, CreatedAt: now}, true},
		{"bad status", Feature{ID: "a", Title: "A", Status: "open", CreatedAt: now}, true},
		{"self dependency", Feature{ID: "a", Title: "A", Status: StatusBacklog, Dependencies: []string{"a"}, CreatedAt: now}, true},
		{"duplicate dependency", Feature{ID: "a", Title: "A", Status: StatusBacklog, Dependencies: []string{"b", "b"}, CreatedAt: now}, true},
		{"missing created", Feature{ID: "a", Title: "A", Status: StatusBacklog}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPatchApply(t *testing.T) {
	f := &Feature{ID: "a", Title: "A", Status: StatusBacklog, Summary: "keep"}
	interrupted := time.Now()
	f.InterruptedAt = &interrupted

	Patch{
		Status:           Ptr(StatusInProgress),
		BranchName:       Ptr("feature/a"),
		ClearInterrupted: true,
	}.Apply(f)

	if f.Status != StatusInProgress {
		t.Errorf("Status = %q, want in_progress", f.Status)
	}
	if f.BranchName != "feature/a" {
		t.Errorf("BranchName = %q", f.BranchName)
	}
	if f.Summary != "keep" {
		t.Errorf("Summary clobbered: %q", f.Summary)
	}
	if f.InterruptedAt != nil {
		t.Error("InterruptedAt should be cleared")
	}
	if f.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be bumped")
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := &Feature{ID: "a", Dependencies: []string{"b"}}
	c := f.Clone()
	c.Dependencies[0] = "z"
	if f.Dependencies[0] != "b" {
		t.Error("Clone shares dependency slice")
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "features")
	f := &Feature{ID: "login", Title: "Login page", Dependencies: []string{"auth"}}
	f.SetDefaults()

	if err := WriteFile(dir, f); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	got, err := ReadFile(filepath.Join(dir, "login.json"))
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if got.Title != "Login page" || got.Status != StatusBacklog {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "auth" {
		t.Errorf("Dependencies = %v", got.Dependencies)
	}
}

func TestReadFileDefaultsIDFromName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "search.json")
	if err := os.WriteFile(path, []byte(`{"title":"Search"}`), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if f.ID != "search" {
		t.Errorf("ID = %q, want search", f.ID)
	}
	if f.Status != StatusBacklog {
		t.Errorf("Status = %q, want backlog", f.Status)
	}
}

func TestReadAllFilesSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	good := &Feature{ID: "a", Title: "A"}
	good.SetDefaults()
	if err := WriteFile(dir, good); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	all, err := ReadAllFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllFiles() failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "a" {
		t.Errorf("ReadAllFiles() = %v", all)
	}

	missing, err := ReadAllFiles(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Errorf("missing dir should be empty, got %v, %v", missing, err)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Add login page", "add-login-page"},
		{"  OAuth2 / SSO support!  ", "oauth2-sso-support"},
		{"Ünïcode only ✓", "n-code-only"},
		{"!!!", "feature"},
		{"a very long title that keeps going and going well past the limit", "a-very-long-title-that-keeps-going-and-going-wel"},
	}
	for _, tt := range tests {
		if got := Slug(tt.title); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestUniqueID(t *testing.T) {
	taken := map[string]bool{"login": true, "login-2": true}
	got := UniqueID("Login", func(id string) bool { return taken[id] })
	if got != "login-3" {
		t.Errorf("UniqueID() = %q, want login-3", got)
	}
}
