package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/automaker/orchestrator/internal/config"
)

func TestSetup_FileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "automaker.log")
	var console bytes.Buffer

	logs, err := Setup(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, &console)
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	defer logs.Close()

	logs.For("scheduler").Printf("Auto mode started for %s", "/p")

	if !strings.Contains(console.String(), "[scheduler] ") {
		t.Errorf("console output = %q", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "Auto mode started for /p") {
		t.Errorf("file output = %q", data)
	}
}

func TestSetup_NoOutputs(t *testing.T) {
	logs, err := Setup(config.LogConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	logs.For("x").Println("dropped")
	if err := logs.Rotate(); err != nil {
		t.Errorf("Rotate() without a file = %v", err)
	}
	if err := logs.Close(); err != nil {
		t.Errorf("Close() without a file = %v", err)
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")

	logs, err := Setup(config.LogConfig{File: path, MaxBackups: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer logs.Close()

	logs.For("api").Println("before")
	if err := logs.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	logs.For("api").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected the live file plus one backup, got %d entries", len(entries))
	}
}
