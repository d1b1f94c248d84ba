package main

import (
	"testing"

	"github.com/automaker/orchestrator/internal/worktree"
)

func TestPRLabel(t *testing.T) {
	tests := []struct {
		pr   *worktree.PRInfo
		want string
	}{
		{nil, ""},
		{&worktree.PRInfo{Number: 42, URL: "https://example.com/pull/42"}, "#42"},
		{&worktree.PRInfo{URL: "https://example.com/pull/42"}, "https://example.com/pull/42"},
	}
	for _, tt := range tests {
		if got := prLabel(tt.pr); got != tt.want {
			t.Errorf("prLabel(%+v) = %q, want %q", tt.pr, got, tt.want)
		}
	}
}
