// Package summary writes short completion summaries for features whose agent
// session finished without one.
package summary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/provider"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5"

// maxTranscript caps how much of the session tail is sent for summarization.
const maxTranscript = 12000

// ErrNoAPIKey is returned when no Anthropic API key is available.
var ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY is not set")

// Summarizer asks a Claude model for a two or three sentence summary.
type Summarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Summarizer. Extra request options (base URL, retries) are
// passed through to the client.
func New(apiKey, model string, opts ...option.RequestOption) (*Summarizer, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Summarizer{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 300,
	}, nil
}

// FromEnv creates a Summarizer using ANTHROPIC_API_KEY.
func FromEnv(model string) (*Summarizer, error) {
	return New(os.Getenv("ANTHROPIC_API_KEY"), model)
}

// Summarize returns a short summary of what the session did for f.
// Errors are classified with the provider classes.
func (s *Summarizer) Summarize(ctx context.Context, f *feature.Feature, transcript string) (string, error) {
	msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: "You summarize the work a coding agent did. Reply with two or three plain sentences, no preamble."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(f, transcript))),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("empty summary response")
	}
	return strings.Join(parts, "\n"), nil
}

func buildPrompt(f *feature.Feature, transcript string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Feature: %s\n", f.Title)
	if f.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", f.Description)
	}

	transcript = strings.TrimSpace(transcript)
	if len(transcript) > maxTranscript {
		transcript = "..." + transcript[len(transcript)-maxTranscript:]
	}
	if transcript == "" {
		transcript = "(no agent output was captured)"
	}
	sb.WriteString("\nAgent output (most recent last):\n")
	sb.WriteString(transcript)
	return sb.String()
}

// classify maps API status codes to provider error classes.
func classify(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return provider.Classify(err, "")
	}

	switch code := apierr.StatusCode; {
	case code == http.StatusTooManyRequests || code == 529:
		return &provider.Error{Class: provider.ClassRateLimit, Err: err}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &provider.Error{Class: provider.ClassAuth, Err: err}
	case code >= 500:
		return &provider.Error{Class: provider.ClassTransient, Err: err}
	default:
		return &provider.Error{Class: provider.ClassFatal, Err: err}
	}
}
