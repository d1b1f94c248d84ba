package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// Claude runs sessions through the Claude Code CLI.
type Claude struct {
	runner cliRunner
}

// NewClaude creates a Claude provider. An empty Command defaults to "claude".
func NewClaude(cfg Config) *Claude {
	return &Claude{runner: cliRunner{
		name:  "claude",
		cfg:   cfg,
		args:  claudeArgs,
		parse: parseClaudeLine,
	}}
}

// Name returns "claude".
func (c *Claude) Name() string { return "claude" }

// Available checks if the claude CLI is installed and accessible.
func (c *Claude) Available() bool { return c.runner.available() }

// Execute implements Provider. The prompt is passed on stdin.
func (c *Claude) Execute(ctx context.Context, req Request) (<-chan Message, error) {
	return c.runner.execute(ctx, req)
}

// claudeArgs builds the print-mode invocation.
// Uses --dangerously-skip-permissions for autonomous operation.
func claudeArgs(req Request, cfg Config) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, cfg.Args...)
}

// streamLine covers the stream-json shapes shared by claude and cursor-agent:
//   - {"type":"system","subtype":"init","session_id":...}
//   - {"type":"assistant","message":{"content":[{"type":"text","text":...}]}}
//   - {"type":"result","subtype":"success","is_error":false,"result":...}
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

func parseClaudeLine(line []byte, st *streamState) []Message {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		// Non-JSON output is still useful progress.
		return []Message{{Type: MessageProgress, Text: string(line), SessionID: st.sessionID}}
	}
	if ev.SessionID != "" {
		st.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return []Message{{Type: MessageProgress, Text: "session initialized", SessionID: st.sessionID}}
		}
	case "assistant":
		var parts []string
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				if t := strings.TrimSpace(c.Text); t != "" {
					parts = append(parts, t)
				}
			case "tool_use":
				parts = append(parts, "[tool] "+c.Name)
			}
		}
		if len(parts) > 0 {
			text := strings.Join(parts, "\n")
			st.lastText = text
			return []Message{{Type: MessageProgress, Text: text, SessionID: st.sessionID}}
		}
	case "result":
		if ev.IsError || (ev.Subtype != "" && ev.Subtype != "success") {
			text := ev.Result
			if text == "" {
				text = "claude session ended with " + ev.Subtype
			}
			return []Message{failedResult(st, text)}
		}
		summary := ev.Result
		if summary == "" {
			summary = st.lastText
		}
		return []Message{{
			Type:      MessageTerminal,
			Verdict:   VerdictCompleted,
			SessionID: st.sessionID,
			Summary:   summary,
		}}
	}
	return nil
}
