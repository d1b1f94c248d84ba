package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// Codex runs sessions through `codex exec --json`.
type Codex struct {
	runner cliRunner
}

// NewCodex creates a Codex provider. An empty Command defaults to "codex".
func NewCodex(cfg Config) *Codex {
	return &Codex{runner: cliRunner{
		name:  "codex",
		cfg:   cfg,
		args:  codexArgs,
		parse: parseCodexLine,
	}}
}

// Name returns "codex".
func (c *Codex) Name() string { return "codex" }

// Available checks if the codex CLI is installed and accessible.
func (c *Codex) Available() bool { return c.runner.available() }

// Execute implements Provider. The prompt is passed on stdin.
func (c *Codex) Execute(ctx context.Context, req Request) (<-chan Message, error) {
	return c.runner.execute(ctx, req)
}

func codexArgs(req Request, cfg Config) []string {
	args := []string{"exec", "--json", "--full-auto"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, cfg.Args...)
	if req.SessionID != "" {
		args = append(args, "resume", req.SessionID)
	}
	return append(args, "-")
}

// codexEvent covers the exec --json events:
//   - {"type":"thread.started","thread_id":...}
//   - {"type":"item.completed","item":{"type":"agent_message","text":...}}
//   - {"type":"turn.completed"} / {"type":"turn.failed","error":{"message":...}}
//   - {"type":"error","message":...}
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Command string `json:"command"`
	} `json:"item"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseCodexLine(line []byte, st *streamState) []Message {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Message{{Type: MessageProgress, Text: string(line), SessionID: st.sessionID}}
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			st.sessionID = ev.ThreadID
		}
		return []Message{{Type: MessageProgress, Text: "session initialized", SessionID: st.sessionID}}
	case "item.completed":
		switch ev.Item.Type {
		case "agent_message":
			if t := strings.TrimSpace(ev.Item.Text); t != "" {
				st.lastText = t
				return []Message{{Type: MessageProgress, Text: t, SessionID: st.sessionID}}
			}
		case "command_execution":
			return []Message{{Type: MessageProgress, Text: "[exec] " + ev.Item.Command, SessionID: st.sessionID}}
		}
	case "turn.completed":
		return []Message{{
			Type:      MessageTerminal,
			Verdict:   VerdictCompleted,
			SessionID: st.sessionID,
			Summary:   st.lastText,
		}}
	case "turn.failed":
		return []Message{failedResult(st, ev.Error.Message)}
	case "error":
		return []Message{failedResult(st, ev.Message)}
	}
	return nil
}
