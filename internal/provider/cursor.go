package provider

import "context"

// Cursor runs sessions through cursor-agent. Its stream-json output follows
// the same shape as claude's.
type Cursor struct {
	runner cliRunner
}

// NewCursor creates a Cursor provider. An empty Command defaults to "cursor-agent".
func NewCursor(cfg Config) *Cursor {
	return &Cursor{runner: cliRunner{
		name:      "cursor-agent",
		cfg:       cfg,
		args:      cursorArgs,
		parse:     parseClaudeLine,
		promptArg: true,
	}}
}

// Name returns "cursor".
func (c *Cursor) Name() string { return "cursor" }

// Available checks if cursor-agent is installed and accessible.
func (c *Cursor) Available() bool { return c.runner.available() }

// Execute implements Provider.
func (c *Cursor) Execute(ctx context.Context, req Request) (<-chan Message, error) {
	return c.runner.execute(ctx, req)
}

func cursorArgs(req Request, cfg Config) []string {
	args := []string{"-p", "--output-format", "stream-json", "--force"}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, cfg.Args...)
}
