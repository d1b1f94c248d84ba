package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultKillDelay is how long a cancelled session gets between SIGTERM and SIGKILL.
const DefaultKillDelay = 5 * time.Second

// maxStderrTail caps the stderr kept for error classification.
const maxStderrTail = 8 * 1024

// maxLineSize caps one stdout line. Longer lines (large tool results) are
// skipped; reading continues with the next line.
const maxLineSize = 1024 * 1024

// streamState carries what a parser learned from earlier lines.
type streamState struct {
	sessionID string
	lastText  string
}

// lineParser turns one stdout line into zero or more messages.
type lineParser func(line []byte, st *streamState) []Message

// cliRunner runs an agent CLI that prints one JSON object per stdout line.
type cliRunner struct {
	name      string
	cfg       Config
	args      func(req Request, cfg Config) []string
	parse     lineParser
	killDelay time.Duration

	// promptArg passes the prompt as the final argument instead of stdin.
	promptArg bool
}

func (r *cliRunner) command() string {
	if r.cfg.Command != "" {
		return r.cfg.Command
	}
	return r.name
}

func (r *cliRunner) available() bool {
	_, err := exec.LookPath(r.command())
	return err == nil
}

func (r *cliRunner) execute(ctx context.Context, req Request) (<-chan Message, error) {
	if req.Model == "" {
		req.Model = r.cfg.Model
	}

	args := r.args(req, r.cfg)
	if r.promptArg {
		args = append(args, req.Prompt)
	}

	cmd := exec.Command(r.command(), args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	if !r.promptArg {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, Classify(fmt.Errorf("start %s: %w", r.name, err), "")
	}

	killDelay := r.killDelay
	if killDelay <= 0 {
		killDelay = DefaultKillDelay
	}

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminateGroup(cmd)
			select {
			case <-exited:
			case <-time.After(killDelay):
				killGroup(cmd)
			}
		case <-exited:
		}
	}()

	out := make(chan Message, 16)
	go func() {
		defer close(out)

		st := &streamState{sessionID: req.SessionID}
		out <- stamp(Message{Type: MessageStarted, SessionID: req.SessionID})

		terminal := false
		reader := bufio.NewReaderSize(stdout, 64*1024)
		var readErr error
		for {
			line, tooLong, err := readLine(reader, maxLineSize)
			if !tooLong && len(bytes.TrimSpace(line)) > 0 {
				for _, m := range r.parse(line, st) {
					if terminal {
						continue
					}
					if m.Type == MessageTerminal {
						terminal = true
					}
					out <- stamp(m)
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}
		if readErr != nil {
			// The process may still be writing; Wait only returns once the
			// pipe is drained.
			_, _ = io.Copy(io.Discard, stdout)
		}

		waitErr := cmd.Wait()
		close(exited)
		if terminal {
			return
		}

		switch {
		case ctx.Err() != nil:
			out <- stamp(Message{
				Type:      MessageTerminal,
				Verdict:   VerdictFailed,
				SessionID: st.sessionID,
				Err:       ctx.Err(),
			})
		case readErr != nil:
			out <- stamp(Message{
				Type:      MessageTerminal,
				Verdict:   VerdictFailed,
				SessionID: st.sessionID,
				Err:       Classify(fmt.Errorf("read %s output: %w", r.name, readErr), stderr.String()),
			})
		case waitErr != nil:
			out <- stamp(Message{
				Type:      MessageTerminal,
				Verdict:   VerdictFailed,
				SessionID: st.sessionID,
				Err:       Classify(fmt.Errorf("%s exited with error: %w", r.name, waitErr), stderr.String()),
			})
		}
	}()

	return out, nil
}

// readLine reads one newline-terminated line. A line longer than max is
// consumed to its end and reported as tooLong instead of being returned.
func readLine(r *bufio.Reader, max int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// failedResult builds the terminal message for a session that reported an error.
func failedResult(st *streamState, text string) Message {
	if text == "" {
		text = "agent reported an error"
	}
	return Message{
		Type:      MessageTerminal,
		Verdict:   VerdictFailed,
		SessionID: st.sessionID,
		Text:      text,
		Err:       Classify(errors.New(text), ""),
	}
}
