package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		stderr string
		want   Class
	}{
		{"rate limit text", errors.New("API Error: Rate limit reached"), "", ClassRateLimit},
		{"429 in stderr", errors.New("exit status 1"), "HTTP 429 Too Many Requests", ClassRateLimit},
		{"overloaded", errors.New("overloaded_error"), "", ClassRateLimit},
		{"auth", errors.New("Invalid API key · Please run /login"), "", ClassAuth},
		{"401", errors.New("request failed"), "status 401", ClassAuth},
		{"timeout", errors.New("request timed out"), "", ClassTransient},
		{"connection reset", errors.New("read: connection reset by peer"), "", ClassTransient},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), "", ClassTransient},
		{"not found", &exec.Error{Name: "claude", Err: exec.ErrNotFound}, "", ClassFatal},
		{"unknown", errors.New("segmentation fault"), "", ClassFatal},
		{"status code inside a number", errors.New("model claude-x-20240429 not supported"), "", ClassFatal},
		{"503 inside an id", errors.New("bad request id req5031"), "", ClassFatal},
		{"network inside a word", errors.New("invalid networking option --foo"), "", ClassFatal},
		{"network error", errors.New("fetch failed: network error"), "", ClassTransient},
		{"auth error type", errors.New(`{"type":"authentication_error"}`), "", ClassAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.stderr)
			if got.Class != tt.want {
				t.Errorf("Classify() class = %s, want %s", got.Class, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Classify() lost the original error")
			}
		})
	}
}

func TestClassify_KeepsExisting(t *testing.T) {
	orig := &Error{Class: ClassAuth, Err: errors.New("timeout while logging in")}
	wrapped := fmt.Errorf("session: %w", orig)
	if got := Classify(wrapped, ""); got != orig {
		t.Errorf("Classify() = %v, want the existing *Error", got)
	}
	if Classify(nil, "") != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&Error{Class: ClassRateLimit}) || !IsRetryable(&Error{Class: ClassTransient}) {
		t.Error("rate_limit and transient should be retryable")
	}
	if IsRetryable(&Error{Class: ClassAuth}) || IsRetryable(&Error{Class: ClassFatal}) {
		t.Error("auth and fatal should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors should not be retryable")
	}
	if ClassOf(errors.New("plain")) != ClassFatal {
		t.Error("unclassified errors should be fatal")
	}
}

func TestParseClaudeLine(t *testing.T) {
	input := `{"type":"system","subtype":"init","cwd":"/tmp","session_id":"abc-123","model":"sonnet"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Adding the login form"},{"type":"tool_use","name":"Edit"}]},"session_id":"abc-123"}
not json at all
{"type":"result","subtype":"success","is_error":false,"result":"Login page done","session_id":"abc-123"}`

	st := &streamState{}
	var msgs []Message
	for _, line := range strings.Split(input, "\n") {
		msgs = append(msgs, parseClaudeLine([]byte(line), st)...)
	}

	if st.sessionID != "abc-123" {
		t.Errorf("sessionID = %q, want abc-123", st.sessionID)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[1].Text, "[tool] Edit") {
		t.Errorf("assistant text = %q", msgs[1].Text)
	}
	last := msgs[3]
	if last.Type != MessageTerminal || last.Verdict != VerdictCompleted || last.Summary != "Login page done" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestParseClaudeLine_Error(t *testing.T) {
	st := &streamState{sessionID: "s1"}
	msgs := parseClaudeLine([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API Error: 529 overloaded"}`), st)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Verdict != VerdictFailed || ClassOf(m.Err) != ClassRateLimit {
		t.Errorf("terminal = %+v (class %s)", m, ClassOf(m.Err))
	}
	if m.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", m.SessionID)
	}
}

func TestParseCodexLine(t *testing.T) {
	input := `{"type":"thread.started","thread_id":"th-9"}
{"type":"turn.started"}
{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"go test ./..."}}
{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"All tests pass"}}
{"type":"turn.completed","usage":{"input_tokens":10}}`

	st := &streamState{}
	var msgs []Message
	for _, line := range strings.Split(input, "\n") {
		msgs = append(msgs, parseCodexLine([]byte(line), st)...)
	}

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	last := msgs[3]
	if last.Verdict != VerdictCompleted || last.SessionID != "th-9" || last.Summary != "All tests pass" {
		t.Errorf("terminal = %+v", last)
	}

	failed := parseCodexLine([]byte(`{"type":"turn.failed","error":{"message":"unauthorized"}}`), st)
	if len(failed) != 1 || ClassOf(failed[0].Err) != ClassAuth {
		t.Errorf("turn.failed = %+v", failed)
	}
}

func TestClaudeArgs(t *testing.T) {
	args := claudeArgs(Request{SessionID: "s1", Model: "opus"}, Config{Args: []string{"--max-turns", "50"}})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-p", "--output-format stream-json", "--resume s1", "--model opus", "--max-turns 50"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}

	codex := strings.Join(codexArgs(Request{SessionID: "th-1"}, Config{}), " ")
	if !strings.HasSuffix(codex, "resume th-1 -") {
		t.Errorf("codex args = %q", codex)
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry("mock", nil)

	p, err := r.Get("")
	if err != nil {
		t.Fatalf("Get(\"\") failed: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("default provider = %s, want mock", p.Name())
	}
	again, _ := r.Get("mock")
	if again != p {
		t.Error("Get should cache instances")
	}

	if _, err := r.Get("gemini"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(gemini) error = %v, want ErrUnknownProvider", err)
	}

	want := []string{"claude", "codex", "cursor", "mock"}
	if got := r.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	custom := NewMock(nil)
	custom.name = "scripted"
	r.Add(custom)
	if p, _ := r.Get("scripted"); p != custom {
		t.Error("Add did not register the instance")
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate Register")
		}
	}()
	r := NewRegistry("")
	c := func(Config) (Provider, error) { return NewMock(nil), nil }
	r.Register("x", c, Config{})
	r.Register("x", c, Config{})
}

func drain(t *testing.T, ch <-chan Message, timeout time.Duration) []Message {
	t.Helper()
	var msgs []Message
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-deadline:
			t.Fatalf("stream not closed after %v (got %d messages)", timeout, len(msgs))
			return nil
		}
	}
}

func TestMock_DefaultScript(t *testing.T) {
	m := NewMock(DefaultMockScript(time.Millisecond))
	ch, err := m.Execute(context.Background(), Request{FeatureID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := drain(t, ch, 2*time.Second)
	if msgs[0].Type != MessageStarted {
		t.Errorf("first message = %s, want started", msgs[0].Type)
	}
	last := msgs[len(msgs)-1]
	if last.Type != MessageTerminal || last.Verdict != VerdictCompleted || last.SessionID != "mock-a-1" {
		t.Errorf("terminal = %+v", last)
	}
	if m.Attempts("a") != 1 || m.Active() != 0 {
		t.Errorf("attempts=%d active=%d", m.Attempts("a"), m.Active())
	}
}

func TestMock_Cancel(t *testing.T) {
	m := NewMock(DefaultMockScript(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := m.Execute(ctx, Request{FeatureID: "a"})
	cancel()

	msgs := drain(t, ch, 2*time.Second)
	last := msgs[len(msgs)-1]
	if last.Verdict != VerdictFailed || !errors.Is(last.Err, context.Canceled) {
		t.Errorf("terminal = %+v", last)
	}
}

// writeScript creates an executable shell script standing in for an agent CLI.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLIRunner_Stream(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"type":"system","subtype":"init","session_id":"cli-1"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success","result":"done"}'
`)
	p := NewClaude(Config{Command: script})
	if !p.Available() {
		t.Fatal("script should be available")
	}

	ch, err := p.Execute(context.Background(), Request{FeatureID: "a", Prompt: "build it", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	msgs := drain(t, ch, 10*time.Second)
	last := msgs[len(msgs)-1]
	if last.Verdict != VerdictCompleted || last.SessionID != "cli-1" || last.Summary != "done" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestCLIRunner_LongLineIsSkipped(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	// A 2 MB line fills the pipe; the agent only exits once it is read.
	script := writeScript(t, `cat >/dev/null
echo '{"type":"system","subtype":"init","session_id":"big-1"}'
head -c 2097152 /dev/zero | tr '\0' 'x'
echo
i=0
while [ $i -lt 2000 ]; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
  i=$((i+1))
done
echo '{"type":"result","subtype":"success","result":"done"}'
`)
	p := NewClaude(Config{Command: script})

	ch, err := p.Execute(context.Background(), Request{FeatureID: "a", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	msgs := drain(t, ch, 20*time.Second)
	last := msgs[len(msgs)-1]
	if last.Type != MessageTerminal || last.Verdict != VerdictCompleted || last.SessionID != "big-1" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestReadLine(t *testing.T) {
	long := strings.Repeat("x", 300)
	input := "short\n" + long + "\n\nlast"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	tests := []struct {
		line    string
		tooLong bool
		err     error
	}{
		{"short\n", false, nil},
		{"", true, nil},
		{"\n", false, nil},
		{"last", false, io.EOF},
	}
	for i, tt := range tests {
		line, tooLong, err := readLine(r, 100)
		if string(line) != tt.line || tooLong != tt.tooLong || err != tt.err {
			t.Errorf("line %d: readLine() = %q, %v, %v; want %q, %v, %v", i, line, tooLong, err, tt.line, tt.tooLong, tt.err)
		}
	}
}

func TestCLIRunner_ExitError(t *testing.T) {
	script := writeScript(t, `echo "Error: 429 rate limit exceeded" >&2
exit 2
`)
	p := NewClaude(Config{Command: script})
	ch, err := p.Execute(context.Background(), Request{FeatureID: "a", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	msgs := drain(t, ch, 10*time.Second)
	last := msgs[len(msgs)-1]
	if last.Type != MessageTerminal || ClassOf(last.Err) != ClassRateLimit {
		t.Errorf("terminal = %+v (class %s)", last, ClassOf(last.Err))
	}
}

func TestCLIRunner_CleanExitWithoutResult(t *testing.T) {
	script := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"x"}'
`)
	p := NewClaude(Config{Command: script})
	ch, err := p.Execute(context.Background(), Request{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range drain(t, ch, 10*time.Second) {
		if m.Type == MessageTerminal {
			t.Errorf("unexpected terminal message %+v", m)
		}
	}
}

func TestCLIRunner_Cancel(t *testing.T) {
	script := writeScript(t, `echo '{"type":"system","subtype":"init","session_id":"long"}'
sleep 30
`)
	p := NewClaude(Config{Command: script})
	p.runner.killDelay = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Execute(ctx, Request{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(100*time.Millisecond, cancel)

	msgs := drain(t, ch, 10*time.Second)
	last := msgs[len(msgs)-1]
	if last.Verdict != VerdictFailed || !errors.Is(last.Err, context.Canceled) || last.SessionID != "long" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestExecute_MissingBinary(t *testing.T) {
	p := NewCodex(Config{Command: "definitely-not-a-real-agent-binary"})
	if p.Available() {
		t.Fatal("missing binary reported as available")
	}
	_, err := p.Execute(context.Background(), Request{})
	if err == nil || ClassOf(err) != ClassFatal {
		t.Errorf("Execute() error = %v, want fatal", err)
	}
}
