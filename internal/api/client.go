package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/scheduler"
)

// Error is a non-2xx response from the daemon.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*Error)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running daemon.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon listening on addr
// ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Start begins auto mode for a project.
func (c *Client) Start(ctx context.Context, req StartRequest) (*scheduler.StartResult, error) {
	var out scheduler.StartResult
	return &out, c.do(ctx, http.MethodPost, "/api/auto/start", req, &out)
}

// Stop asks a project's loop to drain.
func (c *Client) Stop(ctx context.Context, project string) (*scheduler.StopResult, error) {
	var out scheduler.StopResult
	return &out, c.do(ctx, http.MethodPost, "/api/auto/stop", ProjectRequest{ProjectPath: project}, &out)
}

// Status returns one project's status, or every project's when project is empty.
func (c *Client) Status(ctx context.Context, project string) (*scheduler.Status, error) {
	var out scheduler.Status
	return &out, c.do(ctx, http.MethodGet, "/api/auto/status"+query("projectPath", project), nil, &out)
}

// Trigger requests an immediate dispatch pass.
func (c *Client) Trigger(ctx context.Context, project string) error {
	return c.do(ctx, http.MethodPost, "/api/auto/trigger", ProjectRequest{ProjectPath: project}, nil)
}

// ResumeInterrupted lists the features left interrupted by a previous run.
func (c *Client) ResumeInterrupted(ctx context.Context, project string) ([]scheduler.Interrupted, error) {
	var out []scheduler.Interrupted
	return out, c.do(ctx, http.MethodPost, "/api/auto/resume-interrupted", ProjectRequest{ProjectPath: project}, &out)
}

// StopFeature cancels one running feature. project may be empty.
func (c *Client) StopFeature(ctx context.Context, project, id string) error {
	return c.do(ctx, http.MethodPost, featurePath(id, "stop"), ProjectRequest{ProjectPath: project}, nil)
}

// ResumeFeature re-queues an interrupted feature.
func (c *Client) ResumeFeature(ctx context.Context, project, id string) error {
	return c.do(ctx, http.MethodPost, featurePath(id, "resume"), ProjectRequest{ProjectPath: project}, nil)
}

// DiscardFeature marks an interrupted feature failed.
func (c *Client) DiscardFeature(ctx context.Context, project, id string) error {
	return c.do(ctx, http.MethodPost, featurePath(id, "discard"), ProjectRequest{ProjectPath: project}, nil)
}

// Features lists a project's features, optionally filtered by status.
func (c *Client) Features(ctx context.Context, project string, status feature.Status) ([]*feature.Feature, error) {
	q := url.Values{"projectPath": {project}}
	if status != "" {
		q.Set("status", string(status))
	}
	var out []*feature.Feature
	return out, c.do(ctx, http.MethodGet, "/api/features/?"+q.Encode(), nil, &out)
}

// Resolve returns the dependency resolution of a project.
func (c *Client) Resolve(ctx context.Context, project string) (*ResolveResponse, error) {
	var out ResolveResponse
	return &out, c.do(ctx, http.MethodGet, "/api/resolve"+query("projectPath", project), nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func featurePath(id, action string) string {
	return "/api/features/" + url.PathEscape(id) + "/" + action
}

func query(key, value string) string {
	if value == "" {
		return ""
	}
	return "?" + url.Values{key: {value}}.Encode()
}
