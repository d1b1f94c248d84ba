package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/automaker/orchestrator/internal/events"
	"github.com/automaker/orchestrator/internal/feature"
	"github.com/automaker/orchestrator/internal/resolver"
	"github.com/automaker/orchestrator/internal/scheduler"
	"github.com/automaker/orchestrator/internal/store"
)

// Request and response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRequest is the body of POST /api/auto/start.
type StartRequest struct {
	ProjectPath    string `json:"projectPath"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// ProjectRequest is the body of the endpoints that only need a project.
type ProjectRequest struct {
	ProjectPath string `json:"projectPath"`
}

// ResolveResponse is the response for /api/resolve.
type ResolveResponse struct {
	Order      []string             `json:"order"`
	Admissible []string             `json:"admissible"`
	Conditions []resolver.Condition `json:"conditions"`
	Cycles     [][]string           `json:"cycles,omitempty"`
}

// OKResponse acknowledges requests without a result.
type OKResponse struct {
	OK bool `json:"ok"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Running: s.opts.Scheduler.Status("").RunningCount,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decode(w, r, &req) {
		return
	}

	if s.opts.Prepare != nil && req.ProjectPath != "" {
		if err := s.opts.Prepare(r.Context(), req.ProjectPath); err != nil {
			writeErr(w, err)
			return
		}
	}

	res, err := s.opts.Scheduler.Start(r.Context(), req.ProjectPath, scheduler.StartOptions{
		MaxConcurrency: req.MaxConcurrency,
		Provider:       req.Provider,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.opts.Scheduler.Stop(r.Context(), req.ProjectPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Scheduler.Status(r.URL.Query().Get("projectPath")))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decode(w, r, &req) {
		return
	}
	s.opts.Scheduler.Trigger(req.ProjectPath)
	writeJSON(w, http.StatusAccepted, OKResponse{OK: true})
}

func (s *Server) handleResumeInterrupted(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decode(w, r, &req) {
		return
	}

	list, err := s.opts.Scheduler.ResumeInterrupted(r.Context(), req.ProjectPath)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("projectPath")
	if project == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	var (
		list []*feature.Feature
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		if !feature.Status(status).Valid() {
			writeError(w, http.StatusBadRequest, "invalid status: "+status)
			return
		}
		list, err = s.opts.Store.ListByStatus(r.Context(), project, feature.Status(status))
	} else {
		list, err = s.opts.Store.List(r.Context(), project)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []*feature.Feature{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("projectPath")
	if project == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	f, err := s.opts.Store.Get(r.Context(), project, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleStopFeature(w http.ResponseWriter, r *http.Request) {
	// The body is optional: without a project every loop is searched.
	var req ProjectRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	if err := s.opts.Scheduler.StopProjectFeature(r.Context(), req.ProjectPath, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleResumeFeature(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.opts.Scheduler.ResumeFeature(r.Context(), req.ProjectPath, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleDiscardFeature(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !decode(w, r, &req) {
		return
	}

	if err := s.opts.Scheduler.DiscardInterrupted(r.Context(), req.ProjectPath, chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("projectPath")
	if project == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	list, err := s.opts.Store.List(r.Context(), project)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, resolveErr := resolver.Resolve(list)
	resp := ResolveResponse{
		Order:      nonNil(res.Order),
		Admissible: nonNil(res.Admissible),
		Conditions: res.Conditions(),
	}
	if resp.Conditions == nil {
		resp.Conditions = []resolver.Condition{}
	}
	var cycleErr *resolver.CycleError
	if errors.As(resolveErr, &cycleErr) {
		resp.Cycles = cycleErr.Cycles
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	q := r.URL.Query()
	project := q.Get("projectPath")
	if project == "" {
		writeError(w, http.StatusBadRequest, "projectPath is required")
		return
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}

	var types []events.Type
	for _, t := range q["type"] {
		for _, part := range strings.Split(t, ",") {
			if part != "" {
				types = append(types, events.Type(part))
			}
		}
	}

	list, err := s.opts.History.Query(project, since, types...)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Helpers

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrValidation), errors.Is(err, scheduler.ErrNotInterrupted):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrFeatureNotRunning):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
