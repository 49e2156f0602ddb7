package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/scheduler"
)

// registerAPI mounts the scheduling control-plane routes.
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/calls", s.handleScheduleCall)
	mux.HandleFunc("POST /api/calls/bulk", s.handleScheduleBulk)
	mux.HandleFunc("POST /api/refill", s.handleRunRefill)
	mux.HandleFunc("POST /api/refill/schedule", s.handleScheduleRefill)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleStopSchedule)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/queue/pause", s.handlePause)
	mux.HandleFunc("POST /api/queue/resume", s.handleResume)
	mux.HandleFunc("POST /api/queue/clean", s.handleClean)
}

// scheduleCallRequest is the request body for POST /api/calls. At most one of
// scheduleAt, delayMs, cronExpression selects the dispatch mode; none means
// immediate.
type scheduleCallRequest struct {
	To             string    `json:"to"`
	Message        string    `json:"message,omitempty"`
	LeadID         int64     `json:"leadId,omitempty"`
	Priority       string    `json:"priority,omitempty"`
	SpeakFirst     bool      `json:"speakFirst,omitempty"`
	InitialMessage string    `json:"initialMessage,omitempty"`
	ScheduleAt     time.Time `json:"scheduleAt,omitzero"`
	DelayMS        int64     `json:"delayMs,omitempty"`
	CronExpression string    `json:"cronExpression,omitempty"`
}

func (r *scheduleCallRequest) call() scheduler.CallRequest {
	return scheduler.CallRequest{
		To:             r.To,
		Message:        r.Message,
		LeadID:         r.LeadID,
		Priority:       r.Priority,
		SpeakFirst:     r.SpeakFirst,
		InitialMessage: r.InitialMessage,
	}
}

type refillRequest struct {
	CronExpression string `json:"cronExpression,omitempty"`
	Message        string `json:"message,omitempty"`
	Priority       string `json:"priority,omitempty"`
	LeadLimit      int    `json:"leadLimit"`
}

func (s *Server) handleScheduleCall(w http.ResponseWriter, r *http.Request) {
	var req scheduleCallRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		jobID string
		err   error
	)
	ctx := r.Context()
	switch {
	case req.CronExpression != "":
		jobID, err = s.sched.ScheduleRecurring(ctx, scheduler.RecurringCallRequest{
			CallRequest:    req.call(),
			CronExpression: req.CronExpression,
		})
	case !req.ScheduleAt.IsZero() || req.DelayMS > 0:
		jobID, err = s.sched.ScheduleDelayed(ctx, scheduler.DelayedCallRequest{
			CallRequest: req.call(),
			ScheduleAt:  req.ScheduleAt,
			DelayMS:     req.DelayMS,
		})
	default:
		jobID, err = s.sched.ScheduleImmediate(ctx, req.call())
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": jobID})
}

func (s *Server) handleScheduleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Calls []scheduleCallRequest `json:"calls"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	reqs := make([]scheduler.CallRequest, len(body.Calls))
	for i, c := range body.Calls {
		reqs[i] = c.call()
	}
	ids, err := s.sched.ScheduleBulk(r.Context(), reqs)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobIds": ids})
}

func (s *Server) handleRunRefill(w http.ResponseWriter, r *http.Request) {
	var req refillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.sched.RunRefillNow(r.Context(), scheduler.RefillRequest{
		Message:   req.Message,
		Priority:  req.Priority,
		LeadLimit: req.LeadLimit,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScheduleRefill(w http.ResponseWriter, r *http.Request) {
	var req refillRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := s.sched.ScheduleRefill(r.Context(), scheduler.RefillRequest{
		CronExpression: req.CronExpression,
		Message:        req.Message,
		Priority:       req.Priority,
		LeadLimit:      req.LeadLimit,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": jobID})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.sched.ListSchedules(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleStopSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.StopSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := jobstore.State(q.Get("state"))
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)
	if limit <= 0 {
		limit = 50
	}
	jobs, err := s.sched.ListByState(r.Context(), state, offset, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sched.Stats(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Pause(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Resume(r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraceMS int64  `json:"graceMs"`
		Limit   int64  `json:"limit"`
		State   string `json:"state"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Limit <= 0 {
		body.Limit = 1000
	}
	ids, err := s.sched.Clean(r.Context(), time.Duration(body.GraceMS)*time.Millisecond, body.Limit, jobstore.State(body.State))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": ids})
}

// decodeJSON reads the request body into v, responding with 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeAPIError maps store sentinels onto HTTP status codes.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobstore.ErrActive), errors.Is(err, jobstore.ErrNotFailed):
		status = http.StatusConflict
	case isValidationError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// isValidationError reports whether err came from scheduler input validation.
func isValidationError(err error) bool {
	var ve interface{ Unwrap() []error }
	if errors.As(err, &ve) {
		return true
	}
	return strings.HasPrefix(err.Error(), "scheduler: ")
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode api response", "error", err)
	}
}
