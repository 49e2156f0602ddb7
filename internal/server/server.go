// Package server exposes the HTTP surface of the engine: the voice answer
// endpoint, provider webhooks, the media-stream WebSocket acceptor, the
// scheduling API, and the health and metrics endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydial/relaydial/internal/bridge"
	"github.com/relaydial/relaydial/internal/health"
	"github.com/relaydial/relaydial/internal/observe"
	"github.com/relaydial/relaydial/internal/scheduler"
	"github.com/relaydial/relaydial/internal/store"
	"github.com/relaydial/relaydial/pkg/telephony"
	"github.com/relaydial/relaydial/pkg/telephony/twilio"
)

// CallStore is the slice of the persistence layer the webhook handlers use.
type CallStore interface {
	UpsertCallEvent(ctx context.Context, evt store.CallEvent) error
	AttachRecording(ctx context.Context, rec store.CallRecording) error
}

// Server wires the HTTP routes to their collaborators.
type Server struct {
	publicBaseURL string
	gateway       telephony.Gateway
	bridge        *bridge.Manager
	calls         CallStore
	sched         *scheduler.Scheduler
	health        *health.Handler
	metrics       *observe.Metrics
}

// New creates a Server. publicBaseURL must not end with a slash.
func New(publicBaseURL string, gateway telephony.Gateway, bm *bridge.Manager, calls CallStore, sched *scheduler.Scheduler, h *health.Handler, metrics *observe.Metrics) *Server {
	return &Server{
		publicBaseURL: publicBaseURL,
		gateway:       gateway,
		bridge:        bm,
		calls:         calls,
		sched:         sched,
		health:        h,
		metrics:       metrics,
	}
}

// Routes builds the full handler tree with the observe middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /voice/answer", s.handleAnswer)
	mux.HandleFunc("POST /webhooks/voice/status", s.handleStatusWebhook)
	mux.HandleFunc("POST /webhooks/voice/recording", s.handleRecordingWebhook)
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)

	s.registerAPI(mux)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// handleAnswer returns the answer document pointing the provider at the
// media-stream endpoint. The per-call options arrive as query parameters and
// are passed through onto the stream URL.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := telephony.AnswerOptions{
		InitialMessage: q.Get("initialMessage"),
	}
	opts.SpeakFirst, _ = strconv.ParseBool(q.Get("speakFirst"))

	streamURL := websocketBaseURL(s.publicBaseURL) + "/media-stream"
	body, err := s.gateway.RenderAnswer(streamURL, opts)
	if err != nil {
		slog.Error("render answer document", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write(body)
}

// handleStatusWebhook merges a provider status callback into the call event
// row. The provider retries on non-200, so the response is 200 even when the
// payload is malformed or the write fails; errors are logged instead.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	if err := r.ParseForm(); err != nil {
		slog.Warn("status webhook: bad form", "error", err)
		return
	}
	evt, err := twilio.ParseStatusWebhook(r.PostForm)
	if err != nil {
		slog.Warn("status webhook: invalid payload", "error", err)
		return
	}

	if err := s.calls.UpsertCallEvent(r.Context(), store.CallEvent{
		CallSID:      evt.CallSID,
		Status:       string(evt.Status),
		Direction:    evt.Direction,
		FromNumber:   evt.From,
		ToNumber:     evt.To,
		Duration:     evt.Duration,
		CallDuration: evt.CallDuration,
		RecordingURL: evt.RecordingURL,
		RecordingSID: evt.RecordingSID,
		LastEventAt:  evt.Timestamp,
	}); err != nil {
		slog.Error("status webhook: upsert call event", "call_sid", evt.CallSID, "error", err)
	}
}

// handleRecordingWebhook acknowledges immediately and persists the recording
// descriptor in the background. Only completed recordings are processed.
func (s *Server) handleRecordingWebhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	if err := r.ParseForm(); err != nil {
		slog.Warn("recording webhook: bad form", "error", err)
		return
	}
	evt, err := twilio.ParseRecordingWebhook(r.PostForm)
	if err != nil {
		slog.Warn("recording webhook: invalid payload", "error", err)
		return
	}
	if evt.Status != "completed" {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.calls.AttachRecording(ctx, store.CallRecording{
			CallSID:      evt.CallSID,
			RecordingSID: evt.RecordingSID,
			StoragePath:  evt.RecordingURL,
			Duration:     evt.Duration,
			Status:       evt.Status,
		}); err != nil {
			slog.Error("recording webhook: attach recording",
				"call_sid", evt.CallSID, "recording_sid", evt.RecordingSID, "error", err)
		}
	}()
}

// handleMediaStream accepts the provider media socket and hands it to the
// bridge manager. The handler blocks for the lifetime of the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := bridge.StreamOptions{
		InitialMessage: q.Get("initialMessage"),
	}
	opts.SpeakFirst, _ = strconv.ParseBool(q.Get("speakFirst"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("media stream: websocket accept", "error", err)
		return
	}

	if err := s.bridge.HandleStream(r.Context(), bridge.NewMediaConn(conn), opts); err != nil {
		slog.Warn("media stream ended with error", "error", err)
	}
}

// websocketBaseURL rewrites an http(s) base URL to its ws(s) counterpart.
func websocketBaseURL(base string) string {
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}
