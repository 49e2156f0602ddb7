package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydial/relaydial/internal/observe"
	"github.com/relaydial/relaydial/internal/store"
	"github.com/relaydial/relaydial/pkg/realtime"
)

// State is the lifecycle phase of a bridge session.
type State string

const (
	StateInit       State = "init"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateStreaming  State = "streaming"
	StateFailed     State = "failed"
	StateClosing    State = "closing"
)

// markCallFailed is the marker name played to the caller when the AI leg is
// given up on.
const markCallFailed = "call-failed"

// TranscriptSink is the slice of the persistence layer the bridge writes to.
type TranscriptSink interface {
	AppendTranscript(ctx context.Context, entry store.TranscriptEntry) error
	LinkLead(ctx context.Context, callSID string) error
}

// StreamOptions are the per-call options carried on the media-stream URL.
type StreamOptions struct {
	// SpeakFirst makes the agent open the conversation.
	SpeakFirst bool

	// InitialMessage is the opening line when SpeakFirst is set.
	InitialMessage string
}

// Session bridges one provider media stream with one AI realtime session.
// A single goroutine owns the session; only State is read from outside.
type Session struct {
	callSID   string
	streamSID string
	opts      StreamOptions

	cfg     Config
	conn    MediaConn
	client  realtime.Client
	sink    TranscriptSink
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	ai realtime.Session

	mu    sync.Mutex
	state State

	spoke      bool
	linked     bool
	errEvents  int
	reconnects int
	turn       turnClock
}

func newSession(cfg Config, conn MediaConn, client realtime.Client, sink TranscriptSink, metrics *observe.Metrics, start *StartFrame, opts StreamOptions) *Session {
	return &Session{
		callSID:   start.CallSID,
		streamSID: start.StreamSID,
		opts:      opts,
		cfg:       cfg,
		conn:      conn,
		client:    client,
		sink:      sink,
		metrics:   metrics,
		log:       slog.With("call_sid", start.CallSID, "stream_sid", start.StreamSID),
		now:       time.Now,
		state:     StateInit,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.log.Debug("session state", "state", string(st))
}

// run drives the session to completion. It returns when the provider stream
// ends, the AI leg ends normally, or the session fails.
func (s *Session) run(ctx context.Context) {
	defer s.closeDown()

	s.setState(StateConnecting)
	ai, err := s.connect(ctx)
	if err != nil {
		s.log.Error("realtime connect failed", "error", err)
		s.enterFailed(ctx, "connect")
		return
	}
	s.ai = ai

	s.setState(StateReady)
	if err := s.greet(); err != nil {
		s.log.Warn("speak-first injection failed", "error", err)
	}

	frames := make(chan *Frame)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go s.readProvider(readCtx, frames)

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-frames:
			if !ok {
				// Provider socket closed; the call is over regardless of
				// AI-leg health.
				return
			}
			if stop := s.handleProviderFrame(f); stop {
				return
			}

		case evt, ok := <-s.ai.Events():
			if !ok {
				if s.ai.Err() == nil {
					return
				}
				s.log.Warn("realtime session dropped", "error", s.ai.Err())
				if !s.redial(ctx) {
					s.enterFailed(ctx, "reconnect")
					return
				}
				continue
			}
			s.handleAIEvent(ctx, evt)
			if s.errEvents >= s.cfg.MaxErrorEvents {
				s.log.Error("realtime error budget exhausted", "errors", s.errEvents)
				s.enterFailed(ctx, "errors")
				return
			}
		}
	}
}

// connect dials the AI leg with linear backoff between attempts.
func (s *Session) connect(ctx context.Context) (realtime.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		ai, err := s.client.Dial(dialCtx, s.cfg.Realtime)
		cancel()
		if err == nil {
			return ai, nil
		}
		lastErr = err
		s.log.Warn("realtime dial failed", "attempt", attempt, "error", err)
		if attempt == s.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * s.cfg.ConnectBackoff):
		}
	}
	return nil, fmt.Errorf("bridge: dial realtime endpoint after %d attempts: %w", s.cfg.ConnectAttempts, lastErr)
}

// redial replaces a dropped AI session mid-call. Each attempt waits the
// reconnect pause first; the session config is reused as-is.
func (s *Session) redial(ctx context.Context) bool {
	for s.reconnects < s.cfg.ConnectAttempts {
		s.reconnects++
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.ReconnectPause):
		}
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		ai, err := s.client.Dial(dialCtx, s.cfg.Realtime)
		cancel()
		if err == nil {
			s.ai = ai
			s.log.Info("realtime session reconnected", "attempt", s.reconnects)
			return true
		}
		s.log.Warn("realtime redial failed", "attempt", s.reconnects, "error", err)
	}
	return false
}

// greet injects the opening assistant turn when speakFirst was requested. It
// runs at most once per call, including across reconnects.
func (s *Session) greet() error {
	if !s.opts.SpeakFirst || s.spoke {
		return nil
	}
	s.spoke = true
	if s.opts.InitialMessage != "" {
		if err := s.ai.CreateAssistantMessage(s.opts.InitialMessage); err != nil {
			return err
		}
	}
	return s.ai.CreateResponse()
}

// readProvider pumps provider frames into out until the socket ends, then
// closes out.
func (s *Session) readProvider(ctx context.Context, out chan<- *Frame) {
	defer close(out)
	for {
		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("provider stream ended", "error", err)
			}
			return
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

// handleProviderFrame relays one provider frame. It reports true when the
// provider signalled the end of the stream.
func (s *Session) handleProviderFrame(f *Frame) bool {
	switch f.Event {
	case EventMedia:
		if f.Media == nil || f.Media.Track == TrackOutbound {
			return false
		}
		if s.State() == StateReady {
			s.setState(StateStreaming)
		}
		if err := s.ai.AppendAudio(f.Media.Payload); err != nil {
			s.log.Warn("append caller audio", "error", err)
		}
	case EventStop:
		return true
	case EventMark, EventConnected:
		// Playback acknowledgements and the handshake frame carry no audio.
	}
	return false
}

// handleAIEvent processes one event from the realtime peer.
func (s *Session) handleAIEvent(ctx context.Context, evt realtime.Event) {
	switch evt.Type {
	case realtime.EventSpeechStarted:
		s.turn.reset()
		s.turn.speechStart = s.now()

	case realtime.EventSpeechStopped:
		s.turn.speechStop = s.now()

	case realtime.EventInputCommitted:
		s.turn.committed = s.now()
		if err := s.ai.CreateResponse(); err != nil {
			s.log.Warn("request response", "error", err)
		}

	case realtime.EventResponseCreated:
		s.turn.responseCreated = s.now()

	case realtime.EventAudioDelta:
		now := s.now()
		if s.turn.firstAudio.IsZero() {
			s.turn.firstAudio = now
		}
		s.turn.lastAudio = now
		s.writeMedia(ctx, evt.AudioB64)

	case realtime.EventInputTranscriptDone:
		s.emitTranscript(ctx, store.RoleUser, evt)

	case realtime.EventOutputTranscriptDone:
		s.emitTranscript(ctx, store.RoleAssistant, evt)

	case realtime.EventResponseDone:
		s.finishTurn(ctx)

	case realtime.EventError:
		s.errEvents++
		s.log.Warn("realtime error event", "error", evt.ErrMsg, "count", s.errEvents)
	}
}

// writeMedia forwards one synthesised audio chunk to the provider, preserving
// arrival order.
func (s *Session) writeMedia(ctx context.Context, payload string) {
	err := s.conn.WriteFrame(ctx, &Frame{
		Event:     EventMedia,
		StreamSID: s.streamSID,
		Media:     &MediaFrame{Payload: payload},
	})
	if err != nil {
		s.log.Warn("forward audio to provider", "error", err)
	}
}

// finishTurn logs the latency breakdown of the completed turn, records the
// histograms, and resets the clock.
func (s *Session) finishTurn(ctx context.Context) {
	sum := s.turn.summary(s.now())
	s.log.Info("turn complete",
		"turn_total", sum.TurnTotal,
		"speech_to_commit", sum.SpeechToCommit,
		"response_creation", sum.ResponseCreation,
		"time_to_first_audio", sum.TimeToFirstAudio,
		"stream_duration", sum.StreamDuration,
	)
	if sum.TurnTotal > 0 {
		s.metrics.TurnDuration.Record(ctx, sum.TurnTotal.Seconds())
	}
	if sum.TimeToFirstAudio > 0 {
		s.metrics.TimeToFirstAudio.Record(ctx, sum.TimeToFirstAudio.Seconds())
	}
	if sum.StreamDuration > 0 {
		s.metrics.ResponseStreamDuration.Record(ctx, sum.StreamDuration.Seconds())
	}
	s.turn.reset()
}

// emitTranscript persists one utterance. The first persisted transcript also
// links the call to its lead. Writes survive context cancellation so the
// closing flush cannot lose entries.
func (s *Session) emitTranscript(ctx context.Context, role store.Role, evt realtime.Event) {
	if evt.Transcript == "" {
		return
	}
	entry := store.TranscriptEntry{
		CallSID:           s.callSID,
		Role:              role,
		Content:           evt.Transcript,
		ProviderMessageID: evt.ItemID,
		Timestamp:         s.now(),
	}
	if role == store.RoleAssistant {
		sum := s.turn.summary(s.now())
		entry.LatencyMetrics = map[string]any{
			"speechToCommitMs":   sum.SpeechToCommit.Milliseconds(),
			"timeToFirstAudioMs": sum.TimeToFirstAudio.Milliseconds(),
			"streamDurationMs":   sum.StreamDuration.Milliseconds(),
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TranscriptTimeout)
	defer cancel()

	if err := s.sink.AppendTranscript(writeCtx, entry); err != nil {
		s.log.Error("persist transcript", "role", string(role), "error", err)
		s.metrics.RecordBridgeError(ctx, "transcript")
		return
	}
	s.metrics.RecordTranscript(ctx, string(role))

	if !s.linked {
		s.linked = true
		if err := s.sink.LinkLead(writeCtx, s.callSID); err != nil {
			s.log.Error("link lead", "error", err)
		}
	}
}

// enterFailed plays the terminator marker so the caller hears the call wind
// down instead of dead air.
func (s *Session) enterFailed(ctx context.Context, stage string) {
	s.setState(StateFailed)
	s.metrics.RecordBridgeError(ctx, stage)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.conn.WriteFrame(writeCtx, &Frame{Event: EventClear, StreamSID: s.streamSID}); err != nil {
		s.log.Warn("send clear marker", "error", err)
		return
	}
	if err := s.conn.WriteFrame(writeCtx, &Frame{
		Event:     EventMark,
		StreamSID: s.streamSID,
		Mark:      &MarkFrame{Name: markCallFailed},
	}); err != nil {
		s.log.Warn("send failure marker", "error", err)
	}
}

// closeDown releases both legs. Transcript writes are synchronous, so there
// is nothing left to flush by the time this runs.
func (s *Session) closeDown() {
	s.setState(StateClosing)
	if s.ai != nil {
		_ = s.ai.Close()
	}
	_ = s.conn.Close()
	s.log.Info("session closed")
}
