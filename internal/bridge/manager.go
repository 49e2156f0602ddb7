// Package bridge runs the per-call media sessions: each provider media
// stream is paired with an AI realtime session and the two are relayed in
// both directions, with transcripts persisted as they arrive. A Manager owns
// the live sessions, keyed by call SID; each session is driven by the single
// goroutine that accepted its stream.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaydial/relaydial/internal/observe"
	"github.com/relaydial/relaydial/pkg/realtime"
)

// startTimeout bounds how long a freshly accepted media socket may take to
// deliver its start frame.
const startTimeout = 10 * time.Second

// Config tunes bridge sessions.
type Config struct {
	// Realtime is the session configuration sent to the AI peer. Audio format
	// and voice-activity parameters default to telephony values.
	Realtime realtime.SessionConfig

	// ConnectAttempts is the dial budget, both for the initial connect and
	// for mid-call reconnects. Default 3.
	ConnectAttempts int

	// ConnectTimeout bounds each individual dial attempt. Default 10s.
	ConnectTimeout time.Duration

	// ConnectBackoff is the linear backoff unit between initial dial
	// attempts: attempt n waits n times this. Default 1s.
	ConnectBackoff time.Duration

	// ReconnectPause is the wait before each mid-call redial. Default 2s.
	ReconnectPause time.Duration

	// MaxErrorEvents is how many AI error events a session tolerates before
	// giving up. Default 5.
	MaxErrorEvents int

	// TranscriptTimeout bounds each transcript write. Default 5s.
	TranscriptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	if c.ReconnectPause <= 0 {
		c.ReconnectPause = 2 * time.Second
	}
	if c.MaxErrorEvents <= 0 {
		c.MaxErrorEvents = 5
	}
	if c.TranscriptTimeout <= 0 {
		c.TranscriptTimeout = 5 * time.Second
	}
	if c.Realtime.AudioFormat == "" {
		c.Realtime.AudioFormat = "g711_ulaw"
	}
	if c.Realtime.VADThreshold == 0 {
		c.Realtime.VADThreshold = 0.5
	}
	if c.Realtime.VADPrefix == 0 {
		c.Realtime.VADPrefix = 300 * time.Millisecond
	}
	if c.Realtime.VADSilence == 0 {
		c.Realtime.VADSilence = 500 * time.Millisecond
	}
}

// Manager accepts provider media streams and runs one Session per call.
type Manager struct {
	cfg     Config
	client  realtime.Client
	sink    TranscriptSink
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager. The client dials the AI leg of every session
// and the sink receives every transcript entry.
func NewManager(cfg Config, client realtime.Client, sink TranscriptSink, metrics *observe.Metrics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		client:   client,
		sink:     sink,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// HandleStream owns conn for the lifetime of one media stream: it waits for
// the start frame, registers the session, and runs it to completion. It
// blocks until the session ends and always closes conn.
func (m *Manager) HandleStream(ctx context.Context, conn MediaConn, opts StreamOptions) error {
	start, err := awaitStart(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s := newSession(m.cfg, conn, m.client, m.sink, m.metrics, start, opts)
	if err := m.register(s); err != nil {
		_ = conn.Close()
		return err
	}
	defer m.deregister(s.callSID)

	m.metrics.ActiveSessions.Add(ctx, 1)
	defer m.metrics.ActiveSessions.Add(ctx, -1)

	s.run(ctx)
	return nil
}

// Session returns the live session for a call SID, or nil.
func (m *Manager) Session(callSID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callSID]
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes the provider leg of every live session, letting each run
// loop unwind through its normal closing path. New streams are refused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]MediaConn, 0, len(m.sessions))
	for _, s := range m.sessions {
		conns = append(conns, s.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bridge: manager is shut down")
	}
	if _, ok := m.sessions[s.callSID]; ok {
		return fmt.Errorf("bridge: session for call %s already exists", s.callSID)
	}
	m.sessions[s.callSID] = s
	return nil
}

func (m *Manager) deregister(callSID string) {
	m.mu.Lock()
	delete(m.sessions, callSID)
	m.mu.Unlock()
}

// awaitStart reads frames until the provider announces the stream. The
// handshake "connected" frame is skipped; anything else before start is a
// protocol violation.
func awaitStart(ctx context.Context, conn MediaConn) (*StartFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("bridge: await start frame: %w", err)
		}
		switch f.Event {
		case EventConnected:
			continue
		case EventStart:
			if f.Start == nil || f.Start.CallSID == "" {
				return nil, fmt.Errorf("bridge: start frame missing call sid")
			}
			return f.Start, nil
		default:
			return nil, fmt.Errorf("bridge: unexpected %q frame before start", f.Event)
		}
	}
}
