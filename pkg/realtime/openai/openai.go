// Package openai implements the realtime.Client interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio payloads are base64 strings passed through without re-encoding; turn
// taking uses server-side voice-activity detection configured in the
// session.update message.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/relaydial/relaydial/pkg/realtime"
)

// Compile-time assertions that Client and session satisfy the realtime
// interfaces.
var _ realtime.Client = (*Client)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements realtime.Client for OpenAI's Realtime API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial establishes a new realtime session. The returned Session is ready to
// accept audio immediately after the session.update message is sent.
func (c *Client) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string          `json:"modalities"`
	Voice              string            `json:"voice,omitempty"`
	Instructions       string            `json:"instructions,omitempty"`
	InputAudioFormat   string            `json:"input_audio_format"`
	OutputAudioFormat  string            `json:"output_audio_format"`
	TurnDetection      *turnDetection    `json:"turn_detection,omitempty"`
	InputTranscription *transcriptionCfg `json:"input_audio_transcription,omitempty"`
	MaxOutputTokens    int               `json:"max_response_output_tokens,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 audio payload
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// id of the conversation item the event belongs to
	ItemID string `json:"item_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event configuring modalities,
// voice, audio formats, server VAD and input transcription.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	format := cfg.AudioFormat
	if format == "" {
		format = "g711_ulaw"
	}
	params := sessionParams{
		Modalities:         []string{"text", "audio"},
		Voice:              cfg.Voice,
		Instructions:       cfg.Instructions,
		InputAudioFormat:   format,
		OutputAudioFormat:  format,
		InputTranscription: &transcriptionCfg{Model: "whisper-1"},
		MaxOutputTokens:    cfg.MaxResponseTokens,
	}
	if cfg.VADThreshold > 0 {
		params.TurnDetection = &turnDetection{
			Type:              "server_vad",
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   int(cfg.VADPrefix.Milliseconds()),
			SilenceDurationMs: int(cfg.VADSilence.Milliseconds()),
		}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// A normal peer closure is not an error condition.
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	out := realtime.Event{Type: realtime.EventType(evt.Type), ItemID: evt.ItemID}

	switch out.Type {
	case realtime.EventAudioDelta:
		if evt.Delta == "" {
			return
		}
		out.AudioB64 = evt.Delta

	case realtime.EventInputTranscriptDone, realtime.EventOutputTranscriptDone:
		if evt.Transcript == "" {
			return
		}
		out.Transcript = evt.Transcript

	case realtime.EventError:
		out.ErrMsg = "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			out.ErrMsg = evt.Error.Message
		}

	case realtime.EventSessionCreated, realtime.EventSessionUpdated,
		realtime.EventSpeechStarted, realtime.EventSpeechStopped,
		realtime.EventInputCommitted, realtime.EventResponseCreated,
		realtime.EventAudioDone, realtime.EventResponseDone:
		// No payload beyond the type itself.

	default:
		return // event types the bridge does not consume
	}

	select {
	case s.events <- out:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Events returns the server event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// AppendAudio forwards one base64 audio payload to the input buffer.
func (s *session) AppendAudio(b64 string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai realtime: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: b64,
	})
}

// CreateAssistantMessage injects a synthetic assistant conversation item.
func (s *session) CreateAssistantMessage(text string) error {
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "assistant",
			Content: []conversationPart{
				{Type: "text", Text: text},
			},
		},
	})
}

// CreateResponse asks the peer to generate the next response.
func (s *session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Err returns the error that terminated the session, or nil after a normal
// closure.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session with a normal closure. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
