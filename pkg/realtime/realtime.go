// Package realtime defines the client contract for an AI realtime voice
// endpoint: a bidirectional WebSocket carrying JSON events with base64 audio
// payloads. The media bridge relays provider audio into the session and plays
// the synthesised audio deltas back, forwarding payloads verbatim in both
// directions.
package realtime

import (
	"context"
	"time"
)

// EventType enumerates the server events the bridge consumes.
type EventType string

const (
	EventSessionCreated        EventType = "session.created"
	EventSessionUpdated        EventType = "session.updated"
	EventSpeechStarted         EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped         EventType = "input_audio_buffer.speech_stopped"
	EventInputCommitted        EventType = "input_audio_buffer.committed"
	EventInputTranscriptDone   EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated       EventType = "response.created"
	EventAudioDelta            EventType = "response.audio.delta"
	EventAudioDone             EventType = "response.audio.done"
	EventOutputTranscriptDone  EventType = "response.audio_transcript.done"
	EventResponseDone          EventType = "response.done"
	EventError                 EventType = "error"
)

// Event is one server event from the realtime peer. Only the fields relevant
// to the event type are populated.
type Event struct {
	Type EventType

	// AudioB64 is the base64 μ-law payload of an audio delta, passed through
	// verbatim.
	AudioB64 string

	// Transcript is the final text of a transcription-completed event.
	Transcript string

	// ItemID is the provider message id associated with the event, when the
	// peer supplies one.
	ItemID string

	// ErrMsg describes an error event.
	ErrMsg string
}

// SessionConfig is sent as the session-configuration message immediately
// after connecting.
type SessionConfig struct {
	// Voice is the synthesised voice identifier.
	Voice string

	// Instructions is the system prompt for the agent.
	Instructions string

	// AudioFormat is the codec for both input and output audio
	// (e.g. "g711_ulaw").
	AudioFormat string

	// Server-side voice-activity turn detection parameters.
	VADThreshold  float64
	VADPrefix     time.Duration
	VADSilence    time.Duration

	// MaxResponseTokens bounds each model response. Zero means the client
	// default.
	MaxResponseTokens int
}

// Session is one live realtime connection. Events are delivered in arrival
// order on the Events channel, which is closed when the connection ends;
// after it closes, Err reports nil for a normal closure and the transport
// error otherwise.
type Session interface {
	// Events returns the server event stream.
	Events() <-chan Event

	// AppendAudio forwards one base64 audio payload into the input buffer.
	AppendAudio(b64 string) error

	// CreateAssistantMessage injects a synthetic assistant conversation item,
	// used to make the agent speak first.
	CreateAssistantMessage(text string) error

	// CreateResponse asks the peer to generate the next response.
	CreateResponse() error

	// Err returns the error that terminated the session, or nil after a
	// normal closure. Valid once Events is closed.
	Err() error

	// Close terminates the session with a normal closure. Idempotent.
	Close() error
}

// Client dials realtime sessions. Implementations must be safe for concurrent
// use.
type Client interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}
