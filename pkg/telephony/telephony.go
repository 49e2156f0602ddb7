// Package telephony defines the provider-agnostic voice gateway contract:
// initiating outbound calls, validating status and recording webhooks, and
// rendering the answer document that instructs the provider to open a
// bidirectional media stream.
package telephony

import (
	"context"
	"time"
)

// CallStatus is the provider-reported lifecycle status of a call.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusBusy       CallStatus = "busy"
)

// IsTerminal reports whether s can never be superseded by a later status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}

// InitiateRequest describes one outbound call to place.
type InitiateRequest struct {
	// To is the destination number in E.164 form.
	To string

	// From is the caller id; empty means the gateway's configured number.
	From string

	// AnswerURL is fetched by the provider when the call is answered; it must
	// return the answer document produced by [Gateway.RenderAnswer].
	AnswerURL string

	// StatusCallbackURL receives status webhooks for the call.
	StatusCallbackURL string

	// RecordingCallbackURL receives recording webhooks when Record is set.
	RecordingCallbackURL string

	// Record enables dual-channel call recording.
	Record bool

	// Timeout is how long the provider lets the call ring before giving up.
	Timeout time.Duration
}

// InitiateResult is the provider's acknowledgement of a placed call.
type InitiateResult struct {
	CallSID string
	Status  CallStatus
}

// StatusEvent is a validated status webhook.
type StatusEvent struct {
	CallSID      string
	Status       CallStatus
	Direction    string
	From         string
	To           string
	Duration     int // seconds, billing duration
	CallDuration int // seconds, talk time
	RecordingURL string
	RecordingSID string
	Timestamp    time.Time
}

// RecordingEvent is a validated recording webhook.
type RecordingEvent struct {
	CallSID      string
	RecordingSID string
	Status       string // only "completed" triggers processing
	Duration     int    // seconds
	Channels     int
	Source       string
	RecordingURL string
}

// AnswerOptions carries per-call options into the answer document's media
// stream URL.
type AnswerOptions struct {
	// SpeakFirst makes the AI agent open the conversation.
	SpeakFirst bool

	// InitialMessage is the text the agent opens with when SpeakFirst is set.
	InitialMessage string
}

// Gateway is the voice-provider adapter. Implementations must be safe for
// concurrent use.
type Gateway interface {
	// InitiateCall places an outbound call and returns the provider call SID.
	InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error)

	// RenderAnswer produces the answer document (TwiML-like XML) directing the
	// provider to open a media stream to mediaStreamURL. Deterministic for a
	// given input.
	RenderAnswer(mediaStreamURL string, opts AnswerOptions) ([]byte, error)
}
