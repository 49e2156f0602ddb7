package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// PlaceCallMetadata carries per-call bridge options and scheduling
// provenance.
type PlaceCallMetadata struct {
	// SpeakFirst makes the AI agent open the conversation.
	SpeakFirst bool `json:"speakFirst,omitempty"`

	// InitialMessage is the opening line when SpeakFirst is set.
	InitialMessage string `json:"initialMessage,omitempty"`

	// AutomationRun marks jobs enqueued by a lead-store refill.
	AutomationRun bool `json:"automationRun,omitempty"`

	// ScheduledAt is when the refill scheduled this call.
	ScheduledAt time.Time `json:"scheduledAt,omitempty"`
}

// PlaceCallPayload is the payload of a place-call job.
type PlaceCallPayload struct {
	// To is the destination number. Required.
	To string `json:"to"`

	// Message is the agent's instruction/opening context for the call.
	Message string `json:"message,omitempty"`

	// LeadID ties the call back to a lead; zero means no lead.
	LeadID int64 `json:"leadId,omitempty"`

	// Metadata holds bridge options.
	Metadata PlaceCallMetadata `json:"metadata,omitempty"`
}

// Validate checks the payload for required fields.
func (p *PlaceCallPayload) Validate() error {
	if p.To == "" {
		return fmt.Errorf("worker: place-call payload: missing 'to'")
	}
	return nil
}

// PlaceCallResult reports a successfully initiated call.
type PlaceCallResult struct {
	CallSID        string `json:"callSid"`
	To             string `json:"to"`
	ProviderStatus string `json:"providerStatus"`
}

// RefillPayload is the payload of a refill-from-leads job.
type RefillPayload struct {
	// Message is passed through to each scheduled place-call job.
	Message string `json:"message,omitempty"`

	// Priority is the tier name for the scheduled calls ("high", "normal",
	// "low").
	Priority string `json:"priority,omitempty"`

	// LeadLimit caps how many leads are pulled from the store. Zero schedules
	// nothing.
	LeadLimit int `json:"leadLimit"`
}

// RefillResult reports how many calls a refill scheduled.
type RefillResult struct {
	Scheduled int      `json:"scheduled"`
	JobIDs    []string `json:"jobIds"`
}

// MustJSON marshals v, panicking on failure. Payload types above contain no
// unmarshalable values.
func MustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("worker: marshal payload: " + err.Error())
	}
	return raw
}
