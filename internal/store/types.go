package store

import "time"

// LeadStatus is the lifecycle status of a lead.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadConverted LeadStatus = "converted"
	LeadLost      LeadStatus = "lost"
)

// IsValid reports whether s is a recognised lead status.
func (s LeadStatus) IsValid() bool {
	switch s {
	case LeadNew, LeadContacted, LeadQualified, LeadConverted, LeadLost:
		return true
	}
	return false
}

// LeadPriority is the outreach priority of a lead.
type LeadPriority string

const (
	LeadPriorityLow    LeadPriority = "low"
	LeadPriorityMedium LeadPriority = "medium"
	LeadPriorityHigh   LeadPriority = "high"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Lead is one contact record. CallSID, when set, is the most recent outbound
// call placed to this lead; it is unique across leads.
type Lead struct {
	ID              int64
	Name            string
	Email           string
	Phone           string
	Company         string
	Source          string
	Status          LeadStatus
	Priority        LeadPriority
	Notes           string
	Metadata        map[string]any
	CallSID         string
	LastContactedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CallEvent is the single row per call, keyed by the unique call SID. Late
// webhooks merge non-null fields and never regress a terminal status.
type CallEvent struct {
	CallSID      string
	Status       string
	Direction    string
	FromNumber   string
	ToNumber     string
	Duration     int // seconds, billing duration
	CallDuration int // seconds, talk time
	RecordingURL string
	RecordingSID string
	LastEventAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TranscriptEntry is one utterance within a call. Entries for a call form a
// timestamp-ordered sequence; a provider message id, when present, dedupes
// retransmissions.
type TranscriptEntry struct {
	ID                int64
	CallSID           string
	Role              Role
	Content           string
	ProviderMessageID string
	Timestamp         time.Time
	LatencyMetrics    map[string]any
}

// CallRecording is the per-call recording descriptor. At most one completed
// recording exists per call.
type CallRecording struct {
	ID           int64
	CallSID      string
	RecordingSID string
	StoragePath  string
	Duration     int // seconds
	Size         int64
	Status       string
	CreatedAt    time.Time
}

// terminalCallStatuses are the call statuses that can never be superseded.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"canceled":  true,
	"no-answer": true,
	"busy":      true,
}

// IsTerminalCallStatus reports whether status is terminal.
func IsTerminalCallStatus(status string) bool {
	return terminalCallStatuses[status]
}
