// Package jobstore defines the durable job queue contract used by the call
// orchestration engine: priority and delayed dispatch, repeat (cron) patterns,
// leases with crash recovery, exponential-backoff retries, atomic bulk
// insertion, and retention sweeps.
//
// Two implementations exist: jobstore/redisq (Redis-backed, production) and
// jobstore/memq (in-memory, tests and single-process development). Both
// satisfy [Store] with identical observable semantics.
package jobstore

import (
	"context"
	"errors"
	"time"
)

// Family names the two job kinds processed by the worker pool.
const (
	FamilyPlaceCall = "place-call"
	FamilyRefill    = "refill-from-leads"
)

// Priority tiers. Lower values dispatch first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// IsValid reports whether p is a recognised priority tier.
func (p Priority) IsValid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority maps the public tier names onto [Priority] values.
// Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Defaults applied by implementations when the corresponding option is zero.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
	DefaultLease       = 30 * time.Second

	// Retention sweep defaults.
	DefaultCompletedAge   = 7 * 24 * time.Hour
	DefaultCompletedCount = 1000
	DefaultFailedAge      = 30 * 24 * time.Hour
)

// Sentinel errors shared by implementations.
var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("jobstore: job not found")

	// ErrActive is returned when an operation requires a non-active job.
	ErrActive = errors.New("jobstore: job is active")

	// ErrNotFailed is returned by Retry when the job is not in the failed state.
	ErrNotFailed = errors.New("jobstore: job is not failed")

	// ErrPaused is returned by Fetch when dispatch is paused and no wait is
	// requested.
	ErrPaused = errors.New("jobstore: dispatch paused")
)

// Options configures a single enqueue.
type Options struct {
	// JobID is an idempotency key. Enqueueing the same id twice yields a
	// single job. Empty means a fresh id is generated.
	JobID string

	// Priority tier; zero means PriorityNormal.
	Priority Priority

	// Delay postpones dispatch. Zero means immediately eligible.
	Delay time.Duration

	// RepeatPattern is a cron expression. When set, dispatching the job also
	// schedules a delayed child at the next fire time.
	RepeatPattern string

	// MaxAttempts caps retries; zero means DefaultMaxAttempts.
	MaxAttempts int

	// BackoffBase is the initial retry delay, doubled per attempt; zero means
	// DefaultBackoffBase.
	BackoffBase time.Duration
}

// Request pairs a job family and payload with its enqueue options, for bulk
// insertion.
type Request struct {
	Family  string
	Payload []byte
	Opts    Options
}

// Job is the stored representation of a unit of work.
type Job struct {
	ID            string
	Family        string
	Payload       []byte
	Priority      Priority
	State         State
	AttemptsMade  int
	MaxAttempts   int
	BackoffBase   time.Duration
	RepeatPattern string
	ScheduledAt   time.Time // dispatch eligibility for delayed jobs
	LastError     string
	Progress      int // 0 while in flight, 100 once completed
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stats reports per-state job counts.
type Stats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Lease identifies one active assignment of a job to a consumer. The token is
// opaque; Ack, Fail and Heartbeat reject stale tokens from expired leases.
type Lease struct {
	Job   *Job
	Token string
}

// RepeatSchedule describes one registered cron repeat.
type RepeatSchedule struct {
	JobID   string
	Family  string
	Pattern string
	NextRun time.Time
}

// Store is the durable queue contract. All methods are safe for concurrent
// use. Job state held by the store is the source of truth; implementations
// must not rely on in-memory bookkeeping surviving a crash.
type Store interface {
	// Enqueue inserts one job and returns its id. Idempotent per Options.JobID.
	Enqueue(ctx context.Context, family string, payload []byte, opts Options) (string, error)

	// BulkEnqueue atomically inserts all requests, or none of them.
	BulkEnqueue(ctx context.Context, reqs []Request) ([]string, error)

	// Get returns the current job record.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Cancel removes a waiting or delayed job. For an active job it signals
	// cooperative cancellation (best effort) and returns ErrActive.
	Cancel(ctx context.Context, jobID string) error

	// Cancelled reports whether cancellation has been requested for jobID.
	// Workers poll this between external calls.
	Cancelled(ctx context.Context, jobID string) (bool, error)

	// Retry requeues a failed job as waiting, granting one more pass.
	Retry(ctx context.Context, jobID string) error

	// List returns jobs in the given state, newest first, within [offset,
	// offset+limit).
	List(ctx context.Context, state State, offset, limit int64) ([]*Job, error)

	// Stats returns per-state counts.
	Stats(ctx context.Context) (Stats, error)

	// Clean evicts completed or failed jobs older than grace, at most limit
	// of them, and returns the evicted ids.
	Clean(ctx context.Context, grace time.Duration, limit int64, state State) ([]string, error)

	// Pause stops dispatch; active jobs run to completion.
	Pause(ctx context.Context) error

	// Resume re-enables dispatch.
	Resume(ctx context.Context) error

	// Fetch blocks until a job is ready (or ctx is done), moves it to active
	// under a lease, and returns it. Promotion of due delayed jobs and reaping
	// of expired leases happen as part of the fetch cycle.
	Fetch(ctx context.Context) (*Lease, error)

	// Heartbeat extends the lease of a running job.
	Heartbeat(ctx context.Context, lease *Lease) error

	// Ack marks the leased job completed.
	Ack(ctx context.Context, lease *Lease) error

	// Fail records a failed attempt. The job moves to delayed (backoff) while
	// attempts remain, otherwise to failed with errMsg recorded.
	Fail(ctx context.Context, lease *Lease, errMsg string) error

	// Repeats lists registered cron repeats.
	Repeats(ctx context.Context) ([]RepeatSchedule, error)

	// RemoveRepeat deletes a repeat registration and its pending child.
	RemoveRepeat(ctx context.Context, jobID string) error

	// Close releases the store's resources.
	Close() error
}

// Backoff returns the retry delay before attempt number attempt (1-based),
// following delay = base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
