// Package memq is an in-memory jobstore.Store with the same observable
// semantics as jobstore/redisq. It backs unit tests and single-process
// development runs where no Redis is available.
package memq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/relaydial/relaydial/internal/jobstore"
)

// Compile-time interface check.
var _ jobstore.Store = (*Queue)(nil)

const fetchPollInterval = 10 * time.Millisecond

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type repeatDef struct {
	Family      string
	Payload     []byte
	Priority    jobstore.Priority
	Pattern     string
	MaxAttempts int
	BackoffBase time.Duration
}

type record struct {
	job      jobstore.Job
	seq      int64
	lease    string
	deadline time.Time // lease deadline while active; finish time when done
	repeatID string
}

// Queue is an in-memory jobstore.Store. All methods are safe for concurrent
// use.
type Queue struct {
	mu        sync.Mutex
	jobs      map[string]*record
	seq       int64
	paused    bool
	cancelled map[string]bool
	repeats   map[string]repeatDef
	children  map[string]string // repeat id → pending child id
	lease     time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

// Option is a functional option for configuring a Queue.
type Option func(*Queue)

// WithLease overrides the active-job lease duration.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

// WithClock replaces the time source. Tests use this to drive delay and
// retention logic deterministically.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:      make(map[string]*record),
		cancelled: make(map[string]bool),
		repeats:   make(map[string]repeatDef),
		children:  make(map[string]string),
		lease:     jobstore.DefaultLease,
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue implements jobstore.Store.
func (q *Queue) Enqueue(ctx context.Context, family string, payload []byte, opts jobstore.Options) (string, error) {
	applyDefaults(&opts)

	if opts.RepeatPattern != "" {
		return q.registerRepeat(family, payload, opts)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(family, payload, opts, "")
}

func (q *Queue) insertLocked(family string, payload []byte, opts jobstore.Options, repeatID string) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.jobs[id]; exists {
		return id, nil // idempotent by job id
	}

	now := q.now()
	q.seq++
	state := jobstore.StateWaiting
	if opts.Delay > 0 {
		state = jobstore.StateDelayed
	}
	q.jobs[id] = &record{
		job: jobstore.Job{
			ID:            id,
			Family:        family,
			Payload:       append([]byte(nil), payload...),
			Priority:      opts.Priority,
			State:         state,
			MaxAttempts:   opts.MaxAttempts,
			BackoffBase:   opts.BackoffBase,
			RepeatPattern: opts.RepeatPattern,
			ScheduledAt:   now.Add(opts.Delay),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		seq:      q.seq,
		repeatID: repeatID,
	}
	return id, nil
}

func (q *Queue) registerRepeat(family string, payload []byte, opts jobstore.Options) (string, error) {
	sched, err := cronParser.Parse(opts.RepeatPattern)
	if err != nil {
		return "", fmt.Errorf("memq: repeat pattern %q: %w", opts.RepeatPattern, err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	def := repeatDef{
		Family:      family,
		Payload:     append([]byte(nil), payload...),
		Priority:    opts.Priority,
		Pattern:     opts.RepeatPattern,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
	}
	q.repeats[id] = def
	q.scheduleChildLocked(id, def, sched.Next(q.now()))
	return id, nil
}

func (q *Queue) scheduleChildLocked(repeatID string, def repeatDef, fireAt time.Time) {
	childID := fmt.Sprintf("%s:%d", repeatID, fireAt.UnixMilli())
	delay := fireAt.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	id, _ := q.insertLocked(def.Family, def.Payload, jobstore.Options{
		JobID:       childID,
		Priority:    def.Priority,
		Delay:       delay,
		MaxAttempts: def.MaxAttempts,
		BackoffBase: def.BackoffBase,
	}, repeatID)
	q.children[repeatID] = id
}

// BulkEnqueue implements jobstore.Store.
func (q *Queue) BulkEnqueue(ctx context.Context, reqs []jobstore.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for i := range reqs {
		applyDefaults(&reqs[i].Opts)
		if reqs[i].Opts.RepeatPattern != "" {
			return nil, errors.New("memq: bulk enqueue does not accept repeat patterns")
		}
		id := reqs[i].Opts.JobID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("memq: bulk enqueue: duplicate job id %q", id)
		}
		if _, exists := q.jobs[id]; exists {
			return nil, fmt.Errorf("memq: bulk enqueue: job %q already exists", id)
		}
		seen[id] = true
		ids[i] = id
	}

	// All validated; insertion below cannot fail, so the batch is atomic.
	for i, req := range reqs {
		req.Opts.JobID = ids[i]
		if _, err := q.insertLocked(req.Family, req.Payload, req.Opts, ""); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func applyDefaults(opts *jobstore.Options) {
	if opts.Priority == 0 {
		opts.Priority = jobstore.PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = jobstore.DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = jobstore.DefaultBackoffBase
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
}

// Get implements jobstore.Store.
func (q *Queue) Get(ctx context.Context, jobID string) (*jobstore.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	j := rec.job
	return &j, nil
}

// Cancel implements jobstore.Store.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.job.State == jobstore.StateActive {
		q.cancelled[jobID] = true
		return jobstore.ErrActive
	}
	delete(q.jobs, jobID)
	return nil
}

// Cancelled implements jobstore.Store.
func (q *Queue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[jobID], nil
}

// Retry implements jobstore.Store.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return jobstore.ErrNotFound
	}
	if rec.job.State != jobstore.StateFailed {
		return jobstore.ErrNotFailed
	}
	rec.job.State = jobstore.StateWaiting
	rec.job.AttemptsMade--
	rec.job.UpdatedAt = q.now()
	q.seq++
	rec.seq = q.seq
	return nil
}

// List implements jobstore.Store.
func (q *Queue) List(ctx context.Context, state jobstore.State, offset, limit int64) ([]*jobstore.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var recs []*record
	for _, rec := range q.jobs {
		if rec.job.State == state {
			recs = append(recs, rec)
		}
	}
	// Newest first.
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			if recs[j].seq > recs[i].seq {
				recs[i], recs[j] = recs[j], recs[i]
			}
		}
	}

	var out []*jobstore.Job
	for i := offset; i < int64(len(recs)) && int64(len(out)) < limit; i++ {
		j := recs[i].job
		out = append(out, &j)
	}
	return out, nil
}

// Stats implements jobstore.Store.
func (q *Queue) Stats(ctx context.Context) (jobstore.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s jobstore.Stats
	for _, rec := range q.jobs {
		switch rec.job.State {
		case jobstore.StateWaiting:
			s.Waiting++
		case jobstore.StateDelayed:
			s.Delayed++
		case jobstore.StateActive:
			s.Active++
		case jobstore.StateCompleted:
			s.Completed++
		case jobstore.StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Clean implements jobstore.Store.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int64, state jobstore.State) ([]string, error) {
	if state != jobstore.StateCompleted && state != jobstore.StateFailed {
		return nil, fmt.Errorf("memq: clean: state %q is not cleanable", state)
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := q.now().Add(-grace)

	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted []string
	for id, rec := range q.jobs {
		if int64(len(evicted)) >= limit {
			break
		}
		if rec.job.State == state && rec.deadline.Before(cutoff) {
			delete(q.jobs, id)
			evicted = append(evicted, id)
		}
	}
	return evicted, nil
}

// Pause implements jobstore.Store.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

// Resume implements jobstore.Store.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

// Fetch implements jobstore.Store.
func (q *Queue) Fetch(ctx context.Context) (*jobstore.Lease, error) {
	ticker := time.NewTicker(fetchPollInterval)
	defer ticker.Stop()
	for {
		if lease := q.tryFetch(); lease != nil {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryFetch() *jobstore.Lease {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	// Promote due delayed jobs and reap expired leases.
	for _, rec := range q.jobs {
		switch rec.job.State {
		case jobstore.StateDelayed:
			if !rec.job.ScheduledAt.After(now) {
				rec.job.State = jobstore.StateWaiting
				rec.job.UpdatedAt = now
				q.seq++
				rec.seq = q.seq
			}
		case jobstore.StateActive:
			if rec.deadline.Before(now) {
				rec.job.State = jobstore.StateWaiting
				rec.job.UpdatedAt = now
				rec.lease = ""
				q.seq++
				rec.seq = q.seq
			}
		}
	}

	if q.paused {
		return nil
	}

	// Pop the waiting job with the best (priority, seq) pair.
	var best *record
	for _, rec := range q.jobs {
		if rec.job.State != jobstore.StateWaiting {
			continue
		}
		if best == nil || rec.job.Priority < best.job.Priority ||
			(rec.job.Priority == best.job.Priority && rec.seq < best.seq) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}

	best.job.State = jobstore.StateActive
	best.job.AttemptsMade++
	best.job.UpdatedAt = now
	best.lease = uuid.NewString()
	best.deadline = now.Add(q.lease)

	if best.repeatID != "" {
		if def, ok := q.repeats[best.repeatID]; ok {
			if sched, err := cronParser.Parse(def.Pattern); err == nil {
				q.scheduleChildLocked(best.repeatID, def, sched.Next(now))
			}
		}
	}

	j := best.job
	return &jobstore.Lease{Job: &j, Token: best.lease}
}

// Heartbeat implements jobstore.Store.
func (q *Queue) Heartbeat(ctx context.Context, lease *jobstore.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[lease.Job.ID]
	if !ok || rec.lease != lease.Token {
		return jobstore.ErrNotFound
	}
	rec.deadline = q.now().Add(q.lease)
	rec.job.UpdatedAt = q.now()
	return nil
}

// Ack implements jobstore.Store.
func (q *Queue) Ack(ctx context.Context, lease *jobstore.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[lease.Job.ID]
	if !ok || rec.lease != lease.Token {
		return jobstore.ErrNotFound
	}
	rec.job.State = jobstore.StateCompleted
	rec.job.Progress = 100
	rec.job.UpdatedAt = q.now()
	rec.deadline = q.now()
	rec.lease = ""
	delete(q.cancelled, lease.Job.ID)
	return nil
}

// Fail implements jobstore.Store.
func (q *Queue) Fail(ctx context.Context, lease *jobstore.Lease, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[lease.Job.ID]
	if !ok || rec.lease != lease.Token {
		return jobstore.ErrNotFound
	}
	now := q.now()
	rec.job.LastError = errMsg
	rec.job.UpdatedAt = now
	rec.lease = ""
	if rec.job.AttemptsMade < rec.job.MaxAttempts {
		rec.job.State = jobstore.StateDelayed
		rec.job.ScheduledAt = now.Add(jobstore.Backoff(rec.job.BackoffBase, rec.job.AttemptsMade))
	} else {
		rec.job.State = jobstore.StateFailed
		rec.deadline = now
		delete(q.cancelled, lease.Job.ID)
	}
	return nil
}

// Repeats implements jobstore.Store.
func (q *Queue) Repeats(ctx context.Context) ([]jobstore.RepeatSchedule, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobstore.RepeatSchedule, 0, len(q.repeats))
	for id, def := range q.repeats {
		rs := jobstore.RepeatSchedule{JobID: id, Family: def.Family, Pattern: def.Pattern}
		if sched, err := cronParser.Parse(def.Pattern); err == nil {
			rs.NextRun = sched.Next(q.now())
		}
		out = append(out, rs)
	}
	return out, nil
}

// RemoveRepeat implements jobstore.Store.
func (q *Queue) RemoveRepeat(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.repeats[jobID]; !ok {
		return jobstore.ErrNotFound
	}
	delete(q.repeats, jobID)
	if childID, ok := q.children[jobID]; ok {
		if rec, ok := q.jobs[childID]; ok && rec.job.State != jobstore.StateActive {
			delete(q.jobs, childID)
		}
		delete(q.children, jobID)
	}
	return nil
}

// Close implements jobstore.Store.
func (q *Queue) Close() error { return nil }
