// Package redisq implements the jobstore.Store contract on Redis.
//
// Layout (all keys share the "relaydial:<stream>:" prefix):
//
//	job:<id>    hash with the job record
//	seq         monotonic counter used for FIFO tie-breaking
//	waiting     zset, score = priority·2^40 + seq
//	delayed     zset, score = scheduled-at unix-ms
//	active      zset, score = lease deadline unix-ms
//	completed   zset, score = finished-at unix-ms
//	failed      zset, score = finished-at unix-ms
//	paused      flag key; present while dispatch is paused
//	cancelled   set of job ids with a pending cooperative cancel
//	repeats     hash repeat-id → JSON repeat definition
//	repeatchild hash repeat-id → id of the pending delayed child
//
// Every multi-key state transition runs as a Lua script so that a crashed
// consumer can never leave a job in two states at once, and bulk enqueue is a
// single script for all-or-nothing visibility.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/relaydial/relaydial/internal/jobstore"
)

// Compile-time interface check.
var _ jobstore.Store = (*Queue)(nil)

// priorityStride separates priority bands in the waiting zset score. 2^40
// leaves room for ~10^12 sequence numbers per band.
const priorityStride = float64(1 << 40)

// fetchPollInterval bounds how long Fetch sleeps between dispatch attempts
// when the queue is empty or paused.
const fetchPollInterval = 250 * time.Millisecond

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Option is a functional option for configuring a Queue.
type Option func(*Queue)

// WithLease overrides the active-job lease duration.
func WithLease(d time.Duration) Option {
	return func(q *Queue) { q.lease = d }
}

// WithRetention overrides the retention sweep policy.
func WithRetention(completedAge time.Duration, completedCount int64, failedAge time.Duration) Option {
	return func(q *Queue) {
		q.completedAge = completedAge
		q.completedCount = completedCount
		q.failedAge = failedAge
	}
}

// Queue is a Redis-backed jobstore.Store. All methods are safe for concurrent
// use; the Redis scripts serialise state transitions.
type Queue struct {
	rdb    redis.UniversalClient
	prefix string

	lease          time.Duration
	completedAge   time.Duration
	completedCount int64
	failedAge      time.Duration

	sweepDone chan struct{}
	sweepStop chan struct{}
}

// New creates a Queue over rdb for the named stream and starts the background
// retention sweeper.
func New(rdb redis.UniversalClient, stream string, opts ...Option) *Queue {
	q := &Queue{
		rdb:            rdb,
		prefix:         "relaydial:" + stream + ":",
		lease:          jobstore.DefaultLease,
		completedAge:   jobstore.DefaultCompletedAge,
		completedCount: jobstore.DefaultCompletedCount,
		failedAge:      jobstore.DefaultFailedAge,
		sweepDone:      make(chan struct{}),
		sweepStop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.sweepLoop()
	return q
}

func (q *Queue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job:", id) }

// waitingScore computes the waiting zset score for a priority and sequence
// number. Lower scores dispatch first; equal priorities break by sequence.
func waitingScore(p jobstore.Priority, seq int64) float64 {
	return float64(p)*priorityStride + float64(seq)
}

// ── Lua scripts ────────────────────────────────────────────────────────────────

// enqueueScript inserts a job unless the id already exists.
// KEYS: job, waiting, delayed
// ARGV: id, family, payload, priority, maxAttempts, backoffMs, repeat,
//
//	scheduledAtMs, nowMs, waitingScore, delayed(0|1)
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'family', ARGV[2], 'payload', ARGV[3],
  'priority', ARGV[4], 'max_attempts', ARGV[5], 'backoff_ms', ARGV[6],
  'repeat', ARGV[7], 'scheduled_at_ms', ARGV[8],
  'attempts', 0, 'progress', 0, 'last_error', '',
  'created_at_ms', ARGV[9], 'updated_at_ms', ARGV[9])
if ARGV[11] == '1' then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('ZADD', KEYS[2], ARGV[10], ARGV[1])
end
return 1
`)

// bulkEnqueueScript inserts a batch of jobs all-or-nothing. The id existence
// check and the inserts run in one script, so concurrent callers sharing a
// caller-supplied id cannot both win. Returns the first clashing id, or an
// empty string when the whole batch was written.
// KEYS: waiting, delayed
// ARGV: jobPrefix, nowMs, n, then per job:
//
//	id, family, payload, priority, maxAttempts, backoffMs, scheduledAtMs,
//	delayed(0|1), waitingScore
var bulkEnqueueScript = redis.NewScript(`
local prefix = ARGV[1]
local n = tonumber(ARGV[3])
for i = 0, n - 1 do
  if redis.call('EXISTS', prefix .. ARGV[4 + i * 9]) == 1 then
    return ARGV[4 + i * 9]
  end
end
for i = 0, n - 1 do
  local off = 4 + i * 9
  local id = ARGV[off]
  local jk = prefix .. id
  redis.call('HSET', jk,
    'id', id, 'family', ARGV[off + 1], 'payload', ARGV[off + 2],
    'priority', ARGV[off + 3], 'max_attempts', ARGV[off + 4],
    'backoff_ms', ARGV[off + 5], 'repeat', '',
    'scheduled_at_ms', ARGV[off + 6],
    'attempts', 0, 'progress', 0, 'last_error', '',
    'created_at_ms', ARGV[2], 'updated_at_ms', ARGV[2])
  if ARGV[off + 7] == '1' then
    redis.call('HSET', jk, 'state', 'delayed')
    redis.call('ZADD', KEYS[2], ARGV[off + 6], id)
  else
    redis.call('HSET', jk, 'state', 'waiting')
    redis.call('ZADD', KEYS[1], ARGV[off + 8], id)
  end
end
return ''
`)

// promoteScript moves due delayed jobs to waiting.
// KEYS: delayed, waiting, seq
// ARGV: nowMs, batch, jobPrefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  local jk = ARGV[3] .. id
  local pri = tonumber(redis.call('HGET', jk, 'priority')) or 2
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], pri * 1099511627776 + seq, id)
  redis.call('HSET', jk, 'state', 'waiting', 'updated_at_ms', ARGV[1])
end
return #due
`)

// reapScript returns expired active leases to waiting.
// KEYS: active, waiting, seq
// ARGV: nowMs, batch, jobPrefix
var reapScript = redis.NewScript(`
local dead = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(dead) do
  local jk = ARGV[3] .. id
  local pri = tonumber(redis.call('HGET', jk, 'priority')) or 2
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], pri * 1099511627776 + seq, id)
  redis.call('HSET', jk, 'state', 'waiting', 'updated_at_ms', ARGV[1])
  redis.call('HDEL', jk, 'lease')
end
return #dead
`)

// fetchScript pops the highest-priority waiting job and activates it.
// KEYS: paused, waiting, active
// ARGV: leaseDeadlineMs, leaseToken, nowMs, jobPrefix
// Returns the job id or false.
var fetchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return false
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = ARGV[4] .. id
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', jk, 'state', 'active', 'lease', ARGV[2], 'updated_at_ms', ARGV[3])
redis.call('HINCRBY', jk, 'attempts', 1)
return id
`)

// ackScript completes a leased job.
// KEYS: active, completed, job
// ARGV: id, token, nowMs
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'progress', 100, 'updated_at_ms', ARGV[3])
redis.call('HDEL', KEYS[3], 'lease')
return 1
`)

// failScript records a failed attempt, moving the job to delayed (retry) or
// failed (exhausted). Reaching the terminal state consumes any pending
// cooperative cancel, so a later Retry starts with a clean flag.
// KEYS: active, delayed, failed, job, cancelled
// ARGV: id, token, nowMs, retryAtMs ('' = exhausted), errMsg
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[4], 'last_error', ARGV[5], 'updated_at_ms', ARGV[3])
redis.call('HDEL', KEYS[4], 'lease')
if ARGV[4] == '' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'failed')
  redis.call('SREM', KEYS[5], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'delayed', 'scheduled_at_ms', ARGV[4])
end
return 1
`)

// heartbeatScript renews a lease.
// KEYS: active, job
// ARGV: id, token, deadlineMs, nowMs
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'updated_at_ms', ARGV[4])
return 1
`)

// cancelScript removes a non-active job, or flags an active one for
// cooperative cancellation. Returns 'removed', 'active' or 'missing'.
// KEYS: job, waiting, delayed, cancelled, completed, failed
// ARGV: id
var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return 'missing'
end
if state == 'active' then
  redis.call('SADD', KEYS[4], ARGV[1])
  return 'active'
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('DEL', KEYS[1])
return 'removed'
`)

// retryScript requeues a failed job as waiting with one more pass allowed.
// KEYS: failed, waiting, job, seq
// ARGV: id, nowMs
// Returns 'ok', 'missing' or 'notfailed'.
var retryScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[3], 'state')
if not state then
  return 'missing'
end
if state ~= 'failed' then
  return 'notfailed'
end
local pri = tonumber(redis.call('HGET', KEYS[3], 'priority')) or 2
local seq = redis.call('INCR', KEYS[4])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], pri * 1099511627776 + seq, ARGV[1])
redis.call('HINCRBY', KEYS[3], 'attempts', -1)
redis.call('HSET', KEYS[3], 'state', 'waiting', 'updated_at_ms', ARGV[2])
return 'ok'
`)

// cleanScript evicts finished jobs older than the cutoff.
// KEYS: zset (completed or failed)
// ARGV: cutoffMs, limit, jobPrefix
var cleanScript = redis.NewScript(`
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(old) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[3] .. id)
end
return old
`)

// trimScript keeps only the newest max entries of a finished zset.
// KEYS: zset
// ARGV: max, jobPrefix
var trimScript = redis.NewScript(`
local n = redis.call('ZCARD', KEYS[1])
local excess = n - tonumber(ARGV[1])
if excess <= 0 then
  return 0
end
local old = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
for _, id in ipairs(old) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[2] .. id)
end
return #old
`)

// ── Enqueue ────────────────────────────────────────────────────────────────────

// repeatDef is the JSON stored per repeat registration.
type repeatDef struct {
	Family      string            `json:"family"`
	Payload     json.RawMessage   `json:"payload"`
	Priority    jobstore.Priority `json:"priority"`
	Pattern     string            `json:"pattern"`
	MaxAttempts int               `json:"max_attempts"`
	BackoffMs   int64             `json:"backoff_ms"`
}

// Enqueue implements jobstore.Store.
func (q *Queue) Enqueue(ctx context.Context, family string, payload []byte, opts jobstore.Options) (string, error) {
	applyDefaults(&opts)

	if opts.RepeatPattern != "" {
		return q.registerRepeat(ctx, family, payload, opts)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if err := q.insert(ctx, id, family, payload, opts); err != nil {
		return "", err
	}
	return id, nil
}

func (q *Queue) insert(ctx context.Context, id, family string, payload []byte, opts jobstore.Options) error {
	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("redisq: enqueue seq: %w", err)
	}

	now := time.Now()
	scheduledAt := now.Add(opts.Delay)
	delayed := "0"
	if opts.Delay > 0 {
		delayed = "1"
	}

	err = enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.key("waiting"), q.key("delayed")},
		id, family, string(payload),
		int(opts.Priority), opts.MaxAttempts, opts.BackoffBase.Milliseconds(),
		opts.RepeatPattern, scheduledAt.UnixMilli(), now.UnixMilli(),
		waitingScore(opts.Priority, seq), delayed,
	).Err()
	if err != nil {
		return fmt.Errorf("redisq: enqueue: %w", err)
	}
	return nil
}

// registerRepeat stores the repeat definition and schedules the first child.
func (q *Queue) registerRepeat(ctx context.Context, family string, payload []byte, opts jobstore.Options) (string, error) {
	sched, err := cronParser.Parse(opts.RepeatPattern)
	if err != nil {
		return "", fmt.Errorf("redisq: repeat pattern %q: %w", opts.RepeatPattern, err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	def := repeatDef{
		Family:      family,
		Payload:     json.RawMessage(payload),
		Priority:    opts.Priority,
		Pattern:     opts.RepeatPattern,
		MaxAttempts: opts.MaxAttempts,
		BackoffMs:   opts.BackoffBase.Milliseconds(),
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("redisq: marshal repeat: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.key("repeats"), id, raw).Err(); err != nil {
		return "", fmt.Errorf("redisq: register repeat: %w", err)
	}

	if err := q.scheduleRepeatChild(ctx, id, def, sched.Next(time.Now())); err != nil {
		return "", err
	}
	return id, nil
}

// scheduleRepeatChild enqueues the next delayed run of a repeat. The child id
// is derived from the fire time so that a crash between dispatch and
// scheduling cannot produce duplicates.
func (q *Queue) scheduleRepeatChild(ctx context.Context, repeatID string, def repeatDef, fireAt time.Time) error {
	childID := fmt.Sprintf("%s:%d", repeatID, fireAt.UnixMilli())
	opts := jobstore.Options{
		JobID:       childID,
		Priority:    def.Priority,
		Delay:       time.Until(fireAt),
		MaxAttempts: def.MaxAttempts,
		BackoffBase: time.Duration(def.BackoffMs) * time.Millisecond,
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	applyDefaults(&opts)
	if err := q.insert(ctx, childID, def.Family, []byte(def.Payload), opts); err != nil {
		return err
	}
	if err := q.rdb.HSet(ctx, q.key("repeatchild"), repeatID, childID).Err(); err != nil {
		return fmt.Errorf("redisq: record repeat child: %w", err)
	}
	// Tag the child so Fetch can find its repeat definition.
	if err := q.rdb.HSet(ctx, q.jobKey(childID), "repeat_id", repeatID).Err(); err != nil {
		return fmt.Errorf("redisq: tag repeat child: %w", err)
	}
	return nil
}

// BulkEnqueue implements jobstore.Store. The batch is validated, then written
// by [bulkEnqueueScript] in one atomic step: either every job becomes visible
// or none does, including against a concurrent bulk sharing an id.
func (q *Queue) BulkEnqueue(ctx context.Context, reqs []jobstore.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for i := range reqs {
		applyDefaults(&reqs[i].Opts)
		if reqs[i].Opts.RepeatPattern != "" {
			return nil, errors.New("redisq: bulk enqueue does not accept repeat patterns")
		}
		id := reqs[i].Opts.JobID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("redisq: bulk enqueue: duplicate job id %q", id)
		}
		seen[id] = true
		ids[i] = id
	}

	seqEnd, err := q.rdb.IncrBy(ctx, q.key("seq"), int64(len(reqs))).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: bulk enqueue seq: %w", err)
	}
	seqStart := seqEnd - int64(len(reqs)) + 1

	now := time.Now()
	argv := make([]any, 0, 3+len(reqs)*9)
	argv = append(argv, q.key("job:"), now.UnixMilli(), len(reqs))
	for i, req := range reqs {
		scheduledAt := now.Add(req.Opts.Delay)
		delayed := "0"
		if req.Opts.Delay > 0 {
			delayed = "1"
		}
		argv = append(argv,
			ids[i], req.Family, string(req.Payload),
			int(req.Opts.Priority), req.Opts.MaxAttempts,
			req.Opts.BackoffBase.Milliseconds(), scheduledAt.UnixMilli(),
			delayed, waitingScore(req.Opts.Priority, seqStart+int64(i)),
		)
	}

	clash, err := bulkEnqueueScript.Run(ctx, q.rdb,
		[]string{q.key("waiting"), q.key("delayed")}, argv...).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisq: bulk enqueue: %w", err)
	}
	if clash != "" {
		return nil, fmt.Errorf("redisq: bulk enqueue: job %q already exists", clash)
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

// ── Read paths ─────────────────────────────────────────────────────────────────

// Get implements jobstore.Store.
func (q *Queue) Get(ctx context.Context, jobID string) (*jobstore.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: get: %w", err)
	}
	if len(vals) == 0 {
		return nil, jobstore.ErrNotFound
	}
	return jobFromHash(vals), nil
}

func jobFromHash(vals map[string]string) *jobstore.Job {
	atoi := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return &jobstore.Job{
		ID:            vals["id"],
		Family:        vals["family"],
		Payload:       []byte(vals["payload"]),
		Priority:      jobstore.Priority(atoi(vals["priority"])),
		State:         jobstore.State(vals["state"]),
		AttemptsMade:  int(atoi(vals["attempts"])),
		MaxAttempts:   int(atoi(vals["max_attempts"])),
		BackoffBase:   time.Duration(atoi(vals["backoff_ms"])) * time.Millisecond,
		RepeatPattern: vals["repeat"],
		ScheduledAt:   time.UnixMilli(atoi(vals["scheduled_at_ms"])),
		LastError:     vals["last_error"],
		Progress:      int(atoi(vals["progress"])),
		CreatedAt:     time.UnixMilli(atoi(vals["created_at_ms"])),
		UpdatedAt:     time.UnixMilli(atoi(vals["updated_at_ms"])),
	}
}

// List implements jobstore.Store.
func (q *Queue) List(ctx context.Context, state jobstore.State, offset, limit int64) ([]*jobstore.Job, error) {
	var zkey string
	switch state {
	case jobstore.StateWaiting:
		zkey = q.key("waiting")
	case jobstore.StateDelayed:
		zkey = q.key("delayed")
	case jobstore.StateActive:
		zkey = q.key("active")
	case jobstore.StateCompleted:
		zkey = q.key("completed")
	case jobstore.StateFailed:
		zkey = q.key("failed")
	default:
		return nil, fmt.Errorf("redisq: list: unknown state %q", state)
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := q.rdb.ZRevRange(ctx, zkey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: list %s: %w", state, err)
	}
	jobs := make([]*jobstore.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, jobstore.ErrNotFound) {
			continue // swept between ZRANGE and HGETALL
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Stats implements jobstore.Store.
func (q *Queue) Stats(ctx context.Context) (jobstore.Stats, error) {
	var s jobstore.Stats
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return s, fmt.Errorf("redisq: stats: %w", err)
	}
	s.Waiting = waiting.Val()
	s.Delayed = delayed.Val()
	s.Active = active.Val()
	s.Completed = completed.Val()
	s.Failed = failed.Val()
	return s, nil
}

// ── Control ────────────────────────────────────────────────────────────────────

// Cancel implements jobstore.Store.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	res, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.key("waiting"), q.key("delayed"),
			q.key("cancelled"), q.key("completed"), q.key("failed")},
		jobID,
	).Text()
	if err != nil {
		return fmt.Errorf("redisq: cancel: %w", err)
	}
	switch res {
	case "missing":
		return jobstore.ErrNotFound
	case "active":
		return jobstore.ErrActive
	}
	return nil
}

// Cancelled implements jobstore.Store.
func (q *Queue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, q.key("cancelled"), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("redisq: cancelled: %w", err)
	}
	return ok, nil
}

// Retry implements jobstore.Store.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	res, err := retryScript.Run(ctx, q.rdb,
		[]string{q.key("failed"), q.key("waiting"), q.jobKey(jobID), q.key("seq")},
		jobID, time.Now().UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("redisq: retry: %w", err)
	}
	switch res {
	case "missing":
		return jobstore.ErrNotFound
	case "notfailed":
		return jobstore.ErrNotFailed
	}
	return nil
}

// Clean implements jobstore.Store.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, limit int64, state jobstore.State) ([]string, error) {
	var zkey string
	switch state {
	case jobstore.StateCompleted:
		zkey = q.key("completed")
	case jobstore.StateFailed:
		zkey = q.key("failed")
	default:
		return nil, fmt.Errorf("redisq: clean: state %q is not cleanable", state)
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := time.Now().Add(-grace).UnixMilli()
	res, err := cleanScript.Run(ctx, q.rdb, []string{zkey}, cutoff, limit, q.key("job:")).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redisq: clean: %w", err)
	}
	return res, nil
}

// Pause implements jobstore.Store.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, q.key("paused"), "1", 0).Err(); err != nil {
		return fmt.Errorf("redisq: pause: %w", err)
	}
	return nil
}

// Resume implements jobstore.Store.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.key("paused")).Err(); err != nil {
		return fmt.Errorf("redisq: resume: %w", err)
	}
	return nil
}

// ── Dispatch ───────────────────────────────────────────────────────────────────

// Fetch implements jobstore.Store. Each cycle promotes due delayed jobs,
// reaps expired leases, then attempts to pop the highest-priority waiting
// job. Empty or paused queues are polled.
func (q *Queue) Fetch(ctx context.Context) (*jobstore.Lease, error) {
	ticker := time.NewTicker(fetchPollInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		nowMs := now.UnixMilli()

		if err := promoteScript.Run(ctx, q.rdb,
			[]string{q.key("delayed"), q.key("waiting"), q.key("seq")},
			nowMs, 100, q.key("job:"),
		).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisq: promote: %w", err)
		}
		if err := reapScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("waiting"), q.key("seq")},
			nowMs, 100, q.key("job:"),
		).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisq: reap: %w", err)
		}

		token := uuid.NewString()
		id, err := fetchScript.Run(ctx, q.rdb,
			[]string{q.key("paused"), q.key("waiting"), q.key("active")},
			now.Add(q.lease).UnixMilli(), token, nowMs, q.key("job:"),
		).Text()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisq: fetch: %w", err)
		}
		if id != "" {
			job, err := q.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			q.advanceRepeat(ctx, id)
			return &jobstore.Lease{Job: job, Token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// advanceRepeat schedules the next child of a repeat job at dispatch time, so
// a missed tick yields exactly one delayed run rather than cascading
// duplicates.
func (q *Queue) advanceRepeat(ctx context.Context, jobID string) {
	repeatID, err := q.rdb.HGet(ctx, q.jobKey(jobID), "repeat_id").Result()
	if err != nil || repeatID == "" {
		return
	}
	raw, err := q.rdb.HGet(ctx, q.key("repeats"), repeatID).Result()
	if err != nil || raw == "" {
		return // repeat was removed; no further runs
	}
	var def repeatDef
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		slog.Error("redisq: corrupt repeat definition", "repeat_id", repeatID, "error", err)
		return
	}
	sched, err := cronParser.Parse(def.Pattern)
	if err != nil {
		slog.Error("redisq: corrupt repeat pattern", "repeat_id", repeatID, "pattern", def.Pattern, "error", err)
		return
	}
	if err := q.scheduleRepeatChild(ctx, repeatID, def, sched.Next(time.Now())); err != nil {
		slog.Error("redisq: schedule next repeat run", "repeat_id", repeatID, "error", err)
	}
}

// Heartbeat implements jobstore.Store.
func (q *Queue) Heartbeat(ctx context.Context, lease *jobstore.Lease) error {
	ok, err := heartbeatScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.jobKey(lease.Job.ID)},
		lease.Job.ID, lease.Token, time.Now().Add(q.lease).UnixMilli(),
		time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisq: heartbeat: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// Ack implements jobstore.Store.
func (q *Queue) Ack(ctx context.Context, lease *jobstore.Lease) error {
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("completed"), q.jobKey(lease.Job.ID)},
		lease.Job.ID, lease.Token, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redisq: ack: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrNotFound
	}
	q.rdb.SRem(ctx, q.key("cancelled"), lease.Job.ID)
	return nil
}

// Fail implements jobstore.Store.
func (q *Queue) Fail(ctx context.Context, lease *jobstore.Lease, errMsg string) error {
	job, err := q.Get(ctx, lease.Job.ID)
	if err != nil {
		return err
	}

	retryAt := ""
	if job.AttemptsMade < job.MaxAttempts {
		delay := jobstore.Backoff(job.BackoffBase, job.AttemptsMade)
		retryAt = strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10)
	}

	ok, err := failScript.Run(ctx, q.rdb,
		[]string{q.key("active"), q.key("delayed"), q.key("failed"),
			q.jobKey(lease.Job.ID), q.key("cancelled")},
		lease.Job.ID, lease.Token, time.Now().UnixMilli(), retryAt, errMsg,
	).Int()
	if err != nil {
		return fmt.Errorf("redisq: fail: %w", err)
	}
	if ok == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

// ── Repeats ────────────────────────────────────────────────────────────────────

// Repeats implements jobstore.Store.
func (q *Queue) Repeats(ctx context.Context) ([]jobstore.RepeatSchedule, error) {
	raw, err := q.rdb.HGetAll(ctx, q.key("repeats")).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: repeats: %w", err)
	}
	out := make([]jobstore.RepeatSchedule, 0, len(raw))
	for id, v := range raw {
		var def repeatDef
		if err := json.Unmarshal([]byte(v), &def); err != nil {
			continue
		}
		rs := jobstore.RepeatSchedule{JobID: id, Family: def.Family, Pattern: def.Pattern}
		if sched, err := cronParser.Parse(def.Pattern); err == nil {
			rs.NextRun = sched.Next(time.Now())
		}
		out = append(out, rs)
	}
	return out, nil
}

// RemoveRepeat implements jobstore.Store.
func (q *Queue) RemoveRepeat(ctx context.Context, jobID string) error {
	n, err := q.rdb.HDel(ctx, q.key("repeats"), jobID).Result()
	if err != nil {
		return fmt.Errorf("redisq: remove repeat: %w", err)
	}
	if n == 0 {
		return jobstore.ErrNotFound
	}
	childID, err := q.rdb.HGet(ctx, q.key("repeatchild"), jobID).Result()
	if err == nil && childID != "" {
		if err := q.Cancel(ctx, childID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			slog.Warn("redisq: cancel pending repeat child", "repeat_id", jobID, "child", childID, "error", err)
		}
	}
	q.rdb.HDel(ctx, q.key("repeatchild"), jobID)
	return nil
}

// ── Retention ──────────────────────────────────────────────────────────────────

// sweepLoop applies the retention policy periodically until Close.
func (q *Queue) sweepLoop() {
	defer close(q.sweepDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.sweep(context.Background())
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	if _, err := q.Clean(ctx, q.completedAge, 1000, jobstore.StateCompleted); err != nil {
		slog.Warn("redisq: sweep completed", "error", err)
	}
	if _, err := q.Clean(ctx, q.failedAge, 1000, jobstore.StateFailed); err != nil {
		slog.Warn("redisq: sweep failed", "error", err)
	}
	if err := trimScript.Run(ctx, q.rdb, []string{q.key("completed")},
		q.completedCount, q.key("job:")).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("redisq: trim completed", "error", err)
	}
}

// Close implements jobstore.Store. It stops the sweeper; the Redis client is
// owned by the caller and is not closed here.
func (q *Queue) Close() error {
	select {
	case <-q.sweepStop:
	default:
		close(q.sweepStop)
	}
	<-q.sweepDone
	return nil
}
