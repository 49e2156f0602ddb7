// Package scheduler is the control plane over the job store: transport-
// agnostic operations to schedule calls (immediate, delayed, recurring,
// bulk), register lead-store refills, and manage job lifecycle. Handlers in
// internal/server and operational tooling both drive this API.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/worker"
)

// maxLeadLimit bounds how many leads one refill may pull.
const maxLeadLimit = 1000

// phonePattern accepts E.164-style numbers with an optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// cronParser validates five-field cron expressions, the same dialect the job
// store fires repeats with.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RefillRunner executes a refill synchronously, outside the queue.
type RefillRunner interface {
	RunRefill(ctx context.Context, payload worker.RefillPayload) (worker.RefillResult, error)
}

// CallRequest describes one outbound call to schedule.
type CallRequest struct {
	// To is the destination number. Required.
	To string

	// Message is the agent's instruction/opening context.
	Message string

	// LeadID ties the call to a lead; zero means no lead.
	LeadID int64

	// Priority tier name: "high", "normal" (default) or "low".
	Priority string

	// SpeakFirst makes the agent open the conversation.
	SpeakFirst bool

	// InitialMessage is the opening line when SpeakFirst is set.
	InitialMessage string
}

// Validate checks the request fields.
func (r *CallRequest) Validate() error {
	var errs []error
	if r.To == "" {
		errs = append(errs, errors.New("scheduler: 'to' is required"))
	} else if !phonePattern.MatchString(r.To) {
		errs = append(errs, fmt.Errorf("scheduler: 'to' %q is not a phone number", r.To))
	}
	if err := validPriority(r.Priority); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DelayedCallRequest schedules a call for a future time. ScheduleAt wins over
// DelayMS when both are set; a target in the past dispatches immediately.
type DelayedCallRequest struct {
	CallRequest

	ScheduleAt time.Time
	DelayMS    int64
}

// RecurringCallRequest registers a cron-driven call.
type RecurringCallRequest struct {
	CallRequest

	CronExpression string
}

// RefillRequest configures a refill-from-leads run.
type RefillRequest struct {
	// CronExpression drives recurring refills; ignored by RunRefillNow.
	CronExpression string

	// Message is passed through to each scheduled call.
	Message string

	// Priority tier name for the scheduled calls.
	Priority string

	// LeadLimit caps how many leads one run pulls. Bounded to 1000.
	LeadLimit int
}

// Validate checks the refill parameters. Cron syntax is only checked when an
// expression is present.
func (r *RefillRequest) Validate() error {
	var errs []error
	if r.CronExpression != "" {
		if _, err := cronParser.Parse(r.CronExpression); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: invalid cron expression %q: %w", r.CronExpression, err))
		}
	}
	if err := validPriority(r.Priority); err != nil {
		errs = append(errs, err)
	}
	if r.LeadLimit < 0 || r.LeadLimit > maxLeadLimit {
		errs = append(errs, fmt.Errorf("scheduler: leadLimit %d out of range [0,%d]", r.LeadLimit, maxLeadLimit))
	}
	return errors.Join(errs...)
}

func validPriority(s string) error {
	switch s {
	case "", "high", "normal", "low":
		return nil
	}
	return fmt.Errorf("scheduler: unknown priority %q", s)
}

// Scheduler exposes the public scheduling operations.
type Scheduler struct {
	queue       jobstore.Store
	refill      RefillRunner
	now         func() time.Time
	maxAttempts int
	backoffBase time.Duration
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithRetryPolicy overrides the store's default retry policy on every job
// this scheduler enqueues.
func WithRetryPolicy(maxAttempts int, backoffBase time.Duration) Option {
	return func(s *Scheduler) {
		s.maxAttempts = maxAttempts
		s.backoffBase = backoffBase
	}
}

// New creates a Scheduler over the given queue. The runner executes one-shot
// refills.
func New(queue jobstore.Store, refill RefillRunner, opts ...Option) *Scheduler {
	s := &Scheduler{queue: queue, refill: refill, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// enqueueOptions stamps the scheduler-wide retry policy onto opts.
func (s *Scheduler) enqueueOptions(opts jobstore.Options) jobstore.Options {
	opts.MaxAttempts = s.maxAttempts
	opts.BackoffBase = s.backoffBase
	return opts
}

// ScheduleImmediate enqueues one place-call job for immediate dispatch.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, req CallRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, jobstore.FamilyPlaceCall, callPayload(req), s.enqueueOptions(jobstore.Options{
		Priority: jobstore.ParsePriority(req.Priority),
	}))
}

// ScheduleDelayed enqueues one place-call job for future dispatch.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, req DelayedCallRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if !req.ScheduleAt.IsZero() {
		delay = req.ScheduleAt.Sub(s.now())
	}
	if delay < 0 {
		delay = 0
	}
	return s.queue.Enqueue(ctx, jobstore.FamilyPlaceCall, callPayload(req.CallRequest), s.enqueueOptions(jobstore.Options{
		Priority: jobstore.ParsePriority(req.Priority),
		Delay:    delay,
	}))
}

// ScheduleRecurring registers a cron-driven place-call repeat.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, req RecurringCallRequest) (string, error) {
	var errs []error
	if err := req.Validate(); err != nil {
		errs = append(errs, err)
	}
	if req.CronExpression == "" {
		errs = append(errs, errors.New("scheduler: cron expression is required"))
	} else if _, err := cronParser.Parse(req.CronExpression); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: invalid cron expression %q: %w", req.CronExpression, err))
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, jobstore.FamilyPlaceCall, callPayload(req.CallRequest), s.enqueueOptions(jobstore.Options{
		Priority:      jobstore.ParsePriority(req.Priority),
		RepeatPattern: req.CronExpression,
	}))
}

// ScheduleBulk enqueues all requests atomically: either every call is
// scheduled or none is. Validation failures name the offending entry.
func (s *Scheduler) ScheduleBulk(ctx context.Context, reqs []CallRequest) ([]string, error) {
	if len(reqs) == 0 {
		return []string{}, nil
	}
	var errs []error
	batch := make([]jobstore.Request, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: entry %d: %w", i, err))
			continue
		}
		batch = append(batch, jobstore.Request{
			Family:  jobstore.FamilyPlaceCall,
			Payload: callPayload(req),
			Opts: s.enqueueOptions(jobstore.Options{
				Priority: jobstore.ParsePriority(req.Priority),
			}),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s.queue.BulkEnqueue(ctx, batch)
}

// ScheduleRefill registers a cron-driven refill-from-leads repeat.
func (s *Scheduler) ScheduleRefill(ctx context.Context, req RefillRequest) (string, error) {
	var errs []error
	if req.CronExpression == "" {
		errs = append(errs, errors.New("scheduler: cron expression is required"))
	}
	if err := req.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, jobstore.FamilyRefill, refillPayload(req), s.enqueueOptions(jobstore.Options{
		Priority:      jobstore.ParsePriority(req.Priority),
		RepeatPattern: req.CronExpression,
	}))
}

// RunRefillNow executes one refill synchronously and reports what it
// scheduled.
func (s *Scheduler) RunRefillNow(ctx context.Context, req RefillRequest) (worker.RefillResult, error) {
	req.CronExpression = ""
	if err := req.Validate(); err != nil {
		return worker.RefillResult{}, err
	}
	return s.refill.RunRefill(ctx, worker.RefillPayload{
		Message:   req.Message,
		Priority:  req.Priority,
		LeadLimit: req.LeadLimit,
	})
}

// ListSchedules lists registered cron repeats.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]jobstore.RepeatSchedule, error) {
	return s.queue.Repeats(ctx)
}

// StopSchedule removes a repeat registration and its pending child.
func (s *Scheduler) StopSchedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("scheduler: job id is required")
	}
	return s.queue.RemoveRepeat(ctx, jobID)
}

// ── Lifecycle pass-throughs ────────────────────────────────────────────────────

func (s *Scheduler) GetJob(ctx context.Context, jobID string) (*jobstore.Job, error) {
	return s.queue.Get(ctx, jobID)
}

func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	return s.queue.Cancel(ctx, jobID)
}

func (s *Scheduler) Retry(ctx context.Context, jobID string) error {
	return s.queue.Retry(ctx, jobID)
}

func (s *Scheduler) Stats(ctx context.Context) (jobstore.Stats, error) {
	return s.queue.Stats(ctx)
}

func (s *Scheduler) ListByState(ctx context.Context, state jobstore.State, offset, limit int64) ([]*jobstore.Job, error) {
	return s.queue.List(ctx, state, offset, limit)
}

func (s *Scheduler) Clean(ctx context.Context, grace time.Duration, limit int64, state jobstore.State) ([]string, error) {
	return s.queue.Clean(ctx, grace, limit, state)
}

func (s *Scheduler) Pause(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

func (s *Scheduler) Resume(ctx context.Context) error {
	return s.queue.Resume(ctx)
}

func callPayload(req CallRequest) []byte {
	payload := worker.PlaceCallPayload{
		To:      req.To,
		Message: req.Message,
		LeadID:  req.LeadID,
		Metadata: worker.PlaceCallMetadata{
			SpeakFirst:     req.SpeakFirst,
			InitialMessage: req.InitialMessage,
		},
	}
	return worker.MustJSON(payload)
}

func refillPayload(req RefillRequest) []byte {
	return worker.MustJSON(worker.RefillPayload{
		Message:   req.Message,
		Priority:  req.Priority,
		LeadLimit: req.LeadLimit,
	})
}
