// Package worker runs the consumer pool against the job store: N concurrent
// consumers share a token-bucket rate limiter and dispatch jobs to handlers
// by family name. The two built-in families are place-call (initiate one
// outbound call via the telephony gateway) and refill-from-leads (pull fresh
// leads and enqueue place-call jobs for them).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/observe"
	"github.com/relaydial/relaydial/internal/resilience"
	"github.com/relaydial/relaydial/internal/store"
	"github.com/relaydial/relaydial/pkg/telephony"
)

// heartbeatInterval is how often an in-flight job renews its lease.
const heartbeatInterval = 10 * time.Second

// LeadStore is the slice of the persistence layer the workers need.
type LeadStore interface {
	LeadsForRefill(ctx context.Context, limit int) ([]store.Lead, error)
	MarkLeadContacted(ctx context.Context, leadID int64, callSID string) error
}

// Handler processes one job. The returned value is logged as the job result;
// a non-nil error fails the attempt and defers to the store's retry policy.
type Handler func(ctx context.Context, job *jobstore.Job) (any, error)

// Config tunes the pool.
type Config struct {
	// Concurrency is the number of parallel consumers. Default 5.
	Concurrency int

	// RateCount jobs per RateWindow may dispatch across all consumers.
	// Defaults: 10 per 60s.
	RateCount  int
	RateWindow time.Duration

	// PublicBaseURL is the externally reachable base URL used to build
	// answer and webhook callback URLs (e.g. "https://calls.example.com").
	PublicBaseURL string

	// Record enables call recording on initiated calls.
	Record bool

	// CallTimeout is how long the provider lets a call ring.
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.RateCount <= 0 {
		c.RateCount = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Pool is the worker pool. Create with New, then call Run.
type Pool struct {
	cfg      Config
	queue    jobstore.Store
	gateway  telephony.Gateway
	leads    LeadStore
	metrics  *observe.Metrics
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	handlers map[string]Handler
}

// New creates a Pool with the built-in job families registered.
func New(cfg Config, queue jobstore.Store, gateway telephony.Gateway, leads LeadStore, metrics *observe.Metrics) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:     cfg,
		queue:   queue,
		gateway: gateway,
		leads:   leads,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateCount)), cfg.RateCount),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "telephony"}),
		handlers: map[string]Handler{},
	}
	p.handlers[jobstore.FamilyPlaceCall] = p.handlePlaceCall
	p.handlers[jobstore.FamilyRefill] = p.handleRefill
	return p
}

// Register adds or replaces the handler for a job family.
func (p *Pool) Register(family string, h Handler) {
	p.handlers[family] = h
}

// Run starts the consumers and blocks until ctx is cancelled. In-flight jobs
// finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.consumeLoop(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

// consumeLoop fetches and processes jobs until ctx is cancelled. The rate
// limiter gates dispatch, not completion: an empty token bucket delays jobs
// but never drops them.
func (p *Pool) consumeLoop(ctx context.Context, id int) {
	log := slog.With("worker", id)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		lease, err := p.queue.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("fetch failed", "error", err)
			continue
		}
		// The job runs to completion even if shutdown begins meanwhile.
		p.process(context.WithoutCancel(ctx), log, lease)
	}
}

// process runs one leased job: heartbeats while the handler works, then acks
// or fails based on the outcome.
func (p *Pool) process(ctx context.Context, log *slog.Logger, lease *jobstore.Lease) {
	job := lease.Job
	log = log.With("job_id", job.ID, "family", job.Family, "attempt", job.AttemptsMade)

	p.metrics.ActiveWorkers.Add(ctx, 1)
	defer p.metrics.ActiveWorkers.Add(ctx, -1)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go p.heartbeatLoop(hbCtx, lease)

	handler, ok := p.handlers[job.Family]
	if !ok {
		log.Error("no handler for family")
		p.finishFail(ctx, log, lease, fmt.Sprintf("no handler for family %q", job.Family))
		return
	}

	start := time.Now()
	result, err := handler(ctx, job)
	if err != nil {
		log.Warn("job failed", "error", err, "duration", time.Since(start))
		p.finishFail(ctx, log, lease, err.Error())
		return
	}

	if err := p.queue.Ack(ctx, lease); err != nil {
		log.Error("ack failed", "error", err)
		return
	}
	p.metrics.RecordJobProcessed(ctx, job.Family, "completed")
	log.Info("job completed", "duration", time.Since(start), "result", result)
}

func (p *Pool) finishFail(ctx context.Context, log *slog.Logger, lease *jobstore.Lease, msg string) {
	if err := p.queue.Fail(ctx, lease, msg); err != nil {
		log.Error("record failure", "error", err)
		return
	}
	p.metrics.RecordJobProcessed(ctx, lease.Job.Family, "failed")
}

func (p *Pool) heartbeatLoop(ctx context.Context, lease *jobstore.Lease) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, lease); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("heartbeat failed", "job_id", lease.Job.ID, "error", err)
				}
				return
			}
		}
	}
}

// cancelled reports whether cooperative cancellation was requested for the
// job. Workers call this between external calls; errors are treated as "not
// cancelled" so a flaky store cannot abort live work.
func (p *Pool) cancelled(ctx context.Context, jobID string) bool {
	ok, err := p.queue.Cancelled(ctx, jobID)
	if err != nil {
		return false
	}
	return ok
}

// ── place-call ─────────────────────────────────────────────────────────────────

// handlePlaceCall initiates one outbound call. A lead id in the payload is
// updated best-effort after initiation: persistence failure there is logged
// but does not fail the job, because the call is already live.
func (p *Pool) handlePlaceCall(ctx context.Context, job *jobstore.Job) (any, error) {
	var payload PlaceCallPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("worker: decode place-call payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	if p.cancelled(ctx, job.ID) {
		return nil, fmt.Errorf("worker: job %s cancelled before initiation", job.ID)
	}

	var res telephony.InitiateResult
	err := p.breaker.Execute(func() error {
		var callErr error
		res, callErr = p.gateway.InitiateCall(ctx, telephony.InitiateRequest{
			To:                   payload.To,
			AnswerURL:            p.answerURL(payload),
			StatusCallbackURL:    p.cfg.PublicBaseURL + "/webhooks/voice/status",
			RecordingCallbackURL: p.cfg.PublicBaseURL + "/webhooks/voice/recording",
			Record:               p.cfg.Record,
			Timeout:              p.cfg.CallTimeout,
		})
		return callErr
	})
	if err != nil {
		p.metrics.RecordCallPlaced(ctx, "error")
		return nil, fmt.Errorf("worker: initiate call to %s: %w", payload.To, err)
	}
	p.metrics.RecordCallPlaced(ctx, string(res.Status))

	// The call exists now; link it to its lead but never roll it back.
	if payload.LeadID != 0 {
		if err := p.leads.MarkLeadContacted(ctx, payload.LeadID, res.CallSID); err != nil {
			slog.Error("mark lead contacted",
				"lead_id", payload.LeadID, "call_sid", res.CallSID, "error", err)
		}
	}

	return PlaceCallResult{
		CallSID:        res.CallSID,
		To:             payload.To,
		ProviderStatus: string(res.Status),
	}, nil
}

// answerURL builds the answer endpoint URL carrying the bridge options.
func (p *Pool) answerURL(payload PlaceCallPayload) string {
	u := p.cfg.PublicBaseURL + "/voice/answer"
	sep := "?"
	if payload.Metadata.SpeakFirst {
		u += sep + "speakFirst=true"
		sep = "&"
	}
	if payload.Metadata.InitialMessage != "" {
		u += sep + "initialMessage=" + url.QueryEscape(payload.Metadata.InitialMessage)
	}
	return u
}

// ── refill-from-leads ──────────────────────────────────────────────────────────

// handleRefill pulls fresh leads and enqueues one place-call job per lead
// with a usable phone number.
func (p *Pool) handleRefill(ctx context.Context, job *jobstore.Job) (any, error) {
	var payload RefillPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("worker: decode refill payload: %w", err)
	}
	result, err := p.runRefill(ctx, job.ID, payload)
	if err != nil {
		return nil, err
	}
	slog.Info("refill scheduled calls", "job_id", job.ID, "scheduled", result.Scheduled)
	return result, nil
}

// RunRefill executes a refill outside the queue, for one-shot invocations.
func (p *Pool) RunRefill(ctx context.Context, payload RefillPayload) (RefillResult, error) {
	return p.runRefill(ctx, "", payload)
}

func (p *Pool) runRefill(ctx context.Context, jobID string, payload RefillPayload) (RefillResult, error) {
	if payload.LeadLimit <= 0 {
		return RefillResult{Scheduled: 0, JobIDs: []string{}}, nil
	}

	leads, err := p.leads.LeadsForRefill(ctx, payload.LeadLimit)
	if err != nil {
		return RefillResult{}, fmt.Errorf("worker: query leads for refill: %w", err)
	}

	result := RefillResult{JobIDs: []string{}}
	now := time.Now()
	for _, lead := range leads {
		if lead.Phone == "" {
			continue
		}
		if jobID != "" && p.cancelled(ctx, jobID) {
			break
		}
		childID, err := p.queue.Enqueue(ctx, jobstore.FamilyPlaceCall, MustJSON(PlaceCallPayload{
			To:      lead.Phone,
			Message: payload.Message,
			LeadID:  lead.ID,
			Metadata: PlaceCallMetadata{
				AutomationRun: true,
				ScheduledAt:   now,
			},
		}), jobstore.Options{
			Priority: jobstore.ParsePriority(payload.Priority),
		})
		if err != nil {
			return RefillResult{}, fmt.Errorf("worker: enqueue place-call for lead %d: %w", lead.ID, err)
		}
		result.Scheduled++
		result.JobIDs = append(result.JobIDs, childID)
	}
	return result, nil
}
