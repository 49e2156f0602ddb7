// Package app wires all Relaydial subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order: media sessions first, then the HTTP listener,
// then the worker pool (draining in-flight jobs), and finally the Redis and
// Postgres connections.
//
// For testing, inject doubles via functional options (WithJobStore,
// WithGateway, WithRealtimeClient, ...). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaydial/relaydial/internal/bridge"
	"github.com/relaydial/relaydial/internal/config"
	"github.com/relaydial/relaydial/internal/health"
	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/jobstore/redisq"
	"github.com/relaydial/relaydial/internal/observe"
	"github.com/relaydial/relaydial/internal/scheduler"
	"github.com/relaydial/relaydial/internal/server"
	"github.com/relaydial/relaydial/internal/store"
	"github.com/relaydial/relaydial/internal/worker"
	"github.com/relaydial/relaydial/pkg/realtime"
	rtopenai "github.com/relaydial/relaydial/pkg/realtime/openai"
	"github.com/relaydial/relaydial/pkg/telephony"
	"github.com/relaydial/relaydial/pkg/telephony/twilio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	queue    jobstore.Store
	db       *store.Store
	gateway  telephony.Gateway
	rtClient realtime.Client
	metrics  *observe.Metrics
	bridge   *bridge.Manager
	pool     *worker.Pool
	sched    *scheduler.Scheduler
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJobStore injects a job store instead of connecting to Redis.
func WithJobStore(q jobstore.Store) Option {
	return func(a *App) { a.queue = q }
}

// WithGateway injects a telephony gateway instead of building the provider
// client from config.
func WithGateway(g telephony.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithRealtimeClient injects a realtime client instead of building the
// provider client from config.
func WithRealtimeClient(c realtime.Client) Option {
	return func(a *App) { a.rtClient = c }
}

// WithStore injects the persistence layer instead of connecting to Postgres.
func WithStore(db *store.Store) Option {
	return func(a *App) { a.db = db }
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: both databases are connected and migrated before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "relaydial"})
	if err != nil {
		return nil, fmt.Errorf("app: init metrics provider: %w", err)
	}
	a.closers = append(a.closers, shutdownMetrics)
	a.metrics = observe.DefaultMetrics()

	// ── 2. Persistence ───────────────────────────────────────────────────
	if a.db == nil {
		db, err := store.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		a.db = db
	}

	// ── 3. Job store ─────────────────────────────────────────────────────
	var rdb *redis.Client
	if a.queue == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.db.Close()
			return nil, fmt.Errorf("app: connect redis: %w", err)
		}
		a.queue = redisq.New(rdb, cfg.Redis.Stream,
			redisq.WithRetention(cfg.Retention.CompletedAge, cfg.Retention.CompletedCount, cfg.Retention.FailedAge),
		)
	}

	// ── 4. Provider clients ──────────────────────────────────────────────
	if a.gateway == nil {
		var gopts []twilio.Option
		if cfg.Telephony.BaseURL != "" {
			gopts = append(gopts, twilio.WithBaseURL(cfg.Telephony.BaseURL))
		}
		a.gateway = twilio.New(cfg.Telephony.AccountSID, cfg.Telephony.AuthToken, cfg.Telephony.FromNumber, gopts...)
	}
	if a.rtClient == nil {
		var ropts []rtopenai.Option
		if cfg.Realtime.Model != "" {
			ropts = append(ropts, rtopenai.WithModel(cfg.Realtime.Model))
		}
		if cfg.Realtime.BaseURL != "" {
			ropts = append(ropts, rtopenai.WithBaseURL(cfg.Realtime.BaseURL))
		}
		a.rtClient = rtopenai.New(cfg.Realtime.APIKey, ropts...)
	}

	// ── 5. Media bridge ──────────────────────────────────────────────────
	a.bridge = bridge.NewManager(bridge.Config{
		Realtime: realtime.SessionConfig{
			Voice:        cfg.Realtime.Voice,
			Instructions: cfg.Realtime.Instructions,
		},
		ConnectAttempts: cfg.Realtime.MaxRetries,
		ConnectTimeout:  cfg.Realtime.ConnectDeadline,
		MaxErrorEvents:  cfg.Realtime.MaxErrors,
	}, a.rtClient, a.db, a.metrics)

	// ── 6. Worker pool + scheduler ───────────────────────────────────────
	a.pool = worker.New(worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		RateCount:     cfg.Worker.RateCount,
		RateWindow:    cfg.Worker.RateWindow,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Record:        cfg.Telephony.Record,
		CallTimeout:   cfg.Telephony.Timeout,
	}, a.queue, a.gateway, a.db, a.metrics)

	a.sched = scheduler.New(a.queue, a.pool,
		scheduler.WithRetryPolicy(cfg.Worker.MaxAttempts, cfg.Worker.BackoffBase))

	// ── 7. HTTP server ───────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Ping("postgres", a.db.Ping),
	}
	if rdb != nil {
		checkers = append(checkers, health.Ping("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	srv := server.New(cfg.Server.PublicBaseURL, a.gateway, a.bridge, a.db, a.sched,
		health.New(checkers...), a.metrics)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Scheduler exposes the control plane, for operational tooling built on top
// of a running App.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Run serves HTTP and consumes jobs until ctx is cancelled, then performs the
// ordered shutdown. The returned error reflects an abnormal termination, not
// cancellation.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("worker pool running", "concurrency", a.cfg.Worker.Concurrency)
		return a.pool.Run(runCtx)
	})

	<-runCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Media sessions and the HTTP listener first; workers drain through the
	// errgroup; stores close last so in-flight jobs can still ack.
	if err := a.bridge.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bridge shutdown", "error", err)
	}
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	runErr := g.Wait()
	a.close(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// Shutdown tears everything down without going through Run, for callers that
// only initialised the App. Safe to call after Run as well; the store
// teardown happens once.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.bridge.Shutdown(ctx); err != nil {
		slog.Warn("bridge shutdown", "error", err)
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	a.close(ctx)
	return ctx.Err()
}

// close releases the stores and remaining closers, once.
func (a *App) close(ctx context.Context) {
	a.stopOnce.Do(func() {
		if err := a.queue.Close(); err != nil {
			slog.Warn("close job store", "error", err)
		}
		for _, c := range a.closers {
			if err := c(ctx); err != nil {
				slog.Warn("closer failed", "error", err)
			}
		}
		a.db.Close()
		slog.Info("shutdown complete")
	})
}
