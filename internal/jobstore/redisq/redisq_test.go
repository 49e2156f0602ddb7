package redisq_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/jobstore/redisq"
)

// newTestQueue connects to the Redis named by RELAYDIAL_TEST_REDIS_ADDR, or
// skips the test if it is not set. Each queue gets a unique stream name so
// tests never see each other's keys.
func newTestQueue(t *testing.T) *redisq.Queue {
	t.Helper()
	addr := os.Getenv("RELAYDIAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAYDIAL_TEST_REDIS_ADDR not set — skipping Redis integration tests")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })

	q := redisq.New(rdb, "test-"+uuid.NewString())
	t.Cleanup(func() { q.Close() })
	return q
}

func fetchOne(t *testing.T, q *redisq.Queue) *jobstore.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := q.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	return lease
}

func TestFail_TerminalClearsPendingCancel(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, jobstore.FamilyPlaceCall, []byte(`{}`), jobstore.Options{
		JobID: "doomed", MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	lease := fetchOne(t, q)

	if err := q.Cancel(ctx, "doomed"); !errors.Is(err, jobstore.ErrActive) {
		t.Fatalf("Cancel(active) error = %v, want ErrActive", err)
	}
	if got, _ := q.Cancelled(ctx, "doomed"); !got {
		t.Fatal("Cancelled = false after Cancel of active job")
	}

	// The last attempt fails; the terminal transition consumes the pending
	// cancel so a later Retry gets a clean pass.
	if err := q.Fail(ctx, lease, "gateway down"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	job, err := q.Get(ctx, "doomed")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.State != jobstore.StateFailed {
		t.Fatalf("State = %q, want failed", job.State)
	}
	if got, _ := q.Cancelled(ctx, "doomed"); got {
		t.Error("Cancelled = true after terminal failure")
	}

	if err := q.Retry(ctx, "doomed"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	lease = fetchOne(t, q)
	if got, _ := q.Cancelled(ctx, lease.Job.ID); got {
		t.Error("Cancelled = true on the retried pass")
	}
	if err := q.Ack(ctx, lease); err != nil {
		t.Errorf("Ack() error = %v", err)
	}
}

func TestBulkEnqueue_ClashWritesNothing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, jobstore.FamilyPlaceCall, []byte(`{}`), jobstore.Options{JobID: "taken"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	_, err := q.BulkEnqueue(ctx, []jobstore.Request{
		{Family: jobstore.FamilyPlaceCall, Payload: []byte(`{}`), Opts: jobstore.Options{JobID: "fresh-1"}},
		{Family: jobstore.FamilyPlaceCall, Payload: []byte(`{}`), Opts: jobstore.Options{JobID: "taken"}},
		{Family: jobstore.FamilyPlaceCall, Payload: []byte(`{}`), Opts: jobstore.Options{JobID: "fresh-2"}},
	})
	if err == nil || !strings.Contains(err.Error(), `"taken" already exists`) {
		t.Fatalf("BulkEnqueue() error = %v, want clash on taken", err)
	}

	// The clash must reject the whole batch, including entries listed before
	// the clashing id.
	for _, id := range []string{"fresh-1", "fresh-2"} {
		if _, err := q.Get(ctx, id); !errors.Is(err, jobstore.ErrNotFound) {
			t.Errorf("Get(%s) error = %v, want ErrNotFound after rejected batch", id, err)
		}
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Waiting != 1 {
		t.Errorf("Waiting = %d, want only the pre-existing job", stats.Waiting)
	}

	ids, err := q.BulkEnqueue(ctx, []jobstore.Request{
		{Family: jobstore.FamilyPlaceCall, Payload: []byte(`{}`), Opts: jobstore.Options{JobID: "fresh-1"}},
		{Family: jobstore.FamilyPlaceCall, Payload: []byte(`{}`), Opts: jobstore.Options{JobID: "fresh-2"}},
	})
	if err != nil {
		t.Fatalf("BulkEnqueue() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2", ids)
	}
	if stats, err = q.Stats(ctx); err != nil || stats.Waiting != 3 {
		t.Errorf("Waiting = %d (err %v), want 3", stats.Waiting, err)
	}
}
