package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relaydial/relaydial/internal/jobstore"
	"github.com/relaydial/relaydial/internal/jobstore/memq"
	"github.com/relaydial/relaydial/internal/worker"
)

type fakeRefillRunner struct {
	payload worker.RefillPayload
	result  worker.RefillResult
	err     error
}

func (f *fakeRefillRunner) RunRefill(ctx context.Context, payload worker.RefillPayload) (worker.RefillResult, error) {
	f.payload = payload
	return f.result, f.err
}

func TestCallRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CallRequest
		wantErr string
	}{
		{"valid", CallRequest{To: "+15550001111"}, ""},
		{"valid without plus", CallRequest{To: "15550001111"}, ""},
		{"missing to", CallRequest{}, "'to' is required"},
		{"letters in number", CallRequest{To: "+1555ABC1111"}, "not a phone number"},
		{"too short", CallRequest{To: "+123"}, "not a phone number"},
		{"unknown priority", CallRequest{To: "+15550001111", Priority: "urgent"}, "unknown priority"},
		{"valid priority", CallRequest{To: "+15550001111", Priority: "low"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}

	t.Run("multiple failures are joined", func(t *testing.T) {
		err := (&CallRequest{Priority: "urgent"}).Validate()
		if err == nil {
			t.Fatal("Validate() succeeded")
		}
		if !strings.Contains(err.Error(), "'to' is required") || !strings.Contains(err.Error(), "unknown priority") {
			t.Errorf("Validate() error = %v, want both failures", err)
		}
	})
}

func TestRefillRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     RefillRequest
		wantErr bool
	}{
		{"valid minimal", RefillRequest{LeadLimit: 10}, false},
		{"valid with cron", RefillRequest{CronExpression: "0 9 * * 1-5", LeadLimit: 50}, false},
		{"bad cron", RefillRequest{CronExpression: "not cron"}, true},
		{"negative lead limit", RefillRequest{LeadLimit: -1}, true},
		{"lead limit above cap", RefillRequest{LeadLimit: 1001}, true},
		{"lead limit at cap", RefillRequest{LeadLimit: 1000}, false},
		{"unknown priority", RefillRequest{Priority: "asap"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleImmediate(t *testing.T) {
	queue := memq.New()
	s := New(queue, nil, WithRetryPolicy(5, time.Second))

	id, err := s.ScheduleImmediate(context.Background(), CallRequest{
		To:       "+15550001111",
		Message:  "hello",
		Priority: "high",
	})
	if err != nil {
		t.Fatalf("ScheduleImmediate() error = %v", err)
	}

	job, err := queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.State != jobstore.StateWaiting {
		t.Errorf("State = %s, want waiting", job.State)
	}
	if job.Priority != jobstore.PriorityHigh {
		t.Errorf("Priority = %d, want high", job.Priority)
	}
	if job.MaxAttempts != 5 || job.BackoffBase != time.Second {
		t.Errorf("retry policy = (%d, %v), want (5, 1s)", job.MaxAttempts, job.BackoffBase)
	}

	if _, err := s.ScheduleImmediate(context.Background(), CallRequest{}); err == nil {
		t.Error("ScheduleImmediate() accepted an invalid request")
	}
}

func TestScheduleDelayed(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newScheduler := func(queue jobstore.Store) *Scheduler {
		s := New(queue, nil)
		s.now = func() time.Time { return base }
		return s
	}

	t.Run("schedule at a future time", func(t *testing.T) {
		queue := memq.New(memq.WithClock(func() time.Time { return base }))
		s := newScheduler(queue)

		id, err := s.ScheduleDelayed(context.Background(), DelayedCallRequest{
			CallRequest: CallRequest{To: "+15550001111"},
			ScheduleAt:  base.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("ScheduleDelayed() error = %v", err)
		}
		job, _ := queue.Get(context.Background(), id)
		if job.State != jobstore.StateDelayed {
			t.Errorf("State = %s, want delayed", job.State)
		}
		if !job.ScheduledAt.Equal(base.Add(time.Hour)) {
			t.Errorf("ScheduledAt = %v, want %v", job.ScheduledAt, base.Add(time.Hour))
		}
	})

	t.Run("schedule at wins over delay", func(t *testing.T) {
		queue := memq.New(memq.WithClock(func() time.Time { return base }))
		s := newScheduler(queue)

		id, err := s.ScheduleDelayed(context.Background(), DelayedCallRequest{
			CallRequest: CallRequest{To: "+15550001111"},
			ScheduleAt:  base.Add(30 * time.Minute),
			DelayMS:     1,
		})
		if err != nil {
			t.Fatalf("ScheduleDelayed() error = %v", err)
		}
		job, _ := queue.Get(context.Background(), id)
		if !job.ScheduledAt.Equal(base.Add(30 * time.Minute)) {
			t.Errorf("ScheduledAt = %v, want schedule_at target", job.ScheduledAt)
		}
	})

	t.Run("past target dispatches immediately", func(t *testing.T) {
		queue := memq.New(memq.WithClock(func() time.Time { return base }))
		s := newScheduler(queue)

		id, err := s.ScheduleDelayed(context.Background(), DelayedCallRequest{
			CallRequest: CallRequest{To: "+15550001111"},
			ScheduleAt:  base.Add(-time.Hour),
		})
		if err != nil {
			t.Fatalf("ScheduleDelayed() error = %v", err)
		}
		job, _ := queue.Get(context.Background(), id)
		if job.State != jobstore.StateWaiting {
			t.Errorf("State = %s, want waiting", job.State)
		}
	})
}

func TestScheduleRecurring(t *testing.T) {
	queue := memq.New()
	s := New(queue, nil)

	t.Run("requires a cron expression", func(t *testing.T) {
		_, err := s.ScheduleRecurring(context.Background(), RecurringCallRequest{
			CallRequest: CallRequest{To: "+15550001111"},
		})
		if err == nil || !strings.Contains(err.Error(), "cron expression is required") {
			t.Fatalf("err = %v, want missing-cron error", err)
		}
	})

	t.Run("rejects bad cron syntax", func(t *testing.T) {
		_, err := s.ScheduleRecurring(context.Background(), RecurringCallRequest{
			CallRequest:    CallRequest{To: "+15550001111"},
			CronExpression: "every day",
		})
		if err == nil {
			t.Fatal("ScheduleRecurring() accepted bad cron syntax")
		}
	})

	t.Run("registers the repeat", func(t *testing.T) {
		id, err := s.ScheduleRecurring(context.Background(), RecurringCallRequest{
			CallRequest:    CallRequest{To: "+15550001111"},
			CronExpression: "0 9 * * *",
		})
		if err != nil {
			t.Fatalf("ScheduleRecurring() error = %v", err)
		}
		schedules, err := s.ListSchedules(context.Background())
		if err != nil {
			t.Fatalf("ListSchedules() error = %v", err)
		}
		if len(schedules) != 1 || schedules[0].JobID != id || schedules[0].Pattern != "0 9 * * *" {
			t.Fatalf("schedules = %+v, want one entry for %s", schedules, id)
		}

		if err := s.StopSchedule(context.Background(), id); err != nil {
			t.Fatalf("StopSchedule() error = %v", err)
		}
		schedules, _ = s.ListSchedules(context.Background())
		if len(schedules) != 0 {
			t.Errorf("schedules after stop = %+v, want none", schedules)
		}
	})

	t.Run("stop requires an id", func(t *testing.T) {
		if err := s.StopSchedule(context.Background(), ""); err == nil {
			t.Error("StopSchedule(\"\") succeeded")
		}
	})
}

func TestScheduleBulk(t *testing.T) {
	t.Run("atomic on validation failure", func(t *testing.T) {
		queue := memq.New()
		s := New(queue, nil)

		_, err := s.ScheduleBulk(context.Background(), []CallRequest{
			{To: "+15550001111"},
			{To: "bogus"},
		})
		if err == nil {
			t.Fatal("ScheduleBulk() accepted an invalid entry")
		}
		if !strings.Contains(err.Error(), "entry 1") {
			t.Errorf("err = %v, want the failing entry named", err)
		}
		stats, _ := queue.Stats(context.Background())
		if stats.Waiting != 0 {
			t.Errorf("queue waiting = %d after failed bulk, want 0", stats.Waiting)
		}
	})

	t.Run("schedules all valid entries", func(t *testing.T) {
		queue := memq.New()
		s := New(queue, nil)

		ids, err := s.ScheduleBulk(context.Background(), []CallRequest{
			{To: "+15550001111", Priority: "high"},
			{To: "+15550002222"},
		})
		if err != nil {
			t.Fatalf("ScheduleBulk() error = %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("ids = %v, want 2", ids)
		}
		stats, _ := queue.Stats(context.Background())
		if stats.Waiting != 2 {
			t.Errorf("queue waiting = %d, want 2", stats.Waiting)
		}
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		s := New(memq.New(), nil)
		ids, err := s.ScheduleBulk(context.Background(), nil)
		if err != nil || len(ids) != 0 {
			t.Errorf("ScheduleBulk(nil) = %v, %v", ids, err)
		}
	})
}

func TestScheduleRefill(t *testing.T) {
	queue := memq.New()
	s := New(queue, nil)

	if _, err := s.ScheduleRefill(context.Background(), RefillRequest{LeadLimit: 10}); err == nil {
		t.Error("ScheduleRefill() accepted a request without cron")
	}

	id, err := s.ScheduleRefill(context.Background(), RefillRequest{
		CronExpression: "0 3 * * *",
		LeadLimit:      25,
	})
	if err != nil {
		t.Fatalf("ScheduleRefill() error = %v", err)
	}
	schedules, _ := s.ListSchedules(context.Background())
	if len(schedules) != 1 || schedules[0].JobID != id {
		t.Fatalf("schedules = %+v", schedules)
	}
	if schedules[0].Family != jobstore.FamilyRefill {
		t.Errorf("Family = %s, want refill", schedules[0].Family)
	}
}

func TestRunRefillNow(t *testing.T) {
	runner := &fakeRefillRunner{result: worker.RefillResult{Scheduled: 3}}
	s := New(memq.New(), runner)

	result, err := s.RunRefillNow(context.Background(), RefillRequest{
		CronExpression: "0 3 * * *", // ignored for one-shot runs
		Message:        "follow up",
		Priority:       "low",
		LeadLimit:      30,
	})
	if err != nil {
		t.Fatalf("RunRefillNow() error = %v", err)
	}
	if result.Scheduled != 3 {
		t.Errorf("Scheduled = %d, want 3", result.Scheduled)
	}
	if runner.payload.LeadLimit != 30 || runner.payload.Priority != "low" || runner.payload.Message != "follow up" {
		t.Errorf("runner payload = %+v", runner.payload)
	}

	if _, err := s.RunRefillNow(context.Background(), RefillRequest{LeadLimit: -5}); err == nil {
		t.Error("RunRefillNow() accepted a negative lead limit")
	}

	runner.err = errors.New("no leads")
	if _, err := s.RunRefillNow(context.Background(), RefillRequest{LeadLimit: 1}); err == nil {
		t.Error("RunRefillNow() swallowed the runner error")
	}
}
