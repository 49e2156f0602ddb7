package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydial/relaydial/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if RELAYDIAL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RELAYDIAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYDIAL_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema. It calls
// t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS conversation_transcripts CASCADE",
		"DROP TABLE IF EXISTS call_recordings CASCADE",
		"DROP TABLE IF EXISTS call_events CASCADE",
		"DROP TABLE IF EXISTS leads CASCADE",
		"DROP TABLE IF EXISTS users CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func mustLead(t *testing.T, s *store.Store, l store.Lead) int64 {
	t.Helper()
	id, err := s.CreateLead(context.Background(), l)
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	return id
}

// ─────────────────────────────────────────────────────────────────────────────
// Call events
// ─────────────────────────────────────────────────────────────────────────────

func TestUpsertCallEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("creates then merges fields", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-merge", Status: "initiated", ToNumber: "+15550001111",
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		// A later webhook carries the direction but no to-number.
		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-merge", Status: "ringing", Direction: "outbound-api",
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}

		evt, err := s.GetCallEvent(ctx, "CA-merge")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.Status != "ringing" || evt.Direction != "outbound-api" || evt.ToNumber != "+15550001111" {
			t.Errorf("merged event = %+v", evt)
		}
	})

	t.Run("terminal status never regresses", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-late", Status: "completed", Duration: 42,
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		// An out-of-order in-progress webhook arrives after completion.
		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-late", Status: "in-progress",
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}

		evt, err := s.GetCallEvent(ctx, "CA-late")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.Status != "completed" {
			t.Errorf("Status = %q, want completed to survive a late webhook", evt.Status)
		}
		if evt.Duration != 42 {
			t.Errorf("Duration = %d, want 42", evt.Duration)
		}
	})

	t.Run("terminal replaces terminal", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{CallSID: "CA-redo", Status: "no-answer"}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		if err := s.UpsertCallEvent(ctx, store.CallEvent{CallSID: "CA-redo", Status: "completed"}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		evt, err := s.GetCallEvent(ctx, "CA-redo")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.Status != "completed" {
			t.Errorf("Status = %q, want completed", evt.Status)
		}
	})

	t.Run("replayed terminal webhook is idempotent", func(t *testing.T) {
		evt := store.CallEvent{
			CallSID: "CA-replay", Status: "completed",
			ToNumber: "+15550002222", Duration: 30, CallDuration: 28,
		}
		for i := 0; i < 3; i++ {
			if err := s.UpsertCallEvent(ctx, evt); err != nil {
				t.Fatalf("UpsertCallEvent replay %d: %v", i, err)
			}
		}
		got, err := s.GetCallEvent(ctx, "CA-replay")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if got.Status != "completed" || got.Duration != 30 || got.CallDuration != 28 {
			t.Errorf("replayed row = %+v", got)
		}
	})

	t.Run("durations keep the maximum", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{CallSID: "CA-dur", Status: "completed", Duration: 60}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		// A stale retry carries a shorter partial duration.
		if err := s.UpsertCallEvent(ctx, store.CallEvent{CallSID: "CA-dur", Status: "completed", Duration: 12}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		evt, err := s.GetCallEvent(ctx, "CA-dur")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.Duration != 60 {
			t.Errorf("Duration = %d, want 60", evt.Duration)
		}
	})

	t.Run("missing call sid rejected", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{Status: "ringing"}); err == nil {
			t.Error("UpsertCallEvent without sid succeeded")
		}
	})

	t.Run("unknown sid not found", func(t *testing.T) {
		if _, err := s.GetCallEvent(ctx, "CA-nope"); err != store.ErrNotFound {
			t.Errorf("GetCallEvent error = %v, want ErrNotFound", err)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcripts
// ─────────────────────────────────────────────────────────────────────────────

func TestAppendTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("dedupes on provider message id", func(t *testing.T) {
		entry := store.TranscriptEntry{
			CallSID: "CA-dup", Role: store.RoleAssistant,
			Content: "hello, am I speaking with Sam?", ProviderMessageID: "item_1",
		}
		// The realtime peer retransmits the completed event.
		for i := 0; i < 2; i++ {
			if err := s.AppendTranscript(ctx, entry); err != nil {
				t.Fatalf("AppendTranscript replay %d: %v", i, err)
			}
		}
		entries, err := s.TranscriptsForCall(ctx, "CA-dup")
		if err != nil {
			t.Fatalf("TranscriptsForCall: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("len(entries) = %d, want 1 after replay", len(entries))
		}
		if entries[0].Content != entry.Content || entries[0].ProviderMessageID != "item_1" {
			t.Errorf("entry = %+v", entries[0])
		}
	})

	t.Run("auto-creates the call event", func(t *testing.T) {
		if err := s.AppendTranscript(ctx, store.TranscriptEntry{
			CallSID: "CA-fresh", Role: store.RoleUser, Content: "yes, speaking",
		}); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
		evt, err := s.GetCallEvent(ctx, "CA-fresh")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.Status != "in-progress" {
			t.Errorf("auto-created status = %q, want in-progress", evt.Status)
		}
	})

	t.Run("entries without message id all kept in order", func(t *testing.T) {
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		for i, content := range []string{"first", "second"} {
			if err := s.AppendTranscript(ctx, store.TranscriptEntry{
				CallSID: "CA-noid", Role: store.RoleUser,
				Content: content, Timestamp: base.Add(time.Duration(i) * time.Second),
			}); err != nil {
				t.Fatalf("AppendTranscript: %v", err)
			}
		}
		entries, err := s.TranscriptsForCall(ctx, "CA-noid")
		if err != nil {
			t.Fatalf("TranscriptsForCall: %v", err)
		}
		if len(entries) != 2 || entries[0].Content != "first" || entries[1].Content != "second" {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("latency metrics round-trip", func(t *testing.T) {
		if err := s.AppendTranscript(ctx, store.TranscriptEntry{
			CallSID: "CA-lat", Role: store.RoleAssistant, Content: "sure",
			ProviderMessageID: "item_9",
			LatencyMetrics:    map[string]any{"time_to_first_audio_ms": float64(310)},
		}); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
		entries, err := s.TranscriptsForCall(ctx, "CA-lat")
		if err != nil {
			t.Fatalf("TranscriptsForCall: %v", err)
		}
		if len(entries) != 1 || entries[0].LatencyMetrics["time_to_first_audio_ms"] != float64(310) {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		err := s.AppendTranscript(ctx, store.TranscriptEntry{
			CallSID: "CA-bad", Role: "system", Content: "nope",
		})
		if err == nil || !strings.Contains(err.Error(), "invalid role") {
			t.Errorf("AppendTranscript error = %v, want invalid role", err)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Lead linkage
// ─────────────────────────────────────────────────────────────────────────────

func TestLinkLead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("links the newest unlinked lead by phone", func(t *testing.T) {
		older := mustLead(t, s, store.Lead{Name: "Old Sam", Phone: "+15550003333"})
		time.Sleep(5 * time.Millisecond) // distinct created_at
		newer := mustLead(t, s, store.Lead{Name: "New Sam", Phone: "+15550003333"})

		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-link", Status: "in-progress", ToNumber: "+15550003333",
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		if err := s.LinkLead(ctx, "CA-link"); err != nil {
			t.Fatalf("LinkLead: %v", err)
		}

		got, err := s.GetLead(ctx, newer)
		if err != nil {
			t.Fatalf("GetLead: %v", err)
		}
		if got.CallSID != "CA-link" {
			t.Errorf("newer lead CallSID = %q, want CA-link", got.CallSID)
		}
		if got, err = s.GetLead(ctx, older); err != nil || got.CallSID != "" {
			t.Errorf("older lead CallSID = %q (err %v), want unlinked", got.CallSID, err)
		}

		// A second link of the same call is a no-op, not a second row.
		if err := s.LinkLead(ctx, "CA-link"); err != nil {
			t.Fatalf("LinkLead replay: %v", err)
		}
		if got, err = s.GetLead(ctx, older); err != nil || got.CallSID != "" {
			t.Errorf("older lead CallSID = %q (err %v) after replay, want unlinked", got.CallSID, err)
		}
	})

	t.Run("no matching lead is a no-op", func(t *testing.T) {
		if err := s.UpsertCallEvent(ctx, store.CallEvent{
			CallSID: "CA-stranger", Status: "in-progress", ToNumber: "+15550009999",
		}); err != nil {
			t.Fatalf("UpsertCallEvent: %v", err)
		}
		if err := s.LinkLead(ctx, "CA-stranger"); err != nil {
			t.Errorf("LinkLead with no candidate = %v, want nil", err)
		}
	})

	t.Run("unknown call sid not found", func(t *testing.T) {
		if err := s.LinkLead(ctx, "CA-ghost"); err != store.ErrNotFound {
			t.Errorf("LinkLead error = %v, want ErrNotFound", err)
		}
	})

	t.Run("call sid cannot span two leads", func(t *testing.T) {
		first := mustLead(t, s, store.Lead{Name: "Ada", Phone: "+15550004444"})
		second := mustLead(t, s, store.Lead{Name: "Grace", Phone: "+15550005555"})

		if err := s.MarkLeadContacted(ctx, first, "CA-once"); err != nil {
			t.Fatalf("MarkLeadContacted: %v", err)
		}
		if err := s.MarkLeadContacted(ctx, second, "CA-once"); err != store.ErrLinkConflict {
			t.Errorf("MarkLeadContacted duplicate sid = %v, want ErrLinkConflict", err)
		}
	})
}

func TestMarkLeadContacted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustLead(t, s, store.Lead{Name: "Lin", Phone: "+15550006666"})
	if err := s.MarkLeadContacted(ctx, id, "CA-contact"); err != nil {
		t.Fatalf("MarkLeadContacted: %v", err)
	}

	got, err := s.GetLead(ctx, id)
	if err != nil {
		t.Fatalf("GetLead: %v", err)
	}
	if got.Status != store.LeadContacted || got.CallSID != "CA-contact" {
		t.Errorf("lead = %+v, want contacted with CA-contact", got)
	}
	if got.LastContactedAt.IsZero() {
		t.Error("LastContactedAt not stamped")
	}

	if err := s.MarkLeadContacted(ctx, id+1000, "CA-other"); err != store.ErrNotFound {
		t.Errorf("MarkLeadContacted(unknown) = %v, want ErrNotFound", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Recordings
// ─────────────────────────────────────────────────────────────────────────────

func TestAttachRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("replay updates in place and mirrors the call row", func(t *testing.T) {
		rec := store.CallRecording{
			CallSID: "CA-rec", RecordingSID: "RE1",
			StoragePath: "https://api.example.com/RE1", Duration: 90, Status: "completed",
		}
		if err := s.AttachRecording(ctx, rec); err != nil {
			t.Fatalf("AttachRecording: %v", err)
		}
		// The provider retries the webhook with a larger size.
		rec.Size = 720000
		if err := s.AttachRecording(ctx, rec); err != nil {
			t.Fatalf("AttachRecording replay: %v", err)
		}

		evt, err := s.GetCallEvent(ctx, "CA-rec")
		if err != nil {
			t.Fatalf("GetCallEvent: %v", err)
		}
		if evt.RecordingSID != "RE1" || evt.RecordingURL != "https://api.example.com/RE1" {
			t.Errorf("mirrored call row = %+v", evt)
		}
	})

	t.Run("second completed recording for a call rejected", func(t *testing.T) {
		if err := s.AttachRecording(ctx, store.CallRecording{
			CallSID: "CA-two", RecordingSID: "RE2", Status: "completed",
		}); err != nil {
			t.Fatalf("AttachRecording: %v", err)
		}
		err := s.AttachRecording(ctx, store.CallRecording{
			CallSID: "CA-two", RecordingSID: "RE3", Status: "completed",
		})
		if err == nil || !strings.Contains(err.Error(), "second completed recording") {
			t.Errorf("AttachRecording error = %v, want second-recording rejection", err)
		}
	})

	t.Run("missing sids rejected", func(t *testing.T) {
		if err := s.AttachRecording(ctx, store.CallRecording{RecordingSID: "RE4"}); err == nil {
			t.Error("AttachRecording without call sid succeeded")
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Refill queries
// ─────────────────────────────────────────────────────────────────────────────

func TestLeadsForRefill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustLead(t, s, store.Lead{Name: "One", Phone: "+15550007001"})
	time.Sleep(5 * time.Millisecond) // distinct created_at
	second := mustLead(t, s, store.Lead{Name: "Two", Phone: "+15550007002"})
	contacted := mustLead(t, s, store.Lead{Name: "Done", Phone: "+15550007003"})
	if err := s.MarkLeadContacted(ctx, contacted, "CA-done"); err != nil {
		t.Fatalf("MarkLeadContacted: %v", err)
	}

	leads, err := s.LeadsForRefill(ctx, 10)
	if err != nil {
		t.Fatalf("LeadsForRefill: %v", err)
	}
	if len(leads) != 2 {
		t.Fatalf("len(leads) = %d, want 2 (contacted lead excluded)", len(leads))
	}
	if leads[0].ID != second || leads[1].ID != first {
		t.Errorf("order = [%d %d], want newest first [%d %d]", leads[0].ID, leads[1].ID, second, first)
	}

	if leads, err = s.LeadsForRefill(ctx, 1); err != nil || len(leads) != 1 {
		t.Errorf("LeadsForRefill(1) = (%d leads, %v), want 1", len(leads), err)
	}
	if leads, err = s.LeadsForRefill(ctx, 0); err != nil || leads != nil {
		t.Errorf("LeadsForRefill(0) = (%v, %v), want nil", leads, err)
	}
}
