// Package store is the linkage and persistence layer: it exclusively owns the
// leads, call_events, conversation_transcripts and call_recordings rows and
// exposes idempotent write operations that tolerate out-of-order and replayed
// webhooks.
//
// All write paths are safe to replay: call events merge by field with a
// terminal-status guard, transcripts dedupe on (call_sid, provider message
// id), and lead linkage happens at most once per call SID (enforced by a
// unique index).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLinkConflict is returned when a call SID is already linked to a
// different lead. This is an invariant violation requiring operator
// intervention.
var ErrLinkConflict = errors.New("store: call sid already linked to another lead")

// Store is the PostgreSQL-backed persistence layer. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports database reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Call events ────────────────────────────────────────────────────────────────

// UpsertCallEvent inserts or merges the single row for evt.CallSID.
// Non-empty incoming fields overwrite; empty ones keep the stored value; a
// terminal status is never regressed to a non-terminal one. Replaying the
// same event yields the same row.
func (s *Store) UpsertCallEvent(ctx context.Context, evt CallEvent) error {
	if evt.CallSID == "" {
		return fmt.Errorf("store: upsert call event: missing call sid")
	}
	if evt.LastEventAt.IsZero() {
		evt.LastEventAt = time.Now()
	}

	const q = `
		INSERT INTO call_events
		    (call_sid, call_status, direction, from_number, to_number,
		     duration, call_duration, recording_url, recording_sid, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_sid) DO UPDATE SET
		    call_status = CASE
		        WHEN EXCLUDED.call_status = '' THEN call_events.call_status
		        WHEN call_events.call_status IN ('completed','failed','canceled','no-answer','busy')
		             AND EXCLUDED.call_status NOT IN ('completed','failed','canceled','no-answer','busy')
		            THEN call_events.call_status
		        ELSE EXCLUDED.call_status
		    END,
		    direction     = COALESCE(NULLIF(EXCLUDED.direction, ''), call_events.direction),
		    from_number   = COALESCE(NULLIF(EXCLUDED.from_number, ''), call_events.from_number),
		    to_number     = COALESCE(NULLIF(EXCLUDED.to_number, ''), call_events.to_number),
		    duration      = GREATEST(call_events.duration, EXCLUDED.duration),
		    call_duration = GREATEST(call_events.call_duration, EXCLUDED.call_duration),
		    recording_url = COALESCE(NULLIF(EXCLUDED.recording_url, ''), call_events.recording_url),
		    recording_sid = COALESCE(NULLIF(EXCLUDED.recording_sid, ''), call_events.recording_sid),
		    last_event_at = GREATEST(call_events.last_event_at, EXCLUDED.last_event_at),
		    updated_at    = now()`

	_, err := s.pool.Exec(ctx, q,
		evt.CallSID, evt.Status, evt.Direction, evt.FromNumber, evt.ToNumber,
		evt.Duration, evt.CallDuration, evt.RecordingURL, evt.RecordingSID, evt.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert call event: %w", err)
	}
	return nil
}

// GetCallEvent returns the row for callSID.
func (s *Store) GetCallEvent(ctx context.Context, callSID string) (*CallEvent, error) {
	const q = `
		SELECT call_sid, call_status, direction, from_number, to_number,
		       duration, call_duration, recording_url, recording_sid,
		       last_event_at, created_at, updated_at
		FROM   call_events
		WHERE  call_sid = $1`

	var evt CallEvent
	err := s.pool.QueryRow(ctx, q, callSID).Scan(
		&evt.CallSID, &evt.Status, &evt.Direction, &evt.FromNumber, &evt.ToNumber,
		&evt.Duration, &evt.CallDuration, &evt.RecordingURL, &evt.RecordingSID,
		&evt.LastEventAt, &evt.CreatedAt, &evt.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get call event: %w", err)
	}
	return &evt, nil
}

// ── Transcripts ────────────────────────────────────────────────────────────────

// AppendTranscript inserts one utterance. When a provider message id is
// present the insert dedupes on (call_sid, provider_message_id), so replays
// yield exactly one row. A minimal in-progress call event is created first if
// none exists, so transcript rows always reference a call.
func (s *Store) AppendTranscript(ctx context.Context, entry TranscriptEntry) error {
	if entry.CallSID == "" {
		return fmt.Errorf("store: append transcript: missing call sid")
	}
	if !entry.Role.IsValid() {
		return fmt.Errorf("store: append transcript: invalid role %q", entry.Role)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	const ensure = `
		INSERT INTO call_events (call_sid, call_status)
		VALUES ($1, 'in-progress')
		ON CONFLICT (call_sid) DO NOTHING`
	if _, err := s.pool.Exec(ctx, ensure, entry.CallSID); err != nil {
		return fmt.Errorf("store: append transcript: ensure call event: %w", err)
	}

	var msgID *string
	if entry.ProviderMessageID != "" {
		msgID = &entry.ProviderMessageID
	}

	if msgID != nil {
		const q = `
			INSERT INTO conversation_transcripts
			    (call_sid, role, content, provider_message_id, timestamp, latency_metrics)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (call_sid, provider_message_id) WHERE provider_message_id IS NOT NULL
			DO NOTHING`
		if _, err := s.pool.Exec(ctx, q,
			entry.CallSID, entry.Role, entry.Content, msgID, entry.Timestamp, entry.LatencyMetrics,
		); err != nil {
			return fmt.Errorf("store: append transcript: %w", err)
		}
		return nil
	}

	const q = `
		INSERT INTO conversation_transcripts
		    (call_sid, role, content, provider_message_id, timestamp, latency_metrics)
		VALUES ($1, $2, $3, NULL, $4, $5)`
	if _, err := s.pool.Exec(ctx, q,
		entry.CallSID, entry.Role, entry.Content, entry.Timestamp, entry.LatencyMetrics,
	); err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}
	return nil
}

// TranscriptsForCall returns all utterances of a call ordered by timestamp,
// insertion order breaking ties.
func (s *Store) TranscriptsForCall(ctx context.Context, callSID string) ([]TranscriptEntry, error) {
	const q = `
		SELECT id, call_sid, role, content, COALESCE(provider_message_id, ''), timestamp, latency_metrics
		FROM   conversation_transcripts
		WHERE  call_sid = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, callSID)
	if err != nil {
		return nil, fmt.Errorf("store: transcripts for call: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptEntry, error) {
		var e TranscriptEntry
		err := row.Scan(&e.ID, &e.CallSID, &e.Role, &e.Content, &e.ProviderMessageID,
			&e.Timestamp, &e.LatencyMetrics)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: transcripts for call: scan: %w", err)
	}
	return entries, nil
}

// ── Lead linkage ───────────────────────────────────────────────────────────────

// LinkLead attaches callSID to the lead it belongs to, exactly once. If a
// lead already carries the SID this is a no-op. Otherwise the call's
// to-number is looked up and the most recent unlinked lead with that phone is
// linked. Called on the first transcript of a call; failures are logged by
// the caller, never propagated to the media path.
func (s *Store) LinkLead(ctx context.Context, callSID string) error {
	if callSID == "" {
		return fmt.Errorf("store: link lead: missing call sid")
	}

	var linked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM leads WHERE call_sid = $1)`, callSID,
	).Scan(&linked)
	if err != nil {
		return fmt.Errorf("store: link lead: check existing: %w", err)
	}
	if linked {
		return nil
	}

	var toNumber string
	err = s.pool.QueryRow(ctx,
		`SELECT to_number FROM call_events WHERE call_sid = $1`, callSID,
	).Scan(&toNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: link lead: lookup call: %w", err)
	}
	if toNumber == "" {
		return nil // nothing to match against
	}

	const q = `
		UPDATE leads SET call_sid = $1, updated_at = now()
		WHERE id = (
		    SELECT id FROM leads
		    WHERE phone = $2 AND call_sid IS NULL
		    ORDER BY created_at DESC
		    LIMIT 1
		)`
	tag, err := s.pool.Exec(ctx, q, callSID, toNumber)
	if isUniqueViolation(err) {
		// Another lead acquired this SID concurrently; the unique index keeps
		// the invariant, so treat as already linked.
		slog.Error("store: call sid linkage conflict", "call_sid", callSID)
		return ErrLinkConflict
	}
	if err != nil {
		return fmt.Errorf("store: link lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("store: no unlinked lead matches call", "call_sid", callSID, "to_number", toNumber)
	}
	return nil
}

// ── Recordings ─────────────────────────────────────────────────────────────────

// AttachRecording persists a recording descriptor for a call. Replays with
// the same recording SID update in place; a second completed recording for
// the same call violates the at-most-one invariant and returns an error.
func (s *Store) AttachRecording(ctx context.Context, rec CallRecording) error {
	if rec.CallSID == "" || rec.RecordingSID == "" {
		return fmt.Errorf("store: attach recording: missing call or recording sid")
	}

	const q = `
		INSERT INTO call_recordings
		    (call_sid, recording_sid, storage_path, duration, size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recording_sid) DO UPDATE SET
		    storage_path = COALESCE(NULLIF(EXCLUDED.storage_path, ''), call_recordings.storage_path),
		    duration     = GREATEST(call_recordings.duration, EXCLUDED.duration),
		    size_bytes   = GREATEST(call_recordings.size_bytes, EXCLUDED.size_bytes),
		    status       = EXCLUDED.status`

	_, err := s.pool.Exec(ctx, q,
		rec.CallSID, rec.RecordingSID, rec.StoragePath, rec.Duration, rec.Size, rec.Status,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("store: attach recording: second completed recording for call %s: %w",
			rec.CallSID, err)
	}
	if err != nil {
		return fmt.Errorf("store: attach recording: %w", err)
	}

	// Mirror the reference onto the call row so queries need no join.
	return s.UpsertCallEvent(ctx, CallEvent{
		CallSID:      rec.CallSID,
		RecordingSID: rec.RecordingSID,
		RecordingURL: rec.StoragePath,
	})
}

// ── Leads ──────────────────────────────────────────────────────────────────────

// CreateLead inserts a lead and returns its id. Used by the import and CRUD
// collaborators and by tests.
func (s *Store) CreateLead(ctx context.Context, l Lead) (int64, error) {
	if l.Status == "" {
		l.Status = LeadNew
	}
	if l.Priority == "" {
		l.Priority = LeadPriorityMedium
	}
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}

	const q = `
		INSERT INTO leads (name, email, phone, company, source, lead_status, priority, notes, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		l.Name, l.Email, l.Phone, l.Company, l.Source, l.Status, l.Priority, l.Notes, l.Metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create lead: %w", err)
	}
	return id, nil
}

// GetLead returns one lead by id.
func (s *Store) GetLead(ctx context.Context, id int64) (*Lead, error) {
	const q = `
		SELECT id, name, email, phone, company, source, lead_status, priority, notes,
		       metadata, COALESCE(call_sid, ''), COALESCE(last_contacted_at, 'epoch'::timestamptz),
		       created_at, updated_at
		FROM   leads
		WHERE  id = $1`

	var l Lead
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&l.ID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Source, &l.Status, &l.Priority,
		&l.Notes, &l.Metadata, &l.CallSID, &l.LastContactedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get lead: %w", err)
	}
	return &l, nil
}

// LeadsForRefill returns up to limit leads that are new and not yet tied to a
// call, newest first. The caller filters out leads without a phone number.
func (s *Store) LeadsForRefill(ctx context.Context, limit int) ([]Lead, error) {
	if limit <= 0 {
		return nil, nil
	}

	const q = `
		SELECT id, name, email, phone, company, source, lead_status, priority, notes,
		       metadata, COALESCE(call_sid, ''), COALESCE(last_contacted_at, 'epoch'::timestamptz),
		       created_at, updated_at
		FROM   leads
		WHERE  lead_status = 'new' AND call_sid IS NULL
		ORDER  BY created_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: leads for refill: %w", err)
	}
	leads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Lead, error) {
		var l Lead
		err := row.Scan(&l.ID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.Source,
			&l.Status, &l.Priority, &l.Notes, &l.Metadata, &l.CallSID,
			&l.LastContactedAt, &l.CreatedAt, &l.UpdatedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: leads for refill: scan: %w", err)
	}
	return leads, nil
}

// MarkLeadContacted records that a call was placed to the lead: sets the call
// SID, moves the lead to contacted, and stamps last_contacted_at.
func (s *Store) MarkLeadContacted(ctx context.Context, leadID int64, callSID string) error {
	const q = `
		UPDATE leads
		SET    call_sid = $2, lead_status = 'contacted',
		       last_contacted_at = now(), updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, leadID, callSID)
	if isUniqueViolation(err) {
		return ErrLinkConflict
	}
	if err != nil {
		return fmt.Errorf("store: mark lead contacted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
