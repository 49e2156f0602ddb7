package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — leads
// ─────────────────────────────────────────────────────────────────────────────

const ddlLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id                 BIGSERIAL    PRIMARY KEY,
    name               TEXT         NOT NULL DEFAULT '',
    email              TEXT         NOT NULL DEFAULT '',
    phone              TEXT         NOT NULL DEFAULT '',
    company            TEXT         NOT NULL DEFAULT '',
    source             TEXT         NOT NULL DEFAULT '',
    lead_status        TEXT         NOT NULL DEFAULT 'new',
    priority           TEXT         NOT NULL DEFAULT 'medium',
    notes              TEXT         NOT NULL DEFAULT '',
    metadata           JSONB        NOT NULL DEFAULT '{}',
    call_sid           TEXT,
    last_contacted_at  TIMESTAMPTZ,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_call_sid
    ON leads (call_sid) WHERE call_sid IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads (lead_status);
CREATE INDEX IF NOT EXISTS idx_leads_phone  ON leads (phone);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — call events (one row per call, keyed by call SID)
// ─────────────────────────────────────────────────────────────────────────────

const ddlCallEvents = `
CREATE TABLE IF NOT EXISTS call_events (
    id             BIGSERIAL    PRIMARY KEY,
    call_sid       TEXT         NOT NULL UNIQUE,
    call_status    TEXT         NOT NULL DEFAULT '',
    direction      TEXT         NOT NULL DEFAULT '',
    from_number    TEXT         NOT NULL DEFAULT '',
    to_number      TEXT         NOT NULL DEFAULT '',
    duration       INTEGER      NOT NULL DEFAULT 0,
    call_duration  INTEGER      NOT NULL DEFAULT 0,
    recording_url  TEXT         NOT NULL DEFAULT '',
    recording_sid  TEXT         NOT NULL DEFAULT '',
    last_event_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_events_to_number ON call_events (to_number);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — conversation transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS conversation_transcripts (
    id                   BIGSERIAL    PRIMARY KEY,
    call_sid             TEXT         NOT NULL,
    role                 TEXT         NOT NULL,
    content              TEXT         NOT NULL,
    provider_message_id  TEXT,
    timestamp            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    latency_metrics      JSONB
);

CREATE INDEX IF NOT EXISTS idx_transcripts_call_sid
    ON conversation_transcripts (call_sid, timestamp);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transcripts_message_id
    ON conversation_transcripts (call_sid, provider_message_id)
    WHERE provider_message_id IS NOT NULL;
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — call recordings
// ─────────────────────────────────────────────────────────────────────────────

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS call_recordings (
    id             BIGSERIAL    PRIMARY KEY,
    call_sid       TEXT         NOT NULL,
    recording_sid  TEXT         NOT NULL UNIQUE,
    storage_path   TEXT         NOT NULL DEFAULT '',
    duration       INTEGER      NOT NULL DEFAULT 0,
    size_bytes     BIGINT       NOT NULL DEFAULT 0,
    status         TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_completed
    ON call_recordings (call_sid) WHERE status = 'completed';
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — users (owned by the auth collaborator; schema only)
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id             BIGSERIAL    PRIMARY KEY,
    email          TEXT         NOT NULL UNIQUE,
    password_hash  TEXT         NOT NULL,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all tables and indexes if they do not exist. It is safe to
// run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlLeads, ddlCallEvents, ddlTranscripts, ddlRecordings, ddlUsers} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
