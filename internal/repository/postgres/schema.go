package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is idempotent so both binaries can apply it at startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		event_id     UUID NOT NULL UNIQUE,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_unclaimed
		ON outbox_events (created_at, id) WHERE published_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_in_flight
		ON outbox_events (published_at) WHERE published_at IS NOT NULL AND delivered_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_delivered
		ON outbox_events (delivered_at) WHERE delivered_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS outbox_events_archive (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		event_id     UUID NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		attempts     INTEGER NOT NULL,
		last_error   TEXT,
		archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		tenant_id         TEXT NOT NULL,
		client_request_id TEXT NOT NULL,
		operation_name    TEXT NOT NULL,
		request_hash      TEXT NOT NULL,
		result_payload    JSONB NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, client_request_id, operation_name)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		tenant_id     TEXT NOT NULL,
		event_id      UUID NOT NULL,
		consumer_name TEXT NOT NULL,
		processed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (event_id, consumer_name)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_events (
		id              UUID PRIMARY KEY,
		event_id        UUID NOT NULL,
		tenant_id       TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		consumer_name   TEXT NOT NULL,
		payload         JSONB NOT NULL,
		error_message   TEXT NOT NULL,
		failed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		retry_count     INTEGER NOT NULL DEFAULT 0,
		resolved_at     TIMESTAMPTZ,
		resolved_by     TEXT,
		resolution_note TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_dead_letter_events_open
		ON dead_letter_events (event_id, consumer_name) WHERE resolved_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letter_events_type_failed
		ON dead_letter_events (event_type, failed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS tenders (
		id           UUID PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		currency     TEXT NOT NULL,
		method       TEXT NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              UUID PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		tender_id       UUID NOT NULL,
		source_event_id UUID NOT NULL,
		account         TEXT NOT NULL,
		amount_cents    BIGINT NOT NULL,
		posted_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_tender ON ledger_entries (tenant_id, tender_id)`,
}

// Migrate creates the tables this service owns.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
