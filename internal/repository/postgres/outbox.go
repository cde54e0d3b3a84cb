package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

const outboxColumns = `id, tenant_id, event_id, event_type, payload, created_at,
	published_at, delivered_at, attempts, last_error`

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

func (r *outboxRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, events ...*model.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, tenant_id, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, event := range events {
		if event == nil || event.Payload == nil {
			return fmt.Errorf("event payload cannot be nil")
		}
		_, err := tx.ExecContext(ctx, query,
			event.ID,
			event.TenantID,
			event.EventID,
			event.EventType,
			string(event.Payload),
			event.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}
	return nil
}

// Claim marks up to limit unclaimed rows as published in one statement.
// Rows locked by another worker are skipped rather than waited on.
func (r *outboxRepository) Claim(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	query := `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	// RETURNING carries no ordering guarantee.
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// RecoverStale makes rows claimable again when their claim is older than
// threshold and dispatch never reconciled them.
func (r *outboxRepository) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	query := `
		UPDATE outbox_events
		SET published_at = NULL
		WHERE published_at IS NOT NULL
		AND delivered_at IS NULL
		AND published_at < now() - ($1 * interval '1 millisecond')
	`
	result, err := r.db.ExecContext(ctx, query, threshold.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale claims: %w", err)
	}
	return result.RowsAffected()
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_events SET delivered_at = now() WHERE id = $1 AND delivered_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark outbox event delivered: %w", err)
	}
	return nil
}

func (r *outboxRepository) Unclaim(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE outbox_events
		SET published_at = NULL, attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND delivered_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, lastError); err != nil {
		return fmt.Errorf("failed to unclaim outbox event: %w", err)
	}
	return nil
}

// DeadLetter records the failures and closes the outbox row in one short
// transaction. The row stays claimed so it is never redelivered automatically.
func (r *outboxRepository) DeadLetter(ctx context.Context, id uuid.UUID, records []*model.DeadLetterEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		lastError := ""
		for _, rec := range records {
			if err := insertDeadLetterTx(ctx, tx, rec); err != nil {
				return err
			}
			lastError = rec.ErrorMessage
		}

		query := `
			UPDATE outbox_events
			SET delivered_at = now(), attempts = attempts + 1, last_error = $2
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, query, id, lastError); err != nil {
			return fmt.Errorf("failed to close dead-lettered outbox event: %w", err)
		}
		return nil
	})
}

func (r *outboxRepository) PendingStats(ctx context.Context) (*model.OutboxStats, error) {
	query := `
		SELECT count(*) AS pending_count,
			EXTRACT(EPOCH FROM (now() - min(created_at))) AS oldest_age_seconds
		FROM outbox_events
		WHERE published_at IS NULL
	`
	var row struct {
		PendingCount int64           `db:"pending_count"`
		OldestAge    sql.NullFloat64 `db:"oldest_age_seconds"`
	}
	if err := r.db.GetContext(ctx, &row, query); err != nil {
		return nil, fmt.Errorf("failed to read outbox stats: %w", err)
	}

	stats := &model.OutboxStats{PendingCount: row.PendingCount}
	if row.OldestAge.Valid && row.OldestAge.Float64 > 0 {
		stats.OldestPendingAge = time.Duration(row.OldestAge.Float64 * float64(time.Second))
	}
	return stats, nil
}

// ArchiveDeliveredBefore moves reconciled rows out of the hot table.
func (r *outboxRepository) ArchiveDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		WITH moved AS (
			DELETE FROM outbox_events
			WHERE delivered_at IS NOT NULL AND delivered_at < $1
			RETURNING ` + outboxColumns + `
		)
		INSERT INTO outbox_events_archive (` + outboxColumns + `)
		SELECT ` + outboxColumns + ` FROM moved
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to archive delivered events: %w", err)
	}

	return result.RowsAffected()
}
