package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

const deadLetterColumns = `id, event_id, tenant_id, event_type, consumer_name, payload,
	error_message, failed_at, retry_count, resolved_at, resolved_by, resolution_note`

type deadLetterRepository struct {
	BaseRepository
}

func NewDeadLetterRepository(base BaseRepository) repository.DeadLetterRepository {
	return &deadLetterRepository{base}
}

// insertDeadLetterTx keeps at most one open record per event and consumer;
// a repeat failure refreshes the error on the open record.
func insertDeadLetterTx(ctx context.Context, tx *sqlx.Tx, rec *model.DeadLetterEvent) error {
	query := `
		INSERT INTO dead_letter_events (
			id, event_id, tenant_id, event_type, consumer_name, payload,
			error_message, failed_at, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, consumer_name) WHERE resolved_at IS NULL
		DO UPDATE SET error_message = EXCLUDED.error_message, failed_at = EXCLUDED.failed_at
	`
	_, err := tx.ExecContext(ctx, query,
		rec.ID,
		rec.EventID,
		rec.TenantID,
		rec.EventType,
		rec.ConsumerName,
		string(rec.Payload),
		rec.ErrorMessage,
		rec.FailedAt,
		rec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (r *deadLetterRepository) List(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEvent, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	if filter.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argPos))
		args = append(args, filter.EventType)
		argPos++
	}
	if filter.ConsumerName != "" {
		conditions = append(conditions, fmt.Sprintf("consumer_name = $%d", argPos))
		args = append(args, filter.ConsumerName)
		argPos++
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("failed_at >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("failed_at <= $%d", argPos))
		args = append(args, *filter.To)
		argPos++
	}
	switch filter.Status {
	case model.DeadLetterResolved:
		conditions = append(conditions, "resolved_at IS NOT NULL")
	case model.DeadLetterAll:
	default:
		conditions = append(conditions, "resolved_at IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT count(*) FROM dead_letter_events"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM dead_letter_events%s ORDER BY failed_at DESC, id LIMIT $%d OFFSET $%d",
		deadLetterColumns, where, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	var records []*model.DeadLetterEvent
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return records, total, nil
}

func (r *deadLetterRepository) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	var rec model.DeadLetterEvent
	err := r.db.GetContext(ctx, &rec, "SELECT "+deadLetterColumns+" FROM dead_letter_events WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &rec, nil
}

// GetMany returns the records that exist among ids, in no particular order.
func (r *deadLetterRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.DeadLetterEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	var records []*model.DeadLetterEvent
	query := "SELECT " + deadLetterColumns + " FROM dead_letter_events WHERE id = ANY($1::uuid[])"
	if err := r.db.SelectContext(ctx, &records, query, pq.Array(keys)); err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	return records, nil
}

func (r *deadLetterRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, note *string) error {
	query := `
		UPDATE dead_letter_events
		SET resolved_at = now(), resolved_by = $2, resolution_note = $3
		WHERE id = $1 AND resolved_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, id, resolvedBy, note)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repository.ErrAlreadyResolved
	}
	return nil
}

func (r *deadLetterRepository) RecordRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE dead_letter_events
		SET retry_count = retry_count + 1, error_message = $2, failed_at = now()
		WHERE id = $1 AND resolved_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, errorMessage); err != nil {
		return fmt.Errorf("failed to record dead letter retry: %w", err)
	}
	return nil
}
