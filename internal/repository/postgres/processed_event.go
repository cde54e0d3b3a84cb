package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

type processedEventRepository struct {
	BaseRepository
}

func NewProcessedEventRepository(base BaseRepository) repository.ProcessedEventRepository {
	return &processedEventRepository{base}
}

func (r *processedEventRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, rec *model.ProcessedEvent) (bool, error) {
	query := `
		INSERT INTO processed_events (tenant_id, event_id, consumer_name, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, consumer_name) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query, rec.TenantID, rec.EventID, rec.ConsumerName, rec.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *processedEventRepository) Exists(ctx context.Context, eventID uuid.UUID, consumerName string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2)`
	if err := r.db.GetContext(ctx, &exists, query, eventID, consumerName); err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}
