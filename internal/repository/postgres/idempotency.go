package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

type idempotencyRepository struct {
	BaseRepository
}

func NewIdempotencyRepository(base BaseRepository) repository.IdempotencyRepository {
	return &idempotencyRepository{base}
}

func (r *idempotencyRepository) Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	query := `
		SELECT tenant_id, client_request_id, operation_name, request_hash, result_payload, created_at
		FROM idempotency_keys
		WHERE tenant_id = $1 AND client_request_id = $2 AND operation_name = $3
	`
	var rec model.IdempotencyRecord
	err := r.db.GetContext(ctx, &rec, query, key.TenantID, key.ClientRequestID, key.OperationName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

func (r *idempotencyRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, rec *model.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (
			tenant_id, client_request_id, operation_name, request_hash, result_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := tx.ExecContext(ctx, query,
		rec.TenantID,
		rec.ClientRequestID,
		rec.OperationName,
		rec.RequestHash,
		string(rec.ResultPayload),
		rec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}
