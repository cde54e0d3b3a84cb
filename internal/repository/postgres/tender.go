package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

type tenderRepository struct {
	BaseRepository
}

func NewTenderRepository(base BaseRepository) repository.TenderRepository {
	return &tenderRepository{base}
}

func (r *tenderRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, t *model.Tender) error {
	query := `
		INSERT INTO tenders (id, tenant_id, amount_cents, currency, method, recorded_at)
		VALUES (:id, :tenant_id, :amount_cents, :currency, :method, :recorded_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
		return fmt.Errorf("failed to create tender: %w", err)
	}
	return nil
}

func (r *tenderRepository) Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.Tender, error) {
	var t model.Tender
	query := `SELECT id, tenant_id, amount_cents, currency, method, recorded_at FROM tenders WHERE tenant_id = $1 AND id = $2`
	err := r.db.GetContext(ctx, &t, query, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tender: %w", err)
	}
	return &t, nil
}

type ledgerRepository struct {
	BaseRepository
}

func NewLedgerRepository(base BaseRepository) repository.LedgerRepository {
	return &ledgerRepository{base}
}

func (r *ledgerRepository) InsertTx(ctx context.Context, tx *sqlx.Tx, entries ...*model.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, tenant_id, tender_id, source_event_id, account, amount_cents, posted_at)
		VALUES (:id, :tenant_id, :tender_id, :source_event_id, :account, :amount_cents, :posted_at)
	`
	for _, e := range entries {
		if _, err := tx.NamedExecContext(ctx, query, e); err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}
	return nil
}

func (r *ledgerRepository) ListByTender(ctx context.Context, tenantID string, tenderID uuid.UUID) ([]*model.LedgerEntry, error) {
	query := `
		SELECT id, tenant_id, tender_id, source_event_id, account, amount_cents, posted_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND tender_id = $2
		ORDER BY posted_at, account
	`
	var entries []*model.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, tenantID, tenderID); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}
