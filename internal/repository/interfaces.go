package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrAlreadyResolved = errors.New("dead letter already resolved")
)

type (
	// Transactor runs fn inside one database transaction. fn's error or
	// panic rolls everything back.
	Transactor interface {
		WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	}

	OutboxRepository interface {
		InsertTx(ctx context.Context, tx *sqlx.Tx, events ...*model.OutboxEvent) error
		Claim(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		RecoverStale(ctx context.Context, threshold time.Duration) (int64, error)
		MarkDelivered(ctx context.Context, id uuid.UUID) error
		Unclaim(ctx context.Context, id uuid.UUID, lastError string) error
		DeadLetter(ctx context.Context, id uuid.UUID, records []*model.DeadLetterEvent) error
		PendingStats(ctx context.Context) (*model.OutboxStats, error)
		ArchiveDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
	}

	IdempotencyRepository interface {
		Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
		InsertTx(ctx context.Context, tx *sqlx.Tx, record *model.IdempotencyRecord) error
	}

	ProcessedEventRepository interface {
		// InsertTx returns false when the consumer already processed the event.
		InsertTx(ctx context.Context, tx *sqlx.Tx, record *model.ProcessedEvent) (bool, error)
		Exists(ctx context.Context, eventID uuid.UUID, consumerName string) (bool, error)
	}

	DeadLetterRepository interface {
		List(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEvent, int, error)
		Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error)
		// GetMany skips ids that do not exist.
		GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.DeadLetterEvent, error)
		Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, note *string) error
		RecordRetryFailure(ctx context.Context, id uuid.UUID, errorMessage string) error
	}

	TenderRepository interface {
		CreateTx(ctx context.Context, tx *sqlx.Tx, tender *model.Tender) error
		Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.Tender, error)
	}

	LedgerRepository interface {
		InsertTx(ctx context.Context, tx *sqlx.Tx, entries ...*model.LedgerEntry) error
		ListByTender(ctx context.Context, tenantID string, tenderID uuid.UUID) ([]*model.LedgerEntry, error)
	}
)
