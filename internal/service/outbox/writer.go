// Package outbox persists business mutations together with the events they
// produce, and short-circuits retried client commands.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	apperrors "github.com/jwalitptl/outbox-relay/pkg/errors"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/validator"
)

var ErrIdempotencyKeyReuse = errors.New("idempotency key reused with a different request")

// UnitOfWork performs a mutation inside tx and returns its result together
// with the events it produced. It must not call external services.
type UnitOfWork func(ctx context.Context, tx *sqlx.Tx) (result interface{}, events []event.Payload, err error)

type Writer struct {
	db        repository.Transactor
	outbox    repository.OutboxRepository
	keys      repository.IdempotencyRepository
	cache     *cache.Cache
	validator validator.Validator
	logger    *logger.Logger
}

func NewWriter(
	db repository.Transactor,
	outbox repository.OutboxRepository,
	keys repository.IdempotencyRepository,
	logger *logger.Logger,
) *Writer {
	return &Writer{
		db:        db,
		outbox:    outbox,
		keys:      keys,
		cache:     cache.New(10*time.Minute, 20*time.Minute),
		validator: validator.New(),
		logger:    logger,
	}
}

// PublishWithOutbox runs uow in one transaction and stores one outbox row
// per returned event in that same transaction.
func (w *Writer) PublishWithOutbox(ctx context.Context, tenantID string, uow UnitOfWork) (interface{}, error) {
	var result interface{}
	err := w.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = w.runTx(ctx, tx, tenantID, uow)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Writer) runTx(ctx context.Context, tx *sqlx.Tx, tenantID string, uow UnitOfWork) (interface{}, error) {
	result, payloads, err := uow(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows := make([]*model.OutboxEvent, 0, len(payloads))
	for _, p := range payloads {
		row, err := newOutboxRow(tenantID, p)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if err := w.outbox.InsertTx(ctx, tx, rows...); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func newOutboxRow(tenantID string, p event.Payload) (*model.OutboxEvent, error) {
	raw, err := event.Encode(p)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate outbox id: %w", err)
	}
	return &model.OutboxEvent{
		ID:        id,
		TenantID:  tenantID,
		EventID:   uuid.New(),
		EventType: p.EventType(),
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Command identifies a client command for idempotent execution. Request is
// fingerprinted so that a reused key with a different body is rejected.
type Command struct {
	model.IdempotencyKey
	Request interface{}
}

// Execute runs uow at most once per (tenant, client request id, operation).
// A repeated call returns the stored result and replayed=true without
// touching the database beyond the lookup.
func Execute[T any](
	ctx context.Context,
	w *Writer,
	cmd Command,
	uow func(ctx context.Context, tx *sqlx.Tx) (T, []event.Payload, error),
) (result T, replayed bool, err error) {
	if err := w.validator.Validate(cmd.IdempotencyKey); err != nil {
		return result, false, apperrors.NewBadRequest(err.Error(), err)
	}

	hash, err := fingerprint(cmd.Request)
	if err != nil {
		return result, false, err
	}

	if rec, err := w.lookup(ctx, cmd.IdempotencyKey); err == nil {
		return replay[T](rec, hash)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return result, false, err
	}

	var stored *model.IdempotencyRecord
	err = w.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		out, err := w.runTx(ctx, tx, cmd.TenantID, func(ctx context.Context, tx *sqlx.Tx) (interface{}, []event.Payload, error) {
			return uow(ctx, tx)
		})
		if err != nil {
			return err
		}
		result, _ = out.(T)

		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode command result: %w", err)
		}
		stored = &model.IdempotencyRecord{
			IdempotencyKey: cmd.IdempotencyKey,
			RequestHash:    hash,
			ResultPayload:  encoded,
			CreatedAt:      time.Now().UTC(),
		}
		return w.keys.InsertTx(ctx, tx, stored)
	})

	if errors.Is(err, repository.ErrDuplicateKey) {
		// A concurrent request with the same key won; our transaction,
		// mutation included, was rolled back.
		w.logger.Info("Concurrent duplicate command rolled back",
			"tenant_id", cmd.TenantID,
			"operation", cmd.OperationName,
			"client_request_id", cmd.ClientRequestID)
		rec, getErr := w.keys.Get(ctx, cmd.IdempotencyKey)
		if getErr != nil {
			return result, false, fmt.Errorf("failed to load winning idempotency record: %w", getErr)
		}
		w.cache.SetDefault(cmd.IdempotencyKey.String(), rec)
		var zero T
		result = zero
		return replay[T](rec, hash)
	}
	if err != nil {
		var zero T
		return zero, false, err
	}

	w.cache.SetDefault(cmd.IdempotencyKey.String(), stored)
	return result, false, nil
}

func (w *Writer) lookup(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	if cached, ok := w.cache.Get(key.String()); ok {
		return cached.(*model.IdempotencyRecord), nil
	}
	rec, err := w.keys.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	w.cache.SetDefault(key.String(), rec)
	return rec, nil
}

func replay[T any](rec *model.IdempotencyRecord, hash string) (T, bool, error) {
	var result T
	if rec.RequestHash != hash {
		return result, false, apperrors.NewConflict(ErrIdempotencyKeyReuse.Error(), ErrIdempotencyKeyReuse)
	}
	if err := json.Unmarshal(rec.ResultPayload, &result); err != nil {
		return result, false, fmt.Errorf("failed to decode stored result: %w", err)
	}
	return result, true, nil
}

func fingerprint(request interface{}) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
