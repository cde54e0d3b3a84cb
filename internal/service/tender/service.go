// Package tender records payments. Recording a tender emits
// tender.recorded.v1 through the outbox in the same transaction.
package tender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/internal/service/outbox"
	apperrors "github.com/jwalitptl/outbox-relay/pkg/errors"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/validator"
)

const OperationRecordTender = "recordTender"

type TenderServicer interface {
	RecordTender(ctx context.Context, req RecordTenderRequest) (*model.Tender, bool, error)
	GetTender(ctx context.Context, tenantID string, id uuid.UUID) (*model.Tender, error)
	ListLedgerEntries(ctx context.Context, tenantID string, tenderID uuid.UUID) ([]*model.LedgerEntry, error)
}

// RecordTenderRequest carries the client's body plus the identity of the
// command. Only the body takes part in the request fingerprint.
type RecordTenderRequest struct {
	TenantID        string `json:"-"`
	ClientRequestID string `json:"-"`
	AmountCents     int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency        string `json:"currency" validate:"required,len=3"`
	Method          string `json:"method" validate:"required,oneof=cash card transfer"`
}

type Service struct {
	writer    *outbox.Writer
	tenders   repository.TenderRepository
	ledger    repository.LedgerRepository
	validator validator.Validator
	logger    *logger.Logger
}

func NewService(writer *outbox.Writer, tenders repository.TenderRepository, ledger repository.LedgerRepository, logger *logger.Logger) *Service {
	return &Service{
		writer:    writer,
		tenders:   tenders,
		ledger:    ledger,
		validator: validator.New(),
		logger:    logger,
	}
}

// RecordTender stores a tender once per client request id. replayed is true
// when the tender had already been recorded by an earlier call.
func (s *Service) RecordTender(ctx context.Context, req RecordTenderRequest) (*model.Tender, bool, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	if err := s.validator.Validate(req); err != nil {
		return nil, false, apperrors.NewBadRequest(err.Error(), err)
	}

	cmd := outbox.Command{
		IdempotencyKey: model.IdempotencyKey{
			TenantID:        req.TenantID,
			ClientRequestID: req.ClientRequestID,
			OperationName:   OperationRecordTender,
		},
		Request: req,
	}

	tender, replayed, err := outbox.Execute(ctx, s.writer, cmd, func(ctx context.Context, tx *sqlx.Tx) (*model.Tender, []event.Payload, error) {
		t := &model.Tender{
			ID:          uuid.New(),
			TenantID:    req.TenantID,
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			Method:      req.Method,
			RecordedAt:  time.Now().UTC(),
		}
		if err := s.tenders.CreateTx(ctx, tx, t); err != nil {
			return nil, nil, fmt.Errorf("failed to create tender: %w", err)
		}
		return t, []event.Payload{&events.TenderRecordedV1{
			TenderID:    t.ID,
			TenantID:    t.TenantID,
			AmountCents: t.AmountCents,
			Currency:    t.Currency,
			Method:      t.Method,
			RecordedAt:  t.RecordedAt,
		}}, nil
	})
	if err != nil {
		return nil, false, err
	}

	if replayed {
		s.logger.Info("Replayed recorded tender",
			"tenant_id", req.TenantID,
			"client_request_id", req.ClientRequestID,
			"tender_id", tender.ID.String())
	}
	return tender, replayed, nil
}

func (s *Service) GetTender(ctx context.Context, tenantID string, id uuid.UUID) (*model.Tender, error) {
	t, err := s.tenders.Get(ctx, tenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFound("tender", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tender: %w", err)
	}
	return t, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, tenantID string, tenderID uuid.UUID) ([]*model.LedgerEntry, error) {
	entries, err := s.ledger.ListByTender(ctx, tenantID, tenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}
