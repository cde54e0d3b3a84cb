// Package accounting posts double-entry ledger lines for recorded tenders.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/consumer"
	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

const ConsumerName = "accounting.postTender"

const revenueAccount = "revenue:sales"

var ErrInvalidAmount = errors.New("tender amount must be positive")

type PostTender struct {
	dedup  *consumer.Dedup
	ledger repository.LedgerRepository
	logger *logger.Logger
}

func NewPostTender(dedup *consumer.Dedup, ledger repository.LedgerRepository, logger *logger.Logger) *PostTender {
	return &PostTender{dedup: dedup, ledger: ledger, logger: logger}
}

func (c *PostTender) Register(bus *event.Bus) error {
	return bus.Subscribe(events.TypeTenderRecorded, ConsumerName, c.Handle)
}

// Handle debits the tender's clearing account and credits revenue.
func (c *PostTender) Handle(ctx context.Context, evt event.Event) error {
	p, ok := evt.Data.(*events.TenderRecordedV1)
	if !ok {
		return event.Permanent(fmt.Errorf("unexpected payload %T", evt.Data))
	}
	if p.AmountCents <= 0 {
		return event.Permanent(fmt.Errorf("%w: %d", ErrInvalidAmount, p.AmountCents))
	}

	applied, err := c.dedup.Once(ctx, ConsumerName, evt, func(ctx context.Context, tx *sqlx.Tx) error {
		return c.ledger.InsertTx(ctx, tx, entries(evt, p)...)
	})
	if err != nil {
		return err
	}
	if !applied {
		c.logger.Debug("Tender already posted", "event_id", evt.EventID.String())
	}
	return nil
}

func entries(evt event.Event, p *events.TenderRecordedV1) []*model.LedgerEntry {
	now := time.Now().UTC()
	line := func(account string, amount int64) *model.LedgerEntry {
		return &model.LedgerEntry{
			ID:            uuid.New(),
			TenantID:      evt.TenantID,
			TenderID:      p.TenderID,
			SourceEventID: evt.EventID,
			Account:       account,
			AmountCents:   amount,
			PostedAt:      now,
		}
	}
	return []*model.LedgerEntry{
		line(clearingAccount(p.Method), p.AmountCents),
		line(revenueAccount, -p.AmountCents),
	}
}

func clearingAccount(method string) string {
	m := strings.ToLower(strings.TrimSpace(method))
	if m == "" {
		m = "other"
	}
	return "assets:" + m
}
