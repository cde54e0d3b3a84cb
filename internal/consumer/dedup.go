// Package consumer holds the event consumers and the ledger that keeps
// their effects idempotent under redelivery.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
	"github.com/jwalitptl/outbox-relay/pkg/event"
)

// Dedup records which (event, consumer) pairs have been applied.
type Dedup struct {
	db        repository.Transactor
	processed repository.ProcessedEventRepository
}

func NewDedup(db repository.Transactor, processed repository.ProcessedEventRepository) *Dedup {
	return &Dedup{db: db, processed: processed}
}

// Once runs fn at most once per event and consumer. The marker and fn's
// writes share one transaction, so a failed fn leaves no marker and a
// second delivery of a committed event does nothing. applied is false when
// the event had already been processed.
func (d *Dedup) Once(ctx context.Context, consumer string, evt event.Event, fn func(ctx context.Context, tx *sqlx.Tx) error) (applied bool, err error) {
	err = d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := d.processed.InsertTx(ctx, tx, marker(consumer, evt))
		if err != nil {
			return fmt.Errorf("failed to record processed event: %w", err)
		}
		if !inserted {
			return nil
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// OnceExternal is Once for effects outside the database, such as a broker
// publish. The marker is written after fn succeeds, so a crash between the
// two repeats fn on redelivery.
func (d *Dedup) OnceExternal(ctx context.Context, consumer string, evt event.Event, fn func(ctx context.Context) error) (applied bool, err error) {
	done, err := d.processed.Exists(ctx, evt.EventID, consumer)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	if done {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return false, err
	}

	err = d.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := d.processed.InsertTx(ctx, tx, marker(consumer, evt))
		return err
	})
	if err != nil {
		return true, fmt.Errorf("failed to record processed event: %w", err)
	}
	return true, nil
}

func marker(consumer string, evt event.Event) *model.ProcessedEvent {
	return &model.ProcessedEvent{
		TenantID:     evt.TenantID,
		EventID:      evt.EventID,
		ConsumerName: consumer,
		ProcessedAt:  time.Now().UTC(),
	}
}

// Registrar is implemented by consumers that subscribe themselves to a bus.
type Registrar interface {
	Register(bus *event.Bus) error
}

// Register subscribes consumers in order. Handlers for one event type run
// in that order.
func Register(bus *event.Bus, consumers ...Registrar) error {
	for _, c := range consumers {
		if err := c.Register(bus); err != nil {
			return err
		}
	}
	return nil
}
