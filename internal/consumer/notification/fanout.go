// Package notification republishes domain events to external subscribers
// over the message broker.
package notification

import (
	"context"

	"github.com/jwalitptl/outbox-relay/internal/consumer"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
	"github.com/jwalitptl/outbox-relay/pkg/messaging"
)

const ConsumerName = "notifications.fanout"

// Fanout publishes each event to "<prefix>.<event type>".
type Fanout struct {
	broker messaging.Broker
	dedup  *consumer.Dedup
	prefix string
	types  []string
	logger *logger.Logger
}

func NewFanout(broker messaging.Broker, dedup *consumer.Dedup, prefix string, logger *logger.Logger, eventTypes ...string) *Fanout {
	return &Fanout{
		broker: broker,
		dedup:  dedup,
		prefix: prefix,
		types:  eventTypes,
		logger: logger,
	}
}

func (f *Fanout) Register(bus *event.Bus) error {
	for _, t := range f.types {
		if err := bus.Subscribe(t, ConsumerName, f.Handle); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) Channel(eventType string) string {
	if f.prefix == "" {
		return eventType
	}
	return f.prefix + "." + eventType
}

func (f *Fanout) Handle(ctx context.Context, evt event.Event) error {
	msg := messaging.Message{
		ID:         evt.EventID.String(),
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		Payload:    evt.Payload,
		OccurredAt: evt.CreatedAt,
	}
	applied, err := f.dedup.OnceExternal(ctx, ConsumerName, evt, func(ctx context.Context) error {
		return f.broker.Publish(ctx, f.Channel(evt.Type), msg)
	})
	if err != nil {
		return err
	}
	if applied {
		f.logger.Debug("Event fanned out", "event_id", msg.ID, "channel", f.Channel(evt.Type))
	}
	return nil
}
