package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/outbox-relay/internal/consumer"
	"github.com/jwalitptl/outbox-relay/internal/events"
	"github.com/jwalitptl/outbox-relay/internal/repository/memstore"
	"github.com/jwalitptl/outbox-relay/pkg/event"
	"github.com/jwalitptl/outbox-relay/pkg/logger"
)

type publishCall struct {
	channel string
	message interface{}
}

type fakeBroker struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.calls = append(b.calls, publishCall{channel: channel, message: message})
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBroker) Close() error { return nil }

func testEvent() event.Event {
	return event.Event{
		Envelope: event.Envelope{
			ID:        uuid.New(),
			EventID:   uuid.New(),
			TenantID:  "T",
			Type:      events.TypeTenderRecorded,
			Payload:   json.RawMessage(`{"amount_cents":500}`),
			CreatedAt: time.Now().UTC(),
		},
		Data: &events.TenderRecordedV1{AmountCents: 500},
	}
}

func newFanout(broker *fakeBroker) (*Fanout, *memstore.Store) {
	store := memstore.New()
	dedup := consumer.NewDedup(store, store.Processed())
	return NewFanout(broker, dedup, "events", logger.Nop(), events.TypeTenderRecorded), store
}

func TestFanout_PublishesOncePerEvent(t *testing.T) {
	broker := &fakeBroker{}
	f, store := newFanout(broker)
	evt := testEvent()

	require.NoError(t, f.Handle(context.Background(), evt))
	require.NoError(t, f.Handle(context.Background(), evt))

	require.Len(t, broker.calls, 1)
	assert.Equal(t, "events.tender.recorded.v1", broker.calls[0].channel)
	assert.Len(t, store.ProcessedEvents(), 1)
}

func TestFanout_BrokerFailureLeavesNoMarker(t *testing.T) {
	broker := &fakeBroker{err: errors.New("circuit breaker is open")}
	f, store := newFanout(broker)

	err := f.Handle(context.Background(), testEvent())

	require.Error(t, err)
	assert.False(t, event.IsPermanent(err))
	assert.Empty(t, store.ProcessedEvents())
}

func TestFanout_RegistersEveryType(t *testing.T) {
	reg, err := events.NewRegistry()
	require.NoError(t, err)
	bus := event.NewBus(reg)
	f, _ := newFanout(&fakeBroker{})

	require.NoError(t, f.Register(bus))
	assert.Equal(t, []string{ConsumerName}, bus.Consumers(events.TypeTenderRecorded))
}

func TestFanout_ChannelWithoutPrefix(t *testing.T) {
	f := NewFanout(&fakeBroker{}, nil, "", logger.Nop())
	assert.Equal(t, "tender.recorded.v1", f.Channel("tender.recorded.v1"))
}
