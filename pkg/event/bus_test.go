package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

func (orderPlaced) EventType() string { return "order.placed.v1" }

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Declare(func() Payload { return &orderPlaced{} }))
	return NewBus(reg)
}

func envelopeFor(t *testing.T, p Payload) Envelope {
	t.Helper()
	raw, err := Encode(p)
	require.NoError(t, err)
	return Envelope{ID: uuid.New(), EventID: uuid.New(), TenantID: "t1", Type: p.EventType(), Payload: raw}
}

func TestBus_PublishRunsHandlersInRegistrationOrder(t *testing.T) {
	bus := newTestBus(t)
	var calls []string

	for _, name := range []string{"inventory", "accounting", "reporting"} {
		name := name
		require.NoError(t, bus.Subscribe("order.placed.v1", name, func(ctx context.Context, evt Event) error {
			calls = append(calls, name)
			return nil
		}))
	}

	err := bus.Publish(context.Background(), envelopeFor(t, orderPlaced{OrderID: "o-1", Total: 10}))

	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "accounting", "reporting"}, calls)
	assert.Equal(t, []string{"inventory", "accounting", "reporting"}, bus.Consumers("order.placed.v1"))
}

func TestBus_PublishDecodesPayload(t *testing.T) {
	bus := newTestBus(t)
	var got *orderPlaced

	require.NoError(t, bus.Subscribe("order.placed.v1", "accounting", func(ctx context.Context, evt Event) error {
		got = evt.Data.(*orderPlaced)
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), envelopeFor(t, orderPlaced{OrderID: "o-2", Total: 42})))
	require.NotNil(t, got)
	assert.Equal(t, "o-2", got.OrderID)
	assert.Equal(t, int64(42), got.Total)
}

func TestBus_PublishContinuesAfterFailure(t *testing.T) {
	bus := newTestBus(t)
	boom := errors.New("downstream unavailable")
	var ran []string

	require.NoError(t, bus.Subscribe("order.placed.v1", "first", func(ctx context.Context, evt Event) error {
		ran = append(ran, "first")
		return boom
	}))
	require.NoError(t, bus.Subscribe("order.placed.v1", "second", func(ctx context.Context, evt Event) error {
		ran = append(ran, "second")
		return nil
	}))
	require.NoError(t, bus.Subscribe("order.placed.v1", "third", func(ctx context.Context, evt Event) error {
		panic("bad state")
	}))

	err := bus.Publish(context.Background(), envelopeFor(t, orderPlaced{OrderID: "o-3"}))

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, []string{"first", "second"}, ran)
	require.Len(t, dispatchErr.Failures, 2)
	assert.Equal(t, "first", dispatchErr.Failures[0].Consumer)
	assert.Equal(t, "third", dispatchErr.Failures[1].Consumer)
	assert.ErrorIs(t, err, boom)
}

func TestBus_UnknownEventTypeIsReported(t *testing.T) {
	bus := newTestBus(t)

	err := bus.Publish(context.Background(), Envelope{Type: "order.cancelled.v9", Payload: json.RawMessage(`{}`)})

	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestBus_MalformedPayloadFailsEveryConsumerPermanently(t *testing.T) {
	bus := newTestBus(t)
	called := false
	handler := func(ctx context.Context, evt Event) error {
		called = true
		return nil
	}
	require.NoError(t, bus.Subscribe("order.placed.v1", "a", handler))
	require.NoError(t, bus.Subscribe("order.placed.v1", "b", handler))

	err := bus.Publish(context.Background(), Envelope{Type: "order.placed.v1", Payload: json.RawMessage(`{"total":"many"}`)})

	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.False(t, called)
	require.Len(t, dispatchErr.Failures, 2)
	for _, f := range dispatchErr.Failures {
		assert.True(t, IsPermanent(f.Err))
	}
}

func TestBus_SubscribeRejectsDuplicatesAndUnknownTypes(t *testing.T) {
	bus := newTestBus(t)
	noop := func(ctx context.Context, evt Event) error { return nil }

	require.NoError(t, bus.Subscribe("order.placed.v1", "accounting", noop))
	assert.ErrorIs(t, bus.Subscribe("order.placed.v1", "accounting", noop), ErrHandlerAlreadyExists)
	assert.ErrorIs(t, bus.Subscribe("order.shipped.v1", "accounting", noop), ErrUnknownEventType)
	assert.ErrorIs(t, bus.Subscribe("order.placed.v1", "", noop), ErrInvalidSubscription)
}

func TestBus_DeliverTargetsOneConsumer(t *testing.T) {
	bus := newTestBus(t)
	var ran []string
	for _, name := range []string{"a", "b"} {
		name := name
		require.NoError(t, bus.Subscribe("order.placed.v1", name, func(ctx context.Context, evt Event) error {
			ran = append(ran, name)
			return nil
		}))
	}

	env := envelopeFor(t, orderPlaced{OrderID: "o-4"})
	require.NoError(t, bus.Deliver(context.Background(), "b", env))
	assert.Equal(t, []string{"b"}, ran)

	assert.ErrorIs(t, bus.Deliver(context.Background(), "missing", env), ErrUnknownConsumer)
}

func TestRegistry_DeclareTwiceFails(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Declare(func() Payload { return &orderPlaced{} }))
	assert.ErrorIs(t, reg.Declare(func() Payload { return &orderPlaced{} }), ErrPayloadAlreadyDeclared)
}

func TestPermanent(t *testing.T) {
	base := errors.New("invalid amount")

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsPermanent(base))
}
