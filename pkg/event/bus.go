// Package event is the in-process event bus: a registry of known event
// shapes and an ordered list of consumers per event type.
//
// Failure policy: Publish runs every handler subscribed to the event type,
// in registration order, even after one of them fails. The caller gets a
// *DispatchError naming each failed consumer. Partial fan-out is therefore
// possible and expected; handlers guard their effects with the consumer
// dedup ledger so a later redelivery only re-runs the consumers that did
// not commit.
package event

import (
	"context"
	"fmt"
	"sync"
)

type subscription struct {
	consumer string
	handler  Handler
}

type Bus struct {
	registry *Registry

	mu   sync.RWMutex
	subs map[string][]subscription
}

func NewBus(registry *Registry) *Bus {
	return &Bus{
		registry: registry,
		subs:     make(map[string][]subscription),
	}
}

func (b *Bus) Registry() *Registry {
	return b.registry
}

// Subscribe registers handler for eventType under consumer. A consumer may
// subscribe to many event types but only once per type.
func (b *Bus) Subscribe(eventType, consumer string, handler Handler) error {
	if eventType == "" || consumer == "" || handler == nil {
		return ErrInvalidSubscription
	}
	if !b.registry.Known(eventType) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs[eventType] {
		if s.consumer == consumer {
			return fmt.Errorf("%w: %s -> %s", ErrHandlerAlreadyExists, eventType, consumer)
		}
	}
	b.subs[eventType] = append(b.subs[eventType], subscription{consumer: consumer, handler: handler})
	return nil
}

// Consumers lists the consumers of eventType in registration order.
func (b *Bus) Consumers(eventType string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.subs[eventType]))
	for _, s := range b.subs[eventType] {
		names = append(names, s.consumer)
	}
	return names
}

// Publish delivers env to every consumer of its type. It returns
// ErrUnknownEventType for types missing from the registry, nil when all
// handlers succeed, and a *DispatchError otherwise.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if !b.registry.Known(env.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[env.Type]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	data, decodeErr := b.registry.Decode(env.Type, env.Payload)
	evt := Event{Envelope: env, Data: data}

	var failures []ConsumerFailure
	for _, s := range subs {
		err := decodeErr
		if err == nil {
			err = invoke(ctx, s, evt)
		}
		if err != nil {
			failures = append(failures, ConsumerFailure{Consumer: s.consumer, Err: err})
		}
	}

	if len(failures) > 0 {
		return &DispatchError{EventID: env.EventID, Type: env.Type, Failures: failures}
	}
	return nil
}

// Deliver runs a single consumer. Used to replay dead letters.
func (b *Bus) Deliver(ctx context.Context, consumer string, env Envelope) error {
	b.mu.RLock()
	var target *subscription
	for _, s := range b.subs[env.Type] {
		if s.consumer == consumer {
			s := s
			target = &s
			break
		}
	}
	b.mu.RUnlock()

	if target == nil {
		if !b.registry.Known(env.Type) {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
		}
		return fmt.Errorf("%w: %s is not subscribed to %s", ErrUnknownConsumer, consumer, env.Type)
	}

	data, err := b.registry.Decode(env.Type, env.Payload)
	if err != nil {
		return err
	}
	return invoke(ctx, *target, Event{Envelope: env, Data: data})
}

func invoke(ctx context.Context, s subscription, evt Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer %s panicked: %v", s.consumer, p)
		}
	}()
	return s.handler(ctx, evt)
}
