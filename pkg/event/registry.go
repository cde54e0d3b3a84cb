package event

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry is the closed set of event shapes this process understands.
// Wire tags stay strings so that types introduced by newer producers are
// recognised as unknown instead of breaking decoding.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Payload
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Payload)}
}

// Declare adds a shape. factory must return a fresh pointer each call.
func (r *Registry) Declare(factory func() Payload) error {
	eventType := factory().EventType()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrPayloadAlreadyDeclared, eventType)
	}
	r.factories[eventType] = factory
	return nil
}

func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventType]
	return ok
}

// Decode turns a raw payload into its declared shape.
func (r *Registry) Decode(eventType string, raw json.RawMessage) (Payload, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, eventType, err)
	}
	return payload, nil
}

// Encode serialises a payload for the outbox store.
func Encode(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", p.EventType(), err)
	}
	return raw, nil
}
