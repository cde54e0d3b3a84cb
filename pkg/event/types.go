package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payload is a known domain event shape. EventType returns the wire tag,
// e.g. "tender.recorded.v1".
type Payload interface {
	EventType() string
}

// Envelope is an event as it travels from the outbox store to the bus.
// Payload is still encoded.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	EventID   uuid.UUID       `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
}

// Event is a decoded envelope handed to consumers.
type Event struct {
	Envelope
	Data Payload
}

// Handler consumes one event. Handlers must be idempotent: the same event
// may be delivered more than once.
type Handler func(ctx context.Context, evt Event) error
