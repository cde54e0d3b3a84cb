package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is one row of the outbox store. PublishedAt nil means the row
// is available to claim; DeliveredAt is set once dispatch has reconciled.
type OutboxEvent struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenant_id"`
	EventID     uuid.UUID       `db:"event_id" json:"event_id"`
	EventType   string          `db:"event_type" json:"event_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	PublishedAt *time.Time      `db:"published_at" json:"published_at,omitempty"`
	DeliveredAt *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	Attempts    int             `db:"attempts" json:"attempts"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
}

// Claimed reports whether a worker currently holds or has finished the row.
func (e *OutboxEvent) Claimed() bool {
	return e.PublishedAt != nil
}

// Delivered reports whether the row reached a terminal state.
func (e *OutboxEvent) Delivered() bool {
	return e.DeliveredAt != nil
}

// OutboxStats summarizes the unclaimed backlog.
type OutboxStats struct {
	PendingCount     int64         `json:"pending_count"`
	OldestPendingAge time.Duration `json:"-"`
}
