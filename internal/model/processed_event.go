package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent marks that a consumer applied the effect of an event.
type ProcessedEvent struct {
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	EventID      uuid.UUID `db:"event_id" json:"event_id"`
	ConsumerName string    `db:"consumer_name" json:"consumer_name"`
	ProcessedAt  time.Time `db:"processed_at" json:"processed_at"`
}
