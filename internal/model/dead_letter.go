package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterEvent captures a consumer failure that will not be retried
// automatically.
type DeadLetterEvent struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	EventID        uuid.UUID       `db:"event_id" json:"event_id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	EventType      string          `db:"event_type" json:"event_type"`
	ConsumerName   string          `db:"consumer_name" json:"consumer_name"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	ErrorMessage   string          `db:"error_message" json:"error_message"`
	FailedAt       time.Time       `db:"failed_at" json:"failed_at"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	ResolvedAt     *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy     *string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNote *string         `db:"resolution_note" json:"resolution_note,omitempty"`
}

func (d *DeadLetterEvent) Resolved() bool {
	return d.ResolvedAt != nil
}

type DeadLetterStatus string

const (
	DeadLetterUnresolved DeadLetterStatus = "unresolved"
	DeadLetterResolved   DeadLetterStatus = "resolved"
	DeadLetterAll        DeadLetterStatus = "all"
)

// DeadLetterFilter narrows a dead-letter listing. Zero values mean "any".
type DeadLetterFilter struct {
	EventType    string           `form:"event_type" validate:"omitempty,max=128"`
	ConsumerName string           `form:"consumer" validate:"omitempty,max=128"`
	From         *time.Time       `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To           *time.Time       `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Status       DeadLetterStatus `form:"status" validate:"omitempty,oneof=unresolved resolved all"`
	Limit        int              `form:"limit" validate:"omitempty,min=1,max=500"`
	Offset       int              `form:"offset" validate:"omitempty,min=0"`
}

type DeadLetterPage struct {
	Items  []*DeadLetterEvent `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}
