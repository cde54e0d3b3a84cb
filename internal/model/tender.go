package model

import (
	"time"

	"github.com/google/uuid"
)

// Tender is a payment recorded against a tenant.
type Tender struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	Currency    string    `db:"currency" json:"currency"`
	Method      string    `db:"method" json:"method"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
}

// LedgerEntry is one posting made by the accounting consumer.
type LedgerEntry struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	TenderID      uuid.UUID `db:"tender_id" json:"tender_id"`
	SourceEventID uuid.UUID `db:"source_event_id" json:"source_event_id"`
	Account       string    `db:"account" json:"account"`
	AmountCents   int64     `db:"amount_cents" json:"amount_cents"`
	PostedAt      time.Time `db:"posted_at" json:"posted_at"`
}
