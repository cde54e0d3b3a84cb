// Package events declares the domain events this platform emits.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/outbox-relay/pkg/event"
)

const TypeTenderRecorded = "tender.recorded.v1"

type TenderRecordedV1 struct {
	TenderID    uuid.UUID `json:"tender_id"`
	TenantID    string    `json:"tenant_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (TenderRecordedV1) EventType() string { return TypeTenderRecorded }

// NewRegistry returns a registry holding every known event shape.
func NewRegistry() (*event.Registry, error) {
	reg := event.NewRegistry()
	for _, factory := range []func() event.Payload{
		func() event.Payload { return &TenderRecordedV1{} },
	} {
		if err := reg.Declare(factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

var financialPrefixes = []string{"tender.", "ledger.", "payment."}

// IsFinancial reports whether events of this type affect money. Their dead
// letters need an explicit operator resolution.
func IsFinancial(eventType string) bool {
	for _, p := range financialPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}
