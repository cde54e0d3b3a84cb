package model

import (
	"encoding/json"
	"time"
)

// IdempotencyKey identifies one logical client command.
type IdempotencyKey struct {
	TenantID        string `db:"tenant_id" json:"tenant_id" validate:"required,max=64"`
	ClientRequestID string `db:"client_request_id" json:"client_request_id" validate:"required,max=128"`
	OperationName   string `db:"operation_name" json:"operation_name" validate:"required,max=64"`
}

// String renders the key in a form usable as a cache key.
func (k IdempotencyKey) String() string {
	return k.TenantID + "|" + k.OperationName + "|" + k.ClientRequestID
}

// IdempotencyRecord stores the first successful result for a key. Immutable.
type IdempotencyRecord struct {
	IdempotencyKey
	RequestHash   string          `db:"request_hash" json:"request_hash"`
	ResultPayload json.RawMessage `db:"result_payload" json:"result_payload"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
