// Package event defines the canonical event model and the normalization and
// hashing rules that make content-based deduplication possible.
package event

import (
	"encoding/json"
	"time"
)

// Type values form the closed set of supported business event kinds.
const (
	TypeSale     = "SALE"
	TypeInvoice  = "INVOICE"
	TypePayment  = "PAYMENT"
	TypeRefund   = "REFUND"
	TypeShipment = "SHIPMENT"
)

// SupportedType reports whether eventType belongs to the closed set.
func SupportedType(eventType string) bool {
	switch eventType {
	case TypeSale, TypeInvoice, TypePayment, TypeRefund, TypeShipment:
		return true
	default:
		return false
	}
}

// Processing status lifecycle of a persisted event record:
// RECEIVED -> (REPLAY_REQUESTED, re-armed by admin tooling) -> COMPLETED | FAILED | DLQ.
// FAILED is non-terminal; COMPLETED and DLQ are terminal until an explicit replay.
const (
	StatusReceived        = "RECEIVED"
	StatusReplayRequested = "REPLAY_REQUESTED"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusDLQ             = "DLQ"
)

// CanonicalEvent is the normalized, immutable representation of a business
// occurrence. Payload is stored in canonical form (recursively key-sorted)
// so structurally-equal payloads are byte-identical.
type CanonicalEvent struct {
	EventID       string          `json:"eventId"`
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	Subject       string          `json:"subject"`
	PartitionKey  string          `json:"partitionKey"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schemaVersion"`
	SpecVersion   string          `json:"specVersion"`
	CorrelationID string          `json:"correlationId"`
	Hash          string          `json:"hash"`
}
