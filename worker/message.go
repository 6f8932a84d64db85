// Package worker consumes events from the main queue and applies their
// business effect exactly once, driving the retry and dead-letter flow for
// everything that fails.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var messageValidator = validator.New()

// Message is the envelope the relay publishes for every outbox entry.
type Message struct {
	EventPk       string          `json:"eventPk" validate:"required"`
	TenantID      string          `json:"tenantId" validate:"required"`
	EventID       string          `json:"eventId" validate:"required"`
	Type          string          `json:"type" validate:"required"`
	Subject       string          `json:"subject" validate:"required"`
	PartitionKey  string          `json:"partitionKey" validate:"required"`
	OccurredAt    string          `json:"occurredAt" validate:"required"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source" validate:"required"`
	SchemaVersion string          `json:"schemaVersion" validate:"required"`
	SpecVersion   string          `json:"specVersion"`
	Hash          string          `json:"hash" validate:"required"`
	CorrelationID string          `json:"correlationId" validate:"required"`
	Replay        bool            `json:"replay,omitempty"`
	ReplayMode    string          `json:"replayMode,omitempty"`
}

// DecodeMessage parses and validates a delivery body. Any defect is an
// envelope violation, which the processor treats as non-retryable.
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message

	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, NewFailure(ReasonInvalidEnvelope, false, fmt.Sprintf("malformed message body: %v", err))
	}

	if err := messageValidator.Struct(&msg); err != nil {
		return nil, NewFailure(ReasonInvalidEnvelope, false, fmt.Sprintf("invalid message envelope: %v", err))
	}

	if _, err := time.Parse(time.RFC3339, msg.OccurredAt); err != nil {
		return nil, NewFailure(ReasonInvalidEnvelope, false, fmt.Sprintf("invalid occurredAt: %v", err))
	}

	return &msg, nil
}
