package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation marks malformed caller input. It is never retryable.
var ErrValidation = errors.New("validation error")

// Defaults applied when the caller envelope omits optional fields.
const (
	DefaultSource        = "api"
	DefaultSchemaVersion = "1.0.0"
	DefaultSpecVersion   = "1.0"
)

// Envelope is the heterogeneous caller input. Type/EventType and
// Subject/EntityID are accepted as aliases of each other.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Type          string          `json:"type"`
	OccurredAt    string          `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schemaVersion"`
	SpecVersion   string          `json:"specVersion"`
	Subject       string          `json:"subject"`
	EntityID      string          `json:"entityId"`
	PartitionKey  string          `json:"partitionKey"`
}

// Normalize decodes a raw caller envelope and produces a canonical event
// with a freshly generated event id when the caller omitted one. The payload
// is canonicalized before hashing and before storage.
func Normalize(raw []byte, tenantID, correlationID string) (*CanonicalEvent, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}

	return NormalizeEnvelope(envelope, tenantID, correlationID)
}

// NormalizeEnvelope normalizes an already-decoded envelope. Stream ingestion
// hands records here one at a time, agnostic to the wire framing.
func NormalizeEnvelope(envelope Envelope, tenantID, correlationID string) (*CanonicalEvent, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrValidation)
	}

	if strings.TrimSpace(correlationID) == "" {
		return nil, fmt.Errorf("%w: correlation id is required", ErrValidation)
	}

	eventType := firstNonEmpty(envelope.EventType, envelope.Type)
	if eventType == "" {
		return nil, fmt.Errorf("%w: either eventType or type must be provided", ErrValidation)
	}

	subject := firstNonEmpty(envelope.Subject, envelope.EntityID)
	if subject == "" {
		return nil, fmt.Errorf("%w: either subject or entityId must be provided", ErrValidation)
	}

	occurredAt, err := time.Parse(time.RFC3339, envelope.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: occurredAt must be a valid RFC 3339 timestamp", ErrValidation)
	}

	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}

	payload, err := CanonicalizePayload(envelope.Payload)
	if err != nil {
		return nil, err
	}

	eventID := strings.TrimSpace(envelope.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	partitionKey := firstNonEmpty(envelope.PartitionKey)
	if partitionKey == "" {
		partitionKey = subject
	}

	canonical := &CanonicalEvent{
		EventID:       eventID,
		TenantID:      tenantID,
		Type:          eventType,
		Subject:       subject,
		PartitionKey:  partitionKey,
		OccurredAt:    occurredAt,
		Payload:       payload,
		Source:        withDefault(envelope.Source, DefaultSource),
		SchemaVersion: withDefault(envelope.SchemaVersion, DefaultSchemaVersion),
		SpecVersion:   withDefault(envelope.SpecVersion, DefaultSpecVersion),
		CorrelationID: correlationID,
	}

	canonical.Hash, err = ComputeHash(canonical)
	if err != nil {
		return nil, err
	}

	return canonical, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}

	return ""
}

func withDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}

	return fallback
}
