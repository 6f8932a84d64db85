package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// hashMaterial fixes the field order of the content hash. EventID and
// CorrelationID are deliberately excluded so retries of the same logical
// event hash identically.
type hashMaterial struct {
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	OccurredAt    string          `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schemaVersion"`
	SpecVersion   string          `json:"specVersion"`
	Subject       string          `json:"subject"`
	PartitionKey  string          `json:"partitionKey"`
}

// ComputeHash returns the hex SHA-256 digest of the event's hash material.
// The payload must already be in canonical form.
func ComputeHash(ev *CanonicalEvent) (string, error) {
	material := hashMaterial{
		TenantID:      ev.TenantID,
		Type:          ev.Type,
		OccurredAt:    FormatTimestamp(ev.OccurredAt),
		Payload:       ev.Payload,
		Source:        ev.Source,
		SchemaVersion: ev.SchemaVersion,
		SpecVersion:   ev.SpecVersion,
		Subject:       ev.Subject,
		PartitionKey:  ev.PartitionKey,
	}

	encoded, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("encoding hash material: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}

// FormatTimestamp renders a timestamp in the canonical wire form used for
// hashing and storage.
func FormatTimestamp(at time.Time) string {
	return at.UTC().Format(time.RFC3339Nano)
}

// CanonicalizePayload rewrites a JSON document with every object's keys in
// sorted order, recursively, preserving numeric literals exactly. Two
// payloads that are deep-equal up to key order canonicalize to identical
// bytes.
func CanonicalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrValidation, err)
	}

	var out bytes.Buffer
	if err := writeCanonical(&out, value); err != nil {
		return nil, err
	}

	return json.RawMessage(out.Bytes()), nil
}

func writeCanonical(out *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		out.WriteByte('{')

		for i, key := range keys {
			if i > 0 {
				out.WriteByte(',')
			}

			encodedKey, err := json.Marshal(key)
			if err != nil {
				return fmt.Errorf("encoding payload key: %w", err)
			}

			out.Write(encodedKey)
			out.WriteByte(':')

			if err := writeCanonical(out, typed[key]); err != nil {
				return err
			}
		}

		out.WriteByte('}')

		return nil
	case []any:
		out.WriteByte('[')

		for i, item := range typed {
			if i > 0 {
				out.WriteByte(',')
			}

			if err := writeCanonical(out, item); err != nil {
				return err
			}
		}

		out.WriteByte(']')

		return nil
	case json.Number:
		out.WriteString(typed.String())

		return nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Errorf("encoding payload value: %w", err)
		}

		out.Write(encoded)

		return nil
	}
}
