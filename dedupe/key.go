// Package dedupe computes deduplication keys and manages the two-layer
// reservation that rejects duplicate submissions: a Redis fast path with a
// TTL, backed by a relational unique constraint as the correctness arbiter.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/FelipeAlvarezM0/streamforge/event"
)

// Strategy selects how the content-based dedupe key is derived.
type Strategy string

const (
	// StrategyFull uses the event content hash: exact content match.
	StrategyFull Strategy = "full"
	// StrategyIntent hashes the logical intent of the event, tolerating
	// hash-irrelevant metadata drift. This is the default.
	StrategyIntent Strategy = "intent"
)

// ParseStrategy validates a raw strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyFull:
		return StrategyFull, nil
	case StrategyIntent, "":
		return StrategyIntent, nil
	default:
		return "", fmt.Errorf("unknown dedupe strategy %q", raw)
	}
}

// KeyConfig controls content-based key derivation.
//
// IncludeOccurredAt defaults to false: two events identical in every field
// except timestamp are treated as duplicates under the intent strategy
// unless the flag is set. This is a deliberate policy, not an oversight.
type KeyConfig struct {
	Strategy          Strategy
	IncludeOccurredAt bool
}

// intentMaterial fixes the field order of the intent digest.
type intentMaterial struct {
	TenantID      string          `json:"tenantId"`
	Type          string          `json:"type"`
	Subject       string          `json:"subject"`
	PartitionKey  string          `json:"partitionKey"`
	Source        string          `json:"source"`
	SchemaVersion string          `json:"schemaVersion"`
	SpecVersion   string          `json:"specVersion"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    string          `json:"occurredAt,omitempty"`
}

type tokenMaterial struct {
	TenantID         string `json:"tenantId"`
	IdempotencyToken string `json:"idempotencyKey"`
}

// Key derives the dedupe key for a normalized event. A caller-supplied
// idempotency token takes absolute precedence over content-based strategies;
// it is trimmed and lowercased so cosmetic variations match.
func Key(ev *event.CanonicalEvent, idempotencyToken string, cfg KeyConfig) string {
	if token := strings.ToLower(strings.TrimSpace(idempotencyToken)); token != "" {
		return digest(tokenMaterial{TenantID: ev.TenantID, IdempotencyToken: token})
	}

	if cfg.Strategy == StrategyFull {
		return ev.Hash
	}

	material := intentMaterial{
		TenantID:      ev.TenantID,
		Type:          ev.Type,
		Subject:       ev.Subject,
		PartitionKey:  ev.PartitionKey,
		Source:        ev.Source,
		SchemaVersion: ev.SchemaVersion,
		SpecVersion:   ev.SpecVersion,
		Payload:       ev.Payload,
	}

	if cfg.IncludeOccurredAt {
		material.OccurredAt = event.FormatTimestamp(ev.OccurredAt)
	}

	return digest(material)
}

func digest(material any) string {
	encoded, err := json.Marshal(material)
	if err != nil {
		// Material structs contain only strings and raw JSON; this cannot
		// fail for canonicalized events.
		panic(fmt.Sprintf("dedupe: encoding key material: %v", err))
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:])
}
