// Package outbox implements the transactional outbox: entries written in
// the same transaction as their event row, later claimed under a lease and
// published to the broker with confirms by the relay.
package outbox

import (
	"encoding/json"
	"strings"
	"time"
)

// ErrorMessageLimit caps the stored last_error text.
const ErrorMessageLimit = 4000

// Entry is one row of the outbox table.
type Entry struct {
	ID             int64
	TenantID       string
	EventPk        string
	Queue          string
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	LastError      string
	NextAttemptAt  *time.Time
	LockOwner      string
	LockAcquiredAt *time.Time
	PublishedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewEntry builds a pending entry for the given event payload.
func NewEntry(tenantID, eventPk, queue string, payload json.RawMessage) (*Entry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadEmpty
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Entry{
		TenantID:  tenantID,
		EventPk:   eventPk,
		Queue:     queue,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TruncateError bounds an error message for storage.
func TruncateError(message string) string {
	if len(message) <= ErrorMessageLimit {
		return message
	}

	return message[:ErrorMessageLimit]
}
