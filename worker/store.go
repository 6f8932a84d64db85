package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bxcodec/dbresolver/v2"

	"github.com/FelipeAlvarezM0/streamforge/event"
	"github.com/FelipeAlvarezM0/streamforge/outbox"
)

// Attempt statuses written to processing_attempts.
const (
	AttemptSuccess = "SUCCESS"
	AttemptRetry   = "RETRY"
	AttemptFailed  = "FAILED"
	AttemptDLQ     = "DLQ"
)

// Attempt describes one processing attempt for the audit trail.
type Attempt struct {
	TenantID     string
	EventPk      string
	Worker       string
	Number       int
	Status       string
	ReasonCode   string
	ErrorMessage string
	Duration     time.Duration
}

// Store is the persistence contract of the worker: the effect commit point,
// the attempt audit trail and the event status read model.
type Store interface {
	// EffectApplied reports whether this worker already applied the effect
	// for the event.
	EffectApplied(ctx context.Context, tenantID, eventPk, worker string) (bool, error)

	// ApplyEffect records the business effect. The unique constraint on
	// (tenant_id, event_pk, worker) makes the insert the exactly-once
	// commit point: a concurrent or repeated delivery collapses into a
	// no-op conflict.
	ApplyEffect(ctx context.Context, tenantID, eventPk, worker, effectHash string) error

	// RecordAttempt appends to the attempt audit trail.
	RecordAttempt(ctx context.Context, attempt Attempt) error

	// MarkEventStatus moves the event's processing status and stamps
	// processed_at on completion.
	MarkEventStatus(ctx context.Context, eventPk, status, lastError string) error
}

const effectAppliedQuery = `
SELECT EXISTS(
	SELECT 1 FROM worker_effects
	WHERE tenant_id = $1 AND event_pk = $2 AND worker = $3
)`

const applyEffectQuery = `
INSERT INTO worker_effects (tenant_id, event_pk, worker, effect_hash)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, event_pk, worker) DO NOTHING`

const recordAttemptQuery = `
INSERT INTO processing_attempts (
	tenant_id, event_pk, worker, attempt_number, status,
	reason_code, error_message, duration_ms
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`

const markEventStatusQuery = `
UPDATE events
SET processing_status = $2,
	last_error = NULLIF($3, ''),
	processed_at = CASE WHEN $2 = $4 THEN NOW() ELSE processed_at END,
	updated_at = NOW()
WHERE id = $1`

// PostgresStore implements Store on the shared database.
type PostgresStore struct {
	db dbresolver.DB
}

// NewPostgresStore creates the worker store.
func NewPostgresStore(db dbresolver.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EffectApplied(ctx context.Context, tenantID, eventPk, worker string) (bool, error) {
	var applied bool

	if err := s.db.QueryRowContext(ctx, effectAppliedQuery, tenantID, eventPk, worker).Scan(&applied); err != nil {
		return false, fmt.Errorf("checking worker effect: %w", err)
	}

	return applied, nil
}

func (s *PostgresStore) ApplyEffect(ctx context.Context, tenantID, eventPk, worker, effectHash string) error {
	if _, err := s.db.ExecContext(ctx, applyEffectQuery, tenantID, eventPk, worker, effectHash); err != nil {
		return fmt.Errorf("applying worker effect: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if _, err := s.db.ExecContext(ctx, recordAttemptQuery,
		attempt.TenantID, attempt.EventPk, attempt.Worker, attempt.Number,
		attempt.Status, attempt.ReasonCode,
		outbox.TruncateError(attempt.ErrorMessage),
		attempt.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("recording processing attempt: %w", err)
	}

	return nil
}

func (s *PostgresStore) MarkEventStatus(ctx context.Context, eventPk, status, lastError string) error {
	if _, err := s.db.ExecContext(ctx, markEventStatusQuery,
		eventPk, status, outbox.TruncateError(lastError), event.StatusCompleted,
	); err != nil {
		return fmt.Errorf("marking event %s %s: %w", eventPk, status, err)
	}

	return nil
}
