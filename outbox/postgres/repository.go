// Package postgres provides the outbox repository backed by the outbox
// table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/outbox"
)

// retryDelay is the fixed pause before a failed entry becomes claimable
// again. Broker-level publish failures are environmental, not per-entry, so
// a short constant beats a per-row backoff here.
const retryDelay = 5 * time.Second

// claimQuery selects and leases claimable entries in one statement. The
// FOR UPDATE SKIP LOCKED keeps concurrent relays disjoint: rows locked by
// another claimer are skipped, not waited on.
const claimQuery = `
WITH selected AS (
	SELECT id
	FROM outbox
	WHERE (
		status IN ('PENDING', 'FAILED')
		AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
	)
	OR (
		status = 'IN_FLIGHT'
		AND lock_acquired_at IS NOT NULL
		AND lock_acquired_at <= NOW() - make_interval(secs => $2::int)
	)
	ORDER BY created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET
	status = 'IN_FLIGHT',
	lock_owner = $3,
	lock_acquired_at = NOW(),
	updated_at = NOW()
FROM selected
WHERE o.id = selected.id
RETURNING o.id, o.tenant_id, o.event_pk, o.queue, o.payload, o.status, o.attempts`

const markPublishedQuery = `
UPDATE outbox
SET
	status = 'PUBLISHED',
	published_at = NOW(),
	last_error = NULL,
	lock_owner = NULL,
	lock_acquired_at = NULL,
	updated_at = NOW()
WHERE id = $1 AND status = 'IN_FLIGHT'`

const markFailedQuery = `
UPDATE outbox
SET
	status = 'FAILED',
	attempts = attempts + 1,
	last_error = $2,
	next_attempt_at = NOW() + $3::interval,
	lock_owner = NULL,
	lock_acquired_at = NULL,
	updated_at = NOW()
WHERE id = $1 AND status <> 'PUBLISHED'`

const backlogQuery = `
SELECT COUNT(*)
FROM outbox
WHERE status IN ('PENDING', 'FAILED', 'IN_FLIGHT')`

// Repository implements outbox.Repository on postgres.
type Repository struct {
	db     dbresolver.DB
	logger *zap.Logger
}

// NewRepository creates a postgres-backed outbox repository.
func NewRepository(db dbresolver.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Repository{db: db, logger: logger}
}

// ClaimBatch leases up to batchSize due entries for lockOwner. IN_FLIGHT
// entries whose lease of the given duration expired are reclaimed.
func (r *Repository) ClaimBatch(ctx context.Context, batchSize int, lease time.Duration, lockOwner string) ([]*outbox.Entry, error) {
	leaseSeconds := int(lease / time.Second)

	rows, err := r.db.QueryContext(ctx, claimQuery, batchSize, leaseSeconds, lockOwner)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox batch: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry

	for rows.Next() {
		var (
			entry   outbox.Entry
			status  string
			eventPk sql.NullString
		)

		if err := rows.Scan(&entry.ID, &entry.TenantID, &eventPk, &entry.Queue, &entry.Payload, &status, &entry.Attempts); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}

		entry.EventPk = eventPk.String
		entry.Status = outbox.Status(status)
		entry.LockOwner = lockOwner

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox batch: %w", err)
	}

	return entries, nil
}

// MarkPublished settles a delivered entry. The status guard skips entries
// that already left IN_FLIGHT, so a stale lease holder reporting late cannot
// regress a published row; that case surfaces as ErrEntryNotFound.
func (r *Repository) MarkPublished(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, markPublishedQuery, id)
	if err != nil {
		return fmt.Errorf("marking outbox entry %d published: %w", id, err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("marking outbox entry %d published: %w", id, outbox.ErrEntryNotFound)
	}

	return nil
}

// MarkFailed records the failure and releases the lease so the entry is
// reclaimed after a short delay.
func (r *Repository) MarkFailed(ctx context.Context, id int64, message string) error {
	interval := fmt.Sprintf("%d seconds", int(retryDelay/time.Second))

	if _, err := r.db.ExecContext(ctx, markFailedQuery, id, outbox.TruncateError(message), interval); err != nil {
		return fmt.Errorf("marking outbox entry %d failed: %w", id, err)
	}

	return nil
}

// Backlog counts unsettled entries.
func (r *Repository) Backlog(ctx context.Context) (int64, error) {
	var total int64

	if err := r.db.QueryRowContext(ctx, backlogQuery).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}

	return total, nil
}
