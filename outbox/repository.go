package outbox

import (
	"context"
	"time"
)

// Repository is the persistence contract the relay works against.
//
// ClaimBatch must atomically select claimable entries and move them to
// IN_FLIGHT under the caller's lock owner: PENDING and FAILED entries whose
// next attempt is due, plus IN_FLIGHT entries whose lease expired (their
// holder is presumed dead). Two concurrent claimers must never receive the
// same entry.
type Repository interface {
	ClaimBatch(ctx context.Context, batchSize int, lease time.Duration, lockOwner string) ([]*Entry, error)

	// MarkPublished settles a delivered entry. It only applies to entries
	// still IN_FLIGHT, which makes it idempotent and keeps PUBLISHED
	// terminal even if a stale lease holder reports late.
	MarkPublished(ctx context.Context, id int64) error

	// MarkFailed records a failed attempt and schedules the next one.
	MarkFailed(ctx context.Context, id int64, message string) error

	// Backlog counts entries not yet settled (PENDING, FAILED, IN_FLIGHT).
	Backlog(ctx context.Context) (int64, error)
}
