package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/outbox"
	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
)

// ErrEventNotFound is returned by Status for an unknown event.
var ErrEventNotFound = errors.New("event not found")

// ReplayMode selects what a replay does with the event's processing state.
type ReplayMode string

const (
	// ReplayReprocess resets the event to REPLAY_REQUESTED so the worker
	// runs the handler again.
	ReplayReprocess ReplayMode = "reprocess"
	// ReplayRepublish re-emits the event without touching its state.
	ReplayRepublish ReplayMode = "republish"
)

// ReplayFilters scope a replay request.
type ReplayFilters struct {
	TenantID string
	From     *time.Time
	To       *time.Time
	Type     string
	Status   string
	Mode     ReplayMode
	Limit    int
}

// EventStatus is the read model returned by Status.
type EventStatus struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	EventID          string          `json:"eventId"`
	Type             string          `json:"type"`
	Subject          string          `json:"subject"`
	PartitionKey     string          `json:"partitionKey"`
	Hash             string          `json:"hash"`
	CorrelationID    string          `json:"correlationId"`
	ProcessingStatus string          `json:"processingStatus"`
	LastError        string          `json:"lastError,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ProcessedAt      *time.Time      `json:"processedAt,omitempty"`
	Attempts         json.RawMessage `json:"attempts"`
}

// DLQReason aggregates dead-lettered attempts by reason.
type DLQReason struct {
	ReasonCode   string `json:"reasonCode"`
	ErrorMessage string `json:"errorMessage"`
	Total        int64  `json:"total"`
}

const eventStatusQuery = `
SELECT
	e.id, e.tenant_id, e.event_id, e.type, e.subject, e.partition_key,
	e.hash, e.correlation_id, e.processing_status,
	COALESCE(e.last_error, ''), e.created_at, e.processed_at,
	COALESCE(
		JSON_AGG(
			JSON_BUILD_OBJECT(
				'attemptNumber', pa.attempt_number,
				'status', pa.status,
				'reasonCode', pa.reason_code,
				'errorMessage', pa.error_message,
				'durationMs', pa.duration_ms,
				'createdAt', pa.created_at
			) ORDER BY pa.created_at DESC
		) FILTER (WHERE pa.id IS NOT NULL),
		'[]'::json
	) AS attempts
FROM events e
LEFT JOIN processing_attempts pa ON pa.event_pk = e.id
WHERE e.id::text = $1 OR e.event_id = $1
GROUP BY e.id`

const dlqReasonsQuery = `
SELECT
	COALESCE(reason_code, 'UNKNOWN') AS reason_code,
	COALESCE(error_message, 'unknown') AS error_message,
	COUNT(*) AS total
FROM processing_attempts
WHERE status = 'DLQ' %s
GROUP BY reason_code, error_message
ORDER BY COUNT(*) DESC
LIMIT $%d`

// Admin exposes the operational surface: event status, replay, DLQ triage.
type Admin struct {
	db     dbresolver.DB
	logger *zap.Logger
}

// NewAdmin creates the admin operations over the shared database.
func NewAdmin(db dbresolver.DB, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Admin{db: db, logger: logger}
}

// Status returns the event read model by primary key or event id, with its
// attempt history newest first.
func (a *Admin) Status(ctx context.Context, id string) (*EventStatus, error) {
	var (
		status      EventStatus
		processedAt sql.NullTime
	)

	err := a.db.QueryRowContext(ctx, eventStatusQuery, id).Scan(
		&status.ID, &status.TenantID, &status.EventID, &status.Type,
		&status.Subject, &status.PartitionKey, &status.Hash,
		&status.CorrelationID, &status.ProcessingStatus, &status.LastError,
		&status.CreatedAt, &processedAt, &status.Attempts,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("loading event status: %w", err)
	}

	if processedAt.Valid {
		status.ProcessedAt = &processedAt.Time
	}

	return &status, nil
}

// ReplayByFilter re-enqueues matching events through the outbox and returns
// how many were scheduled. In reprocess mode the events are also reset to
// REPLAY_REQUESTED so the worker treats them as fresh work.
func (a *Admin) ReplayByFilter(ctx context.Context, filters ReplayFilters) (int, error) {
	where := []string{"tenant_id = $1"}
	values := []any{filters.TenantID}

	if filters.From != nil {
		values = append(values, *filters.From)
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(values)))
	}

	if filters.To != nil {
		values = append(values, *filters.To)
		where = append(where, fmt.Sprintf("occurred_at <= $%d", len(values)))
	}

	if filters.Type != "" {
		values = append(values, filters.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(values)))
	}

	if filters.Status != "" {
		values = append(values, filters.Status)
		where = append(where, fmt.Sprintf("processing_status = $%d", len(values)))
	}

	values = append(values, filters.Limit)

	query := fmt.Sprintf(`
SELECT id, tenant_id, event_id, type, subject, partition_key, occurred_at,
	payload, source, schema_version, spec_version, hash, correlation_id
FROM events
WHERE %s
ORDER BY occurred_at ASC
LIMIT $%d`, strings.Join(where, " AND "), len(values))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning replay transaction: %w", err)
	}

	inserted, err := a.replayInTx(ctx, tx, query, values, filters.Mode)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing replay transaction: %w", err)
	}

	return inserted, nil
}

type replayRow struct {
	id            string
	tenantID      string
	eventID       string
	eventType     string
	subject       string
	partitionKey  string
	occurredAt    time.Time
	payload       json.RawMessage
	source        string
	schemaVersion string
	specVersion   string
	hash          string
	correlationID string
}

func scanReplayRows(rows *sql.Rows) ([]replayRow, error) {
	var selected []replayRow

	for rows.Next() {
		var row replayRow

		if err := rows.Scan(&row.id, &row.tenantID, &row.eventID, &row.eventType,
			&row.subject, &row.partitionKey, &row.occurredAt, &row.payload,
			&row.source, &row.schemaVersion, &row.specVersion, &row.hash,
			&row.correlationID); err != nil {
			return nil, fmt.Errorf("scanning replay candidate: %w", err)
		}

		selected = append(selected, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating replay candidates: %w", err)
	}

	return selected, nil
}

func (a *Admin) replayInTx(ctx context.Context, tx dbresolver.Tx, query string, values []any, mode ReplayMode) (int, error) {
	rows, err := tx.QueryContext(ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("selecting replay candidates: %w", err)
	}

	selected, err := scanReplayRows(rows)
	rows.Close()

	if err != nil {
		return 0, err
	}

	inserted := 0

	for _, row := range selected {
		payload, err := replayPayload(row, mode)
		if err != nil {
			return 0, err
		}

		if err := insertReplayEntry(ctx, tx, row, payload); err != nil {
			return 0, err
		}

		if mode == ReplayReprocess {
			if err := resetToReplayRequested(ctx, tx, row.id); err != nil {
				return 0, err
			}
		}

		inserted++
	}

	return inserted, nil
}

const insertReplayOutboxQuery = `
INSERT INTO outbox (tenant_id, event_pk, queue, payload, status)
VALUES ($1, $2, $3, $4, $5)`

func insertReplayEntry(ctx context.Context, tx dbresolver.Tx, row replayRow, payload json.RawMessage) error {
	entry, err := outbox.NewEntry(row.tenantID, row.id, rabbitmq.MainQueue, payload)
	if err != nil {
		return fmt.Errorf("building replay outbox entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertReplayOutboxQuery, entry.TenantID, entry.EventPk, entry.Queue, entry.Payload, entry.Status); err != nil {
		return fmt.Errorf("inserting replay outbox entry: %w", err)
	}

	return nil
}

func replayPayload(row replayRow, mode ReplayMode) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"replay":            true,
		"replayMode":        string(mode),
		"replayRequestedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"eventPk":           row.id,
		"tenantId":          row.tenantID,
		"eventId":           row.eventID,
		"type":              row.eventType,
		"subject":           row.subject,
		"partitionKey":      row.partitionKey,
		"occurredAt":        row.occurredAt.UTC().Format(time.RFC3339Nano),
		"payload":           row.payload,
		"source":            row.source,
		"schemaVersion":     row.schemaVersion,
		"specVersion":       row.specVersion,
		"hash":              row.hash,
		"correlationId":     row.correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding replay payload: %w", err)
	}

	return payload, nil
}

func resetToReplayRequested(ctx context.Context, tx dbresolver.Tx, eventPk string) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE events
SET processing_status = 'REPLAY_REQUESTED', last_error = NULL, updated_at = NOW()
WHERE id = $1`, eventPk); err != nil {
		return fmt.Errorf("resetting event %s for replay: %w", eventPk, err)
	}

	return nil
}

// DLQReasons aggregates dead-lettered attempts by reason code and message.
func (a *Admin) DLQReasons(ctx context.Context, tenantID string, limit int) ([]DLQReason, error) {
	var (
		tenantClause string
		values       []any
	)

	if tenantID != "" {
		values = append(values, tenantID)
		tenantClause = fmt.Sprintf("AND tenant_id = $%d", len(values))
	}

	values = append(values, limit)
	query := fmt.Sprintf(dlqReasonsQuery, tenantClause, len(values))

	rows, err := a.db.QueryContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("aggregating dlq reasons: %w", err)
	}
	defer rows.Close()

	var reasons []DLQReason

	for rows.Next() {
		var reason DLQReason

		if err := rows.Scan(&reason.ReasonCode, &reason.ErrorMessage, &reason.Total); err != nil {
			return nil, fmt.Errorf("scanning dlq reason: %w", err)
		}

		reasons = append(reasons, reason)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dlq reasons: %w", err)
	}

	return reasons, nil
}

// RetryDLQ re-enqueues dead-lettered events that have no outbox entry still
// in flight, resetting them to REPLAY_REQUESTED. Events with pending outbox
// work are skipped so a retry cannot double-publish.
func (a *Admin) RetryDLQ(ctx context.Context, tenantID string, limit int) (int, error) {
	where := []string{"e.processing_status = 'DLQ'"}

	var values []any

	if tenantID != "" {
		values = append(values, tenantID)
		where = append(where, fmt.Sprintf("e.tenant_id = $%d", len(values)))
	}

	values = append(values, limit)

	query := fmt.Sprintf(`
SELECT e.id, e.tenant_id, e.event_id, e.type, e.subject, e.partition_key,
	e.occurred_at, e.payload, e.source, e.schema_version, e.spec_version,
	e.hash, e.correlation_id
FROM events e
WHERE %s
ORDER BY e.updated_at DESC
LIMIT $%d`, strings.Join(where, " AND "), len(values))

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning dlq retry transaction: %w", err)
	}

	retried, err := a.retryDLQInTx(ctx, tx, query, values)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing dlq retry transaction: %w", err)
	}

	return retried, nil
}

func (a *Admin) retryDLQInTx(ctx context.Context, tx dbresolver.Tx, query string, values []any) (int, error) {
	rows, err := tx.QueryContext(ctx, query, values...)
	if err != nil {
		return 0, fmt.Errorf("selecting dlq events: %w", err)
	}

	selected, err := scanReplayRows(rows)
	rows.Close()

	if err != nil {
		return 0, err
	}

	retried := 0

	for _, row := range selected {
		var pending int64

		err := tx.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM outbox
WHERE event_pk = $1 AND status IN ('PENDING', 'FAILED', 'IN_FLIGHT')`, row.id).Scan(&pending)
		if err != nil {
			return 0, fmt.Errorf("checking pending outbox for event %s: %w", row.id, err)
		}

		if pending > 0 {
			continue
		}

		payload, err := replayPayload(row, "dlq-retry")
		if err != nil {
			return 0, err
		}

		if err := insertReplayEntry(ctx, tx, row, payload); err != nil {
			return 0, err
		}

		if err := resetToReplayRequested(ctx, tx, row.id); err != nil {
			return 0, err
		}

		retried++
	}

	return retried, nil
}
