// Package ingest accepts raw event submissions and lands them durably:
// normalize, dedupe (cache fast path, relational arbiter) and write the
// event row plus its outbox entry in one transaction.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bxcodec/dbresolver/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/dedupe"
	"github.com/FelipeAlvarezM0/streamforge/event"
	"github.com/FelipeAlvarezM0/streamforge/outbox"
	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
)

// Submission rejection errors.
var (
	ErrEventTooLarge    = errors.New("event exceeds size limit")
	ErrTenantNotAllowed = errors.New("tenant is not allowed")
)

// Dedupe layer labels reported in EnqueueResult and metrics.
const (
	LayerCache    = "cache"
	LayerDatabase = "database"
)

const insertIdempotencyKeyQuery = `
INSERT INTO idempotency_keys (tenant_id, hash)
VALUES ($1, $2)
ON CONFLICT (tenant_id, hash) DO NOTHING`

const insertEventQuery = `
INSERT INTO events (
	tenant_id, event_id, type, subject, partition_key, occurred_at,
	payload, source, schema_version, spec_version, hash, correlation_id,
	processing_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'RECEIVED')
ON CONFLICT (tenant_id, event_id) DO NOTHING
RETURNING id`

const selectEventPkQuery = `
SELECT id FROM events WHERE tenant_id = $1 AND event_id = $2`

const insertOutboxQuery = `
INSERT INTO outbox (tenant_id, event_pk, queue, payload, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

// EnqueueResult reports the outcome of a submission. A duplicate is not an
// error: the caller receives which layer detected it.
type EnqueueResult struct {
	Accepted       bool
	Duplicate      bool
	DuplicateLayer string
	EventID        string
	EventPk        string
	OutboxID       int64
}

// PipelineConfig carries the dedupe policy and admission limits.
type PipelineConfig struct {
	DedupeStrategy          dedupe.Strategy
	DedupeIncludeOccurredAt bool
	MaxEventBytes           int
	TenantAllowlist         []string
	MeterProvider           metric.MeterProvider
}

// Pipeline is the ingestion path shared by every front end.
type Pipeline struct {
	db       dbresolver.DB
	reserver *dedupe.Reserver
	cfg      PipelineConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  pipelineMetrics
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(db dbresolver.DB, reserver *dedupe.Reserver, cfg PipelineConfig, logger *zap.Logger, tracer trace.Tracer) (*Pipeline, error) {
	if db == nil {
		return nil, errors.New("ingest: database is required")
	}

	if reserver == nil {
		return nil, errors.New("ingest: dedupe reserver is required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("streamforge.noop")
	}

	metrics, err := newPipelineMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init ingest metrics: %w", err)
	}

	return &Pipeline{
		db:       db,
		reserver: reserver,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Enqueue normalizes a raw submission and lands it. The cache reservation
// is a fast path only: a cache failure falls through to the relational
// idempotency insert, which is the arbiter of uniqueness.
func (p *Pipeline) Enqueue(ctx context.Context, raw []byte, tenantID, correlationID, idempotencyToken string) (*EnqueueResult, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.enqueue")
	defer span.End()

	if p.cfg.MaxEventBytes > 0 && len(raw) > p.cfg.MaxEventBytes {
		p.recordRejected(ctx, tenantID, "too_large")
		return nil, fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(raw))
	}

	if !p.tenantAllowed(tenantID) {
		p.recordRejected(ctx, tenantID, "tenant")
		return nil, fmt.Errorf("%w: %s", ErrTenantNotAllowed, tenantID)
	}

	ev, err := event.Normalize(raw, tenantID, correlationID)
	if err != nil {
		p.recordRejected(ctx, tenantID, "validation")
		return nil, err
	}

	return p.EnqueueEvent(ctx, ev, idempotencyToken)
}

// EnqueueEvent lands an already normalized event.
func (p *Pipeline) EnqueueEvent(ctx context.Context, ev *event.CanonicalEvent, idempotencyToken string) (*EnqueueResult, error) {
	key := dedupe.Key(ev, idempotencyToken, dedupe.KeyConfig{
		Strategy:          p.cfg.DedupeStrategy,
		IncludeOccurredAt: p.cfg.DedupeIncludeOccurredAt,
	})

	reservation := p.reserver.Reserve(ctx, ev.TenantID, key)
	if reservation.Duplicate {
		p.recordDuplicate(ctx, ev.TenantID, LayerCache)

		return &EnqueueResult{Duplicate: true, DuplicateLayer: LayerCache, EventID: ev.EventID}, nil
	}

	result, err := p.enqueueTx(ctx, ev, key)
	if err != nil {
		if reservation.Reserved {
			p.reserver.Release(ctx, reservation.Key)
		}

		return nil, err
	}

	switch {
	case result.Duplicate:
		p.recordDuplicate(ctx, ev.TenantID, result.DuplicateLayer)
	case result.Accepted:
		p.metrics.accepted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tenant_id", ev.TenantID)))
	}

	return result, nil
}

func (p *Pipeline) enqueueTx(ctx context.Context, ev *event.CanonicalEvent, key string) (*EnqueueResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning ingest transaction: %w", err)
	}

	result, err := p.enqueueInTx(ctx, tx, ev, key)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ingest transaction: %w", err)
	}

	return result, nil
}

func (p *Pipeline) enqueueInTx(ctx context.Context, tx dbresolver.Tx, ev *event.CanonicalEvent, key string) (*EnqueueResult, error) {
	keyResult, err := tx.ExecContext(ctx, insertIdempotencyKeyQuery, ev.TenantID, key)
	if err != nil {
		return nil, fmt.Errorf("reserving idempotency key: %w", err)
	}

	if inserted, err := keyResult.RowsAffected(); err == nil && inserted == 0 {
		return &EnqueueResult{Duplicate: true, DuplicateLayer: LayerDatabase, EventID: ev.EventID}, nil
	}

	var eventPk string

	err = tx.QueryRowContext(ctx, insertEventQuery,
		ev.TenantID, ev.EventID, ev.Type, ev.Subject, ev.PartitionKey,
		ev.OccurredAt, ev.Payload, ev.Source, ev.SchemaVersion,
		ev.SpecVersion, ev.Hash, ev.CorrelationID,
	).Scan(&eventPk)

	if errors.Is(err, sql.ErrNoRows) {
		// Same eventId resubmitted with a fresh dedupe key. The event row
		// already exists; nothing new to publish.
		if err := tx.QueryRowContext(ctx, selectEventPkQuery, ev.TenantID, ev.EventID).Scan(&eventPk); err != nil {
			return nil, fmt.Errorf("fetching existing event: %w", err)
		}

		return &EnqueueResult{Accepted: true, EventID: ev.EventID, EventPk: eventPk, OutboxID: -1}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	payload, err := marshalOutboxPayload(eventPk, ev)
	if err != nil {
		return nil, err
	}

	entry, err := outbox.NewEntry(ev.TenantID, eventPk, rabbitmq.MainQueue, payload)
	if err != nil {
		return nil, fmt.Errorf("building outbox entry: %w", err)
	}

	var outboxID int64
	if err := tx.QueryRowContext(ctx, insertOutboxQuery, entry.TenantID, entry.EventPk, entry.Queue, entry.Payload, entry.Status).Scan(&outboxID); err != nil {
		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}

	return &EnqueueResult{Accepted: true, EventID: ev.EventID, EventPk: eventPk, OutboxID: outboxID}, nil
}

func marshalOutboxPayload(eventPk string, ev *event.CanonicalEvent) ([]byte, error) {
	payload, err := json.Marshal(struct {
		EventPk string `json:"eventPk"`
		*event.CanonicalEvent
	}{EventPk: eventPk, CanonicalEvent: ev})
	if err != nil {
		return nil, fmt.Errorf("encoding outbox payload: %w", err)
	}

	return payload, nil
}

func (p *Pipeline) tenantAllowed(tenantID string) bool {
	if len(p.cfg.TenantAllowlist) == 0 {
		return true
	}

	for _, allowed := range p.cfg.TenantAllowlist {
		if allowed == tenantID {
			return true
		}
	}

	return false
}

func (p *Pipeline) recordDuplicate(ctx context.Context, tenantID, layer string) {
	p.metrics.duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("layer", layer),
	))
}

func (p *Pipeline) recordRejected(ctx context.Context, tenantID, reason string) {
	p.metrics.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("reason", reason),
	))
}
