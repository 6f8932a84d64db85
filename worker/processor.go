package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/FelipeAlvarezM0/streamforge/event"
	"github.com/FelipeAlvarezM0/streamforge/outbox"
	"github.com/FelipeAlvarezM0/streamforge/rabbitmq"
)

// Outcome instructs the consumer how to settle a delivery.
type Outcome int

const (
	// OutcomeAck settles the delivery; whatever had to happen happened,
	// including routing to retry or DLQ.
	OutcomeAck Outcome = iota
	// OutcomeRequeue returns the delivery to the queue. Used only for
	// infrastructure failures where nothing was recorded; the effect table
	// absorbs the redelivery.
	OutcomeRequeue
)

// ProcessorConfig tunes the consumer state machine.
type ProcessorConfig struct {
	WorkerName       string
	MaxRetryAttempts int
	RetryBackoff     []time.Duration
	FailRatePayment  float64
	MeterProvider    metric.MeterProvider
}

func (cfg *ProcessorConfig) normalize() {
	if cfg.WorkerName == "" {
		cfg.WorkerName = "worker-default"
	}

	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}

	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{time.Second}
	}
}

// Processor applies the business effect for one delivery and decides its
// fate: complete, retry with backoff, or dead-letter.
type Processor struct {
	store     Store
	publisher outbox.Publisher
	cfg       ProcessorConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   processorMetrics

	// test hook for failure injection
	randFloat func() float64
}

// NewProcessor wires the worker state machine.
func NewProcessor(store Store, publisher outbox.Publisher, cfg ProcessorConfig, logger *zap.Logger, tracer trace.Tracer) (*Processor, error) {
	if store == nil {
		return nil, errors.New("worker: store is required")
	}

	if publisher == nil {
		return nil, errors.New("worker: publisher is required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("streamforge.noop")
	}

	cfg.normalize()

	metrics, err := newProcessorMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init worker metrics: %w", err)
	}

	return &Processor{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		randFloat: rand.Float64,
	}, nil
}

// Process handles one delivery end to end.
func (p *Processor) Process(ctx context.Context, delivery amqp.Delivery) Outcome {
	ctx, span := p.tracer.Start(ctx, "worker.process")
	defer span.End()

	msg, err := DecodeMessage(delivery.Body)
	if err != nil {
		// The envelope itself is broken. There is no event row to update,
		// so the message goes straight to the DLQ with its defect attached.
		failure := Classify(err)
		p.logger.Warn("rejecting malformed delivery",
			zap.String("reason_code", failure.ReasonCode),
			zap.String("error", failure.Message))

		if pubErr := p.publishDead(ctx, delivery.Body, 1, "", "", failure); pubErr != nil {
			p.logger.Error("dead-lettering malformed delivery failed", zap.Error(pubErr))
			return OutcomeRequeue
		}

		return OutcomeAck
	}

	attempt := attemptFromHeaders(delivery.Headers)
	started := time.Now()

	applied, err := p.store.EffectApplied(ctx, msg.TenantID, msg.EventPk, p.cfg.WorkerName)
	if err != nil {
		p.logger.Error("effect lookup failed",
			zap.String("event_pk", msg.EventPk),
			zap.Error(err))

		return OutcomeRequeue
	}

	if applied {
		return p.settleSuccess(ctx, msg, attempt, started, ReasonIdempotentSkip)
	}

	if err := p.applyBusinessEffect(ctx, msg); err != nil {
		return p.settleFailure(ctx, msg, delivery.Body, attempt, started, Classify(err))
	}

	return p.settleSuccess(ctx, msg, attempt, started, ReasonProcessed)
}

// applyBusinessEffect validates the event and records the effect row, the
// exactly-once commit point.
func (p *Processor) applyBusinessEffect(ctx context.Context, msg *Message) error {
	if err := validateBusinessRules(msg); err != nil {
		return err
	}

	if p.shouldInjectFailure(msg) {
		return NewFailure(ReasonInjectedFailure, true, "injected failure for PAYMENT processing")
	}

	return p.store.ApplyEffect(ctx, msg.TenantID, msg.EventPk, p.cfg.WorkerName, msg.Hash)
}

func validateBusinessRules(msg *Message) error {
	if !event.SupportedType(msg.Type) {
		return NewFailure(ReasonUnsupportedEventType, false, fmt.Sprintf("unsupported event type: %s", msg.Type))
	}

	if msg.Type == event.TypePayment {
		var payload struct {
			Amount *float64 `json:"amount"`
		}

		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Amount == nil {
			return NewFailure(ReasonInvalidPaymentPayload, false, "PAYMENT requires numeric payload.amount")
		}
	}

	return nil
}

func (p *Processor) shouldInjectFailure(msg *Message) bool {
	if msg.Type != event.TypePayment || p.cfg.FailRatePayment <= 0 {
		return false
	}

	return p.randFloat() < p.cfg.FailRatePayment
}

// settleSuccess records the attempt and the terminal event status. The
// delivery is acknowledged only once both rows are durable; a redelivery
// after a failed write lands on the idempotent-skip path and re-settles.
func (p *Processor) settleSuccess(ctx context.Context, msg *Message, attempt int, started time.Time, reasonCode string) Outcome {
	duration := time.Since(started)

	if err := p.recordAttempt(ctx, Attempt{
		TenantID:   msg.TenantID,
		EventPk:    msg.EventPk,
		Worker:     p.cfg.WorkerName,
		Number:     attempt,
		Status:     AttemptSuccess,
		ReasonCode: reasonCode,
		Duration:   duration,
	}); err != nil {
		return OutcomeRequeue
	}

	if err := p.markEvent(ctx, msg.EventPk, event.StatusCompleted, ""); err != nil {
		return OutcomeRequeue
	}

	p.recordLatency(ctx, msg, AttemptSuccess, duration)

	return OutcomeAck
}

func (p *Processor) recordLatency(ctx context.Context, msg *Message, status string, duration time.Duration) {
	p.metrics.processingLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("type", msg.Type),
		attribute.String("status", status),
	))
}

func (p *Processor) settleFailure(ctx context.Context, msg *Message, body []byte, attempt int, started time.Time, failure *Failure) Outcome {
	duration := time.Since(started)

	if !failure.Retryable {
		return p.deadLetter(ctx, msg, body, attempt, duration, failure.ReasonCode, failure)
	}

	if attempt < p.cfg.MaxRetryAttempts {
		return p.scheduleRetry(ctx, msg, body, attempt, duration, failure)
	}

	return p.deadLetter(ctx, msg, body, attempt, duration, ReasonRetryExhausted, failure)
}

func (p *Processor) scheduleRetry(ctx context.Context, msg *Message, body []byte, attempt int, duration time.Duration, failure *Failure) Outcome {
	if err := p.recordAttempt(ctx, Attempt{
		TenantID:     msg.TenantID,
		EventPk:      msg.EventPk,
		Worker:       p.cfg.WorkerName,
		Number:       attempt,
		Status:       AttemptRetry,
		ReasonCode:   failure.ReasonCode,
		ErrorMessage: failure.Message,
		Duration:     duration,
	}); err != nil {
		return OutcomeRequeue
	}

	if err := p.markEvent(ctx, msg.EventPk, event.StatusFailed, failure.Message); err != nil {
		return OutcomeRequeue
	}

	delay := p.delayForAttempt(attempt)

	// The retry queue has no consumer: the per-message TTL expires and the
	// broker dead-letters the message back onto the main queue.
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers: amqp.Table{
			"attempt":       int32(attempt + 1),
			"tenantId":      msg.TenantID,
			"correlationId": msg.CorrelationID,
			"reasonCode":    failure.ReasonCode,
			"retryable":     true,
		},
	}

	if err := p.publisher.Publish(ctx, rabbitmq.Exchange, rabbitmq.RetryQueue, publishing); err != nil {
		p.logger.Error("retry publish failed",
			zap.String("event_pk", msg.EventPk),
			zap.Error(err))

		return OutcomeRequeue
	}

	p.metrics.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("type", msg.Type),
	))
	p.recordLatency(ctx, msg, AttemptRetry, duration)

	return OutcomeAck
}

func (p *Processor) deadLetter(ctx context.Context, msg *Message, body []byte, attempt int, duration time.Duration, reasonCode string, failure *Failure) Outcome {
	if err := p.recordAttempt(ctx, Attempt{
		TenantID:     msg.TenantID,
		EventPk:      msg.EventPk,
		Worker:       p.cfg.WorkerName,
		Number:       attempt,
		Status:       AttemptDLQ,
		ReasonCode:   reasonCode,
		ErrorMessage: failure.Message,
		Duration:     duration,
	}); err != nil {
		return OutcomeRequeue
	}

	if err := p.markEvent(ctx, msg.EventPk, event.StatusDLQ, failure.Message); err != nil {
		return OutcomeRequeue
	}

	if err := p.publishDead(ctx, body, attempt, msg.TenantID, msg.CorrelationID, &Failure{
		ReasonCode: reasonCode,
		Message:    failure.Message,
	}); err != nil {
		p.logger.Error("dead letter publish failed",
			zap.String("event_pk", msg.EventPk),
			zap.Error(err))

		return OutcomeRequeue
	}

	p.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("type", msg.Type),
	))
	p.recordLatency(ctx, msg, AttemptDLQ, duration)

	return OutcomeAck
}

func (p *Processor) publishDead(ctx context.Context, body []byte, attempt int, tenantID, correlationID string, failure *Failure) error {
	headers := amqp.Table{
		"attempt":    int32(attempt),
		"reasonCode": failure.ReasonCode,
		"retryable":  false,
		"error":      failure.Message,
	}

	if tenantID != "" {
		headers["tenantId"] = tenantID
	}

	if correlationID != "" {
		headers["correlationId"] = correlationID
	}

	return p.publisher.Publish(ctx, rabbitmq.Exchange, rabbitmq.DLQQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
	})
}

func (p *Processor) delayForAttempt(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}

	if idx >= len(p.cfg.RetryBackoff) {
		idx = len(p.cfg.RetryBackoff) - 1
	}

	return p.cfg.RetryBackoff[idx]
}

func (p *Processor) recordAttempt(ctx context.Context, attempt Attempt) error {
	if err := p.store.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Error("recording attempt failed",
			zap.String("event_pk", attempt.EventPk),
			zap.Error(err))

		return err
	}

	return nil
}

func (p *Processor) markEvent(ctx context.Context, eventPk, status, lastError string) error {
	if err := p.store.MarkEventStatus(ctx, eventPk, status, lastError); err != nil {
		p.logger.Error("marking event status failed",
			zap.String("event_pk", eventPk),
			zap.String("status", status),
			zap.Error(err))

		return err
	}

	return nil
}

func attemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 1
	}

	switch raw := headers["attempt"].(type) {
	case int:
		return clampAttempt(raw)
	case int32:
		return clampAttempt(int(raw))
	case int64:
		return clampAttempt(int(raw))
	case float64:
		return clampAttempt(int(raw))
	default:
		return 1
	}
}

func clampAttempt(attempt int) int {
	if attempt < 1 {
		return 1
	}

	return attempt
}
