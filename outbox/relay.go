package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Publisher is the broker contract the relay publishes through. The
// implementation must not return until the broker confirmed or rejected the
// message.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// RelayConfig tunes the claim-publish-settle loop.
type RelayConfig struct {
	Exchange      string
	BatchSize     int
	PollInterval  time.Duration
	Lease         time.Duration
	LockOwner     string
	MeterProvider metric.MeterProvider
}

func (cfg *RelayConfig) normalize() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 250
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}

	if cfg.LockOwner == "" {
		cfg.LockOwner = "publisher"
	}
}

// CycleResult captures one relay cycle outcome.
type CycleResult struct {
	Claimed   int
	Published int
	Failed    int
}

// Relay drains the outbox: it claims due entries under a lease, publishes
// them with confirms and settles each row individually, so one poisoned
// entry never blocks the rest of the batch.
type Relay struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       RelayConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics relayMetrics
}

// NewRelay creates an outbox relay.
func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, tracer trace.Tracer, cfg RelayConfig) (*Relay, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("streamforge.noop")
	}

	cfg.normalize()

	metrics, err := newRelayMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox relay metrics: %w", err)
	}

	return &Relay{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		tracer:    tracer,
		cfg:       cfg,
		stop:      make(chan struct{}),
		metrics:   metrics,
	}, nil
}

// Run starts the relay loop until Stop is called or ctx is cancelled.
func (relay *Relay) Run(parentCtx context.Context) error {
	if relay == nil {
		return ErrRepositoryRequired
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !relay.registerRun(cancel) {
		cancel()

		return ErrRelayRunning
	}

	defer relay.clearRun()

	relay.logger.Info("outbox relay started",
		zap.String("lock_owner", relay.cfg.LockOwner),
		zap.Int("batch_size", relay.cfg.BatchSize))
	defer relay.logger.Info("outbox relay stopped")

	ticker := time.NewTicker(relay.cfg.PollInterval)
	defer ticker.Stop()

	// Cancellation stops the loop from claiming the next batch; the cycle
	// already in flight publishes and settles under an uncancelled context
	// so claimed rows are not stranded IN_FLIGHT until lease expiry.
	cycleCtx := context.WithoutCancel(ctx)

	relay.runCycle(cycleCtx)

	for {
		select {
		case <-relay.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-relay.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			relay.runCycle(cycleCtx)
		}
	}
}

func (relay *Relay) runCycle(ctx context.Context) {
	relay.cycleWg.Add(1)
	defer relay.cycleWg.Done()

	cycleCtx, span := relay.tracer.Start(ctx, "outbox.relay.cycle")
	defer span.End()

	relay.CycleOnce(cycleCtx)
}

// Stop signals the relay loop to stop.
func (relay *Relay) Stop() {
	if relay == nil {
		return
	}

	relay.stopOnce.Do(func() {
		relay.runStateMu.Lock()
		cancel := relay.cancelFunc
		relay.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(relay.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (relay *Relay) Shutdown(ctx context.Context) error {
	if relay == nil {
		return nil
	}

	relay.Stop()

	done := make(chan struct{})

	go func() {
		relay.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// CycleOnce runs one claim-publish-settle cycle.
func (relay *Relay) CycleOnce(ctx context.Context) CycleResult {
	if relay == nil {
		return CycleResult{}
	}

	start := time.Now()

	var result CycleResult

	entries, err := relay.repo.ClaimBatch(ctx, relay.cfg.BatchSize, relay.cfg.Lease, relay.cfg.LockOwner)
	if err != nil {
		relay.logger.Error("outbox claim failed", zap.Error(err))

		return result
	}

	result.Claimed = len(entries)

	// Delivery is at-least-once: the broker confirm lands before
	// MarkPublished, so a crash between the two redelivers. The worker's
	// effect table absorbs the duplicate. Every claimed entry is settled
	// before the cycle ends; abandoning the batch midway would strand rows
	// IN_FLIGHT until their lease expires.
	for _, entry := range entries {
		if entry == nil {
			continue
		}

		publishErr := relay.publishEntry(ctx, entry)
		if publishErr != nil {
			result.Failed++

			relay.metrics.entriesFailed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("queue", entry.Queue)))
			relay.logger.Error("outbox publish failed",
				zap.Int64("outbox_id", entry.ID),
				zap.String("tenant_id", entry.TenantID),
				zap.Error(publishErr))
		}

		// The lifecycle resolves the settle target: a failure never moves an
		// entry that already reached PUBLISHED.
		switch NextOnPublish(entry.Status, publishErr == nil) {
		case StatusFailed:
			if markErr := relay.repo.MarkFailed(ctx, entry.ID, TruncateError(publishErr.Error())); markErr != nil {
				relay.logger.Error("outbox mark failed errored",
					zap.Int64("outbox_id", entry.ID),
					zap.Error(markErr))
			}
		case StatusPublished:
			if publishErr != nil {
				continue
			}

			switch err := relay.repo.MarkPublished(ctx, entry.ID); {
			case errors.Is(err, ErrEntryNotFound):
				// Settled concurrently after our confirm; the row is terminal.
				relay.logger.Debug("outbox entry already settled",
					zap.Int64("outbox_id", entry.ID))
			case err != nil:
				// Already confirmed by the broker; leave the lease to expire
				// and let the next claim re-settle it.
				relay.logger.Error("outbox mark published errored",
					zap.Int64("outbox_id", entry.ID),
					zap.Error(err))
			default:
				result.Published++

				relay.metrics.entriesPublished.Add(ctx, 1,
					metric.WithAttributes(attribute.String("queue", entry.Queue)))
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	relay.metrics.cycleLatency.Record(ctx, elapsed)
	relay.metrics.throughput.Record(ctx, float64(result.Published)/maxSeconds(elapsed))

	if backlog, err := relay.repo.Backlog(ctx); err == nil {
		relay.metrics.backlog.Record(ctx, backlog)
	}

	return result
}

func (relay *Relay) publishEntry(ctx context.Context, entry *Entry) error {
	headers := amqp.Table{
		"outboxId": entry.ID,
		"tenantId": entry.TenantID,
	}

	var meta struct {
		CorrelationID string `json:"correlationId"`
		PartitionKey  string `json:"partitionKey"`
	}

	if err := json.Unmarshal(entry.Payload, &meta); err == nil {
		if meta.CorrelationID != "" {
			headers["correlationId"] = meta.CorrelationID
		}

		if meta.PartitionKey != "" {
			headers["partitionKey"] = meta.PartitionKey
		}
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         entry.Payload,
		Headers:      headers,
	}

	return relay.publisher.Publish(ctx, relay.cfg.Exchange, entry.Queue, msg)
}

func (relay *Relay) registerRun(cancel context.CancelFunc) bool {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	if relay.running {
		return false
	}

	relay.running = true
	relay.cancelFunc = cancel

	return true
}

func (relay *Relay) clearRun() {
	relay.runStateMu.Lock()
	defer relay.runStateMu.Unlock()

	relay.running = false
	relay.cancelFunc = nil
}

func maxSeconds(elapsed float64) float64 {
	if elapsed < 1 {
		return 1
	}

	return elapsed
}
