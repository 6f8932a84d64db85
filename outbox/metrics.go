package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type relayMetrics struct {
	entriesPublished metric.Int64Counter
	entriesFailed    metric.Int64Counter
	cycleLatency     metric.Float64Histogram
	backlog          metric.Int64Gauge
	throughput       metric.Float64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("streamforge.outbox.relay")

	var (
		metrics relayMetrics
		err     error
	)

	metrics.entriesPublished, err = meter.Int64Counter(
		"outbox.entries.published",
		metric.WithDescription("Number of outbox entries confirmed by the broker"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.published counter: %w", err)
	}

	metrics.entriesFailed, err = meter.Int64Counter(
		"outbox.entries.failed",
		metric.WithDescription("Number of outbox entries that failed to publish"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.entries.failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.relay.cycle_latency",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.cycle_latency histogram: %w", err)
	}

	metrics.backlog, err = meter.Int64Gauge(
		"outbox.backlog",
		metric.WithDescription("Number of outbox entries not yet settled"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.backlog gauge: %w", err)
	}

	metrics.throughput, err = meter.Float64Gauge(
		"outbox.relay.throughput",
		metric.WithDescription("Entries published per second in the last cycle"),
		metric.WithUnit("{entry}/s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.throughput gauge: %w", err)
	}

	return metrics, nil
}
