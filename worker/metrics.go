package worker

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	retries           metric.Int64Counter
	deadLettered      metric.Int64Counter
	processingLatency metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("streamforge.worker")

	var (
		metrics processorMetrics
		err     error
	)

	metrics.retries, err = meter.Int64Counter(
		"worker.events.retried",
		metric.WithDescription("Number of events sent to the retry queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create worker.events.retried counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"worker.events.dead_lettered",
		metric.WithDescription("Number of events sent to the dead letter queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create worker.events.dead_lettered counter: %w", err)
	}

	metrics.processingLatency, err = meter.Float64Histogram(
		"worker.processing.latency",
		metric.WithDescription("Time taken to process one delivery"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create worker.processing.latency histogram: %w", err)
	}

	return metrics, nil
}
