package ingest

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	accepted   metric.Int64Counter
	duplicates metric.Int64Counter
	rejected   metric.Int64Counter
}

func newPipelineMetrics(provider metric.MeterProvider) (pipelineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("streamforge.ingest")

	var (
		metrics pipelineMetrics
		err     error
	)

	metrics.accepted, err = meter.Int64Counter(
		"ingest.events.accepted",
		metric.WithDescription("Number of events accepted and enqueued"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create ingest.events.accepted counter: %w", err)
	}

	metrics.duplicates, err = meter.Int64Counter(
		"ingest.events.duplicate",
		metric.WithDescription("Number of submissions rejected as duplicates, by dedupe layer"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create ingest.events.duplicate counter: %w", err)
	}

	metrics.rejected, err = meter.Int64Counter(
		"ingest.events.rejected",
		metric.WithDescription("Number of submissions rejected before persistence"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return pipelineMetrics{}, fmt.Errorf("create ingest.events.rejected counter: %w", err)
	}

	return metrics, nil
}
