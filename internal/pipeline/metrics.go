package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// turnMetrics counts finished conversation turns and records their
// wall time, labelled by outcome.
type turnMetrics struct {
	turns   metric.Int64Counter
	latency metric.Float64Histogram
}

func newTurnMetrics() (*turnMetrics, error) {
	meter := otel.Meter("github.com/waifuos/waifud/pipeline")
	turns, err := meter.Int64Counter("waifud.turns",
		metric.WithDescription("Number of completed conversation turns"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("waifud.turn.duration",
		metric.WithDescription("Wall time of one conversation turn"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &turnMetrics{turns: turns, latency: latency}, nil
}

func (m *turnMetrics) observe(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}
