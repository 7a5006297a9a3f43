// Package telemetry turns run events into OpenTelemetry metrics and scores
// finished runs.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/productteam/internal/events"
	"github.com/aristath/productteam/internal/scheduler"
)

// Metric names.
const (
	MetricNodeTransitions = "productteam.node.transitions"
	MetricNodeRetries     = "productteam.node.retries"
	MetricNodeDuration    = "productteam.node.duration"
	MetricRunsFinished    = "productteam.runs.finished"
)

const meterName = "github.com/aristath/productteam/internal/telemetry"

// Recorder consumes bus events and records them as metrics.
type Recorder struct {
	transitions metric.Int64Counter
	retries     metric.Int64Counter
	duration    metric.Float64Histogram
	runs        metric.Int64Counter
	logger      *slog.Logger
}

// NewRecorder creates the instruments on the given provider.
func NewRecorder(mp metric.MeterProvider, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meter := mp.Meter(meterName)

	r := &Recorder{logger: logger}
	var err error
	if r.transitions, err = meter.Int64Counter(MetricNodeTransitions,
		metric.WithDescription("Node state transitions")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricNodeTransitions, err)
	}
	if r.retries, err = meter.Int64Counter(MetricNodeRetries,
		metric.WithDescription("Node attempts rescheduled after a failure")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricNodeRetries, err)
	}
	if r.duration, err = meter.Float64Histogram(MetricNodeDuration,
		metric.WithDescription("Duration of successful node attempts"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricNodeDuration, err)
	}
	if r.runs, err = meter.Int64Counter(MetricRunsFinished,
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricRunsFinished, err)
	}
	return r, nil
}

// Observe records a single event. Unknown event types are ignored.
func (r *Recorder) Observe(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.NodeStateChangedEvent:
		r.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", e.Role),
			attribute.String("from", e.From.String()),
			attribute.String("to", e.To.String()),
		))
		if e.From == scheduler.StateFailed && e.To == scheduler.StateReady {
			r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", e.Role)))
		}
	case events.NodeResultEvent:
		r.duration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(attribute.String("role", e.Role)))
	case events.RunFinishedEvent:
		r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", e.Status)))
	}
}

// Run observes events from sub until it is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				r.logger.Debug("telemetry subscription closed")
				return
			}
			r.Observe(ctx, ev)
		}
	}
}
