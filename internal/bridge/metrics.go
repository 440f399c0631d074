package bridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/taku/bridge"

type metrics struct {
	requests metric.Int64Counter
	drops    metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(meterName)

	requests, err := meter.Int64Counter("taku.bridge.requests",
		metric.WithDescription("Completed generate_audio requests by outcome"))
	if err != nil {
		return nil, err
	}
	drops, err := meter.Int64Counter("taku.bridge.dropped",
		metric.WithDescription("Inbound messages dropped without a reply"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("taku.bridge.inflight",
		metric.WithDescription("Bark generations currently running"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("taku.bridge.duration",
		metric.WithDescription("Bark generation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{requests: requests, drops: drops, active: active, duration: duration}, nil
}

func (m *metrics) completed(ctx context.Context, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) inflight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.active.Add(ctx, delta)
}
