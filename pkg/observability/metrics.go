package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Delivery channel labels.
const (
	ChannelLogin = "login"
	ChannelLive  = "live"
)

// Metrics groups the counters recorded by the executor, the event router
// and the dispatcher. A nil *Metrics records nothing.
type Metrics struct {
	actions    metric.Int64Counter
	children   metric.Int64Counter
	rejections metric.Int64Counter
	delivered  metric.Int64Counter
	retries    metric.Int64Counter
	evictions  metric.Int64Counter
	dropped    metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetrics registers instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.actions, err = meter.Int64Counter("actionserver.actions.total",
		metric.WithDescription("Root actions executed"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if m.children, err = meter.Int64Counter("actionserver.cascade.children.total",
		metric.WithDescription("Cascaded actions processed"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("actionserver.requests.rejected.total",
		metric.WithDescription("Requests rejected before execution"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("actionserver.events.delivered.total",
		metric.WithDescription("Events acknowledged by a session"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("actionserver.delivery.retries.total",
		metric.WithDescription("Deliveries retried after stale routing"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("actionserver.sessions.evicted.total",
		metric.WithDescription("Session entries removed after failed delivery"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("actionserver.delivery.dropped.total",
		metric.WithDescription("Deliveries abandoned after the session moved during a retry"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("actionserver.action.duration",
		metric.WithDescription("Root action execution time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordAction(ctx context.Context, actionType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action.type", actionType),
		attribute.String("outcome", outcome),
	)
	m.actions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordCascadeChild(ctx context.Context, actionType, outcome string) {
	if m == nil {
		return
	}
	m.children.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action.type", actionType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordDelivered(ctx context.Context, channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("channel", channel)))
}

func (m *Metrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}

func (m *Metrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}
