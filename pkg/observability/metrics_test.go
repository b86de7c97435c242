package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := NewWithProviders(mp, tracenoop.NewTracerProvider(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	m := p.Metrics()
	m.RecordAction(ctx, "T1", OutcomeSuccess, 0.01)
	m.RecordAction(ctx, "T1", OutcomeFailure, 0.02)
	m.RecordCascadeChild(ctx, "T2", OutcomeSuccess)
	m.RecordRejection(ctx, "paused")
	m.RecordDelivered(ctx, ChannelLive, 3)
	m.RecordDelivered(ctx, ChannelLogin, 0)
	m.RecordRetry(ctx)
	m.RecordEviction(ctx)
	m.RecordDropped(ctx)

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["actionserver.actions.total"])
	assert.Equal(t, int64(1), sums["actionserver.cascade.children.total"])
	assert.Equal(t, int64(1), sums["actionserver.requests.rejected.total"])
	assert.Equal(t, int64(3), sums["actionserver.events.delivered.total"])
	assert.Equal(t, int64(1), sums["actionserver.delivery.retries.total"])
	assert.Equal(t, int64(1), sums["actionserver.sessions.evicted.total"])
	assert.Equal(t, int64(1), sums["actionserver.delivery.dropped.total"])
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordAction(ctx, "T", OutcomeError, 0)
		m.RecordCascadeChild(ctx, "T", OutcomeFailure)
		m.RecordRejection(ctx, "x")
		m.RecordDelivered(ctx, ChannelLive, 1)
		m.RecordRetry(ctx)
		m.RecordEviction(ctx)
		m.RecordDropped(ctx)
	})

	var p *Provider
	assert.Nil(t, p.Metrics())
	_, span := p.StartSpan(ctx, "noop")
	span.End()
	assert.NoError(t, p.Shutdown(ctx))
}

func TestNew_WithoutEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceName: "actiond"}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Metrics())

	_, span := p.StartSpan(context.Background(), "action")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}
