package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutClientFails(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "events", map[string]string{})
	require.ErrorContains(t, err, "not configured")
	require.NoError(t, p.Close())
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "events")
	require.ErrorContains(t, err, "project is required")
}

func TestCarrierRoundTripsTraceContext(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	prop := propagation.TraceContext{}
	attrs := carrier{}
	prop.Inject(ctx, attrs)
	require.Contains(t, attrs.Keys(), "traceparent")

	extracted := prop.Extract(context.Background(), attrs)
	require.Equal(t, span.SpanContext().TraceID(), traceIDFrom(extracted))
}

func traceIDFrom(ctx context.Context) trace.TraceID {
	return trace.SpanContextFromContext(ctx).TraceID()
}
