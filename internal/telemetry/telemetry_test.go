package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	provider := otel.GetTracerProvider()
	propagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagator)
	})
}

func TestSetupDisabled(t *testing.T) {
	restoreGlobals(t)

	var out bytes.Buffer
	shutdown, err := Setup(domain.TracingConfig{Enabled: false}, &out)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "fraud.AnalyzePayment")
	assert.False(t, span.SpanContext().IsValid(), "no SDK provider should be installed")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Zero(t, out.Len())
}

func TestSetupExportsSpans(t *testing.T) {
	restoreGlobals(t)

	var out bytes.Buffer
	shutdown, err := Setup(domain.TracingConfig{Enabled: true, ServiceName: "fieldpay-test"}, &out)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "fraud.AnalyzePayment")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, out.String(), "fraud.AnalyzePayment")
	assert.Contains(t, out.String(), "fieldpay-test")
}

func TestPropagationHonoursTraceparent(t *testing.T) {
	restoreGlobals(t)

	_, err := Setup(domain.TracingConfig{}, &bytes.Buffer{})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(h))

	sc := trace.SpanContextFromContext(ctx)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.True(t, sc.IsRemote())
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 1.0, sampleRatio(0))
	assert.Equal(t, 1.0, sampleRatio(-0.5))
	assert.Equal(t, 1.0, sampleRatio(3))
	assert.Equal(t, 0.25, sampleRatio(0.25))
}
