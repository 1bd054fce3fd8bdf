package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)
	assert.NoError(t, err)
	assert.Nil(t, providers)
}

func TestShutdownOTel_Nil(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestShutdownOTel_Providers(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}
	assert.NoError(t, ShutdownOTel(context.Background(), providers, logger))
}

func TestTraceFields(t *testing.T) {
	assert.Nil(t, TraceFields(context.Background()))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "acl.Propagate")
	fields := TraceFields(ctx)
	require.NotNil(t, fields)
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "acl.Propagate", recorder.Ended()[0].Name())
	assert.Nil(t, TraceFields(ctx), "ended spans no longer record")
}

func TestOTelConfig_Sampler(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  string
	}{
		{"unset keeps everything", 0, "AlwaysOnSampler"},
		{"full ratio", 1, "AlwaysOnSampler"},
		{"out of range", 2.5, "AlwaysOnSampler"},
		{"ratio", 0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := OTelConfig{SampleRatio: tt.ratio}.sampler().Description()
			assert.Contains(t, desc, "ParentBased{root:"+tt.want)
		})
	}
}

func TestOTelConfig_Defaults(t *testing.T) {
	cfg := OTelConfig{}
	assert.Equal(t, defaultMetricInterval, cfg.metricInterval())
	assert.Nil(t, cfg.dialOptions())

	cfg = OTelConfig{MetricInterval: time.Minute, Insecure: true}
	assert.Equal(t, time.Minute, cfg.metricInterval())
	assert.Len(t, cfg.dialOptions(), 1)
}

func TestShutdownOTel_BothProviders(t *testing.T) {
	var logs bytes.Buffer
	logger := NewLogger(InfoLevel, &logs)
	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(),
		MeterProvider:  metric.NewMeterProvider(),
	}
	require.NoError(t, ShutdownOTel(context.Background(), providers, logger))
	assert.Contains(t, logs.String(), "OpenTelemetry shutdown complete")
}
