package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	kerrors "github.com/leeforge/kernel/errors"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := Tracer(p.TracerProvider()).Start(context.Background(), SpanQuery)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Enabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none", SampleRate: 1})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := Tracer(p.TracerProvider()).Start(context.Background(), SpanMutate)
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))
}

func TestTracer_NilProvider(t *testing.T) {
	_, span := Tracer(nil).Start(context.Background(), SpanQuery)
	assert.False(t, span.IsRecording())
	span.End()
}

func TestFinish(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := Tracer(tp)

	_, ok := tracer.Start(context.Background(), "ok")
	Finish(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	Finish(failed, kerrors.NewPoolTimeout("mem", 0))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String(AttrErrorType, "pool_timeout"))
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
