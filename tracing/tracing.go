// Package tracing builds the OpenTelemetry tracer provider used by the
// kernel and holds the span and attribute names it records.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	kerrors "github.com/leeforge/kernel/errors"
)

// InstrumentationName names the kernel's tracer.
const InstrumentationName = "github.com/leeforge/kernel"

// Span names.
const (
	SpanQuery  = "kernel.query"
	SpanMutate = "kernel.mutate"
)

// Attribute keys.
const (
	AttrObject      = "kernel.object"
	AttrDatasource  = "kernel.datasource"
	AttrFingerprint = "kernel.plan.fingerprint"
	AttrMutation    = "kernel.mutation.kind"
	AttrRows        = "kernel.rows"
	AttrCascade     = "kernel.cascade"
	AttrErrorType   = "kernel.error.type"
)

// Config configures tracing.
type Config struct {
	// Enabled turns tracing on. When false a no-op tracer is used.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	// Exporter is "none" or "stdout".
	Exporter string `mapstructure:"exporter" json:"exporter" yaml:"exporter" default:"none" validate:"omitempty,oneof=none stdout"`

	// SampleRate is the fraction of root traces sampled.
	SampleRate float64 `mapstructure:"sample-rate" json:"sampleRate" yaml:"sample-rate" default:"1" validate:"gte=0,lte=1"`

	ServiceName string `mapstructure:"service-name" json:"serviceName" yaml:"service-name" default:"leeforge-kernel"`
}

// Provider owns the tracer provider. Shutdown flushes pending spans.
type Provider struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

// NewProvider creates a provider from cfg. A disabled config yields a
// no-op provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{provider: noop.NewTracerProvider()}, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "create stdout span exporter")
		}
		exporter = exp
	case "none", "":
	default:
		return nil, kerrors.NewInvalid("unsupported span exporter %q", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "leeforge-kernel"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	sdk := sdktrace.NewTracerProvider(opts...)
	return &Provider{provider: sdk, sdk: sdk}, nil
}

// TracerProvider returns the underlying provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.provider }

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p.sdk != nil }

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "shutdown tracer provider")
	}
	return nil
}

// Tracer returns the kernel tracer from tp, or a no-op tracer when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

// Finish records err on span, if any, and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(AttrErrorType, string(kerrors.TypeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
