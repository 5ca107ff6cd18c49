// Package telemetry configures OpenTelemetry tracing for chat exchanges.
package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName identifies spans emitted by this module
	TracerName = "multichat"

	DefaultServiceName = "multichat"
)

// Config holds tracing settings
type Config struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" toml:"service_name" json:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" json:"sample_ratio"`
}

// Provider owns the tracer provider and its exporter
type Provider struct {
	enabled bool
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
}

// NewProvider sets up OTLP/HTTP export when enabled and installs the
// provider globally. A disabled provider hands out no-op tracers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		logrus.Debug("Tracing disabled")
		return &Provider{tracer: noop.NewTracerProvider().Tracer(TracerName)}, nil
	}

	opts := []otlptracehttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	logrus.WithFields(logrus.Fields{
		"endpoint":     cfg.Endpoint,
		"service_name": serviceName,
		"sample_ratio": ratio,
	}).Info("Tracing enabled")

	return &Provider{enabled: true, tp: tp, tracer: tp.Tracer(TracerName)}, nil
}

// NewProviderFrom wraps an existing SDK tracer provider, mainly for tests
func NewProviderFrom(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{enabled: true, tp: tp, tracer: tp.Tracer(TracerName)}
}

// Tracer returns the tracer exchanges should use
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are exported
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
