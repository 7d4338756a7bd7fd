// Package otel exports lagbot's dispatch traces and metrics. A disabled config
// yields no-op instruments, so callers never branch on it.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const scope = "github.com/basket/lagbot"

// Span exporters selectable with otel.exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp-http"
)

// Config is the otel section of config.yaml.
type Config struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"` // host:port of an OTLP/HTTP collector
	SampleRate float64 `yaml:"sample_rate"`
}

// Validate rejects exporters lagbot cannot build. A disabled section is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "", ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("otel.exporter %q: want %s or %s", c.Exporter, ExporterStdout, ExporterOTLP)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("otel.sample_rate %v: want a value in [0, 1]", c.SampleRate)
	}
	return nil
}

// Provider hands out the tracer and meter used by the router and registry.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the providers for cfg. Spans from the stdout exporter go to out,
// or os.Stdout when out is nil. Shutdown flushes pending spans.
func Init(ctx context.Context, cfg Config, version string, out io.Writer) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(scope),
			Meter:  noop.NewMeterProvider().Meter(scope),
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("lagbot"),
		semconv.ServiceVersion(version),
		attribute.String("lagbot.exporter", exporterName(cfg)),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exporter, err := spanExporter(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("otel %s exporter: %w", exporterName(cfg), err)
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	return &Provider{
		Tracer:   tp.Tracer(scope),
		Meter:    mp.Meter(scope),
		reader:   reader,
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

func exporterName(cfg Config) string {
	if cfg.Exporter == "" {
		return ExporterStdout
	}
	return cfg.Exporter
}

func spanExporter(ctx context.Context, cfg Config, out io.Writer) (sdktrace.SpanExporter, error) {
	if exporterName(cfg) == ExporterOTLP {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	}
	if out == nil {
		out = os.Stdout
	}
	return stdouttrace.New(stdouttrace.WithWriter(out))
}

// Collect reads the current value of every dispatch instrument. A disabled
// provider reports an empty snapshot.
func (p *Provider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if p == nil || p.reader == nil {
		return rm, nil
	}
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
