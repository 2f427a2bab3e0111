// Package tracing wires the optional OTLP trace exporter. Disabled telemetry
// yields a noop tracer so call sites never branch.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/termclaw/internal/config"
)

// Span names for the kernel's traced operations.
const (
	SpanOperation   = "termclaw.facade.operation"
	SpanDispatch    = "termclaw.dispatch.write"
	SpanPlanExecute = "termclaw.plan.execute"
	SpanPlanStep    = "termclaw.plan.step"
)

// Attribute keys shared across spans.
const (
	AttrAgent     = "termclaw.agent"
	AttrOperation = "termclaw.operation"
	AttrPlan      = "termclaw.plan"
	AttrStep      = "termclaw.step"
)

// Provider wraps the configured tracer plus its shutdown hook.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a provider from the telemetry config and installs it globally.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("termclaw")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "termclaw"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported telemetry protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{provider: tp, tracer: tp.Tracer("termclaw")}, nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan opens a span with the given attributes.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans. Noop providers return nil.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// OperationAttrs tags a façade operation span.
func OperationAttrs(operation, caller string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrOperation, operation)}
	if caller != "" {
		attrs = append(attrs, attribute.String(AttrAgent, caller))
	}
	return attrs
}
