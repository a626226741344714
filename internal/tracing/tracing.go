// Package tracing wires OpenTelemetry spans around LLM calls and tool
// executions, exported over OTLP when enabled.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/taskclaw/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/taskclaw"

// Setup installs the OTLP trace pipeline. The returned shutdown func
// flushes pending spans; it is a no-op when tracing is disabled.
func Setup(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var client otlptrace.Client
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(opts...)
	default:
		return nil, fmt.Errorf("unknown tracing protocol %q", cfg.Protocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName("taskclaw")),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the kernel tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartLLMSpan opens a span around one model call.
func StartLLMSpan(ctx context.Context, taskID, agentID, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("agent.id", agentID),
		attribute.String("llm.model", model),
	))
}

// StartToolSpan opens a span around one tool execution.
func StartToolSpan(ctx context.Context, taskID, toolName, toolCallID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("tool.name", toolName),
		attribute.String("tool.call_id", toolCallID),
	))
}
