// Package observability wires OpenTelemetry tracing around the task pipeline
// and the provider calls. Disabled config yields a noop tracer, so callers
// never branch.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures the OTLP HTTP exporter.
type TracingConfig struct {
	Enabled        bool
	OTLPEndpoint   string  // host:port, default localhost:4318
	SampleRate     float64 // 0.0 to 1.0, default 1.0
	ServiceName    string
	ServiceVersion string
}

// TracerProvider wraps the SDK provider plus the runtime tracer.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the provider. Disabled tracing returns a noop
// provider whose Shutdown is a no-op.
func NewTracerProvider(cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer("arbiter")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "arbiter"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}
	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer("arbiter")}, nil
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the runtime tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a span with the given attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Span names used across the runtime.
const (
	SpanPipeline     = "arbiter.pipeline.run"
	SpanProviderCall = "arbiter.llm.complete"
	SpanApprovalWait = "arbiter.approval.wait"
)

// Attribute keys.
const (
	AttrTaskID       = "arbiter.task_id"
	AttrAgentID      = "arbiter.agent_id"
	AttrProviderID   = "arbiter.provider_id"
	AttrModel        = "arbiter.llm.model"
	AttrInputTokens  = "arbiter.llm.input_tokens"
	AttrOutputTokens = "arbiter.llm.output_tokens"
	AttrCost         = "arbiter.cost"
	AttrStatus       = "arbiter.status"
)

// TaskAttrs builds the common per-task attributes.
func TaskAttrs(taskID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrAgentID, agentID),
	}
}

// CompletionAttrs builds attributes for one provider completion.
func CompletionAttrs(providerID, model string, inputTokens, outputTokens int, cost float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrProviderID, providerID),
		attribute.String(AttrModel, model),
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
	}
	if cost > 0 {
		attrs = append(attrs, attribute.Float64(AttrCost, cost))
	}
	return attrs
}
