package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps an OpenTelemetry tracer. A nil *Tracer starts spans on the
// global provider, which is a no-op unless configured.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures tracing.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string
	// SamplingRate is the fraction of traces recorded. Zero means 1.0.
	SamplingRate float64
	Insecure     bool
}

// NewTracer creates a tracer and returns its shutdown func.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cowork-gateway"
	}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop, nil
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, noop, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Start creates a span.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer("cowork-gateway")
	if t != nil && t.tracer != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceInbound starts the span covering routing of one inbound message.
func (t *Tracer) TraceInbound(ctx context.Context, channel, chatID string) (context.Context, trace.Span) {
	return t.Start(ctx, "gateway.route", trace.SpanKindServer,
		attribute.String("channel", channel),
		attribute.String("chat_id", chatID),
	)
}

// TraceSend starts the span covering one outbound adapter send.
func (t *Tracer) TraceSend(ctx context.Context, channel, chatID string) (context.Context, trace.Span) {
	return t.Start(ctx, "gateway.send", trace.SpanKindClient,
		attribute.String("channel", channel),
		attribute.String("chat_id", chatID),
	)
}

// TraceAgentEvent starts the span covering one daemon event.
func (t *Tracer) TraceAgentEvent(ctx context.Context, event, taskID string) (context.Context, trace.Span) {
	return t.Start(ctx, "gateway.agent_event", trace.SpanKindConsumer,
		attribute.String("event", event),
		attribute.String("task_id", taskID),
	)
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
