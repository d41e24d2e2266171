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
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "archivist"

// Tracer starts the spans of sync runs, history pages, generations and
// deliveries. A nil *Tracer is valid and starts non-recording spans.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TraceConfig configures the OTLP exporter.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate is the fraction of runs recorded. Zero means all.
	SamplingRate float64

	EnableInsecure bool
}

// NewTracer returns a tracer and the function that flushes it. Spans are
// created but never exported when no endpoint is set or the exporter
// cannot be built.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	local := &Tracer{tracer: otel.Tracer(cfg.ServiceName), serviceName: cfg.ServiceName}
	noopShutdown := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return local, noopShutdown
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return local, noopShutdown
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{tracer: provider.Tracer(cfg.ServiceName), serviceName: cfg.ServiceName}, provider.Shutdown
}

func newExporter(cfg TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// TraceSyncRun starts the root span of one ingestion run.
func (t *Tracer) TraceSyncRun(ctx context.Context, trigger, channelID string) (context.Context, trace.Span) {
	return t.start(ctx, "sync.run", trace.SpanKindInternal,
		attribute.String("sync.trigger", trigger),
		attribute.String("discord.channel_id", channelID),
	)
}

// TraceHistoryPage spans one history request after the given message id.
func (t *Tracer) TraceHistoryPage(ctx context.Context, channelID, after string, limit int) (context.Context, trace.Span) {
	return t.start(ctx, "discord.fetch_page", trace.SpanKindClient,
		attribute.String("discord.channel_id", channelID),
		attribute.String("discord.after", after),
		attribute.Int("discord.limit", limit),
	)
}

// TraceGeneration spans one model call. Mode is ambient or directed.
func (t *Tracer) TraceGeneration(ctx context.Context, provider, mode string) (context.Context, trace.Span) {
	return t.start(ctx, "llm.generate", trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.mode", mode),
	)
}

// TraceDelivery spans the delivery of one reply. Kind is deferred or
// proactive; target is the interaction or message id.
func (t *Tracer) TraceDelivery(ctx context.Context, kind, target string) (context.Context, trace.Span) {
	return t.start(ctx, "delivery."+kind, trace.SpanKindClient,
		attribute.String("delivery.kind", kind),
		attribute.String("delivery.target", target),
	)
}

// TraceInteraction spans one inbound interaction webhook.
func (t *Tracer) TraceInteraction(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return t.start(ctx, "http "+method+" "+path, trace.SpanKindServer,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the active trace id, or "" outside a sampled span.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
