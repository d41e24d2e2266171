// Package llm wraps the generative model providers behind one single-shot
// Generator interface.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/observability"
)

// Request is one generation call.
type Request struct {
	// System is the persona preamble.
	System string
	// Prompt is the user turn: retrieved context plus the triggering message.
	Prompt string
	// MaxTokens caps output length. Zero lets the provider decide.
	MaxTokens int
	// Mode labels the call in traces (ambient or directed).
	Mode string
}

// Generator produces text for a prompt. Implementations make exactly one
// attempt per call; the caller decides what a failure means.
type Generator interface {
	Generate(ctx context.Context, req *Request) (string, error)
	Name() string
}

// New builds the generator named by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	switch cfg.Provider {
	case "google", "gemini", "":
		return NewGoogle(ctx, GoogleConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai":
		return NewOpenAI(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "anthropic":
		return NewAnthropic(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// Instrumented decorates a Generator with a per-call timeout, metrics and a
// trace span.
type Instrumented struct {
	next    Generator
	timeout time.Duration
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Instrument wraps g. A zero timeout leaves the caller's deadline in charge.
func Instrument(g Generator, timeout time.Duration, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.Default()
	}
	return &Instrumented{
		next:    g,
		timeout: timeout,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger.With("component", "llm", "provider", g.Name()),
	}
}

// Name returns the wrapped provider's name.
func (i *Instrumented) Name() string {
	return i.next.Name()
}

// Generate calls the wrapped provider once.
func (i *Instrumented) Generate(ctx context.Context, req *Request) (string, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx, span := i.tracer.TraceGeneration(ctx, i.next.Name(), req.Mode)
	defer span.End()
	span.SetAttributes(
		attribute.Int("llm.max_tokens", req.MaxTokens),
		attribute.Int("llm.prompt_chars", len(req.Prompt)),
	)

	start := time.Now()
	text, err := i.next.Generate(ctx, req)
	i.metrics.RecordProviderCall("llm_"+i.next.Name(), "generate", err, time.Since(start))
	if err != nil {
		observability.RecordError(span, err)
		i.logger.Warn("generation failed", "reason", ClassifyError(err), "error", err)
		return "", err
	}
	span.SetAttributes(attribute.Int("llm.response_chars", len(text)))
	return text, nil
}
