// Package embeddings provides interfaces and implementations for embedding providers.
package embeddings

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/archivist/internal/observability"
)

// Provider defines the interface for embedding providers.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// CheckBatch verifies a provider returned one embedding per input.
func CheckBatch(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("provider returned %d embeddings for %d inputs", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("provider returned an empty embedding at %d", i)
		}
	}
	return nil
}

// Instrument wraps p so every call is recorded as a provider call.
func Instrument(p Provider, metrics *observability.Metrics) Provider {
	if metrics == nil {
		return p
	}
	return &instrumented{Provider: p, metrics: metrics}
}

type instrumented struct {
	Provider
	metrics *observability.Metrics
}

func (i *instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := i.Provider.Embed(ctx, text)
	i.metrics.RecordProviderCall("embeddings_"+i.Name(), "embed", err, time.Since(start))
	return v, err
}

func (i *instrumented) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := i.Provider.EmbedBatch(ctx, texts)
	i.metrics.RecordProviderCall("embeddings_"+i.Name(), "embed_batch", err, time.Since(start))
	return v, err
}
