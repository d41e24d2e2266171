// Package openai embeds archived messages with OpenAI embedding models.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/archivist/internal/channels"
	"github.com/haasonsaas/archivist/internal/memory/embeddings"
)

const defaultModel = "text-embedding-3-small"

type Provider struct {
	client     *openai.Client
	model      string
	dimensions int
}

var _ embeddings.Provider = (*Provider)(nil)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Dimensions shortens text-embedding-3 vectors so they fit the
	// configured memory dimension. Zero keeps the native size.
	Dimensions int
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Dimension() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	if p.model == "text-embedding-3-large" {
		return 3072
	}
	return 1536
}

// MaxBatchSize caps one request at the indexer's page size; the API itself
// accepts far more inputs.
func (p *Provider) MaxBatchSize() int { return 100 }

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns vectors in input order regardless of response order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, classify(err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if err := embeddings.CheckBatch(texts, vectors); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return vectors, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return channels.FromStatus(apiErr.HTTPStatusCode, "openai: create embeddings: "+apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return channels.FromStatus(reqErr.HTTPStatusCode, "openai: create embeddings", err)
	}
	return channels.ErrConnection("openai: create embeddings", err)
}
