// Package gemini provides an embedding provider using Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/genai"

	"github.com/haasonsaas/archivist/internal/memory/embeddings"
)

const (
	// Gemini task types. Documents and queries are embedded asymmetrically.
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

// Provider implements embeddings.Provider using the Gemini API.
type Provider struct {
	models    *genai.Models
	model     string
	dimension int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey  string
	BaseURL string // Optional; used by tests and proxies
	Model   string // Default: text-embedding-004

	// Dimension requests a reduced output size. Zero keeps 768.
	Dimension int
}

// New creates a new Gemini embedding provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-004"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Provider{
		models:    client.Models,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gemini"
}

// Dimension returns the configured output dimension.
func (p *Provider) Dimension() int {
	return p.dimension
}

// MaxBatchSize returns the batchEmbedContents request limit.
func (p *Provider) MaxBatchSize() int {
	return 100
}

// Embed embeds a retrieval query.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.embed(ctx, []string{text}, taskQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds archived messages as retrieval documents.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, taskDocument)
}

func (p *Provider) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(min(p.dimension, math.MaxInt32))
	resp, err := p.models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			vectors = append(vectors, nil)
			continue
		}
		vectors = append(vectors, e.Values)
	}
	if err := embeddings.CheckBatch(texts, vectors); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return vectors, nil
}
