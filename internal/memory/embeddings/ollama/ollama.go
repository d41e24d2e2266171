// Package ollama embeds archived messages with a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/archivist/internal/channels"
	"github.com/haasonsaas/archivist/internal/memory/embeddings"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "nomic-embed-text"
	maxErrorBody   = 4096
)

// Provider calls POST /api/embed.
type Provider struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

var _ embeddings.Provider = (*Provider)(nil)

type Config struct {
	BaseURL string
	Model   string
	// Dimension is the vector size the configured model produces. Zero
	// falls back to the size of the well-known models.
	Dimension int
	Timeout   time.Duration
}

func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = knownDimension(cfg.Model)
	}
	return &Provider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func knownDimension(model string) int {
	switch strings.SplitN(model, ":", 2)[0] {
	case "mxbai-embed-large":
		return 1024
	case "all-minilm":
		return 384
	default:
		return 768
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Dimension() int { return p.dimension }

// MaxBatchSize matches the indexer's default page of messages.
func (p *Provider) MaxBatchSize() int { return 100 }

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts with one request. Inputs longer than the model
// context are truncated by the server rather than failing the batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, channels.ErrConnection("ollama: embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, channels.FromStatus(resp.StatusCode,
			fmt.Sprintf("ollama: embed returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))), nil)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if err := embeddings.CheckBatch(texts, out.Embeddings); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	for i, v := range out.Embeddings {
		if len(v) != p.dimension {
			return nil, fmt.Errorf("ollama: embedding %d has %d dimensions, want %d", i, len(v), p.dimension)
		}
	}
	return out.Embeddings, nil
}

type embedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
