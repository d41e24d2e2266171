package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

// GoogleConfig configures the Gemini generator.
type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Model   string // Default: gemini-2.5-flash
}

// Google generates text with the Gemini API.
type Google struct {
	models *genai.Models
	model  string
}

var _ Generator = (*Google)(nil)

// NewGoogle creates a Gemini generator.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
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
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &Google{models: client.Models, model: cfg.Model}, nil
}

// Name returns the provider name.
func (g *Google) Name() string {
	return "google"
}

// Generate sends one GenerateContent request.
func (g *Google) Generate(ctx context.Context, req *Request) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}

	resp, err := g.models.GenerateContent(ctx, g.model, []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}, gc)
	if err != nil {
		return "", g.wrapError(err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (g *Google) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe := newProviderError(g.Name(), g.model, apiErr.Code, err)
		pe.Message = apiErr.Status
		return pe
	}
	return newProviderError(g.Name(), g.model, 0, err)
}
