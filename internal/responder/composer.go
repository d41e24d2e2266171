// Package responder turns a triggering message and retrieved context into a
// reply from the generative model.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/llm"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/pkg/models"
)

// Mode selects how much the model is asked to say.
type Mode string

const (
	// ModeAmbient answers a passing mention briefly and in character.
	ModeAmbient Mode = "ambient"
	// ModeDirected answers an explicit question at whatever depth it needs.
	ModeDirected Mode = "directed"
)

const (
	defaultPersonaName  = "Archivist"
	defaultAmbient      = "Someone mentioned you in passing. Reply in one or two short, natural sentences. Do not act like a stiff AI assistant."
	defaultDirected     = "Someone asked you a direct question. Answer it fully and accurately, using the chat history when it helps."
	defaultFallback     = "Something went wrong on my end, try again in a bit."
	defaultEmptyReply   = "I'm at a loss for words."
	contextHeader       = "--- RECENT CHAT CONTEXT ---"
	contextFooter       = "---------------------------"
	contextInstructions = "Use this context if it is relevant."
)

// Input is one reply request.
type Input struct {
	// Text is the triggering message, bot mention already stripped.
	Text   string
	Author string
	// Context is retrieved prior conversation, most relevant first.
	Context []models.ContextItem
	Mode    Mode
}

// Composer builds prompts and calls the generator exactly once per reply.
type Composer struct {
	generator llm.Generator
	persona   config.PersonaConfig
	limits    config.LLMConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a Composer. Empty persona fields take built-in defaults.
func New(generator llm.Generator, persona config.PersonaConfig, limits config.LLMConfig, metrics *observability.Metrics, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	if persona.Name == "" {
		persona.Name = defaultPersonaName
	}
	if persona.AmbientInstructions == "" {
		persona.AmbientInstructions = defaultAmbient
	}
	if persona.DirectedInstructions == "" {
		persona.DirectedInstructions = defaultDirected
	}
	if persona.FallbackReply == "" {
		persona.FallbackReply = defaultFallback
	}
	if persona.EmptyReply == "" {
		persona.EmptyReply = defaultEmptyReply
	}
	return &Composer{
		generator: generator,
		persona:   persona,
		limits:    limits,
		metrics:   metrics,
		logger:    logger.With("component", "responder"),
	}
}

// Compose returns reply text. It never fails: a provider error yields the
// fallback reply and an empty generation yields the empty reply.
func (c *Composer) Compose(ctx context.Context, in Input) string {
	req := c.Request(in)
	text, err := c.generator.Generate(ctx, req)
	switch {
	case err != nil:
		c.logger.Warn("generation failed, using fallback reply",
			"mode", in.Mode,
			"reason", llm.ClassifyError(err),
			"error", err,
		)
		c.metrics.RecordReply(string(in.Mode), "fallback")
		return c.persona.FallbackReply
	case strings.TrimSpace(text) == "":
		c.logger.Info("generation returned no text", "mode", in.Mode)
		c.metrics.RecordReply(string(in.Mode), "empty")
		return c.persona.EmptyReply
	}
	c.metrics.RecordReply(string(in.Mode), "generated")
	return text
}

// Request assembles the prompt Compose sends.
func (c *Composer) Request(in Input) *llm.Request {
	mode := in.Mode
	if mode != ModeDirected {
		mode = ModeAmbient
	}

	var system strings.Builder
	fmt.Fprintf(&system, "You are %s, a member of this Discord channel.\n", c.persona.Name)
	if mode == ModeDirected {
		system.WriteString(c.persona.DirectedInstructions)
	} else {
		system.WriteString(c.persona.AmbientInstructions)
	}

	var prompt strings.Builder
	if len(in.Context) > 0 {
		prompt.WriteString(contextHeader)
		prompt.WriteByte('\n')
		prompt.WriteString(RenderContext(in.Context))
		prompt.WriteByte('\n')
		prompt.WriteString(contextFooter)
		prompt.WriteString("\n\n")
		prompt.WriteString(contextInstructions)
		prompt.WriteString("\n\n")
	}
	author := in.Author
	if author == "" {
		author = "someone"
	}
	if mode == ModeDirected {
		fmt.Fprintf(&prompt, "Question from %s:\n%s", author, in.Text)
	} else {
		fmt.Fprintf(&prompt, "New mention from %s for you to answer:\n%s", author, in.Text)
	}

	maxTokens := c.limits.AmbientMaxTokens
	if mode == ModeDirected {
		maxTokens = c.limits.DirectedMaxTokens
	}
	return &llm.Request{
		System:    system.String(),
		Prompt:    prompt.String(),
		MaxTokens: maxTokens,
		Mode:      string(mode),
	}
}

// RenderContext formats context items one per line as "[author]: content".
func RenderContext(items []models.ContextItem) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s]: %s", it.AuthorDisplayName, it.Content))
	}
	return strings.Join(lines, "\n")
}
