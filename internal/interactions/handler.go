// Package interactions serves the HTTP surface: the Discord interactions
// endpoint, a manual sync trigger, health and metrics.
package interactions

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/archivist/internal/background"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/pipeline"
)

const (
	maxBodyBytes = 64 * 1024

	unknownCommandReply = "That command is not mapped to anything here."
	unsupportedReply    = "That interaction type is not supported."
	askFailedReply      = "Something went wrong while taking your question. Please try again."
	emptyQuestionReply  = "Ask me something: the question option is empty."
)

// Asker starts the deferred ask flow.
type Asker interface {
	Ask(ctx context.Context, req pipeline.AskRequest) (duplicate bool, err error)
}

// Syncer runs one ingestion cycle.
type Syncer interface {
	Sync(ctx context.Context, trigger string) (*pipeline.RunReport, error)
}

// Config wires a Handler.
type Config struct {
	// PublicKey is the hex-encoded application key interactions are signed with.
	PublicKey string
	Verify    bool

	Asker      Asker
	Syncer     Syncer
	Background *background.Supervisor

	// MetricsHandler serves /metrics. Defaults to the global registry.
	MetricsHandler http.Handler

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Handler routes inbound HTTP requests.
type Handler struct {
	publicKey ed25519.PublicKey
	verify    bool
	asker     Asker
	syncer    Syncer
	bg        *background.Supervisor
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	router    chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Handler, error) {
	if cfg.Asker == nil {
		return nil, fmt.Errorf("interactions: asker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Background == nil {
		cfg.Background = background.New(background.Config{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	h := &Handler{
		verify:  cfg.Verify,
		asker:   cfg.Asker,
		syncer:  cfg.Syncer,
		bg:      cfg.Background,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "interactions"),
	}
	if cfg.Verify {
		key, err := hex.DecodeString(cfg.PublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("interactions: public key must be %d hex-encoded bytes", ed25519.PublicKeySize)
		}
		h.publicKey = key
	}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", h.handleHealthz)
	r.Handle("/metrics", metricsHandler)
	r.Post("/interactions", h.handleInteraction)
	r.Post("/sync", h.handleSync)
	h.router = r
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInteraction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.TraceInteraction(r.Context(), r.Method, "/interactions")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if h.verify && !discordgo.VerifyInteraction(r, h.publicKey) {
		h.metrics.RecordInteraction("unverified", "rejected")
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	event, err := Parse(body)
	if err != nil {
		h.logger.Warn("rejecting interaction", "error", err)
		h.metrics.RecordInteraction("malformed", "rejected")
		http.Error(w, "malformed interaction", http.StatusBadRequest)
		return
	}

	switch ev := event.(type) {
	case Ping:
		h.metrics.RecordInteraction("ping", "pong")
		writeJSON(w, http.StatusOK, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case AskCommand:
		h.handleAsk(ctx, w, r, ev)
	case UnknownCommand:
		h.logger.Info("unknown command", "name", ev.Name)
		h.metrics.RecordInteraction("unknown_command", "answered")
		writeJSON(w, http.StatusOK, messageResponse(unknownCommandReply))
	case Unsupported:
		h.logger.Info("unsupported interaction type", "type", int(ev.Type))
		h.metrics.RecordInteraction("unsupported", "answered")
		writeJSON(w, http.StatusOK, messageResponse(unsupportedReply))
	}
}

func (h *Handler) handleAsk(ctx context.Context, w http.ResponseWriter, r *http.Request, ev AskCommand) {
	logger := h.logger.With("interaction_id", ev.InteractionID, "request_id", chimw.GetReqID(r.Context()))
	if ev.Question == "" {
		writeJSON(w, http.StatusOK, messageResponse(emptyQuestionReply))
		return
	}
	dup, err := h.asker.Ask(ctx, pipeline.AskRequest{
		InteractionID: ev.InteractionID,
		AppID:         ev.AppID,
		Token:         ev.Token,
		ChannelID:     ev.ChannelID,
		AuthorID:      ev.AuthorID,
		Author:        ev.Author,
		Question:      ev.Question,
	})
	if err != nil {
		logger.Error("failed to start ask", "error", err)
		writeJSON(w, http.StatusOK, messageResponse(askFailedReply))
		return
	}
	if dup {
		logger.Info("redelivered ask acknowledged without reprocessing")
	}
	writeJSON(w, http.StatusOK, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		http.Error(w, "sync is not configured", http.StatusServiceUnavailable)
		return
	}
	requestID := chimw.GetReqID(r.Context())
	err := h.bg.Go(r.Context(), "sync:manual", func(ctx context.Context) error {
		report, err := h.syncer.Sync(ctx, "manual")
		if err != nil {
			return err
		}
		h.logger.Info("manual sync finished", "request_id", requestID, "run_id", report.RunID, "skipped", report.Skipped)
		return nil
	})
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "request_id": requestID})
}

func messageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
