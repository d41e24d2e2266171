// Package delivery sends composed replies back to Discord within the
// platform's message size ceiling.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/archivist/internal/channels/chunk"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// ErrTokenExpired is returned when an interaction's edit window has passed.
var ErrTokenExpired = errors.New("interaction token expired")

// Sender is the outbound subset of the Discord adapter.
type Sender interface {
	EditOriginal(ctx context.Context, appID, token, content string) error
	FollowUp(ctx context.Context, appID, token, content string) error
	Reply(ctx context.Context, channelID, messageID, content string) error
}

// Config holds delivery limits.
type Config struct {
	// Limit is the per-message ceiling in runes.
	Limit int

	// States persists interaction state transitions. Optional.
	States storage.InteractionStore

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Deliverer posts replies in deferred (multi-part) or proactive (single
// message) mode.
type Deliverer struct {
	sender  Sender
	limit   int
	states  storage.InteractionStore
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Deliverer.
func New(sender Sender, cfg Config) *Deliverer {
	if cfg.Limit <= 0 {
		cfg.Limit = chunk.DiscordMessageLimit - 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Deliverer{
		sender:  sender,
		limit:   cfg.Limit,
		states:  cfg.States,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "delivery"),
		now:     time.Now,
	}
}

// Limit returns the per-message ceiling.
func (d *Deliverer) Limit() int {
	return d.limit
}

// DeferredPrefix quotes the question under a mention of its author.
func DeferredPrefix(authorID, question string) string {
	return fmt.Sprintf("<@%s>\n> %s\n\n", authorID, question)
}

// DeliverDeferred edits the interaction's placeholder with the first chunk of
// prefix+text and posts the rest as follow-ups, in order. The interaction
// ends Delivered on success and Failed otherwise.
func (d *Deliverer) DeliverDeferred(ctx context.Context, in *models.Interaction, prefix, text string) (err error) {
	ctx, span := d.tracer.TraceDelivery(ctx, "deferred", in.ID)
	defer span.End()
	defer func() {
		d.finish(ctx, in, err)
		observability.RecordError(span, err)
	}()

	if !in.Deadline.IsZero() {
		if !d.now().Before(in.Deadline) {
			return fmt.Errorf("interaction %s: %w", in.ID, ErrTokenExpired)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, in.Deadline)
		defer cancel()
	}

	chunks := chunk.Chunks(prefix, text, d.limit)
	for _, c := range chunks {
		if c.Index == 0 {
			err = d.sender.EditOriginal(ctx, in.AppID, in.Token, c.Text)
		} else {
			err = d.sender.FollowUp(ctx, in.AppID, in.Token, c.Text)
		}
		if err != nil {
			return fmt.Errorf("deliver chunk %d/%d: %w", c.Index+1, len(chunks), err)
		}
	}
	d.logger.Info("deferred reply delivered", "interaction_id", in.ID, "chunks", len(chunks))
	return nil
}

// DeliverProactive posts one reply to messageID, mentioning authorID and
// truncated with an ellipsis to fit the limit.
func (d *Deliverer) DeliverProactive(ctx context.Context, channelID, messageID, authorID, text string) error {
	ctx, span := d.tracer.TraceDelivery(ctx, "proactive", messageID)
	defer span.End()

	content := text
	if authorID != "" {
		content = fmt.Sprintf("<@%s> %s", authorID, text)
	}
	if chunk.Len(content) > d.limit {
		d.logger.Debug("truncating proactive reply", "message_id", messageID, "length", chunk.Len(content))
		content = chunk.Truncate(content, d.limit)
	}
	if err := d.sender.Reply(ctx, channelID, messageID, content); err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("deliver reply to %s: %w", messageID, err)
	}
	return nil
}

func (d *Deliverer) finish(ctx context.Context, in *models.Interaction, err error) {
	next := models.InteractionDelivered
	if err != nil {
		next = models.InteractionFailed
		d.logger.Error("deferred delivery failed", "interaction_id", in.ID, "error", err)
	}
	if terr := in.Transition(next); terr != nil {
		d.logger.Warn("interaction state", "error", terr)
		return
	}
	d.metrics.RecordInteraction("delivery", string(next))
	if d.states == nil {
		return
	}
	// The token deadline may have cancelled ctx; the audit write must still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := d.states.UpdateInteractionState(saveCtx, in.ID, next); serr != nil {
		d.logger.Warn("failed to persist interaction state", "interaction_id", in.ID, "error", serr)
	}
}
