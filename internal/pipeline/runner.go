// Package pipeline runs the ingestion cycle (fetch, archive, index, detect,
// respond) and the deferred ask flow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/archivist/internal/background"
	"github.com/haasonsaas/archivist/internal/channels/discord"
	"github.com/haasonsaas/archivist/internal/delivery"
	"github.com/haasonsaas/archivist/internal/lease"
	"github.com/haasonsaas/archivist/internal/memory"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/responder"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// Memory indexes archived messages and retrieves context for a prompt.
type Memory interface {
	Index(ctx context.Context, msgs []*models.Message) memory.IndexResult
	Retrieve(ctx context.Context, query, namespace string) []models.ContextItem
}

// Composer produces reply text. It does not fail.
type Composer interface {
	Compose(ctx context.Context, in responder.Input) string
}

// Deliverer sends replies.
type Deliverer interface {
	DeliverDeferred(ctx context.Context, in *models.Interaction, prefix, text string) error
	DeliverProactive(ctx context.Context, channelID, messageID, authorID, text string) error
}

// Config holds the run parameters.
type Config struct {
	ChannelID string
	// BotID is the identity mentions refer to.
	BotID string
	AppID string

	LeaseKey  string
	LeaseTTL  time.Duration
	CursorKey string

	PageSize          int
	MaxMessagesPerRun int

	// InteractionTTL is how long an interaction token accepts edits.
	InteractionTTL time.Duration
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Lease        lease.Manager
	Cursors      storage.CursorStore
	Messages     storage.MessageStore
	Interactions storage.InteractionStore
	Source       HistorySource
	Memory       Memory
	Composer     Composer
	Deliverer    Deliverer
	Background   *background.Supervisor

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// RunReport summarizes one sync run.
type RunReport struct {
	RunID    string
	Trigger  string
	Skipped  bool
	Pages    int
	Fetched  int
	Archived int
	Inserted int
	Indexed  memory.IndexResult
	Mentions int
	Replied  bool
	Cursor   string
	Stop     StopReason
	Duration time.Duration
}

// Runner executes sync runs and deferred asks.
type Runner struct {
	cfg      Config
	deps     Deps
	fetcher  *Fetcher
	archiver *Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner wires a Runner.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Lease == nil || deps.Cursors == nil || deps.Messages == nil || deps.Source == nil {
		return nil, errors.New("pipeline: lease, cursors, messages and source are required")
	}
	if deps.Composer == nil || deps.Deliverer == nil {
		return nil, errors.New("pipeline: composer and deliverer are required")
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "sync_lock"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.CursorKey == "" {
		cfg.CursorKey = "last_message_id"
	}
	if cfg.InteractionTTL <= 0 {
		cfg.InteractionTTL = 15 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Background == nil {
		deps.Background = background.New(background.Config{Metrics: deps.Metrics, Logger: deps.Logger})
	}
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		fetcher:  NewFetcher(deps.Source, cfg.PageSize, cfg.MaxMessagesPerRun, deps.Tracer, deps.Logger),
		archiver: NewArchiver(deps.Messages, cfg.CursorKey, deps.Metrics, deps.Logger),
		logger:   deps.Logger.With("component", "pipeline"),
		now:      time.Now,
	}, nil
}

// Sync runs one ingestion cycle under the lease. Contention is not an error:
// the report comes back with Skipped set. Any fetch or archive failure stops
// the run with the cursor at the last persisted page.
func (r *Runner) Sync(ctx context.Context, trigger string) (*RunReport, error) {
	start := r.now()
	report := &RunReport{RunID: uuid.NewString(), Trigger: trigger}
	logger := r.logger.With("run_id", report.RunID, "channel_id", r.cfg.ChannelID, "trigger", trigger)

	ctx, span := r.deps.Tracer.TraceSyncRun(ctx, trigger, r.cfg.ChannelID)
	defer span.End()
	if traceID := observability.GetTraceID(ctx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}

	outcome := "ok"
	defer func() {
		report.Duration = r.now().Sub(start)
		r.deps.Metrics.RecordSyncRun(outcome, report.Duration)
	}()

	release, err := lease.Guard(ctx, r.deps.Lease, r.cfg.LeaseKey, r.cfg.LeaseTTL, logger)
	if errors.Is(err, lease.ErrHeld) {
		logger.Info("another run holds the lease, skipping")
		report.Skipped = true
		outcome = "skipped"
		return report, nil
	}
	if err != nil {
		outcome = "error"
		observability.RecordError(span, err)
		return report, err
	}
	defer release()
	stopBy := start.Add(r.cfg.LeaseTTL)

	cursor, err := r.deps.Cursors.GetCursor(ctx, r.cfg.CursorKey)
	if err != nil {
		outcome = "error"
		observability.RecordError(span, err)
		return report, fmt.Errorf("read cursor: %w", err)
	}
	report.Cursor = cursor
	logger.Info("sync started", "cursor", cursor)

	var mentions []models.MentionEvent
	walk, walkErr := r.fetcher.Walk(ctx, r.cfg.ChannelID, cursor, stopBy, func(ctx context.Context, page *discord.Page) error {
		archived, inserted, err := r.archiver.Archive(ctx, page.Messages)
		if err != nil {
			return err
		}
		r.deps.Metrics.RecordPage(inserted)
		r.deps.Metrics.RecordSkipped("malformed", page.Malformed)
		report.Archived += len(archived)
		report.Inserted += inserted
		for _, m := range archived {
			report.Cursor = models.LaterID(report.Cursor, m.ID)
		}

		if r.deps.Memory != nil {
			res := r.deps.Memory.Index(ctx, archived)
			report.Indexed.Indexed += res.Indexed
			report.Indexed.Empty += res.Empty
			report.Indexed.Failed += res.Failed
		}
		mentions = append(mentions, DetectMentions(archived, r.cfg.BotID)...)
		return nil
	})
	report.Pages, report.Fetched, report.Stop = walk.Pages, walk.Fetched, walk.Reason
	report.Mentions = len(mentions)
	span.SetAttributes(
		attribute.Int("sync.pages", report.Pages),
		attribute.Int("sync.archived", report.Archived),
		attribute.String("sync.stop", string(report.Stop)),
	)

	// Mentions already archived have passed the cursor and will not be seen
	// again, so they are answered even when a later page failed.
	if event, ok := SelectScheduled(mentions); ok {
		if err := r.answerMention(ctx, event, logger); err != nil {
			logger.Error("failed to reply to mention", "message_id", event.Message.ID, "error", err)
			if walkErr == nil {
				walkErr = err
			}
		} else {
			report.Replied = true
		}
	}

	if walkErr != nil {
		outcome = "aborted"
		observability.RecordError(span, walkErr)
		logger.Error("sync aborted", "stop", report.Stop, "cursor", report.Cursor, "error", walkErr)
		return report, walkErr
	}
	if report.Stop == StopLeaseExpiring {
		logger.Warn("lease ttl reached, leaving remaining history for the next run", "cursor", report.Cursor)
	}
	logger.Info("sync finished",
		"pages", report.Pages,
		"archived", report.Archived,
		"inserted", report.Inserted,
		"indexed", report.Indexed.Indexed,
		"mentions", report.Mentions,
		"cursor", report.Cursor,
		"stop", report.Stop,
	)
	return report, nil
}

func (r *Runner) answerMention(ctx context.Context, event models.MentionEvent, logger *slog.Logger) error {
	msg := event.Message
	text := StripMentions(msg.Content, r.cfg.BotID)
	mode := responder.ModeAmbient
	if event.IsDirectQuestion {
		mode = responder.ModeDirected
	}
	var items []models.ContextItem
	if r.deps.Memory != nil {
		items = r.deps.Memory.Retrieve(ctx, text, msg.ChannelID)
	}
	logger.Info("answering mention", "message_id", msg.ID, "mode", mode, "context_items", len(items))

	reply := r.deps.Composer.Compose(ctx, responder.Input{
		Text:    text,
		Author:  msg.AuthorDisplayName,
		Context: items,
		Mode:    mode,
	})
	return r.deps.Deliverer.DeliverProactive(ctx, msg.ChannelID, msg.ID, msg.AuthorID, reply)
}

// AskRequest is a deferred ask command.
type AskRequest struct {
	InteractionID string
	AppID         string
	Token         string
	ChannelID     string
	AuthorID      string
	Author        string
	Question      string
}

// Ask records the interaction, marks it acknowledged and answers it in the
// background. It returns duplicate=true, without starting work, when the
// interaction was already received.
func (r *Runner) Ask(ctx context.Context, req AskRequest) (duplicate bool, err error) {
	now := r.now()
	in := &models.Interaction{
		ID:        req.InteractionID,
		AppID:     req.AppID,
		Token:     req.Token,
		ChannelID: req.ChannelID,
		AuthorID:  req.AuthorID,
		Author:    req.Author,
		Command:   "ask",
		Question:  req.Question,
		CreatedAt: now,
		Deadline:  now.Add(r.cfg.InteractionTTL),
	}
	if in.AppID == "" {
		in.AppID = r.cfg.AppID
	}
	if in.ChannelID == "" {
		in.ChannelID = r.cfg.ChannelID
	}
	logger := r.logger.With("interaction_id", in.ID, "channel_id", in.ChannelID)

	if r.deps.Interactions != nil {
		dup, err := r.deps.Interactions.RecordInteraction(ctx, in)
		if err != nil {
			return false, fmt.Errorf("record interaction: %w", err)
		}
		if dup {
			logger.Info("duplicate interaction ignored")
			r.deps.Metrics.RecordInteraction("ask", "duplicate")
			return true, nil
		}
	}

	if err := in.Transition(models.InteractionAcknowledged); err != nil {
		return false, err
	}
	if r.deps.Interactions != nil {
		if err := r.deps.Interactions.UpdateInteractionState(ctx, in.ID, models.InteractionAcknowledged); err != nil {
			logger.Warn("failed to persist acknowledged state", "error", err)
		}
	}
	r.deps.Metrics.RecordInteraction("ask", "deferred")

	err = r.deps.Background.Go(ctx, "ask:"+in.ID, func(ctx context.Context) error {
		return r.answerAsk(ctx, in, logger)
	})
	if err != nil {
		return false, fmt.Errorf("schedule answer: %w", err)
	}
	return false, nil
}

// Answer runs the deferred half of an ask synchronously: retrieve, compose
// and deliver. The interaction must already be acknowledged.
func (r *Runner) Answer(ctx context.Context, in *models.Interaction) error {
	return r.answerAsk(ctx, in, r.logger.With("interaction_id", in.ID))
}

func (r *Runner) answerAsk(ctx context.Context, in *models.Interaction, logger *slog.Logger) error {
	var items []models.ContextItem
	if r.deps.Memory != nil {
		items = r.deps.Memory.Retrieve(ctx, in.Question, in.ChannelID)
	}
	logger.Info("answering ask", "context_items", len(items))

	reply := r.deps.Composer.Compose(ctx, responder.Input{
		Text:    in.Question,
		Author:  in.Author,
		Context: items,
		Mode:    responder.ModeDirected,
	})
	return r.deps.Deliverer.DeliverDeferred(ctx, in, delivery.DeferredPrefix(in.AuthorID, in.Question), reply)
}

// Background returns the supervisor detached work runs on.
func (r *Runner) Background() *background.Supervisor {
	return r.deps.Background
}
