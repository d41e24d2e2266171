package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/archivist/internal/channels/chunk"
	"github.com/haasonsaas/archivist/internal/channels/discord"
	"github.com/haasonsaas/archivist/internal/cron"
	"github.com/haasonsaas/archivist/internal/interactions"
	"github.com/haasonsaas/archivist/internal/memory"
	"github.com/haasonsaas/archivist/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	if err := requireChannel(cfg); err != nil {
		return err
	}
	logger.Info("starting archivist", "version", version, "commit", commit, "config", configPath)

	a, err := newApp(ctx, cfg, logger, appOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	scheduler, err := cron.NewScheduler(cfg.Ingest.Schedule, cron.RunnerFunc(func(ctx context.Context) error {
		_, err := a.runner.Sync(ctx, "schedule")
		return err
	}), cron.WithLogger(logger))
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("scheduler: %w", err)
	}

	handler, err := interactions.New(interactions.Config{
		PublicKey:  cfg.Discord.PublicKey,
		Verify:     cfg.Server.ShouldVerify(),
		Asker:      a.runner,
		Syncer:     a.runner,
		Background: a.bg,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
		Logger:     logger,
	})
	if err != nil {
		a.close(context.Background())
		return err
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("scheduler failed to start", "error", err)
		cancel()
	}
	logger.Info("archivist started", "http_addr", cfg.Server.Addr(), "channel_id", cfg.Discord.ChannelID)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("archivist stopped")
	return serveErr
}

func runSync(ctx context.Context, out io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	if err := requireChannel(cfg); err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	report, err := a.runner.Sync(ctx, "cli")
	if report != nil {
		if report.Skipped {
			fmt.Fprintln(out, "another run holds the lease; nothing done")
		} else {
			fmt.Fprintf(out, "pages: %d\narchived: %d (new %d)\nindexed: %d (empty %d, failed %d)\nmentions: %d (replied %t)\ncursor: %s\nstop: %s\n",
				report.Pages, report.Archived, report.Inserted,
				report.Indexed.Indexed, report.Indexed.Empty, report.Indexed.Failed,
				report.Mentions, report.Replied, report.Cursor, report.Stop)
		}
	}
	return err
}

// askCommand is the slash command definition registered with Discord.
func askCommand() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        interactions.AskCommandName,
		Description: "Ask a question about this channel's history",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        interactions.QuestionOption,
			Description: "What do you want to know?",
			Required:    true,
		}},
	}
}

func runRegisterCommands(ctx context.Context, out io.Writer, configPath, guildID string) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	if guildID == "" {
		guildID = cfg.Discord.GuildID
	}
	adapter, err := discord.NewAdapter(discord.Config{
		Token:     cfg.Discord.BotToken,
		AppID:     cfg.Discord.AppID,
		RateLimit: cfg.Discord.RateLimit,
		RateBurst: cfg.Discord.RateBurst,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	registered, err := adapter.RegisterCommands(ctx, guildID, []*discordgo.ApplicationCommand{askCommand()})
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	scope := "globally"
	if guildID != "" {
		scope = "on guild " + guildID
	}
	for _, c := range registered {
		fmt.Fprintf(out, "registered /%s (%s) %s\n", c.Name, c.ID, scope)
	}
	return nil
}

func runReindex(ctx context.Context, out io.Writer, configPath string, pageSize int) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	if err := requireChannel(cfg); err != nil {
		return err
	}
	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer stores.Close()

	opts := memory.Options{Messages: stores.Messages, Logger: logger}
	if cfg.Database.Driver == "postgres" {
		opts.PostgresDSN = cfg.Database.DSN
	}
	mem, err := memory.NewManager(ctx, cfg.Memory, opts)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	defer mem.Close()

	res, err := mem.Reindex(ctx, cfg.Discord.ChannelID, pageSize)
	fmt.Fprintf(out, "indexed: %d\nempty: %d\nfailed: %d\n", res.Indexed, res.Empty, res.Failed)
	if err != nil {
		return err
	}
	stats, err := mem.Stats(ctx, cfg.Discord.ChannelID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "vectors in %s: %d (%s, %s)\n", cfg.Discord.ChannelID, stats.Vectors, stats.Backend, stats.EmbeddingProvider)
	return nil
}

func runAsk(ctx context.Context, out io.Writer, configPath, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("question is empty")
	}
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	printer := &printDeliverer{out: out, limit: cfg.Delivery.ChunkLimit()}
	a, err := newApp(ctx, cfg, logger, appOptions{Deliverer: printer})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	now := time.Now()
	in := &models.Interaction{
		ID:        "cli-" + uuid.NewString(),
		ChannelID: cfg.Discord.ChannelID,
		Author:    "cli",
		Command:   interactions.AskCommandName,
		Question:  question,
		CreatedAt: now,
		Deadline:  now.Add(cfg.Delivery.InteractionTTL),
	}
	if err := in.Transition(models.InteractionAcknowledged); err != nil {
		return err
	}
	return a.runner.Answer(ctx, in)
}

// printDeliverer writes replies to a terminal, one block per chunk.
type printDeliverer struct {
	out   io.Writer
	limit int
}

func (p *printDeliverer) DeliverDeferred(ctx context.Context, in *models.Interaction, prefix, text string) error {
	parts := chunk.Chunks("", text, p.limit)
	for _, part := range parts {
		if len(parts) > 1 {
			fmt.Fprintf(p.out, "--- part %d/%d ---\n", part.Index+1, len(parts))
		}
		fmt.Fprintln(p.out, part.Text)
	}
	if err := in.Transition(models.InteractionDelivered); err != nil {
		slog.Debug("interaction already settled", "error", err)
	}
	return nil
}

func (p *printDeliverer) DeliverProactive(ctx context.Context, channelID, messageID, authorID, text string) error {
	_, err := fmt.Fprintln(p.out, chunk.Truncate(text, p.limit))
	return err
}
