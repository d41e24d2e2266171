package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/archivist/internal/background"
	"github.com/haasonsaas/archivist/internal/channels/discord"
	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/delivery"
	"github.com/haasonsaas/archivist/internal/lease"
	"github.com/haasonsaas/archivist/internal/llm"
	"github.com/haasonsaas/archivist/internal/memory"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/pipeline"
	"github.com/haasonsaas/archivist/internal/responder"
	"github.com/haasonsaas/archivist/internal/storage"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	stores   storage.StoreSet
	lease    lease.Manager
	discord  *discord.Adapter
	memory   *memory.Manager
	composer *responder.Composer
	bg       *background.Supervisor
	runner   *pipeline.Runner

	closers []func(context.Context) error
}

// appOptions tune how much of the stack a command needs.
type appOptions struct {
	// Deliverer replaces Discord delivery (the ask command prints instead).
	Deliverer pipeline.Deliverer
	// Registerer receives the metrics. Nil keeps metrics off the default registry.
	Registerer prometheus.Registerer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if opts.Registerer != nil {
		a.metrics = observability.NewMetrics(opts.Registerer)
	} else {
		a.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "archivist",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if a.stores, err = openStores(ctx, cfg.Database); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.stores.Close() })

	if a.lease, err = openLease(ctx, cfg.Lease, a.stores.Cursors, logger); err != nil {
		return nil, err
	}
	if rl, ok := a.lease.(*lease.RedisLease); ok {
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
	}

	a.discord, err = discord.NewAdapter(discord.Config{
		Token:     cfg.Discord.BotToken,
		AppID:     cfg.Discord.AppID,
		RateLimit: cfg.Discord.RateLimit,
		RateBurst: cfg.Discord.RateBurst,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("discord adapter: %w", err)
	}

	memOpts := memory.Options{Messages: a.stores.Messages, Logger: logger, Metrics: a.metrics}
	if cfg.Database.Driver == "postgres" {
		memOpts.PostgresDSN = cfg.Database.DSN
	}
	if a.memory, err = memory.NewManager(ctx, cfg.Memory, memOpts); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.memory.Close() })

	generator, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	instrumented := llm.Instrument(generator, cfg.LLM.Timeout, a.metrics, a.tracer, logger)
	a.composer = responder.New(instrumented, cfg.Persona, cfg.LLM, a.metrics, logger)

	a.bg = background.New(background.Config{
		Timeout: cfg.Delivery.InteractionTTL,
		Metrics: a.metrics,
		Logger:  logger,
	})
	a.closers = append(a.closers, a.bg.Shutdown)

	deliverer := opts.Deliverer
	if deliverer == nil {
		deliverer = delivery.New(a.discord, delivery.Config{
			Limit:   cfg.Delivery.ChunkLimit(),
			States:  a.stores.Interactions,
			Metrics: a.metrics,
			Tracer:  a.tracer,
			Logger:  logger,
		})
	}

	a.runner, err = pipeline.NewRunner(pipeline.Config{
		ChannelID:         cfg.Discord.ChannelID,
		BotID:             a.discord.BotID(),
		AppID:             cfg.Discord.AppID,
		LeaseKey:          cfg.Lease.Key,
		LeaseTTL:          cfg.Lease.TTL,
		CursorKey:         cfg.Ingest.CursorKey,
		PageSize:          cfg.Ingest.PageSize,
		MaxMessagesPerRun: cfg.Ingest.MaxMessagesPerRun,
		InteractionTTL:    cfg.Delivery.InteractionTTL,
	}, pipeline.Deps{
		Lease:        a.lease,
		Cursors:      a.stores.Cursors,
		Messages:     a.stores.Messages,
		Interactions: a.stores.Interactions,
		Source:       a.discord,
		Memory:       a.memory,
		Composer:     a.composer,
		Deliverer:    deliverer,
		Background:   a.bg,
		Metrics:      a.metrics,
		Tracer:       a.tracer,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg config.DatabaseConfig) (storage.StoreSet, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryStores(), nil
	}
	sqlCfg := storage.DefaultSQLConfig()
	sqlCfg.Driver = cfg.Driver
	if strings.TrimSpace(cfg.DSN) != "" {
		sqlCfg.DSN = cfg.DSN
	}
	if cfg.MaxConnections > 0 {
		sqlCfg.MaxOpenConns = cfg.MaxConnections
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	stores, err := storage.NewSQLStores(ctx, sqlCfg)
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return stores, nil
}

func openLease(ctx context.Context, cfg config.LeaseConfig, cursors storage.CursorStore, logger *slog.Logger) (lease.Manager, error) {
	if cfg.Backend == "redis" {
		l, err := lease.NewRedisLease(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("redis lease: %w", err)
		}
		return l, nil
	}
	return lease.NewStoreLease(cursors, logger), nil
}
