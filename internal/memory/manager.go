// Package memory provides semantic memory for archived channel messages:
// indexing messages as vectors and retrieving the most relevant ones for a
// prompt.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/internal/memory/backend/chromem"
	"github.com/haasonsaas/archivist/internal/memory/backend/pgvector"
	"github.com/haasonsaas/archivist/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/archivist/internal/memory/embeddings"
	"github.com/haasonsaas/archivist/internal/memory/embeddings/gemini"
	"github.com/haasonsaas/archivist/internal/memory/embeddings/ollama"
	"github.com/haasonsaas/archivist/internal/memory/embeddings/openai"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// Options carries dependencies shared with the rest of the process.
type Options struct {
	// Messages backs the recency retriever and reindexing.
	Messages storage.MessageStore

	// PostgresDSN is used by the pgvector backend when memory.pgvector.dsn
	// is empty.
	PostgresDSN string

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager wires the vector backend, the embedding provider, the indexer and
// the retriever selected by configuration.
type Manager struct {
	backend   backend.Backend
	embedder  embeddings.Provider
	indexer   *Indexer
	semantic  *SemanticRetriever
	retriever Retriever
	messages  storage.MessageStore
	config    config.MemoryConfig
	logger    *slog.Logger
}

// NewManager builds the backend and embedder named in cfg. When memory is
// disabled no provider is contacted and retrieval falls back to recency.
func NewManager(ctx context.Context, cfg config.MemoryConfig, opts Options) (*Manager, error) {
	if !cfg.IsEnabled() {
		return New(nil, nil, cfg, opts)
	}

	var b backend.Backend
	var err error
	switch cfg.Backend {
	case "sqlite-vec", "sqlite", "":
		b, err = sqlitevec.New(sqlitevec.Config{
			Path:      cfg.SQLiteVec.Path,
			Dimension: cfg.Dimension,
		})
	case "pgvector", "postgres":
		dsn := cfg.Pgvector.DSN
		if dsn == "" {
			dsn = opts.PostgresDSN
		}
		b, err = pgvector.New(pgvector.Config{
			DSN:           dsn,
			Dimension:     cfg.Dimension,
			RunMigrations: true,
		})
	case "chromem":
		b, err = chromem.New(chromem.Config{
			Path:      cfg.Chromem.Path,
			Compress:  cfg.Chromem.Compress,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}

	var emb embeddings.Provider
	switch cfg.Embeddings.Provider {
	case "gemini", "google", "":
		emb, err = gemini.New(ctx, gemini.Config{
			APIKey:    cfg.Embeddings.APIKey,
			BaseURL:   cfg.Embeddings.BaseURL,
			Model:     cfg.Embeddings.Model,
			Dimension: cfg.Dimension,
		})
	case "openai":
		emb, err = openai.New(openai.Config{
			APIKey:     cfg.Embeddings.APIKey,
			BaseURL:    cfg.Embeddings.BaseURL,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Dimension,
		})
	case "ollama":
		emb, err = ollama.New(ollama.Config{
			BaseURL:   cfg.Embeddings.BaseURL,
			Model:     cfg.Embeddings.Model,
			Dimension: cfg.Dimension,
		})
	default:
		err = fmt.Errorf("unknown embedding provider: %s", cfg.Embeddings.Provider)
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	if emb.Dimension() != cfg.Dimension {
		b.Close()
		return nil, fmt.Errorf("dimension mismatch: config=%d, embedder=%d", cfg.Dimension, emb.Dimension())
	}

	m, err := New(b, embeddings.Instrument(emb, opts.Metrics), cfg, opts)
	if err != nil {
		b.Close()
		return nil, err
	}
	return m, nil
}

// New assembles a manager from an existing backend and embedder. Either may be
// nil, which disables semantic indexing and retrieval.
func New(b backend.Backend, emb embeddings.Provider, cfg config.MemoryConfig, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		backend:  b,
		embedder: emb,
		messages: opts.Messages,
		config:   cfg,
		logger:   logger.With("component", "memory"),
	}

	semanticOn := b != nil && emb != nil
	if semanticOn {
		m.indexer = NewIndexer(b, emb, IndexerConfig{
			BatchSize:   cfg.Indexing.BatchSize,
			Concurrency: cfg.Indexing.Concurrency,
			Logger:      logger,
			Metrics:     opts.Metrics,
		})
	}

	switch {
	case semanticOn && cfg.Search.Mode != "recency":
		sem, err := NewSemanticRetriever(b, emb, cfg.CacheSize, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		m.semantic = sem
		m.retriever = sem
	case opts.Messages != nil:
		m.retriever = NewRecencyRetriever(opts.Messages, cfg.Search.RecencyWindow, logger)
	}
	return m, nil
}

// Index embeds msgs into memory. It is a no-op when memory is disabled.
func (m *Manager) Index(ctx context.Context, msgs []*models.Message) IndexResult {
	if m == nil || m.indexer == nil {
		return IndexResult{}
	}
	return m.indexer.Index(ctx, msgs)
}

// Retrieve returns context for query from the configured retriever using the
// configured top-k.
func (m *Manager) Retrieve(ctx context.Context, query, namespace string) []models.ContextItem {
	if m == nil || m.retriever == nil {
		return nil
	}
	return m.retriever.Retrieve(ctx, query, namespace, m.config.Search.TopK)
}

// Reindex walks the archive of channelID in id order and re-embeds every
// message. Existing vectors are overwritten by id.
func (m *Manager) Reindex(ctx context.Context, channelID string, pageSize int) (IndexResult, error) {
	var total IndexResult
	if m.indexer == nil {
		return total, fmt.Errorf("semantic memory is disabled")
	}
	if m.messages == nil {
		return total, fmt.Errorf("no message store configured")
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := m.messages.List(ctx, channelID, after, pageSize)
		if err != nil {
			return total, fmt.Errorf("list archive after %q: %w", after, err)
		}
		if len(page) == 0 {
			return total, nil
		}
		res := m.indexer.Index(ctx, page)
		total.Indexed += res.Indexed
		total.Empty += res.Empty
		total.Failed += res.Failed
		after = page[len(page)-1].ID
		m.logger.Info("reindexed page", "channel_id", channelID, "cursor", after, "indexed", res.Indexed, "failed", res.Failed)
		if len(page) < pageSize {
			return total, nil
		}
	}
}

// Stats returns statistics about the memory store for a namespace.
func (m *Manager) Stats(ctx context.Context, namespace string) (*Stats, error) {
	stats := &Stats{
		Enabled:    m.indexer != nil,
		Backend:    m.config.Backend,
		Dimension:  m.config.Dimension,
		SearchMode: m.config.Search.Mode,
	}
	if m.embedder != nil {
		stats.EmbeddingProvider = m.embedder.Name()
		stats.EmbeddingModel = m.config.Embeddings.Model
	}
	if m.backend != nil {
		count, err := m.backend.Count(ctx, namespace)
		if err != nil {
			return nil, err
		}
		stats.Vectors = count
	}
	return stats, nil
}

// Close releases all resources.
func (m *Manager) Close() error {
	if m.semantic != nil {
		m.semantic.Close()
	}
	if m.backend != nil {
		return m.backend.Close()
	}
	return nil
}

// Stats contains memory store statistics.
type Stats struct {
	Enabled           bool   `json:"enabled"`
	Vectors           int64  `json:"vectors"`
	Backend           string `json:"backend"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	Dimension         int    `json:"dimension"`
	SearchMode        string `json:"search_mode"`
}
