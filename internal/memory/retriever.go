package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/internal/memory/embeddings"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// Retriever returns prior messages relevant to a query within one channel.
// Failures degrade to an empty result; they are logged, not returned.
type Retriever interface {
	Retrieve(ctx context.Context, query, namespace string, topK int) []models.ContextItem
}

// SemanticRetriever embeds the query and asks the vector backend for the
// nearest messages in the namespace.
type SemanticRetriever struct {
	backend  backend.Backend
	embedder embeddings.Provider
	cache    *ristretto.Cache
	logger   *slog.Logger
}

// NewSemanticRetriever creates a retriever. cacheSize bounds the number of
// cached query embeddings; zero disables the cache.
func NewSemanticRetriever(b backend.Backend, e embeddings.Provider, cacheSize int, logger *slog.Logger) (*SemanticRetriever, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &SemanticRetriever{
		backend:  b,
		embedder: e,
		logger:   logger.With("component", "semantic-retriever"),
	}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(cacheSize) * 10,
			MaxCost:     int64(cacheSize),
			BufferItems: 64,
			// Each entry costs 1, so MaxCost is an entry count.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

// Retrieve returns up to topK matches, most relevant first.
func (r *SemanticRetriever) Retrieve(ctx context.Context, query, namespace string, topK int) []models.ContextItem {
	if topK <= 0 || namespace == "" {
		return nil
	}
	embedding, err := r.queryEmbedding(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed", "namespace", namespace, "error", err)
		return nil
	}
	matches, err := r.backend.Query(ctx, namespace, embedding, topK)
	if err != nil {
		r.logger.Warn("vector query failed", "namespace", namespace, "error", err)
		return nil
	}

	items := make([]models.ContextItem, 0, len(matches))
	for _, m := range matches {
		items = append(items, models.ContextItem{
			AuthorDisplayName: m.Metadata.AuthorDisplayName,
			Content:           m.Metadata.Content,
		})
	}
	return items
}

func (r *SemanticRetriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(query); ok {
			if emb, ok := v.([]float32); ok {
				return emb, nil
			}
		}
	}
	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetWithTTL(query, emb, 1, time.Hour)
	}
	return emb, nil
}

// Close stops the cache's background goroutines.
func (r *SemanticRetriever) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// RecencyRetriever returns the latest archived messages of the channel in
// chronological order. The query is ignored.
type RecencyRetriever struct {
	messages storage.MessageStore
	window   int
	logger   *slog.Logger
}

// NewRecencyRetriever creates a retriever over the last window messages.
func NewRecencyRetriever(messages storage.MessageStore, window int, logger *slog.Logger) *RecencyRetriever {
	if window <= 0 {
		window = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecencyRetriever{
		messages: messages,
		window:   window,
		logger:   logger.With("component", "recency-retriever"),
	}
}

// Retrieve ignores topK in favour of the configured window.
func (r *RecencyRetriever) Retrieve(ctx context.Context, _ string, namespace string, _ int) []models.ContextItem {
	if namespace == "" {
		return nil
	}
	msgs, err := r.messages.Recent(ctx, namespace, r.window)
	if err != nil {
		r.logger.Warn("recent messages query failed", "namespace", namespace, "error", err)
		return nil
	}
	items := make([]models.ContextItem, 0, len(msgs))
	for _, m := range msgs {
		if !m.HasContent() {
			continue
		}
		items = append(items, models.ContextItem{
			AuthorDisplayName: m.AuthorDisplayName,
			Content:           m.Content,
		})
	}
	return items
}
