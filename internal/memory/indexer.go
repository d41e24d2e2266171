package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/internal/memory/embeddings"
	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/pkg/models"
)

// IndexerConfig tunes how archived messages are embedded.
type IndexerConfig struct {
	// BatchSize caps texts per embedding request. It is further capped by the
	// provider's MaxBatchSize.
	BatchSize int
	// Concurrency bounds in-flight embedding requests.
	Concurrency int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// IndexResult summarises one Index call.
type IndexResult struct {
	Indexed int // vectors upserted
	Empty   int // messages without text
	Failed  int // messages in sub-batches that failed
}

// Indexer turns archived messages into memory vectors.
type Indexer struct {
	backend     backend.Backend
	embedder    embeddings.Provider
	batchSize   int
	concurrency int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewIndexer creates an indexer writing to b with vectors from e.
func NewIndexer(b backend.Backend, e embeddings.Provider, cfg IndexerConfig) *Indexer {
	batch := cfg.BatchSize
	if max := e.MaxBatchSize(); batch <= 0 || (max > 0 && batch > max) {
		batch = max
	}
	if batch <= 0 {
		batch = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indexer{
		backend:     b,
		embedder:    e,
		batchSize:   batch,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.With("component", "memory-indexer"),
		metrics:     cfg.Metrics,
	}
}

// Index embeds every message with content and upserts it under its channel
// namespace. A failed sub-batch is logged and skipped; the rest still index.
func (ix *Indexer) Index(ctx context.Context, msgs []*models.Message) IndexResult {
	var (
		result  IndexResult
		pending []*models.Message
	)
	for _, m := range msgs {
		if !m.HasContent() {
			result.Empty++
			continue
		}
		pending = append(pending, m)
	}
	ix.metrics.RecordSkipped("empty", result.Empty)
	if len(pending) == 0 {
		return result
	}

	var batches [][]*models.Message
	for start := 0; start < len(pending); start += ix.batchSize {
		end := min(start+ix.batchSize, len(pending))
		batches = append(batches, pending[start:end])
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, ix.concurrency)
	)
	for i, batch := range batches {
		wg.Add(1)
		go func(idx int, batch []*models.Message) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				result.Failed += len(batch)
				mu.Unlock()
				return
			}

			err := ix.indexBatch(ctx, batch)
			ix.metrics.RecordIndexed(len(batch), err != nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed += len(batch)
				ix.logger.Warn("embedding sub-batch failed",
					"batch", idx,
					"size", len(batch),
					"first_id", batch[0].ID,
					"error", err)
				return
			}
			result.Indexed += len(batch)
		}(i, batch)
	}
	wg.Wait()

	ix.logger.Debug("indexed messages", "indexed", result.Indexed, "empty", result.Empty, "failed", result.Failed)
	return result
}

func (ix *Indexer) indexBatch(ctx context.Context, batch []*models.Message) error {
	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.Content
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if err := embeddings.CheckBatch(texts, vectors); err != nil {
		return err
	}

	records := make([]models.MemoryVector, len(batch))
	for i, m := range batch {
		records[i] = models.VectorFromMessage(m, vectors[i])
	}
	return ix.backend.Upsert(ctx, records)
}
