// Package chromem provides an embedded vector backend on chromem-go with one
// collection per namespace.
package chromem

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/pkg/models"
)

const (
	metaAuthor = "author_display_name"
	collPrefix = "channel_"
)

// Config contains configuration for the chromem backend.
type Config struct {
	// Path persists collections under this directory. Empty keeps everything
	// in memory.
	Path string

	// Compress gzips persisted collections.
	Compress bool

	Dimension int
}

// Backend implements backend.Backend on chromem-go.
type Backend struct {
	db          *chromem.DB
	dimension   int
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates a chromem-backed store.
func New(cfg Config) (*Backend, error) {
	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &Backend{
		db:          db,
		dimension:   cfg.Dimension,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collection returns the collection for a namespace, creating it on first use.
func (b *Backend) collection(namespace string) (*chromem.Collection, error) {
	if namespace == "" {
		return nil, backend.ErrNamespaceRequired
	}

	b.mu.RLock()
	col, ok := b.collections[namespace]
	b.mu.RUnlock()
	if ok {
		return col, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if col, ok := b.collections[namespace]; ok {
		return col, nil
	}

	// Embeddings are always supplied, so no embedding func is configured.
	col, err := b.db.GetOrCreateCollection(collPrefix+namespace, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	b.collections[namespace] = col
	return col, nil
}

// Upsert adds documents; chromem overwrites documents with an existing id.
func (b *Backend) Upsert(ctx context.Context, vectors []models.MemoryVector) error {
	if err := backend.ValidateVectors(vectors, b.dimension); err != nil {
		return err
	}
	for i := range vectors {
		v := &vectors[i]
		col, err := b.collection(v.Namespace)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        v.ID,
			Content:   v.Metadata.Content,
			Embedding: append([]float32(nil), v.Embedding...),
			Metadata:  map[string]string{metaAuthor: v.Metadata.AuthorDisplayName},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", v.ID, err)
		}
	}
	return nil
}

// Query searches the namespace collection. chromem rejects requests for more
// results than the collection holds, so topK is clamped to its size.
func (b *Backend) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.MemoryMatch, error) {
	col, err := b.collection(namespace)
	if err != nil {
		return nil, err
	}
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, append([]float32(nil), embedding...), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]models.MemoryMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, models.MemoryMatch{
			ID: r.ID,
			Metadata: models.MemoryMetadata{
				AuthorDisplayName: r.Metadata[metaAuthor],
				Content:           r.Content,
			},
			Score: r.Similarity,
		})
	}
	backend.SortMatches(matches)
	return matches, nil
}

// Count returns the number of documents in the namespace collection.
func (b *Backend) Count(ctx context.Context, namespace string) (int64, error) {
	col, err := b.collection(namespace)
	if err != nil {
		return 0, err
	}
	return int64(col.Count()), nil
}

// Close is a no-op; persistent collections are written on every add.
func (b *Backend) Close() error {
	return nil
}
