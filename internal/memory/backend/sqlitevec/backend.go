// Package sqlitevec provides a vector storage backend on plain SQLite.
//
// Embeddings are stored as little-endian float32 blobs and ranked in process
// by cosine similarity. A channel archive stays small enough that a scan per
// namespace is fast.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/pkg/models"
)

// Backend implements backend.Backend on SQLite.
type Backend struct {
	db        *sql.DB
	dimension int
	now       func() time.Time
}

// Config contains configuration for the SQLite vector backend.
type Config struct {
	Path      string // Path to SQLite database file
	Dimension int    // Embedding dimension
}

// New opens (or creates) the vector database at cfg.Path.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	b := &Backend{
		db:        db,
		dimension: cfg.Dimension,
		now:       time.Now,
	}
	if err := b.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_vectors (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			author_display_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			embedding BLOB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (namespace, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create memory_vectors table: %w", err)
	}
	return nil
}

// Upsert stores vectors, replacing any existing row with the same key.
func (b *Backend) Upsert(ctx context.Context, vectors []models.MemoryVector) error {
	if len(vectors) == 0 {
		return nil
	}
	if err := backend.ValidateVectors(vectors, b.dimension); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_vectors (namespace, id, author_display_name, content, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET
			author_display_name = excluded.author_display_name,
			content = excluded.content,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := b.now().UTC()
	for i := range vectors {
		v := &vectors[i]
		created := v.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err = stmt.ExecContext(ctx,
			v.Namespace,
			v.ID,
			v.Metadata.AuthorDisplayName,
			v.Metadata.Content,
			encodeEmbedding(v.Embedding),
			created.UnixMilli(),
			now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// Query ranks every vector in namespace against embedding.
func (b *Backend) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.MemoryMatch, error) {
	if namespace == "" {
		return nil, backend.ErrNamespaceRequired
	}
	if topK <= 0 {
		return nil, nil
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, author_display_name, content, embedding FROM memory_vectors WHERE namespace = ?`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var matches []models.MemoryMatch
	for rows.Next() {
		var (
			m    models.MemoryMatch
			blob []byte
		)
		if err := rows.Scan(&m.ID, &m.Metadata.AuthorDisplayName, &m.Metadata.Content, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Score = backend.CosineSimilarity(embedding, decodeEmbedding(blob))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	backend.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of vectors in namespace.
func (b *Backend) Count(ctx context.Context, namespace string) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_vectors WHERE namespace = ?", namespace).Scan(&count)
	return count, err
}

// Close releases resources.
func (b *Backend) Close() error {
	return b.db.Close()
}

// encodeEmbedding converts []float32 to bytes for storage.
func encodeEmbedding(embedding []float32) []byte {
	// 4 bytes per float32 using IEEE 754 bits, little endian
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding converts bytes back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
