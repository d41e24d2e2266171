// Package pgvector provides a vector storage backend using PostgreSQL with the
// pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq" // PostgreSQL driver

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/pkg/models"
)

// DefaultTable is the table vectors are stored in.
const DefaultTable = "memory_vectors"

// Backend implements backend.Backend using pgvector.
type Backend struct {
	db        *sql.DB
	table     string
	dimension int
	ownsDB    bool // whether this backend owns the db connection and should close it
	now       func() time.Time
}

// Config contains configuration for the pgvector backend.
type Config struct {
	// DSN is the PostgreSQL connection string.
	// If empty, DB must be provided.
	DSN string

	// DB is an existing database connection to reuse.
	// If provided, DSN is ignored and the backend will not close the connection.
	DB *sql.DB

	// Table overrides DefaultTable.
	Table string

	// Dimension is the embedding dimension; it sizes the vector column.
	Dimension int

	// RunMigrations controls whether to create the extension and table on startup.
	RunMigrations bool
}

// New creates a new pgvector backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.New("dimension must be positive")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	var db *sql.DB
	var ownsDB bool
	var err error

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	b := &Backend{
		db:        db,
		table:     pq.QuoteIdentifier(cfg.Table),
		dimension: cfg.Dimension,
		ownsDB:    ownsDB,
		now:       time.Now,
	}

	if cfg.RunMigrations {
		if err := b.runMigrations(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return b, nil
}

// migration is one idempotent schema step.
type migration struct {
	ID    string
	UpSQL string
}

func (b *Backend) migrations() []migration {
	return []migration{
		{ID: "001_extension", UpSQL: `CREATE EXTENSION IF NOT EXISTS vector`},
		{ID: "002_memory_vectors", UpSQL: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				id TEXT NOT NULL,
				author_display_name TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL DEFAULT '',
				embedding vector(%d) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (namespace, id)
			)`, b.table, b.dimension)},
	}
}

// runMigrations applies pending schema steps, recording each in
// memory_schema_migrations.
func (b *Backend) runMigrations(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memory_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := b.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range b.migrations() {
		if applied[m.ID] {
			continue
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func (b *Backend) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM memory_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory_schema_migrations: %w", err)
	}
	return applied, nil
}

// Upsert stores vectors, overwriting by (namespace, id).
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
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespace, id, author_display_name, content, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7)
		ON CONFLICT (namespace, id) DO UPDATE SET
			author_display_name = EXCLUDED.author_display_name,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
	`, b.table))
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
			created,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// Query performs cosine-distance nearest neighbour search within namespace.
func (b *Backend) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.MemoryMatch, error) {
	if namespace == "" {
		return nil, backend.ErrNamespaceRequired
	}
	if topK <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, author_display_name, content, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE namespace = $2
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $3`, b.table)

	rows, err := b.db.QueryContext(ctx, query, encodeEmbedding(embedding), namespace, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var matches []models.MemoryMatch
	for rows.Next() {
		var (
			m          models.MemoryMatch
			similarity float64
		)
		if err := rows.Scan(&m.ID, &m.Metadata.AuthorDisplayName, &m.Metadata.Content, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Score = float32(similarity)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Count returns the number of vectors in namespace.
func (b *Backend) Count(ctx context.Context, namespace string) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE namespace = $1", b.table), namespace).Scan(&count)
	return count, err
}

// Close releases the connection when the backend opened it.
func (b *Backend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// encodeEmbedding converts []float32 to pgvector text format: [0.1,0.2,...]
func encodeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
