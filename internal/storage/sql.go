package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3 (cgo)
	_ "modernc.org/sqlite"          // sqlite (pure Go)

	"github.com/haasonsaas/archivist/pkg/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		author_display_name TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		archived_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at BIGINT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		question TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// SQLStore implements CursorStore, MessageStore and InteractionStore on
// SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLStores opens the database, applies the schema and returns the store set.
func NewSQLStores(ctx context.Context, config *SQLConfig) (StoreSet, error) {
	if config == nil {
		config = DefaultSQLConfig()
	}
	if strings.TrimSpace(config.DSN) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}

	d := dialectSQLite
	switch config.Driver {
	case "sqlite", "sqlite3":
	case "postgres":
		d = dialectPostgres
	default:
		return StoreSet{}, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	if d == dialectSQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}
	return StoreSet{
		Cursors:      store,
		Messages:     store,
		Interactions: store,
		closer:       db.Close,
	}, nil
}

// Migrate creates tables that do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) GetCursor(ctx context.Context, key string) (string, error) {
	return s.getCursor(ctx, s.db, key)
}

func (s *SQLStore) getCursor(ctx context.Context, q execer, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT value FROM sync_state WHERE name = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) SetCursor(ctx context.Context, key, value string) error {
	return s.advanceCursor(ctx, s.db, key, value)
}

// advanceCursor moves the cursor forward in a single conditional upsert. An
// older or equal value leaves the row untouched, so overlapping writers
// cannot move it backwards.
func (s *SQLStore) advanceCursor(ctx context.Context, q execer, key, value string) error {
	if _, err := strconv.ParseUint(value, 10, 64); err != nil {
		return fmt.Errorf("cursor %s: invalid message id %q", key, value)
	}
	_, err := q.ExecContext(ctx, s.rebind(
		`INSERT INTO sync_state (name, value, expires_at, updated_at) VALUES (?, ?, NULL, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		 WHERE CAST(sync_state.value AS NUMERIC) < CAST(excluded.value AS NUMERIC)`),
		key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) AcquireLease(ctx context.Context, key, token string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sync_state (name, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at
		 WHERE sync_state.expires_at IS NOT NULL AND sync_state.expires_at <= ?`),
		key, token, expiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sync_state WHERE name = ?`), key); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) ArchiveBatch(ctx context.Context, msgs []*models.Message, cursorKey string) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.rebind(
		`INSERT INTO messages (id, channel_id, author_id, author_display_name, content, created_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	archivedAt := s.now().UnixMilli()
	inserted := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, insert,
			m.ID, m.ChannelID, m.AuthorID, m.AuthorDisplayName, m.Content, m.CreatedAt.UnixMilli(), archivedAt)
		if err != nil {
			return 0, fmt.Errorf("archive message %s: %w", m.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if cursorKey != "" {
		if latest := latestID(msgs); latest != "" {
			if err := s.advanceCursor(ctx, tx, cursorKey, latest); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) Recent(ctx context.Context, channelID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, channel_id, author_id, author_display_name, content, created_at
		 FROM messages WHERE channel_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// List pages by created_at, which tracks ID order for snowflakes.
func (s *SQLStore) List(ctx context.Context, channelID, afterID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT id, channel_id, author_id, author_display_name, content, created_at
			 FROM messages WHERE channel_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`),
			channelID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT m.id, m.channel_id, m.author_id, m.author_display_name, m.content, m.created_at
			 FROM messages m, messages a
			 WHERE a.id = ? AND m.channel_id = ?
			   AND (m.created_at > a.created_at OR (m.created_at = a.created_at AND m.id > a.id))
			 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`),
			afterID, channelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var (
			m       models.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.AuthorDisplayName, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecordInteraction(ctx context.Context, in *models.Interaction) (bool, error) {
	if in == nil || in.ID == "" {
		return false, fmt.Errorf("interaction is required")
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO interactions (id, command, channel_id, author_id, question, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		in.ID, in.Command, in.ChannelID, in.AuthorID, in.Question, string(in.State()),
		created.UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record interaction %s: %w", in.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record interaction %s: %w", in.ID, err)
	}
	return n == 0, nil
}

func (s *SQLStore) UpdateInteractionState(ctx context.Context, id string, state models.InteractionState) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE interactions SET state = ?, updated_at = ? WHERE id = ?`),
		string(state), s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update interaction %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
