package pgvector

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/pkg/models"
)

func setupMockDB(t *testing.T, dim int) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b, err := New(Config{DB: db, Dimension: dim})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return b, mock
}

func TestEncodeEmbedding(t *testing.T) {
	tests := []struct {
		in   []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{1}, "[1]"},
		{[]float32{0.5, -2, 0.125}, "[0.5,-2,0.125]"},
	}
	for _, tt := range tests {
		if got := encodeEmbedding(tt.in); got != tt.want {
			t.Errorf("encodeEmbedding(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRequiresConnection(t *testing.T) {
	if _, err := New(Config{Dimension: 3}); err == nil {
		t.Fatal("expected error without DSN or DB")
	}
	if _, err := New(Config{DSN: "postgres://x", Dimension: 0}); err == nil {
		t.Fatal("expected error for zero dimension")
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS memory_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id FROM memory_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("001_extension"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "memory_vectors"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO memory_schema_migrations").WithArgs("002_memory_vectors").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if _, err := New(Config{DB: db, Dimension: 4, RunMigrations: true}); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsert(t *testing.T) {
	b, mock := setupMockDB(t, 2)
	now := b.now()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "memory_vectors"`))
	prep.ExpectExec().
		WithArgs("chan", "1001", "ana", "hello", "[1,0]", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := b.Upsert(context.Background(), []models.MemoryVector{{
		ID:        "1001",
		Namespace: "chan",
		Embedding: []float32{1, 0},
		Metadata:  models.MemoryMetadata{AuthorDisplayName: "ana", Content: "hello"},
	}})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertRollsBackOnError(t *testing.T) {
	b, mock := setupMockDB(t, 2)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "memory_vectors"`))
	prep.ExpectExec().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := b.Upsert(context.Background(), []models.MemoryVector{{ID: "1", Namespace: "c", Embedding: []float32{1, 1}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryScopesToNamespace(t *testing.T) {
	b, mock := setupMockDB(t, 2)

	rows := sqlmock.NewRows([]string{"id", "author_display_name", "content", "similarity"}).
		AddRow("2", "bo", "closest", 0.98).
		AddRow("1", "ana", "further", 0.5)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE namespace = $2")).
		WithArgs("[1,0]", "chan", 2).
		WillReturnRows(rows)

	matches, err := b.Query(context.Background(), "chan", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "2" || matches[0].Metadata.AuthorDisplayName != "bo" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Score < 0.97 {
		t.Fatalf("score = %v", matches[0].Score)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryRequiresNamespace(t *testing.T) {
	b, _ := setupMockDB(t, 2)
	if _, err := b.Query(context.Background(), "", []float32{1, 0}, 3); !errors.Is(err, backend.ErrNamespaceRequired) {
		t.Fatalf("error = %v", err)
	}
}

func TestCloseLeavesSharedDBOpen(t *testing.T) {
	b, mock := setupMockDB(t, 2)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "memory_vectors"`)).
		WithArgs("chan").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	n, err := b.Count(context.Background(), "chan")
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
}
