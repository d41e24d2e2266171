package sqlitevec

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/archivist/internal/memory/backend"
	"github.com/haasonsaas/archivist/pkg/models"
)

func newTestBackend(t *testing.T, dim int) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "memory.db"), Dimension: dim})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func vec(ns, id, content string, emb ...float32) models.MemoryVector {
	return models.MemoryVector{
		ID:        id,
		Namespace: ns,
		Embedding: emb,
		Metadata:  models.MemoryMetadata{AuthorDisplayName: "ana", Content: content},
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.125e-4}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestQueryRanksByCosine(t *testing.T) {
	b := newTestBackend(t, 2)
	ctx := context.Background()

	err := b.Upsert(ctx, []models.MemoryVector{
		vec("c1", "1", "east", 1, 0),
		vec("c1", "2", "north", 0, 1),
		vec("c1", "3", "northeast", 1, 1),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	matches, err := b.Query(ctx, "c1", []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0].ID != "1" || matches[1].ID != "3" {
		t.Fatalf("order = %s,%s", matches[0].ID, matches[1].ID)
	}
	if matches[0].Metadata.Content != "east" || matches[0].Metadata.AuthorDisplayName != "ana" {
		t.Fatalf("metadata = %+v", matches[0].Metadata)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	b := newTestBackend(t, 2)
	ctx := context.Background()

	if err := b.Upsert(ctx, []models.MemoryVector{vec("a", "1", "in a", 1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := b.Upsert(ctx, []models.MemoryVector{vec("b", "1", "in b", 1, 0)}); err != nil {
		t.Fatal(err)
	}

	matches, err := b.Query(ctx, "a", []float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Metadata.Content != "in a" {
		t.Fatalf("matches = %+v", matches)
	}
	if _, err := b.Query(ctx, "", []float32{1, 0}, 10); !errors.Is(err, backend.ErrNamespaceRequired) {
		t.Fatalf("empty namespace error = %v", err)
	}
}

func TestUpsertOverwritesByID(t *testing.T) {
	b := newTestBackend(t, 2)
	ctx := context.Background()

	for _, content := range []string{"first", "second"} {
		if err := b.Upsert(ctx, []models.MemoryVector{vec("c", "7", content, 0, 1)}); err != nil {
			t.Fatal(err)
		}
	}
	count, err := b.Count(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	matches, _ := b.Query(ctx, "c", []float32{0, 1}, 1)
	if matches[0].Metadata.Content != "second" {
		t.Fatalf("content = %q", matches[0].Metadata.Content)
	}
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	b := newTestBackend(t, 3)
	err := b.Upsert(context.Background(), []models.MemoryVector{vec("c", "1", "x", 1, 0)})
	var dimErr *backend.DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("error = %v, want DimensionError", err)
	}
}

func TestQueryEmptyNamespace(t *testing.T) {
	b := newTestBackend(t, 2)
	matches, err := b.Query(context.Background(), "nothing", []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %v", matches)
	}
}

func TestUpsertFailureRollsBack(t *testing.T) {
	b := newTestBackend(t, 2)
	ctx := context.Background()
	if _, err := b.db.ExecContext(ctx, `
		CREATE TRIGGER reject_poison BEFORE INSERT ON memory_vectors
		WHEN NEW.id = 'poison'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`); err != nil {
		t.Fatal(err)
	}

	err := b.Upsert(ctx, []models.MemoryVector{
		vec("chan", "1", "kept only if committed", 1, 0),
		vec("chan", "poison", "rejected", 0, 1),
	})
	if err == nil {
		t.Fatal("expected error from rejected row")
	}

	// The single connection must be free again; a leaked transaction blocks here.
	qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	matches, err := b.Query(qctx, "chan", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Query() after failed upsert error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %+v, want none from the rolled back batch", matches)
	}
	if err := b.Upsert(qctx, []models.MemoryVector{vec("chan", "2", "later", 1, 0)}); err != nil {
		t.Fatalf("Upsert() after failure error = %v", err)
	}
}
