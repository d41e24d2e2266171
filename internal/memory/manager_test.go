package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// keywordEmbedder maps texts onto three topic axes so similarity is predictable.
type keywordEmbedder struct {
	mu        sync.Mutex
	calls     int
	failOn    string // EmbedBatch fails when any input contains this
	batchSize int
	embedErr  error
}

func (e *keywordEmbedder) vector(text string) []float32 {
	v := []float32{0.01, 0.01, 0.01}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		switch strings.Trim(w, "?!.,") {
		case "cat", "cats":
			v[0]++
		case "dog", "dogs":
			v[1]++
		case "car", "cars":
			v[2]++
		}
	}
	return v
}

func (e *keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.embedErr != nil {
		return nil, e.embedErr
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, errors.New("provider unavailable")
		}
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Name() string      { return "keyword" }
func (e *keywordEmbedder) Dimension() int    { return 3 }
func (e *keywordEmbedder) MaxBatchSize() int { return e.batchSize }

func msg(id, channel, author, content string) *models.Message {
	return &models.Message{
		ID:                id,
		ChannelID:         channel,
		AuthorID:          "u-" + author,
		AuthorDisplayName: author,
		Content:           content,
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		Backend:   "sqlite-vec",
		Dimension: 3,
		CacheSize: 100,
		Indexing:  config.IndexingConfig{BatchSize: 2, Concurrency: 2},
		Search:    config.SearchConfig{Mode: "semantic", TopK: 2, RecencyWindow: 10},
	}
}

func newTestManager(t *testing.T, emb *keywordEmbedder, cfg config.MemoryConfig, messages storage.MessageStore) *Manager {
	t.Helper()
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 3})
	if err != nil {
		t.Fatalf("sqlitevec.New() error = %v", err)
	}
	m, err := New(b, emb, cfg, Options{Messages: messages})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestIndexSkipsEmptyContent(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	m := newTestManager(t, emb, testMemoryConfig(), nil)
	ctx := context.Background()

	res := m.Index(ctx, []*models.Message{
		msg("1", "chan", "ana", "my cat sleeps"),
		msg("2", "chan", "bo", "   "),
		msg("3", "chan", "cy", "the car broke"),
	})
	if res.Indexed != 2 || res.Empty != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	count, err := m.backend.Count(ctx, "chan")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("vectors = %d, want 2", count)
	}
}

func TestIndexContinuesAfterFailedSubBatch(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10, failOn: "poison"}
	m := newTestManager(t, emb, testMemoryConfig(), nil) // BatchSize 2
	ctx := context.Background()

	res := m.Index(ctx, []*models.Message{
		msg("1", "chan", "ana", "poison pill"),
		msg("2", "chan", "ana", "cat one"),
		msg("3", "chan", "ana", "cat two"),
		msg("4", "chan", "ana", "dog three"),
		msg("5", "chan", "ana", "car four"),
	})
	if res.Failed != 2 || res.Indexed != 3 {
		t.Fatalf("result = %+v, want 2 failed and 3 indexed", res)
	}
}

func TestIndexReindexOverwrites(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	m := newTestManager(t, emb, testMemoryConfig(), nil)
	ctx := context.Background()

	m.Index(ctx, []*models.Message{msg("1", "chan", "ana", "cat")})
	m.Index(ctx, []*models.Message{msg("1", "chan", "ana", "cat")})

	count, _ := m.backend.Count(ctx, "chan")
	if count != 1 {
		t.Fatalf("vectors = %d, want 1", count)
	}
}

func TestSemanticRetrieveIsNamespaced(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	m := newTestManager(t, emb, testMemoryConfig(), nil)
	ctx := context.Background()

	m.Index(ctx, []*models.Message{
		msg("1", "a", "ana", "cats are great"),
		msg("2", "a", "bo", "dogs bark"),
		msg("3", "a", "cy", "cars go fast"),
		msg("4", "b", "di", "cat secrets from channel b"),
	})

	items := m.Retrieve(ctx, "tell me about cats", "a")
	if len(items) != 2 {
		t.Fatalf("got %d items, want top-k 2", len(items))
	}
	if items[0].AuthorDisplayName != "ana" || items[0].Content != "cats are great" {
		t.Fatalf("best item = %+v", items[0])
	}
	for _, it := range items {
		if strings.Contains(it.Content, "channel b") {
			t.Fatalf("leaked item from another namespace: %+v", it)
		}
	}
}

func TestSemanticRetrieveDegradesToEmpty(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	m := newTestManager(t, emb, testMemoryConfig(), nil)
	ctx := context.Background()
	m.Index(ctx, []*models.Message{msg("1", "a", "ana", "cat")})

	emb.embedErr = errors.New("quota exceeded")
	if items := m.Retrieve(ctx, "uncached query about dogs", "a"); len(items) != 0 {
		t.Fatalf("items = %v, want none", items)
	}
}

func TestSemanticRetrieveCachesQueryEmbedding(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	r, err := NewSemanticRetriever(b, emb, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	r.Retrieve(ctx, "cats?", "a", 3)
	r.cache.Wait()
	r.Retrieve(ctx, "cats?", "a", 3)

	if emb.calls != 1 {
		t.Fatalf("embed calls = %d, want 1", emb.calls)
	}
}

func TestSemanticRetrieveCacheHoldsManyQueries(t *testing.T) {
	emb := &keywordEmbedder{batchSize: 10}
	b, err := sqlitevec.New(sqlitevec.Config{Dimension: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	r, err := NewSemanticRetriever(b, emb, 1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		r.Retrieve(ctx, fmt.Sprintf("question %d about cats?", i), "a", 3)
	}
	r.cache.Wait()
	first := emb.calls
	for i := 0; i < 50; i++ {
		r.Retrieve(ctx, fmt.Sprintf("question %d about cats?", i), "a", 3)
	}
	if emb.calls != first {
		t.Fatalf("repeated queries made %d embed calls, want 0", emb.calls-first)
	}
}

func TestRecencyRetrieverWhenDisabled(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_, err := store.ArchiveBatch(ctx, []*models.Message{
		msg("1", "chan", "ana", "first"),
		msg("2", "chan", "bo", ""),
		msg("3", "chan", "cy", "third"),
		msg("4", "other", "di", "elsewhere"),
	}, "cursor")
	if err != nil {
		t.Fatal(err)
	}

	disabled := false
	cfg := testMemoryConfig()
	cfg.Enabled = &disabled
	m, err := NewManager(ctx, cfg, Options{Messages: store})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if res := m.Index(ctx, []*models.Message{msg("5", "chan", "ana", "x")}); res != (IndexResult{}) {
		t.Fatalf("disabled index result = %+v", res)
	}
	items := m.Retrieve(ctx, "anything", "chan")
	if len(items) != 2 || items[0].Content != "first" || items[1].Content != "third" {
		t.Fatalf("items = %+v", items)
	}
}

func TestReindexWalksArchive(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	var batch []*models.Message
	for i, c := range []string{"cat", "dog", "car", "", "cat dog"} {
		batch = append(batch, msg(string(rune('1'+i)), "chan", "ana", c))
	}
	if _, err := store.ArchiveBatch(ctx, batch, "cursor"); err != nil {
		t.Fatal(err)
	}

	emb := &keywordEmbedder{batchSize: 10}
	m := newTestManager(t, emb, testMemoryConfig(), store)

	res, err := m.Reindex(ctx, "chan", 2)
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if res.Indexed != 4 || res.Empty != 1 {
		t.Fatalf("result = %+v", res)
	}
	stats, err := m.Stats(ctx, "chan")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Vectors != 4 || !stats.Enabled || stats.EmbeddingProvider != "keyword" {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestNewManagerRejectsUnknownBackend(t *testing.T) {
	cfg := testMemoryConfig()
	cfg.Backend = "lance"
	if _, err := NewManager(context.Background(), cfg, Options{}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
