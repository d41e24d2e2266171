package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/archivist/internal/channels"
)

func vectorServer(t *testing.T, dim int, calls *int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Truncate {
			t.Error("truncate not requested")
		}
		var resp embedResponse
		for i := range req.Input {
			v := make([]float32, dim)
			v[0] = float32(i + 1)
			resp.Embeddings = append(resp.Embeddings, v)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDimension(t *testing.T) {
	tests := []struct {
		cfg  Config
		want int
	}{
		{Config{}, 768},
		{Config{Model: "mxbai-embed-large"}, 1024},
		{Config{Model: "all-minilm:l6-v2"}, 384},
		{Config{Model: "custom", Dimension: 512}, 512},
	}
	for _, tt := range tests {
		p, _ := New(tt.cfg)
		if got := p.Dimension(); got != tt.want {
			t.Errorf("Dimension(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestEmbedBatchSingleRequest(t *testing.T) {
	calls := 0
	server := vectorServer(t, 4, &calls)
	p, _ := New(Config{BaseURL: server.URL + "/", Dimension: 4})

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if calls != 1 || len(vectors) != 3 || vectors[2][0] != 3 {
		t.Fatalf("calls = %d, vectors = %v", calls, vectors)
	}
	if out, err := p.EmbedBatch(context.Background(), nil); err != nil || out != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", out, err)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	calls := 0
	server := vectorServer(t, 3, &calls)
	p, _ := New(Config{BaseURL: server.URL, Dimension: 4})
	if _, err := p.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected dimension error")
	}
}

func TestEmbedClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", tt.status)
		}))
		p, _ := New(Config{BaseURL: server.URL})
		_, err := p.Embed(context.Background(), "hello")
		server.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := channels.IsTransient(err); got != tt.transient {
			t.Errorf("status %d: transient = %v, want %v (%v)", tt.status, got, tt.transient, err)
		}
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1]]}`))
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL, Dimension: 1})
	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error for missing embedding")
	}
}

func TestEmbedCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Embed(ctx, "hello"); err == nil {
		t.Error("expected error for cancelled context")
	}
}
