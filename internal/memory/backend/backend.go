// Package backend defines the vector store contract shared by the memory
// backends.
//
// Every call is scoped to a namespace (the channel id). Vectors written under
// one namespace are never returned by a query against another.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/haasonsaas/archivist/pkg/models"
)

// ErrNamespaceRequired is returned when a call omits the namespace.
var ErrNamespaceRequired = errors.New("namespace is required")

// Backend defines the interface for vector storage backends.
type Backend interface {
	// Upsert stores vectors, overwriting any existing vector with the same
	// (namespace, id).
	Upsert(ctx context.Context, vectors []models.MemoryVector) error

	// Query returns at most topK matches in namespace, best first.
	Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]models.MemoryMatch, error)

	// Count returns the number of vectors stored in namespace.
	Count(ctx context.Context, namespace string) (int64, error)

	// Close releases resources.
	Close() error
}

// ValidateVectors checks that every vector names a namespace and an id and
// carries an embedding of the expected dimension. A dimension of 0 skips the
// length check.
func ValidateVectors(vectors []models.MemoryVector, dimension int) error {
	for i := range vectors {
		v := &vectors[i]
		if v.Namespace == "" {
			return ErrNamespaceRequired
		}
		if v.ID == "" {
			return errors.New("vector id is required")
		}
		if len(v.Embedding) == 0 {
			return fmt.Errorf("vector %s has no embedding", v.ID)
		}
		if dimension > 0 && len(v.Embedding) != dimension {
			return &DimensionError{ID: v.ID, Got: len(v.Embedding), Want: dimension}
		}
	}
	return nil
}

// DimensionError reports an embedding whose length does not match the store.
type DimensionError struct {
	ID   string
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector %s has dimension %d, want %d", e.ID, e.Got, e.Want)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors differ in length or either is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// SortMatches orders matches best first, breaking score ties by id so results
// are deterministic.
func SortMatches(matches []models.MemoryMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}
