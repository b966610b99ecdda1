// Package memory provides the agent's long-term store with hybrid
// vector + keyword recall over pluggable backends.
package memory

import (
	"context"

	"github.com/finchbot/finch/pkg/models"
)

// Store is the contract every memory backend satisfies. A single writer is
// assumed at any moment; backends guard internally.
type Store interface {
	// Store inserts or overwrites the entry for key.
	Store(ctx context.Context, key, content string, category models.MemoryCategory, embedding []float32) error

	// Recall returns up to topK entries ordered by descending hybrid score.
	// category narrows the search when non-empty.
	Recall(ctx context.Context, query string, topK int, category models.MemoryCategory) ([]models.ScoredEntry, error)

	// Forget removes the entry for key, if any.
	Forget(ctx context.Context, key string) error

	// Count reports the number of stored entries.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Embedder turns text into a vector. Implementations must be pure for equal
// inputs so recall stays deterministic.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
