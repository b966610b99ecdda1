package memory

import (
	"context"

	"github.com/finchbot/finch/pkg/models"
)

// NoneStore discards everything. It exists so the runtime can run with
// memory disabled and so tests can inject a trivial backend.
type NoneStore struct{}

// NewNoneStore returns the noop backend.
func NewNoneStore() *NoneStore { return &NoneStore{} }

func (n *NoneStore) Store(context.Context, string, string, models.MemoryCategory, []float32) error {
	return nil
}

func (n *NoneStore) Recall(context.Context, string, int, models.MemoryCategory) ([]models.ScoredEntry, error) {
	return nil, nil
}

func (n *NoneStore) Forget(context.Context, string) error { return nil }

func (n *NoneStore) Count(context.Context) (int, error) { return 0, nil }

func (n *NoneStore) Close() error { return nil }
