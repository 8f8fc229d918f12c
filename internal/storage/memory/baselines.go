package memory

import (
	"context"
	"sync"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/storage"
)

// BaselineStore keeps user baselines in a map
type BaselineStore struct {
	mu        sync.Mutex
	baselines map[string]*domain.UserBaseline
}

var _ storage.BaselineStore = (*BaselineStore)(nil)

// NewBaselineStore creates an empty baseline store
func NewBaselineStore() *BaselineStore {
	return &BaselineStore{
		baselines: make(map[string]*domain.UserBaseline),
	}
}

// Get returns a copy of the user's baseline
func (b *BaselineStore) Get(ctx context.Context, userID string) (*domain.UserBaseline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if bl, ok := b.baselines[userID]; ok {
		return bl.Clone(), nil
	}
	return domain.NewUserBaseline(userID), nil
}

// Update runs fn on a copy and keeps it only if fn succeeds
func (b *BaselineStore) Update(ctx context.Context, userID string, fn func(*domain.UserBaseline) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.baselines[userID]
	if !ok {
		current = domain.NewUserBaseline(userID)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	b.baselines[userID] = next
	return nil
}

// Reset drops every baseline
func (b *BaselineStore) Reset(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := int64(len(b.baselines))
	b.baselines = make(map[string]*domain.UserBaseline)
	return n, nil
}

// Close is a no-op
func (b *BaselineStore) Close() error {
	return nil
}
