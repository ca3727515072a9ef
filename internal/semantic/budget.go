package semantic

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyBudget limits in-flight embedding calls. It is owned by the
// caller and may be shared by several groupers to cap the total.
type ConcurrencyBudget struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewConcurrencyBudget allows at most limit concurrent calls
func NewConcurrencyBudget(limit int) *ConcurrencyBudget {
	if limit <= 0 {
		limit = 1
	}
	return &ConcurrencyBudget{sem: semaphore.NewWeighted(int64(limit)), limit: int64(limit)}
}

// Acquire blocks for a slot or until ctx is done
func (b *ConcurrencyBudget) Acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire embedding slot: %w", err)
	}
	return nil
}

// Release returns a slot
func (b *ConcurrencyBudget) Release() {
	b.sem.Release(1)
}

// Limit is the configured in-flight maximum
func (b *ConcurrencyBudget) Limit() int {
	return int(b.limit)
}
