package billing

import (
	"context"
	"sync"
)

// MemoryOperatorQueue keeps operator items in process. Suitable for a single
// instance and for tests; storage/redis provides a shared queue.
type MemoryOperatorQueue struct {
	mu    sync.Mutex
	items []*OperatorItem
}

// NewMemoryOperatorQueue creates an empty queue.
func NewMemoryOperatorQueue() *MemoryOperatorQueue {
	return &MemoryOperatorQueue{}
}

func (q *MemoryOperatorQueue) Push(_ context.Context, item *OperatorItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *item
	q.items = append(q.items, &c)
	return nil
}

// List returns up to limit items, oldest first. limit <= 0 returns everything.
func (q *MemoryOperatorQueue) List(_ context.Context, limit int) ([]*OperatorItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*OperatorItem, 0, n)
	for _, item := range q.items[:n] {
		c := *item
		out = append(out, &c)
	}
	return out, nil
}
