package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-reconciler/internal/models"
)

type indexEntry struct {
	orderID    string
	resolvedAt time.Time
}

// Index is an in-memory correlation index
type Index struct {
	mu      sync.RWMutex
	entries map[string]*indexEntry
}

// NewIndex creates an empty correlation index
func NewIndex() *Index {
	return &Index{entries: make(map[string]*indexEntry)}
}

func (ix *Index) Put(ctx context.Context, paymentRef, orderID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.entries[paymentRef]; ok {
		if e.orderID != orderID {
			return fmt.Errorf("%w: %s belongs to order %s", models.ErrDuplicateRef, paymentRef, e.orderID)
		}
		return nil
	}
	ix.entries[paymentRef] = &indexEntry{orderID: orderID}
	return nil
}

func (ix *Index) Lookup(ctx context.Context, paymentRef string) (string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.entries[paymentRef]
	if !ok {
		return "", fmt.Errorf("%w: payment ref %s", models.ErrNotFound, paymentRef)
	}
	return e.orderID, nil
}

func (ix *Index) MarkResolved(ctx context.Context, paymentRef string, at time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if e, ok := ix.entries[paymentRef]; ok && e.resolvedAt.IsZero() {
		e.resolvedAt = at
	}
	return nil
}

// Prune drops refs resolved before olderThan; unresolved refs are kept
func (ix *Index) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := 0
	for ref, e := range ix.entries {
		if !e.resolvedAt.IsZero() && e.resolvedAt.Before(olderThan) {
			delete(ix.entries, ref)
			n++
		}
	}
	return n, nil
}
