package memstore

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often Claim scans for expired claims
const sweepInterval = time.Minute

type claim struct {
	orderID   string
	expiresAt time.Time
}

// RequestCache is an in-memory order request deduplication cache
type RequestCache struct {
	mu        sync.Mutex
	claims    map[string]claim
	nextSweep time.Time
	now       func() time.Time
}

// NewRequestCache creates an empty request cache
func NewRequestCache() *RequestCache {
	return &RequestCache{
		claims: make(map[string]claim),
		now:    time.Now,
	}
}

func (c *RequestCache) Claim(ctx context.Context, key, orderID string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(sweepInterval)
	}

	if existing, ok := c.claims[key]; ok && now.Before(existing.expiresAt) {
		return existing.orderID, false, nil
	}
	c.claims[key] = claim{orderID: orderID, expiresAt: now.Add(ttl)}
	return orderID, true, nil
}

func (c *RequestCache) Release(ctx context.Context, key, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.claims[key]; ok && existing.orderID == orderID {
		delete(c.claims, key)
	}
	return nil
}

func (c *RequestCache) sweep(now time.Time) {
	for key, cl := range c.claims {
		if !now.Before(cl.expiresAt) {
			delete(c.claims, key)
		}
	}
}
