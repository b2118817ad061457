package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const requestKeyPrefix = "order-request:"

//go:embed scripts/release_request.lua
var releaseRequestScript string

// RequestCache deduplicates re-delivered order requests with SETNX
type RequestCache struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewRequestCache creates a request cache on c
func NewRequestCache(c *Client) *RequestCache {
	return &RequestCache{rdb: c.rdb, releaseScript: redis.NewScript(releaseRequestScript)}
}

// Claim binds key to orderID unless another order already holds it
func (rc *RequestCache) Claim(ctx context.Context, key, orderID string, ttl time.Duration) (string, bool, error) {
	k := requestKeyPrefix + key
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := rc.rdb.SetNX(ctx, k, orderID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("claim request key: %w", err)
		}
		if ok {
			return orderID, true, nil
		}

		existing, err := rc.rdb.Get(ctx, k).Result()
		if err == redis.Nil {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("read request key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("request key %s kept expiring", key)
}

// Release drops the claim orderID holds on key, if it still holds it
func (rc *RequestCache) Release(ctx context.Context, key, orderID string) error {
	if err := rc.releaseScript.Run(ctx, rc.rdb, []string{requestKeyPrefix + key}, orderID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release request key: %w", err)
	}
	return nil
}
