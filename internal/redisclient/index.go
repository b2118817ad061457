package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"order-reconciler/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/put_ref.lua
var putRefScript string

//go:embed scripts/prune_refs.lua
var pruneRefsScript string

const (
	refKeyPrefix    = "payref:"
	resolvedRefsKey = "payref:resolved"
	pruneBatchSize  = 500
)

// CorrelationIndex maps payment refs to order IDs in Redis.
// Resolved refs are tracked in a sorted set so Prune can drop them later.
type CorrelationIndex struct {
	rdb         *redis.Client
	putScript   *redis.Script
	pruneScript *redis.Script
}

// NewCorrelationIndex creates a correlation index on c
func NewCorrelationIndex(c *Client) *CorrelationIndex {
	return &CorrelationIndex{
		rdb:         c.rdb,
		putScript:   redis.NewScript(putRefScript),
		pruneScript: redis.NewScript(pruneRefsScript),
	}
}

// Put atomically binds paymentRef to orderID
func (ix *CorrelationIndex) Put(ctx context.Context, paymentRef, orderID string) error {
	ok, err := ix.putScript.Run(ctx, ix.rdb, []string{refKeyPrefix + paymentRef}, orderID).Int()
	if err != nil {
		return fmt.Errorf("put ref script failed: %w", err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %s", models.ErrDuplicateRef, paymentRef)
	}
	return nil
}

// Lookup returns the order bound to paymentRef
func (ix *CorrelationIndex) Lookup(ctx context.Context, paymentRef string) (string, error) {
	orderID, err := ix.rdb.Get(ctx, refKeyPrefix+paymentRef).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: payment ref %s", models.ErrNotFound, paymentRef)
	}
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// MarkResolved records when the ref's order reached a terminal state.
// The first resolution time is kept.
func (ix *CorrelationIndex) MarkResolved(ctx context.Context, paymentRef string, at time.Time) error {
	return ix.rdb.ZAddNX(ctx, resolvedRefsKey, &redis.Z{
		Score:  float64(at.Unix()),
		Member: paymentRef,
	}).Err()
}

// Prune removes refs resolved before olderThan
func (ix *CorrelationIndex) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := strconv.FormatInt(olderThan.Unix(), 10)
	total := 0
	for {
		n, err := ix.pruneScript.Run(ctx, ix.rdb, []string{resolvedRefsKey},
			cutoff, pruneBatchSize, refKeyPrefix).Int()
		if err != nil {
			return total, fmt.Errorf("prune refs script failed: %w", err)
		}
		total += n
		if n < pruneBatchSize {
			return total, nil
		}
	}
}
