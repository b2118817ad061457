package scheduler

import (
	"context"
	"time"

	"order-reconciler/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const pruneLockName = "correlation-index-prune"

// Pruneable is the part of the correlation index the pruner drives
type Pruneable interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// Locker provides a cluster-wide mutex so one replica prunes at a time
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Pruner periodically drops resolved payment refs older than the retention
type Pruner struct {
	index     Pruneable
	locker    Locker
	retention time.Duration
	timeout   time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// NewPruner creates a pruner; locker may be nil for a single replica
func NewPruner(index Pruneable, locker Locker, retention time.Duration) *Pruner {
	return &Pruner{
		index:     index,
		locker:    locker,
		retention: retention,
		timeout:   5 * time.Minute,
		cron:      cron.New(cron.WithSeconds()),
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Start schedules the prune job on spec (cron with seconds field)
func (p *Pruner) Start(spec string) error {
	if _, err := p.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.RunOnce(ctx)
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("Correlation index pruner started",
		zap.String("schedule", spec),
		zap.Duration("retention", p.retention))
	return nil
}

// RunOnce prunes now and returns how many refs were dropped
func (p *Pruner) RunOnce(ctx context.Context) int {
	if p.locker != nil {
		unlock, err := p.locker.TryLock(ctx, pruneLockName, p.timeout)
		if err != nil {
			p.logger.Info("Skipping prune, another replica holds the lock", zap.Error(err))
			return 0
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				p.logger.Warn("Failed to release prune lock", zap.Error(err))
			}
		}()
	}

	cutoff := p.now().Add(-p.retention)
	n, err := p.index.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("Correlation index prune failed", zap.Error(err))
	}
	if n > 0 {
		util.CorrelationPrunedTotal.Add(float64(n))
	}
	p.logger.Info("Correlation index pruned",
		zap.Int("removed", n),
		zap.Time("cutoff", cutoff))
	return n
}

// Stop stops the cron and waits for a running prune
func (p *Pruner) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("Correlation index pruner stopped")
}
