package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"github.com/bitleak/lmstfy/client"
	"go.uber.org/zap"
)

// LmstfyConfig configures the delay-queue scheduler
type LmstfyConfig struct {
	Host      string
	Port      int
	Namespace string
	Token     string
	Queue     string
	// Tries is how many times a job is redelivered if not acked
	Tries uint16
	// TTR is how long a consumed job stays invisible before redelivery
	TTR time.Duration
	// PollTimeout bounds each blocking consume call
	PollTimeout time.Duration
}

type timeoutJob struct {
	OrderID string    `json:"order_id"`
	DueAt   time.Time `json:"due_at"`
}

// LmstfyScheduler arms timeouts as delayed jobs in an lmstfy queue,
// so pending timeouts survive a restart. Cancel is a no-op: the
// reconciler re-reads the order when the job fires.
type LmstfyScheduler struct {
	cli     *client.LmstfyClient
	cfg     LmstfyConfig
	handler TimeoutHandler
	logger  *zap.Logger
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLmstfyScheduler creates a scheduler publishing to cfg.Queue
func NewLmstfyScheduler(cfg LmstfyConfig, handler TimeoutHandler) *LmstfyScheduler {
	if cfg.Tries == 0 {
		cfg.Tries = 3
	}
	if cfg.TTR <= 0 {
		cfg.TTR = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 3 * time.Second
	}
	return &LmstfyScheduler{
		cli:     client.NewLmstfyClient(cfg.Host, cfg.Port, cfg.Namespace, cfg.Token),
		cfg:     cfg,
		handler: handler,
		logger:  util.GetLogger(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Schedule publishes a job that becomes visible at at
func (s *LmstfyScheduler) Schedule(ctx context.Context, orderID string, at time.Time) error {
	data, err := json.Marshal(timeoutJob{OrderID: orderID, DueAt: at.UTC()})
	if err != nil {
		return err
	}

	jobID, err := s.cli.Publish(s.cfg.Queue, data, 0, s.cfg.Tries, delaySeconds(s.now(), at))
	if err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}

	s.logger.Debug("Payment timeout scheduled",
		zap.String("order_id", orderID),
		zap.String("job_id", jobID),
		zap.Time("due_at", at))
	return nil
}

// Cancel is a no-op; a fired job for a resolved order does nothing
func (s *LmstfyScheduler) Cancel(ctx context.Context, orderID string) {}

// Start begins consuming due timeout jobs
func (s *LmstfyScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.consume(ctx)
	s.logger.Info("Lmstfy timeout scheduler started", zap.String("queue", s.cfg.Queue))
}

func (s *LmstfyScheduler) consume(ctx context.Context) {
	defer s.wg.Done()

	ttr := uint32(s.cfg.TTR / time.Second)
	timeout := uint32(s.cfg.PollTimeout / time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		job, err := s.cli.Consume(s.cfg.Queue, ttr, timeout)
		if err != nil {
			s.logger.Error("Lmstfy consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		if s.process(ctx, job.Data) {
			if err := s.cli.Ack(s.cfg.Queue, job.ID); err != nil {
				s.logger.Error("Lmstfy ack failed",
					zap.String("job_id", job.ID),
					zap.Error(err))
			}
		}
	}
}

// process runs one timeout job and reports whether it is done with
func (s *LmstfyScheduler) process(ctx context.Context, data []byte) bool {
	var job timeoutJob
	if err := json.Unmarshal(data, &job); err != nil {
		s.logger.Error("Dropping malformed timeout job", zap.Error(err))
		return true
	}

	handleCtx, cancel := context.WithTimeout(ctx, s.cfg.TTR)
	defer cancel()

	_, err := s.handler.HandleTimeout(handleCtx, job.OrderID)
	switch {
	case err == nil, errors.Is(err, models.ErrNotFound):
		return true
	case errors.Is(err, models.ErrOrderAlreadyFinalized):
		return true
	default:
		// left unacked; lmstfy redelivers after TTR
		s.logger.Warn("Payment timeout handling failed, will retry",
			zap.String("order_id", job.OrderID),
			zap.Error(err))
		return false
	}
}

// Stop stops consuming
func (s *LmstfyScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Lmstfy timeout scheduler stopped")
}

// delaySeconds rounds the wait until at up to whole seconds
func delaySeconds(now, at time.Time) uint32 {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(math.Ceil(d.Seconds()))
}
