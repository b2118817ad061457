package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"go.uber.org/zap"
)

// TimeoutHandler is invoked when an order's payment grace period has elapsed
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, orderID string) (*models.Order, error)
}

// TimerScheduler keeps one in-process timer per order.
// Timers do not survive a restart; the reconciler re-arms them on startup.
type TimerScheduler struct {
	handler        TimeoutHandler
	handlerTimeout time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	timers map[string]armed
	seq    uint64
	wg     sync.WaitGroup
	closed bool
}

type armed struct {
	timer *time.Timer
	seq   uint64
}

// NewTimerScheduler creates a timer scheduler that calls handler
func NewTimerScheduler(handler TimeoutHandler, handlerTimeout time.Duration) *TimerScheduler {
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &TimerScheduler{
		handler:        handler,
		handlerTimeout: handlerTimeout,
		logger:         util.GetLogger(),
		timers:         make(map[string]armed),
	}
}

// Schedule arms the timeout for orderID at at, replacing any earlier one
func (s *TimerScheduler) Schedule(ctx context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("timer scheduler stopped")
	}
	if a, ok := s.timers[orderID]; ok {
		a.timer.Stop()
	}

	s.seq++
	seq := s.seq
	s.timers[orderID] = armed{
		timer: time.AfterFunc(time.Until(at), func() { s.fire(orderID, seq) }),
		seq:   seq,
	}
	return nil
}

// Cancel disarms the timeout for orderID
func (s *TimerScheduler) Cancel(ctx context.Context, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.timers[orderID]; ok {
		a.timer.Stop()
		delete(s.timers, orderID)
	}
}

// Pending returns the number of armed timers
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) fire(orderID string, seq uint64) {
	s.mu.Lock()
	if a, ok := s.timers[orderID]; s.closed || !ok || a.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, orderID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()

	if _, err := s.handler.HandleTimeout(ctx, orderID); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("Payment timeout handling failed",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

// Stop disarms every timer and waits for running handlers
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Timer scheduler stopped")
}
