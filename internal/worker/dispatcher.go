package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"order-reconciler/internal/util"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the dispatcher cannot accept more callbacks
var ErrQueueFull = errors.New("callback queue full")

// ErrDispatcherStopped is returned by Submit after Stop
var ErrDispatcherStopped = errors.New("callback dispatcher stopped")

type callbackJob struct {
	provider string
	payload  []byte
}

// Dispatcher is an in-process callback queue drained by a fixed worker pool,
// used when no Kafka broker is configured
type Dispatcher struct {
	processor *CallbackProcessor
	workers   int
	jobs      chan callbackJob
	logger    *zap.Logger

	redeliveryLimit   int
	redeliveryBackoff time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with workers goroutines and a queue of size buffer
func NewDispatcher(processor *CallbackProcessor, workers, buffer int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		processor: processor,
		workers:   workers,
		jobs:      make(chan callbackJob, buffer),
		logger:    util.GetLogger(),

		redeliveryLimit:   10,
		redeliveryBackoff: time.Second,
	}
}

// WithRedelivery sets how many times a failed callback is processed again
// and the base delay between rounds
func (d *Dispatcher) WithRedelivery(limit int, backoff time.Duration) *Dispatcher {
	if limit > 0 {
		d.redeliveryLimit = limit
	}
	d.redeliveryBackoff = backoff
	return d
}

// Submit enqueues a raw callback without blocking
func (d *Dispatcher) Submit(ctx context.Context, provider string, payload []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.jobs <- callbackJob{provider: provider, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool.
// Cancelling ctx stops redelivery backoff; queued callbacks are still processed until Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
	d.logger.Info("Callback dispatcher started", zap.Int("workers", d.workers))
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(ctx, job)
	}
}

// deliver processes job until it succeeds, the redelivery limit is reached or ctx ends
func (d *Dispatcher) deliver(ctx context.Context, job callbackJob) {
	processCtx := context.WithoutCancel(ctx)
	for round := 1; ; round++ {
		err := d.processor.Process(processCtx, job.provider, job.payload)
		if err == nil {
			return
		}
		if round >= d.redeliveryLimit {
			d.deadLetter(job, round, err)
			return
		}

		delay := util.Backoff(d.redeliveryBackoff, round)
		d.logger.Warn("Callback processing failed, redelivering",
			zap.String("provider", job.provider),
			zap.Int("round", round),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			d.deadLetter(job, round, err)
			return
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) deadLetter(job callbackJob, rounds int, err error) {
	util.CallbacksTotal.WithLabelValues("dead_letter").Inc()
	util.AnomaliesTotal.WithLabelValues("callback_dead_letter").Inc()
	d.logger.Error("Giving up on payment callback",
		util.Anomaly("callback_dead_letter"),
		zap.String("provider", job.provider),
		zap.ByteString("payload", job.payload),
		zap.Int("rounds", rounds),
		zap.Error(err))
}

// Stop refuses new callbacks and waits for queued ones to finish
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Callback dispatcher stopped")
}
