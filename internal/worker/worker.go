package worker

import (
	"context"
	"errors"
	"time"

	"order-reconciler/internal/broker"
	"order-reconciler/internal/gateway"
	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"go.uber.org/zap"
)

// CallbackHandler applies a parsed callback to its order
type CallbackHandler interface {
	HandleCallback(ctx context.Context, cb *models.PaymentCallback) (*models.Order, error)
}

// CallbackProcessor turns a raw callback body into a HandleCallback call
type CallbackProcessor struct {
	handler     CallbackHandler
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewCallbackProcessor creates a processor that tries a callback up to maxAttempts times
// while the reconciler reports a conflict or an unavailable dependency
func NewCallbackProcessor(handler CallbackHandler, maxAttempts int, backoff time.Duration) *CallbackProcessor {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &CallbackProcessor{
		handler:     handler,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      util.GetLogger(),
	}
}

// Process parses and applies one callback.
// It returns an error only when redelivery could succeed.
func (p *CallbackProcessor) Process(ctx context.Context, provider string, payload []byte) error {
	cb, err := gateway.ParseCallback(provider, payload)
	if err != nil {
		util.CallbacksTotal.WithLabelValues("malformed").Inc()
		util.AnomaliesTotal.WithLabelValues("malformed_callback").Inc()
		p.logger.Warn("Dropping unparseable payment callback",
			util.Anomaly("malformed_callback"),
			zap.String("provider", provider),
			zap.ByteString("payload", payload),
			zap.Error(err))
		return nil
	}

	for attempt := 1; ; attempt++ {
		_, err = p.handler.HandleCallback(ctx, cb)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrOrderAlreadyFinalized):
			// orphan, stale or late: logged by the reconciler, nothing to retry
			return nil
		case Retryable(err) && attempt < p.maxAttempts:
			p.logger.Debug("Callback not applied, retrying",
				zap.String("payment_ref", cb.PaymentRef),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		default:
			p.logger.Error("Failed to apply payment callback",
				zap.String("payment_ref", cb.PaymentRef),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
	}
}

// Retryable reports whether applying a callback again may succeed
func Retryable(err error) bool {
	return errors.Is(err, models.ErrConflict) || errors.Is(err, models.ErrUnavailable)
}

// CallbackWorker consumes raw callbacks from Kafka
type CallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer *broker.Consumer, processor *CallbackProcessor) *CallbackWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnCallbackReceived(func(ctx context.Context, e *models.CallbackReceivedEvent) error {
		return processor.Process(ctx, e.Provider, e.Payload)
	})

	return &CallbackWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker; it blocks until ctx is cancelled
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}
