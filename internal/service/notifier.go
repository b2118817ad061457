package service

import (
	"context"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"go.uber.org/zap"
)

// LogNotifier writes customer notifications to the log.
// Used when no chat transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new log notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger()}
}

// Notify logs the rendered notification
func (n *LogNotifier) Notify(ctx context.Context, msg models.Notification) error {
	n.logger.Info("Customer notification",
		zap.String("customer_ref", msg.CustomerRef),
		zap.String("order_id", msg.OrderID),
		zap.String("state", string(msg.NewState)),
		zap.String("message", msg.HumanSummary))
	return nil
}
