package service

import (
	"context"
	"time"

	"order-reconciler/internal/models"
)

// OrderStore is the durable source of truth for orders.
// CompareAndTransition is the only mutation path used by the Reconciler.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
	CompareAndTransition(ctx context.Context, orderID string, expected models.OrderState, m models.Mutation) (*models.Order, error)
	ListByState(ctx context.Context, state models.OrderState) ([]models.Order, error)
	Transitions(ctx context.Context, orderID string) ([]models.Transition, error)
	RecordCallback(ctx context.Context, rec *models.CallbackRecord) error
}

// CorrelationIndex maps gateway payment refs to order IDs
type CorrelationIndex interface {
	Put(ctx context.Context, paymentRef, orderID string) error
	Lookup(ctx context.Context, paymentRef string) (string, error)
	MarkResolved(ctx context.Context, paymentRef string, at time.Time) error
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// InitiationRequest is sent to the gateway to start a payment
type InitiationRequest struct {
	OrderID     string
	Amount      int64
	CustomerRef string
}

// PaymentGateway starts an asynchronous payment and returns the gateway ref.
// The result arrives later as a callback.
type PaymentGateway interface {
	Initiate(ctx context.Context, req InitiationRequest) (string, error)
}

// Catalog resolves a sku into a priced line item if the quantity is available
type Catalog interface {
	Quote(ctx context.Context, sku string, quantity int) (models.LineItem, error)
}

// Notifier delivers a customer message; failures never affect state
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// EventPublisher emits transition events to the audit stream
type EventPublisher interface {
	PublishTransition(ctx context.Context, event *models.TransitionEvent) error
}

// TimeoutScheduler arms a deferred HandleTimeout for an order
type TimeoutScheduler interface {
	Schedule(ctx context.Context, orderID string, at time.Time) error
	Cancel(ctx context.Context, orderID string)
}

// RequestCache deduplicates re-delivered order requests.
// Claim returns the order ID already bound to key, or claims key for orderID.
// Release frees key only while orderID still holds it.
type RequestCache interface {
	Claim(ctx context.Context, key, orderID string, ttl time.Duration) (existing string, claimed bool, err error)
	Release(ctx context.Context, key, orderID string) error
}
