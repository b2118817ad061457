package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNotYetInitiated = errors.New("order has not recorded its payment ref yet")

// ReconcilerConfig holds the tunables of the state machine
type ReconcilerConfig struct {
	GracePeriod            time.Duration
	InitiationTimeout      time.Duration
	InitiationAttempts     int
	InitiationBackoff      time.Duration
	IdempotencyTTL         time.Duration
	NotifyTimeout          time.Duration
	MaxStateRetries        int
	CallbackSettleAttempts int
	CallbackSettleDelay    time.Duration
	Currency               string
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 120 * time.Second
	}
	if c.InitiationTimeout <= 0 {
		c.InitiationTimeout = 30 * time.Second
	}
	if c.InitiationAttempts <= 0 {
		c.InitiationAttempts = 1
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 10 * time.Minute
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 5 * time.Second
	}
	if c.MaxStateRetries <= 0 {
		c.MaxStateRetries = 5
	}
	if c.CallbackSettleAttempts <= 0 {
		c.CallbackSettleAttempts = 5
	}
	if c.CallbackSettleDelay <= 0 {
		c.CallbackSettleDelay = 100 * time.Millisecond
	}
	if c.Currency == "" {
		c.Currency = "KES"
	}
	return c
}

// Dependencies are the collaborators of the Reconciler.
// Publisher, Scheduler and Requests are optional.
type Dependencies struct {
	Store     OrderStore
	Index     CorrelationIndex
	Gateway   PaymentGateway
	Catalog   Catalog
	Notifier  Notifier
	Publisher EventPublisher
	Scheduler TimeoutScheduler
	Requests  RequestCache
}

// Reconciler owns the order/payment state machine.
// It is safe for concurrent use; every mutation goes through the store's
// compare-and-transition so concurrent triggers on one order serialize there.
type Reconciler struct {
	store     OrderStore
	index     CorrelationIndex
	gateway   PaymentGateway
	catalog   Catalog
	notifier  Notifier
	publisher EventPublisher
	scheduler TimeoutScheduler
	requests  RequestCache
	cfg       ReconcilerConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a new reconciliation engine
func NewReconciler(deps Dependencies, cfg ReconcilerConfig) *Reconciler {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &Reconciler{
		store:     deps.Store,
		index:     deps.Index,
		gateway:   deps.Gateway,
		catalog:   deps.Catalog,
		notifier:  notifier,
		publisher: deps.Publisher,
		scheduler: deps.Scheduler,
		requests:  deps.Requests,
		cfg:       cfg.withDefaults(),
		logger:    util.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler attaches the timeout scheduler once it has been built
func (r *Reconciler) SetScheduler(s TimeoutScheduler) {
	r.scheduler = s
}

// GracePeriod returns how long a payment may stay initiated before expiring
func (r *Reconciler) GracePeriod() time.Duration {
	return r.cfg.GracePeriod
}

// CreateOrderRequest is the structured order produced by the chat parser
type CreateOrderRequest struct {
	CustomerRef    string             `json:"customer_ref" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order request
type OrderItemRequest struct {
	SKU      string `json:"sku" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrder validates the request, snapshots prices and stores a CREATED order.
// A re-delivered request returns the order created the first time while that
// order is still open; once it is finished the request creates a new order.
func (r *Reconciler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.CreateOrder")
	defer span.End()

	if err := validateOrderRequest(req); err != nil {
		util.OrdersRejectedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	key := requestKey(req)
	orderID := uuid.New().String()

	if r.requests != nil {
		existing, err := r.claimRequest(ctx, key, orderID)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	items, err := r.quote(ctx, req.Items)
	if err != nil {
		r.releaseClaim(ctx, key, orderID)
		return nil, err
	}

	now := r.now()
	order := &models.Order{
		ID:             orderID,
		CustomerRef:    strings.TrimSpace(req.CustomerRef),
		LineItems:      items,
		TotalAmount:    models.TotalOf(items),
		State:          models.OrderStateCreated,
		IdempotencyKey: key,
		CreatedAt:      now,
		StateChangedAt: now,
	}

	if err := r.store.Create(ctx, order); err != nil {
		r.releaseClaim(ctx, key, orderID)
		util.OrdersRejectedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("%w: failed to create order: %v", models.ErrUnavailable, err)
	}

	util.OrdersCreatedTotal.Inc()
	r.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_ref", order.CustomerRef),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Int("items", len(order.LineItems)))

	r.publish(ctx, order, "", models.TriggerCreate)
	return order.Clone(), nil
}

// claimRequest claims key for orderID. It returns the open order already bound
// to key, or nil when the caller should go on and create orderID.
// A claim held by a finished order is released and taken over.
func (r *Reconciler) claimRequest(ctx context.Context, key, orderID string) (*models.Order, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, claimed, err := r.requests.Claim(ctx, key, orderID, r.cfg.IdempotencyTTL)
		if err != nil {
			r.logger.Warn("Request cache unavailable, creating without deduplication",
				zap.String("idempotency_key", key),
				zap.Error(err))
			return nil, nil
		}
		if claimed {
			return nil, nil
		}

		order, err := r.deduplicated(ctx, key, existing)
		if err != nil || !order.State.IsTerminal() {
			return order, err
		}

		r.logger.Info("Request key held by a finished order, creating a new one",
			zap.String("idempotency_key", key),
			zap.String("previous_order_id", order.ID),
			zap.String("previous_state", string(order.State)))
		r.releaseClaim(ctx, key, order.ID)
	}
	return nil, fmt.Errorf("%w: request %s", models.ErrRequestInFlight, key)
}

func (r *Reconciler) deduplicated(ctx context.Context, key, orderID string) (*models.Order, error) {
	order, err := r.store.Get(ctx, orderID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", models.ErrRequestInFlight, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load deduplicated order: %v", models.ErrUnavailable, err)
	}
	if order.State.IsTerminal() {
		return order, nil
	}

	util.OrderRequestsDeduplicatedTotal.Inc()
	r.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", order.ID))
	return order, nil
}

func (r *Reconciler) releaseClaim(ctx context.Context, key, orderID string) {
	if r.requests == nil || key == "" {
		return
	}
	if err := r.requests.Release(ctx, key, orderID); err != nil {
		r.logger.Warn("Failed to release request claim",
			zap.String("idempotency_key", key),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

func validateOrderRequest(req *CreateOrderRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", models.ErrInvalidOrderRequest)
	}
	if strings.TrimSpace(req.CustomerRef) == "" {
		return fmt.Errorf("%w: customer_ref is required", models.ErrInvalidOrderRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", models.ErrInvalidOrderRequest)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.SKU) == "" {
			return fmt.Errorf("%w: item %d has no sku", models.ErrInvalidOrderRequest, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %q has quantity %d", models.ErrInvalidOrderRequest, item.SKU, item.Quantity)
		}
	}
	return nil
}

// requestKey scopes a caller key to the customer, or fingerprints the
// message content when the caller supplied none.
func requestKey(req *CreateOrderRequest) string {
	customer := strings.TrimSpace(req.CustomerRef)
	if req.IdempotencyKey != "" {
		return customer + ":" + req.IdempotencyKey
	}

	parts := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(strings.TrimSpace(item.SKU)), item.Quantity))
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(customer + "|" + strings.Join(parts, ",")))
	return customer + ":fp:" + hex.EncodeToString(sum[:16])
}

func (r *Reconciler) quote(ctx context.Context, items []OrderItemRequest) ([]models.LineItem, error) {
	lineItems := make([]models.LineItem, 0, len(items))
	for _, item := range items {
		sku := strings.TrimSpace(item.SKU)
		li, err := r.catalog.Quote(ctx, sku, item.Quantity)
		if err != nil {
			if errors.Is(err, models.ErrUnknownSKU) || errors.Is(err, models.ErrInsufficientStock) {
				util.OrdersRejectedTotal.WithLabelValues("unresolvable_item").Inc()
				return nil, fmt.Errorf("%w: sku %q: %w", models.ErrInvalidOrderRequest, sku, err)
			}
			util.OrdersRejectedTotal.WithLabelValues("catalog_error").Inc()
			return nil, fmt.Errorf("%w: failed to quote sku %q: %v", models.ErrUnavailable, sku, err)
		}
		lineItems = append(lineItems, li)
	}
	return lineItems, nil
}

// InitiatePayment asks the gateway for a payment on a CREATED order.
// Gateway failure moves the order to PAYMENT_FAILED.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.InitiatePayment", orderID)
	defer span.End()

	order, err := r.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch {
	case order.State == models.OrderStatePaymentInitiated:
		r.logger.Info("Payment already initiated",
			zap.String("order_id", order.ID),
			zap.String("payment_ref", order.Ref()))
		return order, nil
	case order.State.IsTerminal():
		return order, finalized(order)
	}

	ref, err := r.initiate(ctx, order)
	if err != nil {
		util.PaymentInitiationFailedTotal.Inc()
		r.logger.Warn("Payment initiation failed",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return r.failInitiation(ctx, order.ID, "initiation_failed", models.TriggerInitiationFailed,
			fmt.Errorf("%w: %v", models.ErrInitiationFailed, err))
	}

	if err := r.index.Put(ctx, ref, order.ID); err != nil {
		if errors.Is(err, models.ErrDuplicateRef) {
			util.AnomaliesTotal.WithLabelValues("duplicate_ref").Inc()
			r.logger.Error("Gateway issued a payment ref already bound to another order",
				util.Anomaly("duplicate_ref"),
				zap.String("order_id", order.ID),
				zap.String("payment_ref", ref))
			return r.failInitiation(ctx, order.ID, "duplicate_ref", models.TriggerDuplicateRef,
				fmt.Errorf("%w: %s", models.ErrDuplicateRef, ref))
		}
		r.logger.Error("Failed to index payment ref",
			zap.String("order_id", order.ID),
			zap.String("payment_ref", ref),
			zap.Error(err))
		return r.failInitiation(ctx, order.ID, "index_unavailable", models.TriggerInitiationFailed,
			fmt.Errorf("%w: correlation index unavailable: %v", models.ErrInitiationFailed, err))
	}

	updated, err := r.reconcile(ctx, order.ID, func(current *models.Order) (*models.Mutation, error) {
		switch {
		case current.State == models.OrderStateCreated:
			return &models.Mutation{
				To:         models.OrderStatePaymentInitiated,
				PaymentRef: ref,
				Trigger:    models.TriggerInitiated,
			}, nil
		case current.State.IsTerminal():
			return nil, finalized(current)
		default:
			// a concurrent InitiatePayment won; ref stays indexed but is stale
			r.logger.Warn("Concurrent payment initiation lost the race",
				util.Anomaly("superseded_ref"),
				zap.String("order_id", current.ID),
				zap.String("payment_ref", ref),
				zap.String("current_ref", current.Ref()))
			return nil, nil
		}
	})
	if err != nil {
		if errors.Is(err, models.ErrOrderAlreadyFinalized) {
			if merr := r.index.MarkResolved(ctx, ref, r.now()); merr != nil {
				r.logger.Warn("Failed to mark payment ref resolved",
					zap.String("order_id", order.ID),
					zap.String("payment_ref", ref),
					zap.Error(merr))
			}
		}
		return updated, err
	}

	if updated.State == models.OrderStatePaymentInitiated && updated.Ref() == ref {
		r.armTimeout(ctx, updated)
	}
	return updated, nil
}

func (r *Reconciler) failInitiation(ctx context.Context, orderID, reason, trigger string, cause error) (*models.Order, error) {
	failed, err := r.reconcile(ctx, orderID, func(current *models.Order) (*models.Mutation, error) {
		if current.State != models.OrderStateCreated {
			return nil, finalized(current)
		}
		return &models.Mutation{
			To:            models.OrderStatePaymentFailed,
			FailureReason: reason,
			Trigger:       trigger,
		}, nil
	})
	if err != nil && !errors.Is(err, models.ErrOrderAlreadyFinalized) {
		return failed, err
	}
	return failed, cause
}

func (r *Reconciler) initiate(ctx context.Context, order *models.Order) (string, error) {
	start := time.Now()
	defer func() {
		util.PaymentInitiationLatency.Observe(time.Since(start).Seconds())
	}()

	req := InitiationRequest{
		OrderID:     order.ID,
		Amount:      order.TotalAmount,
		CustomerRef: order.CustomerRef,
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.InitiationAttempts; attempt++ {
		util.PaymentAttemptsTotal.Inc()

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.InitiationTimeout)
		ref, err := r.gateway.Initiate(attemptCtx, req)
		cancel()

		if err == nil && ref == "" {
			err = errors.New("gateway returned an empty payment ref")
		}
		if err == nil {
			return ref, nil
		}

		lastErr = err
		r.logger.Warn("Payment initiation attempt failed",
			zap.String("order_id", order.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < r.cfg.InitiationAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(r.cfg.InitiationBackoff * time.Duration(attempt)):
			}
		}
	}
	return "", lastErr
}

func (r *Reconciler) armTimeout(ctx context.Context, order *models.Order) {
	if r.scheduler == nil {
		return
	}
	at := order.StateChangedAt.Add(r.cfg.GracePeriod)
	if err := r.scheduler.Schedule(ctx, order.ID, at); err != nil {
		r.logger.Error("Failed to schedule payment timeout",
			zap.String("order_id", order.ID),
			zap.Time("due_at", at),
			zap.Error(err))
	}
}

// HandleCallback applies a parsed gateway callback to the order its ref resolves to.
// Orphan refs return ErrNotFound, callbacks on finalized orders return
// ErrOrderAlreadyFinalized; a repeated identical result is a no-op.
func (r *Reconciler) HandleCallback(ctx context.Context, cb *models.PaymentCallback) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleCallback")
	defer span.End()

	orderID, err := r.index.Lookup(ctx, cb.PaymentRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			util.CallbacksTotal.WithLabelValues("orphan").Inc()
			util.AnomaliesTotal.WithLabelValues("orphan_callback").Inc()
			r.logger.Warn("Orphan payment callback dropped",
				util.Anomaly("orphan_callback"),
				zap.String("payment_ref", cb.PaymentRef),
				zap.String("result", string(cb.Result)),
				zap.Int64("amount_paid", cb.AmountPaid))
			return nil, fmt.Errorf("%w: payment ref %s", models.ErrNotFound, cb.PaymentRef)
		}
		return nil, fmt.Errorf("%w: correlation lookup: %v", models.ErrUnavailable, err)
	}

	var disposition string
	var order *models.Order
	for settle := 0; ; settle++ {
		order, err = r.reconcile(ctx, orderID, func(current *models.Order) (*models.Mutation, error) {
			m, d, derr := decideCallback(current, cb)
			disposition = d
			return m, derr
		})
		if !errors.Is(err, errNotYetInitiated) {
			break
		}
		if settle+1 >= r.cfg.CallbackSettleAttempts {
			return order, fmt.Errorf("%w: order %s still awaiting its payment ref", models.ErrConflict, orderID)
		}
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(r.cfg.CallbackSettleDelay):
		}
	}

	if order == nil {
		return nil, err
	}

	r.recordCallback(ctx, order, cb, disposition)
	util.CallbacksTotal.WithLabelValues(disposition).Inc()

	logger := util.OrderLogger(r.logger, order.ID, cb.PaymentRef)
	switch disposition {
	case models.CallbackMismatch:
		util.AnomaliesTotal.WithLabelValues("amount_mismatch").Inc()
		logger.Warn("Callback amount does not match order total, treated as failure",
			util.Anomaly("amount_mismatch"),
			zap.Int64("amount_paid", cb.AmountPaid),
			zap.Int64("total_amount", order.TotalAmount))
	case models.CallbackDuplicate:
		logger.Info("Duplicate payment callback ignored")
	case models.CallbackLate:
		util.AnomaliesTotal.WithLabelValues("late_callback").Inc()
		logger.Warn("Late payment callback on finalized order",
			util.Anomaly("late_callback"),
			zap.String("state", string(order.State)),
			zap.String("result", string(cb.Result)))
	case models.CallbackStale:
		util.AnomaliesTotal.WithLabelValues("stale_ref").Inc()
		logger.Warn("Callback for a superseded payment ref",
			util.Anomaly("stale_ref"),
			zap.String("current_ref", order.Ref()))
	}

	return order, err
}

// decideCallback maps the current order and callback to a mutation and a ledger disposition
func decideCallback(order *models.Order, cb *models.PaymentCallback) (*models.Mutation, string, error) {
	mismatch := cb.Result == models.PaymentResultSuccess && cb.AmountPaid != order.TotalAmount

	switch order.State {
	case models.OrderStateCreated:
		return nil, "", errNotYetInitiated

	case models.OrderStatePaymentInitiated:
		if order.Ref() != cb.PaymentRef {
			return nil, models.CallbackStale, fmt.Errorf("%w: payment ref %s superseded", models.ErrNotFound, cb.PaymentRef)
		}
		m := &models.Mutation{CallbackPayload: cb.Raw}
		switch {
		case mismatch:
			m.To = models.OrderStatePaymentFailed
			m.FailureReason = "amount_mismatch"
			m.Trigger = models.TriggerAmountMismatch
			return m, models.CallbackMismatch, nil
		case cb.Result == models.PaymentResultSuccess:
			m.To = models.OrderStatePaymentConfirmed
			m.Trigger = models.TriggerCallbackSuccess
		default:
			m.To = models.OrderStatePaymentFailed
			m.FailureReason = "gateway_declined"
			m.Trigger = models.TriggerCallbackFailure
		}
		return m, models.CallbackApplied, nil

	case models.OrderStatePaymentConfirmed:
		if cb.Result == models.PaymentResultSuccess && !mismatch && order.Ref() == cb.PaymentRef {
			return nil, models.CallbackDuplicate, nil
		}

	case models.OrderStatePaymentFailed:
		if cb.Result == models.PaymentResultFailure && order.CallbackPayload != nil && order.Ref() == cb.PaymentRef {
			return nil, models.CallbackDuplicate, nil
		}
	}

	return nil, models.CallbackLate, finalized(order)
}

func (r *Reconciler) recordCallback(ctx context.Context, order *models.Order, cb *models.PaymentCallback, disposition string) {
	rec := &models.CallbackRecord{
		OrderID:     order.ID,
		PaymentRef:  cb.PaymentRef,
		Result:      cb.Result,
		AmountPaid:  cb.AmountPaid,
		Disposition: disposition,
		Payload:     cb.Raw,
		ReceivedAt:  r.now(),
	}
	if err := r.store.RecordCallback(ctx, rec); err != nil {
		r.logger.Error("Failed to record callback",
			zap.String("order_id", order.ID),
			zap.String("payment_ref", cb.PaymentRef),
			zap.Error(err))
	}
}

// HandleTimeout expires an order still waiting for its callback after the
// grace period. Any other state makes it a no-op.
func (r *Reconciler) HandleTimeout(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleTimeout", orderID)
	defer span.End()

	util.TimeoutsFiredTotal.Inc()

	var early time.Time
	order, err := r.reconcile(ctx, orderID, func(current *models.Order) (*models.Mutation, error) {
		early = time.Time{}
		if current.State != models.OrderStatePaymentInitiated {
			r.logger.Debug("Timeout ignored, order already resolved",
				zap.String("order_id", current.ID),
				zap.String("state", string(current.State)))
			return nil, nil
		}
		deadline := current.StateChangedAt.Add(r.cfg.GracePeriod)
		if r.now().Before(deadline) {
			early = deadline
			return nil, nil
		}
		return &models.Mutation{
			To:            models.OrderStateExpired,
			FailureReason: "payment_timeout",
			Trigger:       models.TriggerTimeout,
		}, nil
	})
	if err != nil {
		return order, err
	}

	if !early.IsZero() && r.scheduler != nil {
		r.logger.Debug("Timeout fired before the grace period elapsed, rescheduling",
			zap.String("order_id", orderID),
			zap.Time("due_at", early))
		if err := r.scheduler.Schedule(ctx, orderID, early); err != nil {
			r.logger.Error("Failed to reschedule payment timeout",
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}
	return order, nil
}

// Cancel moves a CREATED or PAYMENT_INITIATED order to CANCELLED
func (r *Reconciler) Cancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Cancel", orderID)
	defer span.End()

	if reason == "" {
		reason = "cancelled"
	}

	return r.reconcile(ctx, orderID, func(current *models.Order) (*models.Mutation, error) {
		switch current.State {
		case models.OrderStateCreated, models.OrderStatePaymentInitiated:
			return &models.Mutation{
				To:            models.OrderStateCancelled,
				FailureReason: reason,
				Trigger:       models.TriggerCancel,
			}, nil
		}
		return nil, finalized(current)
	})
}

// RecoverPending re-arms timeouts for orders left PAYMENT_INITIATED by a previous process
func (r *Reconciler) RecoverPending(ctx context.Context) (int, error) {
	if r.scheduler == nil {
		return 0, nil
	}

	orders, err := r.store.ListByState(ctx, models.OrderStatePaymentInitiated)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list pending orders: %v", models.ErrUnavailable, err)
	}

	for i := range orders {
		r.armTimeout(ctx, &orders[i])
	}

	r.logger.Info("Pending payment timeouts recovered", zap.Int("count", len(orders)))
	return len(orders), nil
}

// GetOrder retrieves an order by ID
func (r *Reconciler) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return r.load(ctx, orderID)
}

// ListByState retrieves all orders in a state
func (r *Reconciler) ListByState(ctx context.Context, state models.OrderState) ([]models.Order, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", models.ErrInvalidOrderRequest, state)
	}
	orders, err := r.store.ListByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list orders: %v", models.ErrUnavailable, err)
	}
	return orders, nil
}

// Transitions returns the audit trail of an order
func (r *Reconciler) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	if _, err := r.load(ctx, orderID); err != nil {
		return nil, err
	}
	trail, err := r.store.Transitions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load transitions: %v", models.ErrUnavailable, err)
	}
	return trail, nil
}

func (r *Reconciler) load(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := r.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
		}
		return nil, fmt.Errorf("%w: failed to load order %s: %v", models.ErrUnavailable, orderID, err)
	}
	return order, nil
}

// reconcile reads the order, asks decide for a mutation and applies it with
// compare-and-transition. A conflict re-reads and re-decides. A nil mutation
// with a nil error leaves the order untouched.
func (r *Reconciler) reconcile(
	ctx context.Context,
	orderID string,
	decide func(*models.Order) (*models.Mutation, error),
) (*models.Order, error) {
	for attempt := 0; attempt < r.cfg.MaxStateRetries; attempt++ {
		order, err := r.load(ctx, orderID)
		if err != nil {
			return nil, err
		}

		m, err := decide(order)
		if err != nil || m == nil {
			return order, err
		}
		if m.At.IsZero() {
			m.At = r.now()
		}

		updated, err := r.store.CompareAndTransition(ctx, order.ID, order.State, *m)
		if errors.Is(err, models.ErrConflict) {
			util.StateConflictsTotal.Inc()
			r.logger.Debug("State changed underneath, re-reading",
				zap.String("order_id", order.ID),
				zap.String("expected", string(order.State)),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
			}
			return nil, fmt.Errorf("%w: transition %s -> %s: %v", models.ErrUnavailable, order.State, m.To, err)
		}

		r.afterTransition(ctx, order.State, updated, m.Trigger)
		return updated, nil
	}
	return nil, fmt.Errorf("%w: order %s kept changing", models.ErrConflict, orderID)
}

// afterTransition runs the side effects of a committed transition.
// None of them can roll the transition back.
func (r *Reconciler) afterTransition(ctx context.Context, from models.OrderState, order *models.Order, trigger string) {
	util.OrderTransitionsTotal.WithLabelValues(string(order.State), trigger).Inc()
	logger := util.OrderLogger(r.logger, order.ID, order.Ref())
	logger.Info("Order transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(order.State)),
		zap.String("trigger", trigger))

	if order.State.IsTerminal() {
		if r.scheduler != nil && from == models.OrderStatePaymentInitiated {
			r.scheduler.Cancel(ctx, order.ID)
		}
		r.releaseClaim(ctx, order.IdempotencyKey, order.ID)
		if ref := order.Ref(); ref != "" {
			if err := r.index.MarkResolved(ctx, ref, order.StateChangedAt); err != nil {
				logger.Warn("Failed to mark payment ref resolved", zap.Error(err))
			}
		}
	}

	r.publish(ctx, order, from, trigger)
	r.notify(ctx, order)
}

func (r *Reconciler) publish(ctx context.Context, order *models.Order, from models.OrderState, trigger string) {
	if r.publisher == nil {
		return
	}
	event := &models.TransitionEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderTransition,
			Timestamp: order.StateChangedAt,
		},
		OrderID:     order.ID,
		CustomerRef: order.CustomerRef,
		FromState:   from,
		ToState:     order.State,
		Trigger:     trigger,
		TotalAmount: order.TotalAmount,
		PaymentRef:  order.Ref(),
	}
	if err := r.publisher.PublishTransition(ctx, event); err != nil {
		r.logger.Error("Failed to publish transition event",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}

func (r *Reconciler) notify(ctx context.Context, order *models.Order) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.NotifyTimeout)
	defer cancel()

	n := models.Notification{
		CustomerRef:  order.CustomerRef,
		OrderID:      order.ID,
		NewState:     order.State,
		HumanSummary: RenderSummary(order, r.cfg.Currency),
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		util.NotificationFailuresTotal.Inc()
		r.logger.Warn("Failed to notify customer",
			zap.String("order_id", order.ID),
			zap.String("state", string(order.State)),
			zap.Error(err))
	}
}

func finalized(order *models.Order) error {
	return fmt.Errorf("%w: order %s is %s", models.ErrOrderAlreadyFinalized, order.ID, order.State)
}
