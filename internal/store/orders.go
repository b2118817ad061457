package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-reconciler/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, customer_ref, total_amount, state, payment_ref, callback_payload,
	failure_reason, idempotency_key, created_at, state_changed_at`

const paymentRefConstraint = "orders_payment_ref_key"

type orderItemRow struct {
	OrderID string `db:"order_id"`
	models.LineItem
}

// Create inserts a new order with its line items and the creation audit record
func (s *Store) Create(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_ref, total_amount, state, failure_reason, idempotency_key, created_at, state_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.CustomerRef, order.TotalAmount, order.State,
		order.FailureReason, order.IdempotencyKey, order.CreatedAt, order.StateChangedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.LineItems {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, sku, name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, i, item.SKU, item.Name, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := insertTransition(ctx, tx, order.ID, "", order.State, models.TriggerCreate, order.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves an order with its line items
func (s *Store) Get(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &order.LineItems, `
		SELECT sku, name, quantity, unit_price FROM order_items
		WHERE order_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

// CompareAndTransition applies m only if the order is still in expected.
// Returns ErrConflict when another writer moved the order first and
// ErrDuplicateRef when m's payment ref belongs to another order.
func (s *Store) CompareAndTransition(ctx context.Context, id string, expected models.OrderState, m models.Mutation) (*models.Order, error) {
	if !models.CanTransition(expected, m.To) {
		return nil, fmt.Errorf("illegal transition %s -> %s", expected, m.To)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// payment_ref and callback_payload are write-once
	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders SET
			state = $1,
			state_changed_at = $2,
			payment_ref = COALESCE(payment_ref, NULLIF($3, '')),
			callback_payload = COALESCE(callback_payload, $4),
			failure_reason = COALESCE(NULLIF($5, ''), failure_reason)
		WHERE id = $6 AND state = $7
		RETURNING `+orderColumns,
		m.To, m.At, m.PaymentRef, nullableBytes(m.CallbackPayload), m.FailureReason, id, expected)
	if isUniqueViolation(err, paymentRefConstraint) {
		return nil, fmt.Errorf("%w: %s", models.ErrDuplicateRef, m.PaymentRef)
	}
	if errors.Is(err, sql.ErrNoRows) {
		var current models.OrderState
		if err := tx.GetContext(ctx, &current, "SELECT state FROM orders WHERE id = $1", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", models.ErrConflict, id, current, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	if err := insertTransition(ctx, tx, id, expected, m.To, m.Trigger, m.At); err != nil {
		return nil, err
	}

	if err := tx.SelectContext(ctx, &order.LineItems, `
		SELECT sku, name, quantity, unit_price FROM order_items
		WHERE order_id = $1 ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListByState retrieves all orders in state, oldest first
func (s *Store) ListByState(ctx context.Context, state models.OrderState) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE state = $1 ORDER BY created_at", state)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}

	query, args, err := sqlx.In(`
		SELECT order_id, sku, name, quantity, unit_price FROM order_items
		WHERE order_id IN (?) ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []orderItemRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	byOrder := make(map[string][]models.LineItem, len(orders))
	for _, row := range rows {
		byOrder[row.OrderID] = append(byOrder[row.OrderID], row.LineItem)
	}
	for i := range orders {
		orders[i].LineItems = byOrder[orders[i].ID]
	}
	return orders, nil
}

// Transitions retrieves the audit trail of an order, oldest first
func (s *Store) Transitions(ctx context.Context, orderID string) ([]models.Transition, error) {
	var trail []models.Transition
	err := s.db.SelectContext(ctx, &trail, `
		SELECT id, order_id, from_state, to_state, trigger, created_at
		FROM order_transitions WHERE order_id = $1 ORDER BY id`, orderID)
	return trail, err
}

// RecordCallback appends a callback to the ledger
func (s *Store) RecordCallback(ctx context.Context, rec *models.CallbackRecord) error {
	return s.db.GetContext(ctx, &rec.ID, `
		INSERT INTO payment_callbacks (order_id, payment_ref, result, amount_paid, disposition, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		rec.OrderID, rec.PaymentRef, rec.Result, rec.AmountPaid, rec.Disposition, rec.Payload, rec.ReceivedAt)
}

func insertTransition(ctx context.Context, tx *sqlx.Tx, orderID string, from, to models.OrderState, trigger string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_transitions (order_id, from_state, to_state, trigger, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, from, to, trigger, at)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// nullableBytes sends an empty payload as NULL so COALESCE keeps the stored one
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
