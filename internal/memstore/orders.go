// Package memstore holds in-memory implementations of the reconciler's
// storage ports, used for development mode and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"order-reconciler/internal/models"
)

// orderEntry is one order with its audit trail, guarded by its own mutex
type orderEntry struct {
	mu          sync.Mutex
	order       *models.Order
	transitions []models.Transition
	callbacks   []models.CallbackRecord
}

// Orders is an in-memory order store.
// Each order is locked on its own; the store-wide locks only guard map
// membership and payment ref ownership, never an order's state.
type Orders struct {
	mu      sync.RWMutex
	entries map[string]*orderEntry

	refMu sync.Mutex
	refs  map[string]string

	seq atomic.Int64
}

// NewOrders creates an empty order store
func NewOrders() *Orders {
	return &Orders{
		entries: make(map[string]*orderEntry),
		refs:    make(map[string]string),
	}
}

func (s *Orders) entry(id string) (*orderEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	return e, nil
}

func (s *Orders) Create(ctx context.Context, order *models.Order) error {
	e := &orderEntry{order: order.Clone()}
	e.transitions = append(e.transitions, s.transition(order.ID, "", order.State, models.TriggerCreate, order.CreatedAt))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	s.entries[order.ID] = e
	return nil
}

func (s *Orders) Get(ctx context.Context, id string) (*models.Order, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

func (s *Orders) CompareAndTransition(ctx context.Context, id string, expected models.OrderState, m models.Mutation) (*models.Order, error) {
	if !models.CanTransition(expected, m.To) {
		return nil, fmt.Errorf("illegal transition %s -> %s", expected, m.To)
	}

	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.order
	if order.State != expected {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", models.ErrConflict, id, order.State, expected)
	}

	if m.PaymentRef != "" && order.PaymentRef == nil {
		if err := s.bindRef(m.PaymentRef, id); err != nil {
			return nil, err
		}
		ref := m.PaymentRef
		order.PaymentRef = &ref
	}
	if len(m.CallbackPayload) > 0 && order.CallbackPayload == nil {
		order.CallbackPayload = append([]byte(nil), m.CallbackPayload...)
	}
	if m.FailureReason != "" {
		order.FailureReason = m.FailureReason
	}
	order.State = m.To
	order.StateChangedAt = m.At

	e.transitions = append(e.transitions, s.transition(id, expected, m.To, m.Trigger, m.At))
	return order.Clone(), nil
}

// bindRef records id as the owner of ref unless another order owns it
func (s *Orders) bindRef(ref, id string) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	if owner, taken := s.refs[ref]; taken && owner != id {
		return fmt.Errorf("%w: %s", models.ErrDuplicateRef, ref)
	}
	s.refs[ref] = id
	return nil
}

func (s *Orders) ListByState(ctx context.Context, state models.OrderState) ([]models.Order, error) {
	s.mu.RLock()
	entries := make([]*orderEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []models.Order
	for _, e := range entries {
		e.mu.Lock()
		if e.order.State == state {
			out = append(out, *e.order.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Transitions returns the audit trail of id, empty for an unknown order
func (s *Orders) Transitions(ctx context.Context, id string) ([]models.Transition, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Transition(nil), e.transitions...), nil
}

func (s *Orders) RecordCallback(ctx context.Context, rec *models.CallbackRecord) error {
	e, err := s.entry(rec.OrderID)
	if err != nil {
		return err
	}

	rec.ID = s.seq.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, *rec)
	return nil
}

// Callbacks returns the callback ledger of an order
func (s *Orders) Callbacks(id string) []models.CallbackRecord {
	e, err := s.entry(id)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.CallbackRecord(nil), e.callbacks...)
}

func (s *Orders) transition(id string, from, to models.OrderState, trigger string, at time.Time) models.Transition {
	return models.Transition{
		ID:        s.seq.Add(1),
		OrderID:   id,
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Timestamp: at,
	}
}
