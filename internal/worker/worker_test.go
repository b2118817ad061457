package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-reconciler/internal/gateway"
	"order-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedHandler struct {
	mu      sync.Mutex
	errs    []error
	calls   []*models.PaymentCallback
	ctxErrs []error
	done    chan struct{}
}

func (h *scriptedHandler) HandleCallback(ctx context.Context, cb *models.PaymentCallback) (*models.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, cb)
	h.ctxErrs = append(h.ctxErrs, ctx.Err())
	var err error
	if len(h.errs) > 0 {
		err, h.errs = h.errs[0], h.errs[1:]
	}
	if h.done != nil {
		h.done <- struct{}{}
	}
	return nil, err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

var successBody = gateway.MpesaPayload("REF1", 0, 275, time.Now())

func TestProcessAppliesCallback(t *testing.T) {
	h := &scriptedHandler{}
	p := NewCallbackProcessor(h, 3, time.Millisecond)

	require.NoError(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody))
	require.Equal(t, 1, h.callCount())
	assert.Equal(t, "REF1", h.calls[0].PaymentRef)
	assert.Equal(t, int64(275), h.calls[0].AmountPaid)
}

func TestProcessDropsMalformed(t *testing.T) {
	h := &scriptedHandler{}
	p := NewCallbackProcessor(h, 3, time.Millisecond)

	assert.NoError(t, p.Process(context.Background(), gateway.ProviderMpesa, []byte("garbage")))
	assert.Zero(t, h.callCount())
}

func TestProcessSwallowsTerminalOutcomes(t *testing.T) {
	for _, err := range []error{models.ErrNotFound, models.ErrOrderAlreadyFinalized} {
		h := &scriptedHandler{errs: []error{err}}
		p := NewCallbackProcessor(h, 3, time.Millisecond)

		assert.NoError(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody))
		assert.Equal(t, 1, h.callCount())
	}
}

func TestProcessRetriesConflict(t *testing.T) {
	h := &scriptedHandler{errs: []error{models.ErrConflict, models.ErrConflict}}
	p := NewCallbackProcessor(h, 3, time.Millisecond)

	assert.NoError(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody))
	assert.Equal(t, 3, h.callCount())
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	h := &scriptedHandler{errs: []error{models.ErrConflict, models.ErrConflict, models.ErrConflict}}
	p := NewCallbackProcessor(h, 2, time.Millisecond)

	assert.ErrorIs(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody), models.ErrConflict)
	assert.Equal(t, 2, h.callCount())
}

func TestProcessRetriesUnavailable(t *testing.T) {
	h := &scriptedHandler{errs: []error{models.ErrUnavailable}}
	p := NewCallbackProcessor(h, 3, time.Millisecond)

	assert.NoError(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody))
	assert.Equal(t, 2, h.callCount())
}

func TestProcessReturnsUnavailableAfterMaxAttempts(t *testing.T) {
	h := &scriptedHandler{errs: []error{models.ErrUnavailable}}
	p := NewCallbackProcessor(h, 1, time.Millisecond)

	assert.ErrorIs(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody), models.ErrUnavailable)
	assert.Equal(t, 1, h.callCount())
}

func TestProcessDoesNotRetryUnexpectedErrors(t *testing.T) {
	h := &scriptedHandler{errs: []error{errors.New("boom")}}
	p := NewCallbackProcessor(h, 3, time.Millisecond)

	assert.Error(t, p.Process(context.Background(), gateway.ProviderMpesa, successBody))
	assert.Equal(t, 1, h.callCount())
}

func TestDispatcherDrainsOnStop(t *testing.T) {
	h := &scriptedHandler{}
	d := NewDispatcher(NewCallbackProcessor(h, 1, 0), 4, 16)
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody))
	}
	d.Stop()

	assert.Equal(t, 10, h.callCount())
	assert.ErrorIs(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody), ErrDispatcherStopped)
	d.Stop()
}

func TestDispatcherQueueFull(t *testing.T) {
	h := &scriptedHandler{}
	d := NewDispatcher(NewCallbackProcessor(h, 1, 0), 1, 1)

	// not started: the single slot fills and the next submit is refused
	require.NoError(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody))
	err := d.Submit(context.Background(), gateway.ProviderMpesa, successBody)
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestDispatcherRedeliversFailedCallback(t *testing.T) {
	h := &scriptedHandler{errs: []error{models.ErrUnavailable}}
	d := NewDispatcher(NewCallbackProcessor(h, 1, 0), 1, 4).WithRedelivery(5, time.Millisecond)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody))
	d.Stop()

	assert.Equal(t, 2, h.callCount())
}

func TestDispatcherGivesUpAfterRedeliveryLimit(t *testing.T) {
	h := &scriptedHandler{errs: []error{
		models.ErrConflict, models.ErrConflict, models.ErrConflict, models.ErrConflict,
	}}
	d := NewDispatcher(NewCallbackProcessor(h, 1, 0), 1, 4).WithRedelivery(3, time.Millisecond)
	d.Start(context.Background())

	require.NoError(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody))
	d.Stop()

	assert.Equal(t, 3, h.callCount())
}

func TestDispatcherProcessesQueuedCallbacksAfterCancel(t *testing.T) {
	h := &scriptedHandler{}
	d := NewDispatcher(NewCallbackProcessor(h, 1, 0), 2, 8)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(context.Background(), gateway.ProviderMpesa, successBody))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	d.Stop()

	require.Equal(t, 3, h.callCount())
	for _, err := range h.ctxErrs {
		assert.NoError(t, err)
	}
}
