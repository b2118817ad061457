package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"order-reconciler/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishTransition(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(newProducer(w, "order-events"), nil, nil)

	err := ep.PublishTransition(context.Background(), &models.TransitionEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderTransition},
		OrderID:   "o1",
		FromState: models.OrderStatePaymentInitiated,
		ToState:   models.OrderStatePaymentConfirmed,
		Trigger:   models.TriggerCallbackSuccess,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order-o1", string(w.msgs[0].Key))

	var decoded models.TransitionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.OrderStatePaymentConfirmed, decoded.ToState)
}

func TestNotifyWithoutTopicFails(t *testing.T) {
	ep := NewEventPublisher(nil, nil, nil)
	assert.Error(t, ep.Notify(context.Background(), models.Notification{OrderID: "o1"}))
	assert.NoError(t, ep.PublishTransition(context.Background(), &models.TransitionEvent{OrderID: "o1"}))
}

func TestNotifyPropagatesWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	ep := NewEventPublisher(nil, newProducer(w, "customer-notifications"), nil)
	assert.Error(t, ep.Notify(context.Background(), models.Notification{CustomerRef: "c1"}))
}

func TestSubmitRoundTripsThroughHandler(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(nil, nil, newProducer(w, "callbacks"))

	payload := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"REF1","ResultCode":0}}}`)
	require.NoError(t, ep.Submit(context.Background(), "mpesa", payload))
	require.Len(t, w.msgs, 1)

	var got *models.CallbackReceivedEvent
	h := NewEventHandler()
	h.OnCallbackReceived(func(ctx context.Context, e *models.CallbackReceivedEvent) error {
		got = e
		return nil
	})

	require.NoError(t, h.HandleMessage(context.Background(), w.msgs[0]))
	require.NotNil(t, got)
	assert.Equal(t, "mpesa", got.Provider)
	assert.Equal(t, payload, got.Payload)
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	assert.ErrorIs(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("nope")}), ErrUndecodable)
	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"OTHER"}`)}))
}

// fakeReader serves queued messages and cancels the consumer once they run out
type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func consume(t *testing.T, c *Consumer, r *fakeReader, handler MessageHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	assert.ErrorIs(t, c.StartConsuming(ctx, handler), context.Canceled)
}

func TestConsumerRetriesMessageBeforeFetchingNext(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 0}, {Offset: 1}}}
	c := newConsumer(r, "callbacks").WithRetry(5, time.Millisecond)

	var seen []int64
	failures := 2
	consume(t, c, r, func(ctx context.Context, msg kafka.Message) error {
		seen = append(seen, msg.Offset)
		if msg.Offset == 0 && failures > 0 {
			failures--
			return models.ErrUnavailable
		}
		return nil
	})

	assert.Equal(t, []int64{0, 0, 0, 1}, seen)
	assert.Equal(t, []int64{0, 1}, r.committed)
}

func TestConsumerDeadLettersAfterMaxAttempts(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 7}, {Offset: 8}}}
	c := newConsumer(r, "callbacks").WithRetry(3, time.Millisecond)

	calls := map[int64]int{}
	consume(t, c, r, func(ctx context.Context, msg kafka.Message) error {
		calls[msg.Offset]++
		if msg.Offset == 7 {
			return models.ErrUnavailable
		}
		return nil
	})

	assert.Equal(t, 3, calls[7])
	assert.Equal(t, 1, calls[8])
	assert.Equal(t, []int64{7, 8}, r.committed)
}

func TestConsumerSkipsUndecodableWithoutRetry(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 0, Value: []byte("nope")}}}
	c := newConsumer(r, "callbacks").WithRetry(5, time.Millisecond)

	h := NewEventHandler()
	calls := 0
	consume(t, c, r, func(ctx context.Context, msg kafka.Message) error {
		calls++
		return h.HandleMessage(ctx, msg)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, []int64{0}, r.committed)
}

func TestConsumerLeavesMessageUncommittedOnShutdown(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 3}}}
	c := newConsumer(r, "callbacks").WithRetry(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	err := c.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		cancel()
		return models.ErrUnavailable
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.committed)
}
