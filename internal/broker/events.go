package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-reconciler/internal/models"
	"order-reconciler/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order transitions, customer notifications and
// raw gateway callbacks, each on its own topic
type EventPublisher struct {
	events        *Producer
	notifications *Producer
	callbacks     *Producer
}

// NewEventPublisher creates a new event publisher; any producer may be nil
func NewEventPublisher(events, notifications, callbacks *Producer) *EventPublisher {
	return &EventPublisher{
		events:        events,
		notifications: notifications,
		callbacks:     callbacks,
	}
}

// PublishTransition publishes a transition event keyed by order
func (ep *EventPublisher) PublishTransition(ctx context.Context, event *models.TransitionEvent) error {
	if ep.events == nil {
		return nil
	}
	return ep.events.PublishEvent(ctx, "order-"+event.OrderID, event)
}

// Notify publishes a customer notification for the chat transport
func (ep *EventPublisher) Notify(ctx context.Context, n models.Notification) error {
	if ep.notifications == nil {
		return fmt.Errorf("no notifications topic configured")
	}
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotification,
			Timestamp: time.Now().UTC(),
		},
		Notification: n,
	}
	return ep.notifications.PublishEvent(ctx, "customer-"+n.CustomerRef, event)
}

// Submit enqueues a raw gateway callback for the callback worker
func (ep *EventPublisher) Submit(ctx context.Context, provider string, payload []byte) error {
	if ep.callbacks == nil {
		return fmt.Errorf("no callbacks topic configured")
	}
	event := &models.CallbackReceivedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCallbackReceived,
			Timestamp: time.Now().UTC(),
		},
		Provider: provider,
		Payload:  payload,
	}
	return ep.callbacks.PublishEvent(ctx, provider, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCallbackReceived func(context.Context, *models.CallbackReceivedEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCallbackReceived registers a handler for CallbackReceived events
func (eh *EventHandler) OnCallbackReceived(handler func(context.Context, *models.CallbackReceivedEvent) error) {
	eh.onCallbackReceived = handler
}

// ErrUndecodable marks a message that no retry can make readable
var ErrUndecodable = errors.New("undecodable message")

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrUndecodable, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCallbackReceived:
		if eh.onCallbackReceived != nil {
			var event models.CallbackReceivedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: CallbackReceived event: %v", ErrUndecodable, err)
			}
			return eh.onCallbackReceived(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
