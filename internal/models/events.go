package models

import "time"

// Event types
const (
	EventTypeOrderTransition  = "ORDER_TRANSITION"
	EventTypeCallbackReceived = "PAYMENT_CALLBACK_RECEIVED"
	EventTypeNotification     = "CUSTOMER_NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionEvent mirrors an audit record on the order events topic
type TransitionEvent struct {
	BaseEvent
	OrderID     string     `json:"order_id"`
	CustomerRef string     `json:"customer_ref"`
	FromState   OrderState `json:"from_state"`
	ToState     OrderState `json:"to_state"`
	Trigger     string     `json:"trigger"`
	TotalAmount int64      `json:"total_amount"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
}

// CallbackReceivedEvent carries a raw gateway callback into the engine
type CallbackReceivedEvent struct {
	BaseEvent
	Provider string `json:"provider"`
	Payload  []byte `json:"payload"`
}

// Notification is the message rendered for the customer on a transition
type Notification struct {
	CustomerRef  string     `json:"customer_ref"`
	OrderID      string     `json:"order_id"`
	NewState     OrderState `json:"new_state"`
	HumanSummary string     `json:"human_summary"`
}

// NotificationEvent wraps a Notification for the notifications topic
type NotificationEvent struct {
	BaseEvent
	Notification
}
