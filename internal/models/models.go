package models

import "time"

// OrderState is the lifecycle state of an order
type OrderState string

// Order states
const (
	OrderStateCreated          OrderState = "CREATED"
	OrderStatePaymentInitiated OrderState = "PAYMENT_INITIATED"
	OrderStatePaymentConfirmed OrderState = "PAYMENT_CONFIRMED"
	OrderStatePaymentFailed    OrderState = "PAYMENT_FAILED"
	OrderStateExpired          OrderState = "EXPIRED"
	OrderStateCancelled        OrderState = "CANCELLED"
)

var transitions = map[OrderState][]OrderState{
	OrderStateCreated: {
		OrderStatePaymentInitiated,
		OrderStatePaymentFailed,
		OrderStateCancelled,
	},
	OrderStatePaymentInitiated: {
		OrderStatePaymentConfirmed,
		OrderStatePaymentFailed,
		OrderStateExpired,
		OrderStateCancelled,
	},
}

// IsTerminal reports whether no further transition is allowed out of s
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStatePaymentConfirmed, OrderStatePaymentFailed, OrderStateExpired, OrderStateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state
func (s OrderState) Valid() bool {
	return s == OrderStateCreated || s == OrderStatePaymentInitiated || s.IsTerminal()
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents product stock
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LineItem is a priced snapshot of one requested product
type LineItem struct {
	SKU       string `db:"sku" json:"sku"`
	Name      string `db:"name" json:"name"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// Subtotal returns quantity * unit price
func (li LineItem) Subtotal() int64 {
	return int64(li.Quantity) * li.UnitPrice
}

// Order represents a customer order placed through the chat channel
type Order struct {
	ID              string     `db:"id" json:"id"`
	CustomerRef     string     `db:"customer_ref" json:"customer_ref"`
	LineItems       []LineItem `db:"-" json:"line_items"`
	TotalAmount     int64      `db:"total_amount" json:"total_amount"`
	State           OrderState `db:"state" json:"state"`
	PaymentRef      *string    `db:"payment_ref" json:"payment_ref,omitempty"`
	CallbackPayload []byte     `db:"callback_payload" json:"callback_payload,omitempty"`
	FailureReason   string     `db:"failure_reason" json:"failure_reason,omitempty"`
	IdempotencyKey  string     `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StateChangedAt  time.Time  `db:"state_changed_at" json:"state_changed_at"`
}

// TotalOf sums the subtotals of items
func TotalOf(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}

// Clone returns a deep copy so callers never share slices with a store
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LineItems = append([]LineItem(nil), o.LineItems...)
	if o.PaymentRef != nil {
		ref := *o.PaymentRef
		c.PaymentRef = &ref
	}
	if o.CallbackPayload != nil {
		c.CallbackPayload = append([]byte(nil), o.CallbackPayload...)
	}
	return &c
}

// Ref returns the payment reference or an empty string
func (o *Order) Ref() string {
	if o.PaymentRef == nil {
		return ""
	}
	return *o.PaymentRef
}

// Mutation describes a single compare-and-transition step
type Mutation struct {
	To              OrderState
	PaymentRef      string
	CallbackPayload []byte
	FailureReason   string
	Trigger         string
	At              time.Time
}

// Transition triggers
const (
	TriggerCreate           = "create"
	TriggerInitiated        = "payment_initiated"
	TriggerInitiationFailed = "initiation_failed"
	TriggerDuplicateRef     = "duplicate_ref"
	TriggerCallbackSuccess  = "callback_success"
	TriggerCallbackFailure  = "callback_failure"
	TriggerAmountMismatch   = "callback_amount_mismatch"
	TriggerTimeout          = "timeout"
	TriggerCancel           = "cancel"
)

// Transition is an append-only audit record, one per state change
type Transition struct {
	ID        int64      `db:"id" json:"id"`
	OrderID   string     `db:"order_id" json:"order_id"`
	FromState OrderState `db:"from_state" json:"from_state"`
	ToState   OrderState `db:"to_state" json:"to_state"`
	Trigger   string     `db:"trigger" json:"trigger"`
	Timestamp time.Time  `db:"created_at" json:"timestamp"`
}

// PaymentResult is the outcome reported by the gateway
type PaymentResult string

// Payment results
const (
	PaymentResultSuccess PaymentResult = "success"
	PaymentResultFailure PaymentResult = "failure"
)

// PaymentCallback is a parsed gateway callback
type PaymentCallback struct {
	PaymentRef       string        `json:"payment_ref"`
	Result           PaymentResult `json:"result"`
	AmountPaid       int64         `json:"amount_paid"`
	GatewayTimestamp time.Time     `json:"gateway_timestamp"`
	ResultDesc       string        `json:"result_desc,omitempty"`
	Raw              []byte        `json:"-"`
}

// Callback dispositions
const (
	CallbackApplied   = "applied"
	CallbackDuplicate = "duplicate"
	CallbackLate      = "late"
	CallbackMismatch  = "mismatch"
	CallbackStale     = "stale"
)

// CallbackRecord is the ledger entry for a callback that resolved to an order
type CallbackRecord struct {
	ID          int64         `db:"id" json:"id"`
	OrderID     string        `db:"order_id" json:"order_id"`
	PaymentRef  string        `db:"payment_ref" json:"payment_ref"`
	Result      PaymentResult `db:"result" json:"result"`
	AmountPaid  int64         `db:"amount_paid" json:"amount_paid"`
	Disposition string        `db:"disposition" json:"disposition"`
	Payload     []byte        `db:"payload" json:"payload,omitempty"`
	ReceivedAt  time.Time     `db:"received_at" json:"received_at"`
}
