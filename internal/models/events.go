package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeCartItemAdded      = "CART_ITEM_ADDED"
	EventTypeCartCheckedOut     = "CART_CHECKED_OUT"
	EventTypeCartAbandoned      = "CART_ABANDONED"
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeTicketOpened       = "TICKET_OPENED"
	EventTypeTicketTransitioned = "TICKET_TRANSITIONED"
	EventTypeRefundRequested    = "REFUND_REQUESTED"
	EventTypeRefundSucceeded    = "REFUND_SUCCEEDED"
	EventTypeRefundFailed       = "REFUND_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CartItemAddedEvent published after a line is added or grown
type CartItemAddedEvent struct {
	BaseEvent
	CartID    int64 `json:"cart_id"`
	UserID    int64 `json:"user_id"`
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// CartCheckedOutEvent published when a cart becomes an order
type CartCheckedOutEvent struct {
	BaseEvent
	CartID      int64           `json:"cart_id"`
	UserID      int64           `json:"user_id"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CartAbandonedEvent published by the reaper
type CartAbandonedEvent struct {
	BaseEvent
	CartID int64 `json:"cart_id"`
	UserID int64 `json:"user_id"`
}

// OrderCreatedEvent published by the checkout bridge
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64           `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// TicketOpenedEvent published when an after-sales ticket is opened
type TicketOpenedEvent struct {
	BaseEvent
	TicketID     int64  `json:"ticket_id"`
	TicketNumber string `json:"ticket_number"`
	OrderID      int64  `json:"order_id"`
	Type         string `json:"type"`
}

// TicketTransitionedEvent published after every persisted ticket transition
type TicketTransitionedEvent struct {
	BaseEvent
	TicketID     int64  `json:"ticket_id"`
	TicketNumber string `json:"ticket_number"`
	From         string `json:"from"`
	To           string `json:"to"`
	Violation    string `json:"violation,omitempty"`
}

// RefundRequestedEvent asks the payment provider to execute a refund
type RefundRequestedEvent struct {
	BaseEvent
	RefundID int64           `json:"refund_id"`
	TicketID int64           `json:"ticket_id"`
	OrderID  int64           `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// RefundResultEvent published by the payment provider
type RefundResultEvent struct {
	BaseEvent
	RefundID int64  `json:"refund_id"`
	TicketID int64  `json:"ticket_id"`
	TxID     string `json:"tx_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
