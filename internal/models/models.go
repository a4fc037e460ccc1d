package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Variant is the catalog read model of a purchasable product variant
type Variant struct {
	ID           int64               `db:"id" json:"id"`
	ProductName  string              `db:"product_name" json:"product_name"`
	ImageURL     string              `db:"image_url" json:"image_url"`
	Color        string              `db:"color" json:"color"`
	Size         string              `db:"size" json:"size"`
	Material     string              `db:"material" json:"material"`
	Price        decimal.Decimal     `db:"price" json:"price"`
	ComparePrice decimal.NullDecimal `db:"compare_price" json:"compare_price"`
}

// Descriptor renders the variant attributes, e.g. "Red / M / Cotton"
func (v *Variant) Descriptor() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{v.Color, v.Size, v.Material} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}

// StockLedgerEntry holds on-hand and reserved quantity of one variant
type StockLedgerEntry struct {
	VariantID int64     `db:"variant_id" json:"variant_id"`
	OnHand    int       `db:"on_hand" json:"on_hand"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Available is on_hand minus reserved
func (e *StockLedgerEntry) Available() int {
	return e.OnHand - e.Reserved
}

// Cart statuses
const (
	CartStatusActive     = "ACTIVE"
	CartStatusCheckedOut = "CHECKED_OUT"
	CartStatusAbandoned  = "ABANDONED"
)

// Cart represents a user's selection
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Status    string    `db:"status" json:"status"`
	OrderID   *int64    `db:"order_id" json:"order_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartItem is one line of a cart. UnitPrice is captured when the line is created.
type CartItem struct {
	ID           int64               `db:"id" json:"id"`
	CartID       int64               `db:"cart_id" json:"cart_id"`
	VariantID    int64               `db:"variant_id" json:"variant_id"`
	Quantity     int                 `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal     `db:"unit_price" json:"unit_price"`
	ComparePrice decimal.NullDecimal `db:"compare_price" json:"compare_price"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// Subtotal is quantity times the snapshot price
func (i *CartItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order represents a customer order created through checkout
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderNumber    string          `db:"order_number" json:"order_number"`
	UserID         int64           `db:"user_id" json:"user_id"`
	CustomerName   string          `db:"customer_name" json:"customer_name"`
	CustomerEmail  string          `db:"customer_email" json:"customer_email"`
	OrderType      string          `db:"order_type" json:"order_type"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status         string          `db:"status" json:"status"`
	IdempotencyKey string          `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID                int64           `db:"id" json:"id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	VariantID         int64           `db:"variant_id" json:"variant_id"`
	ProductName       string          `db:"product_name" json:"product_name"`
	VariantDescriptor string          `db:"variant_descriptor" json:"variant_descriptor"`
	Quantity          int             `db:"quantity" json:"quantity"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// LineTotal is quantity times unit price
func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order statuses
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusPaid      = "PAID"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// OrderTypeStandard is the only order type produced by cart checkout
const OrderTypeStandard = "STANDARD"

// AfterSalesEligible reports whether an order in this status may spawn a ticket
func AfterSalesEligible(status string) bool {
	switch status {
	case OrderStatusPaid, OrderStatusConfirmed, OrderStatusDelivered:
		return true
	}
	return false
}

// RefundRequest tracks a refund-execution request sent to the payment provider
type RefundRequest struct {
	ID           int64           `db:"id" json:"id"`
	TicketID     int64           `db:"ticket_id" json:"ticket_id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Status       string          `db:"status" json:"status"`
	ProviderTxID string          `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Refund statuses
const (
	RefundStatusRequested = "REQUESTED"
	RefundStatusSucceeded = "SUCCEEDED"
	RefundStatusFailed    = "FAILED"
)
