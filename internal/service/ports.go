package service

import (
	"context"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"

	"github.com/shopspring/decimal"
)

// Locker is a distributed mutual-exclusion lock keyed by name
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// StockCache mirrors ledger entries for cheap availability reads
type StockCache interface {
	SetStock(ctx context.Context, e models.StockLedgerEntry) (bool, error)
	GetAvailable(ctx context.Context, variantID int64) (available int, found bool, err error)
}

// CheckoutLine is one immutable line handed to the order collaborator
type CheckoutLine struct {
	VariantID         int64           `json:"variant_id"`
	ProductName       string          `json:"product_name"`
	VariantDescriptor string          `json:"variant_descriptor"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// CheckoutSnapshot is the cart as it stood when checkout was validated
type CheckoutSnapshot struct {
	CartID        int64
	UserID        int64
	CustomerName  string
	CustomerEmail string
	Lines         []CheckoutLine
	TotalItems    int
	TotalPrice    decimal.Decimal
}

// PlacedOrder identifies the order created from a snapshot
type PlacedOrder struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
}

// CheckoutBridge hands a snapshot to order management. Repeating a call for
// the same cart returns the order created by the first successful call.
type CheckoutBridge interface {
	PlaceOrder(ctx context.Context, snap CheckoutSnapshot) (*PlacedOrder, error)
}

// OrderReader looks up finalized orders for after-sales
type OrderReader interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error)
}

// internal keeps classified errors and wraps everything else as an internal failure
func internal(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal(msg, err)
}
