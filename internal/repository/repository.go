// Package repository declares the persistence surface shared by the Postgres
// store and the in-memory store.
package repository

import (
	"context"
	"time"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/models"
)

// Lookups of a single row return an apperr NotFound error when the row is
// absent, except the methods documented as returning nil, nil.
type Repository interface {
	GetVariant(ctx context.Context, id int64) (*models.Variant, error)
	GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error)

	GetStock(ctx context.Context, variantID int64) (*models.StockLedgerEntry, error)
	GetStocksByVariantIDs(ctx context.Context, variantIDs []int64) ([]models.StockLedgerEntry, error)
	ListStock(ctx context.Context) ([]models.StockLedgerEntry, error)
	// ReserveStock adds qty to reserved only if reserved+qty <= on_hand, as one
	// atomic step. It returns false when the entry lacks capacity.
	ReserveStock(ctx context.Context, variantID int64, qty int) (bool, error)
	// ReleaseStock lowers reserved by qty, floored at zero.
	ReleaseStock(ctx context.Context, variantID int64, qty int) error
	// CommitStock turns a reservation into a permanent decrement of on_hand.
	CommitStock(ctx context.Context, variantID int64, qty int) error
	// SetOnHand returns false when onHand would drop below reserved.
	SetOnHand(ctx context.Context, variantID int64, onHand int) (bool, error)

	// GetActiveCartByUserID returns nil, nil when the user has no active cart.
	GetActiveCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	GetOrCreateActiveCart(ctx context.Context, userID int64) (*models.Cart, error)
	GetCartByID(ctx context.Context, id int64) (*models.Cart, error)
	// LockCart reads the cart and holds it against concurrent cart writers
	// until the surrounding transaction ends. Every cart mutation calls it
	// before reading the cart's lines.
	LockCart(ctx context.Context, id int64) (*models.Cart, error)
	// UpdateCartStatus is a compare-and-set on the cart status.
	UpdateCartStatus(ctx context.Context, cartID int64, from, to string, orderID *int64) (bool, error)
	TouchCart(ctx context.Context, cartID int64) error
	ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	GetCartItem(ctx context.Context, cartID, itemID int64) (*models.CartItem, error)
	// GetCartItemByVariant returns nil, nil when the cart has no line for the variant.
	GetCartItemByVariant(ctx context.Context, cartID, variantID int64) (*models.CartItem, error)
	CreateCartItem(ctx context.Context, item *models.CartItem) error
	UpdateCartItemQuantity(ctx context.Context, itemID int64, quantity int) error
	DeleteCartItem(ctx context.Context, itemID int64) error

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	// GetOrderByIdempotencyKey returns nil, nil when no order carries the key.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error

	CreateTicket(ctx context.Context, t *aftersales.Ticket) error
	GetTicketByID(ctx context.Context, id int64) (*aftersales.Ticket, error)
	ListTicketsByCustomer(ctx context.Context, customerID int64) ([]aftersales.Ticket, error)
	// UpdateTicket persists t only if the stored status still equals expected.
	UpdateTicket(ctx context.Context, t *aftersales.Ticket, expected aftersales.Status) (bool, error)
	CreateEvidence(ctx context.Context, e *aftersales.Evidence) error
	ListEvidence(ctx context.Context, ticketID int64) ([]aftersales.Evidence, error)

	CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error
	GetRefundRequestByID(ctx context.Context, id int64) (*models.RefundRequest, error)
	UpdateRefundRequestStatus(ctx context.Context, id int64, from, to, providerTxID string) (bool, error)
}

// Store is a Repository that can open a transaction. Everything done through
// the Repository passed to fn commits together or not at all.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}
