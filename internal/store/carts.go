package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetActiveCartByUserID retrieves the user's active cart, nil if there is none
func (s *queries) GetActiveCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, s.q, &cart,
		"SELECT * FROM carts WHERE user_id = $1 AND status = $2", userID, models.CartStatusActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetOrCreateActiveCart resolves the user's active cart, creating it if needed.
// The partial unique index makes concurrent first-adds converge on one row.
func (s *queries) GetOrCreateActiveCart(ctx context.Context, userID int64) (*models.Cart, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO carts (user_id, status) VALUES ($1, $2)
		 ON CONFLICT (user_id) WHERE status = 'ACTIVE' DO NOTHING`,
		userID, models.CartStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}

	cart, err := s.GetActiveCartByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("active cart for user %d vanished after insert", userID)
	}
	return cart, nil
}

// GetCartByID retrieves a cart by ID
func (s *queries) GetCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, s.q, &cart, "SELECT * FROM carts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cart %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// LockCart selects the cart row FOR UPDATE. Outside a transaction the lock
// is released as soon as the statement finishes.
func (s *queries) LockCart(ctx context.Context, id int64) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, s.q, &cart, "SELECT * FROM carts WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cart %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// UpdateCartStatus moves a cart from one status to another
func (s *queries) UpdateCartStatus(ctx context.Context, cartID int64, from, to string, orderID *int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE carts SET status = $1, order_id = COALESCE($2, order_id), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		to, orderID, cartID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update cart status: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TouchCart bumps updated_at so the reaper sees recent activity
func (s *queries) TouchCart(ctx context.Context, cartID int64) error {
	_, err := s.q.ExecContext(ctx, "UPDATE carts SET updated_at = NOW() WHERE id = $1", cartID)
	return err
}

// ListStaleCarts retrieves active carts idle since before
func (s *queries) ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]models.Cart, error) {
	var carts []models.Cart
	err := sqlx.SelectContext(ctx, s.q, &carts,
		"SELECT * FROM carts WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3",
		models.CartStatusActive, before, limit)
	return carts, err
}

// GetCartItems retrieves all lines of a cart
func (s *queries) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

// GetCartItem retrieves one line of a cart
func (s *queries) GetCartItem(ctx context.Context, cartID, itemID int64) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, s.q, &item,
		"SELECT * FROM cart_items WHERE id = $1 AND cart_id = $2", itemID, cartID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetCartItemByVariant retrieves the line holding a variant, nil if absent
func (s *queries) GetCartItemByVariant(ctx context.Context, cartID, variantID int64) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, s.q, &item,
		"SELECT * FROM cart_items WHERE cart_id = $1 AND variant_id = $2", cartID, variantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateCartItem creates a new cart line
func (s *queries) CreateCartItem(ctx context.Context, item *models.CartItem) error {
	query := `
		INSERT INTO cart_items (cart_id, variant_id, quantity, unit_price, compare_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, s.q, item, query,
		item.CartID, item.VariantID, item.Quantity, item.UnitPrice, item.ComparePrice)
}

// UpdateCartItemQuantity sets the quantity of a line
func (s *queries) UpdateCartItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1, updated_at = NOW() WHERE id = $2",
		quantity, itemID)
	return err
}

// DeleteCartItem deletes a line
func (s *queries) DeleteCartItem(ctx context.Context, itemID int64) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM cart_items WHERE id = $1", itemID)
	return err
}
