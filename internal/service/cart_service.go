package service

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
	"storefront-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CartService owns the cart aggregate. Every cart write commits together
// with its paired ledger change.
type CartService struct {
	store           repository.Store
	ledger          *StockLedger
	bridge          CheckoutBridge
	locker          Locker
	events          *broker.EventPublisher
	checkoutTimeout time.Duration
	logger          *zap.Logger
}

// NewCartService creates a cart service. locker may be nil.
func NewCartService(
	store repository.Store,
	ledger *StockLedger,
	bridge CheckoutBridge,
	locker Locker,
	events *broker.EventPublisher,
	checkoutTimeout time.Duration,
) *CartService {
	return &CartService{
		store:           store,
		ledger:          ledger,
		bridge:          bridge,
		locker:          locker,
		events:          events,
		checkoutTimeout: checkoutTimeout,
		logger:          util.Component("cart"),
	}
}

// CartLineView is one cart line as shown to the shopper
type CartLineView struct {
	ID           int64               `json:"id"`
	VariantID    int64               `json:"variant_id"`
	ProductName  string              `json:"product_name"`
	ImageURL     string              `json:"image_url"`
	Color        string              `json:"color"`
	Size         string              `json:"size"`
	Material     string              `json:"material"`
	Quantity     int                 `json:"quantity"`
	UnitPrice    decimal.Decimal     `json:"unit_price"`
	ComparePrice decimal.NullDecimal `json:"compare_price"`
	Subtotal     decimal.Decimal     `json:"subtotal"`
	InStock      bool                `json:"in_stock"`
}

// CartView is the active cart with computed totals
type CartView struct {
	ID         int64           `json:"id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Items      []CartLineView  `json:"items"`
	TotalItems int             `json:"total_items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

func emptyCart() *CartView {
	return &CartView{Items: []CartLineView{}, TotalPrice: decimal.Zero}
}

// AddItemRequest represents a request to add a variant to the cart
type AddItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,max=999"`
}

// AddItemsRequest adds several variants in one step
type AddItemsRequest struct {
	Items []Line `json:"items" binding:"required,min=1,max=50,dive"`
}

// UpdateItemRequest represents a request to change a line quantity
type UpdateItemRequest struct {
	Quantity int `json:"quantity" binding:"required,max=999"`
}

// CheckoutRequest carries the contact details copied onto the order
type CheckoutRequest struct {
	CustomerName  string `json:"customer_name" binding:"required"`
	CustomerEmail string `json:"customer_email" binding:"required,email"`
}

// CheckoutResult represents the response after a successful checkout
type CheckoutResult struct {
	CartID      int64           `json:"cart_id"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	OrderStatus string          `json:"order_status"`
	TotalItems  int             `json:"total_items"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

func (s *CartService) fail(op string, err error) error {
	util.CartOperationsFailedTotal.WithLabelValues(op, apperr.KindOf(err).String()).Inc()
	return err
}

// AddItem adds qty units of a variant to the user's active cart, creating the
// cart if needed. An existing line grows; its snapshot price stays.
func (s *CartService) AddItem(ctx context.Context, userID int64, req AddItemRequest) (view *CartView, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem",
		attribute.Int64("user_id", userID),
		attribute.Int64("variant_id", req.VariantID))
	defer func() { util.EndSpan(span, err) }()

	return s.addLines(ctx, userID, "add_item", []Line{{VariantID: req.VariantID, Quantity: req.Quantity}})
}

// AddItems adds every line or none: one unavailable variant fails the request
// and leaves the cart and the ledger as they were.
func (s *CartService) AddItems(ctx context.Context, userID int64, req AddItemsRequest) (view *CartView, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItems",
		attribute.Int64("user_id", userID),
		attribute.Int("lines", len(req.Items)))
	defer func() { util.EndSpan(span, err) }()

	if len(req.Items) == 0 {
		return nil, s.fail("add_items", apperr.Validation(apperr.CodeInvalidRequest, "at least one item is required"))
	}
	return s.addLines(ctx, userID, "add_items", req.Items)
}

func (s *CartService) addLines(ctx context.Context, userID int64, op string, lines []Line) (*CartView, error) {
	for _, line := range lines {
		if err := checkQuantity(line.Quantity); err != nil {
			return nil, s.fail(op, err)
		}
	}

	var cart *models.Cart
	err := s.store.InTx(ctx, func(r repository.Repository) error {
		variants := make(map[int64]*models.Variant, len(lines))
		for _, line := range lines {
			if _, seen := variants[line.VariantID]; seen {
				continue
			}
			v, err := r.GetVariant(ctx, line.VariantID)
			if err != nil {
				return err
			}
			variants[line.VariantID] = v
		}

		active, err := r.GetOrCreateActiveCart(ctx, userID)
		if err != nil {
			return err
		}
		if cart, err = r.LockCart(ctx, active.ID); err != nil {
			return err
		}
		if cart.Status != models.CartStatusActive {
			return apperr.Conflict(apperr.CodeCartNotActive, "cart %d is no longer active", cart.ID)
		}

		if err := s.ledger.reserveAllIn(ctx, r, lines); err != nil {
			return err
		}

		for _, line := range lines {
			item, err := r.GetCartItemByVariant(ctx, cart.ID, line.VariantID)
			if err != nil {
				return err
			}
			if item == nil {
				v := variants[line.VariantID]
				err = r.CreateCartItem(ctx, &models.CartItem{
					CartID:       cart.ID,
					VariantID:    v.ID,
					Quantity:     line.Quantity,
					UnitPrice:    v.Price,
					ComparePrice: v.ComparePrice,
				})
			} else {
				total := item.Quantity + line.Quantity
				if err := checkQuantity(total); err != nil {
					return err
				}
				err = r.UpdateCartItemQuantity(ctx, item.ID, total)
			}
			if err != nil {
				return err
			}
		}
		return r.TouchCart(ctx, cart.ID)
	})
	if err != nil {
		return nil, s.fail(op, internal(err, "failed to add cart items"))
	}

	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.VariantID)
	}
	s.ledger.Refresh(ctx, ids...)
	util.CartItemsAddedTotal.Add(float64(len(lines)))

	for _, line := range lines {
		s.logger.Info("Cart item added",
			zap.Int64("cart_id", cart.ID),
			zap.Int64("variant_id", line.VariantID),
			zap.Int("quantity", line.Quantity))

		event := &models.CartItemAddedEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeCartItemAdded),
			CartID:    cart.ID,
			UserID:    userID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
		}
		if err := s.events.PublishCartItemAdded(ctx, event); err != nil {
			s.logger.Error("Failed to publish CartItemAdded event", zap.Error(err))
		}
	}

	return s.GetCart(ctx, userID)
}

// activeLine resolves a line of the user's active cart inside r
func activeLine(ctx context.Context, r repository.Repository, userID, itemID int64) (*models.Cart, *models.CartItem, error) {
	cart, err := r.GetActiveCartByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if cart == nil {
		return nil, nil, apperr.NotFound("cart item %d not found", itemID)
	}
	// lines are read only after the lock, so no writer works from a stale quantity
	if cart, err = r.LockCart(ctx, cart.ID); err != nil {
		return nil, nil, err
	}
	if cart.Status != models.CartStatusActive {
		return nil, nil, apperr.NotFound("cart item %d not found", itemID)
	}
	item, err := r.GetCartItem(ctx, cart.ID, itemID)
	if err != nil {
		return nil, nil, err
	}
	return cart, item, nil
}

// UpdateItem sets a line quantity, reserving the increase or releasing the decrease
func (s *CartService) UpdateItem(ctx context.Context, userID, itemID int64, req UpdateItemRequest) (view *CartView, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpdateItem",
		attribute.Int64("user_id", userID),
		attribute.Int64("item_id", itemID))
	defer func() { util.EndSpan(span, err) }()

	if err := checkQuantity(req.Quantity); err != nil {
		return nil, s.fail("update_item", err)
	}

	var variantID int64
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		cart, item, err := activeLine(ctx, r, userID, itemID)
		if err != nil {
			return err
		}
		variantID = item.VariantID

		switch delta := req.Quantity - item.Quantity; {
		case delta > 0:
			err = s.ledger.reserveIn(ctx, r, item.VariantID, delta)
		case delta < 0:
			err = s.ledger.releaseIn(ctx, r, item.VariantID, -delta)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.UpdateCartItemQuantity(ctx, item.ID, req.Quantity); err != nil {
			return err
		}
		return r.TouchCart(ctx, cart.ID)
	})
	if err != nil {
		return nil, s.fail("update_item", internal(err, "failed to update cart item"))
	}

	s.ledger.Refresh(ctx, variantID)
	return s.GetCart(ctx, userID)
}

// RemoveItem deletes a line and releases its whole reservation
func (s *CartService) RemoveItem(ctx context.Context, userID, itemID int64) (view *CartView, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem",
		attribute.Int64("user_id", userID),
		attribute.Int64("item_id", itemID))
	defer func() { util.EndSpan(span, err) }()

	var variantID int64
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		cart, item, err := activeLine(ctx, r, userID, itemID)
		if err != nil {
			return err
		}
		variantID = item.VariantID

		if err := s.ledger.releaseIn(ctx, r, item.VariantID, item.Quantity); err != nil {
			return err
		}
		if err := r.DeleteCartItem(ctx, item.ID); err != nil {
			return err
		}
		return r.TouchCart(ctx, cart.ID)
	})
	if err != nil {
		return nil, s.fail("remove_item", internal(err, "failed to remove cart item"))
	}

	s.ledger.Refresh(ctx, variantID)
	return s.GetCart(ctx, userID)
}

// GetCart returns the user's active cart. A user without one gets an empty
// cart and nothing is written.
func (s *CartService) GetCart(ctx context.Context, userID int64) (view *CartView, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetCart", attribute.Int64("user_id", userID))
	defer func() { util.EndSpan(span, err) }()

	cart, err := s.store.GetActiveCartByUserID(ctx, userID)
	if err != nil {
		return nil, internal(err, "failed to read cart")
	}
	if cart == nil {
		return emptyCart(), nil
	}

	items, err := s.store.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, internal(err, "failed to read cart items")
	}
	variants, stock, err := s.lookup(ctx, items)
	if err != nil {
		return nil, err
	}
	reserved := reservedFor(items)

	view = emptyCart()
	view.ID = cart.ID
	view.Status = cart.Status
	for _, item := range items {
		v := variants[item.VariantID]
		entry, ok := stock[item.VariantID]
		line := CartLineView{
			ID:           item.ID,
			VariantID:    item.VariantID,
			ProductName:  v.ProductName,
			ImageURL:     v.ImageURL,
			Color:        v.Color,
			Size:         v.Size,
			Material:     v.Material,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			ComparePrice: item.ComparePrice,
			Subtotal:     item.Subtotal(),
			InStock:      ok && entry.Reserved >= reserved[item.VariantID],
		}
		view.Items = append(view.Items, line)
		view.TotalItems += item.Quantity
		view.TotalPrice = view.TotalPrice.Add(line.Subtotal)
	}
	return view, nil
}

func (s *CartService) lookup(ctx context.Context, items []models.CartItem) (map[int64]models.Variant, map[int64]models.StockLedgerEntry, error) {
	variants := make(map[int64]models.Variant, len(items))
	stock := make(map[int64]models.StockLedgerEntry, len(items))
	if len(items) == 0 {
		return variants, stock, nil
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VariantID)
	}

	vs, err := s.store.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, nil, internal(err, "failed to read variants")
	}
	for _, v := range vs {
		variants[v.ID] = v
	}
	es, err := s.store.GetStocksByVariantIDs(ctx, ids)
	if err != nil {
		return nil, nil, internal(err, "failed to read stock")
	}
	for _, e := range es {
		stock[e.VariantID] = e
	}
	return variants, stock, nil
}

func reservedFor(items []models.CartItem) map[int64]int {
	out := make(map[int64]int, len(items))
	for _, item := range items {
		out[item.VariantID] += item.Quantity
	}
	return out
}

func checkoutLockKey(cartID int64) string {
	return fmt.Sprintf("checkout:%d", cartID)
}

// Checkout turns the active cart into an order. On any failure before the
// order exists the cart stays active with its reservations, so the caller
// may retry.
func (s *CartService) Checkout(ctx context.Context, userID int64, req CheckoutRequest) (result *CheckoutResult, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.Checkout", attribute.Int64("user_id", userID))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = apperr.KindOf(err).String()
		}
		util.CheckoutsTotal.WithLabelValues(outcome).Inc()
		util.EndSpan(span, err)
	}()

	cart, err := s.store.GetActiveCartByUserID(ctx, userID)
	if err != nil {
		return nil, internal(err, "failed to read cart")
	}
	if cart == nil {
		return nil, apperr.Validation(apperr.CodeEmptyCart, "there is no active cart to check out")
	}
	span.SetAttributes(attribute.Int64("cart_id", cart.ID))

	if s.locker != nil {
		key := checkoutLockKey(cart.ID)
		token, ok, err := s.locker.AcquireLock(ctx, key, s.checkoutTimeout+30*time.Second)
		if err != nil {
			return nil, apperr.Internal("failed to acquire checkout lock", err)
		}
		if !ok {
			return nil, apperr.Conflict(apperr.CodeCheckoutInProgress, "cart %d is already being checked out", cart.ID)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.locker.ReleaseLock(releaseCtx, key, token); err != nil {
				s.logger.Warn("Failed to release checkout lock", zap.Int64("cart_id", cart.ID), zap.Error(err))
			}
		}()
	}

	items, err := s.store.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, internal(err, "failed to read cart items")
	}
	if len(items) == 0 {
		return nil, apperr.Validation(apperr.CodeEmptyCart, "cart %d is empty", cart.ID)
	}

	variants, stock, err := s.lookup(ctx, items)
	if err != nil {
		return nil, err
	}
	for variantID, qty := range reservedFor(items) {
		entry, ok := stock[variantID]
		if !ok || entry.Reserved < qty {
			return nil, apperr.Conflict(apperr.CodeReservationLost, "reservation for variant %d no longer covers %d units", variantID, qty)
		}
	}

	snap := CheckoutSnapshot{
		CartID:        cart.ID,
		UserID:        userID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Lines:         make([]CheckoutLine, 0, len(items)),
		TotalPrice:    decimal.Zero,
	}
	for _, item := range items {
		v := variants[item.VariantID]
		snap.Lines = append(snap.Lines, CheckoutLine{
			VariantID:         item.VariantID,
			ProductName:       v.ProductName,
			VariantDescriptor: v.Descriptor(),
			Quantity:          item.Quantity,
			UnitPrice:         item.UnitPrice,
		})
		snap.TotalItems += item.Quantity
		snap.TotalPrice = snap.TotalPrice.Add(item.Subtotal())
	}

	bridgeCtx, cancel := context.WithTimeout(ctx, s.checkoutTimeout)
	order, err := s.bridge.PlaceOrder(bridgeCtx, snap)
	cancel()
	if err != nil {
		s.logger.Error("Checkout bridge failed", zap.Int64("cart_id", cart.ID), zap.Error(err))
		return nil, apperr.Internal("checkout bridge failed", err)
	}

	var settled []int64
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		if _, err := r.LockCart(ctx, cart.ID); err != nil {
			return err
		}
		// the shopper may have edited the cart while the order was placed
		latest, err := r.GetCartItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		ok, err := r.UpdateCartStatus(ctx, cart.ID, models.CartStatusActive, models.CartStatusCheckedOut, &order.OrderID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(apperr.CodeCartNotActive, "cart %d is no longer active", cart.ID)
		}
		settled, err = s.ledger.settleIn(ctx, r, reservedFor(items), reservedFor(latest))
		return err
	})
	if err != nil {
		s.logger.Error("Failed to finalize checkout",
			zap.Int64("cart_id", cart.ID),
			zap.Int64("order_id", order.OrderID),
			zap.Error(err))
		return nil, internal(err, "failed to finalize checkout")
	}

	s.ledger.Refresh(ctx, settled...)

	s.logger.Info("Cart checked out",
		zap.Int64("cart_id", cart.ID),
		zap.Int64("order_id", order.OrderID),
		zap.String("order_number", order.OrderNumber))

	event := &models.CartCheckedOutEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypeCartCheckedOut),
		CartID:      cart.ID,
		UserID:      userID,
		OrderID:     order.OrderID,
		OrderNumber: order.OrderNumber,
		TotalAmount: snap.TotalPrice,
	}
	if err := s.events.PublishCartCheckedOut(ctx, event); err != nil {
		s.logger.Error("Failed to publish CartCheckedOut event", zap.Error(err))
	}

	return &CheckoutResult{
		CartID:      cart.ID,
		OrderID:     order.OrderID,
		OrderNumber: order.OrderNumber,
		OrderStatus: order.Status,
		TotalItems:  snap.TotalItems,
		TotalPrice:  snap.TotalPrice,
	}, nil
}

// AbandonStale moves up to limit carts untouched since before to Abandoned
// and releases their reservations. It returns how many carts it listed and
// how many of those it abandoned.
func (s *CartService) AbandonStale(ctx context.Context, before time.Time, limit int) (listed, n int, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.AbandonStale")
	defer func() { util.EndSpan(span, err) }()

	carts, err := s.store.ListStaleCarts(ctx, before, limit)
	if err != nil {
		return 0, 0, internal(err, "failed to list stale carts")
	}

	for _, cart := range carts {
		var abandoned bool
		var released []int64
		err := s.store.InTx(ctx, func(r repository.Repository) error {
			current, err := r.LockCart(ctx, cart.ID)
			if err != nil {
				return err
			}
			// touched or checked out since it was listed
			if current.Status != models.CartStatusActive || !current.UpdatedAt.Before(before) {
				return nil
			}
			ok, err := r.UpdateCartStatus(ctx, cart.ID, models.CartStatusActive, models.CartStatusAbandoned, nil)
			if err != nil || !ok {
				return err
			}
			items, err := r.GetCartItems(ctx, cart.ID)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := s.ledger.releaseIn(ctx, r, item.VariantID, item.Quantity); err != nil {
					return err
				}
				released = append(released, item.VariantID)
			}
			abandoned = true
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to abandon cart", zap.Int64("cart_id", cart.ID), zap.Error(err))
			continue
		}
		if !abandoned {
			continue
		}

		n++
		util.CartsAbandonedTotal.Inc()
		s.ledger.Refresh(ctx, released...)

		event := &models.CartAbandonedEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeCartAbandoned),
			CartID:    cart.ID,
			UserID:    cart.UserID,
		}
		if err := s.events.PublishCartAbandoned(ctx, event); err != nil {
			s.logger.Error("Failed to publish CartAbandoned event", zap.Error(err))
		}
	}
	return len(carts), n, nil
}
