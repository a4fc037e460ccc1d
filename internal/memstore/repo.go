package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/apperr"
	"storefront-service/internal/models"
)

func (v *view) GetVariant(ctx context.Context, id int64) (*models.Variant, error) {
	defer v.lock()()
	vr, ok := v.st.variants[id]
	if !ok {
		return nil, apperr.NotFound("variant %d not found", id)
	}
	return &vr, nil
}

func (v *view) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	defer v.lock()()
	out := []models.Variant{}
	for _, id := range ids {
		if vr, ok := v.st.variants[id]; ok {
			out = append(out, vr)
		}
	}
	return out, nil
}

func (v *view) GetStock(ctx context.Context, variantID int64) (*models.StockLedgerEntry, error) {
	defer v.lock()()
	return v.stockLocked(variantID)
}

func (v *view) stockLocked(variantID int64) (*models.StockLedgerEntry, error) {
	e, ok := v.st.stock[variantID]
	if !ok {
		return nil, apperr.NotFound("stock for variant %d not found", variantID)
	}
	return &e, nil
}

func (v *view) GetStocksByVariantIDs(ctx context.Context, variantIDs []int64) ([]models.StockLedgerEntry, error) {
	defer v.lock()()
	out := []models.StockLedgerEntry{}
	for _, id := range variantIDs {
		if e, ok := v.st.stock[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) ListStock(ctx context.Context) ([]models.StockLedgerEntry, error) {
	defer v.lock()()
	out := make([]models.StockLedgerEntry, 0, len(v.st.stock))
	for _, e := range v.st.stock {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

func (v *view) ReserveStock(ctx context.Context, variantID int64, qty int) (bool, error) {
	defer v.lock()()
	e, err := v.stockLocked(variantID)
	if err != nil {
		return false, err
	}
	if qty > e.OnHand-e.Reserved {
		return false, nil
	}
	e.Reserved += qty
	e.UpdatedAt = v.now()
	v.st.stock[variantID] = *e
	return true, nil
}

func (v *view) ReleaseStock(ctx context.Context, variantID int64, qty int) error {
	defer v.lock()()
	e, ok := v.st.stock[variantID]
	if !ok {
		return nil
	}
	e.Reserved -= qty
	if e.Reserved < 0 {
		e.Reserved = 0
	}
	e.UpdatedAt = v.now()
	v.st.stock[variantID] = e
	return nil
}

func (v *view) CommitStock(ctx context.Context, variantID int64, qty int) error {
	defer v.lock()()
	e, ok := v.st.stock[variantID]
	if !ok || e.Reserved < qty {
		return apperr.Conflict(apperr.CodeReservationLost, "reservation for variant %d no longer covers %d units", variantID, qty)
	}
	e.OnHand -= qty
	e.Reserved -= qty
	e.UpdatedAt = v.now()
	v.st.stock[variantID] = e
	return nil
}

func (v *view) SetOnHand(ctx context.Context, variantID int64, onHand int) (bool, error) {
	defer v.lock()()
	e, err := v.stockLocked(variantID)
	if err != nil {
		return false, err
	}
	if onHand < e.Reserved {
		return false, nil
	}
	e.OnHand = onHand
	e.UpdatedAt = v.now()
	v.st.stock[variantID] = *e
	return true, nil
}

func (v *view) activeCartLocked(userID int64) *models.Cart {
	for _, c := range v.st.carts {
		if c.UserID == userID && c.Status == models.CartStatusActive {
			c := c
			return &c
		}
	}
	return nil
}

func (v *view) GetActiveCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	defer v.lock()()
	return v.activeCartLocked(userID), nil
}

func (v *view) GetOrCreateActiveCart(ctx context.Context, userID int64) (*models.Cart, error) {
	defer v.lock()()
	if c := v.activeCartLocked(userID); c != nil {
		return c, nil
	}
	now := v.now()
	c := models.Cart{ID: v.st.id(), UserID: userID, Status: models.CartStatusActive, CreatedAt: now, UpdatedAt: now}
	v.st.carts[c.ID] = c
	return &c, nil
}

// LockCart reads the cart. The store lock already serializes writers.
func (v *view) LockCart(ctx context.Context, id int64) (*models.Cart, error) {
	return v.GetCartByID(ctx, id)
}

func (v *view) GetCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	defer v.lock()()
	c, ok := v.st.carts[id]
	if !ok {
		return nil, apperr.NotFound("cart %d not found", id)
	}
	return &c, nil
}

func (v *view) UpdateCartStatus(ctx context.Context, cartID int64, from, to string, orderID *int64) (bool, error) {
	defer v.lock()()
	c, ok := v.st.carts[cartID]
	if !ok || c.Status != from {
		return false, nil
	}
	if to == models.CartStatusActive && v.activeCartLocked(c.UserID) != nil {
		return false, fmt.Errorf("user %d already has an active cart", c.UserID)
	}
	c.Status = to
	if orderID != nil {
		id := *orderID
		c.OrderID = &id
	}
	c.UpdatedAt = v.now()
	v.st.carts[cartID] = c
	return true, nil
}

func (v *view) TouchCart(ctx context.Context, cartID int64) error {
	defer v.lock()()
	if c, ok := v.st.carts[cartID]; ok {
		c.UpdatedAt = v.now()
		v.st.carts[cartID] = c
	}
	return nil
}

func (v *view) ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]models.Cart, error) {
	defer v.lock()()
	out := []models.Cart{}
	for _, c := range v.st.carts {
		if c.Status == models.CartStatusActive && c.UpdatedAt.Before(before) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	defer v.lock()()
	out := []models.CartItem{}
	for _, it := range v.st.cartItems {
		if it.CartID == cartID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetCartItem(ctx context.Context, cartID, itemID int64) (*models.CartItem, error) {
	defer v.lock()()
	it, ok := v.st.cartItems[itemID]
	if !ok || it.CartID != cartID {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}
	return &it, nil
}

func (v *view) GetCartItemByVariant(ctx context.Context, cartID, variantID int64) (*models.CartItem, error) {
	defer v.lock()()
	for _, it := range v.st.cartItems {
		if it.CartID == cartID && it.VariantID == variantID {
			it := it
			return &it, nil
		}
	}
	return nil, nil
}

func (v *view) CreateCartItem(ctx context.Context, item *models.CartItem) error {
	defer v.lock()()
	for _, it := range v.st.cartItems {
		if it.CartID == item.CartID && it.VariantID == item.VariantID {
			return fmt.Errorf("cart %d already holds variant %d", item.CartID, item.VariantID)
		}
	}
	now := v.now()
	item.ID = v.st.id()
	item.CreatedAt = now
	item.UpdatedAt = now
	v.st.cartItems[item.ID] = *item
	return nil
}

func (v *view) UpdateCartItemQuantity(ctx context.Context, itemID int64, quantity int) error {
	defer v.lock()()
	it, ok := v.st.cartItems[itemID]
	if !ok {
		return apperr.NotFound("cart item %d not found", itemID)
	}
	it.Quantity = quantity
	it.UpdatedAt = v.now()
	v.st.cartItems[itemID] = it
	return nil
}

func (v *view) DeleteCartItem(ctx context.Context, itemID int64) error {
	defer v.lock()()
	delete(v.st.cartItems, itemID)
	return nil
}

func (v *view) CreateOrder(ctx context.Context, order *models.Order) error {
	defer v.lock()()
	for _, o := range v.st.orders {
		if order.IdempotencyKey != "" && o.IdempotencyKey == order.IdempotencyKey {
			return apperr.Conflict(apperr.CodeDuplicateOrder, "order with key %s already exists", order.IdempotencyKey)
		}
		if o.OrderNumber == order.OrderNumber {
			return apperr.Conflict(apperr.CodeDuplicateOrder, "order number %s already exists", order.OrderNumber)
		}
	}
	now := v.now()
	order.ID = v.st.id()
	order.CreatedAt = now
	order.UpdatedAt = now
	v.st.orders[order.ID] = *order
	return nil
}

func (v *view) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	defer v.lock()()
	if _, ok := v.st.orders[item.OrderID]; !ok {
		return apperr.NotFound("order %d not found", item.OrderID)
	}
	item.ID = v.st.id()
	v.st.orderItems[item.ID] = *item
	return nil
}

func (v *view) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	defer v.lock()()
	o, ok := v.st.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %d not found", id)
	}
	return &o, nil
}

func (v *view) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	defer v.lock()()
	for _, o := range v.st.orders {
		if o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (v *view) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	defer v.lock()()
	out := []models.OrderItem{}
	for _, it := range v.st.orderItems {
		if it.OrderID == orderID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	defer v.lock()()
	o, ok := v.st.orders[orderID]
	if !ok {
		return apperr.NotFound("order %d not found", orderID)
	}
	o.Status = status
	o.UpdatedAt = v.now()
	v.st.orders[orderID] = o
	return nil
}

func (v *view) CreateTicket(ctx context.Context, t *aftersales.Ticket) error {
	defer v.lock()()
	for _, existing := range v.st.tickets {
		if existing.TicketNumber == t.TicketNumber {
			return apperr.Conflict("duplicate_ticket_number", "ticket number %s already assigned", t.TicketNumber)
		}
	}
	t.ID = v.st.id()
	v.st.tickets[t.ID] = *t
	return nil
}

func (v *view) GetTicketByID(ctx context.Context, id int64) (*aftersales.Ticket, error) {
	defer v.lock()()
	t, ok := v.st.tickets[id]
	if !ok {
		return nil, apperr.NotFound("ticket %d not found", id)
	}
	return &t, nil
}

func (v *view) ListTicketsByCustomer(ctx context.Context, customerID int64) ([]aftersales.Ticket, error) {
	defer v.lock()()
	out := []aftersales.Ticket{}
	for _, t := range v.st.tickets {
		if t.CustomerID == customerID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (v *view) UpdateTicket(ctx context.Context, t *aftersales.Ticket, expected aftersales.Status) (bool, error) {
	defer v.lock()()
	cur, ok := v.st.tickets[t.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	cur.Status = t.Status
	cur.RefundAmount = t.RefundAmount
	cur.IsEvidenceRequired = t.IsEvidenceRequired
	cur.PolicyViolation = t.PolicyViolation
	cur.DecisionNote = t.DecisionNote
	cur.UpdatedAt = t.UpdatedAt
	cur.ResolvedAt = t.ResolvedAt
	v.st.tickets[t.ID] = cur
	return true, nil
}

func (v *view) CreateEvidence(ctx context.Context, e *aftersales.Evidence) error {
	defer v.lock()()
	if _, ok := v.st.tickets[e.TicketID]; !ok {
		return apperr.NotFound("ticket %d not found", e.TicketID)
	}
	e.ID = v.st.id()
	v.st.evidence[e.ID] = *e
	return nil
}

func (v *view) ListEvidence(ctx context.Context, ticketID int64) ([]aftersales.Evidence, error) {
	defer v.lock()()
	out := []aftersales.Evidence{}
	for _, e := range v.st.evidence {
		if e.TicketID == ticketID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error {
	defer v.lock()()
	for _, existing := range v.st.refunds {
		if existing.TicketID == r.TicketID {
			return apperr.Conflict("duplicate_refund", "ticket %d already has a refund request", r.TicketID)
		}
	}
	now := v.now()
	r.ID = v.st.id()
	r.CreatedAt = now
	r.UpdatedAt = now
	v.st.refunds[r.ID] = *r
	return nil
}

func (v *view) GetRefundRequestByID(ctx context.Context, id int64) (*models.RefundRequest, error) {
	defer v.lock()()
	r, ok := v.st.refunds[id]
	if !ok {
		return nil, apperr.NotFound("refund request %d not found", id)
	}
	return &r, nil
}

func (v *view) UpdateRefundRequestStatus(ctx context.Context, id int64, from, to, providerTxID string) (bool, error) {
	defer v.lock()()
	r, ok := v.st.refunds[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.ProviderTxID = providerTxID
	r.UpdatedAt = v.now()
	v.st.refunds[id] = r
	return true, nil
}
