package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopper = int64(7)

func TestAddRemoveScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "19.90", 5)

	// add 3 of 5
	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 3})
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.Equal(t, 3, cart.TotalItems)
	assert.True(t, decimal.RequireFromString("59.70").Equal(cart.TotalPrice))
	assert.True(t, cart.Items[0].InStock)
	assert.Equal(t, 3, f.stock(t, v.ID).Reserved)
	available, err := f.ledger.Available(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	// 3 more while only 2 are available
	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 3})
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable))
	cart, err = f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.Equal(t, 3, f.stock(t, v.ID).Reserved)

	// remove the line
	cart, err = f.cart.RemoveItem(ctx, shopper, cart.Items[0].ID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	assert.Equal(t, 0, f.stock(t, v.ID).Reserved)
	available, err = f.ledger.Available(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, available)
}

func TestAddItemSumsQuantityAndKeepsSnapshotPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "10.00", 10)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 1})
	require.NoError(t, err)
	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)

	require.Len(t, cart.Items, 1)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	assert.True(t, decimal.RequireFromString("10").Equal(cart.Items[0].UnitPrice))
	assert.True(t, decimal.RequireFromString("30").Equal(cart.Items[0].Subtotal))
	assert.Equal(t, "Sand", cart.Items[0].Color)
	assert.Equal(t, "Linen Shirt", cart.Items[0].ProductName)
	assert.Equal(t, []string{models.EventTypeCartItemAdded, models.EventTypeCartItemAdded}, f.carts.types())
}

func TestAddItemValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: 1, Quantity: 0})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))

	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: 404, Quantity: 1})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// the failed add left no cart behind
	cart, err := f.store.GetActiveCartByUserID(ctx, shopper)
	require.NoError(t, err)
	assert.Nil(t, cart)
}

func TestGetCartWithoutCartIsEmptyAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	second, err := f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, first.Items)
	assert.NotNil(t, first.Items)
	assert.Equal(t, 0, first.TotalItems)
	assert.True(t, first.TotalPrice.IsZero())

	cart, err := f.store.GetActiveCartByUserID(ctx, shopper)
	require.NoError(t, err)
	assert.Nil(t, cart)
}

func TestUpdateItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "5", 4)

	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)
	itemID := cart.Items[0].ID

	cart, err = f.cart.UpdateItem(ctx, shopper, itemID, UpdateItemRequest{Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, cart.Items[0].Quantity)
	assert.Equal(t, 4, f.stock(t, v.ID).Reserved)

	_, err = f.cart.UpdateItem(ctx, shopper, itemID, UpdateItemRequest{Quantity: 5})
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable))
	assert.Equal(t, 4, f.stock(t, v.ID).Reserved)

	cart, err = f.cart.UpdateItem(ctx, shopper, itemID, UpdateItemRequest{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, cart.Items[0].Quantity)
	assert.Equal(t, 1, f.stock(t, v.ID).Reserved)

	_, err = f.cart.UpdateItem(ctx, shopper, itemID, UpdateItemRequest{Quantity: 0})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))

	// another shopper cannot touch the line
	_, err = f.cart.UpdateItem(ctx, shopper+1, itemID, UpdateItemRequest{Quantity: 2})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = f.cart.RemoveItem(ctx, shopper+1, itemID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReservationAccountingNeverDrifts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	variants := []models.Variant{f.variant(t, "3", 8), f.variant(t, "4", 5), f.variant(t, "6", 2)}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		cart, err := f.cart.GetCart(ctx, shopper)
		require.NoError(t, err)

		switch op := rng.Intn(3); {
		case op == 0 || len(cart.Items) == 0:
			v := variants[rng.Intn(len(variants))]
			_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 1 + rng.Intn(3)})
		case op == 1:
			line := cart.Items[rng.Intn(len(cart.Items))]
			_, err = f.cart.UpdateItem(ctx, shopper, line.ID, UpdateItemRequest{Quantity: 1 + rng.Intn(4)})
		default:
			line := cart.Items[rng.Intn(len(cart.Items))]
			_, err = f.cart.RemoveItem(ctx, shopper, line.ID)
		}
		if err != nil {
			require.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable), "unexpected error: %v", err)
		}

		cart, err = f.cart.GetCart(ctx, shopper)
		require.NoError(t, err)
		inCart := map[int64]int{}
		for _, line := range cart.Items {
			inCart[line.VariantID] += line.Quantity
		}
		for _, v := range variants {
			e := f.stock(t, v.ID)
			require.Equal(t, inCart[v.ID], e.Reserved, "variant %d after step %d", v.ID, i)
			require.LessOrEqual(t, e.Reserved, e.OnHand)
		}
	}
}

func TestConcurrentAddsNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "1", 10)

	var wg sync.WaitGroup
	for u := int64(1); u <= 25; u++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, _ = f.cart.AddItem(ctx, user, AddItemRequest{VariantID: v.ID, Quantity: 1})
		}(u)
	}
	wg.Wait()

	total := 0
	for u := int64(1); u <= 25; u++ {
		cart, err := f.cart.GetCart(ctx, u)
		require.NoError(t, err)
		total += cart.TotalItems
	}
	e := f.stock(t, v.ID)
	assert.Equal(t, 10, e.Reserved)
	assert.Equal(t, 10, total)
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shirt := f.variant(t, "20", 5)
	socks := f.variant(t, "4.50", 10)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: shirt.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: socks.ID, Quantity: 3})
	require.NoError(t, err)

	res, err := f.cart.Checkout(ctx, shopper, CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalItems)
	assert.True(t, decimal.RequireFromString("53.50").Equal(res.TotalPrice))
	assert.Equal(t, models.OrderStatusCreated, res.OrderStatus)

	// reservations became permanent decrements
	e := f.stock(t, shirt.ID)
	assert.Equal(t, 3, e.OnHand)
	assert.Equal(t, 0, e.Reserved)
	e = f.stock(t, socks.ID)
	assert.Equal(t, 7, e.OnHand)
	assert.Equal(t, 0, e.Reserved)

	checkedOut, err := f.store.GetCartByID(ctx, res.CartID)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusCheckedOut, checkedOut.Status)
	require.NotNil(t, checkedOut.OrderID)
	assert.Equal(t, res.OrderID, *checkedOut.OrderID)

	order, items, err := f.bridge.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", order.CustomerName)
	assert.Equal(t, IdempotencyKey(res.CartID), order.IdempotencyKey)
	require.Len(t, items, 2)
	assert.Equal(t, "Sand / M / Linen", items[0].VariantDescriptor)

	// the next read starts from an empty cart
	cart, err := f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	assert.Contains(t, f.carts.types(), models.EventTypeOrderCreated)
	assert.Contains(t, f.carts.types(), models.EventTypeCartCheckedOut)

	available, err := f.ledger.Available(ctx, shirt.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, available)
}

type failingBridge struct{ calls int }

func (b *failingBridge) PlaceOrder(ctx context.Context, snap CheckoutSnapshot) (*PlacedOrder, error) {
	b.calls++
	return nil, errors.New("dial tcp 10.0.0.12:9000: connect: connection refused")
}

func TestCheckoutBridgeFailureLeavesCartActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "20", 5)
	bridge := &failingBridge{}
	f.cart.bridge = bridge

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)

	_, err = f.cart.Checkout(ctx, shopper, CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, 1, bridge.calls)

	cart, err := f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	assert.Equal(t, models.CartStatusActive, cart.Status)
	assert.Equal(t, 2, cart.TotalItems)
	e := f.stock(t, v.ID)
	assert.Equal(t, 5, e.OnHand)
	assert.Equal(t, 2, e.Reserved)

	// the lock was released, so a retry reaches the bridge again
	f.cart.bridge = f.bridge
	_, err = f.cart.Checkout(ctx, shopper, CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"})
	require.NoError(t, err)
}

func TestCheckoutPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"}

	_, err := f.cart.Checkout(ctx, shopper, req)
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeEmptyCart))

	v := f.variant(t, "20", 5)
	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)

	// someone else holds the checkout lock
	token, ok, err := f.redis.AcquireLock(ctx, checkoutLockKey(cart.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.cart.Checkout(ctx, shopper, req)
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeCheckoutInProgress))
	require.NoError(t, f.redis.ReleaseLock(ctx, checkoutLockKey(cart.ID), token))

	// a reservation lost behind the cart's back blocks checkout
	require.NoError(t, f.store.ReleaseStock(ctx, v.ID, 1))
	_, err = f.cart.Checkout(ctx, shopper, req)
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeReservationLost))
	assert.Equal(t, models.CartStatusActive, mustCart(t, f, shopper).Status)
}

func mustCart(t *testing.T, f *fixture, userID int64) *models.Cart {
	t.Helper()
	c, err := f.store.GetActiveCartByUserID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestPlaceOrderIsIdempotentPerCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := CheckoutSnapshot{
		CartID:     11,
		UserID:     shopper,
		Lines:      []CheckoutLine{{VariantID: 1, ProductName: "Tee", Quantity: 1, UnitPrice: decimal.NewFromInt(9)}},
		TotalItems: 1,
		TotalPrice: decimal.NewFromInt(9),
	}

	first, err := f.bridge.PlaceOrder(ctx, snap)
	require.NoError(t, err)
	second, err := f.bridge.PlaceOrder(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = f.bridge.PlaceOrder(ctx, CheckoutSnapshot{CartID: 12})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeEmptyCart))
}

func TestAbandonStaleCarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "20", 5)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 2})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.cart.AddItem(ctx, shopper+1, AddItemRequest{VariantID: v.ID, Quantity: 1})
	require.NoError(t, err)

	listed, n, err := f.cart.AbandonStale(ctx, f.clock.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, listed)
	assert.Equal(t, 1, n)

	stale, err := f.store.GetActiveCartByUserID(ctx, shopper)
	require.NoError(t, err)
	assert.Nil(t, stale)
	assert.Equal(t, models.CartStatusActive, mustCart(t, f, shopper+1).Status)
	assert.Equal(t, 1, f.stock(t, v.ID).Reserved)
	assert.Contains(t, f.carts.types(), models.EventTypeCartAbandoned)

	// the shopper starts over with a fresh cart
	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, cart.TotalItems)
}

func TestQuantityIsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "10", 5)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 3})
	require.NoError(t, err)

	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: math.MaxInt})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))
	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: MaxLineQuantity})
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable))

	cart, err := f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	_, err = f.cart.UpdateItem(ctx, shopper, cart.Items[0].ID, UpdateItemRequest{Quantity: math.MaxInt})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))

	cart, err = f.cart.GetCart(ctx, shopper)
	require.NoError(t, err)
	assert.Equal(t, 3, cart.Items[0].Quantity)
	e := f.stock(t, v.ID)
	assert.Equal(t, 5, e.OnHand)
	assert.Equal(t, 3, e.Reserved)
}

func TestMergedLineMayNotExceedLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.variant(t, "1", 5000)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: MaxLineQuantity})
	require.NoError(t, err)
	_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: v.ID, Quantity: 1})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))
	assert.Equal(t, MaxLineQuantity, f.stock(t, v.ID).Reserved)

	_, err = f.ledger.Restock(ctx, v.ID, math.MaxInt)
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidQuantity))
}

func TestAddItemsIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shirt := f.variant(t, "20", 5)
	socks := f.variant(t, "4.50", 2)

	// the second line cannot be covered, so the first is not kept either
	_, err := f.cart.AddItems(ctx, shopper, AddItemsRequest{Items: []Line{
		{VariantID: shirt.ID, Quantity: 3},
		{VariantID: socks.ID, Quantity: 3},
	}})
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable))
	assert.Equal(t, 0, f.stock(t, shirt.ID).Reserved)
	assert.Equal(t, 0, f.stock(t, socks.ID).Reserved)
	cart, err := f.store.GetActiveCartByUserID(ctx, shopper)
	require.NoError(t, err)
	assert.Nil(t, cart)
	assert.Empty(t, f.carts.types())

	view, err := f.cart.AddItems(ctx, shopper, AddItemsRequest{Items: []Line{
		{VariantID: socks.ID, Quantity: 2},
		{VariantID: shirt.ID, Quantity: 2},
		{VariantID: shirt.ID, Quantity: 1},
	}})
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, 5, view.TotalItems)
	assert.Equal(t, 3, f.stock(t, shirt.ID).Reserved)
	assert.Equal(t, 2, f.stock(t, socks.ID).Reserved)
	assert.Len(t, f.carts.types(), 3)

	_, err = f.cart.AddItems(ctx, shopper, AddItemsRequest{})
	assert.True(t, apperr.Is(err, apperr.KindValidation, apperr.CodeInvalidRequest))
	_, err = f.cart.AddItems(ctx, shopper, AddItemsRequest{Items: []Line{{VariantID: 404, Quantity: 1}}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// editingBridge lets the shopper change the cart while the order is placed
type editingBridge struct {
	next CheckoutBridge
	edit func()
}

func (b *editingBridge) PlaceOrder(ctx context.Context, snap CheckoutSnapshot) (*PlacedOrder, error) {
	b.edit()
	return b.next.PlaceOrder(ctx, snap)
}

func TestCheckoutSettlesEditsMadeDuringPlacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shirt := f.variant(t, "20", 5)
	socks := f.variant(t, "4.50", 10)
	scarf := f.variant(t, "15", 4)

	_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: shirt.ID, Quantity: 2})
	require.NoError(t, err)
	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: socks.ID, Quantity: 3})
	require.NoError(t, err)
	socksLine := cart.Items[1].ID

	f.cart.bridge = &editingBridge{next: f.bridge, edit: func() {
		_, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: shirt.ID, Quantity: 1})
		require.NoError(t, err)
		_, err = f.cart.UpdateItem(ctx, shopper, socksLine, UpdateItemRequest{Quantity: 1})
		require.NoError(t, err)
		_, err = f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: scarf.ID, Quantity: 1})
		require.NoError(t, err)
	}}

	res, err := f.cart.Checkout(ctx, shopper, CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalItems)

	// the order holds the snapshot; the ledger ends up matching it exactly
	for _, c := range []struct {
		id             int64
		onHand, remain int
	}{{shirt.ID, 3, 0}, {socks.ID, 7, 0}, {scarf.ID, 4, 0}} {
		e := f.stock(t, c.id)
		assert.Equal(t, c.onHand, e.OnHand, "variant %d", c.id)
		assert.Equal(t, c.remain, e.Reserved, "variant %d", c.id)
	}
}

func TestCheckoutFailsWhenShortfallCannotBeReservedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	socks := f.variant(t, "4.50", 4)

	cart, err := f.cart.AddItem(ctx, shopper, AddItemRequest{VariantID: socks.ID, Quantity: 3})
	require.NoError(t, err)
	line := cart.Items[0].ID

	f.cart.bridge = &editingBridge{next: f.bridge, edit: func() {
		_, err := f.cart.UpdateItem(ctx, shopper, line, UpdateItemRequest{Quantity: 1})
		require.NoError(t, err)
		_, err = f.cart.AddItem(ctx, shopper+1, AddItemRequest{VariantID: socks.ID, Quantity: 3})
		require.NoError(t, err)
	}}

	_, err = f.cart.Checkout(ctx, shopper, CheckoutRequest{CustomerName: "Ana", CustomerEmail: "ana@example.com"})
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeStockUnavailable))
	assert.Equal(t, models.CartStatusActive, mustCart(t, f, shopper).Status)
	e := f.stock(t, socks.ID)
	assert.Equal(t, 4, e.OnHand)
	assert.Equal(t, 4, e.Reserved)
}
