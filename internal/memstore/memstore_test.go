package memstore

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveNeverExceedsOnHand(t *testing.T) {
	s := New()
	v := s.PutVariant(models.Variant{ProductName: "Tee", Price: decimal.NewFromInt(10)}, 10)
	ctx := context.Background()

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reserved, err := s.ReserveStock(ctx, v.ID, 1)
			assert.NoError(t, err)
			if reserved {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	e, err := s.GetStock(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(10), ok)
	assert.Equal(t, 10, e.Reserved)
	assert.Equal(t, 0, e.Available())
}

func TestReserveMissingVariant(t *testing.T) {
	s := New()
	_, err := s.ReserveStock(context.Background(), 42, 1)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestReserveHugeQuantityDoesNotWrap(t *testing.T) {
	s := New()
	v := s.PutVariant(models.Variant{ProductName: "Tee"}, 5)
	ctx := context.Background()

	ok, err := s.ReserveStock(ctx, v.ID, 3)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ReserveStock(ctx, v.ID, math.MaxInt)
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := s.GetStock(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Reserved)
	assert.Equal(t, 5, e.OnHand)
}

func TestLockCart(t *testing.T) {
	s := New()
	ctx := context.Background()
	cart, err := s.GetOrCreateActiveCart(ctx, 7)
	require.NoError(t, err)

	locked, err := s.LockCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, locked.ID)
	assert.Equal(t, models.CartStatusActive, locked.Status)

	_, err = s.LockCart(ctx, cart.ID+100)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateOrderRejectsDuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	order := &models.Order{OrderNumber: "ORD-20260301-AAAA0001", UserID: 7, IdempotencyKey: "cart-1"}
	require.NoError(t, s.CreateOrder(ctx, order))

	dup := &models.Order{OrderNumber: "ORD-20260301-AAAA0002", UserID: 7, IdempotencyKey: "cart-1"}
	err := s.CreateOrder(ctx, dup)
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeDuplicateOrder))

	dup = &models.Order{OrderNumber: "ORD-20260301-AAAA0001", UserID: 7}
	err = s.CreateOrder(ctx, dup)
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeDuplicateOrder))
}

func TestReleaseFloorsAtZero(t *testing.T) {
	s := New()
	v := s.PutVariant(models.Variant{ProductName: "Tee"}, 5)
	ctx := context.Background()

	_, err := s.ReserveStock(ctx, v.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseStock(ctx, v.ID, 7))

	e, _ := s.GetStock(ctx, v.ID)
	assert.Equal(t, 0, e.Reserved)
	assert.Equal(t, 5, e.OnHand)
}

func TestInTxRollsBack(t *testing.T) {
	s := New()
	v := s.PutVariant(models.Variant{ProductName: "Tee"}, 5)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(r repository.Repository) error {
		if _, err := r.ReserveStock(ctx, v.ID, 3); err != nil {
			return err
		}
		if _, err := r.GetOrCreateActiveCart(ctx, 7); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	e, _ := s.GetStock(ctx, v.ID)
	assert.Equal(t, 0, e.Reserved)
	cart, err := s.GetActiveCartByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, cart)
}

func TestOneActiveCartPerUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.GetOrCreateActiveCart(ctx, 9)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	ok, err := s.UpdateCartStatus(ctx, ids[0], models.CartStatusActive, models.CartStatusAbandoned, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	next, err := s.GetOrCreateActiveCart(ctx, 9)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], next.ID)
}

func TestCommitStockRequiresReservation(t *testing.T) {
	s := New()
	v := s.PutVariant(models.Variant{ProductName: "Tee"}, 5)
	ctx := context.Background()

	err := s.CommitStock(ctx, v.ID, 1)
	assert.True(t, apperr.Is(err, apperr.KindConflict, apperr.CodeReservationLost))

	_, _ = s.ReserveStock(ctx, v.ID, 2)
	require.NoError(t, s.CommitStock(ctx, v.ID, 2))
	e, _ := s.GetStock(ctx, v.ID)
	assert.Equal(t, 3, e.OnHand)
	assert.Equal(t, 0, e.Reserved)
}

func TestLoadSeed(t *testing.T) {
	s := New()
	n, err := s.LoadSeed(strings.NewReader(`{"variants":[{"id":3,"product_name":"Mug","price":"12.50","on_hand":4}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := s.GetVariant(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Mug", v.ProductName)
	assert.True(t, decimal.RequireFromString("12.5").Equal(v.Price))

	e, err := s.GetStock(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 4, e.OnHand)
}
