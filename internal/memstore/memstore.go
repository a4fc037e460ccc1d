// Package memstore is an in-memory repository.Store. Every transaction holds
// a single lock and works on a copy of the state, which replaces the live
// state only when the transaction function succeeds.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
)

type state struct {
	nextID     int64
	variants   map[int64]models.Variant
	stock      map[int64]models.StockLedgerEntry
	carts      map[int64]models.Cart
	cartItems  map[int64]models.CartItem
	orders     map[int64]models.Order
	orderItems map[int64]models.OrderItem
	tickets    map[int64]aftersales.Ticket
	evidence   map[int64]aftersales.Evidence
	refunds    map[int64]models.RefundRequest
}

func newState() *state {
	return &state{
		variants:   map[int64]models.Variant{},
		stock:      map[int64]models.StockLedgerEntry{},
		carts:      map[int64]models.Cart{},
		cartItems:  map[int64]models.CartItem{},
		orders:     map[int64]models.Order{},
		orderItems: map[int64]models.OrderItem{},
		tickets:    map[int64]aftersales.Ticket{},
		evidence:   map[int64]aftersales.Evidence{},
		refunds:    map[int64]models.RefundRequest{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *state) clone() *state {
	return &state{
		nextID:     st.nextID,
		variants:   cloneMap(st.variants),
		stock:      cloneMap(st.stock),
		carts:      cloneMap(st.carts),
		cartItems:  cloneMap(st.cartItems),
		orders:     cloneMap(st.orders),
		orderItems: cloneMap(st.orderItems),
		tickets:    cloneMap(st.tickets),
		evidence:   cloneMap(st.evidence),
		refunds:    cloneMap(st.refunds),
	}
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

// view implements repository.Repository over a state.
type view struct {
	// mu is nil inside a transaction, which already holds the store lock
	mu  *sync.Mutex
	st  *state
	now func() time.Time
}

func (v *view) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

type Store struct {
	*view
	mu sync.Mutex
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	s := &Store{}
	s.view = &view{mu: &s.mu, st: newState(), now: time.Now}
	return s
}

// SetClock replaces the time source used for generated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.now = now
}

func (s *Store) InTx(ctx context.Context, fn func(repository.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	clone := s.view.st.clone()
	if err := fn(&view{st: clone, now: s.view.now}); err != nil {
		return err
	}
	s.view.st = clone
	return nil
}

// PutVariant stores a catalog variant together with its ledger entry.
func (s *Store) PutVariant(v models.Variant, onHand int) models.Variant {
	defer s.lock()()
	if v.ID == 0 {
		v.ID = s.st.id()
	} else if v.ID > s.st.nextID {
		s.st.nextID = v.ID
	}
	s.st.variants[v.ID] = v
	s.st.stock[v.ID] = models.StockLedgerEntry{VariantID: v.ID, OnHand: onHand, UpdatedAt: s.now()}
	return v
}

// PutOrder stores an order and its items as the order collaborator would.
func (s *Store) PutOrder(o models.Order, items []models.OrderItem) (models.Order, []models.OrderItem) {
	defer s.lock()()
	if o.ID == 0 {
		o.ID = s.st.id()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = o.CreatedAt
	if o.OrderNumber == "" {
		o.OrderNumber = fmt.Sprintf("ORD-%d", o.ID)
	}
	if o.OrderType == "" {
		o.OrderType = models.OrderTypeStandard
	}
	out := make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		it.ID = s.st.id()
		it.OrderID = o.ID
		s.st.orderItems[it.ID] = it
		out = append(out, it)
	}
	s.st.orders[o.ID] = o
	return o, out
}

type seedVariant struct {
	models.Variant
	OnHand int `json:"on_hand"`
}

type seedFile struct {
	Variants []seedVariant `json:"variants"`
}

// LoadSeed reads {"variants": [{..., "on_hand": n}]} into the store.
func (s *Store) LoadSeed(r io.Reader) (int, error) {
	var f seedFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("failed to decode seed: %w", err)
	}
	for _, v := range f.Variants {
		s.PutVariant(v.Variant, v.OnHand)
	}
	return len(f.Variants), nil
}
