package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
	"storefront-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger handles reservation accounting per variant
type StockLedger struct {
	store  repository.Store
	cache  StockCache
	logger *zap.Logger
}

// NewStockLedger creates a ledger. cache may be nil.
func NewStockLedger(store repository.Store, cache StockCache) *StockLedger {
	return &StockLedger{
		store:  store,
		cache:  cache,
		logger: util.Component("stock"),
	}
}

// Line is a reservation request for one variant
type Line struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1,max=999"`
}

// reserveIn reserves qty through r, which may be a transaction
func (l *StockLedger) reserveIn(ctx context.Context, r repository.Repository, variantID int64, qty int) error {
	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	ok, err := r.ReserveStock(ctx, variantID, qty)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return err
		}
		util.StockReservationsFailed.WithLabelValues("error").Inc()
		return apperr.Internal("failed to reserve stock", err)
	}
	if !ok {
		util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return apperr.Conflict(apperr.CodeStockUnavailable, "insufficient stock for variant %d", variantID)
	}
	return nil
}

func (l *StockLedger) releaseIn(ctx context.Context, r repository.Repository, variantID int64, qty int) error {
	if err := r.ReleaseStock(ctx, variantID, qty); err != nil {
		return apperr.Internal("failed to release stock", err)
	}
	return nil
}

func (l *StockLedger) commitIn(ctx context.Context, r repository.Repository, variantID int64, qty int) error {
	return internal(r.CommitStock(ctx, variantID, qty), "failed to commit stock")
}

// MaxLineQuantity caps the units one cart line, or one request, may hold
const MaxLineQuantity = 999

// maxOnHand keeps restocks inside the ledger's INTEGER columns
const maxOnHand = math.MaxInt32

func checkQuantity(qty int) error {
	if qty <= 0 {
		return apperr.Validation(apperr.CodeInvalidQuantity, "quantity must be positive, got %d", qty)
	}
	if qty > MaxLineQuantity {
		return apperr.Validation(apperr.CodeInvalidQuantity, "quantity must not exceed %d, got %d", MaxLineQuantity, qty)
	}
	return nil
}

// reserveAllIn reserves every line through r. r must be a transaction: the
// first failing line aborts it and with it the lines reserved before.
func (l *StockLedger) reserveAllIn(ctx context.Context, r repository.Repository, lines []Line) error {
	// variant order keeps concurrent multi-line requests from deadlocking on ledger rows
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].VariantID < sorted[j].VariantID })

	for _, line := range sorted {
		if err := l.reserveIn(ctx, r, line.VariantID, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// settleIn commits the ordered quantity of every variant. held is what the
// cart reserves now: a surplus over the order goes back to availability and
// a shortfall is reserved again first. It returns the variants it touched.
func (l *StockLedger) settleIn(ctx context.Context, r repository.Repository, ordered, held map[int64]int) ([]int64, error) {
	ids := make([]int64, 0, len(ordered)+len(held))
	for id := range ordered {
		ids = append(ids, id)
	}
	for id := range held {
		if _, ok := ordered[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		switch diff := held[id] - ordered[id]; {
		case diff > 0:
			if err := l.releaseIn(ctx, r, id, diff); err != nil {
				return nil, err
			}
		case diff < 0:
			if err := l.reserveIn(ctx, r, id, -diff); err != nil {
				return nil, err
			}
		}
		if qty := ordered[id]; qty > 0 {
			if err := l.commitIn(ctx, r, id, qty); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

// Available returns on_hand minus reserved, from the mirror when it has the variant
func (l *StockLedger) Available(ctx context.Context, variantID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Available", attribute.Int64("variant_id", variantID))
	defer span.End()

	if l.cache != nil {
		available, found, err := l.cache.GetAvailable(ctx, variantID)
		if err != nil {
			l.logger.Warn("Stock mirror read failed, falling back to DB",
				zap.Int64("variant_id", variantID),
				zap.Error(err))
		} else if found {
			return available, nil
		}
	}

	entry, err := l.store.GetStock(ctx, variantID)
	if err != nil {
		return 0, internal(err, "failed to read stock")
	}
	l.mirror(ctx, *entry)
	return entry.Available(), nil
}

// Restock sets on_hand. It refuses a value below what is already reserved.
func (l *StockLedger) Restock(ctx context.Context, variantID int64, onHand int) (entry *models.StockLedgerEntry, err error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Restock", attribute.Int64("variant_id", variantID))
	defer func() { util.EndSpan(span, err) }()

	if onHand < 0 || onHand > maxOnHand {
		return nil, apperr.Validation(apperr.CodeInvalidQuantity, "on_hand must be between 0 and %d, got %d", maxOnHand, onHand)
	}
	ok, err := l.store.SetOnHand(ctx, variantID, onHand)
	if err != nil {
		return nil, internal(err, "failed to set on_hand")
	}
	if !ok {
		return nil, apperr.Conflict(apperr.CodeBelowReserved, "on_hand %d is below the reserved quantity of variant %d", onHand, variantID)
	}

	entry, err = l.store.GetStock(ctx, variantID)
	if err != nil {
		return nil, internal(err, "failed to read stock")
	}
	l.mirror(ctx, *entry)
	l.logger.Info("Variant restocked", zap.Int64("variant_id", variantID), zap.Int("on_hand", onHand))
	return entry, nil
}

// Refresh re-mirrors the given variants after a committed ledger change.
// Failures are logged; the database stays authoritative.
func (l *StockLedger) Refresh(ctx context.Context, variantIDs ...int64) {
	if l.cache == nil || len(variantIDs) == 0 {
		return
	}
	entries, err := l.store.GetStocksByVariantIDs(ctx, variantIDs)
	if err != nil {
		l.logger.Warn("Failed to read stock for mirror refresh", zap.Error(err))
		return
	}
	for _, e := range entries {
		l.mirror(ctx, e)
	}
}

func (l *StockLedger) mirror(ctx context.Context, e models.StockLedgerEntry) {
	if l.cache == nil {
		return
	}
	if _, err := l.cache.SetStock(ctx, e); err != nil {
		l.logger.Warn("Failed to mirror stock",
			zap.Int64("variant_id", e.VariantID),
			zap.Error(err))
	}
}

// SyncAll mirrors the whole ledger; run at startup
func (l *StockLedger) SyncAll(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	l.logger.Info("Starting stock sync to Redis")

	entries, err := l.store.ListStock(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stock: %w", err)
	}
	for _, e := range entries {
		l.mirror(ctx, e)
	}

	l.logger.Info("Stock sync completed", zap.Int("count", len(entries)))
	return nil
}
