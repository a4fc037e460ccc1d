package worker

import (
	"context"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// ProcessedTTL is how long a consumed event id is remembered
const ProcessedTTL = 24 * time.Hour

// MessageSource is a stream of broker messages, normally a *broker.Consumer
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Deduper remembers consumed event ids
type Deduper interface {
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetProcessed(ctx context.Context, eventID string) error
}

// RefundResultHandler records the outcome of a refund execution
type RefundResultHandler interface {
	HandleRefundResult(ctx context.Context, event *models.RefundResultEvent, succeeded bool) error
}

// RefundWorker consumes refund results reported by the payment provider
type RefundWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	results      RefundResultHandler
	dedupe       Deduper
	logger       *zap.Logger
}

// NewRefundWorker creates a new refund worker. dedupe may be nil, in which
// case redelivered events rely on the refund request compare-and-set alone.
func NewRefundWorker(source MessageSource, results RefundResultHandler, dedupe Deduper) *RefundWorker {
	w := &RefundWorker{
		source:       source,
		eventHandler: broker.NewEventHandler(),
		results:      results,
		dedupe:       dedupe,
		logger:       util.Component("refund-worker"),
	}

	w.eventHandler.OnRefundSucceeded(w.settle(true))
	w.eventHandler.OnRefundFailed(w.settle(false))
	return w
}

// Start consumes until ctx is done
func (w *RefundWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting refund worker...")
	return w.source.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RefundWorker) Stop() error {
	w.logger.Info("Stopping refund worker...")
	return w.source.Close()
}

func (w *RefundWorker) settle(succeeded bool) func(context.Context, *models.RefundResultEvent) error {
	return func(ctx context.Context, event *models.RefundResultEvent) error {
		fields := []zap.Field{
			zap.String("event_id", event.EventID),
			zap.Int64("refund_id", event.RefundID),
			zap.Int64("ticket_id", event.TicketID),
		}

		if w.dedupe != nil && event.EventID != "" {
			first, err := w.dedupe.MarkProcessed(ctx, event.EventID, ProcessedTTL)
			if err != nil {
				// the compare-and-set on the refund request still guards redelivery
				w.logger.Warn("Dedupe check failed", append(fields, zap.Error(err))...)
			} else if !first {
				util.EventsConsumedTotal.WithLabelValues(event.EventType, "duplicate").Inc()
				w.logger.Info("Skipping duplicate refund result", fields...)
				return nil
			}
		}

		err := w.results.HandleRefundResult(ctx, event, succeeded)
		switch {
		case err == nil:
			util.EventsConsumedTotal.WithLabelValues(event.EventType, "processed").Inc()
			return nil
		case apperr.KindOf(err) != apperr.KindInternal:
			// retrying cannot make an unknown or mismatched result valid
			util.EventsConsumedTotal.WithLabelValues(event.EventType, "dropped").Inc()
			w.logger.Warn("Dropping refund result", append(fields, zap.Error(err))...)
			return nil
		}

		util.EventsConsumedTotal.WithLabelValues(event.EventType, "failed").Inc()
		if w.dedupe != nil && event.EventID != "" {
			if ferr := w.dedupe.ForgetProcessed(ctx, event.EventID); ferr != nil {
				w.logger.Warn("Failed to clear dedupe marker", append(fields, zap.Error(ferr))...)
			}
		}
		return err
	}
}

// Abandoner moves stale carts out of the active state. It reports how many
// carts it listed and how many of those it abandoned.
type Abandoner interface {
	AbandonStale(ctx context.Context, before time.Time, limit int) (listed, abandoned int, err error)
}

// CartReaper periodically abandons carts nobody touched for a while, which
// returns their reservations to the ledger
type CartReaper struct {
	carts    Abandoner
	locker   service.Locker
	after    time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

const reaperLockKey = "cart-reaper"

// NewCartReaper creates a reaper. locker may be nil; with several replicas it
// keeps them from sweeping the same carts at once.
func NewCartReaper(carts Abandoner, locker service.Locker, after, interval time.Duration, batch int) *CartReaper {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CartReaper{
		carts:    carts,
		locker:   locker,
		after:    after,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		logger:   util.Component("cart-reaper"),
	}
}

// Start sweeps every interval until ctx is done
func (cr *CartReaper) Start(ctx context.Context) error {
	cr.logger.Info("Starting cart reaper",
		zap.Duration("abandon_after", cr.after),
		zap.Duration("interval", cr.interval))

	ticker := time.NewTicker(cr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cr.logger.Info("Stopping cart reaper...")
			return ctx.Err()
		case <-ticker.C:
			if _, err := cr.RunOnce(ctx); err != nil {
				cr.logger.Error("Cart sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps stale carts in batches until none are left and returns how
// many were abandoned. It does nothing while another replica holds the lock.
func (cr *CartReaper) RunOnce(ctx context.Context) (int, error) {
	if cr.locker != nil {
		token, ok, err := cr.locker.AcquireLock(ctx, reaperLockKey, cr.interval)
		if err != nil {
			return 0, err
		}
		if !ok {
			cr.logger.Debug("Another replica is sweeping carts")
			return 0, nil
		}
		defer func() {
			if err := cr.locker.ReleaseLock(context.Background(), reaperLockKey, token); err != nil {
				cr.logger.Warn("Failed to release reaper lock", zap.Error(err))
			}
		}()
	}

	before := cr.now().Add(-cr.after)
	total := 0
	for {
		listed, n, err := cr.carts.AbandonStale(ctx, before, cr.batch)
		if err != nil {
			return total, err
		}
		total += n
		// a short batch means nothing stale is left. A full batch with nothing
		// abandoned holds only carts that keep failing, and listing again
		// would return the same ones.
		if listed < cr.batch || n == 0 {
			break
		}
	}

	if total > 0 {
		cr.logger.Info("Abandoned stale carts", zap.Int("count", total))
	}
	return total, nil
}
