package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderBridge is the in-process order-management adapter. It writes orders
// into the shared store and serves them back to after-sales.
type OrderBridge struct {
	store  repository.Store
	events *broker.EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ CheckoutBridge = (*OrderBridge)(nil)
	_ OrderReader    = (*OrderBridge)(nil)
)

// NewOrderBridge creates a new order bridge
func NewOrderBridge(store repository.Store, events *broker.EventPublisher) *OrderBridge {
	return &OrderBridge{
		store:  store,
		events: events,
		logger: util.Component("orders"),
		now:    time.Now,
	}
}

// IdempotencyKey is the order key derived from a cart
func IdempotencyKey(cartID int64) string {
	return fmt.Sprintf("cart-%d", cartID)
}

// NewOrderNumber builds a human-readable order number such as ORD-20260301-1A2B3C4D
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

func placed(o *models.Order) *PlacedOrder {
	return &PlacedOrder{OrderID: o.ID, OrderNumber: o.OrderNumber, Status: o.Status}
}

// PlaceOrder creates an order from a checkout snapshot
func (b *OrderBridge) PlaceOrder(ctx context.Context, snap CheckoutSnapshot) (result *PlacedOrder, err error) {
	ctx, span := util.StartSpan(ctx, "OrderBridge.PlaceOrder", attribute.Int64("cart_id", snap.CartID))
	defer func() { util.EndSpan(span, err) }()

	if len(snap.Lines) == 0 {
		return nil, apperr.Validation(apperr.CodeEmptyCart, "cannot place an order without lines")
	}

	key := IdempotencyKey(snap.CartID)
	existing, err := b.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		b.logger.Info("Duplicate checkout detected",
			zap.String("idempotency_key", key),
			zap.Int64("order_id", existing.ID))
		return placed(existing), nil
	}

	order := &models.Order{
		OrderNumber:    NewOrderNumber(b.now()),
		UserID:         snap.UserID,
		CustomerName:   snap.CustomerName,
		CustomerEmail:  snap.CustomerEmail,
		OrderType:      models.OrderTypeStandard,
		TotalAmount:    snap.TotalPrice,
		Status:         models.OrderStatusCreated,
		IdempotencyKey: key,
	}

	items := make([]models.OrderItemData, 0, len(snap.Lines))
	err = b.store.InTx(ctx, func(r repository.Repository) error {
		if err := r.CreateOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range snap.Lines {
			item := &models.OrderItem{
				OrderID:           order.ID,
				VariantID:         line.VariantID,
				ProductName:       line.ProductName,
				VariantDescriptor: line.VariantDescriptor,
				Quantity:          line.Quantity,
				UnitPrice:         line.UnitPrice,
			}
			if err := r.CreateOrderItem(ctx, item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			items = append(items, models.OrderItemData{
				VariantID: line.VariantID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
			})
		}
		return nil
	})
	if apperr.Is(err, apperr.KindConflict, apperr.CodeDuplicateOrder) {
		// a concurrent call for the same cart won the insert
		existing, lookupErr := b.store.GetOrderByIdempotencyKey(ctx, key)
		if lookupErr == nil && existing != nil {
			return placed(existing), nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	b.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))

	event := &models.OrderCreatedEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       items,
	}
	if err := b.events.PublishOrderCreated(ctx, event); err != nil {
		b.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return placed(order), nil
}

// GetOrder retrieves an order and its items
func (b *OrderBridge) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := b.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := b.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

var orderStatuses = map[string]bool{
	models.OrderStatusCreated:   true,
	models.OrderStatusPaid:      true,
	models.OrderStatusConfirmed: true,
	models.OrderStatusDelivered: true,
	models.OrderStatusCancelled: true,
	models.OrderStatusFailed:    true,
}

// SetStatus records a status reported by payment or fulfilment
func (b *OrderBridge) SetStatus(ctx context.Context, orderID int64, status string) (*models.Order, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if !orderStatuses[status] {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "unknown order status %q", status)
	}
	if err := b.store.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, internal(err, "failed to update order status")
	}
	b.logger.Info("Order status updated", zap.Int64("order_id", orderID), zap.String("status", status))
	order, err := b.store.GetOrderByID(ctx, orderID)
	return order, internal(err, "failed to read order")
}
