package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	carts   Publisher
	tickets Publisher
	refunds Publisher
}

// NewEventPublisher routes cart and order events to carts, ticket events to
// tickets and refund-execution requests to refunds
func NewEventPublisher(carts, tickets, refunds Publisher) *EventPublisher {
	return &EventPublisher{carts: carts, tickets: tickets, refunds: refunds}
}

func cartKey(cartID int64) string     { return fmt.Sprintf("cart-%d", cartID) }
func orderKey(orderID int64) string   { return fmt.Sprintf("order-%d", orderID) }
func ticketKey(ticketID int64) string { return fmt.Sprintf("ticket-%d", ticketID) }

// PublishCartItemAdded publishes CartItemAdded event
func (ep *EventPublisher) PublishCartItemAdded(ctx context.Context, event *models.CartItemAddedEvent) error {
	return ep.carts.PublishEvent(ctx, cartKey(event.CartID), event)
}

// PublishCartCheckedOut publishes CartCheckedOut event
func (ep *EventPublisher) PublishCartCheckedOut(ctx context.Context, event *models.CartCheckedOutEvent) error {
	return ep.carts.PublishEvent(ctx, cartKey(event.CartID), event)
}

// PublishCartAbandoned publishes CartAbandoned event
func (ep *EventPublisher) PublishCartAbandoned(ctx context.Context, event *models.CartAbandonedEvent) error {
	return ep.carts.PublishEvent(ctx, cartKey(event.CartID), event)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.carts.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishTicketOpened publishes TicketOpened event
func (ep *EventPublisher) PublishTicketOpened(ctx context.Context, event *models.TicketOpenedEvent) error {
	return ep.tickets.PublishEvent(ctx, ticketKey(event.TicketID), event)
}

// PublishTicketTransitioned publishes TicketTransitioned event
func (ep *EventPublisher) PublishTicketTransitioned(ctx context.Context, event *models.TicketTransitionedEvent) error {
	return ep.tickets.PublishEvent(ctx, ticketKey(event.TicketID), event)
}

// PublishRefundRequested asks the payment collaborator to execute a refund
func (ep *EventPublisher) PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error {
	return ep.refunds.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onRefundSucceeded func(context.Context, *models.RefundResultEvent) error
	onRefundFailed    func(context.Context, *models.RefundResultEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("events")}
}

// OnRefundSucceeded registers a handler for RefundSucceeded events
func (eh *EventHandler) OnRefundSucceeded(handler func(context.Context, *models.RefundResultEvent) error) {
	eh.onRefundSucceeded = handler
}

// OnRefundFailed registers a handler for RefundFailed events
func (eh *EventHandler) OnRefundFailed(handler func(context.Context, *models.RefundResultEvent) error) {
	eh.onRefundFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return Permanent(fmt.Errorf("failed to unmarshal base event: %w", err))
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	var handler func(context.Context, *models.RefundResultEvent) error
	switch baseEvent.EventType {
	case models.EventTypeRefundSucceeded:
		handler = eh.onRefundSucceeded
	case models.EventTypeRefundFailed:
		handler = eh.onRefundFailed
	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
		return nil
	}
	if handler == nil {
		return nil
	}

	var event models.RefundResultEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Permanent(fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err))
	}
	return handler(ctx, &event)
}
