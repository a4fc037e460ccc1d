package service

import (
	"context"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/apperr"
	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// RefundService issues refund-execution requests to the payment collaborator
// and records the results it reports back.
type RefundService struct {
	events *broker.EventPublisher
	logger *zap.Logger
}

// NewRefundService creates a new refund service
func NewRefundService(events *broker.EventPublisher) *RefundService {
	return &RefundService{
		events: events,
		logger: util.Component("refunds"),
	}
}

// Request records a refund request for an approved ticket and emits it.
// It runs inside the caller's transaction: when the event cannot be
// published the error rolls the approval back.
func (rs *RefundService) Request(ctx context.Context, r repository.Repository, t *aftersales.Ticket) (*models.RefundRequest, error) {
	if !t.RefundAmount.Valid {
		return nil, apperr.Internal("refund request without amount", nil)
	}

	req := &models.RefundRequest{
		TicketID: t.ID,
		OrderID:  t.OrderID,
		Amount:   t.RefundAmount.Decimal,
		Status:   models.RefundStatusRequested,
	}
	if err := r.CreateRefundRequest(ctx, req); err != nil {
		return nil, internal(err, "failed to create refund request")
	}

	event := &models.RefundRequestedEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypeRefundRequested),
		RefundID:  req.ID,
		TicketID:  t.ID,
		OrderID:   t.OrderID,
		Amount:    req.Amount,
	}
	if err := rs.events.PublishRefundRequested(ctx, event); err != nil {
		util.RefundRequestsTotal.WithLabelValues("publish_failed").Inc()
		return nil, apperr.Internal("failed to request refund execution", err)
	}

	util.RefundRequestsTotal.WithLabelValues(models.RefundStatusRequested).Inc()
	rs.logger.Info("Refund requested",
		zap.Int64("refund_id", req.ID),
		zap.Int64("ticket_id", t.ID),
		zap.String("amount", req.Amount.StringFixed(2)))
	return req, nil
}

// Settle records the provider's result on a pending refund request. applied
// is false when the request was already settled, as on a redelivered event.
func (rs *RefundService) Settle(ctx context.Context, r repository.Repository, event *models.RefundResultEvent, succeeded bool) (req *models.RefundRequest, applied bool, err error) {
	to := models.RefundStatusFailed
	if succeeded {
		to = models.RefundStatusSucceeded
	}

	req, err = r.GetRefundRequestByID(ctx, event.RefundID)
	if err != nil {
		return nil, false, err
	}
	if req.TicketID != event.TicketID {
		return nil, false, apperr.Validation(apperr.CodeInvalidRequest,
			"refund %d belongs to ticket %d, not %d", req.ID, req.TicketID, event.TicketID)
	}

	applied, err = r.UpdateRefundRequestStatus(ctx, req.ID, models.RefundStatusRequested, to, event.TxID)
	if err != nil {
		return nil, false, internal(err, "failed to update refund request")
	}
	if !applied {
		rs.logger.Info("Refund result already recorded",
			zap.Int64("refund_id", req.ID),
			zap.String("status", req.Status))
		return req, false, nil
	}

	req.Status = to
	req.ProviderTxID = event.TxID
	util.RefundRequestsTotal.WithLabelValues(to).Inc()
	if succeeded {
		rs.logger.Info("Refund succeeded", zap.Int64("refund_id", req.ID), zap.String("tx_id", event.TxID))
	} else {
		rs.logger.Warn("Refund failed", zap.Int64("refund_id", req.ID), zap.String("reason", event.Reason))
	}
	return req, true, nil
}
