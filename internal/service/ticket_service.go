package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/apperr"
	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"
	"storefront-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TicketService drives after-sales tickets through the workflow
type TicketService struct {
	store   repository.Store
	orders  OrderReader
	refunds *RefundService
	events  *broker.EventPublisher
	policy  aftersales.Policy
	now     func() time.Time
	logger  *zap.Logger
}

// NewTicketService creates a new ticket service
func NewTicketService(
	store repository.Store,
	orders OrderReader,
	refunds *RefundService,
	events *broker.EventPublisher,
	policy aftersales.Policy,
) *TicketService {
	return &TicketService{
		store:   store,
		orders:  orders,
		refunds: refunds,
		events:  events,
		policy:  policy,
		now:     time.Now,
		logger:  util.Component("aftersales"),
	}
}

// SetClock replaces the time source used for timestamps and order age
func (s *TicketService) SetClock(now func() time.Time) {
	s.now = now
}

// EvidenceInput is one piece of evidence supplied by the customer
type EvidenceInput struct {
	URL  string `json:"url" binding:"required,url"`
	Note string `json:"note"`
}

// OpenTicketRequest represents a request to open a ticket against an order
type OpenTicketRequest struct {
	OrderID         int64            `json:"order_id" binding:"required"`
	OrderItemID     *int64           `json:"order_item_id"`
	Type            string           `json:"type" binding:"required"`
	Reason          string           `json:"reason" binding:"required"`
	RequestedAction *string          `json:"requested_action"`
	RequestedAmount *decimal.Decimal `json:"requested_amount"`
	Evidence        []EvidenceInput  `json:"evidence" binding:"dive"`
}

// SubmitEvidenceRequest carries evidence for a ticket awaiting it
type SubmitEvidenceRequest struct {
	Evidence []EvidenceInput `json:"evidence" binding:"required,min=1,dive"`
}

// NoteRequest carries an optional staff note
type NoteRequest struct {
	Note string `json:"note"`
}

// DecideRequest carries the reviewer's intended outcome
type DecideRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

// Decision outcomes
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// DecisionResult is the outcome of a decide step. A policy violation is a
// rejected outcome, not an error.
type DecisionResult struct {
	Outcome         string      `json:"outcome"`
	PolicyViolation string      `json:"policy_violation,omitempty"`
	Ticket          *TicketView `json:"ticket"`
}

// OrderLineSummary is an order line as embedded in a ticket view
type OrderLineSummary struct {
	ID                int64           `json:"id"`
	ProductName       string          `json:"product_name"`
	VariantDescriptor string          `json:"variant_descriptor"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

// OrderSummary is the order as embedded in a ticket view
type OrderSummary struct {
	ID          int64              `json:"id"`
	OrderNumber string             `json:"order_number"`
	OrderType   string             `json:"order_type"`
	Status      string             `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	CreatedAt   time.Time          `json:"created_at"`
	Items       []OrderLineSummary `json:"items"`
}

// TicketView is a ticket with its order summary and evidence
type TicketView struct {
	aftersales.Ticket
	OrderNumber   string                `json:"order_number"`
	CustomerName  string                `json:"customer_name"`
	CustomerEmail string                `json:"customer_email"`
	Order         OrderSummary          `json:"order"`
	Evidence      []aftersales.Evidence `json:"evidence"`
}

func summarize(o *models.Order, items []models.OrderItem) OrderSummary {
	sum := OrderSummary{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		OrderType:   o.OrderType,
		Status:      o.Status,
		TotalAmount: o.TotalAmount,
		CreatedAt:   o.CreatedAt,
		Items:       make([]OrderLineSummary, 0, len(items)),
	}
	for _, it := range items {
		sum.Items = append(sum.Items, OrderLineSummary{
			ID:                it.ID,
			ProductName:       it.ProductName,
			VariantDescriptor: it.VariantDescriptor,
			Quantity:          it.Quantity,
			UnitPrice:         it.UnitPrice,
		})
	}
	return sum
}

func newTicketView(t *aftersales.Ticket, o *models.Order, items []models.OrderItem, evidence []aftersales.Evidence) *TicketView {
	if evidence == nil {
		evidence = []aftersales.Evidence{}
	}
	return &TicketView{
		Ticket:        *t,
		OrderNumber:   o.OrderNumber,
		CustomerName:  o.CustomerName,
		CustomerEmail: o.CustomerEmail,
		Order:         summarize(o, items),
		Evidence:      evidence,
	}
}

// transitionError classifies a refused workflow step
func transitionError(err error) error {
	if errors.Is(err, aftersales.ErrInvalidTransition) {
		return apperr.Wrap(apperr.KindConflict, apperr.CodeInvalidTransition, err.Error(), err)
	}
	return internal(err, "ticket transition failed")
}

// persist writes t if its stored status is still from
func persist(ctx context.Context, r repository.Repository, t *aftersales.Ticket, from aftersales.Status) error {
	if err := t.Validate(); err != nil {
		return apperr.Internal("ticket invariant violated", err)
	}
	ok, err := r.UpdateTicket(ctx, t, from)
	if err != nil {
		return apperr.Internal("failed to update ticket", err)
	}
	if !ok {
		return apperr.Conflict(apperr.CodeInvalidTransition, "ticket %s was changed concurrently", t.TicketNumber)
	}
	return nil
}

func (s *TicketService) publishTransition(ctx context.Context, t *aftersales.Ticket, from aftersales.Status, a aftersales.Action) {
	util.TicketTransitionsTotal.WithLabelValues(a.String(), "applied").Inc()
	s.logger.Info("Ticket transitioned",
		zap.Int64("ticket_id", t.ID),
		zap.String("ticket_number", t.TicketNumber),
		zap.Stringer("from", from),
		zap.Stringer("to", t.Status))

	event := &models.TicketTransitionedEvent{
		BaseEvent:    broker.NewBaseEvent(models.EventTypeTicketTransitioned),
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		From:         from.String(),
		To:           t.Status.String(),
	}
	if t.PolicyViolation != nil {
		event.Violation = *t.PolicyViolation
	}
	if err := s.events.PublishTicketTransitioned(ctx, event); err != nil {
		s.logger.Error("Failed to publish TicketTransitioned event", zap.Error(err))
	}
}

// Open creates a ticket against one of the customer's orders
func (s *TicketService) Open(ctx context.Context, userID int64, req OpenTicketRequest) (view *TicketView, err error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Open",
		attribute.Int64("user_id", userID),
		attribute.Int64("order_id", req.OrderID))
	defer func() { util.EndSpan(span, err) }()

	typ, err := aftersales.ParseType(strings.ToUpper(strings.TrimSpace(req.Type)))
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "%v", err)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "reason is required")
	}
	if req.RequestedAmount != nil && !req.RequestedAmount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "requested amount must be positive")
	}

	order, items, err := s.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, internal(err, "failed to read order")
	}
	if order.UserID != userID {
		return nil, apperr.NotFound("order %d not found", req.OrderID)
	}
	if !models.AfterSalesEligible(order.Status) {
		return nil, apperr.Validation(apperr.CodeOrderNotEligible,
			"order %s in status %s does not permit after-sales action", order.OrderNumber, order.Status)
	}
	if req.OrderItemID != nil && findItem(items, *req.OrderItemID) == nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest,
			"order item %d is not part of order %s", *req.OrderItemID, order.OrderNumber)
	}

	now := s.now()
	t := &aftersales.Ticket{
		TicketNumber:       aftersales.NewTicketNumber(now),
		OrderID:            order.ID,
		OrderItemID:        req.OrderItemID,
		CustomerID:         userID,
		Type:               typ,
		Status:             aftersales.StatusOpen,
		Reason:             reason,
		RequestedAction:    req.RequestedAction,
		IsEvidenceRequired: s.policy.RequiresEvidence(typ),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.RequestedAmount != nil {
		t.RequestedAmount = decimal.NullDecimal{Decimal: *req.RequestedAmount, Valid: true}
	}

	var evidence []aftersales.Evidence
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		if err := r.CreateTicket(ctx, t); err != nil {
			return err
		}
		var err error
		evidence, err = attachEvidence(ctx, r, t.ID, req.Evidence, now)
		return err
	})
	if err != nil {
		return nil, internal(err, "failed to open ticket")
	}

	util.TicketsOpenedTotal.WithLabelValues(typ.String()).Inc()
	s.logger.Info("Ticket opened",
		zap.Int64("ticket_id", t.ID),
		zap.String("ticket_number", t.TicketNumber),
		zap.Int64("order_id", order.ID),
		zap.Stringer("type", typ))

	event := &models.TicketOpenedEvent{
		BaseEvent:    broker.NewBaseEvent(models.EventTypeTicketOpened),
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		OrderID:      order.ID,
		Type:         typ.String(),
	}
	if err := s.events.PublishTicketOpened(ctx, event); err != nil {
		s.logger.Error("Failed to publish TicketOpened event", zap.Error(err))
	}

	return newTicketView(t, order, items, evidence), nil
}

func findItem(items []models.OrderItem, id int64) *models.OrderItem {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
	}
	return nil
}

func attachEvidence(ctx context.Context, r repository.Repository, ticketID int64, in []EvidenceInput, now time.Time) ([]aftersales.Evidence, error) {
	out := make([]aftersales.Evidence, 0, len(in))
	for _, e := range in {
		url := strings.TrimSpace(e.URL)
		if url == "" {
			return nil, apperr.Validation(apperr.CodeInvalidRequest, "evidence url is required")
		}
		ev := aftersales.Evidence{TicketID: ticketID, URL: url, Note: strings.TrimSpace(e.Note), CreatedAt: now}
		if err := r.CreateEvidence(ctx, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// step applies a plain workflow action. extra, when set, runs in the same
// transaction after the action was accepted.
func (s *TicketService) step(ctx context.Context, ticketID int64, a aftersales.Action, customerID int64, extra func(r repository.Repository, t *aftersales.Ticket) error) (view *TicketView, err error) {
	ctx, span := util.StartSpan(ctx, "TicketService."+a.String(), attribute.Int64("ticket_id", ticketID))
	defer func() {
		if err != nil {
			util.TicketTransitionsTotal.WithLabelValues(a.String(), apperr.KindOf(err).String()).Inc()
		}
		util.EndSpan(span, err)
	}()

	var t *aftersales.Ticket
	var from aftersales.Status
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		var err error
		if t, err = r.GetTicketByID(ctx, ticketID); err != nil {
			return err
		}
		if customerID != 0 && t.CustomerID != customerID {
			return apperr.NotFound("ticket %d not found", ticketID)
		}
		if from, err = t.Apply(a, s.now()); err != nil {
			return transitionError(err)
		}
		if extra != nil {
			if err := extra(r, t); err != nil {
				return err
			}
		}
		return persist(ctx, r, t, from)
	})
	if err != nil {
		return nil, internal(err, "ticket transition failed")
	}

	s.publishTransition(ctx, t, from, a)
	return s.view(ctx, t)
}

// RequestReview moves an open ticket under review
func (s *TicketService) RequestReview(ctx context.Context, ticketID int64, req NoteRequest) (*TicketView, error) {
	return s.step(ctx, ticketID, aftersales.ActionRequestReview, 0, withNote(req.Note))
}

// RequestEvidence asks the customer for evidence and marks it required
func (s *TicketService) RequestEvidence(ctx context.Context, ticketID int64, req NoteRequest) (*TicketView, error) {
	return s.step(ctx, ticketID, aftersales.ActionRequestEvidence, 0, withNote(req.Note))
}

// SubmitEvidence stores the customer's evidence and returns the ticket to review
func (s *TicketService) SubmitEvidence(ctx context.Context, userID, ticketID int64, req SubmitEvidenceRequest) (*TicketView, error) {
	if len(req.Evidence) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "at least one piece of evidence is required")
	}
	return s.step(ctx, ticketID, aftersales.ActionSubmitEvidence, userID, func(r repository.Repository, t *aftersales.Ticket) error {
		_, err := attachEvidence(ctx, r, t.ID, req.Evidence, t.UpdatedAt)
		return err
	})
}

// Resolve closes an approved or rejected ticket
func (s *TicketService) Resolve(ctx context.Context, ticketID int64, req NoteRequest) (*TicketView, error) {
	return s.step(ctx, ticketID, aftersales.ActionResolve, 0, withNote(req.Note))
}

func withNote(note string) func(repository.Repository, *aftersales.Ticket) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return func(_ repository.Repository, t *aftersales.Ticket) error {
		t.DecisionNote = &note
		return nil
	}
}

// Decide approves or rejects a ticket under review. Refund and return
// tickets go through the refund policy first; a violation forces rejection
// and is reported as a rejected outcome.
func (s *TicketService) Decide(ctx context.Context, ticketID int64, req DecideRequest) (result *DecisionResult, err error) {
	ctx, span := util.StartSpan(ctx, "TicketService.Decide", attribute.Int64("ticket_id", ticketID))
	defer func() { util.EndSpan(span, err) }()

	if req.Approve == nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "approve is required")
	}
	approve := *req.Approve

	current, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, internal(err, "failed to read ticket")
	}
	if _, err := aftersales.Next(current.Status, aftersales.ActionApprove); err != nil {
		util.TicketTransitionsTotal.WithLabelValues("decide", apperr.KindConflict.String()).Inc()
		return nil, transitionError(err)
	}

	// the order is immutable once created, so it is read before the transaction
	var order *models.Order
	var items []models.OrderItem
	if approve && current.Type.Refundable() {
		if order, items, err = s.orders.GetOrder(ctx, current.OrderID); err != nil {
			return nil, internal(err, "failed to read order")
		}
	}

	var t *aftersales.Ticket
	var from aftersales.Status
	var action aftersales.Action
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		var err error
		if t, err = r.GetTicketByID(ctx, ticketID); err != nil {
			return err
		}
		now := s.now()

		action = aftersales.ActionReject
		var decision aftersales.Decision
		if approve {
			action = aftersales.ActionApprove
			if t.Type.Refundable() {
				evidence, err := r.ListEvidence(ctx, t.ID)
				if err != nil {
					return err
				}
				decision = s.policy.Evaluate(s.policyInput(t, order, items, len(evidence) > 0, now))
				if !decision.Eligible {
					action = aftersales.ActionReject
					violation := decision.Violation
					t.PolicyViolation = &violation
				}
			}
		}

		if from, err = t.Apply(action, now); err != nil {
			return transitionError(err)
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			t.DecisionNote = &note
		}
		if action == aftersales.ActionApprove && t.Type.Refundable() {
			if err := t.SetRefund(decision.Amount); err != nil {
				return apperr.Internal("failed to set refund amount", err)
			}
		}
		if err := persist(ctx, r, t, from); err != nil {
			return err
		}
		if t.RefundAmount.Valid {
			_, err := s.refunds.Request(ctx, r, t)
			return err
		}
		return nil
	})
	if err != nil {
		util.TicketTransitionsTotal.WithLabelValues("decide", apperr.KindOf(err).String()).Inc()
		return nil, internal(err, "failed to decide ticket")
	}

	s.publishTransition(ctx, t, from, action)

	result = &DecisionResult{Outcome: OutcomeApproved}
	if t.Status == aftersales.StatusRejected {
		result.Outcome = OutcomeRejected
	}
	if t.PolicyViolation != nil {
		result.PolicyViolation = *t.PolicyViolation
		util.PolicyViolationsTotal.WithLabelValues(t.Type.String()).Inc()
		s.logger.Info("Refund policy rejected ticket",
			zap.Int64("ticket_id", t.ID),
			zap.String("violation", *t.PolicyViolation))
	}
	if result.Ticket, err = s.view(ctx, t); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *TicketService) policyInput(t *aftersales.Ticket, order *models.Order, items []models.OrderItem, evidenceProvided bool, now time.Time) aftersales.PolicyInput {
	total := order.TotalAmount
	if t.OrderItemID != nil {
		total = decimal.Zero
		if item := findItem(items, *t.OrderItemID); item != nil {
			total = item.LineTotal()
		}
	}
	return aftersales.PolicyInput{
		OrderAge:         now.Sub(order.CreatedAt),
		Type:             t.Type,
		EvidenceRequired: t.IsEvidenceRequired,
		EvidenceProvided: evidenceProvided,
		LineTotal:        total,
		RequestedAmount:  t.RequestedAmount,
	}
}

// HandleRefundResult records a payment result. A successful refund resolves
// the approved ticket in the same transaction; a failed one leaves it
// approved for staff follow-up.
func (s *TicketService) HandleRefundResult(ctx context.Context, event *models.RefundResultEvent, succeeded bool) (err error) {
	ctx, span := util.StartSpan(ctx, "TicketService.HandleRefundResult",
		attribute.Int64("refund_id", event.RefundID),
		attribute.Bool("succeeded", succeeded))
	defer func() { util.EndSpan(span, err) }()

	var t *aftersales.Ticket
	var from aftersales.Status
	var resolved bool
	err = s.store.InTx(ctx, func(r repository.Repository) error {
		_, applied, err := s.refunds.Settle(ctx, r, event, succeeded)
		if err != nil || !applied || !succeeded {
			return err
		}
		if t, err = r.GetTicketByID(ctx, event.TicketID); err != nil {
			return err
		}
		if t.Status != aftersales.StatusApproved {
			return nil
		}
		if from, err = t.Apply(aftersales.ActionResolve, s.now()); err != nil {
			return transitionError(err)
		}
		if err := persist(ctx, r, t, from); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil {
		return internal(err, "failed to record refund result")
	}
	if resolved {
		s.publishTransition(ctx, t, from, aftersales.ActionResolve)
	}
	return nil
}

// Get returns one of the customer's tickets
func (s *TicketService) Get(ctx context.Context, userID, ticketID int64) (*TicketView, error) {
	t, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, internal(err, "failed to read ticket")
	}
	if t.CustomerID != userID {
		return nil, apperr.NotFound("ticket %d not found", ticketID)
	}
	return s.view(ctx, t)
}

// GetForStaff returns any ticket
func (s *TicketService) GetForStaff(ctx context.Context, ticketID int64) (*TicketView, error) {
	t, err := s.store.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, internal(err, "failed to read ticket")
	}
	return s.view(ctx, t)
}

// List returns the customer's tickets, newest first
func (s *TicketService) List(ctx context.Context, userID int64) ([]TicketView, error) {
	tickets, err := s.store.ListTicketsByCustomer(ctx, userID)
	if err != nil {
		return nil, internal(err, "failed to list tickets")
	}

	type orderData struct {
		order *models.Order
		items []models.OrderItem
	}
	orders := make(map[int64]orderData)
	out := make([]TicketView, 0, len(tickets))
	for i := range tickets {
		t := &tickets[i]
		od, ok := orders[t.OrderID]
		if !ok {
			o, items, err := s.orders.GetOrder(ctx, t.OrderID)
			if err != nil {
				return nil, internal(err, "failed to read order")
			}
			od = orderData{order: o, items: items}
			orders[t.OrderID] = od
		}
		evidence, err := s.store.ListEvidence(ctx, t.ID)
		if err != nil {
			return nil, internal(err, "failed to read evidence")
		}
		out = append(out, *newTicketView(t, od.order, od.items, evidence))
	}
	return out, nil
}

func (s *TicketService) view(ctx context.Context, t *aftersales.Ticket) (*TicketView, error) {
	order, items, err := s.orders.GetOrder(ctx, t.OrderID)
	if err != nil {
		return nil, internal(err, "failed to read order")
	}
	evidence, err := s.store.ListEvidence(ctx, t.ID)
	if err != nil {
		return nil, internal(err, "failed to read evidence")
	}
	return newTicketView(t, order, items, evidence), nil
}
