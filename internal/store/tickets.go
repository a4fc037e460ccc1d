package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront-service/internal/aftersales"
	"storefront-service/internal/apperr"
	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateTicket creates a new after-sales ticket
func (s *queries) CreateTicket(ctx context.Context, t *aftersales.Ticket) error {
	query := `
		INSERT INTO after_sales_tickets (
			ticket_number, order_id, order_item_id, customer_id, type, status, reason,
			requested_action, requested_amount, refund_amount, is_evidence_required,
			policy_violation, decision_note, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := sqlx.GetContext(ctx, s.q, &t.ID, query,
		t.TicketNumber, t.OrderID, t.OrderItemID, t.CustomerID, t.Type, t.Status, t.Reason,
		t.RequestedAction, t.RequestedAmount, t.RefundAmount, t.IsEvidenceRequired,
		t.PolicyViolation, t.DecisionNote, t.CreatedAt, t.UpdatedAt, t.ResolvedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("duplicate_ticket_number", "ticket number %s already assigned", t.TicketNumber)
	}
	return err
}

// GetTicketByID retrieves a ticket by ID
func (s *queries) GetTicketByID(ctx context.Context, id int64) (*aftersales.Ticket, error) {
	var t aftersales.Ticket
	err := sqlx.GetContext(ctx, s.q, &t, "SELECT * FROM after_sales_tickets WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("ticket %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTicketsByCustomer retrieves a customer's tickets, newest first
func (s *queries) ListTicketsByCustomer(ctx context.Context, customerID int64) ([]aftersales.Ticket, error) {
	var tickets []aftersales.Ticket
	err := sqlx.SelectContext(ctx, s.q, &tickets,
		"SELECT * FROM after_sales_tickets WHERE customer_id = $1 ORDER BY created_at DESC, id DESC", customerID)
	return tickets, err
}

// UpdateTicket writes the mutable ticket fields if the stored status is still expected.
// Ticket number, order and type are never rewritten.
func (s *queries) UpdateTicket(ctx context.Context, t *aftersales.Ticket, expected aftersales.Status) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE after_sales_tickets SET
			status = $1, refund_amount = $2, is_evidence_required = $3, policy_violation = $4,
			decision_note = $5, updated_at = $6, resolved_at = $7
		WHERE id = $8 AND status = $9`,
		t.Status, t.RefundAmount, t.IsEvidenceRequired, t.PolicyViolation,
		t.DecisionNote, t.UpdatedAt, t.ResolvedAt, t.ID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateEvidence attaches evidence to a ticket
func (s *queries) CreateEvidence(ctx context.Context, e *aftersales.Evidence) error {
	query := `
		INSERT INTO ticket_evidence (ticket_id, url, note, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return sqlx.GetContext(ctx, s.q, &e.ID, query, e.TicketID, e.URL, e.Note, e.CreatedAt)
}

// ListEvidence retrieves the evidence of a ticket
func (s *queries) ListEvidence(ctx context.Context, ticketID int64) ([]aftersales.Evidence, error) {
	var evidence []aftersales.Evidence
	err := sqlx.SelectContext(ctx, s.q, &evidence,
		"SELECT * FROM ticket_evidence WHERE ticket_id = $1 ORDER BY id", ticketID)
	return evidence, err
}

// CreateRefundRequest records a refund-execution request
func (s *queries) CreateRefundRequest(ctx context.Context, r *models.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (ticket_id, order_id, amount, status, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, s.q, r, query, r.TicketID, r.OrderID, r.Amount, r.Status, r.ProviderTxID)
	if isUniqueViolation(err) {
		return apperr.Conflict("duplicate_refund", "ticket %d already has a refund request", r.TicketID)
	}
	return err
}

// GetRefundRequestByID retrieves a refund request
func (s *queries) GetRefundRequestByID(ctx context.Context, id int64) (*models.RefundRequest, error) {
	var r models.RefundRequest
	err := sqlx.GetContext(ctx, s.q, &r, "SELECT * FROM refund_requests WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("refund request %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRefundRequestStatus moves a refund request from one status to another
func (s *queries) UpdateRefundRequestStatus(ctx context.Context, id int64, from, to, providerTxID string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE refund_requests SET status = $1, provider_tx_id = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		to, providerTxID, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update refund request: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
