package aftersales

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ticket is an after-sales case anchored on an order. It is never deleted.
type Ticket struct {
	ID                 int64               `db:"id" json:"id"`
	TicketNumber       string              `db:"ticket_number" json:"ticket_number"`
	OrderID            int64               `db:"order_id" json:"order_id"`
	OrderItemID        *int64              `db:"order_item_id" json:"order_item_id,omitempty"`
	CustomerID         int64               `db:"customer_id" json:"customer_id"`
	Type               Type                `db:"type" json:"type"`
	Status             Status              `db:"status" json:"status"`
	Reason             string              `db:"reason" json:"reason"`
	RequestedAction    *string             `db:"requested_action" json:"requested_action,omitempty"`
	RequestedAmount    decimal.NullDecimal `db:"requested_amount" json:"requested_amount"`
	RefundAmount       decimal.NullDecimal `db:"refund_amount" json:"refund_amount"`
	IsEvidenceRequired bool                `db:"is_evidence_required" json:"is_evidence_required"`
	PolicyViolation    *string             `db:"policy_violation" json:"policy_violation,omitempty"`
	DecisionNote       *string             `db:"decision_note" json:"decision_note,omitempty"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
	ResolvedAt         *time.Time          `db:"resolved_at" json:"resolved_at,omitempty"`
}

// Evidence is a customer-supplied attachment backing a ticket.
type Evidence struct {
	ID        int64     `db:"id" json:"id"`
	TicketID  int64     `db:"ticket_id" json:"ticket_id"`
	URL       string    `db:"url" json:"url"`
	Note      string    `db:"note" json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewTicketNumber builds a human-readable ticket number such as AS-20260301-1A2B3C4D.
func NewTicketNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("AS-%s-%s", now.UTC().Format("20060102"), suffix)
}

// Apply moves the ticket through the transition table and maintains the
// timestamps tied to the new state. It returns the previous status.
func (t *Ticket) Apply(a Action, now time.Time) (Status, error) {
	to, err := Next(t.Status, a)
	if err != nil {
		return 0, err
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = now

	switch a {
	case ActionRequestEvidence:
		t.IsEvidenceRequired = true
	case ActionReject:
		t.RefundAmount = decimal.NullDecimal{}
		t.ResolvedAt = &now
	case ActionResolve:
		// a closed rejection keeps the time it was rejected
		if t.ResolvedAt == nil {
			t.ResolvedAt = &now
		}
	}
	return from, nil
}

// SetRefund records the approved refund amount.
func (t *Ticket) SetRefund(amount decimal.Decimal) error {
	if !t.Type.Refundable() {
		return fmt.Errorf("ticket type %s carries no refund", t.Type)
	}
	if t.Status != StatusApproved && t.Status != StatusResolved {
		return fmt.Errorf("refund amount cannot be set in status %s", t.Status)
	}
	if !amount.IsPositive() {
		return errors.New("refund amount must be positive")
	}
	t.RefundAmount = decimal.NullDecimal{Decimal: amount, Valid: true}
	return nil
}

// Validate checks the persisted-shape invariants.
func (t *Ticket) Validate() error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %d", uint8(t.Status))
	}
	if !t.Type.Valid() {
		return fmt.Errorf("invalid type %d", uint8(t.Type))
	}
	if t.Status.Closed() != (t.ResolvedAt != nil) {
		return fmt.Errorf("resolved_at must be set exactly when the ticket is closed (status %s)", t.Status)
	}
	if t.ResolvedAt != nil && t.ResolvedAt.Before(t.CreatedAt) {
		return errors.New("resolved_at precedes created_at")
	}
	if t.RefundAmount.Valid {
		if !t.Type.Refundable() {
			return fmt.Errorf("ticket type %s carries no refund", t.Type)
		}
		if t.Status != StatusApproved && t.Status != StatusResolved {
			return fmt.Errorf("refund amount present in status %s", t.Status)
		}
		if t.RefundAmount.Decimal.IsNegative() {
			return errors.New("refund amount is negative")
		}
	}
	return nil
}
