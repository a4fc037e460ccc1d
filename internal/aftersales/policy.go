package aftersales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the business parameters of refund eligibility.
type Policy struct {
	// ReturnWindow is the maximum order age; zero disables the check.
	ReturnWindow       time.Duration
	EvidenceRequired   map[Type]bool
	AllowPartialAmount bool
}

// NewPolicy builds a policy from configuration values.
func NewPolicy(returnWindowDays int, evidenceRequiredTypes []string, allowPartial bool) (Policy, error) {
	p := Policy{
		ReturnWindow:       time.Duration(returnWindowDays) * 24 * time.Hour,
		EvidenceRequired:   make(map[Type]bool, len(evidenceRequiredTypes)),
		AllowPartialAmount: allowPartial,
	}
	for _, name := range evidenceRequiredTypes {
		t, err := ParseType(name)
		if err != nil {
			return Policy{}, err
		}
		p.EvidenceRequired[t] = true
	}
	return p, nil
}

// RequiresEvidence reports whether a new ticket of type t starts with evidence required.
func (p Policy) RequiresEvidence(t Type) bool {
	return p.EvidenceRequired[t]
}

type PolicyInput struct {
	OrderAge         time.Duration
	Type             Type
	EvidenceRequired bool
	EvidenceProvided bool
	// LineTotal is the affected order-line total, or the order total when no line is named.
	LineTotal       decimal.Decimal
	RequestedAmount decimal.NullDecimal
}

type Decision struct {
	Eligible  bool
	Amount    decimal.Decimal
	Violation string
}

func reject(format string, args ...any) Decision {
	return Decision{Violation: fmt.Sprintf(format, args...)}
}

// Evaluate decides refund eligibility. The first disqualifying rule wins.
func (p Policy) Evaluate(in PolicyInput) Decision {
	if !in.Type.Refundable() {
		return reject("ticket type %s is not eligible for a refund", in.Type)
	}
	if p.ReturnWindow > 0 && in.OrderAge > p.ReturnWindow {
		return reject("return window of %d days has expired", int(p.ReturnWindow.Hours()/24))
	}
	if in.EvidenceRequired && !in.EvidenceProvided {
		return reject("evidence is required before a refund can be granted")
	}

	amount := in.LineTotal
	if in.RequestedAmount.Valid {
		requested := in.RequestedAmount.Decimal
		switch {
		case !p.AllowPartialAmount:
			return reject("partial refund amounts are not accepted")
		case !requested.IsPositive():
			return reject("requested refund amount must be positive")
		case requested.GreaterThan(in.LineTotal):
			return reject("requested refund amount %s exceeds the refundable total %s", requested.StringFixed(2), in.LineTotal.StringFixed(2))
		}
		amount = requested
	}
	if !amount.IsPositive() {
		return reject("nothing refundable on the affected order line")
	}
	return Decision{Eligible: true, Amount: amount}
}
