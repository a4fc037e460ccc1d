package aftersales

import (
	"database/sql/driver"
	"fmt"
)

// Status is the closed set of ticket states. The zero value is invalid.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusUnderReview
	StatusAwaitingEvidence
	StatusApproved
	StatusRejected
	StatusResolved
)

var statusNames = map[Status]string{
	StatusOpen:             "OPEN",
	StatusUnderReview:      "UNDER_REVIEW",
	StatusAwaitingEvidence: "AWAITING_EVIDENCE",
	StatusApproved:         "APPROVED",
	StatusRejected:         "REJECTED",
	StatusResolved:         "RESOLVED",
}

// rank is the declared ordering. Review and evidence collection share a rank
// so the loop between them never moves a ticket backward.
var statusRank = map[Status]int{
	StatusOpen:             0,
	StatusUnderReview:      1,
	StatusAwaitingEvidence: 1,
	StatusApproved:         2,
	StatusRejected:         2,
	StatusResolved:         3,
}

// Statuses lists every status in declared order.
func Statuses() []Status {
	return []Status{StatusOpen, StatusUnderReview, StatusAwaitingEvidence, StatusApproved, StatusRejected, StatusResolved}
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Rank is the position of s in the declared ordering.
func (s Status) Rank() int {
	return statusRank[s]
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusResolved
}

// Closed reports whether the ticket carries a resolution timestamp.
func (s Status) Closed() bool {
	return s == StatusResolved || s == StatusRejected
}

func ParseStatus(v string) (Status, error) {
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown ticket status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ticket status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ticket status %d", uint8(s))
	}
	return s.String(), nil
}

func (s *Status) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into ticket status", src)
}

// Type is the closed set of ticket types.
type Type uint8

const (
	TypeReturn Type = iota + 1
	TypeRefund
	TypeExchange
	TypeComplaint
)

var typeNames = map[Type]string{
	TypeReturn:    "RETURN",
	TypeRefund:    "REFUND",
	TypeExchange:  "EXCHANGE",
	TypeComplaint: "COMPLAINT",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Refundable reports whether tickets of this type go through the refund policy.
func (t Type) Refundable() bool {
	return t == TypeRefund || t == TypeReturn
}

func ParseType(v string) (Type, error) {
	for t, n := range typeNames {
		if n == v {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown ticket type %q", v)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid ticket type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Type) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid ticket type %d", uint8(t))
	}
	return t.String(), nil
}

func (t *Type) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.UnmarshalText([]byte(v))
	case []byte:
		return t.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into ticket type", src)
}
