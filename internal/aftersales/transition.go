package aftersales

import (
	"errors"
	"fmt"
)

// Action is a workflow step requested against a ticket.
type Action uint8

const (
	ActionRequestReview Action = iota + 1
	ActionRequestEvidence
	ActionSubmitEvidence
	ActionApprove
	ActionReject
	ActionResolve
)

var actionNames = map[Action]string{
	ActionRequestReview:   "request_review",
	ActionRequestEvidence: "request_evidence",
	ActionSubmitEvidence:  "submit_evidence",
	ActionApprove:         "approve",
	ActionReject:          "reject",
	ActionResolve:         "resolve",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Actions lists every action.
func Actions() []Action {
	return []Action{ActionRequestReview, ActionRequestEvidence, ActionSubmitEvidence, ActionApprove, ActionReject, ActionResolve}
}

// transitions is the only place a move between states is permitted.
var transitions = map[Status]map[Action]Status{
	StatusOpen: {
		ActionRequestReview: StatusUnderReview,
	},
	StatusUnderReview: {
		ActionRequestEvidence: StatusAwaitingEvidence,
		ActionApprove:         StatusApproved,
		ActionReject:          StatusRejected,
	},
	StatusAwaitingEvidence: {
		ActionSubmitEvidence: StatusUnderReview,
	},
	StatusApproved: {
		ActionResolve: StatusResolved,
	},
	StatusRejected: {
		ActionResolve: StatusResolved,
	},
	StatusResolved: {},
}

var ErrInvalidTransition = errors.New("invalid ticket transition")

// TransitionError reports an action attempted from a state that does not list it.
type TransitionError struct {
	From   Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a ticket in status %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Next returns the status reached by applying a to from.
func Next(from Status, a Action) (Status, error) {
	to, ok := transitions[from][a]
	if !ok {
		return 0, &TransitionError{From: from, Action: a}
	}
	return to, nil
}

// Allowed lists the actions permitted from s.
func Allowed(s Status) []Action {
	out := make([]Action, 0, len(transitions[s]))
	for _, a := range Actions() {
		if _, ok := transitions[s][a]; ok {
			out = append(out, a)
		}
	}
	return out
}
