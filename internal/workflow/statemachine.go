// Package workflow holds the ticket state machine. It is a pure mapping from
// (current status, event) to (next status, side effect); callers own I/O,
// persistence and retries.
package workflow

import (
	"github.com/kyeliu99/PFlow/internal/domain"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// Event is something that may move a ticket between statuses.
type Event string

const (
	EventSubmit          Event = "submit"
	EventApprove         Event = "decision.approved"
	EventReject          Event = "decision.rejected"
	EventEngineApproved  Event = "engine.decision.approved"
	EventEngineRejected  Event = "engine.decision.rejected"
	EventEngineAdvanced  Event = "engine.instance.advanced"
	EventEngineCompleted Event = "engine.instance.completed"
	EventEngineCancelled Event = "engine.instance.cancelled"
)

// Effect is the external side effect a transition requires before it may be
// persisted.
type Effect string

const (
	EffectNone           Effect = "none"
	EffectStartInstance  Effect = "start_instance"
	EffectSignalDecision Effect = "signal_decision"
)

// Outcome is the result of applying an event.
type Outcome struct {
	From   domain.TicketStatus
	Next   domain.TicketStatus
	Effect Effect
}

type transition struct {
	from   []domain.TicketStatus
	next   domain.TicketStatus
	effect Effect
}

var nonTerminal = []domain.TicketStatus{
	domain.TicketStatusDraft,
	domain.TicketStatusSubmitted,
	domain.TicketStatusApproved,
	domain.TicketStatusRejected,
	domain.TicketStatusProcessing,
}

var transitions = map[Event]transition{
	EventSubmit: {
		from:   []domain.TicketStatus{domain.TicketStatusDraft, domain.TicketStatusRejected},
		next:   domain.TicketStatusSubmitted,
		effect: EffectStartInstance,
	},
	EventApprove: {
		from:   []domain.TicketStatus{domain.TicketStatusSubmitted},
		next:   domain.TicketStatusApproved,
		effect: EffectSignalDecision,
	},
	EventReject: {
		from:   []domain.TicketStatus{domain.TicketStatusSubmitted},
		next:   domain.TicketStatusRejected,
		effect: EffectSignalDecision,
	},
	EventEngineApproved: {
		from:   []domain.TicketStatus{domain.TicketStatusSubmitted},
		next:   domain.TicketStatusApproved,
		effect: EffectNone,
	},
	EventEngineRejected: {
		from:   []domain.TicketStatus{domain.TicketStatusSubmitted},
		next:   domain.TicketStatusRejected,
		effect: EffectNone,
	},
	EventEngineAdvanced: {
		from:   []domain.TicketStatus{domain.TicketStatusApproved},
		next:   domain.TicketStatusProcessing,
		effect: EffectNone,
	},
	EventEngineCompleted: {
		from:   []domain.TicketStatus{domain.TicketStatusProcessing},
		next:   domain.TicketStatusCompleted,
		effect: EffectNone,
	},
	EventEngineCancelled: {
		from:   nonTerminal,
		next:   domain.TicketStatusCancelled,
		effect: EffectNone,
	},
}

// Apply returns the outcome of firing e while the ticket is in current.
// Events fired from a disallowed status fail with an InvalidTransition error.
func Apply(current domain.TicketStatus, e Event) (Outcome, error) {
	t, ok := transitions[e]
	if !ok || !contains(t.from, current) {
		return Outcome{}, apperrors.NewInvalidTransition(string(current), string(e))
	}
	return Outcome{From: current, Next: t.next, Effect: t.effect}, nil
}

// Allowed reports whether e may fire from current.
func Allowed(current domain.TicketStatus, e Event) bool {
	_, err := Apply(current, e)
	return err == nil
}

// successors lists the statuses a ticket can only hold after passing
// through the key status.
var successors = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusApproved:   {domain.TicketStatusProcessing, domain.TicketStatusCompleted},
	domain.TicketStatusProcessing: {domain.TicketStatusCompleted},
}

// Reached reports whether current already is, or has moved past, the status
// e leads to. A repeated delivery of such an event is a no-op.
func Reached(current domain.TicketStatus, e Event) bool {
	t, ok := transitions[e]
	if !ok {
		return false
	}
	return t.next == current || contains(successors[t.next], current)
}

// IsTerminal reports whether no event can move a ticket out of s.
func IsTerminal(s domain.TicketStatus) bool {
	return s == domain.TicketStatusCompleted || s == domain.TicketStatusCancelled
}

// DecisionEvent maps an API decision onto its event.
func DecisionEvent(approved bool) Event {
	if approved {
		return EventApprove
	}
	return EventReject
}

// EngineDecisionEvent maps a decision recorded inside the engine onto its event.
func EngineDecisionEvent(approved bool) Event {
	if approved {
		return EventEngineApproved
	}
	return EventEngineRejected
}

// Events lists every known event.
func Events() []Event {
	return []Event{
		EventSubmit,
		EventApprove,
		EventReject,
		EventEngineApproved,
		EventEngineRejected,
		EventEngineAdvanced,
		EventEngineCompleted,
		EventEngineCancelled,
	}
}

func contains(list []domain.TicketStatus, s domain.TicketStatus) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
