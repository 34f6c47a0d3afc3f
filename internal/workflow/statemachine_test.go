package workflow_test

import (
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/workflow"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

func TestApplyAllowedTransitions(t *testing.T) {
	testCases := []struct {
		name   string
		from   domain.TicketStatus
		event  workflow.Event
		next   domain.TicketStatus
		effect workflow.Effect
	}{
		{"submit draft", domain.TicketStatusDraft, workflow.EventSubmit, domain.TicketStatusSubmitted, workflow.EffectStartInstance},
		{"resubmit rejected", domain.TicketStatusRejected, workflow.EventSubmit, domain.TicketStatusSubmitted, workflow.EffectStartInstance},
		{"approve", domain.TicketStatusSubmitted, workflow.EventApprove, domain.TicketStatusApproved, workflow.EffectSignalDecision},
		{"reject", domain.TicketStatusSubmitted, workflow.EventReject, domain.TicketStatusRejected, workflow.EffectSignalDecision},
		{"engine approved", domain.TicketStatusSubmitted, workflow.EventEngineApproved, domain.TicketStatusApproved, workflow.EffectNone},
		{"engine rejected", domain.TicketStatusSubmitted, workflow.EventEngineRejected, domain.TicketStatusRejected, workflow.EffectNone},
		{"advanced", domain.TicketStatusApproved, workflow.EventEngineAdvanced, domain.TicketStatusProcessing, workflow.EffectNone},
		{"completed", domain.TicketStatusProcessing, workflow.EventEngineCompleted, domain.TicketStatusCompleted, workflow.EffectNone},
		{"cancel draft", domain.TicketStatusDraft, workflow.EventEngineCancelled, domain.TicketStatusCancelled, workflow.EffectNone},
		{"cancel submitted", domain.TicketStatusSubmitted, workflow.EventEngineCancelled, domain.TicketStatusCancelled, workflow.EffectNone},
		{"cancel approved", domain.TicketStatusApproved, workflow.EventEngineCancelled, domain.TicketStatusCancelled, workflow.EffectNone},
		{"cancel rejected", domain.TicketStatusRejected, workflow.EventEngineCancelled, domain.TicketStatusCancelled, workflow.EffectNone},
		{"cancel processing", domain.TicketStatusProcessing, workflow.EventEngineCancelled, domain.TicketStatusCancelled, workflow.EffectNone},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := workflow.Apply(tc.from, tc.event)
			gt.NoError(t, err).Required()
			gt.Value(t, outcome.From).Equal(tc.from)
			gt.Value(t, outcome.Next).Equal(tc.next)
			gt.Value(t, outcome.Effect).Equal(tc.effect)
		})
	}
}

func TestApplyRejectsEveryOtherEdge(t *testing.T) {
	allowed := map[workflow.Event][]domain.TicketStatus{
		workflow.EventSubmit:          {domain.TicketStatusDraft, domain.TicketStatusRejected},
		workflow.EventApprove:         {domain.TicketStatusSubmitted},
		workflow.EventReject:          {domain.TicketStatusSubmitted},
		workflow.EventEngineApproved:  {domain.TicketStatusSubmitted},
		workflow.EventEngineRejected:  {domain.TicketStatusSubmitted},
		workflow.EventEngineAdvanced:  {domain.TicketStatusApproved},
		workflow.EventEngineCompleted: {domain.TicketStatusProcessing},
		workflow.EventEngineCancelled: {
			domain.TicketStatusDraft,
			domain.TicketStatusSubmitted,
			domain.TicketStatusApproved,
			domain.TicketStatusRejected,
			domain.TicketStatusProcessing,
		},
	}

	for _, event := range workflow.Events() {
		for _, status := range domain.TicketStatuses {
			expected := false
			for _, s := range allowed[event] {
				if s == status {
					expected = true
				}
			}
			_, err := workflow.Apply(status, event)
			if expected {
				gt.NoError(t, err)
				continue
			}
			gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
		}
	}
}

func TestTerminalStatusesAcceptNothing(t *testing.T) {
	for _, status := range []domain.TicketStatus{domain.TicketStatusCompleted, domain.TicketStatusCancelled} {
		gt.Bool(t, workflow.IsTerminal(status)).True()
		for _, event := range workflow.Events() {
			gt.Bool(t, workflow.Allowed(status, event)).False()
		}
	}
	gt.Bool(t, workflow.IsTerminal(domain.TicketStatusRejected)).False()
}

func TestUnknownEvent(t *testing.T) {
	_, err := workflow.Apply(domain.TicketStatusDraft, workflow.Event("bogus"))
	gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
}

func TestReached(t *testing.T) {
	gt.Bool(t, workflow.Reached(domain.TicketStatusApproved, workflow.EventApprove)).True()
	gt.Bool(t, workflow.Reached(domain.TicketStatusRejected, workflow.EventApprove)).False()
	gt.Bool(t, workflow.Reached(domain.TicketStatusRejected, workflow.EventReject)).True()
	gt.Bool(t, workflow.Reached(domain.TicketStatusCompleted, workflow.EventEngineCompleted)).True()

	// statuses downstream of the target count as reached
	gt.Bool(t, workflow.Reached(domain.TicketStatusProcessing, workflow.EventApprove)).True()
	gt.Bool(t, workflow.Reached(domain.TicketStatusCompleted, workflow.EventEngineAdvanced)).True()
	gt.Bool(t, workflow.Reached(domain.TicketStatusApproved, workflow.EventSubmit)).False()
	gt.Bool(t, workflow.Reached(domain.TicketStatusCancelled, workflow.EventApprove)).False()
}

func TestDecisionEvents(t *testing.T) {
	gt.Value(t, workflow.DecisionEvent(true)).Equal(workflow.EventApprove)
	gt.Value(t, workflow.DecisionEvent(false)).Equal(workflow.EventReject)
	gt.Value(t, workflow.EngineDecisionEvent(true)).Equal(workflow.EventEngineApproved)
	gt.Value(t, workflow.EngineDecisionEvent(false)).Equal(workflow.EventEngineRejected)
}
