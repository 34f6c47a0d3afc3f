package callback_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/kyeliu99/PFlow/internal/callback"
	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/engine"
	"github.com/kyeliu99/PFlow/internal/repository"
	"github.com/kyeliu99/PFlow/internal/service"
	"github.com/kyeliu99/PFlow/internal/workflow"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

func setup(t *testing.T) (*service.TicketService, *callback.Receiver, *domain.Ticket) {
	t.Helper()
	ctx := context.Background()
	svc := service.NewTicketService(service.TicketDependencies{
		TicketRepo: repository.NewMemoryTicketRepository(),
		Engine:     engine.NewMemoryClient(),
	})
	ticket, err := svc.CreateTicket(ctx, service.TicketCreateInput{Title: "Laptop request", Requester: "alice"})
	gt.NoError(t, err).Required()
	ticket, err = svc.SubmitTicket(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	return svc, callback.NewReceiver(svc, nil, nil), ticket
}

func TestReceiverAppliesNotifications(t *testing.T) {
	ctx := context.Background()
	svc, receiver, ticket := setup(t)
	pid := *ticket.ProcessInstanceID

	steps := []struct {
		notification callback.Notification
		want         domain.TicketStatus
	}{
		{callback.Notification{ProcessInstanceID: pid, EventType: callback.EventDecisionRecorded, Details: map[string]any{"approved": true}}, domain.TicketStatusApproved},
		{callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceAdvanced}, domain.TicketStatusProcessing},
		{callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceCompleted}, domain.TicketStatusCompleted},
	}
	for _, step := range steps {
		result, err := receiver.Handle(ctx, step.notification)
		gt.NoError(t, err).Required()
		gt.Value(t, result).Equal(callback.ResultApplied)

		stored, err := svc.GetTicket(ctx, ticket.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, stored.Status).Equal(step.want)
	}

	history, err := svc.ListHistory(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	gt.Array(t, history).Length(4).Required()
	gt.Value(t, history[3].Source).Equal(domain.ChangeSourceEngine)
}

func TestReceiverIgnoresDuplicatesAndOutOfOrder(t *testing.T) {
	ctx := context.Background()
	svc, receiver, ticket := setup(t)
	pid := *ticket.ProcessInstanceID

	// completion before the ticket was ever approved
	result, err := receiver.Handle(ctx, callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceCompleted})
	gt.NoError(t, err).Required()
	gt.Value(t, result).Equal(callback.ResultIgnored)

	decision := callback.Notification{ProcessInstanceID: pid, EventType: callback.EventDecisionRecorded, Details: map[string]any{"approved": false}}
	result, err = receiver.Handle(ctx, decision)
	gt.NoError(t, err).Required()
	gt.Value(t, result).Equal(callback.ResultApplied)

	result, err = receiver.Handle(ctx, decision)
	gt.NoError(t, err).Required()
	gt.Value(t, result).Equal(callback.ResultIgnored)

	stored, err := svc.GetTicket(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Status).Equal(domain.TicketStatusRejected)
}

func TestReceiverDiscardsUnknownInstance(t *testing.T) {
	_, receiver, _ := setup(t)

	result, err := receiver.Handle(context.Background(), callback.Notification{ProcessInstanceID: "pi-999", EventType: callback.EventInstanceCancelled})
	gt.NoError(t, err).Required()
	gt.Value(t, result).Equal(callback.ResultDiscarded)
}

func TestReceiverRejectsInvalidNotifications(t *testing.T) {
	_, receiver, ticket := setup(t)
	pid := *ticket.ProcessInstanceID

	testCases := map[string]callback.Notification{
		"unknown event type": {ProcessInstanceID: pid, EventType: "instance.exploded"},
		"missing instance":   {EventType: callback.EventInstanceCompleted},
		"decision without approved": {
			ProcessInstanceID: pid,
			EventType:         callback.EventDecisionRecorded,
			Details:           map[string]any{"approved": "yes"},
		},
	}
	for name, n := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := receiver.Handle(context.Background(), n)
			gt.Error(t, err).Is(apperrors.ErrValidation)
		})
	}
}

// conflictingApplier loses the store race a fixed number of times.
type conflictingApplier struct {
	conflicts int
	calls     int
}

func (c *conflictingApplier) ApplyEngineEvent(ctx context.Context, pid string, event workflow.Event, comment string, source domain.ChangeSource) (*domain.Ticket, error) {
	c.calls++
	if c.calls <= c.conflicts {
		return nil, apperrors.NewConflict("ticket was modified concurrently", nil)
	}
	return &domain.Ticket{ID: "t1"}, nil
}

func TestReceiverRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	n := callback.Notification{ProcessInstanceID: "pi-1", EventType: callback.EventInstanceCompleted}

	t.Run("recovers within budget", func(t *testing.T) {
		applier := &conflictingApplier{conflicts: 2}
		result, err := callback.NewReceiver(applier, nil, nil).Handle(ctx, n)
		gt.NoError(t, err).Required()
		gt.Value(t, result).Equal(callback.ResultApplied)
		gt.Number(t, applier.calls).Equal(3)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		applier := &conflictingApplier{conflicts: 10}
		_, err := callback.NewReceiver(applier, nil, nil).Handle(ctx, n)
		gt.Error(t, err).Is(apperrors.ErrConflict)
		gt.Number(t, applier.calls).Equal(3)
	})
}

func TestParseNotification(t *testing.T) {
	n, err := callback.ParseNotification([]byte(`{"processInstanceId":"pi-1","eventType":"decision.recorded","details":{"approved":true}}`))
	gt.NoError(t, err).Required()
	gt.Value(t, n.ProcessInstanceID).Equal("pi-1")
	gt.Value(t, n.EventType).Equal(callback.EventDecisionRecorded)
	gt.Value(t, n.Details["approved"]).Equal(any(true))

	_, err = callback.ParseNotification([]byte(`{not json`))
	gt.Error(t, err).Is(apperrors.ErrValidation)
}
