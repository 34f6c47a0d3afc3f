package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/engine"
	"github.com/kyeliu99/PFlow/internal/events"
	"github.com/kyeliu99/PFlow/internal/repository"
	"github.com/kyeliu99/PFlow/internal/service"
	"github.com/kyeliu99/PFlow/internal/workflow"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// spyEngine counts calls and can fail or hold StartInstance.
type spyEngine struct {
	engine.Client
	starts   atomic.Int32
	signals  atomic.Int32
	cancels  atomic.Int32
	startErr error
	// startBarrier, when set, holds every StartInstance call until all
	// expected callers arrived.
	startBarrier *sync.WaitGroup
}

func (s *spyEngine) StartInstance(ctx context.Context, req engine.StartRequest) (string, error) {
	s.starts.Add(1)
	if s.startBarrier != nil {
		s.startBarrier.Done()
		s.startBarrier.Wait()
	}
	if s.startErr != nil {
		return "", s.startErr
	}
	return s.Client.StartInstance(ctx, req)
}

func (s *spyEngine) SignalDecision(ctx context.Context, pid string, d engine.Decision) error {
	s.signals.Add(1)
	return s.Client.SignalDecision(ctx, pid, d)
}

func (s *spyEngine) CancelInstance(ctx context.Context, pid, reason string) error {
	s.cancels.Add(1)
	return s.Client.CancelInstance(ctx, pid, reason)
}

type harness struct {
	svc    *service.TicketService
	repo   repository.TicketRepository
	memory *engine.MemoryClient
	spy    *spyEngine

	mu        sync.Mutex
	published []events.Event
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		repo:   repository.NewMemoryTicketRepository(),
		memory: engine.NewMemoryClient(),
	}
	h.spy = &spyEngine{Client: h.memory}
	for _, opt := range opts {
		opt(h)
	}

	dispatcher := events.NewInMemoryDispatcher()
	record := func(ctx context.Context, e events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.published = append(h.published, e)
		return nil
	}
	dispatcher.Subscribe(events.EventTicketCreated, record)
	dispatcher.Subscribe(events.EventTicketStatusChanged, record)
	dispatcher.Subscribe(events.EventTicketUpdated, record)

	h.svc = service.NewTicketService(service.TicketDependencies{
		TicketRepo: h.repo,
		Engine: engine.NewRetryingClient(h.spy, engine.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		}, nil, nil),
		Dispatcher: dispatcher,
	})
	return h
}

func (h *harness) events(eventType events.EventType) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, e := range h.published {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) create(t *testing.T) *domain.Ticket {
	t.Helper()
	ticket, err := h.svc.CreateTicket(context.Background(), service.TicketCreateInput{
		Title:       "Laptop request",
		Description: "new laptop for onboarding",
		Requester:   "alice",
	})
	gt.NoError(t, err).Required()
	return ticket
}

func (h *harness) submitted(t *testing.T) *domain.Ticket {
	t.Helper()
	ticket, err := h.svc.SubmitTicket(context.Background(), h.create(t).ID)
	gt.NoError(t, err).Required()
	return ticket
}

func TestLaptopRequestIsApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	created := h.create(t)
	gt.Value(t, created.Status).Equal(domain.TicketStatusDraft)
	gt.Value(t, created.ProcessInstanceID).Nil()

	submitted, err := h.svc.SubmitTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, submitted.Status).Equal(domain.TicketStatusSubmitted)
	gt.Value(t, *submitted.ProcessInstanceID).Equal("pi-1")

	approved, err := h.svc.DecideTicket(ctx, created.ID, true, "")
	gt.NoError(t, err).Required()
	gt.Value(t, approved.Status).Equal(domain.TicketStatusApproved)
	gt.Value(t, h.spy.signals.Load()).Equal(int32(1))

	state, err := h.memory.QueryState(ctx, "pi-1")
	gt.NoError(t, err).Required()
	gt.Bool(t, *state.Decided).True()

	history, err := h.svc.ListHistory(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Array(t, history).Length(2).Required()
	gt.Value(t, history[0].ToStatus).Equal(domain.TicketStatusSubmitted)
	gt.Value(t, history[1].ToStatus).Equal(domain.TicketStatusApproved)
	gt.Value(t, history[1].Source).Equal(domain.ChangeSourceAPI)

	gt.Array(t, h.events(events.EventTicketCreated)).Length(1)
	gt.Array(t, h.events(events.EventTicketStatusChanged)).Length(2)
}

func TestSubmitEngineUnavailableLeavesDraft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness) {
		h.spy.startErr = apperrors.NewEngineUnavailable("start_instance", errors.New("connection refused"))
	})
	created := h.create(t)

	_, err := h.svc.SubmitTicket(ctx, created.ID)
	gt.Error(t, err).Is(apperrors.ErrEngineUnavailable)
	gt.Value(t, h.spy.starts.Load()).Equal(int32(3))

	stored, err := h.svc.GetTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Status).Equal(domain.TicketStatusDraft)
	gt.Value(t, stored.ProcessInstanceID).Nil()
	gt.Value(t, stored.Version).Equal(created.Version)
}

func TestSubmitEngineRejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.spy.startErr = apperrors.NewEngineRejected("start_instance", "unknown process key")
	})
	created := h.create(t)

	_, err := h.svc.SubmitTicket(context.Background(), created.ID)
	gt.Error(t, err).Is(apperrors.ErrEngineRejected)
	gt.Value(t, h.spy.starts.Load()).Equal(int32(1))
}

func TestDecideOnDraftIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	created := h.create(t)

	_, err := h.svc.DecideTicket(ctx, created.ID, true, "")
	gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
	gt.Value(t, h.spy.signals.Load()).Equal(int32(0))

	stored, err := h.svc.GetTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Status).Equal(domain.TicketStatusDraft)
}

func TestCreateTicketValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	testCases := []struct {
		name  string
		input service.TicketCreateInput
	}{
		{name: "missing title", input: service.TicketCreateInput{Requester: "alice"}},
		{name: "blank requester", input: service.TicketCreateInput{Title: "Laptop", Requester: "   "}},
		{name: "title too long", input: service.TicketCreateInput{Title: strings.Repeat("x", 201), Requester: "alice"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateTicket(ctx, tc.input)
			gt.Error(t, err).Is(apperrors.ErrValidation)
		})
	}

	tickets, err := h.svc.ListTickets(ctx, service.TicketListFilter{})
	gt.NoError(t, err).Required()
	gt.Array(t, tickets).Length(0)
}

func TestCreateTicketNormalizesInput(t *testing.T) {
	h := newHarness(t)
	blank := "  "
	ticket, err := h.svc.CreateTicket(context.Background(), service.TicketCreateInput{
		Title:     "  Laptop request ",
		Requester: " alice",
		Assignee:  &blank,
	})
	gt.NoError(t, err).Required()
	gt.Value(t, ticket.Title).Equal("Laptop request")
	gt.Value(t, ticket.Requester).Equal("alice")
	gt.Value(t, ticket.Assignee).Nil()
}

func TestDecideIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.submitted(t)

	first, err := h.svc.DecideTicket(ctx, ticket.ID, true, "ok")
	gt.NoError(t, err).Required()
	second, err := h.svc.DecideTicket(ctx, ticket.ID, true, "ok")
	gt.NoError(t, err).Required()

	gt.Value(t, second.Status).Equal(first.Status)
	gt.Value(t, second.Version).Equal(first.Version)
	gt.Value(t, h.spy.signals.Load()).Equal(int32(1))

	_, err = h.svc.DecideTicket(ctx, ticket.ID, false, "changed my mind")
	gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
}

func TestDecideAdoptsDecisionAlreadyInEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.submitted(t)

	// the engine recorded a decision that never reached the store
	gt.NoError(t, h.memory.SignalDecision(ctx, *ticket.ProcessInstanceID, engine.Decision{Approved: true})).Required()

	decided, err := h.svc.DecideTicket(ctx, ticket.ID, true, "")
	gt.NoError(t, err).Required()
	gt.Value(t, decided.Status).Equal(domain.TicketStatusApproved)

	history, err := h.svc.ListHistory(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	gt.Array(t, history).Length(2).Required()
	gt.Value(t, history[1].Source).Equal(domain.ChangeSourceEngine)
	gt.Value(t, history[1].Event).Equal(string(workflow.EventEngineApproved))
}

func TestConcurrentSubmitAdmitsOneWinner(t *testing.T) {
	ctx := context.Background()
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	h := newHarness(t, func(h *harness) { h.spy.startBarrier = barrier })
	created := h.create(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.SubmitTicket(ctx, created.ID)
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		}
	}
	gt.Number(t, successes).Equal(1)
	gt.Number(t, conflicts).Equal(1)

	stored, err := h.svc.GetTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Status).Equal(domain.TicketStatusSubmitted)
	gt.Value(t, *stored.ProcessInstanceID).Equal("pi-1")
	gt.Number(t, h.memory.InstanceCount()).Equal(1)
	gt.Value(t, h.spy.cancels.Load()).Equal(int32(0))

	history, err := h.svc.ListHistory(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Array(t, history).Length(1)
}

// racingRepository bumps the ticket version right before the first
// status write, making that write lose the race.
type racingRepository struct {
	repository.TicketRepository
	once sync.Once
}

func (r *racingRepository) Update(ctx context.Context, id string, update repository.TicketUpdate) (*domain.Ticket, error) {
	if update.Status != nil {
		r.once.Do(func() {
			title := "edited meanwhile"
			_, _ = r.TicketRepository.Update(ctx, id, repository.TicketUpdate{ExpectedVersion: update.ExpectedVersion, Title: &title})
		})
	}
	return r.TicketRepository.Update(ctx, id, update)
}

func TestSubmitConflictCancelsOrphanedInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness) {
		h.repo = &racingRepository{TicketRepository: h.repo}
	})
	created := h.create(t)

	_, err := h.svc.SubmitTicket(ctx, created.ID)
	gt.Error(t, err).Is(apperrors.ErrConflict)

	stored, err := h.svc.GetTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Status).Equal(domain.TicketStatusDraft)
	gt.Value(t, stored.ProcessInstanceID).Nil()
	gt.Value(t, h.memory.CancelReason("pi-1")).Equal("superseded submission")

	// a fresh attempt succeeds with a new instance
	resubmitted, err := h.svc.SubmitTicket(ctx, created.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, *resubmitted.ProcessInstanceID).Equal("pi-2")
}

func TestResubmitAfterRejectionStartsNewInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ticket := h.submitted(t)

	rejected, err := h.svc.DecideTicket(ctx, ticket.ID, false, "missing cost center")
	gt.NoError(t, err).Required()
	gt.Value(t, rejected.Status).Equal(domain.TicketStatusRejected)

	resubmitted, err := h.svc.SubmitTicket(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, resubmitted.Status).Equal(domain.TicketStatusSubmitted)
	gt.Value(t, *resubmitted.ProcessInstanceID).Equal("pi-2")

	_, err = h.svc.SubmitTicket(ctx, ticket.ID)
	gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
}

func TestApplyEngineEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("approved ticket advances to completion", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.submitted(t)
		pid := *ticket.ProcessInstanceID
		_, err := h.svc.DecideTicket(ctx, ticket.ID, true, "")
		gt.NoError(t, err).Required()

		processing, err := h.svc.ApplyEngineEvent(ctx, pid, workflow.EventEngineAdvanced, "", domain.ChangeSourceEngine)
		gt.NoError(t, err).Required()
		gt.Value(t, processing.Status).Equal(domain.TicketStatusProcessing)

		completed, err := h.svc.ApplyEngineEvent(ctx, pid, workflow.EventEngineCompleted, "", domain.ChangeSourceEngine)
		gt.NoError(t, err).Required()
		gt.Value(t, completed.Status).Equal(domain.TicketStatusCompleted)

		_, err = h.svc.ApplyEngineEvent(ctx, pid, workflow.EventEngineCompleted, "", domain.ChangeSourceEngine)
		gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
	})

	t.Run("cancellation from submitted", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.submitted(t)

		cancelled, err := h.svc.ApplyEngineEvent(ctx, *ticket.ProcessInstanceID, workflow.EventEngineCancelled, "terminated by operator", domain.ChangeSourceEngine)
		gt.NoError(t, err).Required()
		gt.Value(t, cancelled.Status).Equal(domain.TicketStatusCancelled)

		_, err = h.svc.DecideTicket(ctx, ticket.ID, true, "")
		gt.Error(t, err).Is(apperrors.ErrInvalidTransition)
	})

	t.Run("engine decision callback", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.submitted(t)

		rejected, err := h.svc.ApplyEngineEvent(ctx, *ticket.ProcessInstanceID, workflow.EngineDecisionEvent(false), "", domain.ChangeSourceEngine)
		gt.NoError(t, err).Required()
		gt.Value(t, rejected.Status).Equal(domain.TicketStatusRejected)
	})

	t.Run("events with engine effects are refused", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.submitted(t)

		_, err := h.svc.ApplyEngineEvent(ctx, *ticket.ProcessInstanceID, workflow.EventApprove, "", domain.ChangeSourceEngine)
		gt.Error(t, err).Is(apperrors.ErrValidation)
	})

	t.Run("unknown process instance", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.ApplyEngineEvent(ctx, "pi-404", workflow.EventEngineCompleted, "", domain.ChangeSourceEngine)
		gt.Error(t, err).Is(apperrors.ErrNotFound)
	})
}

func TestUpdateTicket(t *testing.T) {
	ctx := context.Background()
	ptr := func(s string) *string { return &s }

	t.Run("draft fields are editable", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.create(t)

		updated, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{
			Title:    ptr("Laptop request (16GB)"),
			Assignee: ptr("bob"),
		})
		gt.NoError(t, err).Required()
		gt.Value(t, updated.Title).Equal("Laptop request (16GB)")
		gt.Value(t, *updated.Assignee).Equal("bob")
		gt.Value(t, updated.Version).Equal(ticket.Version + 1)
		gt.Array(t, h.events(events.EventTicketUpdated)).Length(1)
	})

	t.Run("title is frozen after submit but assignee is not", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.submitted(t)

		_, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{Title: ptr("other")})
		gt.Error(t, err).Is(apperrors.ErrInvalidTransition)

		updated, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{Assignee: ptr("carol")})
		gt.NoError(t, err).Required()
		gt.Value(t, *updated.Assignee).Equal("carol")
		gt.Value(t, updated.Status).Equal(domain.TicketStatusSubmitted)

		cleared, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{Assignee: ptr("")})
		gt.NoError(t, err).Required()
		gt.Value(t, cleared.Assignee).Nil()
	})

	t.Run("stale expected version", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.create(t)

		_, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{Title: ptr("x"), ExpectedVersion: ticket.Version + 5})
		gt.Error(t, err).Is(apperrors.ErrConflict)
	})

	t.Run("unchanged input is a no-op", func(t *testing.T) {
		h := newHarness(t)
		ticket := h.create(t)

		same, err := h.svc.UpdateTicket(ctx, ticket.ID, service.TicketUpdateInput{Title: ptr(ticket.Title)})
		gt.NoError(t, err).Required()
		gt.Value(t, same.Version).Equal(ticket.Version)
	})
}

func TestListTickets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.create(t)
	h.submitted(t)

	all, err := h.svc.ListTickets(ctx, service.TicketListFilter{})
	gt.NoError(t, err).Required()
	gt.Array(t, all).Length(2).Required()
	gt.Value(t, all[0].ID).Equal(first.ID)

	drafts, err := h.svc.ListTickets(ctx, service.TicketListFilter{Statuses: []domain.TicketStatus{domain.TicketStatusDraft}})
	gt.NoError(t, err).Required()
	gt.Array(t, drafts).Length(1)

	_, err = h.svc.ListTickets(ctx, service.TicketListFilter{Statuses: []domain.TicketStatus{"archived"}})
	gt.Error(t, err).Is(apperrors.ErrValidation)
}

func TestGetTicketNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetTicket(context.Background(), "missing")
	gt.Error(t, err).Is(apperrors.ErrNotFound)
}

// assigneeEditRacer reassigns the ticket right before the first write to
// status target, as a concurrent PATCH would.
type assigneeEditRacer struct {
	repository.TicketRepository
	target domain.TicketStatus
	once   sync.Once
}

func (r *assigneeEditRacer) Update(ctx context.Context, id string, update repository.TicketUpdate) (*domain.Ticket, error) {
	if update.Status != nil && *update.Status == r.target {
		r.once.Do(func() {
			assignee := "bob"
			_, _ = r.TicketRepository.Update(ctx, id, repository.TicketUpdate{ExpectedVersion: update.ExpectedVersion, Assignee: &assignee})
		})
	}
	return r.TicketRepository.Update(ctx, id, update)
}

func TestDecisionSurvivesConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness) {
		h.repo = &assigneeEditRacer{TicketRepository: h.repo, target: domain.TicketStatusApproved}
	})
	ticket := h.submitted(t)

	decided, err := h.svc.DecideTicket(ctx, ticket.ID, true, "within budget")
	gt.NoError(t, err).Required()
	gt.Value(t, decided.Status).Equal(domain.TicketStatusApproved)
	gt.Value(t, *decided.Assignee).Equal("bob")
	gt.Value(t, h.spy.signals.Load()).Equal(int32(1))

	history, err := h.svc.ListHistory(ctx, ticket.ID)
	gt.NoError(t, err).Required()
	last := history[len(history)-1]
	gt.Value(t, last.ToStatus).Equal(domain.TicketStatusApproved)
	gt.Value(t, last.Comment).Equal("within budget")
	gt.Value(t, last.Source).Equal(domain.ChangeSourceAPI)
}
