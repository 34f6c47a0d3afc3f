package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/engine"
	"github.com/kyeliu99/PFlow/internal/events"
	"github.com/kyeliu99/PFlow/internal/observability"
	"github.com/kyeliu99/PFlow/internal/repository"
	"github.com/kyeliu99/PFlow/internal/workflow"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

const (
	maxTitleLength     = 200
	maxRequesterLength = 120
	maxListLimit       = 500
	maxDecisionWrites  = 3
)

// TicketService coordinates ticket workflows between the store and the
// process engine. Engine calls never run while holding anything: every write
// is a conditional update against the version read at the start of the
// operation.
type TicketService struct {
	tickets    repository.TicketRepository
	engine     engine.Client
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// TicketDependencies bundles collaborators for the ticket service.
type TicketDependencies struct {
	TicketRepo repository.TicketRepository
	Engine     engine.Client
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Title       string
	Description string
	Requester   string
	Assignee    *string
}

// TicketUpdateInput describes an edit. Nil fields are left unchanged; an
// empty Assignee clears it. A non-zero ExpectedVersion must match the stored
// version.
type TicketUpdateInput struct {
	Title           *string
	Description     *string
	Assignee        *string
	ExpectedVersion int64
}

// TicketListFilter narrows ListTickets.
type TicketListFilter struct {
	Requester *string
	Statuses  []domain.TicketStatus
	Limit     int
	Offset    int
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketService{
		tickets:    deps.TicketRepo,
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// CreateTicket stores a new draft ticket.
func (s *TicketService) CreateTicket(ctx context.Context, input TicketCreateInput) (*domain.Ticket, error) {
	title := strings.TrimSpace(input.Title)
	requester := strings.TrimSpace(input.Requester)

	fields := map[string]any{}
	if msg := checkText(title, maxTitleLength); msg != "" {
		fields["title"] = msg
	}
	if msg := checkText(requester, maxRequesterLength); msg != "" {
		fields["requester"] = msg
	}
	if len(fields) > 0 {
		return nil, apperrors.NewValidationError("invalid ticket", map[string]any{"fields": fields})
	}

	ticket := &domain.Ticket{
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Requester:   requester,
		Assignee:    normalizeOptional(input.Assignee),
		Status:      domain.TicketStatusDraft,
	}
	created, err := s.tickets.Create(ctx, ticket)
	if err != nil {
		return nil, err
	}

	s.logger.Info("ticket created", zap.String("ticket_id", created.ID), zap.String("requester", created.Requester))
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketCreated,
		TicketID: created.ID,
		Actor:    events.Actor{Source: domain.ChangeSourceAPI},
		Payload:  events.TicketCreatedPayload{Title: created.Title, Requester: created.Requester},
	})
	return created, nil
}

// SubmitTicket starts an approval process instance and records it. The
// ticket is only marked submitted once the engine has returned an instance.
func (s *TicketService) SubmitTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	outcome, err := workflow.Apply(ticket.Status, workflow.EventSubmit)
	if err != nil {
		return nil, err
	}

	pid, err := s.engine.StartInstance(ctx, engine.StartRequest{
		TicketID:      ticket.ID,
		SubmissionKey: engine.SubmissionKey(ticket.ID, ticket.Version),
		Variables: map[string]any{
			"title":     ticket.Title,
			"requester": ticket.Requester,
		},
	})
	if err != nil {
		s.logger.Warn("start process instance failed", zap.String("ticket_id", id), zap.Error(err))
		return nil, err
	}

	updated, err := s.transition(ctx, ticket, workflow.EventSubmit, outcome, &pid, "", domain.ChangeSourceAPI)
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.releaseOrphan(ctx, id, pid)
		}
		return nil, err
	}
	return updated, nil
}

// DecideTicket records an approval decision. Repeating a decision that is
// already stored succeeds without contacting the engine.
func (s *TicketService) DecideTicket(ctx context.Context, id string, approved bool, comment string) (*domain.Ticket, error) {
	comment = strings.TrimSpace(comment)
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	event := workflow.DecisionEvent(approved)
	if workflow.Reached(ticket.Status, event) {
		return ticket, nil
	}
	outcome, err := workflow.Apply(ticket.Status, event)
	if err != nil {
		return nil, err
	}
	if ticket.ProcessInstanceID == nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("ticket %s is %s without a process instance", ticket.ID, ticket.Status))
	}
	pid := *ticket.ProcessInstanceID

	err = s.engine.SignalDecision(ctx, pid, engine.Decision{Approved: approved, Comment: comment})
	switch {
	case errors.Is(err, apperrors.ErrInstanceAlreadyDecided):
		s.logger.Info("instance already decided, adopting stored state",
			zap.String("ticket_id", id), zap.String("process_instance_id", pid))
		return s.adoptEngineDecision(ctx, id, comment)
	case err != nil:
		return nil, err
	}

	// The engine holds the decision from here on, so a lost store race is
	// retried against the re-read ticket while it still awaits the decision.
	for attempt := 1; ; attempt++ {
		updated, err := s.transition(ctx, ticket, event, outcome, nil, comment, domain.ChangeSourceAPI)
		if !errors.Is(err, apperrors.ErrConflict) {
			return updated, err
		}
		current, getErr := s.tickets.Get(ctx, id)
		if getErr != nil {
			return nil, err
		}
		if workflow.Reached(current.Status, event) {
			return current, nil
		}
		if attempt >= maxDecisionWrites || current.Status != domain.TicketStatusSubmitted ||
			current.ProcessInstanceID == nil || *current.ProcessInstanceID != pid {
			return nil, err
		}
		ticket = current
	}
}

// UpdateTicket edits ticket fields. Title and description are editable only
// in draft; the assignee until the ticket is terminal.
func (s *TicketService) UpdateTicket(ctx context.Context, id string, input TicketUpdateInput) (*domain.Ticket, error) {
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.ExpectedVersion != 0 && input.ExpectedVersion != ticket.Version {
		return nil, apperrors.NewConflict("ticket was modified concurrently", map[string]any{
			"ticket_id":        id,
			"expected_version": input.ExpectedVersion,
			"current_version":  ticket.Version,
		})
	}
	if workflow.IsTerminal(ticket.Status) {
		return nil, apperrors.NewInvalidTransition(string(ticket.Status), "edit")
	}

	update := repository.TicketUpdate{ExpectedVersion: ticket.Version}
	var changed []string
	if input.Title != nil || input.Description != nil {
		if ticket.Status != domain.TicketStatusDraft {
			return nil, apperrors.NewInvalidTransition(string(ticket.Status), "edit")
		}
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if msg := checkText(title, maxTitleLength); msg != "" {
			return nil, apperrors.NewValidationError("invalid ticket", map[string]any{"fields": map[string]any{"title": msg}})
		}
		if title != ticket.Title {
			update.Title = &title
			changed = append(changed, "title")
		}
	}
	if input.Description != nil {
		description := strings.TrimSpace(*input.Description)
		if description != ticket.Description {
			update.Description = &description
			changed = append(changed, "description")
		}
	}
	if input.Assignee != nil {
		assignee := normalizeOptional(input.Assignee)
		switch {
		case assignee == nil && ticket.Assignee != nil:
			update.ClearAssignee = true
			changed = append(changed, "assignee")
		case assignee != nil && (ticket.Assignee == nil || *ticket.Assignee != *assignee):
			update.Assignee = assignee
			changed = append(changed, "assignee")
		}
	}
	if len(changed) == 0 {
		return ticket, nil
	}

	updated, err := s.tickets.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketUpdated,
		TicketID: id,
		Actor:    events.Actor{Source: domain.ChangeSourceAPI},
		Payload:  events.TicketUpdatedPayload{Fields: changed},
	})
	return updated, nil
}

// ApplyEngineEvent applies an engine-originated event to the ticket bound to
// processInstanceID. Events that are not allowed from the stored status fail
// with InvalidTransition and change nothing.
func (s *TicketService) ApplyEngineEvent(ctx context.Context, processInstanceID string, event workflow.Event, comment string, source domain.ChangeSource) (*domain.Ticket, error) {
	ticket, err := s.tickets.GetByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	outcome, err := workflow.Apply(ticket.Status, event)
	if err != nil {
		return nil, err
	}
	if outcome.Effect != workflow.EffectNone {
		return nil, apperrors.NewValidationError("event requires an engine call", map[string]any{"event": string(event)})
	}
	return s.transition(ctx, ticket, event, outcome, nil, comment, source)
}

// GetTicket returns a single ticket.
func (s *TicketService) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return s.tickets.Get(ctx, id)
}

// GetTicketByProcessInstance returns the ticket bound to a process instance.
func (s *TicketService) GetTicketByProcessInstance(ctx context.Context, processInstanceID string) (*domain.Ticket, error) {
	return s.tickets.GetByProcessInstance(ctx, processInstanceID)
}

// ListTickets returns tickets in creation order.
func (s *TicketService) ListTickets(ctx context.Context, filter TicketListFilter) ([]domain.Ticket, error) {
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, apperrors.NewValidationError("invalid status filter", map[string]any{"status": string(status)})
		}
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, apperrors.NewValidationError("invalid pagination", map[string]any{"limit": filter.Limit, "offset": filter.Offset})
	}
	limit := filter.Limit
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.tickets.List(ctx, repository.TicketFilter{
		Requester: filter.Requester,
		Statuses:  filter.Statuses,
		Limit:     limit,
		Offset:    filter.Offset,
	})
}

// ListHistory returns the transitions recorded for a ticket, oldest first.
func (s *TicketService) ListHistory(ctx context.Context, id string) ([]domain.TicketHistory, error) {
	return s.tickets.ListHistory(ctx, id)
}

// transition persists outcome under the version read into ticket and
// records the history entry in the same write.
func (s *TicketService) transition(ctx context.Context, ticket *domain.Ticket, event workflow.Event, outcome workflow.Outcome, pid *string, comment string, source domain.ChangeSource) (*domain.Ticket, error) {
	next := outcome.Next
	historyPID := ticket.ProcessInstanceID
	if pid != nil {
		historyPID = pid
	}
	updated, err := s.tickets.Update(ctx, ticket.ID, repository.TicketUpdate{
		ExpectedVersion:   ticket.Version,
		Status:            &next,
		ProcessInstanceID: pid,
		History: &domain.TicketHistory{
			Event:             string(event),
			FromStatus:        outcome.From,
			ToStatus:          next,
			Source:            source,
			ProcessInstanceID: historyPID,
			Comment:           comment,
		},
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			s.logger.Info("ticket transition lost race",
				zap.String("ticket_id", ticket.ID),
				zap.String("event", string(event)),
				zap.Int64("expected_version", ticket.Version))
		}
		return nil, err
	}

	s.metrics.RecordTransition(string(event), string(outcome.From), string(next))
	s.logger.Info("ticket transitioned",
		zap.String("ticket_id", updated.ID),
		zap.String("event", string(event)),
		zap.String("from", string(outcome.From)),
		zap.String("to", string(next)),
		zap.String("source", string(source)))

	payload := events.TicketStatusChangedPayload{
		OldStatus: outcome.From,
		NewStatus: next,
		Event:     string(event),
		Comment:   comment,
	}
	if updated.ProcessInstanceID != nil {
		payload.ProcessInstanceID = *updated.ProcessInstanceID
	}
	s.publishEvent(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: updated.ID,
		Actor:    events.Actor{Source: source},
		Payload:  payload,
	})
	return updated, nil
}

// releaseOrphan cancels an instance started by a submission that lost the
// store race, unless the winning submission recorded the same instance.
func (s *TicketService) releaseOrphan(ctx context.Context, ticketID, pid string) {
	current, err := s.tickets.Get(ctx, ticketID)
	if err == nil && current.ProcessInstanceID != nil && *current.ProcessInstanceID == pid {
		return
	}
	if err := s.engine.CancelInstance(ctx, pid, "superseded submission"); err != nil {
		s.logger.Warn("cancel orphaned process instance failed",
			zap.String("ticket_id", ticketID),
			zap.String("process_instance_id", pid),
			zap.Error(err))
		return
	}
	s.logger.Info("cancelled orphaned process instance",
		zap.String("ticket_id", ticketID),
		zap.String("process_instance_id", pid))
}

// adoptEngineDecision resolves a decide call the engine already answered.
// The stored ticket wins when it has moved on; otherwise the decision the
// engine recorded is written to the store.
func (s *TicketService) adoptEngineDecision(ctx context.Context, id, comment string) (*domain.Ticket, error) {
	current, err := s.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TicketStatusSubmitted || current.ProcessInstanceID == nil {
		return current, nil
	}

	state, err := s.engine.QueryState(ctx, *current.ProcessInstanceID)
	if err != nil {
		return nil, err
	}
	if state.Decided == nil {
		return nil, apperrors.NewConflict("engine decision not yet visible", map[string]any{
			"ticket_id":           id,
			"process_instance_id": *current.ProcessInstanceID,
		})
	}
	event := workflow.EngineDecisionEvent(*state.Decided)
	outcome, err := workflow.Apply(current.Status, event)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, current, event, outcome, nil, comment, domain.ChangeSourceEngine)
	if errors.Is(err, apperrors.ErrConflict) {
		latest, getErr := s.tickets.Get(ctx, id)
		if getErr == nil && latest.Status != domain.TicketStatusSubmitted {
			return latest, nil
		}
	}
	return updated, err
}

func (s *TicketService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handler failed",
			zap.String("ticket_id", event.TicketID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func checkText(value string, max int) string {
	switch {
	case value == "":
		return "required"
	case utf8.RuneCountInString(value) > max:
		return fmt.Sprintf("must be at most %d characters", max)
	default:
		return ""
	}
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
