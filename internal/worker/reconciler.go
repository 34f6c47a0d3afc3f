package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/callback"
	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/engine"
	"github.com/kyeliu99/PFlow/internal/service"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

const reconcileBatchSize = 200

// TicketLister lists tickets for reconciliation.
type TicketLister interface {
	ListTickets(ctx context.Context, filter service.TicketListFilter) ([]domain.Ticket, error)
}

// Reconciler compares in-flight tickets with their process instances and
// replays the engine events the store has not seen.
type Reconciler struct {
	tickets  TicketLister
	engine   engine.Client
	receiver *callback.Receiver
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a reconciler running every interval.
func NewReconciler(tickets TicketLister, client engine.Client, receiver *callback.Receiver, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		tickets:  tickets,
		engine:   client,
		receiver: receiver,
		interval: interval,
		logger:   logger.With(zap.String("worker", "reconciler")),
	}
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			applied, err := r.ReconcileOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("reconcile pass failed", zap.Error(err))
				continue
			}
			if applied > 0 {
				r.logger.Info("reconcile pass repaired tickets", zap.Int("applied", applied))
			}
		}
	}
}

// ReconcileOnce runs a single pass and returns how many events it applied.
// Candidates are listed before anything is repaired: a repaired ticket
// leaves the status filter and would otherwise shift the later pages.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	candidates, err := r.inFlight(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, ticket := range candidates {
		n, err := r.reconcile(ctx, ticket)
		if err != nil {
			return applied, err
		}
		applied += n
	}
	return applied, nil
}

func (r *Reconciler) inFlight(ctx context.Context) ([]domain.Ticket, error) {
	filter := service.TicketListFilter{
		Statuses: []domain.TicketStatus{
			domain.TicketStatusSubmitted,
			domain.TicketStatusApproved,
			domain.TicketStatusProcessing,
		},
		Limit: reconcileBatchSize,
	}

	var out []domain.Ticket
	for {
		batch, err := r.tickets.ListTickets(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(batch)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, ticket domain.Ticket) (int, error) {
	if ticket.ProcessInstanceID == nil {
		return 0, nil
	}
	pid := *ticket.ProcessInstanceID
	logger := r.logger.With(zap.String("ticket_id", ticket.ID), zap.String("process_instance_id", pid))

	state, err := r.engine.QueryState(ctx, pid)
	switch {
	case errors.Is(err, apperrors.ErrInstanceNotFound):
		logger.Warn("process instance missing from engine")
		return 0, nil
	case errors.Is(err, apperrors.ErrEngineUnavailable):
		return 0, err
	case err != nil:
		logger.Warn("query instance state failed", zap.Error(err))
		return 0, nil
	}

	applied := 0
	for _, n := range pendingNotifications(pid, state) {
		result, err := r.receiver.HandleFrom(ctx, n, domain.ChangeSourceReconciler)
		if err != nil {
			logger.Warn("replay engine event failed", zap.String("event_type", string(n.EventType)), zap.Error(err))
			return applied, nil
		}
		if result == callback.ResultApplied {
			applied++
		}
	}
	return applied, nil
}

// pendingNotifications lists, in order, the notifications implied by an
// instance state. Ones the ticket already reflects are ignored downstream.
func pendingNotifications(pid string, state *engine.InstanceState) []callback.Notification {
	var out []callback.Notification
	if state.Decided != nil {
		out = append(out, callback.Notification{
			ProcessInstanceID: pid,
			EventType:         callback.EventDecisionRecorded,
			Details:           map[string]any{"approved": *state.Decided},
		})
		if *state.Decided && (state.Advanced || state.Status == engine.InstanceCompleted) {
			out = append(out, callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceAdvanced})
			if state.Status == engine.InstanceCompleted {
				out = append(out, callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceCompleted})
			}
		}
	}
	if state.Status == engine.InstanceCancelled {
		out = append(out, callback.Notification{ProcessInstanceID: pid, EventType: callback.EventInstanceCancelled})
	}
	return out
}
