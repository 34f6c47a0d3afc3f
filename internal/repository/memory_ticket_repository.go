package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kyeliu99/PFlow/internal/domain"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

type memoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	byPID   map[string]string
	history map[string][]domain.TicketHistory
	now     func() time.Time
	// lastCreated keeps creation timestamps strictly increasing so List
	// order matches insertion order.
	lastCreated time.Time
}

// NewMemoryTicketRepository returns a process-local store with the same
// conditional-write semantics as the postgres store.
func NewMemoryTicketRepository() TicketRepository {
	return &memoryTicketRepository{
		tickets: make(map[string]*domain.Ticket),
		byPID:   make(map[string]string),
		history: make(map[string][]domain.TicketHistory),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := ticket.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if _, exists := r.tickets[created.ID]; exists {
		return nil, apperrors.NewConflict("ticket already exists", map[string]any{"ticket_id": created.ID})
	}
	if created.Status == "" {
		created.Status = domain.TicketStatusDraft
	}
	now := r.now()
	if !now.After(r.lastCreated) {
		now = r.lastCreated.Add(time.Microsecond)
	}
	r.lastCreated = now
	created.Version = 1
	created.CreatedAt = now
	created.UpdatedAt = now

	r.tickets[created.ID] = created
	if created.ProcessInstanceID != nil {
		r.byPID[*created.ProcessInstanceID] = created.ID
	}
	return created.Clone(), nil
}

func (r *memoryTicketRepository) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	return ticket.Clone(), nil
}

func (r *memoryTicketRepository) GetByProcessInstance(ctx context.Context, processInstanceID string) (*domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPID[processInstanceID]
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"process_instance_id": processInstanceID})
	}
	return r.tickets[id].Clone(), nil
}

func (r *memoryTicketRepository) List(ctx context.Context, filter TicketFilter) ([]domain.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[domain.TicketStatus]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}

	result := make([]domain.Ticket, 0, len(r.tickets))
	for _, ticket := range r.tickets {
		if filter.Requester != nil && ticket.Requester != *filter.Requester {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[ticket.Status]; !ok {
				continue
			}
		}
		result = append(result, *ticket.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Ticket{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *memoryTicketRepository) Update(ctx context.Context, id string, update TicketUpdate) (*domain.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tickets[id]
	if !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
	}
	if existing.Version != update.ExpectedVersion {
		return nil, apperrors.NewConflict("ticket was modified concurrently", map[string]any{
			"ticket_id":        id,
			"expected_version": update.ExpectedVersion,
			"current_version":  existing.Version,
		})
	}

	updated := existing.Clone()
	if update.Title != nil {
		updated.Title = *update.Title
	}
	if update.Description != nil {
		updated.Description = *update.Description
	}
	if update.ClearAssignee {
		updated.Assignee = nil
	} else if update.Assignee != nil {
		v := *update.Assignee
		updated.Assignee = &v
	}
	if update.Status != nil {
		updated.Status = *update.Status
	}
	if update.ProcessInstanceID != nil {
		pid := *update.ProcessInstanceID
		if owner, taken := r.byPID[pid]; taken && owner != id {
			return nil, apperrors.NewConflict("process instance already bound to another ticket", map[string]any{
				"process_instance_id": pid,
			})
		}
		if existing.ProcessInstanceID != nil {
			delete(r.byPID, *existing.ProcessInstanceID)
		}
		updated.ProcessInstanceID = &pid
		r.byPID[pid] = id
	}
	updated.Version = existing.Version + 1
	updated.UpdatedAt = r.now()
	if !updated.UpdatedAt.After(existing.UpdatedAt) {
		updated.UpdatedAt = existing.UpdatedAt.Add(time.Microsecond)
	}

	if update.History != nil {
		entry := *update.History
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		entry.TicketID = id
		entry.CreatedAt = updated.UpdatedAt
		r.history[id] = append(r.history[id], entry)
	}

	r.tickets[id] = updated
	return updated.Clone(), nil
}

func (r *memoryTicketRepository) ListHistory(ctx context.Context, ticketID string) ([]domain.TicketHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.tickets[ticketID]; !ok {
		return nil, apperrors.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	entries := r.history[ticketID]
	out := make([]domain.TicketHistory, len(entries))
	copy(out, entries)
	return out, nil
}
