package dto

import (
	"time"

	"github.com/kyeliu99/PFlow/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Requester   string  `json:"requester"`
	Assignee    *string `json:"assignee"`
}

// UpdateTicketRequest payload. Omitted fields are left unchanged.
type UpdateTicketRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Assignee    *string `json:"assignee"`
	Version     int64   `json:"version"`
}

// DecisionRequest payload. Approved is a pointer so a missing field is
// distinguishable from false.
type DecisionRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment"`
}

// TicketResponse is the wire form of a ticket.
type TicketResponse struct {
	ID                string              `json:"id"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Requester         string              `json:"requester"`
	Assignee          string              `json:"assignee"`
	Status            domain.TicketStatus `json:"status"`
	ProcessInstanceID string              `json:"processInstanceId"`
	Version           int64               `json:"version"`
	CreatedAt         string              `json:"createdAt"`
	UpdatedAt         string              `json:"updatedAt"`
}

// TicketHistoryResponse is one audit entry.
type TicketHistoryResponse struct {
	ID                string              `json:"id"`
	Event             string              `json:"event"`
	FromStatus        domain.TicketStatus `json:"fromStatus"`
	ToStatus          domain.TicketStatus `json:"toStatus"`
	Source            domain.ChangeSource `json:"source"`
	ProcessInstanceID string              `json:"processInstanceId"`
	Comment           string              `json:"comment"`
	CreatedAt         string              `json:"createdAt"`
}

// CallbackResponse reports how a callback was handled.
type CallbackResponse struct {
	Result string `json:"result"`
}

// NewTicketResponse maps a domain ticket.
func NewTicketResponse(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Requester:         t.Requester,
		Assignee:          deref(t.Assignee),
		Status:            t.Status,
		ProcessInstanceID: deref(t.ProcessInstanceID),
		Version:           t.Version,
		CreatedAt:         timestamp(t.CreatedAt),
		UpdatedAt:         timestamp(t.UpdatedAt),
	}
}

// NewTicketHistoryResponse maps a history entry.
func NewTicketHistoryResponse(h *domain.TicketHistory) TicketHistoryResponse {
	return TicketHistoryResponse{
		ID:                h.ID,
		Event:             h.Event,
		FromStatus:        h.FromStatus,
		ToStatus:          h.ToStatus,
		Source:            h.Source,
		ProcessInstanceID: deref(h.ProcessInstanceID),
		Comment:           h.Comment,
		CreatedAt:         timestamp(h.CreatedAt),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
