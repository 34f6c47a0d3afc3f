package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusDraft      TicketStatus = "draft"
	TicketStatusSubmitted  TicketStatus = "submitted"
	TicketStatusApproved   TicketStatus = "approved"
	TicketStatusRejected   TicketStatus = "rejected"
	TicketStatusProcessing TicketStatus = "processing"
	TicketStatusCompleted  TicketStatus = "completed"
	TicketStatusCancelled  TicketStatus = "cancelled"
)

// TicketStatuses lists every status in lifecycle order.
var TicketStatuses = []TicketStatus{
	TicketStatusDraft,
	TicketStatusSubmitted,
	TicketStatusApproved,
	TicketStatusRejected,
	TicketStatusProcessing,
	TicketStatusCompleted,
	TicketStatusCancelled,
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	for _, known := range TicketStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Ticket is the aggregate owned by the ticket store. The approval routing
// for a submitted ticket runs in an external process instance referenced by
// ProcessInstanceID.
type Ticket struct {
	ID                string
	Title             string
	Description       string
	Requester         string
	Assignee          *string
	Status            TicketStatus
	ProcessInstanceID *string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	out := *t
	if t.Assignee != nil {
		v := *t.Assignee
		out.Assignee = &v
	}
	if t.ProcessInstanceID != nil {
		v := *t.ProcessInstanceID
		out.ProcessInstanceID = &v
	}
	return &out
}
