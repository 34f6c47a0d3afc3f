package events

import (
	"time"

	"github.com/kyeliu99/PFlow/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated       EventType = "ticket_created"
	EventTicketUpdated       EventType = "ticket_updated"
	EventTicketStatusChanged EventType = "ticket_status_changed"
)

// Actor records which side of the system caused an event.
type Actor struct {
	Source domain.ChangeSource `json:"source"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TicketID  string    `json:"ticketId"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// RoutingKey is the topic routing key used when the event leaves the process.
func (e Event) RoutingKey() string {
	switch e.Type {
	case EventTicketCreated:
		return "ticket.created"
	case EventTicketUpdated:
		return "ticket.updated"
	case EventTicketStatusChanged:
		return "ticket.status_changed"
	default:
		return "ticket." + string(e.Type)
	}
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Title     string `json:"title"`
	Requester string `json:"requester"`
}

// TicketUpdatedPayload lists the fields an edit changed.
type TicketUpdatedPayload struct {
	Fields []string `json:"fields"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus         domain.TicketStatus `json:"oldStatus"`
	NewStatus         domain.TicketStatus `json:"newStatus"`
	Event             string              `json:"event"`
	ProcessInstanceID string              `json:"processInstanceId,omitempty"`
	Comment           string              `json:"comment,omitempty"`
}
