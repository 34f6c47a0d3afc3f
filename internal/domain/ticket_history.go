package domain

import "time"

// ChangeSource identifies who triggered a recorded transition.
type ChangeSource string

const (
	ChangeSourceAPI        ChangeSource = "api"
	ChangeSourceEngine     ChangeSource = "engine"
	ChangeSourceReconciler ChangeSource = "reconciler"
)

// TicketHistory is an immutable audit trail entry for one applied transition.
type TicketHistory struct {
	ID                string
	TicketID          string
	Event             string
	FromStatus        TicketStatus
	ToStatus          TicketStatus
	Source            ChangeSource
	ProcessInstanceID *string
	Comment           string
	CreatedAt         time.Time
}
