// Package callback turns engine notifications into ticket transitions.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/observability"
	"github.com/kyeliu99/PFlow/internal/workflow"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// EventType is the kind of an engine notification.
type EventType string

const (
	EventInstanceAdvanced  EventType = "instance.advanced"
	EventInstanceCompleted EventType = "instance.completed"
	EventInstanceCancelled EventType = "instance.cancelled"
	// EventDecisionRecorded carries details.approved.
	EventDecisionRecorded EventType = "decision.recorded"
)

// Notification is an inbound engine callback.
type Notification struct {
	ProcessInstanceID string         `json:"processInstanceId"`
	EventType         EventType      `json:"eventType"`
	Details           map[string]any `json:"details,omitempty"`
}

// Result describes what handling a notification did.
type Result string

const (
	ResultApplied Result = "applied"
	// ResultIgnored marks a duplicate or out-of-order notification.
	ResultIgnored Result = "ignored"
	// ResultDiscarded marks a notification for an untracked instance.
	ResultDiscarded Result = "discarded"
)

const defaultConflictAttempts = 3

// TicketEventApplier applies engine events to stored tickets.
type TicketEventApplier interface {
	ApplyEngineEvent(ctx context.Context, processInstanceID string, event workflow.Event, comment string, source domain.ChangeSource) (*domain.Ticket, error)
}

// Receiver validates notifications and applies them with at-least-once
// tolerance: redeliveries are absorbed by the transition guards.
type Receiver struct {
	tickets     TicketEventApplier
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxAttempts int
}

// NewReceiver constructs a receiver.
func NewReceiver(tickets TicketEventApplier, logger *zap.Logger, metrics *observability.Metrics) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		tickets:     tickets,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: defaultConflictAttempts,
	}
}

// ParseNotification decodes a JSON notification.
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, apperrors.NewValidationError("malformed notification", map[string]any{"reason": err.Error()})
	}
	return n, nil
}

// Handle applies an engine notification.
func (r *Receiver) Handle(ctx context.Context, n Notification) (Result, error) {
	return r.HandleFrom(ctx, n, domain.ChangeSourceEngine)
}

// HandleFrom applies n and records source in the ticket history.
func (r *Receiver) HandleFrom(ctx context.Context, n Notification, source domain.ChangeSource) (Result, error) {
	event, comment, err := toWorkflowEvent(n)
	if err != nil {
		r.metrics.RecordCallback(string(n.EventType), "invalid")
		return "", err
	}

	logger := r.logger.With(
		zap.String("process_instance_id", n.ProcessInstanceID),
		zap.String("event_type", string(n.EventType)),
		zap.String("source", string(source)),
	)

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		_, err := r.tickets.ApplyEngineEvent(ctx, n.ProcessInstanceID, event, comment, source)
		switch {
		case err == nil:
			logger.Info("engine notification applied")
			return r.done(n, ResultApplied), nil
		case errors.Is(err, apperrors.ErrNotFound):
			logger.Warn("engine notification for unknown process instance discarded")
			return r.done(n, ResultDiscarded), nil
		case errors.Is(err, apperrors.ErrInvalidTransition):
			logger.Debug("engine notification ignored", zap.Error(err))
			return r.done(n, ResultIgnored), nil
		case errors.Is(err, apperrors.ErrConflict):
			logger.Info("engine notification lost race, retrying", zap.Int("attempt", attempt))
			lastErr = err
			if ctx.Err() != nil {
				return "", lastErr
			}
		default:
			logger.Error("engine notification failed", zap.Error(err))
			r.metrics.RecordCallback(string(n.EventType), "error")
			return "", err
		}
	}
	r.metrics.RecordCallback(string(n.EventType), "conflict")
	return "", lastErr
}

func (r *Receiver) done(n Notification, result Result) Result {
	r.metrics.RecordCallback(string(n.EventType), string(result))
	return result
}

func toWorkflowEvent(n Notification) (workflow.Event, string, error) {
	if strings.TrimSpace(n.ProcessInstanceID) == "" {
		return "", "", apperrors.NewValidationError("processInstanceId is required", nil)
	}
	comment, _ := n.Details["comment"].(string)

	switch n.EventType {
	case EventInstanceAdvanced:
		return workflow.EventEngineAdvanced, comment, nil
	case EventInstanceCompleted:
		return workflow.EventEngineCompleted, comment, nil
	case EventInstanceCancelled:
		if reason, ok := n.Details["reason"].(string); ok && comment == "" {
			comment = reason
		}
		return workflow.EventEngineCancelled, comment, nil
	case EventDecisionRecorded:
		approved, ok := n.Details["approved"].(bool)
		if !ok {
			return "", "", apperrors.NewValidationError("details.approved must be a boolean", map[string]any{"event_type": string(n.EventType)})
		}
		return workflow.EngineDecisionEvent(approved), comment, nil
	default:
		return "", "", apperrors.NewValidationError("unknown event type", map[string]any{"event_type": string(n.EventType)})
	}
}
