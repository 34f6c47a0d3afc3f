package engine

import (
	"context"
	"fmt"
	"time"
)

// InstanceStatus is the engine-side lifecycle of a process instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// StartRequest asks the engine for a new approval process instance.
type StartRequest struct {
	TicketID string
	// SubmissionKey identifies one submission attempt. Starting twice with
	// the same key yields the same instance.
	SubmissionKey string
	Variables     map[string]any
}

// SubmissionKey builds the idempotency key for submitting a ticket at a
// given stored version.
func SubmissionKey(ticketID string, version int64) string {
	return fmt.Sprintf("%s:%d", ticketID, version)
}

// Decision is the outcome signalled to a waiting instance.
type Decision struct {
	Approved bool
	Comment  string
}

// InstanceState is the engine's view of an instance.
type InstanceState struct {
	ID          string
	BusinessKey string
	Status      InstanceStatus
	// Decided is nil until a decision has been recorded by the instance.
	Decided *bool
	// Advanced reports that the instance moved past the decision into
	// post-approval work.
	Advanced bool
}

// ExternalTask is a unit of work locked by a worker.
type ExternalTask struct {
	ID                string
	ProcessInstanceID string
	ActivityID        string
	TopicName         string
	BusinessKey       string
	Variables         map[string]any
}

// Client drives approval process instances. Implementations report
// failures with the errorutil taxonomy: EngineUnavailable for transient
// faults, EngineRejected for permanent refusals, InstanceNotFound and
// InstanceAlreadyDecided for instance-level outcomes.
type Client interface {
	StartInstance(ctx context.Context, req StartRequest) (string, error)
	SignalDecision(ctx context.Context, processInstanceID string, decision Decision) error
	QueryState(ctx context.Context, processInstanceID string) (*InstanceState, error)
	CancelInstance(ctx context.Context, processInstanceID, reason string) error
}

// TaskSource is implemented by engines that hand out external tasks.
type TaskSource interface {
	FetchAndLockExternalTasks(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]ExternalTask, error)
	CompleteExternalTask(ctx context.Context, workerID, taskID string, variables map[string]any) error
	// UnlockExternalTask releases a lock so the task can be fetched again.
	UnlockExternalTask(ctx context.Context, taskID string) error
}
