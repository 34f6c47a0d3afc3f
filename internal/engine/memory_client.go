package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// DefaultTaskTopic is the topic the in-process engine publishes
// post-approval work on.
const DefaultTaskTopic = "ticket-processing"

type memoryInstance struct {
	state         InstanceState
	submissionKey string
	comment       string
	cancelReason  string
}

type memoryTask struct {
	task        ExternalTask
	lockedBy    string
	lockExpires time.Time
}

// MemoryClient is a deterministic in-process engine. Instances are named
// pi-1, pi-2, ... in start order. An approval parks a task on the processing
// topic; completing that task completes the instance.
type MemoryClient struct {
	mu           sync.Mutex
	seq          int
	taskSeq      int
	topic        string
	instances    map[string]*memoryInstance
	bySubmission map[string]string
	tasks        map[string]*memoryTask
	now          func() time.Time
}

// NewMemoryClient returns an empty in-process engine.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		topic:        DefaultTaskTopic,
		instances:    make(map[string]*memoryInstance),
		bySubmission: make(map[string]string),
		tasks:        make(map[string]*memoryTask),
		now:          time.Now,
	}
}

func (m *MemoryClient) StartInstance(ctx context.Context, req StartRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewEngineUnavailable("start_instance", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.SubmissionKey != "" {
		if id, ok := m.bySubmission[req.SubmissionKey]; ok {
			if inst := m.instances[id]; inst.state.Status == InstanceRunning {
				return id, nil
			}
		}
	}

	m.seq++
	id := fmt.Sprintf("pi-%d", m.seq)
	m.instances[id] = &memoryInstance{
		state:         InstanceState{ID: id, BusinessKey: req.TicketID, Status: InstanceRunning},
		submissionKey: req.SubmissionKey,
	}
	if req.SubmissionKey != "" {
		m.bySubmission[req.SubmissionKey] = id
	}
	return id, nil
}

func (m *MemoryClient) SignalDecision(ctx context.Context, processInstanceID string, decision Decision) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewEngineUnavailable("signal_decision", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[processInstanceID]
	if !ok || inst.state.Status == InstanceCancelled {
		return apperrors.NewInstanceNotFound(processInstanceID)
	}
	if inst.state.Status != InstanceRunning || inst.state.Decided != nil {
		return apperrors.NewInstanceAlreadyDecided(processInstanceID)
	}

	approved := decision.Approved
	inst.state.Decided = &approved
	inst.comment = decision.Comment
	if !approved {
		inst.state.Status = InstanceCompleted
		return nil
	}

	inst.state.Advanced = true
	m.taskSeq++
	taskID := fmt.Sprintf("task-%d", m.taskSeq)
	m.tasks[taskID] = &memoryTask{task: ExternalTask{
		ID:                taskID,
		ProcessInstanceID: processInstanceID,
		ActivityID:        "ServiceTask_ProcessTicket",
		TopicName:         m.topic,
		BusinessKey:       inst.state.BusinessKey,
		Variables:         map[string]any{variableApproved: true, variableDecisionComment: decision.Comment},
	}}
	return nil
}

func (m *MemoryClient) QueryState(ctx context.Context, processInstanceID string) (*InstanceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewEngineUnavailable("query_state", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[processInstanceID]
	if !ok {
		return nil, apperrors.NewInstanceNotFound(processInstanceID)
	}
	state := inst.state
	if inst.state.Decided != nil {
		v := *inst.state.Decided
		state.Decided = &v
	}
	return &state, nil
}

func (m *MemoryClient) CancelInstance(ctx context.Context, processInstanceID, reason string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewEngineUnavailable("cancel_instance", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[processInstanceID]
	if !ok || inst.state.Status != InstanceRunning {
		return apperrors.NewInstanceNotFound(processInstanceID)
	}
	inst.state.Status = InstanceCancelled
	inst.cancelReason = reason
	m.dropTasks(processInstanceID)
	return nil
}

// FetchAndLockExternalTasks locks open tasks on topic in creation order.
func (m *MemoryClient) FetchAndLockExternalTasks(ctx context.Context, workerID, topic string, maxTasks int, lockDuration time.Duration) ([]ExternalTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewEngineUnavailable("fetch_and_lock", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ids := make([]string, 0, len(m.tasks))
	for id, t := range m.tasks {
		if t.task.TopicName != topic {
			continue
		}
		if t.lockedBy != "" && now.Before(t.lockExpires) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return taskNumber(ids[i]) < taskNumber(ids[j]) })
	if maxTasks > 0 && len(ids) > maxTasks {
		ids = ids[:maxTasks]
	}

	locked := make([]ExternalTask, 0, len(ids))
	for _, id := range ids {
		t := m.tasks[id]
		t.lockedBy = workerID
		t.lockExpires = now.Add(lockDuration)
		locked = append(locked, t.task)
	}
	return locked, nil
}

// CompleteExternalTask finishes a task locked by workerID and completes its
// instance.
func (m *MemoryClient) CompleteExternalTask(ctx context.Context, workerID, taskID string, variables map[string]any) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewEngineUnavailable("complete_task", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NewEngineRejected("complete_task", fmt.Sprintf("external task %s does not exist", taskID))
	}
	if t.lockedBy != workerID {
		return apperrors.NewEngineRejected("complete_task", fmt.Sprintf("external task %s is locked by another worker", taskID))
	}
	delete(m.tasks, taskID)
	if inst, ok := m.instances[t.task.ProcessInstanceID]; ok && inst.state.Status == InstanceRunning {
		inst.state.Status = InstanceCompleted
	}
	return nil
}

// UnlockExternalTask makes a locked task fetchable again.
func (m *MemoryClient) UnlockExternalTask(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewEngineUnavailable("unlock_task", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return apperrors.NewEngineRejected("unlock_task", fmt.Sprintf("external task %s does not exist", taskID))
	}
	t.lockedBy = ""
	t.lockExpires = time.Time{}
	return nil
}

// Complete finishes a running instance as if its last activity ended.
func (m *MemoryClient) Complete(processInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[processInstanceID]
	if !ok || inst.state.Status != InstanceRunning {
		return apperrors.NewInstanceNotFound(processInstanceID)
	}
	inst.state.Status = InstanceCompleted
	m.dropTasks(processInstanceID)
	return nil
}

// InstanceCount returns how many instances were ever started.
func (m *MemoryClient) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// CancelReason returns the reason recorded when the instance was cancelled.
func (m *MemoryClient) CancelReason(processInstanceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[processInstanceID]; ok {
		return inst.cancelReason
	}
	return ""
}

func (m *MemoryClient) dropTasks(processInstanceID string) {
	for id, t := range m.tasks {
		if t.task.ProcessInstanceID == processInstanceID {
			delete(m.tasks, id)
		}
	}
}

func taskNumber(id string) int {
	var n int
	_, _ = fmt.Sscanf(id, "task-%d", &n)
	return n
}
