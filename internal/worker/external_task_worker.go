package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/callback"
	"github.com/kyeliu99/PFlow/internal/config"
	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/engine"
)

// TicketFinder resolves the ticket bound to a process instance.
type TicketFinder interface {
	GetTicketByProcessInstance(ctx context.Context, processInstanceID string) (*domain.Ticket, error)
}

// ExternalTaskWorker polls the engine for post-approval work on a topic.
// Locking a task moves its ticket to processing; completing it moves the
// ticket to completed. A task is only completed once its ticket is
// processing, so the engine never finishes ahead of the stored decision.
type ExternalTaskWorker struct {
	id       string
	topic    string
	maxTasks int
	interval time.Duration
	lock     time.Duration
	tasks    engine.TaskSource
	tickets  TicketFinder
	receiver *callback.Receiver
	logger   *zap.Logger
}

// NewExternalTaskWorker creates the worker with a random identifier.
func NewExternalTaskWorker(cfg config.WorkerConfig, tasks engine.TaskSource, tickets TicketFinder, receiver *callback.Receiver, logger *zap.Logger) *ExternalTaskWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	return &ExternalTaskWorker{
		id:       "pflow-" + uuid.NewString(),
		topic:    cfg.Topic,
		maxTasks: maxTasks,
		interval: cfg.PollInterval(),
		lock:     cfg.LockDuration(),
		tasks:    tasks,
		tickets:  tickets,
		receiver: receiver,
		logger:   logger.With(zap.String("worker", "external_task"), zap.String("topic", cfg.Topic)),
	}
}

// Run polls until ctx is done.
func (w *ExternalTaskWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("external task worker started", zap.String("worker_id", w.id))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("external task worker shutting down")
			return nil
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("fetch external tasks failed", zap.Error(err))
			}
		}
	}
}

// Poll fetches one batch of tasks and handles them. It returns the number
// of tasks completed.
func (w *ExternalTaskWorker) Poll(ctx context.Context) (int, error) {
	tasks, err := w.tasks.FetchAndLockExternalTasks(ctx, w.id, w.topic, w.maxTasks, w.lock)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, task := range tasks {
		if w.handle(ctx, task) {
			completed++
		}
	}
	return completed, nil
}

func (w *ExternalTaskWorker) handle(ctx context.Context, task engine.ExternalTask) bool {
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("process_instance_id", task.ProcessInstanceID),
	)

	advanced := callback.Notification{ProcessInstanceID: task.ProcessInstanceID, EventType: callback.EventInstanceAdvanced}
	result, err := w.receiver.HandleFrom(ctx, advanced, domain.ChangeSourceEngine)
	if err != nil {
		// the lock expires and the task is fetched again
		logger.Warn("handle external task failed", zap.Error(err))
		return false
	}
	if result != callback.ResultApplied && !w.readyToComplete(ctx, task, result, logger) {
		return false
	}

	vars := map[string]any{"handledAt": time.Now().UTC().Format(time.RFC3339)}
	if err := w.tasks.CompleteExternalTask(ctx, w.id, task.ID, vars); err != nil {
		logger.Warn("complete external task failed", zap.Error(err))
		return false
	}

	completed := callback.Notification{ProcessInstanceID: task.ProcessInstanceID, EventType: callback.EventInstanceCompleted}
	if _, err := w.receiver.HandleFrom(ctx, completed, domain.ChangeSourceEngine); err != nil {
		logger.Warn("record instance completion failed", zap.Error(err))
	}
	return true
}

// readyToComplete decides what to do with a task whose advance was not
// applied. Only a ticket that already moved past approval lets the task
// complete. A ticket still waiting for its stored decision gets the task
// released for a later poll.
func (w *ExternalTaskWorker) readyToComplete(ctx context.Context, task engine.ExternalTask, result callback.Result, logger *zap.Logger) bool {
	if result == callback.ResultDiscarded {
		logger.Warn("external task for untracked process instance left locked")
		return false
	}

	ticket, err := w.tickets.GetTicketByProcessInstance(ctx, task.ProcessInstanceID)
	if err != nil {
		logger.Warn("load ticket for external task failed", zap.Error(err))
		return false
	}
	switch ticket.Status {
	case domain.TicketStatusProcessing, domain.TicketStatusCompleted:
		return true
	case domain.TicketStatusSubmitted:
		logger.Info("decision not stored yet, releasing external task", zap.String("ticket_id", ticket.ID))
		if err := w.tasks.UnlockExternalTask(ctx, task.ID); err != nil {
			logger.Warn("unlock external task failed", zap.Error(err))
		}
		return false
	default:
		logger.Warn("external task for ticket in unexpected status left locked",
			zap.String("ticket_id", ticket.ID),
			zap.String("status", string(ticket.Status)))
		return false
	}
}
