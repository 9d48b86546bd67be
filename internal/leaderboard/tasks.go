package leaderboard

import (
	"context"
	"fmt"

	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/queue"
	"github.com/heartbeat-ingest/internal/types"
)

// QueueName is the work queue leaderboard tasks travel through
const QueueName = "leaderboard"

// TaskKind names the work a leaderboard task asks for
type TaskKind string

const (
	TaskRegenerate TaskKind = "regenerate"
	TaskCleanup    TaskKind = "cleanup"
)

// Task is one queued unit of leaderboard work
type Task struct {
	Kind   TaskKind         `json:"kind"`
	Period types.PeriodType `json:"period,omitempty"`
}

// RegenerateTask asks for the current window of period to be rebuilt
func RegenerateTask(period types.PeriodType) Task {
	return Task{Kind: TaskRegenerate, Period: period}
}

// CleanupTask asks for stale daily and weekly rows to be pruned
func CleanupTask() Task {
	return Task{Kind: TaskCleanup}
}

// String describes the task for logs
func (t Task) String() string {
	if t.Kind == TaskRegenerate {
		return fmt.Sprintf("%s:%s", t.Kind, t.Period)
	}
	return string(t.Kind)
}

// Handler executes queued leaderboard tasks
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a handler backed by aggregator
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// Handle decodes and runs one task
func (h *Handler) Handle(ctx context.Context, env *queue.Envelope) error {
	var task Task
	if err := env.Decode(&task); err != nil {
		return err
	}
	return h.Run(ctx, task)
}

// Run executes task
func (h *Handler) Run(ctx context.Context, task Task) error {
	logging.FromContext(ctx).WithField("task", task.String()).Debug("Running leaderboard task")

	switch task.Kind {
	case TaskRegenerate:
		if _, err := types.ParsePeriodType(string(task.Period)); err != nil {
			return err
		}
		_, err := h.aggregator.RegeneratePeriod(ctx, task.Period)
		return err
	case TaskCleanup:
		_, err := h.aggregator.Cleanup(ctx, h.aggregator.now())
		return err
	default:
		return fmt.Errorf("unknown leaderboard task kind: %q", task.Kind)
	}
}
