package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/heartbeat-ingest/internal/activity"
	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/queue"
	"github.com/heartbeat-ingest/internal/retry"
)

// QueueName is the work queue import tasks travel through
const QueueName = "import"

// InterruptedMessage is recorded on jobs whose task outlived the process that queued it
const InterruptedMessage = "import interrupted by restart"

// LostMessage is recorded on jobs whose task never reached a worker
const LostMessage = "import task was never picked up"

// DefaultPickupTimeout bounds how long a queued task may hold its user's guard
// before a worker claims it
const DefaultPickupTimeout = 30 * time.Minute

const finalizeTimeout = 30 * time.Second

// JobStore persists import job state transitions
type JobStore interface {
	Create(ctx context.Context, userID int64) (*models.ImportJob, error)
	Complete(ctx context.Context, jobID int64, stats models.ImportStats) error
	Fail(ctx context.Context, jobID int64, message string) error
}

// Enqueuer hands tasks to the import workers
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (string, error)
}

// Task is the queued unit of import work
type Task struct {
	JobID  int64  `json:"jobId"`
	UserID int64  `json:"userId"`
	APIKey string `json:"apiKey"`
}

// Coordinator admits at most one import per user and drives each
// admitted import's job row from running to completed or failed.
type Coordinator struct {
	pipeline *Pipeline
	jobs     JobStore
	queue    Enqueuer
	locks    *UserLocks
	logger   *logging.Logger
	now      func() time.Time

	// WriteRetry controls retries of the final job row update
	WriteRetry *retry.RetryConfig
	// PickupTimeout expires guards of queued tasks no worker has claimed
	PickupTimeout time.Duration

	mu       sync.Mutex
	inflight map[int64]*pendingTask
}

type pendingTask struct {
	guard    *Guard
	queuedAt time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(pipeline *Pipeline, jobs JobStore, queue Enqueuer, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Coordinator{
		pipeline:   pipeline,
		jobs:       jobs,
		queue:      queue,
		locks:      NewUserLocks(),
		logger:     logger.WithField("component", "import_coordinator"),
		now:        time.Now,
		WriteRetry:    retry.DefaultRetryConfig(),
		PickupTimeout: DefaultPickupTimeout,
		inflight:      make(map[int64]*pendingTask),
	}
}

// IsImporting reports whether userID has an import in flight in this process
func (c *Coordinator) IsImporting(userID int64) bool {
	return c.locks.IsHeld(userID)
}

// StartImport creates a running job for userID and queues the work.
// It returns a conflict error when the user already has an import in flight.
func (c *Coordinator) StartImport(ctx context.Context, userID int64, apiKey string) (*models.ImportJob, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, apperrors.NewInvalidParameterError("apiKey", "must not be empty")
	}

	logger := c.logger.WithField("user_id", userID)

	guard, ok := c.locks.Acquire(userID)
	if !ok && c.expireUnclaimed(ctx, userID) {
		guard, ok = c.locks.Acquire(userID)
	}
	if !ok {
		return nil, apperrors.NewImportInProgressError(userID)
	}

	job, err := c.jobs.Create(ctx, userID)
	if err != nil {
		guard.Release()
		logger.WithError(err).Error("Failed to create import job")
		return nil, apperrors.NewDatabaseError("create import job", err)
	}

	c.mu.Lock()
	c.inflight[job.ID] = &pendingTask{guard: guard, queuedAt: c.now()}
	c.mu.Unlock()

	taskID, err := c.queue.Enqueue(ctx, QueueName, Task{JobID: job.ID, UserID: userID, APIKey: apiKey})
	if err != nil {
		c.takeGuard(job.ID)
		guard.Release()
		logger.WithError(err).Error("Failed to enqueue import task")
		c.finalize(ctx, job.ID, func(ctx context.Context) error {
			return c.jobs.Fail(ctx, job.ID, "failed to queue import")
		})
		return nil, apperrors.NewQueueError("enqueue import task", err)
	}

	logger.WithFields(map[string]interface{}{
		"job_id":  job.ID,
		"task_id": taskID,
	}).Info("Import queued")

	return job, nil
}

// Handle runs a queued import task
func (c *Coordinator) Handle(ctx context.Context, env *queue.Envelope) error {
	var task Task
	if err := env.Decode(&task); err != nil {
		logger := c.logger.WithField("task_id", env.ID).WithError(err)

		// Salvage the job id so the user is not left locked out
		var ref struct {
			JobID int64 `json:"jobId"`
		}
		if json.Unmarshal(env.Payload, &ref) != nil || ref.JobID == 0 {
			logger.Error("Dropping undecodable import task")
			return err
		}
		logger.WithField("job_id", ref.JobID).Error("Failing import with undecodable task")
		if guard := c.takeGuard(ref.JobID); guard != nil {
			guard.Release()
		}
		if ferr := c.finalize(ctx, ref.JobID, func(ctx context.Context) error {
			return c.jobs.Fail(ctx, ref.JobID, LostMessage)
		}); ferr != nil {
			return ferr
		}
		return err
	}
	return c.RunImport(ctx, task)
}

// RunImport executes the pipeline for task and records the outcome on its job.
// Pipeline failures are recorded on the job, not returned.
func (c *Coordinator) RunImport(ctx context.Context, task Task) error {
	logger := c.logger.WithFields(map[string]interface{}{
		"job_id":  task.JobID,
		"user_id": task.UserID,
	})

	guard := c.takeGuard(task.JobID)
	if guard == nil {
		logger.Warn("Import task has no active guard; marking job failed")
		return c.finalize(ctx, task.JobID, func(ctx context.Context) error {
			return c.jobs.Fail(ctx, task.JobID, InterruptedMessage)
		})
	}
	defer guard.Release()

	started := c.now()
	logger.Info("Starting heartbeat import")

	result, err := c.pipeline.Run(ctx, task.UserID, task.APIKey)
	elapsed := c.now().Sub(started)

	if err != nil {
		message := FailureMessage(err)
		logger.WithError(err).WithField("elapsed", elapsed.String()).Error("Heartbeat import failed")
		return c.finalize(ctx, task.JobID, func(ctx context.Context) error {
			return c.jobs.Fail(ctx, task.JobID, message)
		})
	}

	stats := models.ImportStats{
		Imported:  result.Inserted,
		Processed: result.Processed,
		Requests:  int32(result.Requests),
		StartDate: result.StartDate(c.pipeline.Cutoff()),
		TimeTaken: elapsed.Seconds(),
	}

	logger.WithFields(map[string]interface{}{
		"imported":   stats.Imported,
		"processed":  stats.Processed,
		"requests":   stats.Requests,
		"time_taken": stats.TimeTaken,
	}).Info("Heartbeat import completed")

	return c.finalize(ctx, task.JobID, func(ctx context.Context) error {
		return c.jobs.Complete(ctx, task.JobID, stats)
	})
}

func (c *Coordinator) takeGuard(jobID int64) *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.inflight[jobID]
	if !ok {
		return nil
	}
	delete(c.inflight, jobID)
	return pending.guard
}

// expireUnclaimed releases userID's guard when its queued task has waited
// longer than PickupTimeout, failing the abandoned job. Guards of tasks a
// worker already claimed are never expired.
func (c *Coordinator) expireUnclaimed(ctx context.Context, userID int64) bool {
	if c.PickupTimeout <= 0 {
		return false
	}

	c.mu.Lock()
	var (
		jobID   int64
		pending *pendingTask
	)
	for id, p := range c.inflight {
		if p.guard.UserID() == userID && c.now().Sub(p.queuedAt) > c.PickupTimeout {
			jobID, pending = id, p
			delete(c.inflight, id)
			break
		}
	}
	c.mu.Unlock()

	if pending == nil {
		return false
	}

	c.logger.WithFields(map[string]interface{}{
		"job_id":  jobID,
		"user_id": userID,
		"waited":  c.now().Sub(pending.queuedAt).String(),
	}).Warn("Expiring guard of unclaimed import task")

	pending.guard.Release()
	_ = c.finalize(ctx, jobID, func(ctx context.Context) error {
		return c.jobs.Fail(ctx, jobID, LostMessage)
	})
	return true
}

// finalize writes the terminal job state even if ctx was cancelled meanwhile
func (c *Coordinator) finalize(ctx context.Context, jobID int64, write func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	err := retry.Do(ctx, c.WriteRetry, func(ctx context.Context, attempt int) error {
		return write(ctx)
	})
	if err != nil {
		c.logger.WithField("job_id", jobID).WithError(err).Error("Failed to record import job outcome")
		return apperrors.NewDatabaseError("record import job outcome", err)
	}
	return nil
}

// FailureMessage renders err as the message stored on a failed job
func FailureMessage(err error) string {
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Message
	}
	var fe *activity.FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode >= 300 && fe.StatusCode != http.StatusUnauthorized {
			return fmt.Sprintf("%s (status %d)", fe.Message, fe.StatusCode)
		}
		return fe.Message
	}
	return err.Error()
}
