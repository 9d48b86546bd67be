// Package worker runs fixed-size pools of consumers over the work queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/queue"
	"github.com/heartbeat-ingest/internal/retry"
)

// Dequeuer hands out queued tasks
type Dequeuer interface {
	Dequeue(ctx context.Context, name string, timeout time.Duration) (*queue.Envelope, error)
}

// Handler processes one task
type Handler interface {
	Handle(ctx context.Context, env *queue.Envelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *queue.Envelope) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, env *queue.Envelope) error {
	return f(ctx, env)
}

// Config holds configuration for a queue worker
type Config struct {
	Name        string
	Queue       string
	Concurrency int
	PollTimeout time.Duration
	Dequeuer    Dequeuer
	Handler     Handler
	Logger      *logging.Logger
	// PollRetry controls backoff after failed dequeues; nil uses the retry defaults
	PollRetry *retry.RetryConfig
}

// QueueWorker consumes one queue with a fixed number of goroutines
type QueueWorker struct {
	cfg       Config
	logger    *logging.Logger
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	doneCh    chan struct{}
	processed atomic.Int64
	failed    atomic.Int64
}

// Status is a snapshot of a worker's counters
type Status struct {
	Name        string `json:"name"`
	Queue       string `json:"queue"`
	Running     bool   `json:"running"`
	Concurrency int    `json:"concurrency"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
}

// New creates a queue worker
func New(cfg Config) (*QueueWorker, error) {
	if cfg.Dequeuer == nil {
		return nil, fmt.Errorf("dequeuer cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Queue + "-worker"
	}
	if cfg.PollRetry == nil {
		cfg.PollRetry = retry.DefaultRetryConfig()
		cfg.PollRetry.Retryable = nil
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	return &QueueWorker{
		cfg: cfg,
		logger: cfg.Logger.WithFields(map[string]interface{}{
			"component": "queue_worker",
			"worker":    cfg.Name,
			"queue":     cfg.Queue,
		}),
	}, nil
}

// Start launches the consumers. They run until Stop is called or ctx ends.
func (w *QueueWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker %s is already running", w.cfg.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.running = true

	w.logger.Infof("Starting %d consumers", w.cfg.Concurrency)

	done := w.doneCh
	go func() {
		defer close(done)

		p := pool.New().WithContext(runCtx)
		for range w.cfg.Concurrency {
			p.Go(w.consume)
		}
		if err := p.Wait(); err != nil {
			w.logger.WithError(err).Error("Consumer exited with error")
		}

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	return nil
}

// Stop signals the consumers and waits for in-flight tasks to finish
func (w *QueueWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.cfg.Name)
	}
	cancel, done := w.cancel, w.doneCh
	w.cancel = nil
	w.mu.Unlock()

	w.logger.Info("Stopping worker")
	cancel()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker stop timed out")
		return ctx.Err()
	}
}

// GetStatus returns the current worker status
func (w *QueueWorker) GetStatus() Status {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	return Status{
		Name:        w.cfg.Name,
		Queue:       w.cfg.Queue,
		Running:     running,
		Concurrency: w.cfg.Concurrency,
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
	}
}

func (w *QueueWorker) consume(ctx context.Context) error {
	for ctx.Err() == nil {
		env, err := w.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.WithError(err).Error("Failed to dequeue task")
			continue
		}
		if env != nil {
			w.handle(ctx, env)
		}
	}
	return nil
}

// next returns nil, nil when the poll timed out without a task
func (w *QueueWorker) next(ctx context.Context) (*queue.Envelope, error) {
	var env *queue.Envelope
	err := retry.Do(ctx, w.cfg.PollRetry, func(ctx context.Context, attempt int) error {
		e, err := w.cfg.Dequeuer.Dequeue(ctx, w.cfg.Queue, w.cfg.PollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		env = e
		return nil
	})
	return env, err
}

func (w *QueueWorker) handle(ctx context.Context, env *queue.Envelope) {
	logger := w.logger.WithField("task_id", env.ID)
	// Shutdown stops polling but lets the current task run to completion.
	taskCtx := logging.WithLogger(context.WithoutCancel(ctx), logger)
	started := time.Now()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = w.cfg.Handler.Handle(taskCtx, env)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}

	elapsed := time.Since(started)
	if err != nil {
		w.failed.Add(1)
		logger.WithError(err).WithField("elapsed", elapsed.String()).Error("Task failed")
		return
	}

	w.processed.Add(1)
	logger.WithField("elapsed", elapsed.String()).Debug("Task completed")
}
