package leaderboard

import (
	"context"
	"time"

	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/timeutil"
	"github.com/heartbeat-ingest/internal/types"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer hands tasks to the leaderboard workers
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (string, error)
}

// Clock abstracts time for the scheduler loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type slot struct {
	task Task
	step time.Duration
	next time.Time
}

// Scheduler enqueues leaderboard work on fixed boundaries. Each slot's next
// fire time is derived from its previous fire time, and intervals missed
// while asleep are skipped rather than replayed.
type Scheduler struct {
	queue        Enqueuer
	clock        Clock
	runOnStartup bool
	logger       *logging.Logger
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock.
func NewScheduler(queue Enqueuer, clock Clock, logger *logging.Logger) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		queue:        queue,
		clock:        clock,
		runOnStartup: true,
		logger:       logger.WithField("component", "leaderboard_scheduler"),
	}
}

// SetRunOnStartup controls whether Run first enqueues every period
func (s *Scheduler) SetRunOnStartup(enabled bool) {
	s.runOnStartup = enabled
}

func initialSlots(now time.Time) []slot {
	midnight := timeutil.NextMidnight(now)
	return []slot{
		{task: RegenerateTask(types.PeriodDaily), step: 5 * time.Minute, next: timeutil.NextFiveMinuteBoundary(now)},
		{task: RegenerateTask(types.PeriodWeekly), step: time.Hour, next: timeutil.NextTopOfHour(now)},
		{task: RegenerateTask(types.PeriodAllTime), step: 24 * time.Hour, next: midnight},
		{task: CleanupTask(), step: 24 * time.Hour, next: midnight},
	}
}

// Run enqueues one regeneration of every period (unless disabled), then fires slots until ctx
// is cancelled. It only enqueues; the work itself runs on the workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting leaderboard scheduler")

	if s.runOnStartup {
		for _, period := range types.AllPeriods {
			s.enqueue(ctx, RegenerateTask(period))
		}
	}

	slots := initialSlots(s.clock.Now())
	for {
		wake := slots[0].next
		for _, sl := range slots[1:] {
			if sl.next.Before(wake) {
				wake = sl.next
			}
		}

		if wait := wake.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				s.logger.Info("Leaderboard scheduler stopped")
				return nil
			case <-s.clock.After(wait):
			}
		} else if ctx.Err() != nil {
			s.logger.Info("Leaderboard scheduler stopped")
			return nil
		}

		now := s.clock.Now()
		for i := range slots {
			if slots[i].next.After(now) {
				continue
			}
			s.enqueue(ctx, slots[i].task)
			slots[i].next = timeutil.Advance(slots[i].next, slots[i].step, now)
		}
	}
}

func (s *Scheduler) enqueue(ctx context.Context, task Task) {
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	logger := s.logger.WithField("task", task.String())
	if _, err := s.queue.Enqueue(ctx, QueueName, task); err != nil {
		logger.WithError(err).Error("Failed to enqueue leaderboard task")
		return
	}
	logger.Debug("Leaderboard task enqueued")
}
