// Package leaderboard ranks users by coding time per period and keeps
// the rankings fresh on a fixed schedule.
package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/storage"
	"github.com/heartbeat-ingest/internal/timeutil"
	"github.com/heartbeat-ingest/internal/types"
)

const (
	// DefaultDailyRetention is how long daily rows are kept
	DefaultDailyRetention = 30 * 24 * time.Hour
	// DefaultWeeklyRetention is how long weekly rows are kept
	DefaultWeeklyRetention = 12 * 7 * 24 * time.Hour
)

// Store opens leaderboard transactions
type Store interface {
	WithLeaderboardTx(ctx context.Context, fn func(tx storage.LeaderboardTx) error) error
}

// Window is the span of heartbeats one leaderboard period ranks
type Window struct {
	Period     types.PeriodType
	PeriodDate time.Time
	Start      time.Time
	End        time.Time
}

// WindowFor returns the current window of period as of now
func WindowFor(period types.PeriodType, now time.Time) (Window, error) {
	today := timeutil.StartOfDay(now)

	switch period {
	case types.PeriodDaily:
		return Window{Period: period, PeriodDate: today, Start: today, End: today.AddDate(0, 0, 1)}, nil
	case types.PeriodWeekly:
		monday := timeutil.WeekStart(now)
		return Window{Period: period, PeriodDate: monday, Start: monday, End: monday.AddDate(0, 0, 7)}, nil
	case types.PeriodAllTime:
		return Window{Period: period, PeriodDate: timeutil.Epoch, Start: timeutil.Epoch, End: now.UTC()}, nil
	default:
		return Window{}, fmt.Errorf("unknown leaderboard period: %s", period)
	}
}

// CleanupResult counts rows removed by one cleanup pass
type CleanupResult struct {
	Daily  int64
	Weekly int64
}

// AggregatorConfig configures an Aggregator
type AggregatorConfig struct {
	DailyRetention  time.Duration
	WeeklyRetention time.Duration
	Now             func() time.Time
}

// Aggregator regenerates rankings and prunes old ones
type Aggregator struct {
	store           Store
	dailyRetention  time.Duration
	weeklyRetention time.Duration
	now             func() time.Time
	logger          *logging.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(store Store, cfg AggregatorConfig, logger *logging.Logger) *Aggregator {
	if cfg.DailyRetention <= 0 {
		cfg.DailyRetention = DefaultDailyRetention
	}
	if cfg.WeeklyRetention <= 0 {
		cfg.WeeklyRetention = DefaultWeeklyRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Aggregator{
		store:           store,
		dailyRetention:  cfg.DailyRetention,
		weeklyRetention: cfg.WeeklyRetention,
		now:             cfg.Now,
		logger:          logger.WithField("component", "leaderboard_aggregator"),
	}
}

// RegeneratePeriod rebuilds the current window of period
func (a *Aggregator) RegeneratePeriod(ctx context.Context, period types.PeriodType) (int, error) {
	w, err := WindowFor(period, a.now())
	if err != nil {
		return 0, err
	}
	return a.Regenerate(ctx, w.Period, w.PeriodDate, w.Start, w.End)
}

// Regenerate ranks every user with activity in [start, end) and upserts the
// result under (period, periodDate). Reading and writing share one transaction.
func (a *Aggregator) Regenerate(ctx context.Context, period types.PeriodType, periodDate, start, end time.Time) (int, error) {
	var written int
	err := a.store.WithLeaderboardTx(ctx, func(tx storage.LeaderboardTx) error {
		durations, err := tx.AggregateUserDurations(ctx, start, end)
		if err != nil {
			return err
		}

		entries := Rank(period, periodDate, durations)
		if err := tx.UpsertLeaderboardBatch(ctx, entries); err != nil {
			return err
		}
		written = len(entries)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to regenerate %s leaderboard: %w", period, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"period":      period,
		"period_date": periodDate.Format(time.DateOnly),
		"entries":     written,
	}).Info("Leaderboard regenerated")

	return written, nil
}

// Cleanup prunes daily and weekly rows past their retention relative to today.
// All-time rows are never removed.
func (a *Aggregator) Cleanup(ctx context.Context, today time.Time) (CleanupResult, error) {
	today = timeutil.StartOfDay(today)
	dailyCutoff := today.Add(-a.dailyRetention)
	weeklyCutoff := today.Add(-a.weeklyRetention)

	var result CleanupResult
	err := a.store.WithLeaderboardTx(ctx, func(tx storage.LeaderboardTx) error {
		var err error
		if result.Daily, err = tx.DeleteLeaderboard(ctx, types.PeriodDaily, dailyCutoff); err != nil {
			return err
		}
		if result.Weekly, err = tx.DeleteLeaderboard(ctx, types.PeriodWeekly, weeklyCutoff); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to clean up leaderboards: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"daily_deleted":  result.Daily,
		"weekly_deleted": result.Weekly,
	}).Info("Leaderboard cleanup finished")

	return result, nil
}

// Rank assigns 1-based ranks in the order durations are given
func Rank(period types.PeriodType, periodDate time.Time, durations []models.UserDuration) []models.LeaderboardEntry {
	entries := make([]models.LeaderboardEntry, 0, len(durations))
	for i, d := range durations {
		entries = append(entries, models.LeaderboardEntry{
			UserID:       d.UserID,
			PeriodType:   period,
			PeriodDate:   periodDate,
			TotalSeconds: d.TotalSeconds,
			Rank:         int32(i + 1),
		})
	}
	return entries
}
