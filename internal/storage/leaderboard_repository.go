package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

// DefaultIdleTimeout is the longest gap between heartbeats still counted as activity
const DefaultIdleTimeout = 120 * time.Second

// LeaderboardTx is the set of leaderboard operations available inside one transaction
type LeaderboardTx interface {
	AggregateUserDurations(ctx context.Context, start, end time.Time) ([]models.UserDuration, error)
	UpsertLeaderboardBatch(ctx context.Context, entries []models.LeaderboardEntry) error
	DeleteLeaderboard(ctx context.Context, periodType types.PeriodType, olderThan time.Time) (int64, error)
}

// LeaderboardRepository handles leaderboard persistence and duration aggregation
type LeaderboardRepository struct {
	db          *PostgresDB
	idleTimeout time.Duration
}

// NewLeaderboardRepository creates a new leaderboard repository
func NewLeaderboardRepository(db *PostgresDB, idleTimeout time.Duration) *LeaderboardRepository {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &LeaderboardRepository{db: db, idleTimeout: idleTimeout}
}

// WithLeaderboardTx runs fn inside a single transaction
func (r *LeaderboardRepository) WithLeaderboardTx(ctx context.Context, fn func(tx LeaderboardTx) error) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&leaderboardTx{tx: tx, idleTimeout: r.idleTimeout})
	})
}

// ListByPeriod returns the leaderboard for one period ordered by rank
func (r *LeaderboardRepository) ListByPeriod(ctx context.Context, periodType types.PeriodType, periodDate time.Time, limit int) ([]models.LeaderboardEntry, error) {
	query := `
		SELECT user_id, period_type, period_date, total_seconds, rank, created_at, updated_at
		FROM leaderboards
		WHERE period_type = $1 AND period_date = $2
		ORDER BY rank ASC, user_id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, string(periodType), periodDate, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []models.LeaderboardEntry
	for rows.Next() {
		var entry models.LeaderboardEntry
		var period string
		if err := rows.Scan(
			&entry.UserID,
			&period,
			&entry.PeriodDate,
			&entry.TotalSeconds,
			&entry.Rank,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entry.PeriodType = types.PeriodType(period)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leaderboard rows: %w", err)
	}

	return entries, nil
}

type leaderboardTx struct {
	tx          pgx.Tx
	idleTimeout time.Duration
}

// AggregateUserDurations sums the gaps between each user's consecutive
// heartbeats in [start, end), ignoring gaps longer than the idle timeout.
func (t *leaderboardTx) AggregateUserDurations(ctx context.Context, start, end time.Time) ([]models.UserDuration, error) {
	query := `
		SELECT user_id, FLOOR(SUM(gap))::BIGINT AS total_seconds
		FROM (
			SELECT user_id,
				CASE
					WHEN prev_time IS NULL THEN 0
					WHEN EXTRACT(EPOCH FROM time - prev_time) > $3 THEN 0
					ELSE EXTRACT(EPOCH FROM time - prev_time)
				END AS gap
			FROM (
				SELECT user_id, time,
					LAG(time) OVER (PARTITION BY user_id ORDER BY time) AS prev_time
				FROM heartbeats
				WHERE time >= $1 AND time < $2
			) ordered
		) gaps
		GROUP BY user_id
		HAVING FLOOR(SUM(gap)) > 0
		ORDER BY total_seconds DESC, user_id ASC
	`

	rows, err := t.tx.Query(ctx, query, start.UTC(), end.UTC(), t.idleTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate user durations: %w", err)
	}
	defer rows.Close()

	var durations []models.UserDuration
	for rows.Next() {
		var d models.UserDuration
		if err := rows.Scan(&d.UserID, &d.TotalSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan user duration: %w", err)
		}
		durations = append(durations, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user durations: %w", err)
	}

	return durations, nil
}

// UpsertLeaderboardBatch writes entries in one statement. Existing rows keep
// their timestamps; only total_seconds and rank change.
func (t *leaderboardTx) UpsertLeaderboardBatch(ctx context.Context, entries []models.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}

	userIDs := make([]int64, len(entries))
	periods := make([]string, len(entries))
	dates := make([]time.Time, len(entries))
	totals := make([]int64, len(entries))
	ranks := make([]int32, len(entries))
	for i, e := range entries {
		userIDs[i] = e.UserID
		periods[i] = string(e.PeriodType)
		dates[i] = e.PeriodDate
		totals[i] = e.TotalSeconds
		ranks[i] = e.Rank
	}

	query := `
		INSERT INTO leaderboards (user_id, period_type, period_date, total_seconds, rank)
		SELECT * FROM UNNEST($1::BIGINT[], $2::VARCHAR[], $3::DATE[], $4::BIGINT[], $5::INTEGER[])
		ON CONFLICT (user_id, period_type, period_date) DO UPDATE SET
			total_seconds = EXCLUDED.total_seconds,
			rank = EXCLUDED.rank
	`

	if _, err := t.tx.Exec(ctx, query, userIDs, periods, dates, totals, ranks); err != nil {
		return fmt.Errorf("failed to upsert leaderboard entries: %w", err)
	}
	return nil
}

// DeleteLeaderboard removes rows of periodType whose period_date is before olderThan
func (t *leaderboardTx) DeleteLeaderboard(ctx context.Context, periodType types.PeriodType, olderThan time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM leaderboards WHERE period_type = $1 AND period_date < $2`,
		string(periodType), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s leaderboard entries: %w", periodType, err)
	}
	return tag.RowsAffected(), nil
}
