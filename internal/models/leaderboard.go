package models

import (
	"time"

	"github.com/heartbeat-ingest/internal/types"
)

// LeaderboardEntry is one ranked row of a leaderboard period
type LeaderboardEntry struct {
	UserID       int64            `json:"userId" db:"user_id"`
	PeriodType   types.PeriodType `json:"periodType" db:"period_type"`
	PeriodDate   time.Time        `json:"periodDate" db:"period_date"`
	TotalSeconds int64            `json:"totalSeconds" db:"total_seconds"`
	Rank         int32            `json:"rank" db:"rank"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time        `json:"updatedAt" db:"updated_at"`
}

// UserDuration is the aggregated coding time of one user within a window
type UserDuration struct {
	UserID       int64 `json:"userId" db:"user_id"`
	TotalSeconds int64 `json:"totalSeconds" db:"total_seconds"`
}
