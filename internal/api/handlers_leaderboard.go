package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/leaderboard"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/timeutil"
	"github.com/heartbeat-ingest/internal/types"
)

const (
	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 1000
)

// LeaderboardResponse is the body of GET /api/leaderboards/{period}
type LeaderboardResponse struct {
	Period     types.PeriodType          `json:"period"`
	PeriodDate string                    `json:"periodDate"`
	Entries    []models.LeaderboardEntry `json:"entries"`
}

// handleGetLeaderboard handles GET /api/leaderboards/{period}
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	period, err := types.ParsePeriodType(mux.Vars(r)["period"])
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("period", "must be one of daily, weekly, all_time"))
		return
	}

	window, err := leaderboard.WindowFor(period, s.now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	periodDate := window.PeriodDate

	if raw := r.URL.Query().Get("date"); raw != "" && period != types.PeriodAllTime {
		date, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("date", "must be YYYY-MM-DD"))
			return
		}
		periodDate = date
		if period == types.PeriodWeekly {
			periodDate = timeutil.WeekStart(date)
		}
	}

	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLeaderboardLimit {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 1000"))
			return
		}
		limit = n
	}

	entries, err := s.leaderboards.ListByPeriod(r.Context(), period, periodDate, limit)
	if err != nil {
		respondServiceError(w, r, apperrors.NewDatabaseError("list leaderboard", err))
		return
	}
	if entries == nil {
		entries = []models.LeaderboardEntry{}
	}

	respondJSON(w, http.StatusOK, LeaderboardResponse{
		Period:     period,
		PeriodDate: periodDate.Format(time.DateOnly),
		Entries:    entries,
	})
}
