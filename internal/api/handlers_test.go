package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

func TestHandleStartImport(t *testing.T) {
	var gotUser int64
	var gotKey string
	starter := &mockImportStarter{
		startFunc: func(ctx context.Context, userID int64, apiKey string) (*models.ImportJob, error) {
			gotUser, gotKey = userID, apiKey
			return &models.ImportJob{ID: 11, UserID: userID, Status: types.ImportStatusRunning}, nil
		},
	}
	s := newTestServer(starter, &mockJobReader{}, &mockLeaderboardReader{}, nil)

	rr := doRequest(s, http.MethodPost, "/api/users/42/import", []byte(`{"apiKey":"secret"}`), nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotUser != 42 || gotKey != "secret" {
		t.Errorf("StartImport called with (%d, %q)", gotUser, gotKey)
	}

	var job models.ImportJob
	if err := json.NewDecoder(rr.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if job.ID != 11 || job.Status != types.ImportStatusRunning {
		t.Errorf("Unexpected job in response: %+v", job)
	}
}

func TestHandleStartImport_BearerToken(t *testing.T) {
	var gotKey string
	starter := &mockImportStarter{
		startFunc: func(ctx context.Context, userID int64, apiKey string) (*models.ImportJob, error) {
			gotKey = apiKey
			return &models.ImportJob{ID: 1, UserID: userID, Status: types.ImportStatusRunning}, nil
		},
	}
	s := newTestServer(starter, &mockJobReader{}, &mockLeaderboardReader{}, nil)

	rr := doRequest(s, http.MethodPost, "/api/users/42/import", nil, map[string]string{"Authorization": "Bearer from-header"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}
	if gotKey != "from-header" {
		t.Errorf("apiKey = %q, want from-header", gotKey)
	}
}

func TestHandleStartImport_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "conflict",
			path:       "/api/users/1/import",
			body:       `{"apiKey":"k"}`,
			startErr:   apperrors.NewImportInProgressError(1),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeImportInProgress,
		},
		{
			name:       "bad user id",
			path:       "/api/users/abc/import",
			body:       `{"apiKey":"k"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidParameter,
		},
		{
			name:       "malformed body",
			path:       "/api/users/1/import",
			body:       `{"key":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidParameter,
		},
		{
			name:       "queue unavailable",
			path:       "/api/users/1/import",
			body:       `{"apiKey":"k"}`,
			startErr:   apperrors.NewQueueError("enqueue import task", errors.New("redis down")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   apperrors.CodeQueueError,
		},
		{
			name:       "database failure hides cause",
			path:       "/api/users/1/import",
			body:       `{"apiKey":"k"}`,
			startErr:   apperrors.NewDatabaseError("create import job", errors.New("pq: secret detail")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeDatabaseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter := &mockImportStarter{
				startFunc: func(context.Context, int64, string) (*models.ImportJob, error) {
					return nil, tt.startErr
				},
			}
			s := newTestServer(starter, &mockJobReader{}, &mockLeaderboardReader{}, nil)

			rr := doRequest(s, http.MethodPost, tt.path, []byte(tt.body), nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			svcErr := decodeError(t, rr)
			if svcErr.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, svcErr.Code)
			}
			if tt.wantStatus == http.StatusInternalServerError && svcErr.Message != "An internal error occurred" {
				t.Errorf("Internal error message leaked: %q", svcErr.Message)
			}
		})
	}
}

func TestHandleGetImport(t *testing.T) {
	failed := "API key is invalid"
	jobs := &mockJobReader{jobs: map[int64]*models.ImportJob{
		1: {ID: 1, UserID: 5, Status: types.ImportStatusCompleted},
		2: {ID: 2, UserID: 5, Status: types.ImportStatusFailed, ErrorMessage: &failed},
	}}
	s := newTestServer(&mockImportStarter{}, jobs, &mockLeaderboardReader{}, nil)

	rr := doRequest(s, http.MethodGet, "/api/users/5/import", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var latest models.ImportJob
	if err := json.NewDecoder(rr.Body).Decode(&latest); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if latest.ID != 2 || latest.ErrorMessage == nil || *latest.ErrorMessage != failed {
		t.Errorf("Unexpected latest job: %+v", latest)
	}

	rr = doRequest(s, http.MethodGet, "/api/imports/1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodGet, "/api/imports/99", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}

	rr = doRequest(s, http.MethodGet, "/api/users/6/import", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestHandleGetLeaderboard(t *testing.T) {
	boards := &mockLeaderboardReader{entries: []models.LeaderboardEntry{
		{UserID: 3, PeriodType: types.PeriodWeekly, TotalSeconds: 300, Rank: 1},
	}}
	s := newTestServer(&mockImportStarter{}, &mockJobReader{}, boards, nil)

	rr := doRequest(s, http.MethodGet, "/api/leaderboards/weekly", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var resp LeaderboardResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.PeriodDate != "2024-05-20" {
		t.Errorf("PeriodDate = %s, want 2024-05-20", resp.PeriodDate)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].UserID != 3 {
		t.Errorf("Unexpected entries: %+v", resp.Entries)
	}
	if boards.last.limit != defaultLeaderboardLimit {
		t.Errorf("limit = %d, want %d", boards.last.limit, defaultLeaderboardLimit)
	}

	rr = doRequest(s, http.MethodGet, "/api/leaderboards/daily?date=2024-05-01&limit=5", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	want := leaderboardQuery{types.PeriodDaily, time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC), 5}
	if boards.last != want {
		t.Errorf("query = %+v, want %+v", boards.last, want)
	}

	rr = doRequest(s, http.MethodGet, "/api/leaderboards/all_time?date=2024-05-01", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !boards.last.date.Equal(time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("all-time date = %v, want epoch", boards.last.date)
	}
}

func TestHandleGetLeaderboard_Validation(t *testing.T) {
	s := newTestServer(&mockImportStarter{}, &mockJobReader{}, &mockLeaderboardReader{}, nil)

	for _, path := range []string{
		"/api/leaderboards/monthly",
		"/api/leaderboards/daily?date=05/01/2024",
		"/api/leaderboards/daily?limit=0",
		"/api/leaderboards/daily?limit=5000",
	} {
		rr := doRequest(s, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, rr.Code)
		}
	}
}

func TestHandleGetLeaderboard_EmptyIsArray(t *testing.T) {
	s := newTestServer(&mockImportStarter{}, &mockJobReader{}, &mockLeaderboardReader{}, nil)

	rr := doRequest(s, http.MethodGet, "/api/leaderboards/daily", nil, nil)
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if string(raw["entries"]) != "[]" {
		t.Errorf("entries = %s, want []", raw["entries"])
	}
}
