package leaderboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/storage"
	"github.com/heartbeat-ingest/internal/timeutil"
	"github.com/heartbeat-ingest/internal/types"
)

type rowKey struct {
	userID int64
	period types.PeriodType
	date   time.Time
}

// memoryStore keeps leaderboard rows in a map and serves canned durations
type memoryStore struct {
	mu        sync.Mutex
	rows      map[rowKey]models.LeaderboardEntry
	durations []models.UserDuration
	windows   [][2]time.Time
	txCount   int
	aggErr    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[rowKey]models.LeaderboardEntry)}
}

func (s *memoryStore) WithLeaderboardTx(ctx context.Context, fn func(tx storage.LeaderboardTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	return fn(s)
}

func (s *memoryStore) AggregateUserDurations(ctx context.Context, start, end time.Time) ([]models.UserDuration, error) {
	s.windows = append(s.windows, [2]time.Time{start, end})
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	return s.durations, nil
}

func (s *memoryStore) UpsertLeaderboardBatch(ctx context.Context, entries []models.LeaderboardEntry) error {
	for _, e := range entries {
		s.rows[rowKey{e.UserID, e.PeriodType, e.PeriodDate}] = e
	}
	return nil
}

func (s *memoryStore) DeleteLeaderboard(ctx context.Context, period types.PeriodType, olderThan time.Time) (int64, error) {
	var deleted int64
	for k := range s.rows {
		if k.period == period && k.date.Before(olderThan) {
			delete(s.rows, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryStore) entries(period types.PeriodType, date time.Time) []models.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LeaderboardEntry
	for k, e := range s.rows {
		if k.period == period && k.date.Equal(date) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

var aggregatorNow = time.Date(2024, time.May, 22, 15, 30, 0, 0, time.UTC) // a Wednesday

func newTestAggregator(store Store) *Aggregator {
	return NewAggregator(store, AggregatorConfig{Now: func() time.Time { return aggregatorNow }}, nil)
}

func TestWindowFor(t *testing.T) {
	today := time.Date(2024, time.May, 22, 0, 0, 0, 0, time.UTC)
	monday := time.Date(2024, time.May, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		period types.PeriodType
		want   Window
	}{
		{types.PeriodDaily, Window{types.PeriodDaily, today, today, today.AddDate(0, 0, 1)}},
		{types.PeriodWeekly, Window{types.PeriodWeekly, monday, monday, monday.AddDate(0, 0, 7)}},
		{types.PeriodAllTime, Window{types.PeriodAllTime, timeutil.Epoch, timeutil.Epoch, aggregatorNow}},
	}

	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			got, err := WindowFor(tt.period, aggregatorNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := WindowFor("monthly", aggregatorNow)
	assert.Error(t, err)
}

func TestAggregator_RanksWithoutGaps(t *testing.T) {
	store := newMemoryStore()
	store.durations = []models.UserDuration{
		{UserID: 2, TotalSeconds: 300},
		{UserID: 3, TotalSeconds: 300},
		{UserID: 1, TotalSeconds: 100},
	}
	aggregator := newTestAggregator(store)

	written, err := aggregator.RegeneratePeriod(context.Background(), types.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 3, written)
	assert.Equal(t, 1, store.txCount, "read and write share one transaction")

	today := timeutil.StartOfDay(aggregatorNow)
	entries := store.entries(types.PeriodDaily, today)
	require.Len(t, entries, 3)

	for i, e := range entries {
		assert.EqualValues(t, i+1, e.Rank)
	}
	assert.ElementsMatch(t, []int64{2, 3}, []int64{entries[0].UserID, entries[1].UserID})
	assert.Equal(t, int64(1), entries[2].UserID)
	assert.Equal(t, [2]time.Time{today, today.AddDate(0, 0, 1)}, store.windows[0])
}

func TestAggregator_RegenerationReplacesRanks(t *testing.T) {
	store := newMemoryStore()
	aggregator := newTestAggregator(store)
	ctx := context.Background()

	store.durations = []models.UserDuration{{UserID: 1, TotalSeconds: 500}, {UserID: 2, TotalSeconds: 100}}
	_, err := aggregator.RegeneratePeriod(ctx, types.PeriodWeekly)
	require.NoError(t, err)

	store.durations = []models.UserDuration{{UserID: 2, TotalSeconds: 900}, {UserID: 1, TotalSeconds: 600}}
	_, err = aggregator.RegeneratePeriod(ctx, types.PeriodWeekly)
	require.NoError(t, err)

	entries := store.entries(types.PeriodWeekly, timeutil.WeekStart(aggregatorNow))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].UserID)
	assert.EqualValues(t, 900, entries[0].TotalSeconds)
}

func TestAggregator_EmptyWindowIsNoop(t *testing.T) {
	store := newMemoryStore()
	aggregator := newTestAggregator(store)

	written, err := aggregator.RegeneratePeriod(context.Background(), types.PeriodAllTime)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Empty(t, store.rows)
}

func TestAggregator_PropagatesStorageErrors(t *testing.T) {
	store := newMemoryStore()
	store.aggErr = errors.New("connection refused")
	aggregator := newTestAggregator(store)

	_, err := aggregator.RegeneratePeriod(context.Background(), types.PeriodDaily)
	assert.ErrorIs(t, err, store.aggErr)
}

func TestAggregator_Cleanup(t *testing.T) {
	store := newMemoryStore()
	aggregator := newTestAggregator(store)
	today := timeutil.StartOfDay(aggregatorNow)

	seed := func(period types.PeriodType, date time.Time) {
		store.rows[rowKey{1, period, date}] = models.LeaderboardEntry{UserID: 1, PeriodType: period, PeriodDate: date, Rank: 1}
	}
	seed(types.PeriodDaily, today.AddDate(0, 0, -30))
	seed(types.PeriodDaily, today.AddDate(0, 0, -31))
	seed(types.PeriodWeekly, today.AddDate(0, 0, -84))
	seed(types.PeriodWeekly, today.AddDate(0, 0, -85))
	seed(types.PeriodAllTime, timeutil.Epoch)

	result, err := aggregator.Cleanup(context.Background(), aggregatorNow)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Daily: 1, Weekly: 1}, result)
	assert.Equal(t, 1, store.txCount)

	assert.Len(t, store.entries(types.PeriodDaily, today.AddDate(0, 0, -30)), 1)
	assert.Empty(t, store.entries(types.PeriodDaily, today.AddDate(0, 0, -31)))
	assert.Len(t, store.entries(types.PeriodWeekly, today.AddDate(0, 0, -84)), 1)
	assert.Empty(t, store.entries(types.PeriodWeekly, today.AddDate(0, 0, -85)))
	assert.Len(t, store.entries(types.PeriodAllTime, timeutil.Epoch), 1)
}

func TestRank(t *testing.T) {
	date := time.Date(2024, time.May, 20, 0, 0, 0, 0, time.UTC)
	entries := Rank(types.PeriodWeekly, date, []models.UserDuration{
		{UserID: 7, TotalSeconds: 70},
		{UserID: 8, TotalSeconds: 10},
	})

	require.Len(t, entries, 2)
	assert.Equal(t, models.LeaderboardEntry{
		UserID: 7, PeriodType: types.PeriodWeekly, PeriodDate: date, TotalSeconds: 70, Rank: 1,
	}, entries[0])
	assert.EqualValues(t, 2, entries[1].Rank)
	assert.Empty(t, Rank(types.PeriodDaily, date, nil))
}
