package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartbeat-ingest/internal/activity"
	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/models"
)

// memoryStore mimics INSERT ... ON CONFLICT (user_id, time) DO NOTHING
type memoryStore struct {
	mu      sync.Mutex
	rows    map[models.HeartbeatKey]models.Heartbeat
	batches []int
	failOn  int // 1-based batch number that fails; zero never fails
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[models.HeartbeatKey]models.Heartbeat)}
}

func (s *memoryStore) InsertIgnoreDuplicates(ctx context.Context, heartbeats []models.Heartbeat) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, len(heartbeats))
	if s.failOn == len(s.batches) {
		return 0, errors.New("connection reset by peer")
	}

	var inserted int64
	for _, hb := range heartbeats {
		if _, exists := s.rows[hb.Key()]; exists {
			continue
		}
		s.rows[hb.Key()] = hb
		inserted++
	}
	return inserted, nil
}

func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

var (
	pipelineNow    = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	pipelineCutoff = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// threePerWindow returns three heartbeats an hour apart at the start of each window
func threePerWindow(start, end time.Time) ([]activity.RawHeartbeat, error) {
	return []activity.RawHeartbeat{
		heartbeatAt(start),
		heartbeatAt(start.Add(time.Hour)),
		heartbeatAt(start.Add(2 * time.Hour)),
	}, nil
}

func newTestPipeline(source WindowFetcher, store HeartbeatStore, batchSize int) *Pipeline {
	return NewPipeline(NewRangeFetcher(source, nil), store, PipelineConfig{
		Cutoff:    pipelineCutoff,
		BatchSize: batchSize,
		Now:       func() time.Time { return pipelineNow },
	}, nil)
}

func TestPipeline_WalksBackByMonth(t *testing.T) {
	source := &scriptedSource{respond: threePerWindow}
	store := newMemoryStore()
	pipeline := newTestPipeline(source, store, 0)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)

	assert.Equal(t, []windowCall{
		{time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), pipelineNow},
		{time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)},
		{pipelineCutoff, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)},
	}, source.Calls())

	assert.Equal(t, 3, result.Requests)
	assert.EqualValues(t, 9, result.Processed)
	assert.EqualValues(t, 9, result.Inserted)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", result.StartDate(pipeline.Cutoff()))
}

func TestPipeline_MidMonthCutoff(t *testing.T) {
	source := &scriptedSource{respond: threePerWindow}
	cutoff := time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC)
	pipeline := NewPipeline(NewRangeFetcher(source, nil), newMemoryStore(), PipelineConfig{
		Cutoff: cutoff,
		Now:    func() time.Time { return pipelineNow },
	}, nil)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)

	calls := source.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, cutoff, calls[1].start)
	assert.Equal(t, "2024-02-10T00:00:00.000Z", result.StartDate(cutoff))
}

func TestPipeline_NothingToImport(t *testing.T) {
	source := &scriptedSource{respond: threePerWindow}
	pipeline := NewPipeline(NewRangeFetcher(source, nil), newMemoryStore(), PipelineConfig{
		Cutoff: pipelineNow,
		Now:    func() time.Time { return pipelineNow },
	}, nil)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)
	assert.Empty(t, source.Calls())
	assert.Nil(t, result.EarliestStart)
	assert.Equal(t, "2024-03-15T12:00:00.000Z", result.StartDate(pipelineNow))
}

func TestPipeline_ReimportIsIdempotent(t *testing.T) {
	source := &scriptedSource{respond: threePerWindow}
	store := newMemoryStore()
	pipeline := newTestPipeline(source, store, 0)

	first, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)
	rowsAfterFirst := store.Len()

	second, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)

	assert.Equal(t, rowsAfterFirst, store.Len())
	assert.EqualValues(t, 9, first.Inserted)
	assert.EqualValues(t, 0, second.Inserted)
	assert.EqualValues(t, first.Processed, second.Processed)
}

func TestPipeline_FlushesFixedSizeBatches(t *testing.T) {
	base := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)
	source := &scriptedSource{respond: func(start, end time.Time) ([]activity.RawHeartbeat, error) {
		if !start.Equal(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)) {
			return nil, nil
		}
		var out []activity.RawHeartbeat
		for i := range 5 {
			out = append(out, heartbeatAt(base.Add(time.Duration(i)*time.Minute)))
		}
		return out, nil
	}}
	store := newMemoryStore()
	pipeline := newTestPipeline(source, store, 2)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, store.batches)
	assert.EqualValues(t, 5, result.Inserted)
}

func TestPipeline_CollapsesDuplicatesWithinBatch(t *testing.T) {
	at := time.Date(2024, time.March, 2, 9, 30, 0, 0, time.UTC)
	source := &scriptedSource{respond: func(start, end time.Time) ([]activity.RawHeartbeat, error) {
		if at.Before(start) || !at.Before(end) {
			return nil, nil
		}
		return []activity.RawHeartbeat{heartbeatAt(at), heartbeatAt(at)}, nil
	}}
	store := newMemoryStore()
	pipeline := newTestPipeline(source, store, 0)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.NoError(t, err)

	assert.EqualValues(t, 2, result.Processed)
	assert.EqualValues(t, 1, result.Inserted)
	assert.Equal(t, []int{1}, store.batches)
}

func TestPipeline_StorageFailureKeepsEarlierBatches(t *testing.T) {
	source := &scriptedSource{respond: threePerWindow}
	store := newMemoryStore()
	store.failOn = 2
	pipeline := newTestPipeline(source, store, 0)

	result, err := pipeline.Run(context.Background(), 1, "key")
	require.Error(t, err)

	catErr := apperrors.Categorize(err)
	assert.Equal(t, apperrors.CategoryDatabase, catErr.Category)
	assert.EqualValues(t, 3, result.Inserted)
	assert.Equal(t, 3, store.Len())
	assert.Len(t, source.Calls(), 2, "no windows are fetched after a storage failure")
}

func TestPipeline_UnrecoverableFetchFailsRun(t *testing.T) {
	unauthorized := &activity.FetchError{StatusCode: 401, Message: "API key is invalid"}
	source := &scriptedSource{respond: func(time.Time, time.Time) ([]activity.RawHeartbeat, error) {
		return nil, unauthorized
	}}
	pipeline := newTestPipeline(source, newMemoryStore(), 0)

	result, err := pipeline.Run(context.Background(), 1, "key")
	assert.Same(t, unauthorized, err)
	assert.Equal(t, 1, result.Requests)
	assert.Nil(t, result.EarliestStart)
}
