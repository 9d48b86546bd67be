package importer

import (
	"context"
	"time"

	"github.com/heartbeat-ingest/internal/activity"
	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/timeutil"
)

// DefaultBatchSize is the number of heartbeats written per insert
const DefaultBatchSize = 1000

// HeartbeatStore persists heartbeats, ignoring rows whose (user_id, time) already exists
type HeartbeatStore interface {
	InsertIgnoreDuplicates(ctx context.Context, heartbeats []models.Heartbeat) (int64, error)
}

// Result summarizes one pipeline run
type Result struct {
	// Inserted counts rows actually written, excluding ignored duplicates
	Inserted int64
	// Processed counts every decoded heartbeat
	Processed int64
	Requests  int
	// EarliestStart is the start of the last window requested, nil if none was
	EarliestStart *time.Time
}

// StartDate formats the earliest requested instant, falling back to cutoff
func (r *Result) StartDate(cutoff time.Time) string {
	if r.EarliestStart != nil {
		return timeutil.FormatRFC3339Millis(*r.EarliestStart)
	}
	return timeutil.FormatRFC3339Millis(cutoff)
}

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	Cutoff    time.Time
	BatchSize int
	// Now returns the instant the import walks back from; defaults to time.Now
	Now func() time.Time
}

// Pipeline walks a user's history backwards from now to the cutoff in
// month-sized strides and stores what it fetches in fixed-size batches.
type Pipeline struct {
	fetcher   *RangeFetcher
	store     HeartbeatStore
	cutoff    time.Time
	batchSize int
	now       func() time.Time
	logger    *logging.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(fetcher *RangeFetcher, store HeartbeatStore, cfg PipelineConfig, logger *logging.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Pipeline{
		fetcher:   fetcher,
		store:     store,
		cutoff:    cfg.Cutoff.UTC(),
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		logger:    logger.WithField("component", "import_pipeline"),
	}
}

// Cutoff returns the earliest instant the pipeline imports
func (p *Pipeline) Cutoff() time.Time {
	return p.cutoff
}

// Run imports everything between the cutoff and now for userID.
// Batches already written stay written if a later step fails.
func (p *Pipeline) Run(ctx context.Context, userID int64, apiKey string) (*Result, error) {
	logger := p.logger.WithField("user_id", userID)
	result := &Result{}

	periodEnd := p.now().UTC()
	for periodEnd.After(p.cutoff) {
		rangeStart, nextPeriodEnd := timeutil.MonthWindow(periodEnd, p.cutoff)
		if !rangeStart.Before(periodEnd) {
			break
		}

		logger.WithFields(map[string]interface{}{
			"start": rangeStart,
			"end":   periodEnd,
		}).Debug("Requesting heartbeats")

		fetched, err := p.fetcher.Fetch(ctx, apiKey, rangeStart, periodEnd)
		if fetched != nil {
			result.Requests += fetched.Requests
		}
		if err != nil {
			return result, err
		}

		earliest := rangeStart
		result.EarliestStart = &earliest

		if len(fetched.Heartbeats) > 0 {
			logger.WithFields(map[string]interface{}{
				"start": rangeStart,
				"end":   periodEnd,
				"count": len(fetched.Heartbeats),
			}).Info("Fetched heartbeats")

			result.Processed += int64(len(fetched.Heartbeats))
			inserted, err := p.persist(ctx, userID, fetched.Heartbeats)
			result.Inserted += inserted
			if err != nil {
				logger.WithError(err).Error("Failed to persist imported heartbeats")
				return result, apperrors.NewDatabaseError("store imported heartbeats", err)
			}
		}

		if !nextPeriodEnd.After(p.cutoff) {
			break
		}
		periodEnd = nextPeriodEnd
	}

	logger.WithFields(map[string]interface{}{
		"imported":  result.Inserted,
		"processed": result.Processed,
		"requests":  result.Requests,
	}).Info("Heartbeat import finished")

	return result, nil
}

func (p *Pipeline) persist(ctx context.Context, userID int64, raw []activity.RawHeartbeat) (int64, error) {
	var inserted int64
	batch := make([]models.Heartbeat, 0, min(len(raw), p.batchSize))

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := p.store.InsertIgnoreDuplicates(ctx, dedupe(batch))
		if err != nil {
			return err
		}
		inserted += n
		batch = batch[:0]
		return nil
	}

	for i := range raw {
		batch = append(batch, raw[i].ToHeartbeat(userID))
		if len(batch) == p.batchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}

	return inserted, flush()
}

// dedupe drops heartbeats whose natural key already appeared earlier in the batch
func dedupe(batch []models.Heartbeat) []models.Heartbeat {
	seen := make(map[models.HeartbeatKey]struct{}, len(batch))
	out := make([]models.Heartbeat, 0, len(batch))
	for _, hb := range batch {
		key := hb.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, hb)
	}
	return out
}
