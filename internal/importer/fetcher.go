// Package importer pulls a user's heartbeat history from the activity API
// and persists it, one user at a time.
package importer

import (
	"context"
	"errors"
	"time"

	"github.com/heartbeat-ingest/internal/activity"
	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/timeutil"
)

const (
	// MinimumSplitRange is the smallest window that is still bisected after a recoverable failure
	MinimumSplitRange = 6 * time.Hour
	// MaxSplitDepth bounds how many times one window may be halved
	MaxSplitDepth = 6
)

// WindowFetcher performs a single request for one time window
type WindowFetcher interface {
	FetchWindow(ctx context.Context, apiKey string, start, end time.Time) ([]activity.RawHeartbeat, error)
}

// FetchResult aggregates every leaf window fetched for one range
type FetchResult struct {
	Heartbeats []activity.RawHeartbeat
	Requests   int
}

type window struct {
	start time.Time
	end   time.Time
	depth int
}

// RangeFetcher fetches a range, halving windows that come back
// recoverably broken until they succeed or can no longer be split.
type RangeFetcher struct {
	source WindowFetcher
	logger *logging.Logger
}

// NewRangeFetcher creates a range fetcher on top of source
func NewRangeFetcher(source WindowFetcher, logger *logging.Logger) *RangeFetcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RangeFetcher{
		source: source,
		logger: logger.WithField("component", "range_fetcher"),
	}
}

// Fetch returns every heartbeat in [start, end). Windows are visited
// depth first, earliest first. Unrecoverable errors abort immediately.
func (f *RangeFetcher) Fetch(ctx context.Context, apiKey string, start, end time.Time) (*FetchResult, error) {
	result := &FetchResult{}
	if !end.After(start) {
		return result, nil
	}

	stack := []window{{start: start, end: end}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !w.end.After(w.start) {
			continue
		}

		heartbeats, err := f.source.FetchWindow(ctx, apiKey, w.start, w.end)
		result.Requests++
		if err == nil {
			result.Heartbeats = append(result.Heartbeats, heartbeats...)
			continue
		}

		var fe *activity.FetchError
		if !errors.As(err, &fe) || !fe.Recoverable {
			return result, err
		}

		span := w.end.Sub(w.start)
		logger := f.logger.WithFields(map[string]interface{}{
			"start":       w.start,
			"end":         w.end,
			"rangeHours":  int64(span.Hours()),
			"splitDepth":  w.depth,
			"bodyLength":  fe.BodyLength,
			"bodyPreview": fe.Preview,
		}).WithError(err)

		if span <= MinimumSplitRange || w.depth >= MaxSplitDepth {
			logger.Error("Failed to parse activity API response despite range splitting")
			return result, apperrors.NewUpstreamParseError("Failed to parse activity API response", err)
		}

		mid, ok := timeutil.SplitMidpoint(w.start, w.end)
		if !ok {
			logger.Error("Unable to split range after parse error")
			return result, apperrors.NewUpstreamParseError("Failed to parse activity API response", err)
		}

		logger.WithField("midpoint", mid).Warn("Activity API response too large; retrying with smaller window")

		stack = append(stack,
			window{start: mid, end: w.end, depth: w.depth + 1},
			window{start: w.start, end: mid, depth: w.depth + 1},
		)
	}

	return result, nil
}
