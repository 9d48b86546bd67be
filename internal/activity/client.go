// Package activity is a client for the remote time-tracking API that
// heartbeats are imported from.
package activity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/heartbeat-ingest/internal/circuitbreaker"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/timeutil"
)

// BodyPreviewLimit caps the number of characters of a response body kept for diagnostics
const BodyPreviewLimit = 2048

// StatusEdgeTimeout is the status a CDN edge returns when the origin took too long
const StatusEdgeTimeout = 524

// FetchError describes a failed window fetch.
// Recoverable errors mean the window should be retried in smaller pieces;
// anything else aborts the import.
type FetchError struct {
	Recoverable bool
	StatusCode  int
	Message     string
	Preview     string
	BodyLength  int
	Err         error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err is a FetchError that window splitting may fix
func IsRecoverable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Recoverable
}

// Client fetches heartbeats for a single time window
type Client struct {
	endpoint    string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logging.Logger
}

// NewClient creates a client for endpoint. requestsPerSecond <= 0 disables pacing.
func NewClient(endpoint string, timeout time.Duration, requestsPerSecond float64, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: rate.NewLimiter(limit, 1),
		logger:      logger.WithField("component", "activity_client"),
	}
	c.SetCircuitBreaker(circuitbreaker.DefaultConfig("activity_api"))
	return c
}

// SetCircuitBreaker replaces the breaker guarding the remote API.
// Only upstream outages count as failures; see IsUpstreamFailure.
func (c *Client) SetCircuitBreaker(cfg *circuitbreaker.Config) {
	cfg.IsFailure = IsUpstreamFailure
	if cfg.Logger == nil {
		cfg.Logger = c.logger
	}
	c.breaker = circuitbreaker.NewCircuitBreaker(cfg)
}

// BreakerState reports the state of the breaker guarding the remote API
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}

// IsUpstreamFailure reports whether err indicates the remote API itself is
// unhealthy: transport failures, throttling and 5xx responses. Rejected keys
// and windows that window splitting can recover from do not count.
func IsUpstreamFailure(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Recoverable || errors.Is(err, context.Canceled) {
		return false
	}
	return fe.StatusCode == 0 || fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= 500
}

// FetchWindow performs one request for heartbeats in [start, end).
// An empty or inverted window returns no heartbeats without a request.
func (c *Client) FetchWindow(ctx context.Context, apiKey string, start, end time.Time) ([]RawHeartbeat, error) {
	if !end.After(start) {
		return nil, nil
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, &FetchError{Message: "Failed to reach the activity API", Err: err}
	}

	var heartbeats []RawHeartbeat
	err := c.breaker.Execute(func() error {
		var err error
		heartbeats, err = c.fetch(ctx, apiKey, start, end)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, &FetchError{Message: "Activity API is temporarily unavailable", Err: err}
	}
	return heartbeats, err
}

func (c *Client) fetch(ctx context.Context, apiKey string, start, end time.Time) ([]RawHeartbeat, error) {
	req, err := c.newRequest(ctx, apiKey, start, end)
	if err != nil {
		return nil, &FetchError{Message: "Failed to build activity API request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Error("Failed to reach the activity API")
		return nil, &FetchError{Message: "Failed to reach the activity API", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &FetchError{StatusCode: resp.StatusCode, Message: "API key is invalid"}
	case resp.StatusCode == StatusEdgeTimeout:
		c.logger.Warn("Activity API request timed out (524)")
		return nil, &FetchError{
			Recoverable: true,
			StatusCode:  resp.StatusCode,
			Message:     "Cloudflare timeout (524)",
			Preview:     "Cloudflare timeout (524)",
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Errorf("Activity API returned status %d", resp.StatusCode)
		return nil, &FetchError{StatusCode: resp.StatusCode, Message: "Activity API responded with an error"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.WithError(err).Error("Failed to read activity API response body")
		return nil, &FetchError{StatusCode: resp.StatusCode, Message: "Failed to read activity API response body", Err: err}
	}

	parsed, err := ParseBody(body)
	if err != nil {
		return nil, &FetchError{
			Recoverable: true,
			StatusCode:  resp.StatusCode,
			Message:     "Failed to parse activity API response",
			Preview:     preview(body),
			BodyLength:  len(body),
			Err:         err,
		}
	}

	if parsed.Salvaged {
		c.logger.WithFields(map[string]interface{}{
			"skipped":  parsed.Skipped,
			"returned": len(parsed.Heartbeats),
		}).Warn("Activity API response had malformed heartbeats that were skipped")
	}

	return parsed.Heartbeats, nil
}

func (c *Client) newRequest(ctx context.Context, apiKey string, start, end time.Time) (*http.Request, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("start_time", timeutil.FormatRFC3339Millis(start))
	q.Set("end_time", timeutil.FormatRFC3339Millis(end))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func preview(body []byte) string {
	if utf8.RuneCount(body) <= BodyPreviewLimit {
		return string(body)
	}
	return truncate(string(body), BodyPreviewLimit)
}
