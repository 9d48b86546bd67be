package circuitbreaker

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/heartbeat-ingest/internal/logging"
)

var errBoom = errors.New("boom")

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func newTestBreaker(clock *fakeNow, isFailure func(error) bool) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:             "test",
		MaxFailures:      3,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 1,
		IsFailure:        isFailure,
		Now:              clock.now,
		Logger:           logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard),
	})
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)

	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.NoError(t, cb.Execute(succeed), "a success resets the streak")
	assert.Equal(t, StateClosed, cb.GetState())

	for range 3 {
		_ = cb.Execute(fail)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	for range 3 {
		_ = cb.Execute(fail)
	}

	clock.t = clock.t.Add(11 * time.Second)
	assert.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	for range 3 {
		_ = cb.Execute(fail)
	}

	clock.t = clock.t.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock, func(err error) bool { return !errors.Is(err, errBoom) })

	for range 10 {
		_ = cb.Execute(fail)
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().ConsecutiveFails)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := &fakeNow{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	for range 3 {
		_ = cb.Execute(fail)
	}

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(succeed))
}
