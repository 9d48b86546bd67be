// Package queue is a durable FIFO work queue kept in Redis lists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no task arrived before the timeout
var ErrEmpty = errors.New("queue: empty")

// Envelope wraps a task payload with bookkeeping fields
type Envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s task %s: %w", e.Queue, e.ID, err)
	}
	return nil
}

// RedisQueue pushes on the left of a list and pops from the right
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisQueue creates a queue whose keys are namespaced under prefix
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

// Enqueue appends payload to the named queue and returns the task ID
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s task: %w", name, err)
	}

	env := Envelope{
		ID:         uuid.NewString(),
		Queue:      name,
		Payload:    body,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s envelope: %w", name, err)
	}

	if err := q.client.LPush(ctx, q.key(name), data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s task: %w", name, err)
	}
	return env.ID, nil
}

// Dequeue blocks up to timeout for the oldest task in the named queue.
// It returns ErrEmpty when nothing arrived in time.
func (q *RedisQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*Envelope, error) {
	values, err := q.client.BRPop(ctx, timeout, q.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue %s task: %w", name, err)
	}

	// BRPOP replies with [key, value]
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply for %s: %v", name, values)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(values[1]), &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s envelope: %w", name, err)
	}
	return &env, nil
}

// Len returns the number of tasks waiting in the named queue
func (q *RedisQueue) Len(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s queue length: %w", name, err)
	}
	return n, nil
}
