// Package broker implements the task broker (C2): an at-least-once
// queue carrying tasks on named queues ("llm", "scraper"), with a
// result channel used by the queue binding of the scraper callback
// adapter (C11) to await a scrape_content task's outcome (spec.md §4.2,
// §4.8, §6).
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one unit of work carried on a named queue. Payload is the
// task-specific JSON argument bag (spec.md §6 task wire).
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Broker is a redis-list-backed at-least-once task queue.
type Broker struct {
	client *redis.Client
}

// New builds a Broker over an existing redis client.
func New(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func queueKey(queue string) string {
	return "queue:" + queue
}

func resultKey(taskID string) string {
	return "result:" + taskID
}

// newTaskID generates a task id, preferring a time-ordered UUIDv7 and
// falling back to UUIDv4 if the v7 generator errors — the same
// fallback the teacher uses for job ids (internal/http/executor.go).
func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Enqueue pushes a task of the given kind onto queue and returns its
// generated task id. Tasks must be idempotent on their job id
// (spec.md §4.2) since delivery is at-least-once.
func (b *Broker) Enqueue(ctx context.Context, queue, kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}

	task := Task{ID: newTaskID(), Kind: kind, Payload: raw}
	encoded, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	if err := b.client.LPush(ctx, queueKey(queue), encoded).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ID, nil
}

// Dequeue blocks up to timeout for the next task on queue. A nil Task
// and nil error means the timeout elapsed with nothing to dequeue.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	res, err := b.client.BRPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue task: unexpected BRPOP reply shape")
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// PublishResult records a task's result so a blocked AwaitResult call
// can retrieve it. Consumers of a queue (e.g. a scrape worker) call
// this once the task completes or fails; failures are encoded as a
// "CODE: message" string inside the payload, matching the teacher's
// failed-job convention (internal/http/executor.go).
func (b *Broker) PublishResult(ctx context.Context, taskID string, result json.RawMessage) error {
	key := resultKey(taskID)
	if err := b.client.LPush(ctx, key, result).Err(); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	b.client.Expire(ctx, key, 10*time.Minute)
	return nil
}

// AwaitResult blocks up to timeout for a task's result.
func (b *Broker) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (json.RawMessage, error) {
	res, err := b.client.BRPop(ctx, timeout, resultKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: result timed out after %s", taskID, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("await result: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("await result: unexpected BRPOP reply shape")
	}
	return json.RawMessage(res[1]), nil
}

// RetryPolicy is the per-queue retry/backoff policy (spec.md §4.2).
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicies returns the policy table from spec.md §4.2:
// orchestration retries once with a 10s backoff, scrape retries twice
// with a 5s backoff.
func DefaultRetryPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		"llm":     {MaxRetries: 1, Backoff: 10 * time.Second},
		"scraper": {MaxRetries: 2, Backoff: 5 * time.Second},
	}
}

// FailureString formats a "CODE: message" failure string, the
// convention the teacher's worker uses for queue-carried errors
// (internal/http/executor.go).
func FailureString(code, message string) string {
	return code + ": " + message
}
