// Package queue is the external work queue collaborator. The build
// pipeline's idempotency contract rests on its dedup-by-key semantics:
// submitting work under a dedup key that already has an active job returns
// the existing job instead of creating a second one.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicate reports that an active job already exists for the dedup key.
// Callers recover the existing job through GetJob.
var ErrDuplicate = errors.New("job already enqueued for dedup key")

// Job is the queue's view of one unit of work.
type Job struct {
	Key         string          `json:"key"`
	Dedup       string          `json:"dedup"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMS   int64           `json:"backoff_ms"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// AddOptions configure a submission.
type AddOptions struct {
	DedupKey string
	Attempts int
	Backoff  time.Duration
}

// Queue is the submission side used by the enqueue gateway.
type Queue interface {
	Add(ctx context.Context, key string, payload []byte, opts AddOptions) (Job, error)
	GetJob(ctx context.Context, dedupKey string) (Job, bool, error)
}

// Delivery is one attempt handed to a worker. Exactly one of Ack, Fail, or
// Retry must be called; the queue guarantees no two workers hold the same
// delivery concurrently.
type Delivery interface {
	Job() Job
	// Ack removes the job after success and releases the dedup key.
	Ack(ctx context.Context) error
	// Fail marks the job terminally failed so the queue stops retrying,
	// and releases the dedup key.
	Fail(ctx context.Context, msg string) error
	// Retry schedules redelivery after the queue's backoff.
	Retry(ctx context.Context, msg string) error
}

// Consumer is the worker side.
type Consumer interface {
	// Next blocks briefly for the next delivery; it returns (nil, nil)
	// when no work is available.
	Next(ctx context.Context) (Delivery, error)
}
