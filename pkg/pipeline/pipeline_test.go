package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memQueue implements the queue contract for tests: dedup-by-key on Add,
// immediate redelivery on Retry instead of a timed backoff.
type memQueue struct {
	mu      sync.Mutex
	jobs    map[string]*queue.Job
	pending []string
	adds    int
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]*queue.Job)}
}

func (q *memQueue) Add(ctx context.Context, key string, payload []byte, opts queue.AddOptions) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[opts.DedupKey]; ok {
		return queue.Job{}, queue.ErrDuplicate
	}
	job := queue.Job{
		Key:         key,
		Dedup:       opts.DedupKey,
		Payload:     payload,
		MaxAttempts: opts.Attempts,
		BackoffMS:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().Unix(),
	}
	q.jobs[opts.DedupKey] = &job
	q.pending = append(q.pending, opts.DedupKey)
	q.adds++
	return job, nil
}

func (q *memQueue) GetJob(ctx context.Context, dedupKey string) (queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[dedupKey]
	if !ok {
		return queue.Job{}, false, nil
	}
	return *j, true, nil
}

func (q *memQueue) Next(ctx context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	dk := q.pending[0]
	q.pending = q.pending[1:]
	j := q.jobs[dk]
	j.Attempt++
	return &memDelivery{q: q, job: *j}, nil
}

func (q *memQueue) addCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.adds
}

type memDelivery struct {
	q   *memQueue
	job queue.Job
}

func (d *memDelivery) Job() queue.Job { return d.job }

func (d *memDelivery) Ack(ctx context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	delete(d.q.jobs, d.job.Dedup)
	return nil
}

func (d *memDelivery) Fail(ctx context.Context, msg string) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	delete(d.q.jobs, d.job.Dedup)
	return nil
}

func (d *memDelivery) Retry(ctx context.Context, msg string) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if j, ok := d.q.jobs[d.job.Dedup]; ok {
		j.LastError = msg
		d.q.pending = append(d.q.pending, d.job.Dedup)
	}
	return nil
}

// fakeBuilder returns a canned result and counts invocations.
type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	fn    func(versionID string) bundle.Result
}

func (b *fakeBuilder) Compile(ctx context.Context, versionID string) bundle.Result {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.fn(versionID)
}

func (b *fakeBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func succeedingBuilder() *fakeBuilder {
	return &fakeBuilder{fn: func(versionID string) bundle.Result {
		return bundle.Result{Status: bundle.StatusBuilt, OutputKey: "builds/" + versionID + "/bundle.zst"}
	}}
}

func failingBuilder(err error) *fakeBuilder {
	return &fakeBuilder{fn: func(string) bundle.Result {
		return bundle.Result{Status: bundle.StatusFailed, Err: err}
	}}
}

// drain processes deliveries until the queue is idle.
func drain(ctx context.Context, w *Worker, q *memQueue) error {
	for i := 0; i < 100; i++ {
		d, err := q.Next(ctx)
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		w.Process(ctx, d)
	}
	return fmt.Errorf("queue did not drain")
}
