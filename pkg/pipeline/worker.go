package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/queue"
)

// Builder is the compiler capability the worker invokes per attempt.
type Builder interface {
	Compile(ctx context.Context, versionID string) bundle.Result
}

// Worker pulls deliveries from the queue and drives the build job state
// machine. The ledger write always happens before the outcome is propagated
// to the queue, so observers never see a stale RUNNING row after a crash of
// anything downstream of that write.
type Worker struct {
	consumer    queue.Consumer
	store       ledger.Store
	builder     Builder
	metrics     *Metrics
	logger      Logger
	concurrency int
}

func NewWorker(consumer queue.Consumer, store ledger.Store, builder Builder, metrics *Metrics, logger Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		consumer:    consumer,
		store:       store,
		builder:     builder,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run consumes deliveries until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := w.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		w.Process(ctx, delivery)
	}
}

// Process handles one delivery: exactly one attempt of one build job.
func (w *Worker) Process(ctx context.Context, delivery queue.Delivery) {
	job := delivery.Job()
	req, err := decodeRequest(job.Payload)
	if err != nil {
		w.logger.Error("undecodable payload", "key", job.Key, "error", err)
		_ = delivery.Fail(ctx, "undecodable payload: "+err.Error())
		return
	}

	started := time.Now().UTC()
	if err := w.store.MarkRunning(ctx, req.JobID, job.Attempt, job.MaxAttempts, started, job.Key); err != nil {
		w.logger.Error("mark running", "jobID", req.JobID, "error", err)
		// A transient ledger outage must not consume the job; the attempt
		// ceiling decides when to give up.
		msg := "ledger unavailable: " + err.Error()
		if job.Attempt >= job.MaxAttempts {
			_ = delivery.Fail(ctx, msg)
		} else {
			_ = delivery.Retry(ctx, msg)
		}
		return
	}
	w.metrics.OnStart()

	res := w.builder.Compile(ctx, req.VersionID)
	finished := time.Now().UTC()
	duration := finished.Sub(started)

	if res.Err == nil {
		if err := w.store.MarkSucceeded(ctx, req.JobID, finished, duration.Milliseconds()); err != nil {
			w.logger.Error("mark succeeded", "jobID", req.JobID, "error", err)
		}
		w.metrics.OnSuccess(duration)
		if err := delivery.Ack(ctx); err != nil {
			w.logger.Error("ack delivery", "jobID", req.JobID, "error", err)
		}
		w.logger.Info("build succeeded", "jobID", req.JobID, "versionID", req.VersionID,
			"attempt", job.Attempt, "durationMS", duration.Milliseconds())
		return
	}

	msg := res.Err.Error()
	terminal := bundle.Terminal(res.Err) || job.Attempt >= job.MaxAttempts
	if terminal {
		if err := w.store.MarkFailed(ctx, req.JobID, msg, finished, duration.Milliseconds()); err != nil {
			w.logger.Error("mark failed", "jobID", req.JobID, "error", err)
		}
		w.metrics.OnFailure(duration, msg)
		if err := delivery.Fail(ctx, msg); err != nil {
			w.logger.Error("fail delivery", "jobID", req.JobID, "error", err)
		}
		w.logger.Error("build failed", "jobID", req.JobID, "versionID", req.VersionID,
			"attempt", job.Attempt, "maxAttempts", job.MaxAttempts, "error", msg)
		return
	}

	// Attempts remain: record the error, return the job to the queue and
	// let its backoff schedule the redelivery.
	if err := w.store.MarkRetrying(ctx, req.JobID, msg); err != nil {
		w.logger.Error("mark retrying", "jobID", req.JobID, "error", err)
	}
	w.metrics.OnRetry()
	if err := delivery.Retry(ctx, msg); err != nil {
		w.logger.Error("retry delivery", "jobID", req.JobID, "error", err)
	}
	w.logger.Info("build attempt failed, retrying", "jobID", req.JobID, "versionID", req.VersionID,
		"attempt", job.Attempt, "maxAttempts", job.MaxAttempts, "error", msg)
}
