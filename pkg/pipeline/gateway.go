package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/queue"
)

// Gateway accepts build requests and deduplicates them against the work
// queue. Repeated enqueues for a version with a build in flight return the
// existing job; the race between concurrent callers is resolved by the
// queue's dedup-by-key semantics, not by application locking.
type Gateway struct {
	store    ledger.Store
	queue    queue.Queue
	attempts int
	backoff  time.Duration
	logger   Logger
}

func NewGateway(store ledger.Store, q queue.Queue, attempts int, backoff time.Duration, logger Logger) *Gateway {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	return &Gateway{store: store, queue: q, attempts: attempts, backoff: backoff, logger: logger}
}

// jobKey derives the deterministic queue key for a version's build.
func jobKey(versionID string) string {
	return "build:" + versionID
}

// Enqueue submits a build for a version, or returns the already-active job.
func (g *Gateway) Enqueue(ctx context.Context, versionID, correlationID string) (ledger.BuildJob, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "gateway.Enqueue")
	span.SetAttributes(attribute.String("bundle.version_id", versionID))
	defer span.End()

	if _, err := g.store.Version(ctx, versionID); err != nil {
		return ledger.BuildJob{}, err
	}

	if existing, ok, err := g.queue.GetJob(ctx, versionID); err != nil {
		return ledger.BuildJob{}, fmt.Errorf("query queue: %w", err)
	} else if ok {
		return g.existingJob(ctx, existing)
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	row := ledger.BuildJob{
		ID:            jobID,
		VersionID:     versionID,
		Status:        ledger.JobQueued,
		MaxAttempts:   g.attempts,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.store.CreateJob(ctx, row); err != nil {
		return ledger.BuildJob{}, fmt.Errorf("create ledger row: %w", err)
	}

	payload := BuildRequest{JobID: jobID, VersionID: versionID, CorrelationID: correlationID}.encode()
	_, err := g.queue.Add(ctx, jobKey(versionID), payload, queue.AddOptions{
		DedupKey: versionID,
		Attempts: g.attempts,
		Backoff:  g.backoff,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		// Lost the race to a concurrent caller: discard our row and hand
		// back the winner's job.
		if derr := g.store.DeleteJob(ctx, jobID); derr != nil {
			g.logger.Error("discard duplicate ledger row", "jobID", jobID, "error", derr)
		}
		existing, ok, gerr := g.queue.GetJob(ctx, versionID)
		if gerr != nil || !ok {
			return ledger.BuildJob{}, fmt.Errorf("resolve duplicate job for version %s: %v", versionID, gerr)
		}
		return g.existingJob(ctx, existing)
	}
	if err != nil {
		if derr := g.store.DeleteJob(ctx, jobID); derr != nil {
			g.logger.Error("discard unsubmitted ledger row", "jobID", jobID, "error", derr)
		}
		return ledger.BuildJob{}, fmt.Errorf("submit to queue: %w", err)
	}

	g.logger.Info("build enqueued", "versionID", versionID, "jobID", jobID, "correlationID", correlationID)
	return row, nil
}

func (g *Gateway) existingJob(ctx context.Context, qjob queue.Job) (ledger.BuildJob, error) {
	req, err := decodeRequest(qjob.Payload)
	if err != nil {
		return ledger.BuildJob{}, fmt.Errorf("decode queued payload: %w", err)
	}
	return g.store.Job(ctx, req.JobID)
}

// Job returns the current ledger row for a build job.
func (g *Gateway) Job(ctx context.Context, jobID string) (ledger.BuildJob, error) {
	return g.store.Job(ctx, jobID)
}
