package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/queue"
)

func seedVersion(t *testing.T, store ledger.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateVersion(context.Background(), ledger.BundleVersion{
		ID:        id,
		BundleID:  "bundle-1",
		Version:   "1.0.0",
		Status:    ledger.VersionDraft,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed version: %v", err)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemStore()
	q := newMemQueue()
	seedVersion(t, store, "v1")

	g := NewGateway(store, q, 3, time.Second, discardLogger())

	first, err := g.Enqueue(ctx, "v1", "corr-a")
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := g.Enqueue(ctx, "v1", "corr-b")
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("expected the same job, got %s and %s", first.ID, second.ID)
	}
	if got := q.addCount(); got != 1 {
		t.Fatalf("expected 1 queue submission, got %d", got)
	}
	active, ok, err := store.ActiveJob(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("active job: ok=%v err=%v", ok, err)
	}
	if active.ID != first.ID {
		t.Fatalf("active job %s, want %s", active.ID, first.ID)
	}
}

func TestEnqueueUnknownVersion(t *testing.T) {
	g := NewGateway(ledger.NewMemStore(), newMemQueue(), 3, time.Second, discardLogger())
	if _, err := g.Enqueue(context.Background(), "missing", ""); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// blindQueue hides the existing job from the first GetJob call, forcing the
// gateway down the Add→ErrDuplicate race path.
type blindQueue struct {
	*memQueue
	misses int
}

func (q *blindQueue) GetJob(ctx context.Context, dedupKey string) (queue.Job, bool, error) {
	if q.misses > 0 {
		q.misses--
		return queue.Job{}, false, nil
	}
	return q.memQueue.GetJob(ctx, dedupKey)
}

func TestEnqueueDuplicateRace(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemStore()
	q := &blindQueue{memQueue: newMemQueue()}
	seedVersion(t, store, "v1")

	g := NewGateway(store, q, 3, time.Second, discardLogger())

	winner, err := g.Enqueue(ctx, "v1", "")
	if err != nil {
		t.Fatalf("winner enqueue: %v", err)
	}

	// The loser sees no queued job, creates its own ledger row, then loses
	// the dedup race on Add.
	q.misses = 1
	loser, err := g.Enqueue(ctx, "v1", "")
	if err != nil {
		t.Fatalf("loser enqueue: %v", err)
	}
	if loser.ID != winner.ID {
		t.Fatalf("loser got job %s, want winner's %s", loser.ID, winner.ID)
	}
	if got := q.addCount(); got != 1 {
		t.Fatalf("expected 1 accepted submission, got %d", got)
	}

	// The loser's provisional row must be gone.
	active, ok, err := store.ActiveJob(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("active job: ok=%v err=%v", ok, err)
	}
	if active.ID != winner.ID {
		t.Fatalf("active job %s, want %s", active.ID, winner.ID)
	}
}

func TestEnqueueAfterTerminalCreatesNewJob(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemStore()
	q := newMemQueue()
	seedVersion(t, store, "v1")

	g := NewGateway(store, q, 3, time.Second, discardLogger())
	w := NewWorker(q, store, succeedingBuilder(), NewMetrics(), discardLogger(), 1)

	first, err := g.Enqueue(ctx, "v1", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := drain(ctx, w, q); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Success released the dedup key, so a rebuild gets a fresh job.
	second, err := g.Enqueue(ctx, "v1", "")
	if err != nil {
		t.Fatalf("rebuild enqueue: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("rebuild reused terminal job %s", first.ID)
	}
	if got := q.addCount(); got != 2 {
		t.Fatalf("expected 2 queue submissions, got %d", got)
	}
}
