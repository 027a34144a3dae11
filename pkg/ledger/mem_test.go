package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedVersion(t *testing.T, s *MemStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateVersion(context.Background(), BundleVersion{
		ID:        id,
		BundleID:  "bundle-1",
		Version:   "1.0.0",
		Status:    VersionDraft,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
}

func TestMemStoreVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedVersion(t, s, "v1")

	if err := s.SetBuilding(ctx, "v1"); err != nil {
		t.Fatalf("SetBuilding: %v", err)
	}
	v, err := s.Version(ctx, "v1")
	if err != nil || v.Status != VersionBuilding {
		t.Fatalf("unexpected version: %+v, %v", v, err)
	}

	if err := s.SetBuilt(ctx, "v1", "linked 3 modules"); err != nil {
		t.Fatalf("SetBuilt: %v", err)
	}
	v, _ = s.Version(ctx, "v1")
	if v.Status != VersionBuilt || v.BuildLog != "linked 3 modules" {
		t.Fatalf("unexpected version: %+v", v)
	}

	if _, err := s.Version(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStorePublish(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedVersion(t, s, "v1")

	if err := s.Publish(ctx, "bundle-1", "v1"); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("expected ErrNotBuilt for draft version, got %v", err)
	}

	if err := s.SetBuilt(ctx, "v1", ""); err != nil {
		t.Fatalf("SetBuilt: %v", err)
	}
	if err := s.Publish(ctx, "bundle-1", "v1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	id, err := s.Published(ctx, "bundle-1")
	if err != nil || id != "v1" {
		t.Fatalf("Published: %q, %v", id, err)
	}

	if err := s.Publish(ctx, "other-bundle", "v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong bundle, got %v", err)
	}
}

func TestMemStoreJobStateMachine(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seedVersion(t, s, "v1")

	now := time.Now().UTC()
	job := BuildJob{ID: "job-1", VersionID: "v1", Status: JobQueued, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	active, ok, err := s.ActiveJob(ctx, "v1")
	if err != nil || !ok || active.ID != "job-1" {
		t.Fatalf("ActiveJob: %+v, %v, %v", active, ok, err)
	}

	started := time.Now().UTC()
	if err := s.MarkRunning(ctx, "job-1", 1, 3, started, "build:v1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	j, _ := s.Job(ctx, "job-1")
	if j.Status != JobRunning || j.Attempt != 1 || j.StartedAt == nil {
		t.Fatalf("unexpected job: %+v", j)
	}

	// A retry returns the job to queued with the error recorded and
	// timestamps cleared.
	if err := s.MarkRetrying(ctx, "job-1", "boom"); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}
	j, _ = s.Job(ctx, "job-1")
	if j.Status != JobQueued || j.Error != "boom" || j.StartedAt != nil || j.FinishedAt != nil {
		t.Fatalf("unexpected job after retry: %+v", j)
	}
	if _, ok, _ := s.ActiveJob(ctx, "v1"); !ok {
		t.Fatalf("retrying job must still count as active")
	}

	finished := time.Now().UTC()
	if err := s.MarkFailed(ctx, "job-1", "final error", finished, 1200); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	j, _ = s.Job(ctx, "job-1")
	if j.Status != JobFailed || j.Error != "final error" || j.DurationMS != 1200 {
		t.Fatalf("unexpected terminal job: %+v", j)
	}
	if !j.Status.Terminal() {
		t.Fatalf("failed job must be terminal")
	}
	if _, ok, _ := s.ActiveJob(ctx, "v1"); ok {
		t.Fatalf("terminal job must not count as active")
	}
}
