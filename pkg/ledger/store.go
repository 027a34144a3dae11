package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown versions, jobs, and bundles.
	ErrNotFound = errors.New("not found")
	// ErrNotBuilt rejects publishing a version that has no successful build.
	ErrNotBuilt = errors.New("version is not built")
)

// Store is the ledger contract shared by the Postgres and in-memory
// implementations. Job mutations are only ever issued by the single worker
// attempt currently holding the queue delivery.
type Store interface {
	// Versions.
	CreateVersion(ctx context.Context, v BundleVersion) error
	Version(ctx context.Context, id string) (BundleVersion, error)
	SetBuilding(ctx context.Context, versionID string) error
	SetBuilt(ctx context.Context, versionID, buildLog string) error
	SetBuildFailed(ctx context.Context, versionID, buildLog string) error

	// Publish pointer: moved only by an explicit publish action, never by a
	// rebuild.
	Publish(ctx context.Context, bundleID, versionID string) error
	Published(ctx context.Context, bundleID string) (string, error)

	// Jobs.
	CreateJob(ctx context.Context, j BuildJob) error
	DeleteJob(ctx context.Context, id string) error
	Job(ctx context.Context, id string) (BuildJob, error)
	ActiveJob(ctx context.Context, versionID string) (BuildJob, bool, error)
	MarkRunning(ctx context.Context, id string, attempt, maxAttempts int, startedAt time.Time, queueRef string) error
	MarkSucceeded(ctx context.Context, id string, finishedAt time.Time, durationMS int64) error
	MarkFailed(ctx context.Context, id, errMsg string, finishedAt time.Time, durationMS int64) error
	// MarkRetrying records the attempt's error but leaves the job
	// non-terminal: start/finish timestamps are cleared and the status
	// returns to queued for the queue's redelivery.
	MarkRetrying(ctx context.Context, id, errMsg string) error
}
