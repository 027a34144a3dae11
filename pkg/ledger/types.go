// Package ledger is the durable record of bundle versions and build jobs.
// It is the source of truth for build status, independent of the work
// queue's own internal state.
package ledger

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a build job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// Active reports whether the status counts against the at-most-one-active
// invariant per version.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Terminal reports whether polling clients should stop.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// VersionStatus is the lifecycle state of a bundle version.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "DRAFT"
	VersionBuilding  VersionStatus = "BUILDING"
	VersionBuilt     VersionStatus = "BUILT"
	VersionFailed    VersionStatus = "FAILED"
	VersionPublished VersionStatus = "PUBLISHED"
)

// BundleVersion is an immutable-once-built unit of author source.
type BundleVersion struct {
	ID        string          `json:"id"`
	BundleID  string          `json:"bundle_id"`
	Version   string          `json:"version"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	Status    VersionStatus   `json:"status"`
	BuildLog  string          `json:"build_log,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BuildJob is one build lifecycle for a version; it may span multiple
// attempts. At most one active job exists per version at any time.
type BuildJob struct {
	ID            string     `json:"id"`
	VersionID     string     `json:"version_id"`
	Status        JobStatus  `json:"status"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    int64      `json:"duration_ms,omitempty"`
	Error         string     `json:"error,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	QueueRef      string     `json:"queue_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
