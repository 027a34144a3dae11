package ledger

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps the ledger in memory. It backs tests and local development;
// production runs on the Postgres store.
type MemStore struct {
	mu        sync.RWMutex
	versions  map[string]BundleVersion
	jobs      map[string]BuildJob
	published map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		versions:  make(map[string]BundleVersion),
		jobs:      make(map[string]BuildJob),
		published: make(map[string]string),
	}
}

func (s *MemStore) CreateVersion(ctx context.Context, v BundleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v
	return nil
}

func (s *MemStore) Version(ctx context.Context, id string) (BundleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return BundleVersion{}, ErrNotFound
	}
	return v, nil
}

func (s *MemStore) setVersionStatus(id string, status VersionStatus, buildLog string, keepLog bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return ErrNotFound
	}
	v.Status = status
	if !keepLog {
		v.BuildLog = buildLog
	}
	v.UpdatedAt = time.Now().UTC()
	s.versions[id] = v
	return nil
}

func (s *MemStore) SetBuilding(ctx context.Context, versionID string) error {
	return s.setVersionStatus(versionID, VersionBuilding, "", true)
}

func (s *MemStore) SetBuilt(ctx context.Context, versionID, buildLog string) error {
	return s.setVersionStatus(versionID, VersionBuilt, buildLog, false)
}

func (s *MemStore) SetBuildFailed(ctx context.Context, versionID, buildLog string) error {
	return s.setVersionStatus(versionID, VersionFailed, buildLog, false)
}

func (s *MemStore) Publish(ctx context.Context, bundleID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok || v.BundleID != bundleID {
		return ErrNotFound
	}
	if v.Status != VersionBuilt && v.Status != VersionPublished {
		return ErrNotBuilt
	}
	s.published[bundleID] = versionID
	v.Status = VersionPublished
	v.UpdatedAt = time.Now().UTC()
	s.versions[versionID] = v
	return nil
}

func (s *MemStore) Published(ctx context.Context, bundleID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.published[bundleID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemStore) CreateJob(ctx context.Context, j BuildJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemStore) Job(ctx context.Context, id string) (BuildJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return BuildJob{}, ErrNotFound
	}
	return j, nil
}

func (s *MemStore) ActiveJob(ctx context.Context, versionID string) (BuildJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest BuildJob
	var found bool
	for _, j := range s.jobs {
		if j.VersionID != versionID || !j.Status.Active() {
			continue
		}
		if !found || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemStore) updateJob(id string, fn func(j *BuildJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	s.jobs[id] = j
	return nil
}

func (s *MemStore) MarkRunning(ctx context.Context, id string, attempt, maxAttempts int, startedAt time.Time, queueRef string) error {
	return s.updateJob(id, func(j *BuildJob) {
		j.Status = JobRunning
		j.Attempt = attempt
		j.MaxAttempts = maxAttempts
		t := startedAt
		j.StartedAt = &t
		j.FinishedAt = nil
		j.QueueRef = queueRef
	})
}

func (s *MemStore) MarkSucceeded(ctx context.Context, id string, finishedAt time.Time, durationMS int64) error {
	return s.updateJob(id, func(j *BuildJob) {
		j.Status = JobSucceeded
		t := finishedAt
		j.FinishedAt = &t
		j.DurationMS = durationMS
		j.Error = ""
	})
}

func (s *MemStore) MarkFailed(ctx context.Context, id, errMsg string, finishedAt time.Time, durationMS int64) error {
	return s.updateJob(id, func(j *BuildJob) {
		j.Status = JobFailed
		j.Error = errMsg
		t := finishedAt
		j.FinishedAt = &t
		j.DurationMS = durationMS
	})
}

func (s *MemStore) MarkRetrying(ctx context.Context, id, errMsg string) error {
	return s.updateJob(id, func(j *BuildJob) {
		j.Status = JobQueued
		j.Error = errMsg
		j.StartedAt = nil
		j.FinishedAt = nil
	})
}
