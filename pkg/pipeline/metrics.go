package pipeline

import (
	"context"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of worker health. Counters reset on
// process restart; the ledger remains authoritative for any operator-facing
// status.
type Snapshot struct {
	InProgress         int       `json:"in_progress"`
	Succeeded          int64     `json:"succeeded"`
	Failed             int64     `json:"failed"`
	Retried            int64     `json:"retried"`
	LastSuccessAt      time.Time `json:"last_success_at,omitempty"`
	LastFailureAt      time.Time `json:"last_failure_at,omitempty"`
	LastFailureMessage string    `json:"last_failure_message,omitempty"`
}

// Metrics aggregates build outcomes in process memory.
type Metrics struct {
	mu       sync.Mutex
	snapshot Snapshot
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) OnStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.InProgress++
}

func (m *Metrics) OnSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.InProgress--
	m.snapshot.Succeeded++
	m.snapshot.LastSuccessAt = time.Now().UTC()
}

func (m *Metrics) OnFailure(duration time.Duration, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.InProgress--
	m.snapshot.Failed++
	m.snapshot.LastFailureAt = time.Now().UTC()
	m.snapshot.LastFailureMessage = message
}

func (m *Metrics) OnRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.InProgress--
	m.snapshot.Retried++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Emit logs snapshots at the given interval until the context is cancelled.
func (m *Metrics) Emit(ctx context.Context, interval time.Duration, logger Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			logger.Info("build metrics",
				"inProgress", s.InProgress,
				"succeeded", s.Succeeded,
				"failed", s.Failed,
				"retried", s.Retried,
				"lastFailure", s.LastFailureMessage)
		}
	}
}
