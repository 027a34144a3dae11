// Package pipeline ties the build flow together: the idempotent enqueue
// gateway on the API side, and the worker driving the per-attempt state
// machine on the queue side. The ledger is authoritative for status; the
// queue owns retry scheduling.
package pipeline

import "encoding/json"

// Logger matches the structured loggers used across services.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// BuildRequest is the queue payload for one build job.
type BuildRequest struct {
	JobID         string `json:"job_id"`
	VersionID     string `json:"version_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (r BuildRequest) encode() []byte {
	data, _ := json.Marshal(r)
	return data
}

func decodeRequest(data []byte) (BuildRequest, error) {
	var r BuildRequest
	err := json.Unmarshal(data, &r)
	return r, err
}
