package domain

import "time"

// JobStatus represents the status of an export job.
// Values include JobStatusRunning, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ExportJob is the persisted progress record of one export run.
// CompletedCount only advances after the claim at index CompletedCount-1 is durably stored,
// so it is the sole source of truth for resume.
type ExportJob struct {
	ID             string            `json:"id"`
	Identifiers    []ClaimIdentifier `json:"identifiers"`
	Total          int               `json:"total"`
	CompletedCount int               `json:"completedCount"`
	FailedClaims   int               `json:"failedClaims"`
	TestMode       bool              `json:"testMode"`
	Status         JobStatus         `json:"status"`
	LastError      string            `json:"lastError,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// Remaining returns the number of identifiers not yet checkpointed.
func (j *ExportJob) Remaining() int {
	if j.CompletedCount >= j.Total {
		return 0
	}
	return j.Total - j.CompletedCount
}

// IsDone reports whether every identifier has a checkpointed record.
func (j *ExportJob) IsDone() bool {
	return j.CompletedCount >= j.Total
}

// IsStale reports whether a running job has stopped updating for longer than maxAge.
// A stale job was most likely interrupted and should be resumed rather than waited on.
func (j *ExportJob) IsStale(now time.Time, maxAge time.Duration) bool {
	if j.Status != JobStatusRunning || maxAge <= 0 {
		return false
	}
	return now.Sub(j.UpdatedAt) > maxAge
}
