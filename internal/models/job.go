package models

import "time"

// JobStatus represents the state of a document-processing job
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is one of the sticky terminal states.
// A job never leaves a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job represents one document-processing request tracked from submission
// through its terminal state.
type Job struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	Status          JobStatus   `json:"status"`
	DocumentPath    string      `json:"document_path"`
	DocumentBytes   int64       `json:"document_bytes"`
	PageCount       int         `json:"page_count,omitempty"`
	Text            string      `json:"text,omitempty"`
	UnreadablePages []int       `json:"unreadable_pages,omitempty"`
	Failure         *JobFailure `json:"failure,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	LeasedAt        *time.Time  `json:"leased_at,omitempty"`
	LeaseExpiresAt  *time.Time  `json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// JobFailure is the structured error recorded on a failed job.
type JobFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ProgressSnapshot is a point-in-time record of how much of a job's work is
// done. Current counts pages, never exceeds Total, and never decreases while
// the job is non-terminal.
type ProgressSnapshot struct {
	JobID     string    `json:"job_id"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkerTask describes one batch of pages for the OCR processor: a page range
// (1-based, inclusive) and the target rasterization resolution. It has no
// lifecycle beyond the batch execution.
type WorkerTask struct {
	JobID     string
	FirstPage int
	LastPage  int
	DPI       int
}

// StatusView is the merged job/progress view returned to status callers.
type StatusView struct {
	JobID           string            `json:"job_id"`
	Status          JobStatus         `json:"status"`
	Progress        *ProgressSnapshot `json:"progress,omitempty"`
	Text            string            `json:"text,omitempty"`
	PageCount       int               `json:"page_count,omitempty"`
	UnreadablePages []int             `json:"unreadable_pages,omitempty"`
	Failure         *JobFailure       `json:"failure,omitempty"`
}
