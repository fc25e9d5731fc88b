package job

import (
	"encoding/json"
	"quantumjobs/internal/apperrors"
	"time"
)

// Job is the canonical unit of work. Payload and Result are opaque and never
// interpreted. Pointer and slice fields are replaced on update, never
// mutated in place, so shallow copies are safe to hand out.
type Job struct {
	ID             string          `json:"id"`
	BackendID      string          `json:"backendId"`
	Payload        json.RawMessage `json:"payload"`
	State          State           `json:"state"`
	SubmittedAt    time.Time       `json:"submittedAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *apperrors.Info `json:"error,omitempty"`
	RetryCount     int             `json:"retryCount"`
	ProviderJobRef string          `json:"providerJobRef,omitempty"`
	ProviderStatus string          `json:"providerStatus,omitempty"`
	Version        int64           `json:"version"`
}

// Transition describes one applied state change.
type Transition struct {
	JobID     string    `json:"jobId"`
	BackendID string    `json:"backendId"`
	From      State     `json:"from,omitempty"` // empty for creation
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Version   int64     `json:"version"`
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Payload   json.RawMessage `json:"payload"`
	BackendID string          `json:"backendId,omitempty"`
}

// SubmitResponse is returned for an accepted submission. State is failed when
// the remote leg failed after the job was created.
type SubmitResponse struct {
	JobID string `json:"jobId"`
	State State  `json:"state"`
}

// ListOptions filters and pages GET /jobs.
type ListOptions struct {
	State  State // empty for all
	Limit  int
	Offset int
}

// ListResponse is one page of jobs ordered by submission time.
type ListResponse struct {
	Jobs   []Job `json:"jobs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// CancelResult reports the outcome of a cancel request. Applied is false when
// the job had already reached a terminal state.
type CancelResult struct {
	Job     Job    `json:"job"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"` // CancellationRaceLost when not applied
}
