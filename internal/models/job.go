package models

import "time"

// JobState represents the lifecycle state of a fetch job
type JobState string

const (
	StatePending  JobState = "pending"
	StateRunning  JobState = "running"
	StateMerging  JobState = "merging"
	StateFinished JobState = "finished"
	StateFailed   JobState = "failed"
)

// Terminal reports whether no further transition may leave the state
func (s JobState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// SelectorLink requests direct-link resolution instead of a download
const SelectorLink = "link"

// Job represents one media fetch request in the system
type Job struct {
	ID          string    `json:"id"`
	State       JobState  `json:"state"`
	Progress    float64   `json:"progress"`
	ArtifactID  string    `json:"artifact_id,omitempty"`
	DirectURL   string    `json:"direct_url,omitempty"`
	ErrorDetail string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubmitRequest represents the body of POST /jobs
type SubmitRequest struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// StatusResponse is the poll view of a job returned by GET /jobs/{jobID}
type StatusResponse struct {
	ID          string   `json:"id"`
	State       JobState `json:"state"`
	Progress    float64  `json:"progress"`
	ArtifactURL string   `json:"artifact_url,omitempty"`
	DirectURL   string   `json:"direct_url,omitempty"`
	Error       string   `json:"error,omitempty"`
}
