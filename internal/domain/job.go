package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// Job is one user-requested generation task tracked through the live queue.
// PromptID is assigned by ComfyUI once the job has been accepted and stays
// empty while the job is queued.
type Job struct {
	ID             string    `json:"id"`
	Status         JobStatus `json:"status"`
	PositivePrompt string    `json:"positive_prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	Seed           int64     `json:"seed"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	PromptID       string    `json:"prompt_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryEntry is the durable record of a job's outcome. It outlives the
// queue entry so past results stay renderable after the job is removed.
// Images holds ids into the session image store, not raw bytes.
type HistoryEntry struct {
	JobID          string     `json:"job_id"`
	Status         JobStatus  `json:"status"`
	PositivePrompt string     `json:"positive_prompt"`
	NegativePrompt string     `json:"negative_prompt"`
	Seed           int64      `json:"seed"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	PromptID       string     `json:"prompt_id,omitempty"`
	Images         []string   `json:"images,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}
