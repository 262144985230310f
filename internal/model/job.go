package model

import "time"

// JobStatus is the lifecycle status of a persisted generation job.
// It mirrors the status vocabulary reported by the remote worker.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive reports whether a job in this status is still worth tracking
// after a restart.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// JobType classifies the kind of generation work a job performs.
type JobType string

const (
	JobTypeBaseImage  JobType = "base_image"
	JobTypeVariation  JobType = "variation"
	JobTypeUpscale    JobType = "upscale"
	JobTypeCharacter  JobType = "character"
	JobTypeBackground JobType = "background"
)

// JobState is the durable snapshot of a job's progress, stored as JSON in
// Redis under {keyPrefix}{PromptID}. It is written by whichever process last
// observed a status change; there is no cross-instance locking, so the last
// writer wins.
type JobState struct {
	PromptID    string    `json:"promptId"`
	Type        JobType   `json:"type"`
	UserID      string    `json:"userId"`
	CharacterID string    `json:"characterId,omitempty"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	StartedAt   int64     `json:"startedAt"` // epoch milliseconds
	ClientID    string    `json:"clientId,omitempty"`
	ServerURL   string    `json:"serverUrl"`
	Error       string    `json:"error,omitempty"`
}

// Age returns how long ago the job started, relative to now.
func (j *JobState) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(j.StartedAt))
}

// JobStateUpdate carries a partial update to a persisted JobState. Nil fields
// are left untouched.
type JobStateUpdate struct {
	Status   *JobStatus
	Progress *int
	ClientID *string
	Error    *string
}

// PendingJob is the in-memory descriptor the runner keeps per in-flight job.
// It mirrors a subset of JobState for fast local lookups; it is rebuilt from
// recovery on startup and pruned by age-based cleanup independent of the
// durable TTL.
type PendingJob struct {
	PromptID   string
	Type       JobType
	WorkflowID string
	StartedAt  time.Time
}

// RunnerStatus is the three-state contract the runner exposes to callers,
// collapsing the worker's four-state vocabulary.
type RunnerStatus string

const (
	RunnerStatusInQueue    RunnerStatus = "IN_QUEUE"
	RunnerStatusInProgress RunnerStatus = "IN_PROGRESS"
	RunnerStatusCompleted  RunnerStatus = "COMPLETED"
	RunnerStatusFailed     RunnerStatus = "FAILED"
)

// JobOutcome is the result of a status poll against the runner.
type JobOutcome struct {
	PromptID string       `json:"promptId"`
	Status   RunnerStatus `json:"status"`
	Progress int          `json:"progress,omitempty"`
	Images   []string     `json:"images,omitempty"`
	Error    string       `json:"error,omitempty"`
}
