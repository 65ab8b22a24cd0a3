package jobs

import "time"

// Status mirrors workflow.JobStatus's string values so Dispatcher and
// Orchestrator agree on the wire representation without importing one
// another.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusPreparing        Status = "preparing"
	StatusRunning          Status = "running"
	StatusProcessingStream Status = "processing_stream"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// ErrorAttempt is one bounded entry in a job's retry history.
type ErrorAttempt struct {
	Attempt   int       `json:"attempt"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata is the job's structured, persisted side-channel: retry
// bookkeeping plus an optional workflow tag.
type Metadata struct {
	WorkflowID    string         `json:"workflowId,omitempty"`
	StageName     string         `json:"stageName,omitempty"`
	DependencyJob string         `json:"dependencyJobId,omitempty"`
	AttemptCount  int            `json:"attemptCount,omitempty"`
	ErrorHistory  []ErrorAttempt `json:"errorHistory,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// IsWorkflowTagged reports whether this job belongs to a workflow and
// must therefore forward completions to the Orchestrator instead of
// applying the local retry policy.
func (m Metadata) IsWorkflowTagged() bool {
	return m.WorkflowID != ""
}

// Job is one unit of dispatchable work.
type Job struct {
	ID           string
	TaskType     string
	Payload      map[string]interface{}
	SessionID    string
	ProjectID    string
	Priority     int
	Status       Status
	SubStatus    string
	ErrorMessage string
	Metadata     Metadata
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RunAfter     time.Time
}

// Ready reports whether the job's delay (if any) has elapsed.
func (j Job) Ready(now time.Time) bool {
	return !j.RunAfter.After(now)
}
