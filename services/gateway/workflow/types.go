package workflow

import "time"

// WorkflowStatus is the lifecycle status of an entire workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCanceled  WorkflowStatus = "canceled"
)

// Terminal reports whether the status is an absorbing terminal state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCanceled:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle status of a single stage job.
type JobStatus string

const (
	JobQueued           JobStatus = "queued"
	JobPreparing        JobStatus = "preparing"
	JobRunning          JobStatus = "running"
	JobProcessingStream JobStatus = "processing_stream"
	JobCompleted        JobStatus = "completed"
	JobFailed           JobStatus = "failed"
	JobCanceled         JobStatus = "canceled"
)

// Terminal reports whether the job status is a terminal one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// StageDefinition is one node of a WorkflowDefinition's DAG.
type StageDefinition struct {
	StageName      string
	TaskType       string
	Dependencies   []string
	PayloadTemplate map[string]interface{}
}

// WorkflowDefinition is an immutable, named DAG of stages. Definitions
// are loaded once at startup and never mutated.
type WorkflowDefinition struct {
	Name   string
	Stages []StageDefinition
}

// StageByName returns the stage definition with the given name, if any.
func (d *WorkflowDefinition) StageByName(name string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.StageName == name {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// StageJob is the orchestrator's cached projection of one stage's
// BackgroundJob row.
type StageJob struct {
	JobID             string
	StageName         string
	TaskType          string
	Status            JobStatus
	DependencyJobID   string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ErrorMessage      string
	SubStatusMessage  string
}

// IntermediateData is the free-form, append-only per-stage result
// bucket: each stage writes once under its own stage_name key; later
// stages read-only.
type IntermediateData map[string]interface{}

// Clone returns a shallow copy safe to hand to a reader outside the
// orchestrator's lock.
func (d IntermediateData) Clone() IntermediateData {
	out := make(IntermediateData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// WorkflowState is the authoritative in-memory record for one running
// (or completed) workflow.
type WorkflowState struct {
	WorkflowID       string
	DefinitionName   string
	Status           WorkflowStatus
	SessionID        string
	TaskDescription  string
	ProjectDirectory string
	ExcludedPaths    []string
	TimeoutMs        *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
	Stages           []StageJob
	Intermediate     IntermediateData

	// SkippedStages holds stage_names whose failure was policy-resolved as
	// Skip: the StageJob itself stays Canceled for reporting, but
	// dependents are scheduled as though it had completed, so eligibility
	// checks must consult this set too.
	SkippedStages []string
}

// completedOrSkippedNames is CompletedStageNames widened to also count
// stages the failure policy skipped: dependents are scheduled as if
// those had completed.
func (w *WorkflowState) completedOrSkippedNames() map[string]struct{} {
	out := w.CompletedStageNames()
	for _, s := range w.SkippedStages {
		out[s] = struct{}{}
	}
	return out
}

// Clone returns a deep-enough copy for safe handoff to a caller outside
// the orchestrator's per-workflow lock: the Stages slice and
// Intermediate map are copied, StageJob values are copied by value.
func (w *WorkflowState) Clone() WorkflowState {
	stages := make([]StageJob, len(w.Stages))
	copy(stages, w.Stages)
	return WorkflowState{
		WorkflowID:       w.WorkflowID,
		DefinitionName:   w.DefinitionName,
		Status:           w.Status,
		SessionID:        w.SessionID,
		TaskDescription:  w.TaskDescription,
		ProjectDirectory: w.ProjectDirectory,
		ExcludedPaths:    append([]string(nil), w.ExcludedPaths...),
		TimeoutMs:        w.TimeoutMs,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
		CompletedAt:      w.CompletedAt,
		ErrorMessage:     w.ErrorMessage,
		Stages:           stages,
		Intermediate:     w.Intermediate.Clone(),
		SkippedStages:    append([]string(nil), w.SkippedStages...),
	}
}

// StageJobByID finds a cached StageJob projection by its job id.
func (w *WorkflowState) StageJobByID(jobID string) (*StageJob, int) {
	for i := range w.Stages {
		if w.Stages[i].JobID == jobID {
			return &w.Stages[i], i
		}
	}
	return nil, -1
}

// CompletedStageNames returns the stage_name set of every Completed
// StageJob, used by the scheduling algorithm's eligibility check.
func (w *WorkflowState) CompletedStageNames() map[string]struct{} {
	out := make(map[string]struct{})
	for _, sj := range w.Stages {
		if sj.Status == JobCompleted {
			out[sj.StageName] = struct{}{}
		}
	}
	return out
}

// WorkflowResults is the terminal-only summary returned by
// get_workflow_results.
type WorkflowResults struct {
	SelectedFiles     []string
	IntermediateData  IntermediateData
	TotalDurationMs   int64
	TotalActualCostUSD float64
}
