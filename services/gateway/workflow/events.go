package workflow

import (
	"time"

	"github.com/rs/zerolog"
)

// StatusEvent is one workflow-level progress event for the UI stream.
type StatusEvent struct {
	WorkflowID         string         `json:"workflow_id"`
	Status             WorkflowStatus `json:"status"`
	ProgressPercentage int            `json:"progress_percentage"`
	CurrentStage       string         `json:"current_stage,omitempty"`
	Message            string         `json:"message,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// StageEvent is one per-stage progress event for the UI stream.
type StageEvent struct {
	WorkflowID         string    `json:"workflow_id"`
	JobID              string    `json:"job_id"`
	StageName          string    `json:"stage_name"`
	Status             JobStatus `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	SubStatusMessage   string    `json:"sub_status_message,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// EventSink receives the two workflow event streams. Implementations
// must not block: the orchestrator calls these inline on its own
// goroutines.
type EventSink interface {
	WorkflowStatus(evt StatusEvent)
	WorkflowStage(evt StageEvent)
}

// LogEventSink writes both event streams to the structured log, the
// default when no UI bridge is connected.
type LogEventSink struct {
	log zerolog.Logger
}

func NewLogEventSink(log zerolog.Logger) *LogEventSink {
	return &LogEventSink{log: log.With().Str("component", "workflow.events").Logger()}
}

func (s *LogEventSink) WorkflowStatus(evt StatusEvent) {
	s.log.Info().
		Str("workflow_id", evt.WorkflowID).
		Str("status", string(evt.Status)).
		Int("progress", evt.ProgressPercentage).
		Str("current_stage", evt.CurrentStage).
		Str("message", evt.Message).
		Msg("workflow status")
}

func (s *LogEventSink) WorkflowStage(evt StageEvent) {
	s.log.Info().
		Str("workflow_id", evt.WorkflowID).
		Str("job_id", evt.JobID).
		Str("stage", evt.StageName).
		Str("status", string(evt.Status)).
		Int("progress", evt.ProgressPercentage).
		Str("error", evt.ErrorMessage).
		Msg("workflow stage")
}
