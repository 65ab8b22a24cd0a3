package workflow

import (
	"fmt"
)

// DecisionKind is the failure handler's verdict for a failed stage.
type DecisionKind string

const (
	DecisionContinueRetry DecisionKind = "continue_retry"
	DecisionSkip          DecisionKind = "skip"
	DecisionAbort         DecisionKind = "abort"
)

// FailureDecision is the outcome of evaluating a stage failure.
type FailureDecision struct {
	Kind         DecisionKind
	SubStatus    string // explanatory message attached on Skip
	AbortMessage string // propagated error_message on Abort
}

// FailureHandler decides how the orchestrator should react to a failed
// stage job.
type FailureHandler interface {
	Decide(state *WorkflowState, failed StageJob) (FailureDecision, error)
}

// DefaultFailureHandler implements a conservative default: retry up to
// maxRetries times per stage_name, then abort the workflow.
type DefaultFailureHandler struct {
	MaxRetries int
}

func NewDefaultFailureHandler(maxRetries int) *DefaultFailureHandler {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &DefaultFailureHandler{MaxRetries: maxRetries}
}

func (h *DefaultFailureHandler) Decide(state *WorkflowState, failed StageJob) (FailureDecision, error) {
	attempts := 0
	for _, sj := range state.Stages {
		if sj.StageName == failed.StageName {
			attempts++
		}
	}
	if attempts <= h.MaxRetries {
		return FailureDecision{Kind: DecisionContinueRetry}, nil
	}
	return FailureDecision{
		Kind:         DecisionAbort,
		AbortMessage: fmt.Sprintf("stage %s failed after %d attempts: %s", failed.StageName, attempts, failed.ErrorMessage),
	}, nil
}
