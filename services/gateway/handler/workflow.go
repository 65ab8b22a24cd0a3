package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/gateway/workflow"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WorkflowHandler exposes the orchestrator's operations over REST.
type WorkflowHandler struct {
	orch     *workflow.Orchestrator
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewWorkflowHandler(orch *workflow.Orchestrator, logger zerolog.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		orch:     orch,
		validate: validator.New(),
		logger:   logger.With().Str("handler", "workflow").Logger(),
	}
}

// StartWorkflowRequest is the POST /v1/workflows body.
type StartWorkflowRequest struct {
	DefinitionName   string   `json:"definition_name" validate:"required"`
	SessionID        string   `json:"session_id"`
	TaskDescription  string   `json:"task_description" validate:"required"`
	ProjectDirectory string   `json:"project_directory" validate:"required"`
	ExcludedPaths    []string `json:"excluded_paths"`
	TimeoutMs        *int64   `json:"timeout_ms,omitempty" validate:"omitempty,gt=0"`
}

// Start handles POST /v1/workflows.
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request JSON"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	workflowID, err := h.orch.StartWorkflow(r.Context(), workflow.StartWorkflowParams{
		DefinitionName:   req.DefinitionName,
		SessionID:        req.SessionID,
		TaskDescription:  req.TaskDescription,
		ProjectDirectory: req.ProjectDirectory,
		ExcludedPaths:    req.ExcludedPaths,
		TimeoutMs:        req.TimeoutMs,
	})
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	h.logger.Info().Str("workflow_id", workflowID).Str("definition", req.DefinitionName).Msg("workflow started")
	writeJSON(w, http.StatusCreated, map[string]string{"workflow_id": workflowID})
}

// Status handles GET /v1/workflows/{id}.
func (h *WorkflowHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := h.orch.GetWorkflowStatus(r.Context(), id)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(state))
}

// Results handles GET /v1/workflows/{id}/results.
func (h *WorkflowHandler) Results(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := h.orch.GetWorkflowResults(r.Context(), id)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"selected_files":    results.SelectedFiles,
		"intermediate_data": results.IntermediateData,
		"total_duration_ms": results.TotalDurationMs,
		"total_actual_cost": results.TotalActualCostUSD,
	})
}

// Cancel handles POST /v1/workflows/{id}/cancel.
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := h.orch.CancelWorkflow(r.Context(), id, body.Reason); err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "canceled"})
}

// Pause handles POST /v1/workflows/{id}/pause.
func (h *WorkflowHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.PauseWorkflow(r.Context(), id); err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "paused"})
}

// Resume handles POST /v1/workflows/{id}/resume.
func (h *WorkflowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.ResumeWorkflow(r.Context(), id); err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "running"})
}

// RetryStageRequest is the POST /v1/workflows/{id}/retry body.
type RetryStageRequest struct {
	FailedStageJobID string `json:"failed_stage_job_id" validate:"required"`
}

// RetryStage handles POST /v1/workflows/{id}/retry.
func (h *WorkflowHandler) RetryStage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RetryStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request JSON"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	newJobID, err := h.orch.RetryWorkflowStage(r.Context(), id, req.FailedStageJobID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "new_job_id": newJobID})
}

func (h *WorkflowHandler) writeWorkflowError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrStageJobNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrWorkflowNotTerminal):
		status = http.StatusBadRequest
	case errors.Is(err, workflow.ErrLockTimeout):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// stateResponse projects a WorkflowState onto the wire shape without
// leaking internals like the skipped-stage bookkeeping.
func stateResponse(state workflow.WorkflowState) map[string]interface{} {
	stages := make([]map[string]interface{}, 0, len(state.Stages))
	for _, sj := range state.Stages {
		s := map[string]interface{}{
			"job_id":     sj.JobID,
			"stage_name": sj.StageName,
			"task_type":  sj.TaskType,
			"status":     sj.Status,
			"created_at": sj.CreatedAt,
		}
		if sj.StartedAt != nil {
			s["started_at"] = sj.StartedAt
		}
		if sj.CompletedAt != nil {
			s["completed_at"] = sj.CompletedAt
		}
		if sj.ErrorMessage != "" {
			s["error_message"] = sj.ErrorMessage
		}
		if sj.SubStatusMessage != "" {
			s["sub_status_message"] = sj.SubStatusMessage
		}
		stages = append(stages, s)
	}

	resp := map[string]interface{}{
		"workflow_id":     state.WorkflowID,
		"definition_name": state.DefinitionName,
		"status":          state.Status,
		"session_id":      state.SessionID,
		"created_at":      state.CreatedAt,
		"updated_at":      state.UpdatedAt,
		"stages":          stages,
	}
	if state.CompletedAt != nil {
		resp["completed_at"] = state.CompletedAt
	}
	if state.ErrorMessage != "" {
		resp["error_message"] = state.ErrorMessage
	}
	return resp
}
