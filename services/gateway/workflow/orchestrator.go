package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/AlfredDev/alfred/services/gateway/jobs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type orchestratorError string

func (e orchestratorError) Error() string { return string(e) }

const (
	ErrWorkflowNotFound       = orchestratorError("workflow not found")
	ErrDefinitionNotFound     = orchestratorError("workflow definition not loaded")
	ErrStageJobNotFound       = orchestratorError("stage job not found")
	ErrStageDefinitionMissing = orchestratorError("stage definition missing from workflow definition")
	ErrStageAlreadyFinalized  = orchestratorError("stage already finalized; store_stage_data called too late")
	ErrWorkflowNotTerminal    = orchestratorError("workflow has not reached a terminal status")
	ErrJobNotWorkflowTagged   = orchestratorError("job is not tagged with a workflow")
	ErrLockTimeout            = orchestratorError("workflow lock acquisition timed out")
	ErrValidation             = orchestratorError("invalid workflow definition")
)

// masterStageName tags the one durable job row per workflow that carries
// the fields a WorkflowState needs but no stage job does (task
// description, project directory, excluded paths). Startup recovery
// scans for these anchors.
const masterStageName = "__master__"

// MasterTaskType is the task_type of a workflow's descriptor row. The
// Dispatcher never dequeues it — it is written directly via the
// repository and never enqueued onto the job queue.
const MasterTaskType = "workflow.master"

// JobQueue is the narrow slice of the Job Dispatcher's queue protocol
// the orchestrator needs to schedule stage jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job jobs.Job, priority int) (jobs.Job, error)
}

// JobCanceler requests best-effort cancellation of an in-flight job.
// Implemented by jobs.Dispatcher.
type JobCanceler interface {
	CancelJob(jobID string) bool
}

// CostLookup resolves the actual billed cost of one stage job, keyed by
// job id (== billing request_id for LLM stages). Optional — nil yields
// a zero total_actual_cost.
type CostLookup interface {
	StageCost(ctx context.Context, jobID string) float64
}

// OrchestratorConfig carries this component's tunables.
type OrchestratorConfig struct {
	MaxConcurrentStages int
	LockTimeout         time.Duration
	ShardCount          int
}

type shard struct {
	sem   chan struct{}
	items map[string]*WorkflowState
}

func newShard() *shard {
	s := &shard{sem: make(chan struct{}, 1), items: make(map[string]*WorkflowState)}
	s.sem <- struct{}{}
	return s
}

// lock acquires the shard's binary semaphore, bounded by timeout so a
// stuck holder cannot starve the whole process.
func (s *shard) lock(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-s.sem:
		return nil
	case <-tctx.Done():
		return ErrLockTimeout
	}
}

func (s *shard) unlock() { s.sem <- struct{}{} }

// Orchestrator owns the authoritative in-memory WorkflowState for every
// active workflow, sharded by a hash of workflow_id so unrelated
// workflows contend on a lock only when they hash to the same shard.
type Orchestrator struct {
	shards      []*shard
	definitions map[string]*WorkflowDefinition
	repo        jobs.Repository
	queue       JobQueue
	canceler    JobCanceler
	failure     FailureHandler
	cost        CostLookup
	cfg         OrchestratorConfig
	log         zerolog.Logger
	sink        EventSink

	jobIndexMu sync.RWMutex
	jobIndex   map[string]string // job_id -> workflow_id
}

// SetEventSink attaches the UI event streams. Call before Run traffic
// starts; not synchronized against concurrent orchestrator use.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.sink = sink }

func (o *Orchestrator) emitStatus(evt StatusEvent) {
	if o.sink == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	o.sink.WorkflowStatus(evt)
}

func (o *Orchestrator) emitStage(evt StageEvent) {
	if o.sink == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	o.sink.WorkflowStage(evt)
}

// progressLocked computes the workflow's completion percentage. Caller
// holds the shard lock.
func (o *Orchestrator) progressLocked(state *WorkflowState) int {
	def, ok := o.definitions[state.DefinitionName]
	if !ok || len(def.Stages) == 0 {
		return 0
	}
	done := len(state.completedOrSkippedNames())
	if done > len(def.Stages) {
		done = len(def.Stages)
	}
	return done * 100 / len(def.Stages)
}

// NewOrchestrator validates every supplied definition (unique stage
// names, dependencies reference existing stages, no dependency cycle)
// before constructing the orchestrator.
func NewOrchestrator(
	repo jobs.Repository,
	queue JobQueue,
	canceler JobCanceler,
	failure FailureHandler,
	cost CostLookup,
	defs []WorkflowDefinition,
	cfg OrchestratorConfig,
	log zerolog.Logger,
) (*Orchestrator, error) {
	if cfg.MaxConcurrentStages <= 0 {
		cfg.MaxConcurrentStages = 3
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 32
	}
	if failure == nil {
		failure = NewDefaultFailureHandler(1)
	}

	definitions := make(map[string]*WorkflowDefinition, len(defs))
	for i := range defs {
		def := defs[i]
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		definitions[def.Name] = &def
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard()
	}

	return &Orchestrator{
		shards:      shards,
		definitions: definitions,
		repo:        repo,
		queue:       queue,
		canceler:    canceler,
		failure:     failure,
		cost:        cost,
		cfg:         cfg,
		log:         log.With().Str("component", "workflow.Orchestrator").Logger(),
		jobIndex:    make(map[string]string),
	}, nil
}

func validateDefinition(def WorkflowDefinition) error {
	seen := make(map[string]struct{}, len(def.Stages))
	for _, sd := range def.Stages {
		if _, dup := seen[sd.StageName]; dup {
			return fmt.Errorf("%w: definition %q has duplicate stage %q", ErrValidation, def.Name, sd.StageName)
		}
		seen[sd.StageName] = struct{}{}
	}
	for _, sd := range def.Stages {
		for _, dep := range sd.Dependencies {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: definition %q stage %q depends on unknown stage %q", ErrValidation, def.Name, sd.StageName, dep)
			}
		}
	}
	if cycleName, ok := findCycle(def); ok {
		return fmt.Errorf("%w: definition %q has a dependency cycle at stage %q", ErrValidation, def.Name, cycleName)
	}
	return nil
}

func findCycle(def WorkflowDefinition) (string, bool) {
	byName := make(map[string]StageDefinition, len(def.Stages))
	for _, sd := range def.Stages {
		byName[sd.StageName] = sd
	}
	state := make(map[string]int) // 0 unvisited, 1 visiting, 2 done
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case 1:
			return true
		case 2:
			return false
		}
		state[name] = 1
		for _, dep := range byName[name].Dependencies {
			if visit(dep) {
				return true
			}
		}
		state[name] = 2
		return false
	}
	for _, sd := range def.Stages {
		if visit(sd.StageName) {
			return sd.StageName, true
		}
	}
	return "", false
}

func (o *Orchestrator) shardFor(workflowID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workflowID))
	return o.shards[h.Sum32()%uint32(len(o.shards))]
}

func (o *Orchestrator) indexJob(jobID, workflowID string) {
	o.jobIndexMu.Lock()
	o.jobIndex[jobID] = workflowID
	o.jobIndexMu.Unlock()
}

func (o *Orchestrator) lookupWorkflowID(jobID string) (string, bool) {
	o.jobIndexMu.RLock()
	wf, ok := o.jobIndex[jobID]
	o.jobIndexMu.RUnlock()
	return wf, ok
}

// StartWorkflowParams carries the inputs to StartWorkflow.
type StartWorkflowParams struct {
	WorkflowID       string // optional; generated if empty
	DefinitionName   string
	SessionID        string
	TaskDescription  string
	ProjectDirectory string
	ExcludedPaths    []string
	TimeoutMs        *int64
}

// StartWorkflow loads the
// named definition, puts the workflow in Running, persists a durable
// descriptor row, and schedules the first eligible stages.
func (o *Orchestrator) StartWorkflow(ctx context.Context, p StartWorkflowParams) (string, error) {
	def, ok := o.definitions[p.DefinitionName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, p.DefinitionName)
	}
	if p.TaskDescription == "" {
		return "", fmt.Errorf("%w: task_description must not be empty", ErrValidation)
	}
	if p.ProjectDirectory == "" {
		return "", fmt.Errorf("%w: project_directory must not be empty", ErrValidation)
	}

	workflowID := p.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	now := time.Now().UTC()
	state := &WorkflowState{
		WorkflowID:       workflowID,
		DefinitionName:   def.Name,
		Status:           WorkflowRunning,
		SessionID:        p.SessionID,
		TaskDescription:  p.TaskDescription,
		ProjectDirectory: p.ProjectDirectory,
		ExcludedPaths:    append([]string(nil), p.ExcludedPaths...),
		TimeoutMs:        p.TimeoutMs,
		CreatedAt:        now,
		UpdatedAt:        now,
		Intermediate:     IntermediateData{},
	}

	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return "", err
	}
	sh.items[workflowID] = state
	sh.unlock()

	if err := o.persistMaster(ctx, state); err != nil {
		o.log.Error().Err(err).Str("workflow_id", workflowID).Msg("persist workflow descriptor failed")
	}
	o.indexJob(workflowID, workflowID)
	o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowRunning, Message: "workflow started"})

	if err := o.scheduleEligible(ctx, workflowID); err != nil {
		return workflowID, err
	}
	return workflowID, nil
}

type masterPayload struct {
	DefinitionName   string   `json:"definition_name"`
	SessionID        string   `json:"session_id"`
	TaskDescription  string   `json:"task_description"`
	ProjectDirectory string   `json:"project_directory"`
	ExcludedPaths    []string `json:"excluded_paths"`
	TimeoutMs        *int64   `json:"timeout_ms,omitempty"`
}

func (o *Orchestrator) persistMaster(ctx context.Context, state *WorkflowState) error {
	payload, err := toPayloadMap(masterPayload{
		DefinitionName:   state.DefinitionName,
		SessionID:        state.SessionID,
		TaskDescription:  state.TaskDescription,
		ProjectDirectory: state.ProjectDirectory,
		ExcludedPaths:    state.ExcludedPaths,
		TimeoutMs:        state.TimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("marshal master payload: %w", err)
	}
	job := jobs.Job{
		ID:        state.WorkflowID,
		TaskType:  MasterTaskType,
		Payload:   payload,
		SessionID: state.SessionID,
		ProjectID: state.ProjectDirectory,
		Status:    jobs.Status(state.Status),
		Metadata:  jobs.Metadata{WorkflowID: state.WorkflowID, StageName: masterStageName},
		CreatedAt: state.CreatedAt,
	}
	_, err = o.repo.Create(ctx, job)
	return err
}

func (o *Orchestrator) syncMasterStatus(ctx context.Context, workflowID string, status WorkflowStatus) {
	if err := o.repo.UpdateStatus(ctx, workflowID, jobs.Status(status), ""); err != nil {
		o.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("sync workflow descriptor status failed")
	}
}

func toPayloadMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromPayloadMap(m map[string]interface{}, v interface{}) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// scheduleEligible computes which stages are
// newly eligible under the current concurrency cap, reserves their slot
// in the workflow's stage list under a short lock, then performs the
// (I/O-bound) enqueue calls outside the lock; it is never held
// across I/O.
func (o *Orchestrator) scheduleEligible(ctx context.Context, workflowID string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if state.Status != WorkflowRunning {
		sh.unlock()
		return nil
	}
	def, ok := o.definitions[state.DefinitionName]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, state.DefinitionName)
	}

	eligible := state.completedOrSkippedNames()
	running := 0
	scheduled := make(map[string]struct{}, len(state.Stages))
	for _, sj := range state.Stages {
		if !sj.Status.Terminal() {
			running++
		}
		scheduled[sj.StageName] = struct{}{}
	}

	var toStart []StageDefinition
	for _, sd := range def.Stages {
		if running+len(toStart) >= o.cfg.MaxConcurrentStages {
			break
		}
		if _, already := scheduled[sd.StageName]; already {
			continue
		}
		if stageEligible(sd, eligible) {
			toStart = append(toStart, sd)
		}
	}

	placeholders := make([]int, len(toStart))
	for i, sd := range toStart {
		state.Stages = append(state.Stages, StageJob{
			StageName: sd.StageName,
			TaskType:  sd.TaskType,
			Status:    JobQueued,
			CreatedAt: time.Now().UTC(),
		})
		placeholders[i] = len(state.Stages) - 1
	}
	if len(toStart) > 0 {
		state.UpdatedAt = time.Now().UTC()
	}
	sh.unlock()

	for i, sd := range toStart {
		o.dispatchStage(ctx, workflowID, sd, placeholders[i], state.SessionID, state.ProjectDirectory, "")
	}
	return nil
}

// stageEligible reports whether every dependency has completed.
func stageEligible(sd StageDefinition, completed map[string]struct{}) bool {
	for _, dep := range sd.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// dispatchStage creates and enqueues the background job for one stage,
// then reattaches the resulting job id to the reserved StageJob slot.
func (o *Orchestrator) dispatchStage(ctx context.Context, workflowID string, sd StageDefinition, idx int, sessionID, projectID, dependencyJobID string) {
	job := jobs.Job{
		TaskType:  sd.TaskType,
		Payload:   clonePayload(sd.PayloadTemplate),
		SessionID: sessionID,
		ProjectID: projectID,
		Metadata: jobs.Metadata{
			WorkflowID:    workflowID,
			StageName:     sd.StageName,
			DependencyJob: dependencyJobID,
		},
	}
	created, err := o.queue.Enqueue(ctx, job, 0)

	sh := o.shardFor(workflowID)
	if lerr := sh.lock(ctx, o.cfg.LockTimeout); lerr != nil {
		o.log.Error().Err(lerr).Str("workflow_id", workflowID).Msg("lock workflow to record dispatch outcome")
		return
	}
	defer sh.unlock()
	state, ok := sh.items[workflowID]
	if !ok || idx >= len(state.Stages) {
		return
	}
	if err != nil {
		state.Stages[idx].Status = JobFailed
		state.Stages[idx].ErrorMessage = fmt.Sprintf("enqueue stage job: %v", err)
		o.log.Error().Err(err).Str("workflow_id", workflowID).Str("stage", sd.StageName).Msg("enqueue stage job failed")
		return
	}
	state.Stages[idx].JobID = created.ID
	state.UpdatedAt = time.Now().UTC()
	progress := o.progressLocked(state)
	o.indexJob(created.ID, workflowID)
	o.emitStage(StageEvent{
		WorkflowID:         workflowID,
		JobID:              created.ID,
		StageName:          sd.StageName,
		Status:             JobQueued,
		ProgressPercentage: progress,
	})
}

func clonePayload(template map[string]interface{}) map[string]interface{} {
	if template == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		out[k] = v
	}
	return out
}

// UpdateJobStatus routes a stage job transition: the
// Dispatcher calls this on every job transition that matters. The
// workflow is resolved from the job's persisted metadata if it is not
// yet in the in-process index (covers a job created by a previous
// process instance).
func (o *Orchestrator) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	workflowID, ok := o.lookupWorkflowID(jobID)
	if !ok {
		j, err := o.repo.GetByID(ctx, jobID)
		if err != nil {
			return fmt.Errorf("resolve workflow for job %s: %w", jobID, err)
		}
		if j.Metadata.WorkflowID == "" {
			return ErrJobNotWorkflowTagged
		}
		workflowID = j.Metadata.WorkflowID
		o.indexJob(jobID, workflowID)
	}

	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		if _, err := o.GetWorkflowStatus(ctx, workflowID); err != nil {
			return err
		}
		return o.UpdateJobStatus(ctx, jobID, status, errMsg)
	}

	sj, idx := state.StageJobByID(jobID)
	if sj == nil {
		sh.unlock()
		return ErrStageJobNotFound
	}
	if state.Status.Terminal() {
		// Workflow already reached a terminal status (e.g. canceled while
		// this stage was mid-call): the outcome is recorded but no
		// dependents are scheduled.
		state.Stages[idx].Status = status
		state.Stages[idx].ErrorMessage = errMsg
		sh.unlock()
		return nil
	}

	now := time.Now().UTC()
	if status == JobRunning && state.Stages[idx].StartedAt == nil {
		state.Stages[idx].StartedAt = &now
	}
	if status.Terminal() {
		state.Stages[idx].CompletedAt = &now
	}
	state.Stages[idx].Status = status
	state.Stages[idx].ErrorMessage = errMsg
	state.UpdatedAt = now
	failedStage := state.Stages[idx]
	progress := o.progressLocked(state)
	sh.unlock()

	o.emitStage(StageEvent{
		WorkflowID:         workflowID,
		JobID:              jobID,
		StageName:          failedStage.StageName,
		Status:             status,
		ProgressPercentage: progress,
		ErrorMessage:       errMsg,
		SubStatusMessage:   failedStage.SubStatusMessage,
	})

	switch status {
	case JobFailed:
		return o.handleStageFailure(ctx, workflowID, failedStage)
	case JobCompleted, JobCanceled:
		return o.scheduleOrComplete(ctx, workflowID)
	default:
		return nil
	}
}

// scheduleOrComplete marks the workflow Completed when every defined
// stage has reached Completed or policy-Skipped status, else schedules
// the next wave of eligible stages.
func (o *Orchestrator) scheduleOrComplete(ctx context.Context, workflowID string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if state.Status != WorkflowRunning {
		sh.unlock()
		return nil
	}
	def, ok := o.definitions[state.DefinitionName]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, state.DefinitionName)
	}

	done := state.completedOrSkippedNames()
	allDone := true
	for _, sd := range def.Stages {
		if _, ok := done[sd.StageName]; !ok {
			allDone = false
			break
		}
	}
	if allDone {
		now := time.Now().UTC()
		state.Status = WorkflowCompleted
		state.CompletedAt = &now
		state.UpdatedAt = now
		sh.unlock()
		o.syncMasterStatus(ctx, workflowID, WorkflowCompleted)
		o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowCompleted, ProgressPercentage: 100, Message: "all stages completed"})
		return nil
	}
	sh.unlock()
	return o.scheduleEligible(ctx, workflowID)
}

// handleStageFailure delegates to the
// pluggable FailureHandler and act on its verdict.
func (o *Orchestrator) handleStageFailure(ctx context.Context, workflowID string, failed StageJob) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	snapshot := state.Clone()
	sh.unlock()

	decision, err := o.failure.Decide(&snapshot, failed)
	if err != nil {
		return o.failWorkflow(ctx, workflowID, fmt.Sprintf("failure handler error: %v", err))
	}

	switch decision.Kind {
	case DecisionAbort:
		return o.failWorkflow(ctx, workflowID, decision.AbortMessage)

	case DecisionSkip:
		if lerr := sh.lock(ctx, o.cfg.LockTimeout); lerr != nil {
			return lerr
		}
		if st, ok := sh.items[workflowID]; ok {
			st.SkippedStages = append(st.SkippedStages, failed.StageName)
			if sj, idx := st.StageJobByID(failed.JobID); sj != nil {
				st.Stages[idx].Status = JobCanceled
				st.Stages[idx].SubStatusMessage = decision.SubStatus
			}
			st.UpdatedAt = time.Now().UTC()
		}
		sh.unlock()
		return o.scheduleOrComplete(ctx, workflowID)

	case DecisionContinueRetry:
		_, err := o.RetryWorkflowStage(ctx, workflowID, failed.JobID)
		return err

	default:
		return o.failWorkflow(ctx, workflowID, "unknown failure handler decision")
	}
}

func (o *Orchestrator) failWorkflow(ctx context.Context, workflowID, reason string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if state.Status.Terminal() {
		sh.unlock()
		return nil
	}
	now := time.Now().UTC()
	state.Status = WorkflowFailed
	state.ErrorMessage = reason
	state.CompletedAt = &now
	state.UpdatedAt = now
	progress := o.progressLocked(state)
	sh.unlock()
	o.syncMasterStatus(ctx, workflowID, WorkflowFailed)
	o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowFailed, ProgressPercentage: progress, Message: reason})
	return nil
}

// CancelWorkflow is idempotent
// on an already-terminal workflow, and requests cancellation of every
// non-terminal stage job.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if state.Status.Terminal() {
		sh.unlock()
		return nil
	}
	now := time.Now().UTC()
	state.Status = WorkflowCanceled
	if reason != "" {
		state.ErrorMessage = reason
	}
	state.CompletedAt = &now
	state.UpdatedAt = now

	var toCancel []string
	for _, sj := range state.Stages {
		if !sj.Status.Terminal() && sj.JobID != "" {
			toCancel = append(toCancel, sj.JobID)
		}
	}
	progress := o.progressLocked(state)
	sh.unlock()

	o.syncMasterStatus(ctx, workflowID, WorkflowCanceled)
	o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowCanceled, ProgressPercentage: progress, Message: reason})
	for _, jobID := range toCancel {
		if o.canceler != nil {
			o.canceler.CancelJob(jobID)
		}
		if err := o.repo.UpdateStatus(ctx, jobID, jobs.StatusCanceled, "workflow canceled"); err != nil {
			o.log.Warn().Err(err).Str("job_id", jobID).Msg("mark stage job canceled on workflow cancel")
		}
	}
	return nil
}

// PauseWorkflow stops future stage scheduling until resume.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, workflowID string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	defer sh.unlock()
	state, ok := sh.items[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if state.Status == WorkflowRunning {
		state.Status = WorkflowPaused
		state.UpdatedAt = time.Now().UTC()
		o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowPaused, ProgressPercentage: o.progressLocked(state)})
	}
	return nil
}

// ResumeWorkflow re-evaluates eligible stages once back in Running.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, workflowID string) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	wasPaused := state.Status == WorkflowPaused
	var progress int
	if wasPaused {
		state.Status = WorkflowRunning
		state.UpdatedAt = time.Now().UTC()
		progress = o.progressLocked(state)
	}
	sh.unlock()
	if wasPaused {
		o.emitStatus(StatusEvent{WorkflowID: workflowID, Status: WorkflowRunning, ProgressPercentage: progress, Message: "workflow resumed"})
		return o.scheduleEligible(ctx, workflowID)
	}
	return nil
}

// StoreStageData writes a stage's result into the workflow's
// IntermediateData. It must be called before, or atomically with,
// the stage's Completed transition. A write after the stage already
// shows Completed is rejected since dependents may already have been
// scheduled off the old (absent) data.
func (o *Orchestrator) StoreStageData(ctx context.Context, workflowID, jobID string, value interface{}) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	defer sh.unlock()
	state, ok := sh.items[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	sj, _ := state.StageJobByID(jobID)
	if sj == nil {
		return ErrStageJobNotFound
	}
	if sj.Status == JobCompleted {
		return ErrStageAlreadyFinalized
	}
	state.Intermediate[sj.StageName] = value
	state.UpdatedAt = time.Now().UTC()
	return nil
}

// RetryWorkflowStage creates a fresh stage job from the same
// StageDefinition, linked to the
// failed job by dependency, and re-queues it.
func (o *Orchestrator) RetryWorkflowStage(ctx context.Context, workflowID, failedJobID string) (string, error) {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return "", err
	}
	state, ok := sh.items[workflowID]
	if !ok {
		sh.unlock()
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	sj, _ := state.StageJobByID(failedJobID)
	if sj == nil {
		sh.unlock()
		return "", ErrStageJobNotFound
	}
	def, ok := o.definitions[state.DefinitionName]
	if !ok {
		sh.unlock()
		return "", fmt.Errorf("%w: %s", ErrDefinitionNotFound, state.DefinitionName)
	}
	sd, ok := def.StageByName(sj.StageName)
	if !ok {
		sh.unlock()
		return "", ErrStageDefinitionMissing
	}
	sessionID, projectDir := state.SessionID, state.ProjectDirectory

	state.Stages = append(state.Stages, StageJob{
		StageName:       sd.StageName,
		TaskType:        sd.TaskType,
		Status:          JobQueued,
		DependencyJobID: failedJobID,
		CreatedAt:       time.Now().UTC(),
	})
	idx := len(state.Stages) - 1
	state.UpdatedAt = time.Now().UTC()
	sh.unlock()

	o.dispatchStage(ctx, workflowID, sd, idx, sessionID, projectDir, failedJobID)

	sh2 := o.shardFor(workflowID)
	if lerr := sh2.lock(ctx, o.cfg.LockTimeout); lerr != nil {
		return "", lerr
	}
	defer sh2.unlock()
	st, ok := sh2.items[workflowID]
	if !ok || idx >= len(st.Stages) {
		return "", ErrStageJobNotFound
	}
	if st.Stages[idx].JobID == "" {
		return "", fmt.Errorf("retry stage %s: %s", sd.StageName, st.Stages[idx].ErrorMessage)
	}
	return st.Stages[idx].JobID, nil
}

// GetWorkflowStatus returns a snapshot of the workflow, triggering
// lazy orphan recovery first.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (WorkflowState, error) {
	changed, err := o.lazyRecover(ctx, workflowID)
	if err != nil {
		o.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("lazy orphan recovery failed")
	}
	if changed {
		if err := o.scheduleOrComplete(ctx, workflowID); err != nil {
			o.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("post-recovery scheduling failed")
		}
	}

	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return WorkflowState{}, err
	}
	defer sh.unlock()
	state, ok := sh.items[workflowID]
	if !ok {
		return WorkflowState{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return state.Clone(), nil
}

// lazyRecover queries persisted jobs tagged with this workflow_id and reattach any missing
// from the in-memory projection, preserving persisted status and
// timestamps verbatim.
func (o *Orchestrator) lazyRecover(ctx context.Context, workflowID string) (bool, error) {
	persisted, err := o.repo.GetByMetadataField(ctx, "workflowId", workflowID)
	if err != nil {
		return false, fmt.Errorf("list persisted jobs for workflow %s: %w", workflowID, err)
	}
	if len(persisted) == 0 {
		return false, nil
	}

	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer sh.unlock()
	state, ok := sh.items[workflowID]
	if !ok {
		return false, nil
	}

	existing := make(map[string]struct{}, len(state.Stages))
	for _, sj := range state.Stages {
		existing[sj.JobID] = struct{}{}
	}
	changed := false
	for _, j := range persisted {
		if j.Metadata.StageName == masterStageName {
			continue
		}
		if _, ok := existing[j.ID]; ok {
			continue
		}
		state.Stages = append(state.Stages, jobToStageJob(j))
		o.indexJob(j.ID, workflowID)
		changed = true
	}
	if changed {
		state.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func jobToStageJob(j jobs.Job) StageJob {
	return StageJob{
		JobID:            j.ID,
		StageName:        j.Metadata.StageName,
		TaskType:         j.TaskType,
		Status:           JobStatus(j.Status),
		DependencyJobID:  j.Metadata.DependencyJob,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
		ErrorMessage:     j.ErrorMessage,
		SubStatusMessage: j.SubStatus,
	}
}

// RecoverOrphans runs once at startup: it scans
// every persisted workflow descriptor row and reconstructs its
// WorkflowState for any workflow absent from the (freshly started)
// in-memory map, then lazily reattaches its stage jobs and drives
// scheduling for any that turn out already Completed.
func (o *Orchestrator) RecoverOrphans(ctx context.Context) error {
	masters, err := o.repo.GetByMetadataField(ctx, "stageName", masterStageName)
	if err != nil {
		return fmt.Errorf("list workflow descriptors: %w", err)
	}
	for _, m := range masters {
		workflowID := m.Metadata.WorkflowID
		if workflowID == "" {
			continue
		}
		if err := o.attachOrphan(ctx, workflowID, m); err != nil {
			o.log.Error().Err(err).Str("workflow_id", workflowID).Msg("recover orphan workflow failed")
		}
	}
	return nil
}

func (o *Orchestrator) attachOrphan(ctx context.Context, workflowID string, m jobs.Job) error {
	sh := o.shardFor(workflowID)
	if err := sh.lock(ctx, o.cfg.LockTimeout); err != nil {
		return err
	}
	if _, exists := sh.items[workflowID]; exists {
		sh.unlock()
		return nil
	}
	state, err := o.reconstructFromMaster(m)
	if err != nil {
		sh.unlock()
		return err
	}
	sh.items[workflowID] = state
	sh.unlock()
	o.indexJob(m.ID, workflowID)

	if _, err := o.lazyRecover(ctx, workflowID); err != nil {
		return err
	}
	if state.Status == WorkflowRunning {
		return o.scheduleOrComplete(ctx, workflowID)
	}
	return nil
}

func (o *Orchestrator) reconstructFromMaster(m jobs.Job) (*WorkflowState, error) {
	var p masterPayload
	if err := fromPayloadMap(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode workflow descriptor payload: %w", err)
	}
	def, ok := o.definitions[p.DefinitionName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, p.DefinitionName)
	}
	return &WorkflowState{
		WorkflowID:       m.ID,
		DefinitionName:   def.Name,
		Status:           WorkflowStatus(m.Status),
		SessionID:        p.SessionID,
		TaskDescription:  p.TaskDescription,
		ProjectDirectory: p.ProjectDirectory,
		ExcludedPaths:    p.ExcludedPaths,
		TimeoutMs:        p.TimeoutMs,
		ErrorMessage:     m.ErrorMessage,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.CreatedAt,
		CompletedAt:      m.CompletedAt,
		Intermediate:     IntermediateData{},
	}, nil
}

// GetWorkflowResults summarizes a terminal workflow. A Canceled
// workflow returns the partial data accumulated so far rather than
// refusing, since the UI shows partial progress for canceled runs.
func (o *Orchestrator) GetWorkflowResults(ctx context.Context, workflowID string) (WorkflowResults, error) {
	state, err := o.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return WorkflowResults{}, err
	}
	if !state.Status.Terminal() {
		return WorkflowResults{}, ErrWorkflowNotTerminal
	}

	var durationMs int64
	if state.CompletedAt != nil {
		durationMs = state.CompletedAt.Sub(state.CreatedAt).Milliseconds()
	}

	var totalCost float64
	if o.cost != nil {
		for _, sj := range state.Stages {
			if sj.Status == JobCompleted && sj.JobID != "" {
				totalCost += o.cost.StageCost(ctx, sj.JobID)
			}
		}
	}

	return WorkflowResults{
		SelectedFiles:      extractSelectedFiles(state.Intermediate),
		IntermediateData:   state.Intermediate,
		TotalDurationMs:    durationMs,
		TotalActualCostUSD: totalCost,
	}, nil
}

// extractSelectedFiles scans every stage's IntermediateData for a
// conventional "selected_files" field (the out-of-scope file-finder
// stage processor's output shape).
func extractSelectedFiles(data IntermediateData) []string {
	for _, v := range data {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := m["selected_files"]
		if !ok {
			continue
		}
		arr, ok := raw.([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
