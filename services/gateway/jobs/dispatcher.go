package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Processor executes one job of a given task_type. Implementations live
// outside this package; the Dispatcher only resolves and invokes them.
type Processor interface {
	Process(ctx context.Context, job Job) (Result, error)
}

// Result is what a Processor hands back on success.
type Result struct {
	Response     map[string]interface{}
	TokensInput  int64
	TokensOutput int64

	// StageData, when non-nil on a workflow-tagged job, is stored into
	// the workflow's IntermediateData before the Completed transition is
	// reported.
	StageData interface{}
}

// WorkflowNotifier is the Orchestrator-facing surface the Dispatcher
// calls for workflow-tagged jobs. Wired in main with a
// thin adapter to avoid a package cycle.
type WorkflowNotifier interface {
	UpdateJobStatus(ctx context.Context, jobID string, status Status, errMsg string) error
	StoreStageData(ctx context.Context, workflowID, jobID string, value interface{}) error
}

// CancelledJobCost is the report sent to billing when a job that
// accumulated non-zero cost ends up permanently failed or canceled
//: the upstream already billed for partial work.
type CancelledJobCost struct {
	RequestID    string
	FinalCost    float64
	TokensInput  int64
	TokensOutput int64
	ServiceName  string
}

// CostReporter resolves and reports job costs against the billing
// engine.
type CostReporter interface {
	StageCost(ctx context.Context, jobID string) float64
	ReportCancelledJobCost(ctx context.Context, rep CancelledJobCost) error
}

// Event is one dispatcher status event.
type Event struct {
	JobID        string
	TaskType     string
	Status       Status
	ErrorMessage string
	ActualCost   float64
	Timestamp    time.Time
}

// EventSink receives dispatcher events. Nil-safe at every call site.
type EventSink interface {
	JobEvent(evt Event)
}

// DispatcherConfig carries this component's tunables.
type DispatcherConfig struct {
	JobTimeout      time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxErrorHistory int
}

// Dispatcher runs one unit of work per queue permit: dequeue, resolve a
// processor, execute under a hard deadline, classify the outcome, and
// forward workflow-tagged completions to the Orchestrator.
type Dispatcher struct {
	queue    Queue
	repo     Repository
	notifier WorkflowNotifier
	cost     CostReporter
	sink     EventSink
	cfg      DispatcherConfig
	log      zerolog.Logger

	procMu     sync.RWMutex
	processors map[string]Processor

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	cancelMu  sync.Mutex
	cancels   map[string]context.CancelFunc
	requested map[string]string // job_id -> cancel reason

	wg sync.WaitGroup
}

func NewDispatcher(
	queue Queue,
	repo Repository,
	notifier WorkflowNotifier,
	cost CostReporter,
	sink EventSink,
	cfg DispatcherConfig,
	log zerolog.Logger,
) *Dispatcher {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.MaxErrorHistory <= 0 {
		cfg.MaxErrorHistory = 5
	}
	return &Dispatcher{
		queue:      queue,
		repo:       repo,
		notifier:   notifier,
		cost:       cost,
		sink:       sink,
		cfg:        cfg,
		log:        log.With().Str("component", "jobs.Dispatcher").Logger(),
		processors: make(map[string]Processor),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		cancels:    make(map[string]context.CancelFunc),
		requested:  make(map[string]string),
	}
}

// Register binds a Processor to a task_type.
func (d *Dispatcher) Register(taskType string, p Processor) {
	d.procMu.Lock()
	d.processors[taskType] = p
	d.procMu.Unlock()
}

func (d *Dispatcher) resolve(taskType string) (Processor, bool) {
	d.procMu.RLock()
	p, ok := d.processors[taskType]
	d.procMu.RUnlock()
	return p, ok
}

// breaker returns the per-task_type circuit breaker, so a consistently
// failing upstream stops being hammered hot by retries.
func (d *Dispatcher) breaker(taskType string) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok := d.breakers[taskType]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[taskType] = cb
	return cb
}

// Run drives the dequeue loop until ctx is canceled. Each dequeued job
// executes on its own goroutine while holding the queue's concurrency
// permit.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error().Err(err).Msg("dequeue failed")
			continue
		}
		d.wg.Add(1)
		go func(j Job) {
			defer d.wg.Done()
			defer d.queue.Release()
			d.execute(ctx, j)
		}(job)
	}
}

// Drain waits for all in-flight jobs to finish.
func (d *Dispatcher) Drain() { d.wg.Wait() }

// CancelJob requests best-effort cancellation of an in-flight job.
// Returns false if the job is not currently executing here.
func (d *Dispatcher) CancelJob(jobID string) bool {
	d.cancelMu.Lock()
	cancel, ok := d.cancels[jobID]
	if ok {
		d.requested[jobID] = "canceled by request"
	}
	d.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) cancelReason(jobID string) (string, bool) {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	reason, ok := d.requested[jobID]
	return reason, ok
}

// MarkProcessingStream flags a job as consuming a provider stream; LLM
// stage processors call this once billing has initiated and chunks are
// flowing.
func (d *Dispatcher) MarkProcessingStream(ctx context.Context, jobID string) error {
	if err := d.repo.UpdateStatus(ctx, jobID, StatusProcessingStream, ""); err != nil {
		return err
	}
	d.emit(Event{JobID: jobID, Status: StatusProcessingStream, Timestamp: time.Now().UTC()})
	return nil
}

// ResetRetryCount zeroes a job's attempt counter.
func (d *Dispatcher) ResetRetryCount(ctx context.Context, jobID string) error {
	job, err := d.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	job.Metadata.AttemptCount = 0
	job.Metadata.ErrorHistory = nil
	return d.repo.UpdateStatusWithMetadata(ctx, jobID, job.Status, job.SubStatus, job.Metadata)
}

func (d *Dispatcher) emit(evt Event) {
	if d.sink != nil {
		d.sink.JobEvent(evt)
	}
}

// forward notifies the Orchestrator of a workflow-tagged job's
// transition. Errors are logged, never propagated: the job's durable
// row is already correct, and lazy recovery reconciles the projection.
func (d *Dispatcher) forward(ctx context.Context, job Job, status Status, errMsg string) {
	if d.notifier == nil || !job.Metadata.IsWorkflowTagged() {
		return
	}
	if err := d.notifier.UpdateJobStatus(ctx, job.ID, status, errMsg); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Str("status", string(status)).Msg("forward job status to orchestrator")
	}
}

// execute is the lifecycle of one job.
func (d *Dispatcher) execute(ctx context.Context, job Job) {
	now := time.Now().UTC()
	if err := d.repo.UpdateStatus(ctx, job.ID, StatusPreparing, ""); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job preparing")
	}
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusPreparing, Timestamp: now})

	proc, ok := d.resolve(job.TaskType)
	if !ok {
		d.failPermanently(ctx, job, KindValidation, fmt.Sprintf("no processor registered for task_type %q", job.TaskType))
		return
	}

	if err := d.repo.MarkRunning(ctx, job.ID); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job running")
	}
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusRunning, Timestamp: time.Now().UTC()})
	d.forward(ctx, job, StatusRunning, "")

	jctx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	d.cancelMu.Lock()
	d.cancels[job.ID] = cancel
	d.cancelMu.Unlock()
	defer func() {
		cancel()
		d.cancelMu.Lock()
		delete(d.cancels, job.ID)
		delete(d.requested, job.ID)
		d.cancelMu.Unlock()
	}()

	out, err := d.breaker(job.TaskType).Execute(func() (interface{}, error) {
		return proc.Process(jctx, job)
	})

	if reason, requested := d.cancelReason(job.ID); requested {
		d.finishCanceled(ctx, job, reason)
		return
	}
	if err != nil {
		if jctx.Err() == context.DeadlineExceeded {
			d.handleFailure(ctx, job, KindTimeout, fmt.Sprintf("job timed out after %s", d.cfg.JobTimeout))
			return
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			d.handleFailure(ctx, job, KindUpstream, fmt.Sprintf("circuit open for task_type %q", job.TaskType))
			return
		}
		d.handleFailure(ctx, job, Classify(err), err.Error())
		return
	}

	result, _ := out.(Result)
	d.finishCompleted(ctx, job, result)
}

func (d *Dispatcher) finishCompleted(ctx context.Context, job Job, result Result) {
	if job.Metadata.IsWorkflowTagged() && result.StageData != nil && d.notifier != nil {
		if err := d.notifier.StoreStageData(ctx, job.Metadata.WorkflowID, job.ID, result.StageData); err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("store stage data")
		}
	}

	meta := job.Metadata
	if result.Response != nil || result.TokensInput > 0 || result.TokensOutput > 0 {
		if meta.Extra == nil {
			meta.Extra = map[string]interface{}{}
		}
		if result.Response != nil {
			meta.Extra["response"] = result.Response
		}
		meta.Extra["tokens_input"] = result.TokensInput
		meta.Extra["tokens_output"] = result.TokensOutput
		if err := d.repo.UpdateStatusWithMetadata(ctx, job.ID, StatusRunning, job.SubStatus, meta); err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("persist job result")
		}
	}
	if err := d.repo.MarkCompleted(ctx, job.ID); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job completed")
	}

	var actualCost float64
	if d.cost != nil {
		actualCost = d.cost.StageCost(ctx, job.ID)
	}
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusCompleted, ActualCost: actualCost, Timestamp: time.Now().UTC()})
	d.forward(ctx, job, StatusCompleted, "")
}

// handleFailure applies the retry policy: workflow-tagged failures skip
// local retry and go verbatim to the Orchestrator; everything else
// consults the retryability of the error kind.
func (d *Dispatcher) handleFailure(ctx context.Context, job Job, kind ErrorKind, errMsg string) {
	if job.Metadata.IsWorkflowTagged() {
		if err := d.repo.MarkFailed(ctx, job.ID, errMsg); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark workflow job failed")
		}
		d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusFailed, ErrorMessage: errMsg, Timestamp: time.Now().UTC()})
		d.forward(ctx, job, StatusFailed, errMsg)
		return
	}

	if !kind.Retryable() || job.Metadata.AttemptCount >= d.cfg.MaxRetries {
		d.failPermanently(ctx, job, kind, errMsg)
		return
	}

	meta, err := d.prepareRetryMetadata(job.Metadata, kind, errMsg)
	if err != nil {
		d.failPermanently(ctx, job, KindInternal, fmt.Sprintf("prepare retry metadata: %v (original: %s)", err, errMsg))
		return
	}

	delay := d.retryDelay(meta.AttemptCount)
	subStatus := fmt.Sprintf("retry %d/%d scheduled in %s", meta.AttemptCount, d.cfg.MaxRetries, delay.Round(time.Millisecond))
	if err := d.repo.UpdateStatusWithMetadata(ctx, job.ID, StatusQueued, subStatus, meta); err != nil {
		d.failPermanently(ctx, job, KindInternal, fmt.Sprintf("persist retry metadata: %v (original: %s)", err, errMsg))
		return
	}

	job.Metadata = meta
	d.queue.Requeue(job, delay)
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusQueued, ErrorMessage: errMsg, Timestamp: time.Now().UTC()})
	d.log.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Int("attempt", meta.AttemptCount).
		Dur("delay", delay).
		Msg("job retry scheduled")
}

// prepareRetryMetadata bumps the attempt counter and appends to the
// bounded error history. Fallible by contract: a
// history entry that cannot be recorded must turn into a permanent
// failure rather than an unbounded silent retry.
func (d *Dispatcher) prepareRetryMetadata(meta Metadata, kind ErrorKind, errMsg string) (Metadata, error) {
	if meta.AttemptCount < 0 {
		return Metadata{}, fmt.Errorf("negative attempt count %d", meta.AttemptCount)
	}
	meta.AttemptCount++
	meta.ErrorHistory = append(meta.ErrorHistory, ErrorAttempt{
		Attempt:   meta.AttemptCount,
		Kind:      string(kind),
		Message:   errMsg,
		Timestamp: time.Now().UTC(),
	})
	if len(meta.ErrorHistory) > d.cfg.MaxErrorHistory {
		meta.ErrorHistory = meta.ErrorHistory[len(meta.ErrorHistory)-d.cfg.MaxErrorHistory:]
	}
	return meta, nil
}

// retryDelay walks the exponential schedule to the given attempt:
// base * 2^(attempt-1), jittered, capped at BackoffMax.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BackoffBase
	bo.MaxInterval = d.cfg.BackoffMax
	bo.Multiplier = 2
	bo.Reset()
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

func (d *Dispatcher) failPermanently(ctx context.Context, job Job, kind ErrorKind, errMsg string) {
	if err := d.repo.MarkFailed(ctx, job.ID, errMsg); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed")
	}
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusFailed, ErrorMessage: errMsg, Timestamp: time.Now().UTC()})
	d.forward(ctx, job, StatusFailed, errMsg)
	d.reportTerminalCost(ctx, job)
	d.log.Warn().Str("job_id", job.ID).Str("kind", string(kind)).Str("error", errMsg).Msg("job permanently failed")
}

func (d *Dispatcher) finishCanceled(ctx context.Context, job Job, reason string) {
	if err := d.repo.MarkCanceled(ctx, job.ID, reason); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("mark job canceled")
	}
	d.emit(Event{JobID: job.ID, TaskType: job.TaskType, Status: StatusCanceled, ErrorMessage: reason, Timestamp: time.Now().UTC()})
	d.forward(ctx, job, StatusCanceled, reason)
	d.reportTerminalCost(ctx, job)
}

// reportTerminalCost covers the case where a permanently
// failed/canceled job that already accumulated cost reports it so the
// partial provider-side spend is accounted for.
func (d *Dispatcher) reportTerminalCost(ctx context.Context, job Job) {
	if d.cost == nil {
		return
	}
	c := d.cost.StageCost(ctx, job.ID)
	if c <= 0 {
		return
	}
	var tokensIn, tokensOut int64
	if v, ok := job.Metadata.Extra["tokens_input"].(float64); ok {
		tokensIn = int64(v)
	}
	if v, ok := job.Metadata.Extra["tokens_output"].(float64); ok {
		tokensOut = int64(v)
	}
	rep := CancelledJobCost{
		RequestID:    job.ID,
		FinalCost:    c,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		ServiceName:  job.TaskType,
	}
	if err := d.cost.ReportCancelledJobCost(ctx, rep); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("report cancelled job cost")
	}
}
