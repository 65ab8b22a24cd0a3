package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type funcProcessor func(ctx context.Context, job Job) (Result, error)

func (f funcProcessor) Process(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

type recordingNotifier struct {
	mu      sync.Mutex
	updates []struct {
		JobID  string
		Status Status
		ErrMsg string
	}
	stored map[string]interface{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{stored: make(map[string]interface{})}
}

func (n *recordingNotifier) UpdateJobStatus(_ context.Context, jobID string, status Status, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, struct {
		JobID  string
		Status Status
		ErrMsg string
	}{jobID, status, errMsg})
	return nil
}

func (n *recordingNotifier) StoreStageData(_ context.Context, _, jobID string, value interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stored[jobID] = value
	return nil
}

func (n *recordingNotifier) terminalFor(jobID string) (Status, string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, u := range n.updates {
		if u.JobID == jobID && u.Status.Terminal() {
			return u.Status, u.ErrMsg, true
		}
	}
	return "", "", false
}

type recordingCost struct {
	mu      sync.Mutex
	costs   map[string]float64
	reports []CancelledJobCost
}

func (c *recordingCost) StageCost(_ context.Context, jobID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.costs[jobID]
}

func (c *recordingCost) ReportCancelledJobCost(_ context.Context, rep CancelledJobCost) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, rep)
	return nil
}

func waitForStatus(t *testing.T, repo *memRepo, jobID string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j := repo.get(t, jobID)
		if j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j := repo.get(t, jobID)
	t.Fatalf("job %s never reached %s (last: %s, err: %s)", jobID, want, j.Status, j.ErrorMessage)
	return Job{}
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, *memRepo, *InMemoryQueue, *recordingNotifier, *recordingCost, func()) {
	t.Helper()
	repo := newMemRepo()
	queue := NewInMemoryQueue(repo, 4)
	notifier := newRecordingNotifier()
	cost := &recordingCost{costs: make(map[string]float64)}
	d := NewDispatcher(queue, repo, notifier, cost, nil, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	stop := func() {
		cancel()
		d.Drain()
	}
	return d, repo, queue, notifier, cost, stop
}

func TestDispatcherCompletesJobAndStoresStageData(t *testing.T) {
	d, repo, queue, notifier, cost, stop := newTestDispatcher(t, DispatcherConfig{})
	defer stop()

	d.Register("work", funcProcessor(func(_ context.Context, _ Job) (Result, error) {
		return Result{
			Response:     map[string]interface{}{"answer": "42"},
			TokensInput:  10,
			TokensOutput: 20,
			StageData:    map[string]interface{}{"out": "a"},
		}, nil
	}))

	job, err := queue.Enqueue(context.Background(), Job{
		TaskType: "work",
		Metadata: Metadata{WorkflowID: "wf-1", StageName: "a"},
	}, 0)
	require.NoError(t, err)
	cost.mu.Lock()
	cost.costs[job.ID] = 0.07
	cost.mu.Unlock()

	done := waitForStatus(t, repo, job.ID, StatusCompleted)
	require.EqualValues(t, 10, done.Metadata.Extra["tokens_input"])

	// Stage data lands before the Completed forward.
	notifier.mu.Lock()
	require.Equal(t, map[string]interface{}{"out": "a"}, notifier.stored[job.ID])
	notifier.mu.Unlock()

	status, _, ok := notifier.terminalFor(job.ID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, status)
}

func TestDispatcherFailsWhenNoProcessorRegistered(t *testing.T) {
	_, repo, queue, _, _, stop := newTestDispatcher(t, DispatcherConfig{})
	defer stop()

	job, err := queue.Enqueue(context.Background(), Job{TaskType: "unknown"}, 0)
	require.NoError(t, err)

	failed := waitForStatus(t, repo, job.ID, StatusFailed)
	require.Contains(t, failed.ErrorMessage, "no processor registered")
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	d, repo, queue, _, _, stop := newTestDispatcher(t, DispatcherConfig{
		MaxRetries:  2,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	defer stop()

	var mu sync.Mutex
	attempts := 0
	d.Register("flaky", funcProcessor(func(_ context.Context, _ Job) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return Result{}, NewJobError(KindTransport, errors.New("connection reset"))
		}
		return Result{}, nil
	}))

	job, err := queue.Enqueue(context.Background(), Job{TaskType: "flaky"}, 0)
	require.NoError(t, err)

	done := waitForStatus(t, repo, job.ID, StatusCompleted)
	require.Equal(t, 2, done.Metadata.AttemptCount)
	require.Len(t, done.Metadata.ErrorHistory, 2)
	require.Equal(t, string(KindTransport), done.Metadata.ErrorHistory[0].Kind)
}

func TestDispatcherDoesNotRetryValidationErrors(t *testing.T) {
	d, repo, queue, _, _, stop := newTestDispatcher(t, DispatcherConfig{MaxRetries: 3})
	defer stop()

	var mu sync.Mutex
	attempts := 0
	d.Register("bad", funcProcessor(func(_ context.Context, _ Job) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return Result{}, NewJobError(KindValidation, errors.New("missing field"))
	}))

	job, err := queue.Enqueue(context.Background(), Job{TaskType: "bad"}, 0)
	require.NoError(t, err)

	failed := waitForStatus(t, repo, job.ID, StatusFailed)
	require.Contains(t, failed.ErrorMessage, "missing field")

	mu.Lock()
	require.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	d, repo, queue, _, _, stop := newTestDispatcher(t, DispatcherConfig{
		MaxRetries:  2,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	defer stop()

	d.Register("down", funcProcessor(func(_ context.Context, _ Job) (Result, error) {
		return Result{}, NewJobError(KindUpstream, errors.New("503 from provider"))
	}))

	job, err := queue.Enqueue(context.Background(), Job{TaskType: "down"}, 0)
	require.NoError(t, err)

	failed := waitForStatus(t, repo, job.ID, StatusFailed)
	require.Contains(t, failed.ErrorMessage, "503 from provider")
	require.Equal(t, 2, failed.Metadata.AttemptCount)
}

func TestDispatcherWorkflowFailureSkipsLocalRetry(t *testing.T) {
	d, repo, queue, notifier, _, stop := newTestDispatcher(t, DispatcherConfig{MaxRetries: 3})
	defer stop()

	var mu sync.Mutex
	attempts := 0
	d.Register("stage", funcProcessor(func(_ context.Context, _ Job) (Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return Result{}, NewJobError(KindTransport, errors.New("reset"))
	}))

	job, err := queue.Enqueue(context.Background(), Job{
		TaskType: "stage",
		Metadata: Metadata{WorkflowID: "wf-1", StageName: "a"},
	}, 0)
	require.NoError(t, err)

	waitForStatus(t, repo, job.ID, StatusFailed)
	status, errMsg, ok := notifier.terminalFor(job.ID)
	require.True(t, ok)
	require.Equal(t, StatusFailed, status)
	require.Contains(t, errMsg, "reset")

	mu.Lock()
	require.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestDispatcherTimeoutFailsJob(t *testing.T) {
	d, repo, queue, _, _, stop := newTestDispatcher(t, DispatcherConfig{
		JobTimeout: 30 * time.Millisecond,
		MaxRetries: 1,
	})
	defer stop()

	d.Register("slow", funcProcessor(func(ctx context.Context, _ Job) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	job, err := queue.Enqueue(context.Background(), Job{
		TaskType: "slow",
		Metadata: Metadata{WorkflowID: "wf-1", StageName: "a"},
	}, 0)
	require.NoError(t, err)

	failed := waitForStatus(t, repo, job.ID, StatusFailed)
	require.Contains(t, failed.ErrorMessage, "timed out")
}

func TestDispatcherCancelJobReportsCost(t *testing.T) {
	d, repo, queue, _, cost, stop := newTestDispatcher(t, DispatcherConfig{JobTimeout: 5 * time.Second})
	defer stop()

	started := make(chan struct{})
	d.Register("longrun", funcProcessor(func(ctx context.Context, _ Job) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))

	job, err := queue.Enqueue(context.Background(), Job{TaskType: "longrun"}, 0)
	require.NoError(t, err)
	cost.mu.Lock()
	cost.costs[job.ID] = 0.12
	cost.mu.Unlock()

	<-started
	require.True(t, d.CancelJob(job.ID))

	canceled := waitForStatus(t, repo, job.ID, StatusCanceled)
	require.Contains(t, canceled.ErrorMessage, "canceled")

	deadline := time.Now().Add(time.Second)
	for {
		cost.mu.Lock()
		n := len(cost.reports)
		cost.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cost.mu.Lock()
	defer cost.mu.Unlock()
	require.Len(t, cost.reports, 1)
	require.Equal(t, job.ID, cost.reports[0].RequestID)
	require.InDelta(t, 0.12, cost.reports[0].FinalCost, 1e-9)
}

func TestClassifyErrorKinds(t *testing.T) {
	require.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, KindCredit, Classify(NewJobError(KindCredit, errors.New("insufficient"))))
	require.Equal(t, KindUpstream, Classify(errors.New("opaque provider failure")))

	require.True(t, KindTransport.Retryable())
	require.True(t, KindTimeout.Retryable())
	require.True(t, KindUpstream.Retryable())
	require.False(t, KindValidation.Retryable())
	require.False(t, KindAuth.Retryable())
	require.False(t, KindCredit.Retryable())
	require.False(t, KindTokenLimit.Retryable())
}
