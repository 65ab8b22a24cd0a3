package jobs

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Queue is the scheduling-facing contract both the Orchestrator
// (enqueueing stage jobs) and the Dispatcher (dequeueing for execution)
// depend on.
type Queue interface {
	Enqueue(ctx context.Context, job Job, priority int) (Job, error)
	EnqueueWithDelay(ctx context.Context, job Job, priority int, delay time.Duration) (Job, error)
	// Requeue puts an already-persisted job back on the queue after
	// delay, used by the retry policy. The caller has already written
	// the job's retry metadata via the Repository.
	Requeue(job Job, delay time.Duration)
	Dequeue(ctx context.Context) (Job, error)
	Release()
	Len() int
}

type heapItem struct {
	job      Job
	priority int
	seq      int64
	index    int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO among equal priority
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// InMemoryQueue is the Queue implementation: durable via repo.Create on
// Enqueue, bounded concurrency via a weighted semaphore sized to
// maxPermits.
type InMemoryQueue struct {
	repo       Repository
	sem        *semaphore.Weighted
	maxPermits int64

	mu      sync.Mutex
	items   jobHeap
	nextSeq int64
	notify  chan struct{}
}

func NewInMemoryQueue(repo Repository, maxPermits int64) *InMemoryQueue {
	if maxPermits <= 0 {
		maxPermits = 4
	}
	return &InMemoryQueue{
		repo:       repo,
		sem:        semaphore.NewWeighted(maxPermits),
		maxPermits: maxPermits,
		items:      jobHeap{},
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue persists job (assigning an ID if unset) then pushes it onto
// the in-memory heap.
func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job, priority int) (Job, error) {
	return q.EnqueueWithDelay(ctx, job, priority, 0)
}

// EnqueueWithDelay persists job and schedules it to become ready after
// delay.
func (q *InMemoryQueue) EnqueueWithDelay(ctx context.Context, job Job, priority int, delay time.Duration) (Job, error) {
	job.Priority = priority
	if delay > 0 {
		job.RunAfter = time.Now().UTC().Add(delay)
	}
	created, err := q.repo.Create(ctx, job)
	if err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.items, &heapItem{job: created, priority: priority, seq: q.nextSeq})
	q.mu.Unlock()
	q.wake()
	return created, nil
}

// Requeue pushes an existing job back onto the heap with a fresh
// run_after. No repository write happens here; the retry path has
// already persisted the Queued status and retry metadata.
func (q *InMemoryQueue) Requeue(job Job, delay time.Duration) {
	job.Status = StatusQueued
	job.RunAfter = time.Now().UTC().Add(delay)

	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.items, &heapItem{job: job, priority: job.Priority, seq: q.nextSeq})
	q.mu.Unlock()
	q.wake()
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a concurrency permit is free and a ready job (its
// run_after has elapsed) is at the head of the heap, returning that job
// with the permit held. The caller must call Release when the job
// finishes.
func (q *InMemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return Job{}, err
	}
	for {
		job, ok := q.popReady()
		if ok {
			return job, nil
		}
		wait := q.nextWait()
		select {
		case <-ctx.Done():
			q.sem.Release(1)
			return Job{}, ctx.Err()
		case <-q.notify:
		case <-time.After(wait):
		}
	}
}

// popReady removes and returns the best ready item: highest priority
// first, FIFO among equals. A delayed retry sitting at the heap head
// must not shadow ready jobs behind it, so this scans rather than
// peeking the head only.
func (q *InMemoryQueue) popReady() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	best := -1
	for i, it := range q.items {
		if !it.job.Ready(now) {
			continue
		}
		if best == -1 || q.items[best].priority < it.priority ||
			(q.items[best].priority == it.priority && it.seq < q.items[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return Job{}, false
	}
	return heap.Remove(&q.items, best).(*heapItem).job, true
}

func (q *InMemoryQueue) nextWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 500 * time.Millisecond
	}
	wait := 2 * time.Second
	now := time.Now().UTC()
	for _, it := range q.items {
		if until := it.job.RunAfter.Sub(now); until < wait {
			wait = until
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Release returns one concurrency permit to the pool, called once a
// dispatched job finishes.
func (q *InMemoryQueue) Release() { q.sem.Release(1) }

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
