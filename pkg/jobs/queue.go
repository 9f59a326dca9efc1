package jobs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrStopped     = errors.New("job queue stopped")
	ErrUnknownKind = errors.New("no handler for job kind")
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Job is identified by Kind and Key. At most one job per identity is queued at a time.
type Job struct {
	Kind     string
	Key      string
	Priority Priority
}

func (j Job) id() string {
	return j.Kind + "/" + j.Key
}

// Handler runs one job. It must be safe to run again for the same key.
type Handler func(ctx context.Context, key string) error

type QueueConfig struct {
	Workers     int
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles for every further attempt.
	Backoff time.Duration
	Logger  *slog.Logger
}

type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
}

// Queue is an in-process priority queue with a bounded worker pool.
type Queue struct {
	config   QueueConfig
	logger   *slog.Logger
	handlers map[string]Handler

	mu      sync.Mutex
	items   itemHeap
	pending map[string]*item
	running map[string]bool
	// rerun holds jobs enqueued while the same identity was running.
	rerun   map[string]Job
	timers  map[string]*time.Timer
	seq     uint64
	started bool
	closing bool

	wake chan struct{}
	wg   sync.WaitGroup

	enqueued, completed, failed, retried atomic.Int64
}

func NewWithConfig(config QueueConfig) *Queue {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Queue{
		config:   config,
		logger:   config.Logger,
		handlers: make(map[string]Handler),
		pending:  make(map[string]*item),
		running:  make(map[string]bool),
		rerun:    make(map[string]Job),
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the handler for a job kind. Register handlers before Start.
func (q *Queue) Handle(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue adds a job. Enqueueing a job that is already pending is a no-op apart from raising
// its priority; enqueueing a job that is running schedules exactly one re-run.
func (q *Queue) Enqueue(j Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closing {
		return ErrStopped
	}
	if _, ok := q.handlers[j.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, j.Kind)
	}

	id := j.id()
	if it, ok := q.pending[id]; ok {
		if j.Priority > it.job.Priority && it.index >= 0 {
			it.job.Priority = j.Priority
			heap.Fix(&q.items, it.index)
		}
		return nil
	}
	if q.running[id] {
		if prev, ok := q.rerun[id]; !ok || j.Priority > prev.Priority {
			q.rerun[id] = j
		}
		return nil
	}

	q.push(&item{job: j, attempt: 1})
	q.enqueued.Add(1)
	q.logger.Debug("job enqueued", "kind", j.Kind, "key", j.Key, "priority", j.Priority.String())
	return nil
}

// push must be called with mu held.
func (q *Queue) push(it *item) {
	q.seq++
	it.seq = q.seq
	q.pending[it.job.id()] = it
	heap.Push(&q.items, it)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.logger.Info("job queue started", "workers", q.config.Workers)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
}

// Stop rejects new jobs, runs what is already queued and waits for the workers.
// Retries that are still waiting for their backoff are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closing = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
		delete(q.pending, id)
	}
	started := q.started
	q.mu.Unlock()

	if !started {
		return
	}
	q.signal()
	q.wg.Wait()
	q.logger.Info("job queue stopped", "completed", q.completed.Load(), "failed", q.failed.Load())
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending, running := len(q.pending), len(q.running)
	q.mu.Unlock()
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retried:   q.retried.Load(),
		Pending:   pending,
		Running:   running,
	}
}

// Pending reports whether a job is queued or waiting for a retry.
func (q *Queue) Pending(j Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[j.id()]
	return ok
}

func (q *Queue) work(ctx context.Context) {
	for {
		it, ok := q.next(ctx)
		if !ok {
			return
		}
		q.run(ctx, it)
	}
}

// next blocks until a job is available. It returns false once the context is done, or once
// the queue is stopping and nothing is left to run.
func (q *Queue) next(ctx context.Context) (*item, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			id := it.job.id()
			delete(q.pending, id)
			q.running[id] = true
			if q.items.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return it, true
		}
		if q.closing {
			q.mu.Unlock()
			// wake the next worker so every one of them sees the queue is closing
			q.signal()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) run(ctx context.Context, it *item) {
	j := it.job
	id := j.id()

	q.mu.Lock()
	h := q.handlers[j.Kind]
	q.mu.Unlock()

	start := time.Now()
	err := h(ctx, j.Key)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)

	if err == nil {
		q.completed.Add(1)
		q.logger.Debug("job completed", "kind", j.Kind, "key", j.Key, "attempt", it.attempt, "duration", time.Since(start))
	} else if it.attempt < q.config.MaxAttempts && ctx.Err() == nil && !q.closing {
		q.retried.Add(1)
		delay := q.config.Backoff << (it.attempt - 1)
		q.logger.Warn("job failed, retrying", "kind", j.Kind, "key", j.Key, "attempt", it.attempt, "retry_in", delay, "error", err)
		q.retryLater(&item{job: j, attempt: it.attempt + 1}, delay)
		delete(q.rerun, id)
		return
	} else {
		q.failed.Add(1)
		q.logger.Error("job failed", "kind", j.Kind, "key", j.Key, "attempts", it.attempt, "error", err)
	}

	if next, ok := q.rerun[id]; ok {
		delete(q.rerun, id)
		if !q.closing {
			q.push(&item{job: next, attempt: 1})
			q.enqueued.Add(1)
		}
	}
}

// retryLater keeps the job pending while it waits, so enqueueing it again is a no-op.
// Must be called with mu held.
func (q *Queue) retryLater(it *item, delay time.Duration) {
	id := it.job.id()
	it.index = -1
	q.pending[id] = it
	q.timers[id] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.timers[id]; !ok {
			return
		}
		delete(q.timers, id)
		delete(q.pending, id)
		q.push(it)
	})
}
