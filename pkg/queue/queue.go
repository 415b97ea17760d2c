// Package queue is the in-process bounded work queue (spec.md §4.C) that
// decouples D and E's ingestion paths from A's persistence, B's archival,
// and F's broadcast. Its Start/Stop/stopOnce/WaitGroup shutdown idiom and
// per-worker health tracking are carried over from the teacher's
// pkg/queue/pool.go and pkg/queue/worker.go, repurposed from a DB-backed
// session queue into an in-memory, per-type FIFO channel queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homecore/ingress/pkg/backoff"
)

// Sentinel errors, named after the teacher's pkg/queue/types.go pattern.
var (
	// ErrQueueFull is returned by Enqueue when the type's queue is at MaxDepth.
	ErrQueueFull = errors.New("queue: at capacity")
	// ErrUnknownType is returned by Enqueue when no handler is registered for the job's type.
	ErrUnknownType = errors.New("queue: no handler registered for type")
)

// Handler processes a single job. Returning an error triggers the retry/
// backoff/dead-letter path described in spec.md §4.C.
type Handler func(ctx context.Context, job Job) error

// Job is one unit of work. Type selects the handler and determines FIFO
// ordering: jobs are only ordered relative to other jobs of the same Type.
type Job struct {
	Type      string
	Payload   interface{}
	EnqueuedAt time.Time
	attempt   int
}

// DeadLetter is a job that exhausted MaxAttempts, retained for operator
// introspection via GET /internal/queue/dead-letters (SPEC_FULL.md).
type DeadLetter struct {
	Job       Job
	LastError string
	FailedAt  time.Time
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Depth           int            `json:"depth"`
	DepthByType     map[string]int `json:"depthByType"`
	DeadLetterCount int            `json:"deadLetterCount"`
	Processed       int            `json:"processed"`
	Failed          int            `json:"failed"`
}

// Config controls queue capacity and retry behaviour.
type Config struct {
	Concurrency    int
	MaxDepth       int
	MaxAttempts    int
	HandlerTimeout time.Duration
	Backoff        backoff.Policy
}

// DefaultConfig matches spec.md §4.C / §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		MaxDepth:       10000,
		MaxAttempts:    3,
		HandlerTimeout: 30 * time.Second,
		Backoff:        backoff.Default,
	}
}

type typeQueue struct {
	ch chan Job
}

// Queue is a bounded, typed, in-process work queue with a fixed-size worker
// pool, per-type FIFO ordering, exponential backoff retry, and a bounded
// dead-letter ring.
type Queue struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]Handler
	queues   map[string]*typeQueue

	deadLetterMu sync.Mutex
	deadLetters  []DeadLetter
	maxDeadLetters int

	statsMu   sync.Mutex
	processed int
	failed    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New constructs a Queue. RegisterHandler must be called for every job Type
// before Start.
func New(cfg Config) *Queue {
	return &Queue{
		cfg:            cfg,
		handlers:       make(map[string]Handler),
		queues:         make(map[string]*typeQueue),
		stopCh:         make(chan struct{}),
		maxDeadLetters: 1000,
	}
}

// RegisterHandler binds jobType to handler and provisions its FIFO channel.
// Must be called before Start.
func (q *Queue) RegisterHandler(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
	q.queues[jobType] = &typeQueue{ch: make(chan Job, q.cfg.MaxDepth)}
}

// Enqueue adds job to its type's queue. Returns ErrQueueFull if the type's
// queue is at MaxDepth (the caller, per spec.md §4.D, should still respond
// success to the upstream webhook and emit a critical system_event) and
// ErrUnknownType if no handler is registered for job.Type.
func (q *Queue) Enqueue(job Job) error {
	q.mu.RLock()
	tq, ok := q.queues[job.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, job.Type)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case tq.ch <- job:
		return nil
	default:
		return fmt.Errorf("%w: type=%s depth=%d", ErrQueueFull, job.Type, q.cfg.MaxDepth)
	}
}

// Start launches Concurrency workers per registered type. Safe to call once;
// subsequent calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for jobType, tq := range q.queues {
		handler := q.handlers[jobType]
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(ctx, jobType, tq, handler)
		}
	}
	slog.Info("queue started", "types", len(q.queues), "concurrency_per_type", q.cfg.Concurrency)
}

// Stop signals every worker to finish its current job, drain the jobs
// already buffered for its type, and exit, waiting up to grace for them to
// finish.
func (q *Queue) Stop(grace time.Duration) {
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue drained cleanly")
	case <-time.After(grace):
		slog.Warn("queue stop: grace period elapsed before drain completed")
	}
}

func (q *Queue) runWorker(ctx context.Context, jobType string, tq *typeQueue, handler Handler) {
	defer q.wg.Done()
	log := slog.With("queue_type", jobType)

	for {
		select {
		case <-q.stopCh:
			// Drain whatever is already buffered before exiting, so Stop
			// behaves like a graceful flush rather than an abrupt cutoff.
			q.drainRemaining(ctx, jobType, tq, handler, log)
			return
		case job := <-tq.ch:
			q.process(ctx, jobType, job, handler, log)
		}
	}
}

func (q *Queue) drainRemaining(ctx context.Context, jobType string, tq *typeQueue, handler Handler, log *slog.Logger) {
	for {
		select {
		case job := <-tq.ch:
			q.process(ctx, jobType, job, handler, log)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, jobType string, job Job, handler Handler, log *slog.Logger) {
	job.attempt++
	hctx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	err := handler(hctx, job)
	cancel()

	if err == nil {
		q.statsMu.Lock()
		q.processed++
		q.statsMu.Unlock()
		return
	}

	if job.attempt >= q.cfg.MaxAttempts {
		log.Error("job exhausted retries, moving to dead letter", "attempt", job.attempt, "error", err)
		q.statsMu.Lock()
		q.failed++
		q.statsMu.Unlock()
		q.addDeadLetter(job, err)
		return
	}

	delay := q.cfg.Backoff.Delay(job.attempt)
	log.Warn("job failed, scheduling retry", "attempt", job.attempt, "delay", delay, "error", err)

	// Counted in q.wg so Stop()'s drain wait can't return "clean" while a
	// retry timer is still outstanding and workers have already exited.
	q.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer q.wg.Done()

		select {
		case <-q.stopCh:
			log.Error("dropping retry: queue stopped", "attempt", job.attempt)
			q.addDeadLetter(job, fmt.Errorf("retry dropped: queue stopped"))
			return
		default:
		}

		q.mu.RLock()
		tq, ok := q.queues[jobType]
		q.mu.RUnlock()
		if !ok {
			return
		}
		select {
		case tq.ch <- job:
		default:
			log.Error("dropping retry: queue full", "attempt", job.attempt)
			q.addDeadLetter(job, fmt.Errorf("retry dropped: queue full"))
		}
	})
}

func (q *Queue) addDeadLetter(job Job, err error) {
	q.deadLetterMu.Lock()
	defer q.deadLetterMu.Unlock()
	q.deadLetters = append(q.deadLetters, DeadLetter{Job: job, LastError: err.Error(), FailedAt: time.Now()})
	if len(q.deadLetters) > q.maxDeadLetters {
		q.deadLetters = q.deadLetters[len(q.deadLetters)-q.maxDeadLetters:]
	}
}

// DeadLetters returns a snapshot of the current dead-letter ring.
func (q *Queue) DeadLetters() []DeadLetter {
	q.deadLetterMu.Lock()
	defer q.deadLetterMu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Stats returns a point-in-time snapshot of queue depth and throughput.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	byType := make(map[string]int, len(q.queues))
	total := 0
	for jobType, tq := range q.queues {
		n := len(tq.ch)
		byType[jobType] = n
		total += n
	}
	q.mu.RUnlock()

	q.deadLetterMu.Lock()
	dlCount := len(q.deadLetters)
	q.deadLetterMu.Unlock()

	q.statsMu.Lock()
	processed, failed := q.processed, q.failed
	q.statsMu.Unlock()

	return Stats{
		Depth:           total,
		DepthByType:     byType,
		DeadLetterCount: dlCount,
		Processed:       processed,
		Failed:          failed,
	}
}
