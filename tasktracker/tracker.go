// Package tasktracker runs background units of work (order provisioning,
// renewal, revocation) on a bounded worker pool and exposes their progress
// as polled snapshots, so the management API never blocks a request on a
// multi-minute ACME exchange.
//
// Grounded on the teacher's cmd.FailOnError/CatchSignals pattern for
// fatal-vs-recoverable error handling, generalized from a single foreground
// command loop into a persistent background pool built on
// golang.org/x/sync/errgroup, golang.org/x/time/rate and google/uuid for
// task identity, the same identifier library the teacher already uses
// nowhere but the rest of the example pack reaches for consistently.
package tasktracker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cpu/acmed/acmeproblem"
)

// State is a Task's position in its forward-only lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Priority orders queued tasks when more than one is pending. Higher values
// are dequeued first; FIFO (submission order) breaks ties within the same
// priority. Ordinary submissions use PriorityNormal; the Renewal Scheduler
// assigns the urgency-derived priorities above it.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
	PriorityUrgent Priority = 30
)

// Func is the unit of work a Task runs. It must honor ctx cancellation and
// may call report to publish incremental progress before returning.
type Func func(ctx context.Context, report func(progress string)) (result interface{}, err error)

// Task is a point-in-time snapshot of one submitted job. Snapshots returned
// by Status are copies; mutating one has no effect on the tracker.
type Task struct {
	ID        string
	Kind      string
	State     State
	Priority  Priority
	Progress  string
	Result    interface{}
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// job is the tracker's internal, mutable record; Task snapshots are derived
// from it under the tracker's lock.
type job struct {
	task   Task
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64 // submission order, for FIFO tie-break
	index  int    // current position in the heap; -1 when not queued
}

// Config tunes the tracker's worker pool and admission control.
type Config struct {
	// Workers is the number of concurrent job-running goroutines.
	Workers int
	// MaxPending caps the number of pending-or-running tasks; Submit fails
	// with acmeproblem.KindOverloaded once reached.
	MaxPending int
	// Retention is how long a terminal task's record is kept before it
	// becomes eligible for eviction by Prune.
	Retention time.Duration
}

func (cfg Config) defaulted() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return cfg
}

// Tracker is a bounded worker pool draining a priority queue of submitted
// jobs. Zero value is not usable; construct with New.
type Tracker struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	jobs    map[string]*job
	queue   priorityQueue
	nextSeq uint64
	ready   chan struct{} // signaled whenever the queue gains work

	// admission smooths bursts of Submit calls (e.g. the Renewal Scheduler
	// waking and enqueuing hundreds of due renewals at once) independently
	// of the hard pendingOrRunningLocked threshold check below.
	admission *rate.Limiter

	wg sync.WaitGroup
}

// New constructs a Tracker and starts its worker pool, bound to ctx: closing
// ctx drains the pool and stops all workers.
func New(ctx context.Context, cfg Config, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg = cfg.defaulted()
	t := &Tracker{
		cfg:       cfg,
		log:       log.WithField("component", "task-tracker"),
		jobs:      make(map[string]*job),
		ready:     make(chan struct{}, 1),
		admission: rate.NewLimiter(rate.Limit(cfg.Workers*2), cfg.Workers*4),
	}
	heap.Init(&t.queue)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		eg.Go(func() error {
			t.worker(egCtx)
			return nil
		})
	}
	go func() {
		_ = eg.Wait()
	}()
	return t
}

// Submit enqueues fn under kind at the given priority and returns its task
// ID immediately. Fails with acmeproblem.KindOverloaded if the number of
// pending-or-running tasks already meets the configured threshold.
func (t *Tracker) Submit(kind string, priority Priority, fn Func) (string, error) {
	if !t.admission.Allow() {
		return "", acmeproblem.New(acmeproblem.KindOverloaded,
			"submission rate exceeded the admission burst limit", nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingOrRunningLocked() >= t.cfg.MaxPending {
		return "", acmeproblem.New(acmeproblem.KindOverloaded,
			fmt.Sprintf("task tracker at capacity (%d pending or running)", t.cfg.MaxPending), nil)
	}

	now := time.Now()
	id := uuid.NewString()
	j := &job{
		task: Task{
			ID:        id,
			Kind:      kind,
			State:     StatePending,
			Priority:  priority,
			CreatedAt: now,
			UpdatedAt: now,
		},
		fn:  fn,
		seq: t.nextSeq,
	}
	t.nextSeq++
	t.jobs[id] = j
	heap.Push(&t.queue, j)
	t.signalReady()
	return id, nil
}

func (t *Tracker) pendingOrRunningLocked() int {
	n := 0
	for _, j := range t.jobs {
		if !j.task.State.terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) signalReady() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the task identified by id, or false if no
// such task exists (including one already evicted by Prune).
func (t *Tracker) Status(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Task{}, false
	}
	return j.task, true
}

// Cancel cooperatively signals cancellation of id's context. Returns true if
// the task was pending or running at the time of the call (cancellation of
// an already-terminal task is a no-op returning false).
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok || j.task.State.terminal() {
		return false
	}
	if j.task.State == StatePending {
		t.queue.remove(j)
		t.finishLocked(j, StateCancelled, nil, acmeproblem.New(acmeproblem.KindCancelled, "cancelled before running", nil))
		return true
	}
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

// Prune evicts terminal tasks last updated more than cfg.Retention ago.
// Purely a memory-management operation; omitting it never affects
// correctness of Status/Cancel for tasks still present.
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.cfg.Retention)
	evicted := 0
	for id, j := range t.jobs {
		if j.task.State.terminal() && j.task.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			evicted++
		}
	}
	return evicted
}

// worker repeatedly pops the highest-priority pending job and runs it to a
// terminal state, blocking on t.ready when the queue is empty.
func (t *Tracker) worker(ctx context.Context) {
	for {
		j := t.pop(ctx)
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-t.ready:
				continue
			}
		}
		t.run(j)
	}
}

func (t *Tracker) pop(parent context.Context) *job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue.Len() == 0 {
		return nil
	}
	j := heap.Pop(&t.queue).(*job)
	j.ctx, j.cancel = context.WithCancel(parent)
	j.task.State = StateRunning
	j.task.UpdatedAt = time.Now()
	return j
}

func (t *Tracker) run(j *job) {
	t.wg.Add(1)
	defer t.wg.Done()

	ctx := j.ctx
	report := func(progress string) {
		t.mu.Lock()
		j.task.Progress = progress
		j.task.UpdatedAt = time.Now()
		t.mu.Unlock()
	}

	result, err := func() (res interface{}, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return j.fn(ctx, report)
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case j.task.State == StateCancelled:
		// Cancel already finalized this job (race between worker completion
		// and a concurrent Cancel call); don't overwrite its terminal record.
	case errors.Is(ctx.Err(), context.Canceled) && err != nil:
		t.finishLocked(j, StateCancelled, result, err)
	case err != nil:
		t.finishLocked(j, StateFailed, result, err)
	default:
		t.finishLocked(j, StateSucceeded, result, nil)
	}
}

// finishLocked populates the result before flipping state, guaranteeing a
// reader that observes a terminal state also observes its result. Must be
// called with t.mu held.
func (t *Tracker) finishLocked(j *job, state State, result interface{}, err error) {
	j.task.Result = result
	j.task.Err = err
	j.task.State = state
	j.task.UpdatedAt = time.Now()
}
