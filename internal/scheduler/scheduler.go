// Package scheduler runs recurring background tasks on a bounded pool.
//
// A Task never overlaps with itself, keeps at most one pending wake-up (the
// earliest requested one wins) and can be deactivated, which cancels the
// pending wake-up and waits for a running execution to finish.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/szibis/shard-relay/internal/logging"
)

// Pool bounds how many tasks execute at the same time.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	tasks  map[*Task]struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size tasks concurrently.
// If size is <= 0, it defaults to runtime.NumCPU().
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[*Task]struct{}),
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int {
	return p.size
}

// NewTask registers fn as a task. The task starts deactivated.
func (p *Pool) NewTask(name string, fn func()) *Task {
	t := &Task{pool: p, name: name, fn: fn}
	p.mu.Lock()
	p.tasks[t] = struct{}{}
	p.mu.Unlock()
	return t
}

// Close deactivates every task and waits for running executions.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	tasks := make([]*Task, 0, len(p.tasks))
	for t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	p.cancel()
	for _, t := range tasks {
		t.Deactivate()
	}
	p.wg.Wait()
}

func (p *Pool) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) remove(t *Task) {
	p.mu.Lock()
	delete(p.tasks, t)
	p.mu.Unlock()
}

// Task is an opaque recurring unit of work.
type Task struct {
	pool *Pool
	name string
	fn   func()

	mu      sync.Mutex
	active  bool
	timer   *time.Timer
	wakeAt  time.Time
	gen     uint64
	execMu  sync.Mutex
	execCnt uint64
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Activate allows the task to be scheduled.
func (t *Task) Activate() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

// ActivateAndSchedule activates the task and schedules it immediately.
func (t *Task) ActivateAndSchedule() {
	t.Activate()
	t.Schedule()
}

// Schedule requests an execution as soon as possible.
func (t *Task) Schedule() bool {
	return t.ScheduleAfter(0)
}

// ScheduleAfter requests an execution after d. If an earlier or equal
// wake-up is already pending the request is dropped and false is returned.
// Inactive tasks are never scheduled.
func (t *Task) ScheduleAfter(d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false
	}
	at := time.Now().Add(d)
	if !t.wakeAt.IsZero() && !t.wakeAt.After(at) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.wakeAt = at
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
	return true
}

// Deactivate cancels the pending wake-up and waits for a running execution
// to finish. It must not be called from the task itself.
func (t *Task) Deactivate() {
	t.mu.Lock()
	t.active = false
	t.gen++
	t.wakeAt = time.Time{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.execMu.Lock()
	t.execMu.Unlock() //nolint:staticcheck // empty critical section waits for a running execution
}

// Destroy deactivates the task and removes it from its pool.
func (t *Task) Destroy() {
	t.Deactivate()
	t.pool.remove(t)
}

// Executions returns how many times the task function has run.
func (t *Task) Executions() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.execCnt
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.wakeAt = time.Time{}
	t.timer = nil
	t.mu.Unlock()

	if !t.pool.enter() {
		return
	}
	defer t.pool.wg.Done()

	t.execMu.Lock()
	defer t.execMu.Unlock()

	if err := t.pool.sem.Acquire(t.pool.ctx, 1); err != nil {
		return
	}
	defer t.pool.sem.Release(1)

	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.execCnt++
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("scheduled task panicked", logging.F(
				"task", t.name,
				"panic", r,
			))
		}
	}()
	t.fn()
}
