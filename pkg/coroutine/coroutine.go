// Package coroutine provides the cooperative task engine the page store
// runs on. A single dispatch goroutine executes all tasks; a task only
// ever loses control at an explicit Await, so logic between suspension
// points runs without interleaving and shared state needs no locking.
// Concurrency comes entirely from overlapping the outstanding
// asynchronous operations of suspended tasks.
package coroutine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrCancelled is returned from Await inside a task that was cancelled
// while suspended. The routine observes it, performs cleanup and returns.
var ErrCancelled = errors.New("task cancelled")

type taskState int

const (
	stateQueued taskState = iota
	stateRunning
	stateAwaiting
	stateFinished
)

// Dispatcher owns the dispatch goroutine and the runnable queue.
type Dispatcher struct {
	log *logrus.Logger

	mu    sync.Mutex
	queue []*Task
	tasks map[*Task]struct{}

	wake   chan struct{}
	parked chan struct{}
	stop   chan struct{}
	idle   *sync.Cond
	closed bool
}

// Task is one logical routine scheduled on a dispatcher. Exactly one
// task executes at any moment.
type Task struct {
	d    *Dispatcher
	name string

	resume chan struct{}
	doneCh chan struct{}
	err    error

	// guarded by d.mu
	state     taskState
	ready     bool // completion fired while the task was still running
	cancelled bool
}

func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	d := &Dispatcher{
		log:    logger,
		tasks:  make(map[*Task]struct{}),
		wake:   make(chan struct{}, 1),
		parked: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// Spawn schedules routine as a new task. The routine starts running at
// the next dispatch slot.
func (d *Dispatcher) Spawn(name string, routine func(t *Task) error) *Task {
	t := &Task{
		d:      d,
		name:   name,
		resume: make(chan struct{}),
		doneCh: make(chan struct{}),
		state:  stateQueued,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		t.err = ErrCancelled
		close(t.doneCh)
		return t
	}
	d.tasks[t] = struct{}{}
	d.queue = append(d.queue, t)
	d.mu.Unlock()
	d.signalWake()

	go func() {
		<-t.resume
		err := routine(t)
		if err != nil && !errors.Is(err, ErrCancelled) {
			d.log.WithFields(logrus.Fields{
				"task": t.name,
			}).Warnf("task failed: %v", err)
		}

		d.mu.Lock()
		t.state = stateFinished
		t.err = err
		delete(d.tasks, t)
		if len(d.tasks) == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()

		close(t.doneCh)
		d.parked <- struct{}{}
	}()

	return t
}

func (d *Dispatcher) loop() {
	for {
		d.mu.Lock()
		var next *Task
		if len(d.queue) > 0 {
			next = d.queue[0]
			d.queue = d.queue[1:]
			next.state = stateRunning
			next.ready = false
		}
		d.mu.Unlock()

		if next == nil {
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			}
		}

		next.resume <- struct{}{}
		// The resumed task has exclusive execution until it suspends in
		// an Await or finishes.
		<-d.parked
	}
}

func (d *Dispatcher) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// enqueueLocked requires d.mu to be held.
func (d *Dispatcher) enqueueLocked(t *Task) {
	t.state = stateQueued
	d.queue = append(d.queue, t)
	d.signalWake()
}

// complete marks a suspended task runnable again. Safe to call from any
// goroutine; this is the only entry point for async completions.
func (d *Dispatcher) complete(t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch t.state {
	case stateRunning:
		// Completion fired before the task reached its suspension
		// point; it is re-queued as soon as it yields.
		t.ready = true
	case stateAwaiting:
		d.enqueueLocked(t)
	case stateQueued, stateFinished:
	}
}

// suspend yields control to the dispatcher and parks until re-queued.
func (t *Task) suspend() {
	d := t.d
	d.mu.Lock()
	if t.ready || t.cancelled {
		t.ready = false
		d.enqueueLocked(t)
	} else {
		t.state = stateAwaiting
	}
	d.mu.Unlock()

	d.parked <- struct{}{}
	<-t.resume
}

// Cancel requests cooperative cancellation. A task suspended in an Await
// resumes with ErrCancelled; a running task observes it at its next
// Await. Cancellation is never preemptive.
func (t *Task) Cancel() {
	d := t.d
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.cancelled || t.state == stateFinished {
		return
	}
	t.cancelled = true
	if t.state == stateAwaiting {
		d.enqueueLocked(t)
	}
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	return t.cancelled
}

// Done is closed when the routine has returned.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns the routine's result after Done is closed.
func (t *Task) Err() error {
	return t.err
}

func (t *Task) Name() string {
	return t.name
}

type awaitResult[T any] struct {
	value T
	err   error
}

// Await suspends the current task until the operation started by start
// reports completion through done, then resumes the task with the
// result. start must call done exactly once, from any goroutine. If the
// task is cancelled while suspended, Await returns ErrCancelled and the
// operation's eventual result is discarded.
func Await[T any](t *Task, start func(done func(value T, err error))) (T, error) {
	resultCh := make(chan awaitResult[T], 1)
	start(func(value T, err error) {
		resultCh <- awaitResult[T]{value: value, err: err}
		t.d.complete(t)
	})

	t.suspend()

	if t.Cancelled() {
		var zero T
		return zero, ErrCancelled
	}

	select {
	case r := <-resultCh:
		return r.value, r.err
	default:
		var zero T
		return zero, fmt.Errorf("await resumed without a completion for task %s", t.name)
	}
}

// AwaitGo runs fn on its own goroutine and suspends the task until it
// returns. This is the standard wrapper for blocking I/O.
func AwaitGo[T any](t *Task, fn func() (T, error)) (T, error) {
	return Await(t, func(done func(T, error)) {
		go func() {
			done(fn())
		}()
	})
}

// Yield suspends the task and immediately re-queues it, letting other
// runnable tasks interleave. Returns ErrCancelled under cancellation.
func Yield(t *Task) error {
	_, err := Await(t, func(done func(struct{}, error)) {
		done(struct{}{}, nil)
	})
	return err
}

// RunBlocking spawns routine and waits for it to finish. Intended for
// callers outside the dispatch thread (API surface, tests).
func (d *Dispatcher) RunBlocking(name string, routine func(t *Task) error) error {
	t := d.Spawn(name, routine)
	<-t.Done()
	return t.Err()
}

// CancelAll requests cancellation of every live task.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	live := make([]*Task, 0, len(d.tasks))
	for t := range d.tasks {
		live = append(live, t)
	}
	d.mu.Unlock()

	for _, t := range live {
		t.Cancel()
	}
}

// WaitIdle blocks until no task is live.
func (d *Dispatcher) WaitIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.tasks) > 0 {
		d.idle.Wait()
	}
}

// Close cancels all tasks, waits for them to unwind and stops the
// dispatch goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.CancelAll()
	d.WaitIdle()
	close(d.stop)
}
