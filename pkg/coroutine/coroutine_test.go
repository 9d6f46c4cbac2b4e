package coroutine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitResumesWithResult(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	err := d.RunBlocking("await", func(task *Task) error {
		value, err := Await(task, func(done func(int, error)) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				done(42, nil)
			}()
		})
		require.NoError(t, err)
		assert.Equal(t, 42, value)
		return nil
	})
	require.NoError(t, err)
}

func TestTasksNeverExecuteConcurrently(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var executing int32
	var maxExecuting int32

	tasks := make([]*Task, 0, 8)
	for i := 0; i < 8; i++ {
		tasks = append(tasks, d.Spawn("worker", func(task *Task) error {
			for j := 0; j < 20; j++ {
				cur := atomic.AddInt32(&executing, 1)
				for {
					max := atomic.LoadInt32(&maxExecuting)
					if cur <= max || atomic.CompareAndSwapInt32(&maxExecuting, max, cur) {
						break
					}
				}
				atomic.AddInt32(&executing, -1)

				if _, err := AwaitGo(task, func() (struct{}, error) {
					time.Sleep(time.Millisecond)
					return struct{}{}, nil
				}); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	for _, task := range tasks {
		<-task.Done()
		require.NoError(t, task.Err())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxExecuting),
		"only one task may execute between suspension points")
}

func TestSequentialLogicAcrossAwaits(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	err := d.RunBlocking("sequence", func(task *Task) error {
		var steps []int
		for i := 0; i < 5; i++ {
			v, err := AwaitGo(task, func() (int, error) { return i, nil })
			if err != nil {
				return err
			}
			steps = append(steps, v)
		}
		assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)
		return nil
	})
	require.NoError(t, err)
}

func TestCancellationIsCooperative(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	started := make(chan struct{})
	cleanedUp := false

	task := d.Spawn("cancel-me", func(task *Task) error {
		close(started)
		_, err := Await(task, func(done func(struct{}, error)) {
			// Operation that never completes; cancellation must still
			// resume the task.
		})
		if errors.Is(err, ErrCancelled) {
			cleanedUp = true
			return err
		}
		return errors.New("expected cancellation")
	})

	<-started
	task.Cancel()
	<-task.Done()

	assert.True(t, errors.Is(task.Err(), ErrCancelled))
	assert.True(t, cleanedUp, "routine must run its cleanup path after cancellation")
}

func TestCompletionBeforeSuspensionDoesNotDeadlock(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	err := d.RunBlocking("sync-completion", func(task *Task) error {
		value, err := Await(task, func(done func(string, error)) {
			done("immediate", nil)
		})
		require.NoError(t, err)
		assert.Equal(t, "immediate", value)
		return nil
	})
	require.NoError(t, err)
}

func TestAwaitPropagatesOperationError(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	boom := errors.New("boom")
	err := d.RunBlocking("failing-op", func(task *Task) error {
		_, err := AwaitGo(task, func() (int, error) { return 0, boom })
		return err
	})
	assert.True(t, errors.Is(err, boom))
}

func TestCloseCancelsLiveTasks(t *testing.T) {
	d := NewDispatcher(nil)

	running := make(chan struct{})
	task := d.Spawn("long-runner", func(task *Task) error {
		close(running)
		for {
			if err := Yield(task); err != nil {
				return err
			}
		}
	})

	<-running
	d.Close()

	<-task.Done()
	assert.True(t, errors.Is(task.Err(), ErrCancelled))
}

func TestSpawnAfterCloseIsRejected(t *testing.T) {
	d := NewDispatcher(nil)
	d.Close()

	task := d.Spawn("late", func(task *Task) error { return nil })
	<-task.Done()
	assert.True(t, errors.Is(task.Err(), ErrCancelled))
}
