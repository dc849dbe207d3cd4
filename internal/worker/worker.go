// Package worker runs blocking calls off the caller's goroutine and hands
// back a Task that can be awaited or observed through a completion callback.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanic wraps a panic recovered from a task function.
var ErrPanic = errors.New("worker: task panicked")

// Task is the eventual result of a function started with Go.
type Task[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	val       T
	err       error
	callbacks []func(T, error)
}

// Go runs fn on a new goroutine with ctx. A panic in fn is recovered and
// reported as an error wrapping ErrPanic.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}

	go func() {
		var val T
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
			t.finish(val, err)
		}()
		val, err = fn(ctx)
	}()

	return t
}

func (t *Task[T]) finish(val T, err error) {
	t.mu.Lock()
	t.val, t.err = val, err
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, f := range callbacks {
		f(val, err)
	}
}

// Done is closed once the task has completed.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is done, whichever is first.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers f to be called with the task's result. If the task
// has already completed, f runs immediately on the calling goroutine;
// otherwise it runs on the task's goroutine after completion.
func (t *Task[T]) OnComplete(f func(T, error)) {
	t.mu.Lock()
	select {
	case <-t.done:
		val, err := t.val, t.err
		t.mu.Unlock()
		f(val, err)
		return
	default:
	}
	t.callbacks = append(t.callbacks, f)
	t.mu.Unlock()
}
