// Package await bridges platform completion callbacks into blocking calls
// with a bounded wait.
package await

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Await when the operation did not complete in time.
var ErrTimeout = errors.New("await: timed out")

// Future is the result of one asynchronous operation. The zero value is
// not usable; create one with New.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call was it.
func (f *Future[T]) Complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future has been completed.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future completes, ctx ends or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (f *Future[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var zero T
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-expired:
		return zero, ErrTimeout
	}
}

// Go runs fn on its own goroutine and returns a future for its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() { f.Complete(fn()) }()
	return f
}
