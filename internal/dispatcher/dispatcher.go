// Package dispatcher runs closures on a single OS thread in submission order.
// It stands in for the UI thread that owns a swap-chain panel: every sink
// call the handoff consumer makes is marshaled through RunAsync.
package dispatcher

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("dispatcher")

// DefaultQueueSize bounds the number of tasks waiting for the thread.
const DefaultQueueSize = 64

// Dispatcher owns one goroutine locked to its OS thread.
type Dispatcher struct {
	name  string
	queue chan func()

	// mu guards accepting and sends on queue so a late RunAsync never races
	// the close in Shutdown.
	mu        sync.RWMutex
	accepting bool

	ready chan error
	done  chan struct{}
	once  sync.Once
}

// New starts the dispatcher thread. It returns once the thread has entered
// its apartment, or with the error that prevented it.
func New(name string, queueSize int) (*Dispatcher, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		name:      name,
		queue:     make(chan func(), queueSize),
		accepting: true,
		ready:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	go d.loop()
	if err := <-d.ready; err != nil {
		<-d.done
		return nil, err
	}
	return d, nil
}

// RunAsync queues fn for the dispatcher thread. It returns false when the
// dispatcher is shutting down or the queue is full.
func (d *Dispatcher) RunAsync(fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.accepting {
		return false
	}
	select {
	case d.queue <- fn:
		return true
	default:
		log.Warn("dispatcher queue full", "dispatcher", d.name, "capacity", cap(d.queue))
		return false
	}
}

// Run queues fn and waits until it has executed on the dispatcher thread.
func (d *Dispatcher) Run(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !d.RunAsync(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for the queued ones to run.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.accepting = false
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		log.Warn("dispatcher shutdown timed out", "dispatcher", d.name, "pending", len(d.queue))
		return ctx.Err()
	}
}

// Done is closed once the dispatcher thread has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) loop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	leave, err := enterApartment()
	if err != nil {
		log.Error("dispatcher thread setup failed", "dispatcher", d.name, "error", err.Error())
		d.ready <- err
		return
	}
	defer leave()
	d.ready <- nil

	for fn := range d.queue {
		d.runTask(fn)
	}
}

func (d *Dispatcher) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatcher task panicked",
				"dispatcher", d.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
