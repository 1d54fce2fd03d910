// Package handoff passes a graphics surface handle from a producer process
// (the renderer) to a consumer process (the UI panel) through a named
// shared-memory record guarded by a cross-process lock and woken by two
// events: shutdown and value-available.
//
// The record is a single-slot mailbox. Publishing replaces whatever the
// consumer has not yet picked up, a non-zero error code preempts surface
// processing, and shutdown always wins over a pending value.
package handoff

import (
	"time"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("handoff")

// Handle is an opaque kernel object handle, valid only in the process that
// owns it.
type Handle uintptr

// ProcessID identifies an OS process.
type ProcessID uint32

// Record is the shared mailbox. It is laid out with fixed-width fields so a
// mapped view can be used as a *Record directly. Every field is read and
// written with Lock held, except the three primitive handles which are set
// once by the consumer before the producer can open the record.
type Record struct {
	ProducerPID uint32
	ConsumerPID uint32

	// ProducerSurface is the producer's own handle to the recorded surface.
	ProducerSurface Handle
	// ConsumerSurface is a duplicate of ProducerSurface valid in the consumer
	// process. The consumer takes ownership and zeroes it.
	ConsumerSurface Handle

	// Consumer-process handles to the shared primitives.
	Lock           Handle
	Shutdown       Handle
	ValueAvailable Handle

	// ErrorCode is zero on success; anything else is a terminal producer failure.
	ErrorCode int32
	// Generation increments on every recorded publish. Handle values are
	// recycled by the OS, so change detection cannot rely on them.
	Generation uint32
}

// SurfaceSink is the UI element that displays the surface. SetSurface(0)
// detaches it.
type SurfaceSink interface {
	SetSurface(h Handle) error
}

// Dispatcher runs fn on the thread that owns UI affinity. It returns false
// if fn will never run.
type Dispatcher interface {
	RunAsync(fn func()) bool
}

// DefaultLockTimeout bounds how long either side waits for the record lock.
const DefaultLockTimeout = 2 * time.Second

type options struct {
	lockTimeout time.Duration
}

// Option configures a Consumer or Producer.
type Option func(*options)

// WithLockTimeout bounds waits on the record lock. Zero or negative keeps
// the default.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{lockTimeout: DefaultLockTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
