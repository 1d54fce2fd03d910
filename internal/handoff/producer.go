package handoff

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

// Producer is the renderer-process end of the channel. It opens a record
// created by a Consumer and publishes surfaces into it.
type Producer struct {
	p    Platform
	name string
	opts options
	log  *slog.Logger

	mapping Mapping
	rec     *Record

	consumerPID  ProcessID
	consumerProc Handle

	lock, shutdown, avail Handle

	mu     sync.Mutex
	closed bool
}

// OpenProducer opens the record name, registers the calling process as its
// producer and duplicates the consumer's primitives into this process.
// Failures are returned as *SetupError.
func OpenProducer(p Platform, name string, opts ...Option) (*Producer, error) {
	pr := &Producer{
		p:    p,
		name: name,
		opts: buildOptions(opts),
		log:  logging.WithPanel(log, name),
	}
	fail := func(step string, err error) (*Producer, error) {
		pr.release()
		return nil, &SetupError{Name: name, Step: step, Err: err}
	}

	var err error
	if pr.mapping, err = p.OpenRecord(name); err != nil {
		return fail("open record", err)
	}
	pr.rec = pr.mapping.Record()
	pr.consumerPID = ProcessID(pr.rec.ConsumerPID)

	if pr.consumerProc, err = p.OpenProcess(pr.consumerPID); err != nil {
		return fail("open consumer process", err)
	}
	self := p.CurrentProcess()
	for _, prim := range []struct {
		step string
		src  Handle
		dst  *Handle
	}{
		{"duplicate lock", pr.rec.Lock, &pr.lock},
		{"duplicate shutdown event", pr.rec.Shutdown, &pr.shutdown},
		{"duplicate value-available event", pr.rec.ValueAvailable, &pr.avail},
	} {
		if *prim.dst, err = p.DuplicateHandle(pr.consumerProc, prim.src, self, false); err != nil {
			return fail(prim.step, err)
		}
	}

	err = pr.withLock(func(rec *Record) error {
		rec.ProducerPID = uint32(p.ProcessID())
		return nil
	})
	if err != nil {
		return fail("register producer", err)
	}

	pr.log.Info("handoff record opened", logging.KeyPID, pr.consumerPID)
	return pr, nil
}

// ConsumerPID returns the process id of the consumer that owns the record.
func (pr *Producer) ConsumerPID() ProcessID { return pr.consumerPID }

// withLock runs fn with the record lock held. The calling goroutine stays on
// one OS thread for the duration, since the lock is thread-owned.
func (pr *Producer) withLock(fn func(rec *Record) error) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return ErrClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pr.p.Lock(pr.lock, pr.opts.lockTimeout); err != nil {
		return &TransportError{Op: "lock record", Err: err}
	}
	defer func() {
		if err := pr.p.Unlock(pr.lock); err != nil {
			pr.log.Warn("record unlock failed", logging.KeyError, err)
		}
	}()
	return fn(pr.rec)
}

// Publish records surface for the consumer and signals value-available.
// Unless forceReplace is set, a surface is only recorded when none is yet.
// A recorded surface is owned by the Producer from then on; the previous one
// is closed once replaced. A surface the consumer has not picked up yet is
// withdrawn, so the consumer only ever sees the latest publish.
//
// recorded reports whether surface was taken. Loss of the consumer process
// yields a *TransportError wrapping ErrPeerGone.
func (pr *Producer) Publish(surface Handle, forceReplace bool) (recorded bool, err error) {
	if surface == 0 {
		return false, fmt.Errorf("%w: zero surface", ErrInvalidHandle)
	}
	err = pr.withLock(func(rec *Record) error {
		if !forceReplace && rec.ProducerSurface != 0 {
			return nil
		}

		if stale := rec.ConsumerSurface; stale != 0 {
			rec.ConsumerSurface = 0
			if _, err := pr.p.DuplicateHandle(pr.consumerProc, stale, 0, true); err != nil {
				pr.log.Warn("withdraw unconsumed surface failed", logging.KeySurface, stale, logging.KeyError, err)
			}
		}

		dup, err := pr.p.DuplicateHandle(pr.p.CurrentProcess(), surface, pr.consumerProc, false)
		if err != nil {
			return &TransportError{Op: "duplicate surface", Err: err}
		}

		prev := rec.ProducerSurface
		rec.ProducerSurface = surface
		rec.ConsumerSurface = dup
		rec.Generation++
		recorded = true
		if prev != 0 && prev != surface {
			pr.p.CloseHandle(prev)
		}

		if err := pr.p.SetEvent(pr.avail); err != nil {
			return &TransportError{Op: "signal value-available", Err: err}
		}
		pr.log.Debug("surface published", logging.KeySurface, surface, "generation", rec.Generation, "force", forceReplace)
		return nil
	})
	return recorded, err
}

// ReportError stores a non-zero code and wakes the consumer, which ends its
// wait loop without touching any pending surface.
func (pr *Producer) ReportError(code int32) error {
	if code == 0 {
		return ErrInvalidErrorCode
	}
	return pr.withLock(func(rec *Record) error {
		rec.ErrorCode = code
		if err := pr.p.SetEvent(pr.avail); err != nil {
			return &TransportError{Op: "signal value-available", Err: err}
		}
		pr.log.Warn("error reported to consumer", "code", fmt.Sprintf("0x%08x", uint32(code)))
		return nil
	})
}

// Shutdown signals the consumer's shutdown event.
func (pr *Producer) Shutdown() error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		return ErrClosed
	}
	if err := pr.p.SetEvent(pr.shutdown); err != nil {
		return &TransportError{Op: "signal shutdown", Err: err}
	}
	return nil
}

// Close releases the recorded surface, the duplicated primitives and the
// record. It does not signal shutdown.
func (pr *Producer) Close() error {
	err := pr.withLock(func(rec *Record) error {
		if rec.ProducerSurface != 0 {
			pr.p.CloseHandle(rec.ProducerSurface)
			rec.ProducerSurface = 0
		}
		rec.ProducerPID = 0
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		// The consumer may be gone with the lock; still release our side.
		pr.log.Debug("record not cleared on close", logging.KeyError, err)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.closed = true
	return pr.release()
}

func (pr *Producer) release() error {
	var errs []error
	for _, h := range []*Handle{&pr.lock, &pr.shutdown, &pr.avail, &pr.consumerProc} {
		if *h != 0 {
			if err := pr.p.CloseHandle(*h); err != nil {
				errs = append(errs, err)
			}
			*h = 0
		}
	}
	if pr.mapping != nil {
		if err := pr.mapping.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record: %w", err))
		}
		pr.mapping = nil
		pr.rec = nil
	}
	return errors.Join(errs...)
}
