package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/gguoling/mswinrtvid/internal/logging"
)

// Consumer is the UI-process end of the channel. It owns the shared record
// and the three primitives and installs every new surface on its sink
// through the dispatcher.
type Consumer struct {
	p    Platform
	name string
	sink SurfaceSink
	disp Dispatcher
	opts options
	log  *slog.Logger

	mapping Mapping
	rec     *Record

	lock, shutdown, avail Handle

	// Loop state, touched only by Run.
	lastGeneration uint32
	peer           Handle

	mu      sync.Mutex
	running bool
	closed  bool
	done    chan struct{}
	current Handle // installed surface; guarded by mu
}

// NewConsumer creates the record name and its primitives. Failures are
// returned as *SetupError and leave nothing behind.
func NewConsumer(p Platform, name string, sink SurfaceSink, disp Dispatcher, opts ...Option) (*Consumer, error) {
	if sink == nil || disp == nil {
		return nil, &SetupError{Name: name, Step: "arguments", Err: errors.New("sink and dispatcher are required")}
	}
	c := &Consumer{
		p:    p,
		name: name,
		sink: sink,
		disp: disp,
		opts: buildOptions(opts),
		log:  logging.WithPanel(log, name),
		done: make(chan struct{}),
	}
	fail := func(step string, err error) (*Consumer, error) {
		c.release()
		return nil, &SetupError{Name: name, Step: step, Err: err}
	}

	var err error
	if c.mapping, err = p.CreateRecord(name); err != nil {
		return fail("create record", err)
	}
	if c.lock, err = p.CreateMutex(); err != nil {
		return fail("create lock", err)
	}
	if c.shutdown, err = p.CreateEvent(true); err != nil {
		return fail("create shutdown event", err)
	}
	if c.avail, err = p.CreateEvent(false); err != nil {
		return fail("create value-available event", err)
	}

	c.rec = c.mapping.Record()
	*c.rec = Record{
		ConsumerPID:    uint32(p.ProcessID()),
		Lock:           c.lock,
		Shutdown:       c.shutdown,
		ValueAvailable: c.avail,
	}
	c.log.Info("handoff record created", logging.KeyPID, p.ProcessID())
	return c, nil
}

// Descriptor describes the record for the producer's launch configuration.
func (c *Consumer) Descriptor() Descriptor {
	return Descriptor{Name: c.name, ConsumerPID: c.p.ProcessID()}
}

// Run is the wait loop. It blocks until shutdown, a producer error or a
// transport failure. Shutdown takes priority over a pending value.
// Cancelling ctx signals shutdown and Run returns ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return errors.New("handoff: consumer is already running")
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, c.Shutdown)
	defer stop()
	defer c.closePeer()

	events := []Handle{c.shutdown, c.avail}
	for {
		idx, err := c.p.WaitAny(events, Infinite)
		if err != nil {
			return &TransportError{Op: "wait", Err: err}
		}
		switch idx {
		case 0:
			c.log.Info("handoff shutdown signaled")
			return ctx.Err()
		case 1:
			if err := c.consume(); err != nil {
				c.log.Error("handoff wait loop stopped", logging.KeyError, err)
				return err
			}
		}
	}
}

// consume handles one value-available wake-up under the record lock.
func (c *Consumer) consume() error {
	if err := c.p.Lock(c.lock, c.opts.lockTimeout); err != nil {
		return &TransportError{Op: "lock record", Err: err}
	}
	defer func() {
		if err := c.p.Unlock(c.lock); err != nil {
			c.log.Warn("record unlock failed", logging.KeyError, err)
		}
	}()

	if code := c.rec.ErrorCode; code != 0 {
		return &RemoteError{Code: code}
	}
	if c.rec.Generation == c.lastGeneration || c.rec.ConsumerSurface == 0 {
		return nil
	}
	c.lastGeneration = c.rec.Generation

	if c.peer == 0 {
		peer, err := c.p.OpenProcess(ProcessID(c.rec.ProducerPID))
		if err != nil {
			return &TransportError{Op: "open producer process", Err: err}
		}
		c.peer = peer
	}

	self := c.p.CurrentProcess()
	surface, err := c.p.DuplicateHandle(self, c.rec.ConsumerSurface, self, true)
	c.rec.ConsumerSurface = 0
	if err != nil {
		return &TransportError{Op: "take surface", Err: err}
	}

	if !c.disp.RunAsync(func() { c.install(surface) }) {
		c.p.CloseHandle(surface)
		return &TransportError{Op: "dispatch surface", Err: ErrClosed}
	}
	c.log.Debug("surface received", logging.KeySurface, surface, "generation", c.lastGeneration)
	return nil
}

// install runs on the dispatcher thread.
func (c *Consumer) install(surface Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.p.CloseHandle(surface)
		return
	}
	if err := c.sink.SetSurface(surface); err != nil {
		c.log.Warn("sink rejected surface", logging.KeySurface, surface, logging.KeyError, err)
	}
	if c.current != 0 {
		c.p.CloseHandle(c.current)
	}
	c.current = surface
	c.log.Info("surface installed", logging.KeySurface, surface)
}

func (c *Consumer) closePeer() {
	if c.peer != 0 {
		c.p.CloseHandle(c.peer)
		c.peer = 0
	}
}

// Shutdown signals the shutdown event. It is safe to call any number of
// times, from any goroutine, before or after Close.
func (c *Consumer) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.shutdown == 0 {
		return
	}
	if err := c.p.SetEvent(c.shutdown); err != nil {
		c.log.Warn("signal shutdown failed", logging.KeyError, err)
	}
}

// Close shuts the loop down, waits for it, detaches the sink and releases
// every handle and the record.
func (c *Consumer) Close() error {
	c.Shutdown()

	c.mu.Lock()
	running, closed := c.running, c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	if running {
		<-c.done
	}

	detached := make(chan struct{})
	detach := func() {
		defer close(detached)
		if err := c.sink.SetSurface(0); err != nil {
			c.log.Warn("detach surface failed", logging.KeyError, err)
		}
	}
	if c.disp.RunAsync(detach) {
		<-detached
	} else {
		detach()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.current != 0 {
		c.p.CloseHandle(c.current)
		c.current = 0
	}
	return c.release()
}

// release closes whatever NewConsumer managed to create.
func (c *Consumer) release() error {
	var errs []error
	for _, h := range []*Handle{&c.lock, &c.shutdown, &c.avail} {
		if *h != 0 {
			if err := c.p.CloseHandle(*h); err != nil {
				errs = append(errs, err)
			}
			*h = 0
		}
	}
	if c.mapping != nil {
		if err := c.mapping.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record: %w", err))
		}
		c.mapping = nil
		c.rec = nil
	}
	return errors.Join(errs...)
}
