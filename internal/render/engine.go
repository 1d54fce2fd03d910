package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gguoling/mswinrtvid/internal/handoff"
)

// EngineEvent is a notification from the media engine.
type EngineEvent int

const (
	EventError EngineEvent = iota
	EventCanPlay
	EventPlaying
	EventFirstFrameReady
	EventFormatChange
)

func (e EngineEvent) String() string {
	switch e {
	case EventError:
		return "error"
	case EventCanPlay:
		return "can-play"
	case EventPlaying:
		return "playing"
	case EventFirstFrameReady:
		return "first-frame-ready"
	case EventFormatChange:
		return "format-change"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// CodeEngineFailure is the error code reported for engine failures that
// carry no code of their own (E_FAIL).
const CodeEngineFailure int32 = -2147467259

// EventHandler receives engine events. code is set for EventError.
type EventHandler func(ev EngineEvent, code int32)

// Engine renders samples from a source into a swap chain surface.
type Engine interface {
	// Load attaches src. The engine reports EventCanPlay once it is ready.
	Load(src SampleSource, notify EventHandler) error
	Play() error
	// SwapChainHandle returns a new handle to the current surface; the
	// caller owns it.
	SwapChainHandle() (handoff.Handle, error)
	Close() error
}

// EngineFactory creates an engine for a stream of format.
type EngineFactory func(format string) (Engine, error)

// FileEngine is an Engine that writes every sample it pulls to w and backs
// each picture size with a freshly allocated surface.
type FileEngine struct {
	platform handoff.Platform
	w        io.Writer
	// Interval paces pulls from the source; zero pulls as fast as samples
	// arrive.
	Interval time.Duration

	mu      sync.Mutex
	src     SampleSource
	surface handoff.Handle
	width   int
	height  int
	frames  uint64
	events  chan engineEvent
	notify  EventHandler
	cancel  context.CancelFunc
	pumping sync.WaitGroup
	relay   sync.WaitGroup
	closed  bool
}

type engineEvent struct {
	ev   EngineEvent
	code int32
}

// NewFileEngine returns an engine that allocates surfaces on p.
func NewFileEngine(p handoff.Platform, w io.Writer) *FileEngine {
	return &FileEngine{platform: p, w: w}
}

// Load implements Engine.
func (e *FileEngine) Load(src SampleSource, notify EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("render: engine closed")
	}
	if e.src != nil {
		return errors.New("render: engine already loaded")
	}
	e.src = src
	e.notify = notify
	e.events = make(chan engineEvent, 16)

	// Events are delivered in order on their own goroutine so handlers may
	// call back into the engine.
	e.relay.Add(1)
	go func() {
		defer e.relay.Done()
		for ev := range e.events {
			e.notify(ev.ev, ev.code)
		}
	}()
	e.events <- engineEvent{ev: EventCanPlay}
	return nil
}

// Play implements Engine.
func (e *FileEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.src == nil || e.closed {
		return ErrNotStarted
	}
	if e.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.pumping.Add(1)
	go e.pump(ctx)
	return nil
}

func (e *FileEngine) pump(ctx context.Context) {
	defer e.pumping.Done()
	var tick <-chan time.Time
	if e.Interval > 0 {
		t := time.NewTicker(e.Interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
		smp, err := e.src.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrSourceShutdown) && ctx.Err() == nil {
				log.Warn("engine source failed", "error", err.Error())
				e.emit(EventError, CodeEngineFailure)
			}
			return
		}
		if err := e.render(smp); err != nil {
			log.Error("engine render failed", "error", err.Error())
			e.emit(EventError, CodeEngineFailure)
			return
		}
	}
}

func (e *FileEngine) render(smp Sample) error {
	var ev EngineEvent = -1
	if smp.Width > 0 && smp.Height > 0 && (smp.Width != e.width || smp.Height != e.height) {
		s, err := e.platform.CreateSurface(smp.Width, smp.Height)
		if err != nil {
			return fmt.Errorf("allocate %dx%d surface: %w", smp.Width, smp.Height, err)
		}
		e.mu.Lock()
		old := e.surface
		first := old == 0
		e.surface, e.width, e.height = s, smp.Width, smp.Height
		e.mu.Unlock()
		if old != 0 {
			e.platform.CloseHandle(old)
		}
		ev = EventFormatChange
		if first {
			ev = EventPlaying
		}
	}

	if _, err := e.w.Write(smp.Data); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	e.mu.Lock()
	e.frames++
	firstFrame := e.frames == 1
	e.mu.Unlock()

	if ev >= 0 {
		e.emit(ev, 0)
	}
	if firstFrame {
		e.emit(EventFirstFrameReady, 0)
	}
	return nil
}

func (e *FileEngine) emit(ev EngineEvent, code int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- engineEvent{ev: ev, code: code}:
	default:
		log.Warn("engine event dropped", "event", ev.String())
	}
}

// SwapChainHandle implements Engine.
func (e *FileEngine) SwapChainHandle() (handoff.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.surface == 0 {
		return 0, ErrNoSurface
	}
	cur := e.platform.CurrentProcess()
	return e.platform.DuplicateHandle(cur, e.surface, cur, false)
}

// Frames returns the number of samples written.
func (e *FileEngine) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Close stops the pump and releases the surface. The source must have
// been shut down or the pump is canceled.
func (e *FileEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.pumping.Wait()

	e.mu.Lock()
	e.closed = true
	if e.events != nil {
		close(e.events)
	}
	surface := e.surface
	e.surface = 0
	e.mu.Unlock()
	e.relay.Wait()

	if surface != 0 {
		return e.platform.CloseHandle(surface)
	}
	return nil
}
