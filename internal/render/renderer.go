// Package render is the producer side of the video handoff: it feeds decoded
// or encoded samples into a media engine and publishes the engine's swap
// chain surface to the panel process through a handoff.Producer.
package render

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/gguoling/mswinrtvid/internal/handoff"
	"github.com/gguoling/mswinrtvid/internal/logging"
)

var log = logging.L("render")

// Stream formats understood by the renderer.
const (
	FormatH264 = "H264"
	FormatYV12 = "YV12"
)

// Stats is a snapshot of renderer counters.
type Stats struct {
	Samples   uint64
	Dropped   uint64
	Published uint64
}

// Renderer drives one engine per rendering session and hands its surface
// to the panel.
type Renderer struct {
	// QueueSize bounds the encoded sample queue; zero keeps
	// MaxSampleQueueSize.
	QueueSize int

	platform  handoff.Platform
	newEngine EngineFactory
	opts      []handoff.Option
	// alive reports whether a process exists; gopsutil by default.
	alive func(pid handoff.ProcessID) bool

	mu         sync.Mutex
	producer   *handoff.Producer
	engine     Engine
	stream     *StreamSource
	slot       *SampleSlot
	format     string
	width      int
	height     int
	firstFrame bool
	samples    uint64
	published  uint64

	failOnce sync.Once
	done     chan struct{}
	err      error
}

// NewRenderer returns a renderer that creates engines with newEngine and
// opens the panel mailbox on p.
func NewRenderer(p handoff.Platform, newEngine EngineFactory, opts ...handoff.Option) *Renderer {
	return &Renderer{
		platform:  p,
		newEngine: newEngine,
		opts:      opts,
		alive:     pidExists,
		done:      make(chan struct{}),
	}
}

func pidExists(pid handoff.ProcessID) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Unknown: assume alive so the original error is reported as is.
		return true
	}
	return ok
}

// SetSwapChainPanel connects to the panel mailbox called name, replacing
// any previous connection.
func (r *Renderer) SetSwapChainPanel(name string) error {
	pr, err := handoff.OpenProducer(r.platform, name, r.opts...)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.producer
	r.producer = pr
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Info("connected to swap chain panel", "panel", name, "consumer_pid", pr.ConsumerPID())
	return nil
}

// Start creates the engine for a stream of format at width x height and
// loads it. Setup failures are reported to the panel as well as returned.
func (r *Renderer) Start(format string, width, height int) error {
	r.mu.Lock()
	if r.producer == nil {
		r.mu.Unlock()
		return ErrNoPanel
	}
	if r.engine != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	log.Info("starting renderer", "format", format, "width", width, "height", height)
	engine, err := r.newEngine(format)
	if err != nil {
		r.reportError(CodeEngineFailure)
		return fmt.Errorf("render: create engine: %w", err)
	}

	var src SampleSource
	var stream *StreamSource
	var slot *SampleSlot
	if format == FormatYV12 {
		slot = NewSampleSlot()
		src = slot
	} else {
		stream = NewStreamSource(format, width, height)
		stream.SetQueueSize(r.QueueSize)
		src = stream
	}

	r.mu.Lock()
	r.engine, r.stream, r.slot = engine, stream, slot
	r.format, r.width, r.height = format, width, height
	r.firstFrame = false
	r.mu.Unlock()

	if err := engine.Load(src, r.onEngineEvent); err != nil {
		r.Stop()
		r.reportError(CodeEngineFailure)
		return fmt.Errorf("render: load engine: %w", err)
	}
	return nil
}

// Stop ends the rendering session. The panel keeps its last surface.
func (r *Renderer) Stop() {
	r.mu.Lock()
	engine, stream, slot := r.engine, r.stream, r.slot
	r.engine, r.stream, r.slot = nil, nil, nil
	r.mu.Unlock()

	if stream != nil {
		stream.Shutdown()
	}
	if slot != nil {
		slot.Shutdown()
	}
	if engine != nil {
		if err := engine.Close(); err != nil {
			log.Warn("engine close failed", "error", err.Error())
		}
		log.Info("renderer stopped")
	}
}

// ChangeFormat updates the description of samples received from now on.
func (r *Renderer) ChangeFormat(format string, width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Info("renderer format change", "format", format, "width", width, "height", height)
	r.format, r.width, r.height = format, width, height
	if r.stream != nil {
		r.stream.ChangeFormat(format, width, height)
	}
}

// FirstFrameReceived is called by the display filter once per session.
func (r *Renderer) FirstFrameReceived() {
	r.mu.Lock()
	r.firstFrame = true
	r.mu.Unlock()
	log.Info("first frame received")
}

// OnSampleReceived hands one sample to the engine. sample is only valid
// for the duration of the call.
func (r *Renderer) OnSampleReceived(sample []byte, hnsTime int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.slot != nil:
		r.slot.Feed(sample, r.width, r.height)
	case r.stream != nil:
		r.stream.OnSampleReceived(sample, hnsTime)
	default:
		return
	}
	r.samples++
}

// Stats returns the current counters.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Samples: r.samples, Published: r.published}
	if r.stream != nil {
		st.Dropped = r.stream.Dropped()
	}
	return st
}

// Done is closed when the rendering session failed; Err says why.
func (r *Renderer) Done() <-chan struct{} { return r.done }

// Err returns the failure that closed Done, or nil.
func (r *Renderer) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// ShutdownPanel asks the panel to stop waiting for surfaces.
func (r *Renderer) ShutdownPanel() error {
	r.mu.Lock()
	pr := r.producer
	r.mu.Unlock()
	if pr == nil {
		return ErrNoPanel
	}
	return pr.Shutdown()
}

// Close stops the session and disconnects from the panel.
func (r *Renderer) Close() error {
	r.Stop()
	r.mu.Lock()
	pr := r.producer
	r.producer = nil
	r.mu.Unlock()
	if pr != nil {
		return pr.Close()
	}
	return nil
}

func (r *Renderer) onEngineEvent(ev EngineEvent, code int32) {
	log.Debug("engine event", "event", ev.String(), "code", code)
	switch ev {
	case EventError:
		r.reportError(code)
	case EventPlaying, EventFirstFrameReady:
		r.publish(false)
	case EventFormatChange:
		r.publish(true)
	case EventCanPlay:
		r.mu.Lock()
		engine := r.engine
		r.mu.Unlock()
		if engine == nil {
			return
		}
		if err := engine.Play(); err != nil {
			log.Error("engine play failed", "error", err.Error())
			r.reportError(CodeEngineFailure)
		}
	}
}

func (r *Renderer) publish(force bool) {
	r.mu.Lock()
	engine, pr := r.engine, r.producer
	r.mu.Unlock()
	if engine == nil || pr == nil {
		return
	}

	h, err := engine.SwapChainHandle()
	if err != nil {
		if !errors.Is(err, ErrNoSurface) {
			log.Warn("swap chain handle unavailable", "error", err.Error())
		}
		return
	}
	recorded, err := pr.Publish(h, force)
	if !recorded {
		r.platform.CloseHandle(h)
	}
	if err != nil {
		r.fail(r.classify(pr, err))
		return
	}
	if recorded {
		r.mu.Lock()
		r.published++
		r.mu.Unlock()
	}
}

func (r *Renderer) reportError(code int32) {
	r.mu.Lock()
	pr := r.producer
	r.mu.Unlock()
	if pr == nil {
		return
	}
	if err := pr.ReportError(code); err != nil {
		r.fail(r.classify(pr, err))
	}
}

// classify maps a publish failure to ErrPanelGone when the panel process
// no longer exists.
func (r *Renderer) classify(pr *handoff.Producer, err error) error {
	if errors.Is(err, handoff.ErrPeerGone) || !r.alive(pr.ConsumerPID()) {
		return fmt.Errorf("%w: %w", ErrPanelGone, err)
	}
	return err
}

func (r *Renderer) fail(err error) {
	r.failOnce.Do(func() {
		log.Error("rendering session failed", "error", err.Error())
		r.err = err
		close(r.done)
	})
}
