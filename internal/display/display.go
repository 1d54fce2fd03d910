// Package display is the video display filter. It turns inbound RTP H.264
// (or raw I420 pictures) into samples for a Renderer.
package display

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/gguoling/mswinrtvid/internal/filter"
	"github.com/gguoling/mswinrtvid/internal/h264"
	"github.com/gguoling/mswinrtvid/internal/logging"
	"github.com/gguoling/mswinrtvid/internal/render"
	"github.com/gguoling/mswinrtvid/internal/rtph264"
)

var log = logging.L("display")

// Kind is the registry key of the display filter.
const Kind = "display"

// Default picture size (CIF) until the stream says otherwise.
const (
	DefaultWidth  = 352
	DefaultHeight = 288
)

var ErrNotActivated = errors.New("display: filter is not activated")

// Renderer receives the display output.
type Renderer interface {
	Start(format string, width, height int) error
	Stop()
	ChangeFormat(format string, width, height int)
	FirstFrameReceived()
	// OnSampleReceived is handed one sample; it is only valid during the
	// call. hnsTime is in 100ns units.
	OnSampleReceived(sample []byte, hnsTime int64)
}

// Options configures a display filter.
type Options struct {
	// PixFmt is render.FormatH264 (RTP input) or render.FormatYV12 (I420
	// picture input). Empty means H264.
	PixFmt string
	// BitstreamSize is the initial reassembly buffer size.
	BitstreamSize int
	// KeyframeWriter receives RTCP keyframe requests when set.
	KeyframeWriter   io.Writer
	SenderSSRC       uint32
	KeyframeInterval time.Duration
}

// Stats counts what the filter has done.
type Stats struct {
	Frames           uint64
	Flushed          uint64
	Lost             uint64
	KeyframeRequests uint64
}

// Display is the display filter. Inputs[0] carries media, Inputs[1] is
// drained and ignored.
type Display struct {
	Inputs [2]*filter.Queue

	opts    Options
	release func()

	mu         sync.Mutex
	renderer   Renderer
	activated  bool
	started    bool
	firstFrame bool
	width      int
	height     int
	depack     *rtph264.Depacketizer
	reasm      *h264.Reassembler
	keyframes  *rtph264.KeyframeRequester
	picture    []byte
	stats      Stats
}

var _ filter.Filter = (*Display)(nil)

// New creates the display filter. Only one may exist per registry.
func New(reg *filter.Registry, renderer Renderer, opts Options) (*Display, error) {
	release, err := reg.Acquire(Kind)
	if err != nil {
		return nil, err
	}
	if opts.PixFmt == "" {
		opts.PixFmt = render.FormatH264
	}
	if opts.PixFmt != render.FormatH264 && opts.PixFmt != render.FormatYV12 {
		release()
		return nil, fmt.Errorf("display: unsupported pixel format %q", opts.PixFmt)
	}
	if opts.BitstreamSize <= 0 {
		opts.BitstreamSize = h264.DefaultBufferSize
	}
	d := &Display{
		Inputs:   [2]*filter.Queue{{}, {}},
		opts:     opts,
		release:  release,
		renderer: renderer,
		width:    DefaultWidth,
		height:   DefaultHeight,
	}
	if opts.KeyframeWriter != nil {
		d.keyframes = rtph264.NewKeyframeRequester(opts.KeyframeWriter, opts.SenderSSRC, opts.KeyframeInterval)
	}
	return d, nil
}

// SupportsRendering reports whether the filter can display format.
func SupportsRendering(format string) bool {
	return format == render.FormatH264
}

// SetRenderer replaces the renderer used from the next Start.
func (d *Display) SetRenderer(r Renderer) {
	d.mu.Lock()
	d.renderer = r
	d.mu.Unlock()
}

// VideoSize returns the current picture size.
func (d *Display) VideoSize() (width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// SetVideoSize sets the picture size announced on the next Start.
func (d *Display) SetVideoSize(width, height int) {
	d.mu.Lock()
	d.width, d.height = width, height
	d.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Display) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	if d.depack != nil {
		st.Lost += d.depack.Lost()
	}
	return st
}

// Activate allocates the decoding state.
func (d *Display) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.PixFmt == render.FormatH264 {
		d.depack = rtph264.NewDepacketizer()
		d.reasm = h264.NewReassembler(d.opts.BitstreamSize)
	}
	d.activated = true
}

// Deactivate drops the decoding state and cached parameter sets.
func (d *Display) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.depack != nil {
		d.stats.Lost += d.depack.Lost()
	}
	d.depack = nil
	d.reasm = nil
	d.picture = nil
	d.activated = false
}

// Start starts the renderer once per session. It does nothing unless
// activated.
func (d *Display) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked()
}

func (d *Display) startLocked() error {
	if d.started {
		return nil
	}
	if !d.activated {
		return ErrNotActivated
	}
	d.started = true
	if d.renderer == nil {
		return nil
	}
	log.Info("starting renderer", "format", d.opts.PixFmt, "width", d.width, "height", d.height)
	return d.renderer.Start(d.opts.PixFmt, d.width, d.height)
}

// Stop stops the renderer and forgets the first frame.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Display) stopLocked() {
	if !d.started {
		return
	}
	d.started = false
	d.firstFrame = false
	if d.renderer != nil {
		log.Info("stopping renderer")
		d.renderer.Stop()
	}
}

// Preprocess implements filter.Filter.
func (d *Display) Preprocess() error {
	d.Activate()
	return nil
}

// Process implements filter.Filter. It starts the renderer on the first
// tick, then feeds every queued block.
func (d *Display) Process(now time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.activated && !d.started {
		err = d.startLocked()
	}
	if d.started {
		for b := d.Inputs[0].Get(); b != nil; b = d.Inputs[0].Get() {
			if d.opts.PixFmt == render.FormatH264 {
				d.feedRTP(b, now)
			} else {
				d.feedPicture(b, now)
			}
		}
	} else {
		d.stats.Flushed += uint64(d.Inputs[0].Flush())
	}
	d.Inputs[1].Flush()
	return err
}

// Postprocess implements filter.Filter.
func (d *Display) Postprocess() error {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
	d.Deactivate()
	return nil
}

// Close stops the filter and frees the single-instance slot.
func (d *Display) Close() error {
	d.Stop()
	d.release()
	return nil
}

func (d *Display) feedRTP(b *filter.Block, now time.Duration) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b.Data); err != nil {
		log.Warn("dropping invalid rtp packet", "error", err.Error())
		return
	}
	frames, err := d.depack.Push(&pkt)
	if err != nil {
		log.Warn("depacketize failed", "seq", pkt.SequenceNumber, "error", err.Error())
		d.requestKeyframe(pkt.SSRC)
	}
	for _, fr := range frames {
		if fr.Damaged {
			d.requestKeyframe(pkt.SSRC)
		}
		d.renderNALUs(fr.NALUs, pkt.SSRC, now)
	}
}

func (d *Display) renderNALUs(nalus [][]byte, ssrc uint32, now time.Duration) {
	if len(nalus) == 0 {
		return
	}
	frame, changed, err := d.reasm.Reassemble(nalus)
	if err != nil {
		log.Warn("frame reassembly failed", "error", err.Error())
		d.requestKeyframe(ssrc)
		return
	}
	if changed {
		if size, ok := d.reasm.VideoSize(); ok {
			d.width, d.height = size.Width, size.Height
		}
		if d.renderer != nil {
			log.Info("change renderer format", "format", render.FormatH264, "width", d.width, "height", d.height)
			d.renderer.ChangeFormat(render.FormatH264, d.width, d.height)
		}
	}
	d.deliver(frame, now)
}

// feedPicture reorders an I420 picture into YV12 (Y, V, U).
func (d *Display) feedPicture(b *filter.Block, now time.Duration) {
	w, h := b.Width, b.Height
	ysize := w * h
	usize := ysize / 4
	if w <= 0 || h <= 0 || len(b.Data) < ysize+2*usize {
		log.Warn("dropping short picture", "width", w, "height", h, "bytes", len(b.Data))
		return
	}
	size := ysize + 2*usize
	if cap(d.picture) < size {
		d.picture = make([]byte, size)
	}
	d.picture = d.picture[:size]
	copy(d.picture, b.Data[:ysize])
	copy(d.picture[ysize:], b.Data[ysize+usize:ysize+2*usize])
	copy(d.picture[ysize+usize:], b.Data[ysize:ysize+usize])

	if d.renderer != nil && (w != d.width || h != d.height) {
		d.width, d.height = w, h
		if d.firstFrame {
			d.stopLocked()
			if err := d.startLocked(); err != nil {
				log.Error("renderer restart failed", "error", err.Error())
				return
			}
		} else {
			d.renderer.ChangeFormat(render.FormatYV12, w, h)
		}
	}
	d.deliver(d.picture, now)
}

func (d *Display) deliver(sample []byte, now time.Duration) {
	if len(sample) == 0 || d.renderer == nil {
		return
	}
	if !d.firstFrame {
		d.firstFrame = true
		d.renderer.FirstFrameReceived()
	}
	d.stats.Frames++
	d.renderer.OnSampleReceived(sample, int64(now/100))
}

func (d *Display) requestKeyframe(ssrc uint32) {
	if d.keyframes == nil {
		return
	}
	sent, err := d.keyframes.Request(ssrc)
	if err != nil {
		log.Warn("keyframe request failed", "error", err.Error())
		return
	}
	if sent {
		d.stats.KeyframeRequests++
	}
}
