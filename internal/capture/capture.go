// Package capture is the camera capture filter: encoded H.264 samples from
// a Source are packetized to RTP on the filter's output queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gguoling/mswinrtvid/internal/await"
	"github.com/gguoling/mswinrtvid/internal/filter"
	"github.com/gguoling/mswinrtvid/internal/h264"
	"github.com/gguoling/mswinrtvid/internal/logging"
	"github.com/gguoling/mswinrtvid/internal/rtph264"
)

var log = logging.L("capture")

// Kind is the registry key of the capture filter.
const Kind = "capture"

// DefaultAwaitTimeout bounds a platform start or stop.
const DefaultAwaitTimeout = 5 * time.Second

var ErrNotActivated = errors.New("capture: filter is not activated")

// Options configures a capture filter.
type Options struct {
	MTU         int
	PayloadType uint8
	// AwaitTimeout bounds Start and Stop; zero means DefaultAwaitTimeout.
	AwaitTimeout time.Duration
	// IDRInterval requests a periodic IDR after the startup requests.
	IDRInterval time.Duration
}

// Stats counts what the filter has done.
type Stats struct {
	Samples     uint64
	Keyframes   uint64
	Packets     uint64
	Invalid     uint64
	IDRRequests uint64
}

type encodedSample struct {
	timestamp uint32
	data      []byte
}

// Capture is the capture filter. Outputs[0] carries marshaled RTP packets.
type Capture struct {
	Outputs [1]*filter.Queue

	src     Source
	opts    Options
	release func()

	packetizer *rtph264.Packetizer

	mu        sync.Mutex
	pending   []encodedSample
	starter   VideoStarter
	sent      uint64 // samples sent since Start
	activated bool
	started   bool
	stats     Stats
}

var _ filter.Filter = (*Capture)(nil)

// New creates the capture filter over src. Only one may exist per registry.
func New(reg *filter.Registry, src Source, opts Options) (*Capture, error) {
	if src == nil {
		return nil, errors.New("capture: source is required")
	}
	release, err := reg.Acquire(Kind)
	if err != nil {
		return nil, err
	}
	if opts.MTU <= 0 {
		opts.MTU = rtph264.DefaultMTU
	}
	if opts.PayloadType == 0 {
		opts.PayloadType = rtph264.DefaultPayloadType
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = DefaultAwaitTimeout
	}
	return &Capture{
		Outputs: [1]*filter.Queue{{}},
		src:     src,
		opts:    opts,
		release: release,
		starter: VideoStarter{Interval: opts.IDRInterval},
	}, nil
}

// SSRC returns the synchronization source of the outgoing stream.
func (c *Capture) SSRC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.packetizer == nil {
		return 0
	}
	return c.packetizer.SSRC()
}

// Stats returns a snapshot of the counters.
func (c *Capture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// OnSampleAvailable queues a copy of one encoded sample. It is called by
// the source on its own goroutine.
func (c *Capture) OnSampleAvailable(hnsTime int64, data []byte) {
	ts := uint32(hnsTime / 10000 * 90)
	smp := encodedSample{timestamp: ts, data: append([]byte(nil), data...)}
	c.mu.Lock()
	c.pending = append(c.pending, smp)
	c.mu.Unlock()
}

// Activate prepares the packetizer.
func (c *Capture) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.packetizer == nil {
		c.packetizer = rtph264.NewPacketizer(c.opts.MTU, c.opts.PayloadType)
	}
	c.activated = true
}

// Deactivate releases the packetizer; the next activation starts a new
// RTP stream.
func (c *Capture) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetizer = nil
	c.activated = false
}

// Start starts the source and waits for it to report completion.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if !c.activated {
		c.mu.Unlock()
		return ErrNotActivated
	}
	c.mu.Unlock()

	started := await.New[struct{}]()
	c.src.Start(c.OnSampleAvailable, func(err error) { started.Complete(struct{}{}, err) })
	if _, err := started.Await(ctx, c.opts.AwaitTimeout); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	c.mu.Lock()
	c.started = true
	c.sent = 0
	c.starter.Reset()
	c.mu.Unlock()
	log.Info("capture started")
	return nil
}

// Stop stops the source and discards samples that were not sent.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	stopped := await.New[struct{}]()
	c.src.Stop(func(err error) { stopped.Complete(struct{}{}, err) })
	_, err := stopped.Await(ctx, c.opts.AwaitTimeout)

	c.mu.Lock()
	c.started = false
	c.pending = nil
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	log.Info("capture stopped")
	return nil
}

// RequestIDR forwards a keyframe request to the source.
func (c *Capture) RequestIDR() {
	c.mu.Lock()
	c.stats.IDRRequests++
	c.mu.Unlock()
	c.src.RequestIDR()
}

// HandleRTCP requests an IDR frame when buf is a keyframe request for this
// stream.
func (c *Capture) HandleRTCP(buf []byte) bool {
	ssrc := c.SSRC()
	if ssrc == 0 || !rtph264.IsKeyframeRequest(buf, ssrc) {
		return false
	}
	log.Debug("keyframe requested by receiver")
	c.RequestIDR()
	return true
}

// Preprocess implements filter.Filter.
func (c *Capture) Preprocess() error {
	c.Activate()
	return c.Start(context.Background())
}

// Process implements filter.Filter: queued samples are packetized onto
// Outputs[0].
func (c *Capture) Process(now time.Duration) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	pz := c.packetizer
	c.mu.Unlock()
	if pz == nil {
		return nil
	}

	needIDR := false
	for _, smp := range pending {
		nalus := h264.SplitAnnexB(smp.data)
		if len(nalus) == 0 {
			c.mu.Lock()
			c.stats.Invalid++
			c.mu.Unlock()
			continue
		}
		pkts := pz.Packetize(smp.data, smp.timestamp)
		for _, pkt := range pkts {
			raw, err := pkt.Marshal()
			if err != nil {
				return fmt.Errorf("capture: marshal rtp: %w", err)
			}
			c.Outputs[0].Put(&filter.Block{Data: raw, Timestamp: smp.timestamp, Marker: pkt.Marker})
		}

		c.mu.Lock()
		if c.sent == 0 {
			c.starter.First(now)
		} else if c.starter.NeedIFrame(now) {
			needIDR = true
		}
		c.sent++
		c.stats.Samples++
		c.stats.Packets += uint64(len(pkts))
		if h264.IsKeyFrame(nalus) {
			c.stats.Keyframes++
		}
		c.mu.Unlock()
	}
	if needIDR {
		c.RequestIDR()
	}
	return nil
}

// Postprocess implements filter.Filter.
func (c *Capture) Postprocess() error {
	err := c.Stop(context.Background())
	c.Deactivate()
	return err
}

// Close stops the source and frees the single-instance slot.
func (c *Capture) Close() error {
	err := c.Stop(context.Background())
	c.release()
	return err
}
