package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gguoling/mswinrtvid/internal/capture"
	"github.com/gguoling/mswinrtvid/internal/config"
	"github.com/gguoling/mswinrtvid/internal/display"
	"github.com/gguoling/mswinrtvid/internal/filter"
	"github.com/gguoling/mswinrtvid/internal/handoff"
	"github.com/gguoling/mswinrtvid/internal/health"
	"github.com/gguoling/mswinrtvid/internal/ipc"
	"github.com/gguoling/mswinrtvid/internal/logging"
	"github.com/gguoling/mswinrtvid/internal/render"
	"github.com/gguoling/mswinrtvid/internal/rtph264"
)

const (
	statsInterval = time.Second
	// endGrace lets the last frames reach the panel once the input ends.
	endGrace = time.Second
)

var (
	renderIn  renderInput
	renderOut string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Run the render side: decode H.264 and publish surfaces to the panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		p, err := handoff.SystemPlatform()
		if err != nil {
			return fmt.Errorf("%w (the demo command runs both sides in one process)", err)
		}
		desc, err := handoff.ReadDescriptor(cfg.DescriptorPath)
		if err != nil {
			return err
		}

		out, closeOut, err := openOutput(renderOut)
		if err != nil {
			return err
		}
		defer closeOut()
		renderIn.output = out
		renderIn.forwardLogs = true

		ctx, cancel := signalContext()
		defer cancel()
		return runRender(ctx, p, cfg, desc, renderIn)
	},
}

func init() {
	addInputFlags(renderCmd, &renderIn)
	renderCmd.Flags().StringVar(&renderIn.pcap, "pcap", "", "RTP capture to replay instead of an Annex-B file")
	renderCmd.Flags().Uint16Var(&renderIn.port, "port", 0, "UDP port to select from the pcap (0 accepts any)")
	renderCmd.Flags().StringVar(&renderOut, "output", "", "write the rendered samples to this file")
	renderCmd.MarkFlagsMutuallyExclusive("input", "pcap")
	renderCmd.MarkFlagsOneRequired("input", "pcap")
}

func addInputFlags(cmd *cobra.Command, in *renderInput) {
	cmd.Flags().StringVar(&in.annexB, "input", "", "Annex-B H.264 file played as a camera")
	cmd.Flags().IntVar(&in.fps, "fps", capture.DefaultFPS, "frame rate of the Annex-B input")
}

// renderInput says where the encoded video comes from and where rendered
// samples go.
type renderInput struct {
	annexB string
	fps    int
	pcap   string
	port   uint16
	output io.Writer
	// forwardLogs sends renderer logs to the panel. Off when both sides
	// share one process.
	forwardLogs bool
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// renderSession is the producer process pipeline: an input filter feeding
// the display filter, whose renderer publishes into the mailbox.
type renderSession struct {
	cfg      *config.Config
	renderer *render.Renderer
	display  *display.Display
	capture  *capture.Capture
	filters  []filter.Filter
	ended    <-chan struct{}
	health   *health.Monitor
	closers  []func() error
	forward  bool
}

func newRenderSession(p handoff.Platform, cfg *config.Config, desc handoff.Descriptor, in renderInput) (rs *renderSession, err error) {
	rs = &renderSession{cfg: cfg, health: health.NewMonitor(), forward: in.forwardLogs}
	defer func() {
		if err != nil {
			rs.close()
		}
	}()

	out := in.output
	if out == nil {
		out = io.Discard
	}
	rs.renderer = render.NewRenderer(p, func(format string) (render.Engine, error) {
		e := render.NewFileEngine(p, out)
		if format == render.FormatYV12 {
			e.Interval = cfg.TickInterval
		}
		return e, nil
	}, handoff.WithLockTimeout(cfg.LockTimeout))
	rs.renderer.QueueSize = cfg.SampleQueueSize
	rs.closers = append(rs.closers, rs.renderer.Close)
	if err := rs.renderer.SetSwapChainPanel(desc.Name); err != nil {
		return rs, err
	}

	reg := filter.NewRegistry()
	opts := display.Options{BitstreamSize: cfg.BitstreamInitialSize}

	switch {
	case in.pcap != "":
		f, err := os.Open(in.pcap)
		if err != nil {
			return rs, fmt.Errorf("open pcap: %w", err)
		}
		rs.closers = append(rs.closers, f.Close)
		feeder, err := newPcapFeeder(f, in.port)
		if err != nil {
			return rs, err
		}
		if rs.display, err = display.New(reg, rs.renderer, opts); err != nil {
			return rs, err
		}
		feeder.out = rs.display.Inputs[0]
		rs.filters = []filter.Filter{feeder, rs.display}
		rs.ended = feeder.ended

	default:
		f, err := os.Open(in.annexB)
		if err != nil {
			return rs, fmt.Errorf("open input: %w", err)
		}
		rs.closers = append(rs.closers, f.Close)
		src := capture.NewFileSource(f, in.fps)
		rs.capture, err = capture.New(reg, src, capture.Options{
			MTU:          cfg.RTPMTU,
			PayloadType:  uint8(cfg.RTPPayloadType),
			AwaitTimeout: cfg.AwaitTimeout,
			IDRInterval:  cfg.IDRInterval,
		})
		if err != nil {
			return rs, err
		}
		rs.closers = append(rs.closers, rs.capture.Close)
		opts.KeyframeWriter = rtcpLoopback{rs.capture}
		if rs.display, err = display.New(reg, rs.renderer, opts); err != nil {
			return rs, err
		}
		rs.display.Inputs[0] = rs.capture.Outputs[0]
		rs.filters = []filter.Filter{rs.capture, rs.display}
		rs.ended = src.Ended()
	}
	rs.closers = append(rs.closers, rs.display.Close)
	return rs, nil
}

// run drives the pipeline until the input ends, the panel goes away or ctx
// is canceled. client may be nil.
func (rs *renderSession) run(ctx context.Context, client *ipc.Client) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	ticker := filter.NewTicker(rs.cfg.TickInterval, rs.filters...)
	g.Go(func() error {
		return ticker.Run(ctx)
	})

	g.Go(func() error {
		select {
		case <-rs.ended:
			log.Info("input ended")
			select {
			case <-time.After(endGrace):
			case <-ctx.Done():
				return nil
			}
			if err := rs.renderer.ShutdownPanel(); err != nil {
				log.Warn("shutdown panel", logging.KeyError, err.Error())
			}
			stop()
			return nil
		case <-rs.renderer.Done():
			err := rs.renderer.Err()
			if err != nil {
				rs.health.Update(health.StageHandoff, health.Unhealthy, err.Error())
			}
			return err
		case <-ctx.Done():
			return nil
		}
	})

	if client != nil {
		rs.health.Update(health.StageControl, health.Healthy, "")
		stopForward := rs.forwardLogs(client)
		context.AfterFunc(ctx, func() {
			stopForward()
			client.Close()
		})
		g.Go(func() error {
			return rs.listen(ctx, client, stop)
		})
	}
	g.Go(func() error {
		rs.report(ctx, client)
		return nil
	})

	return g.Wait()
}

// forwardLogs mirrors this process's log records to the panel until the
// returned func is called.
func (rs *renderSession) forwardLogs(client *ipc.Client) func() {
	level := rs.cfg.ForwardLogLevel
	if !rs.forward || level == "" || strings.EqualFold(level, "off") {
		return func() {}
	}
	f := logging.NewForwarder(logging.ForwarderConfig{
		MinLevel: level,
		Skip:     []string{"ipc"},
	}, func(e logging.Entry) error {
		return client.Send(ipc.TypeLog, ipc.LogRecord{
			Time:      e.Time,
			Level:     e.Level,
			Component: e.Component,
			Message:   e.Message,
			Fields:    e.Fields,
		})
	})
	f.Start()
	logging.SetForwarder(f)
	return func() {
		logging.SetForwarder(nil)
		f.Stop()
	}
}

// listen handles messages from the panel.
func (rs *renderSession) listen(ctx context.Context, client *ipc.Client, stop func()) error {
	for {
		env, err := client.Recv()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("control channel closed", logging.KeyError, err.Error())
				rs.health.Update(health.StageControl, health.Degraded, "control channel closed")
			}
			return nil
		}
		if env.Type != ipc.TypeStop {
			log.Debug("ignoring control message", "type", env.Type)
			continue
		}
		msg, _ := ipc.Decode[ipc.Stop](env)
		log.Info("panel asked the renderer to stop", "reason", msg.Reason)
		stop()
		return nil
	}
}

// report logs counters and forwards them, plus size changes, to the panel.
func (rs *renderSession) report(ctx context.Context, client *ipc.Client) {
	tk := time.NewTicker(statsInterval)
	defer tk.Stop()
	var lastW, lastH int
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		ds, rst := rs.display.Stats(), rs.renderer.Stats()
		rs.health.Observe(health.Counters{
			Frames:    ds.Frames,
			Lost:      ds.Lost,
			Dropped:   rst.Dropped,
			Published: rst.Published,
		})
		status, detail := rs.health.Summary()
		st := ipc.Stats{
			Frames:           ds.Frames,
			Dropped:          rst.Dropped,
			Published:        rst.Published,
			KeyframeRequests: ds.KeyframeRequests,
			Health:           string(status),
			HealthDetail:     detail,
		}
		log.Debug("render stats", "frames", st.Frames, "dropped", st.Dropped, "published", st.Published, "lost", ds.Lost, "health", st.Health)
		if client == nil {
			continue
		}
		if w, h := rs.display.VideoSize(); w != lastW || h != lastH {
			lastW, lastH = w, h
			if err := client.Send(ipc.TypeFormat, ipc.Format{Codec: render.FormatH264, Width: w, Height: h}); err != nil {
				log.Warn("send format", logging.KeyError, err.Error())
			}
		}
		if err := client.Send(ipc.TypeStats, st); err != nil {
			log.Warn("send stats", logging.KeyError, err.Error())
		}
	}
}

func (rs *renderSession) close() {
	for i := len(rs.closers) - 1; i >= 0; i-- {
		if err := rs.closers[i](); err != nil {
			log.Debug("close", logging.KeyError, err.Error())
		}
	}
	rs.closers = nil
}

// connectPanel opens the control channel described by desc. A missing
// endpoint yields a nil client.
func connectPanel(ctx context.Context, desc handoff.Descriptor) (*ipc.Client, error) {
	if desc.ControlEndpoint == "" {
		return nil, nil
	}
	key, err := ipc.ParseSessionKey(desc.ControlKey)
	if err != nil {
		return nil, err
	}
	return ipc.Connect(ctx, desc.ControlEndpoint, key, ipc.Hello{
		PID:   uint32(os.Getpid()),
		Panel: desc.Name,
	})
}

func runRender(ctx context.Context, p handoff.Platform, cfg *config.Config, desc handoff.Descriptor, in renderInput) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	rs, err := newRenderSession(p, cfg, desc, in)
	if err != nil {
		return err
	}
	defer rs.close()

	client, err := connectPanel(ctx, desc)
	if err != nil {
		log.Warn("control channel unavailable", logging.KeyError, err.Error())
		client = nil
	}

	err = rs.run(ctx, client)
	if errors.Is(err, render.ErrPanelGone) {
		log.Info("panel went away")
	}
	return err
}

// rtcpLoopback hands the display's keyframe requests to the capture filter
// of the same pipeline.
type rtcpLoopback struct {
	c *capture.Capture
}

func (l rtcpLoopback) Write(p []byte) (int, error) {
	if !l.c.HandleRTCP(p) {
		log.Debug("keyframe request for another stream ignored")
	}
	return len(p), nil
}

// pcapFeeder is a filter that replays a capture onto its output queue,
// paced by the capture timestamps.
type pcapFeeder struct {
	src   *rtph264.PcapSource
	out   *filter.Queue
	ended chan struct{}

	done  bool
	start time.Time
	next  *rtp.Packet
	at    time.Time
}

func newPcapFeeder(r io.Reader, port uint16) (*pcapFeeder, error) {
	src, err := rtph264.NewPcapSource(r, port)
	if err != nil {
		return nil, err
	}
	return &pcapFeeder{src: src, ended: make(chan struct{})}, nil
}

func (f *pcapFeeder) Preprocess() error  { return nil }
func (f *pcapFeeder) Postprocess() error { return nil }
func (f *pcapFeeder) Close() error       { return nil }

// Process implements filter.Filter.
func (f *pcapFeeder) Process(now time.Duration) error {
	for !f.done {
		if f.next == nil {
			pkt, at, err := f.src.Next()
			if err != nil {
				f.done = true
				close(f.ended)
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			f.next, f.at = pkt, at
			if f.start.IsZero() {
				f.start = at
			}
		}
		if f.at.Sub(f.start) > now {
			return nil
		}
		pkt := f.next
		f.next = nil
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("pcap replay: %w", err)
		}
		f.out.Put(&filter.Block{Data: raw, Timestamp: pkt.Timestamp, Marker: pkt.Marker})
	}
	return nil
}
