package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pion/rtp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gguoling/mswinrtvid/internal/capture"
	"github.com/gguoling/mswinrtvid/internal/config"
	"github.com/gguoling/mswinrtvid/internal/filter"
	"github.com/gguoling/mswinrtvid/internal/rtph264"
)

var (
	captureIn   renderInput
	capturePcap string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Packetize an Annex-B file through the capture filter into an RTP pcap",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, cancel := signalContext()
		defer cancel()
		return runCapture(ctx, cfg, captureIn, capturePcap)
	},
}

func init() {
	addInputFlags(captureCmd, &captureIn)
	captureCmd.Flags().Uint16Var(&captureIn.port, "port", rtph264.DefaultPort, "UDP port recorded in the pcap")
	captureCmd.Flags().StringVar(&capturePcap, "out", "capture.pcap", "pcap file to write")
	captureCmd.MarkFlagRequired("input")
}

func runCapture(ctx context.Context, cfg *config.Config, in renderInput, out string) error {
	f, err := os.Open(in.annexB)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	of, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create pcap: %w", err)
	}
	defer of.Close()
	bw := bufio.NewWriter(of)
	defer bw.Flush()

	pw, err := rtph264.NewPcapWriter(bw, in.port)
	if err != nil {
		return err
	}

	src := capture.NewFileSource(f, in.fps)
	c, err := capture.New(filter.NewRegistry(), src, capture.Options{
		MTU:          cfg.RTPMTU,
		PayloadType:  uint8(cfg.RTPPayloadType),
		AwaitTimeout: cfg.AwaitTimeout,
		IDRInterval:  cfg.IDRInterval,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	sink := &pcapSink{in: c.Outputs[0], w: pw, base: time.Now()}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return filter.NewTicker(cfg.TickInterval, c, sink).Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-src.Ended():
		case <-ctx.Done():
			return nil
		}
		// Wait for the ticker to packetize and record the last samples.
		tk := time.NewTicker(cfg.TickInterval)
		defer tk.Stop()
		for {
			st := c.Stats()
			if st.Samples+st.Invalid >= src.Delivered() && c.Outputs[0].Len() == 0 {
				stop()
				return nil
			}
			select {
			case <-tk.C:
			case <-ctx.Done():
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if sink.err != nil {
		return sink.err
	}

	st := c.Stats()
	log.Info("capture written",
		"file", out,
		"samples", st.Samples,
		"keyframes", st.Keyframes,
		"packets", st.Packets,
		"ssrc", sink.ssrc,
	)
	return nil
}

// pcapSink is a filter that records the RTP packets on its input queue,
// stamped with the ticker time.
type pcapSink struct {
	in   *filter.Queue
	w    *rtph264.PcapWriter
	base time.Time
	ssrc uint32
	err  error
}

func (s *pcapSink) Preprocess() error  { return nil }
func (s *pcapSink) Postprocess() error { return nil }
func (s *pcapSink) Close() error       { return nil }

// Process implements filter.Filter.
func (s *pcapSink) Process(now time.Duration) error {
	for b := s.in.Get(); b != nil; b = s.in.Get() {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(b.Data); err != nil {
			return fmt.Errorf("pcap sink: %w", err)
		}
		s.ssrc = pkt.SSRC
		if err := s.w.WritePacket(&pkt, s.base.Add(now)); err != nil {
			s.err = err
			return err
		}
	}
	return nil
}
