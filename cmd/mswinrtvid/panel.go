package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gguoling/mswinrtvid/internal/config"
	"github.com/gguoling/mswinrtvid/internal/dispatcher"
	"github.com/gguoling/mswinrtvid/internal/handoff"
	"github.com/gguoling/mswinrtvid/internal/health"
	"github.com/gguoling/mswinrtvid/internal/ipc"
	"github.com/gguoling/mswinrtvid/internal/logging"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Run the UI side: create the mailbox and install published surfaces",
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

		ctx, cancel := signalContext()
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		ps, err := startPanel(ctx, g, p, cfg)
		if err != nil {
			return err
		}
		defer ps.close()

		if err := handoff.WriteDescriptor(cfg.DescriptorPath, ps.desc); err != nil {
			cancel()
			g.Wait()
			return err
		}
		defer os.Remove(cfg.DescriptorPath)
		log.Info("waiting for renderer", "descriptor", cfg.DescriptorPath, "endpoint", ps.desc.ControlEndpoint)

		return g.Wait()
	},
}

// surfaceCounter is the panel's surface sink. A real UI would bind the
// surface to its swap-chain panel here.
type surfaceCounter struct {
	installed atomic.Uint64
	current   atomic.Uint64
}

func (s *surfaceCounter) SetSurface(h handoff.Handle) error {
	if h != 0 {
		s.installed.Add(1)
	}
	s.current.Store(uint64(h))
	return nil
}

// panelSession is the consumer end plus its control channel.
type panelSession struct {
	consumer *handoff.Consumer
	server   *ipc.Server
	ui       *dispatcher.Dispatcher
	sink     *surfaceCounter
	desc     handoff.Descriptor
}

// startPanel creates the mailbox on p and starts the wait loop and the
// control server on g.
func startPanel(ctx context.Context, g *errgroup.Group, p handoff.Platform, cfg *config.Config) (*panelSession, error) {
	ui, err := dispatcher.New("ui", dispatcher.DefaultQueueSize)
	if err != nil {
		return nil, err
	}
	ps := &panelSession{ui: ui, sink: &surfaceCounter{}}

	ps.consumer, err = handoff.NewConsumer(p, cfg.PanelName, ps.sink, ui, handoff.WithLockTimeout(cfg.LockTimeout))
	if err != nil {
		ui.Shutdown(context.Background())
		return nil, err
	}

	key, err := ipc.GenerateSessionKey()
	if err != nil {
		ps.closeHandoff()
		return nil, err
	}
	endpoint := cfg.ControlEndpoint
	if endpoint == "" {
		endpoint = ipc.DefaultEndpoint(cfg.PanelName)
	}
	l, err := ipc.Listen(endpoint)
	if err != nil {
		ps.closeHandoff()
		return nil, err
	}
	ps.server = ipc.NewServer(l, key, cfg.PanelName, ps.handle)

	ps.desc = ps.consumer.Descriptor()
	ps.desc.ControlEndpoint = endpoint
	ps.desc.ControlKey = hex.EncodeToString(key)

	g.Go(func() error {
		err := ps.consumer.Run(ctx)
		reason := "panel closed"
		if err != nil && !errors.Is(err, context.Canceled) {
			reason = err.Error()
		}
		ps.server.Broadcast(ipc.TypeStop, ipc.Stop{Reason: reason})
		ps.server.Close()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return ps.server.Serve(ctx)
	})
	return ps, nil
}

func (ps *panelSession) handle(peer *ipc.Peer, env *ipc.Envelope) {
	plog := log.With(logging.KeyPID, peer.Hello.PID, "verified", peer.Verified)
	switch env.Type {
	case ipc.TypeFormat:
		f, err := ipc.Decode[ipc.Format](env)
		if err != nil {
			plog.Warn("bad format message", logging.KeyError, err.Error())
			return
		}
		plog.Info("renderer format", "codec", f.Codec, logging.KeyWidth, f.Width, logging.KeyHeight, f.Height)
	case ipc.TypeStats:
		st, err := ipc.Decode[ipc.Stats](env)
		if err != nil {
			plog.Warn("bad stats message", logging.KeyError, err.Error())
			return
		}
		plog.Debug("renderer stats",
			"frames", st.Frames,
			"dropped", st.Dropped,
			"published", st.Published,
			"keyframeRequests", st.KeyframeRequests,
			"installed", ps.sink.installed.Load(),
			"health", st.Health,
		)
		if h := health.Status(st.Health); h == health.Degraded || h == health.Unhealthy {
			plog.Warn("renderer unhealthy", "health", st.Health, "detail", st.HealthDetail)
		}
	case ipc.TypeLog:
		rec, err := ipc.Decode[ipc.LogRecord](env)
		if err != nil {
			plog.Warn("bad log message", logging.KeyError, err.Error())
			return
		}
		relog(plog, rec)
	case ipc.TypeStop:
		plog.Info("renderer asked the panel to stop")
		ps.consumer.Shutdown()
	default:
		plog.Warn("unexpected control message", "type", env.Type)
	}
}

// relog writes a forwarded renderer record to the panel's own log.
func relog(plog *slog.Logger, rec ipc.LogRecord) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(rec.Level)); err != nil {
		level = slog.LevelInfo
	}
	args := make([]any, 0, 2*len(rec.Fields)+4)
	args = append(args, "remote", rec.Component, "at", rec.Time)
	for k, v := range rec.Fields {
		args = append(args, k, v)
	}
	plog.Log(context.Background(), level, rec.Message, args...)
}

func (ps *panelSession) closeHandoff() {
	if err := ps.consumer.Close(); err != nil {
		log.Warn("close handoff consumer", logging.KeyError, err.Error())
	}
	ps.ui.Shutdown(context.Background())
}

func (ps *panelSession) close() {
	ps.server.Close()
	ps.closeHandoff()
	log.Info("panel closed", "surfaces", ps.sink.installed.Load())
}
