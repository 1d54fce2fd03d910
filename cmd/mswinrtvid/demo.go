package main

import (
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gguoling/mswinrtvid/internal/handoff"
	"github.com/gguoling/mswinrtvid/internal/render"
)

var (
	demoIn  renderInput
	demoOut string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run panel and renderer in one process over the loopback platform",
	Long: `demo runs both ends of the handoff in this process. The two sides get
separate loopback processes, so surfaces still cross a process boundary as
far as the mailbox is concerned, while the control channel uses the real
transport.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		out, closeOut, err := openOutput(demoOut)
		if err != nil {
			return err
		}
		defer closeOut()
		demoIn.output = out

		kernel := handoff.NewLoopback()
		ui, proc := kernel.NewProcess(), kernel.NewProcess()

		ctx, cancel := signalContext()
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)

		ps, err := startPanel(ctx, g, ui, cfg)
		if err != nil {
			return err
		}
		defer ps.close()

		g.Go(func() error {
			err := runRender(ctx, proc, cfg, ps.desc, demoIn)
			if errors.Is(err, render.ErrPanelGone) {
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		log.Info("demo finished", "surfaces", ps.sink.installed.Load())
		return nil
	},
}

func init() {
	addInputFlags(demoCmd, &demoIn)
	demoCmd.Flags().StringVar(&demoOut, "output", "", "write the rendered samples to this file")
	demoCmd.MarkFlagRequired("input")
}
