package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gguoling/mswinrtvid/internal/config"
	"github.com/gguoling/mswinrtvid/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "mswinrtvid",
	Short: "H.264 display with a cross-process swap-chain handoff",
	Long: `mswinrtvid renders H.264 into swap-chain surfaces in a render process
and hands each surface to a UI panel process through a shared-memory mailbox.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mswinrtvid v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is mswinrtvid.yaml in the data directory)")

	rootCmd.AddCommand(panelCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config, then points logging at it.
// The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, nil, errors.Join(result.Fatals...)
	}

	closeLog := func() {}
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rf, err := logging.OpenRotatingFile(cfg.LogFile, 10, 3)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = logging.Tee(os.Stderr, rf)
		closeLog = func() { rf.Close() }
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	for _, w := range result.Warnings {
		log.Warn("config value adjusted", logging.KeyError, w.Error())
	}
	return cfg, closeLog, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
