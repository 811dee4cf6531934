package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weiawesome/slippi-broadcast/internal/daemon"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Serve the broadcast and spectate commands on a local HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := pkglog.L()
		logger.Info().Str("addr", cfg.Daemon.Addr()).Str("relay", cfg.Relay.URL).Msg("starting daemon")
		return daemon.New(a, cfg.Daemon).Run(ctx)
	},
}
