package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/slippi-broadcast/internal/app"
	"github.com/weiawesome/slippi-broadcast/internal/config"
	"github.com/weiawesome/slippi-broadcast/internal/source"
	"github.com/weiawesome/slippi-broadcast/internal/spectate"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/storage"
)

var (
	cfgFile  string
	password string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "slippi",
	Short:         "Broadcast and spectate Slippi games through a relay",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFile(cfgFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		pkglog.Init(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "relay password")

	rootCmd.AddCommand(daemonCmd, broadcastCmd, spectateCmd)
}

// newApp wires an App from the loaded configuration. The recorder is only
// created when recording is enabled.
func newApp(ctx context.Context) (*app.App, error) {
	opts := app.Options{
		Relay:     cfg.Relay,
		Broadcast: cfg.Broadcast,
		Spectate:  cfg.Spectate,
		Source:    source.NewReplayDirSource(cfg.Source),
	}

	if cfg.Recording.Enabled {
		store, err := storage.New(ctx, cfg.Recording.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize replay storage: %w", err)
		}
		opts.Recorder = spectate.NewRecorder(store, cfg.Recording.Prefix)
	}

	return app.New(opts), nil
}
