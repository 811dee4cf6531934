package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/slippi-broadcast/internal/spectate"
	"github.com/weiawesome/slippi-broadcast/pkg/storage"
)

var spectateCmd = &cobra.Command{
	Use:   "spectate",
	Short: "List and watch broadcasts",
}

var spectateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the broadcasts viewable with the password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.RefreshBroadcasts(password).Wait(ctx)
		if err != nil {
			return fmt.Errorf("failed to list broadcasts: %w", err)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no broadcasts")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tBROADCASTER")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.Broadcaster.Name)
		}
		return w.Flush()
	},
}

var spectateWatchCmd = &cobra.Command{
	Use:   "watch <broadcast-id>",
	Short: "Watch a broadcast until it ends or you interrupt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.RefreshBroadcasts(password).Wait(ctx); err != nil {
			return fmt.Errorf("failed to list broadcasts: %w", err)
		}
		h, err := a.WatchBroadcast(args[0]).Wait(ctx)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", h.BroadcastID())
		if !cfg.Recording.Enabled {
			fmt.Fprintln(cmd.OutOrStdout(), "recording is disabled, frames are only counted")
		}

		var frames, size int
		for {
			select {
			case f, ok := <-h.Frames():
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "watch ended: %s (%d frames, %d bytes)\n", h.Reason(), frames, size)
					return nil
				}
				frames++
				size += len(f.Data)
			case <-ctx.Done():
				a.UnwatchBroadcast(h.BroadcastID()).Wait(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "stopped watching (%d frames, %d bytes)\n", frames, size)
				return nil
			}
		}
	},
}

var spectateReplaysCmd = &cobra.Command{
	Use:   "replays [broadcast-id]",
	Short: "List recorded replays",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := storage.New(ctx, cfg.Recording.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize replay storage: %w", err)
		}

		var id string
		if len(args) == 1 {
			id = args[0]
		}
		files, err := spectate.NewRecorder(store, cfg.Recording.Prefix).List(ctx, id)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tRECORDED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%s\n", f.Key, f.Size, f.LastModified.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	spectateCmd.AddCommand(spectateListCmd, spectateWatchCmd, spectateReplaysCmd)
}
