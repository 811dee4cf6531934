package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/slippi-broadcast/internal/events"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast the local game until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		ch, unsubscribe := a.Events(64)
		defer unsubscribe()

		st, err := a.StartBroadcast(password).Wait(ctx)
		if err != nil {
			return fmt.Errorf("failed to start broadcast: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "broadcasting %s, press Ctrl+C to stop\n", st.BroadcastID)

		for {
			select {
			case <-ctx.Done():
				st, err := a.StopBroadcast().Wait(cmd.Context())
				if err != nil {
					return err
				}
				if st.StartTime != nil && st.EndTime != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "broadcast ended after %s\n", st.EndTime.Sub(*st.StartTime).Round(time.Second))
				}
				return nil
			case evt, ok := <-ch:
				if !ok {
					return nil
				}
				if evt.Kind == events.KindBroadcastState && evt.Broadcast != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "state: %s (relay %s, dolphin %s)\n",
						evt.Broadcast.Phase, evt.Broadcast.SlippiConnectionStatus, evt.Broadcast.DolphinConnectionStatus)
					if !evt.Broadcast.IsBroadcasting && !evt.Broadcast.IsConnecting {
						return fmt.Errorf("broadcast stopped: %s", evt.Broadcast.Phase)
					}
				}
			}
		}
	},
}
