package service

import (
	"context"

	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
)

// RelayService implements the relay side of the broadcast protocol.
type RelayService interface {
	// HandleAuth authenticates a connection, recovering its identity from a
	// resume token when one is presented.
	HandleAuth(ctx context.Context, client *hub.Client, msg *protocol.AuthMessage) error

	// HandleStartBroadcast announces or resumes a broadcast.
	HandleStartBroadcast(ctx context.Context, client *hub.Client, msg *protocol.StartBroadcastMessage) error

	// HandleFrame fans one frame out to the broadcast's viewers.
	HandleFrame(ctx context.Context, client *hub.Client, msg *protocol.FrameMessage) error

	// HandleStopBroadcast ends a broadcast owned by the client.
	HandleStopBroadcast(ctx context.Context, client *hub.Client, msg *protocol.StopBroadcastMessage) error

	// HandleListBroadcasts replies with the broadcasts visible to the client.
	HandleListBroadcasts(ctx context.Context, client *hub.Client, msg *protocol.ListBroadcastsMessage) error

	// HandleWatch subscribes the client to a broadcast.
	HandleWatch(ctx context.Context, client *hub.Client, msg *protocol.WatchBroadcastMessage) error

	// HandleUnwatch drops a subscription.
	HandleUnwatch(ctx context.Context, client *hub.Client, msg *protocol.UnwatchBroadcastMessage) error

	// HandleDisconnect runs when a client's connection ends.
	HandleDisconnect(ctx context.Context, client *hub.Client) error

	// BroadcastCount returns the number of live broadcasts.
	BroadcastCount(ctx context.Context) (int, error)

	// Start starts background goroutines (viewer fan-out).
	Start(ctx context.Context) error

	// Stop stops background goroutines and pending timers.
	Stop() error
}
