package pubsub

import "fmt"

// Channel naming conventions for relay fan-out.
const (
	// Broadcaster -> viewers, one channel per broadcast
	ChannelBroadcastToViewers = "relay:broadcast:%s:to_viewers"

	// ViewersPattern matches every broadcast's viewer channel.
	ViewersPattern = "relay:broadcast:*:to_viewers"
)

// Event types published on viewer channels.
const (
	EventFrame          = "frame"
	EventBroadcastEnded = "broadcast_ended"
)

// BroadcastToViewersChannel returns the channel carrying a broadcast's
// frames to its viewers.
func BroadcastToViewersChannel(broadcastID string) string {
	return fmt.Sprintf(ChannelBroadcastToViewers, broadcastID)
}

// FramePayload is one chunk of game-state data.
type FramePayload struct {
	BroadcastID string `json:"broadcast_id"`
	Seq         uint64 `json:"seq"`
	Data        []byte `json:"data"`
}

// BroadcastEndedPayload is sent once when a broadcast ends.
type BroadcastEndedPayload struct {
	BroadcastID string `json:"broadcast_id"`
	Reason      string `json:"reason"` // "explicit", "disconnect", "timeout"
}
