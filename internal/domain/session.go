package domain

import "time"

// BroadcastPhase is the lifecycle phase of a broadcast session.
type BroadcastPhase string

const (
	PhaseIdle         BroadcastPhase = "idle"
	PhaseConnecting   BroadcastPhase = "connecting"
	PhaseBroadcasting BroadcastPhase = "broadcasting"
	PhaseStopping     BroadcastPhase = "stopping"
	PhaseFailed       BroadcastPhase = "failed"
)

// BroadcastState is a snapshot of a broadcast session.
type BroadcastState struct {
	Phase                   BroadcastPhase   `json:"phase"`
	BroadcastID             string           `json:"broadcast_id,omitempty"`
	DolphinConnectionStatus ConnectionStatus `json:"dolphin_connection_status"`
	SlippiConnectionStatus  ConnectionStatus `json:"slippi_connection_status"`
	IsConnecting            bool             `json:"is_connecting"`
	IsBroadcasting          bool             `json:"is_broadcasting"`
	StartTime               *time.Time       `json:"start_time,omitempty"`
	EndTime                 *time.Time       `json:"end_time,omitempty"`
}

// SpectateState is a snapshot of a spectate session.
type SpectateState struct {
	SlippiConnectionStatus ConnectionStatus           `json:"slippi_connection_status"`
	Broadcasts             map[string]BroadcastRecord `json:"broadcasts"`
	Watching               []string                   `json:"watching"`
}
