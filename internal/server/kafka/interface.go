package kafka

import (
	"context"
	"time"

	serverdomain "github.com/weiawesome/slippi-broadcast/internal/server/domain"
)

// Event types
const (
	EventBroadcastStarted = "broadcast_started"
	EventBroadcastStopped = "broadcast_stopped"
)

// Stop reasons
const (
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
)

// BroadcastEvent is a broadcast lifecycle change published for analytics.
type BroadcastEvent struct {
	Type         string    `json:"type"`
	BroadcastID  string    `json:"broadcast_id"`
	Name         string    `json:"name,omitempty"`
	Broadcaster  string    `json:"broadcaster,omitempty"`
	ConnectionID string    `json:"connection_id"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Started describes entry being announced.
func Started(entry *serverdomain.BroadcastEntry) *BroadcastEvent {
	return &BroadcastEvent{
		Type:         EventBroadcastStarted,
		BroadcastID:  entry.Record.ID,
		Name:         entry.Record.Name,
		Broadcaster:  entry.Record.Broadcaster.Name,
		ConnectionID: entry.OwnerConnectionID,
		StartedAt:    entry.StartedAt,
		Timestamp:    entry.StartedAt,
	}
}

// Stopped describes entry ending at the given time for reason.
func Stopped(entry *serverdomain.BroadcastEntry, reason string, at time.Time) *BroadcastEvent {
	evt := Started(entry)
	evt.Type = EventBroadcastStopped
	evt.Reason = reason
	evt.Timestamp = at
	if !entry.StartedAt.IsZero() {
		evt.DurationMS = at.Sub(entry.StartedAt).Milliseconds()
	}
	return evt
}

// BroadcastEventProducer publishes broadcast lifecycle events.
type BroadcastEventProducer interface {
	Produce(ctx context.Context, event *BroadcastEvent) error
	Close() error
}

// NopProducer drops every event. It is used when Kafka is disabled.
type NopProducer struct{}

func (NopProducer) Produce(context.Context, *BroadcastEvent) error { return nil }
func (NopProducer) Close() error                                   { return nil }
