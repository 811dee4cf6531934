package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// Kind identifies a status notification.
type Kind string

const (
	KindDolphinStatus      Kind = "dolphin_status"
	KindSlippiStatus       Kind = "slippi_status"
	KindViewableBroadcasts Kind = "viewable_broadcasts"
	KindBroadcastState     Kind = "broadcast_state"
	KindSpectateStatus     Kind = "spectate_status"
	KindCommandFailed      Kind = "command_failed"
)

// Event is one status notification. Every payload is a value copy owned by
// the receiver.
type Event struct {
	Kind       Kind                     `json:"kind"`
	Time       time.Time                `json:"time"`
	Status     domain.ConnectionStatus  `json:"status,omitempty"`
	Broadcasts []domain.BroadcastRecord `json:"broadcasts,omitempty"`
	Broadcast  *domain.BroadcastState   `json:"broadcast,omitempty"`
	Spectate   *domain.SpectateState    `json:"spectate,omitempty"`
	Command    string                   `json:"command,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Emitter receives status notifications from the sessions.
type Emitter interface {
	Publish(evt Event)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: pkglog.Component("events"),
	}
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn().Int("subscriber", id).Str("kind", string(evt.Kind)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribe returns a channel of events and a func that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
