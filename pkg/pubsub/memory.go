package pubsub

import (
	"context"
	"path"
	"sync"
)

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	ctx     context.Context
	cancel  context.CancelFunc
}

// MemoryPubSub implements PubSub inside one process. Patterns use the same
// glob syntax as Redis PSUBSCRIBE for the '*' wildcard.
type MemoryPubSub struct {
	buffer int
	mu     sync.RWMutex
	subs   map[string]*memorySubscription
	closed bool
}

// NewMemoryPubSub creates an in-process PubSub. buffer <= 0 uses the
// default subscription buffer.
func NewMemoryPubSub(buffer int) *MemoryPubSub {
	return &MemoryPubSub{
		buffer: bufferSize(buffer),
		subs:   make(map[string]*memorySubscription),
	}
}

// Publish delivers event to every matching subscription. Lagging
// subscribers miss frames, as with the other drivers.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		deliver(sub.ctx, sub.ch, event, "memory")
	}
	return nil
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false), nil
}

// SubscribePattern subscribes to channels matching a pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return m.subscribe(ctx, pattern, true), nil
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) <-chan *Event {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, m.buffer),
		ctx:     subCtx,
		cancel:  cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		close(sub.ch)
		return sub.ch
	}
	if existing, ok := m.subs[key]; ok {
		m.removeLocked(existing)
	}
	m.subs[key] = sub
	m.mu.Unlock()

	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		if cur, ok := m.subs[key]; ok && cur == sub {
			m.removeLocked(sub)
		}
		m.mu.Unlock()
	}()

	return sub.ch
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[channel]; ok {
		m.removeLocked(sub)
	}
	return nil
}

// Close closes all subscriptions.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		m.removeLocked(sub)
	}
	m.closed = true
	return nil
}

func (m *MemoryPubSub) removeLocked(sub *memorySubscription) {
	delete(m.subs, sub.key)
	sub.cancel()
	close(sub.ch)
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}
