package directory

import (
	"context"
	"sync"

	"github.com/weiawesome/slippi-broadcast/internal/server/domain"
)

// MemoryDirectory is an in-memory Directory for single-instance relays.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]*domain.BroadcastEntry
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]*domain.BroadcastEntry)}
}

func (d *MemoryDirectory) Put(ctx context.Context, entry *domain.BroadcastEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := *entry
	d.entries[entry.Record.ID] = &e
	return nil
}

func (d *MemoryDirectory) Get(ctx context.Context, broadcastID string) (*domain.BroadcastEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[broadcastID]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (d *MemoryDirectory) Delete(ctx context.Context, broadcastID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, broadcastID)
	return nil
}

func (d *MemoryDirectory) List(ctx context.Context, scope string) ([]*domain.BroadcastEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*domain.BroadcastEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Scope != scope {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (d *MemoryDirectory) Count(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries), nil
}

func (d *MemoryDirectory) Close() error { return nil }

var _ Directory = (*MemoryDirectory)(nil)
