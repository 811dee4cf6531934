package directory

import (
	"context"
	"fmt"

	"github.com/weiawesome/slippi-broadcast/internal/server/config"
	"github.com/weiawesome/slippi-broadcast/internal/server/domain"
)

// Directory stores the live broadcasts known to the relay. A shared
// directory lets several relay instances list each other's broadcasts.
type Directory interface {
	// Put stores or replaces an entry.
	Put(ctx context.Context, entry *domain.BroadcastEntry) error

	// Get returns the entry for a broadcast, or nil if there is none.
	Get(ctx context.Context, broadcastID string) (*domain.BroadcastEntry, error)

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, broadcastID string) error

	// List returns the entries visible to scope.
	List(ctx context.Context, scope string) ([]*domain.BroadcastEntry, error)

	// Count returns the number of live broadcasts across all scopes.
	Count(ctx context.Context) (int, error)

	Close() error
}

// New creates the directory selected by cfg.Driver.
func New(cfg config.DirectoryConfig) (Directory, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryDirectory(), nil
	case "redis":
		return NewRedisDirectory(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported directory driver: %s", cfg.Driver)
	}
}
