package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/relay"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// Factory creates a connection client for a credential.
type Factory func(credential string) *relay.Client

type entry struct {
	client *relay.Client
	refs   int
}

// Registry shares one connection client per credential between sessions and
// tears it down when the last holder releases it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory Factory
	logger  zerolog.Logger
}

// New creates a Registry that builds clients with factory.
func New(factory Factory) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		logger:  pkglog.Component("registry"),
	}
}

// NewWithConfig creates a Registry whose clients all use cfg.
func NewWithConfig(cfg relay.Config) *Registry {
	return New(func(credential string) *relay.Client {
		return relay.NewClient(cfg, credential)
	})
}

// Acquire returns the client for credential, creating it on first use, and
// takes a reference on it. An entry is reused whatever its status: a held
// client that is Disconnected or Failed is brought back by the holder's next
// Connect, which redials, so a new client is only made once every holder has
// released the old one.
func (r *Registry) Acquire(credential string) *relay.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[credential]; ok {
		e.refs++
		r.logger.Debug().Int("refs", e.refs).Msg("reusing relay client")
		return e.client
	}

	e := &entry{client: r.factory(credential), refs: 1}
	r.entries[credential] = e
	r.logger.Debug().Msg("created relay client")
	return e.client
}

// Release drops one reference on client. The last release removes the entry
// and disconnects the client. Releasing a client the registry does not own is
// a no-op.
func (r *Registry) Release(client *relay.Client) {
	if client == nil {
		return
	}

	r.mu.Lock()
	e, ok := r.entries[client.Credential()]
	if !ok || e.client != client {
		r.mu.Unlock()
		return
	}
	e.refs--
	last := e.refs <= 0
	if last {
		delete(r.entries, client.Credential())
	}
	r.mu.Unlock()

	if last {
		r.logger.Debug().Msg("last reference released, disconnecting relay client")
		client.Disconnect()
	}
}

// Refs returns the number of holders of the client for credential.
func (r *Registry) Refs(credential string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[credential]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
