// Package app is the command surface used by the daemon and the CLI. Every
// command returns immediately with a Pending result; failures are also
// published as command_failed events, so callers may ignore the result.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/broadcast"
	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/source"
	"github.com/weiawesome/slippi-broadcast/internal/spectate"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// Command names used in command_failed events.
const (
	CmdStartBroadcast    = "start_broadcast"
	CmdStopBroadcast     = "stop_broadcast"
	CmdRefreshBroadcasts = "refresh_broadcasts"
	CmdWatchBroadcast    = "watch_broadcast"
	CmdUnwatchBroadcast  = "unwatch_broadcast"
	CmdInitSpectate      = "init_spectate"
)

const recordBuffer = 1024

// ErrNotWatching is returned when unwatching a broadcast that has no open
// watch.
var ErrNotWatching = errors.New("broadcast is not being watched")

// Options wires an App.
type Options struct {
	Relay     relay.Config
	Broadcast broadcast.Config
	Spectate  spectate.Config
	Source    source.Source
	// Recorder, when set, stores every watched broadcast.
	Recorder *spectate.Recorder
}

// App owns the broadcast and spectate sessions of one process.
type App struct {
	bus       *events.Bus
	registry  *registry.Registry
	broadcast *broadcast.Session
	spectate  *spectate.Session
	recorder  *spectate.Recorder
	logger    zerolog.Logger

	mu      sync.Mutex
	watches map[string]*spectate.WatchHandle
	wg      sync.WaitGroup
}

// New creates an App. Both sessions share one registry, so broadcasting and
// spectating with the same password use a single relay connection.
func New(opts Options) *App {
	bus := events.NewBus()
	reg := registry.NewWithConfig(opts.Relay)
	return &App{
		bus:       bus,
		registry:  reg,
		broadcast: broadcast.NewSession(opts.Broadcast, reg, opts.Source, bus),
		spectate:  spectate.NewSession(opts.Spectate, reg, bus),
		recorder:  opts.Recorder,
		logger:    pkglog.Component("app"),
		watches:   make(map[string]*spectate.WatchHandle),
	}
}

// Events subscribes to status events. The returned func unsubscribes.
func (a *App) Events(buffer int) (<-chan events.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// BroadcastState returns the broadcast session snapshot.
func (a *App) BroadcastState() domain.BroadcastState {
	return a.broadcast.State()
}

// SpectateState returns the spectate session snapshot.
func (a *App) SpectateState() domain.SpectateState {
	return a.spectate.State()
}

// StartBroadcast starts broadcasting with password.
func (a *App) StartBroadcast(password string) *Pending[domain.BroadcastState] {
	return run(func() (domain.BroadcastState, error) {
		err := a.broadcast.Start(context.Background(), password)
		a.report(CmdStartBroadcast, err)
		return a.broadcast.State(), err
	})
}

// StopBroadcast stops the broadcast or cancels a start in flight.
func (a *App) StopBroadcast() *Pending[domain.BroadcastState] {
	return run(func() (domain.BroadcastState, error) {
		err := a.broadcast.Stop()
		a.report(CmdStopBroadcast, err)
		return a.broadcast.State(), err
	})
}

// InitSpectate connects the spectate session with password.
func (a *App) InitSpectate(password string) *Pending[domain.SpectateState] {
	return run(func() (domain.SpectateState, error) {
		err := a.spectate.Connect(context.Background(), password)
		a.report(CmdInitSpectate, err)
		return a.spectate.State(), err
	})
}

// RefreshBroadcasts connects with password when needed and reloads the
// viewable broadcasts.
func (a *App) RefreshBroadcasts(password string) *Pending[[]domain.BroadcastRecord] {
	return run(func() ([]domain.BroadcastRecord, error) {
		ctx := context.Background()
		if err := a.spectate.Connect(ctx, password); err != nil {
			a.report(CmdRefreshBroadcasts, err)
			return nil, err
		}
		records, err := a.spectate.RefreshBroadcasts(ctx)
		a.report(CmdRefreshBroadcasts, err)
		return records, err
	})
}

// WatchBroadcast opens a watch on a listed broadcast. The caller owns the
// handle's Frames channel; watching an id that is already open returns the
// same handle.
func (a *App) WatchBroadcast(broadcastID string) *Pending[*spectate.WatchHandle] {
	return run(func() (*spectate.WatchHandle, error) {
		h, err := a.spectate.WatchBroadcast(context.Background(), broadcastID)
		if err != nil {
			a.report(CmdWatchBroadcast, err)
			return nil, err
		}
		a.track(h)
		return h, nil
	})
}

// UnwatchBroadcast closes the watch opened through WatchBroadcast.
func (a *App) UnwatchBroadcast(broadcastID string) *Pending[struct{}] {
	return run(func() (struct{}, error) {
		a.mu.Lock()
		h, ok := a.watches[broadcastID]
		a.mu.Unlock()
		if !ok {
			a.report(CmdUnwatchBroadcast, ErrNotWatching)
			return struct{}{}, ErrNotWatching
		}
		err := h.Close()
		a.report(CmdUnwatchBroadcast, err)
		return struct{}{}, err
	})
}

// track remembers h until it ends. With a recorder, the recording reads a
// tap so the caller keeps every frame of h.Frames.
func (a *App) track(h *spectate.WatchHandle) {
	a.mu.Lock()
	if cur, ok := a.watches[h.BroadcastID()]; ok && cur == h {
		a.mu.Unlock()
		return
	}
	a.watches[h.BroadcastID()] = h
	a.mu.Unlock()

	var tap <-chan domain.Frame
	if a.recorder != nil {
		tap = h.Tap(recordBuffer)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if tap != nil {
			if _, err := a.recorder.RecordFrames(context.Background(), h, tap); err != nil {
				a.logger.Error().Err(err).Str(pkglog.FieldBroadcastID, h.BroadcastID()).Msg("failed to record broadcast")
			}
		}
		<-h.Done()

		a.mu.Lock()
		if cur, ok := a.watches[h.BroadcastID()]; ok && cur == h {
			delete(a.watches, h.BroadcastID())
		}
		a.mu.Unlock()
	}()
}

func (a *App) report(command string, err error) {
	if err == nil {
		return
	}
	a.logger.Warn().Err(err).Str(pkglog.FieldOperation, command).Msg("command failed")
	a.bus.Publish(events.Event{Kind: events.KindCommandFailed, Command: command, Error: err.Error()})
}

// Close stops the broadcast, disconnects the spectate session and closes the
// event bus.
func (a *App) Close() {
	a.broadcast.Stop()
	a.spectate.Disconnect()
	a.wg.Wait()
	a.bus.Close()
}
