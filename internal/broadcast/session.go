package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/source"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// Config holds broadcast session settings.
type Config struct {
	Name               string        `mapstructure:"name"`
	BroadcasterName    string        `mapstructure:"broadcaster_name"`
	StopOnRelayFailure bool          `mapstructure:"stop_on_relay_failure"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	// AnnounceTimeout bounds the start_broadcast request. It runs to
	// completion even when Stop cancels the attempt, so an announced
	// broadcast can be withdrawn.
	AnnounceTimeout time.Duration `mapstructure:"announce_timeout"`
}

// Session streams the local emulator's game state to the relay.
type Session struct {
	cfg      Config
	registry *registry.Registry
	source   source.Source
	emitter  events.Emitter
	logger   zerolog.Logger

	emitMu sync.Mutex

	mu             sync.Mutex
	phase          domain.BroadcastPhase
	broadcastID    string
	dolphin        domain.ConnectionStatus
	slippi         domain.ConnectionStatus
	startTime      *time.Time
	endTime        *time.Time
	gen            uint64
	cancel         context.CancelFunc
	stopped        chan struct{}
	client         *relay.Client
	removeStatus   func()
	sourceAttached bool
	seq            uint64
}

// NewSession creates an idle broadcast session.
func NewSession(cfg Config, reg *registry.Registry, src source.Source, emitter events.Emitter) *Session {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = 10 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Session{
		cfg:      cfg,
		registry: reg,
		source:   src,
		emitter:  emitter,
		logger:   pkglog.Component("broadcast"),
		phase:    domain.PhaseIdle,
		dolphin:  domain.StatusDisconnected,
		slippi:   domain.StatusDisconnected,
	}
}

// State returns a snapshot of the session.
func (s *Session) State() domain.BroadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() domain.BroadcastState {
	st := domain.BroadcastState{
		Phase:                   s.phase,
		BroadcastID:             s.broadcastID,
		DolphinConnectionStatus: s.dolphin,
		SlippiConnectionStatus:  s.slippi,
		IsConnecting:            s.phase == domain.PhaseConnecting,
		IsBroadcasting:          s.phase == domain.PhaseBroadcasting,
	}
	if s.startTime != nil {
		t := *s.startTime
		st.StartTime = &t
	}
	if s.endTime != nil {
		t := *s.endTime
		st.EndTime = &t
	}
	return st
}

// Start connects to the relay with password, attaches the local source and
// announces a broadcast. It is a no-op while a broadcast is connecting or
// running. Called while a Stop is in progress, it waits for the stop to
// finish and then starts.
func (s *Session) Start(ctx context.Context, password string) error {
	s.mu.Lock()
	for s.phase == domain.PhaseStopping {
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	switch s.phase {
	case domain.PhaseConnecting, domain.PhaseBroadcasting:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.phase = domain.PhaseConnecting
	s.startTime, s.endTime = nil, nil
	s.broadcastID = ""
	s.seq = 0
	s.mu.Unlock()
	s.publishState(nil)

	logger := s.logger.With().Uint64("attempt", gen).Logger()
	logger.Info().Msg("starting broadcast")

	client := s.registry.Acquire(password)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.registry.Release(client)
		return context.Canceled
	}
	s.client = client
	s.slippi = client.Status()
	s.removeStatus = client.OnStatus(s.relayStatusHandler(gen))
	s.mu.Unlock()

	if err := client.Connect(attemptCtx); err != nil {
		return s.fail(gen, err)
	}

	if err := s.source.Attach(attemptCtx, s.frameHandler(gen), s.sourceStatusHandler(gen)); err != nil {
		return s.fail(gen, err)
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.source.Detach()
		return context.Canceled
	}
	s.sourceAttached = true
	s.mu.Unlock()

	announceCtx, cancelAnnounce := context.WithTimeout(context.WithoutCancel(attemptCtx), s.cfg.AnnounceTimeout)
	env, err := client.Request(announceCtx, &protocol.StartBroadcastMessage{
		Type:            protocol.MsgTypeStartBroadcast,
		Name:            s.cfg.Name,
		BroadcasterName: s.cfg.BroadcasterName,
	})
	cancelAnnounce()
	if err != nil {
		return s.fail(gen, fmt.Errorf("failed to announce broadcast: %w", err))
	}
	var started protocol.BroadcastStartedMessage
	if err := env.Decode(&started); err != nil {
		return s.fail(gen, fmt.Errorf("invalid broadcast_started reply: %w", err))
	}

	s.mu.Lock()
	if s.gen != gen || attemptCtx.Err() != nil {
		s.mu.Unlock()
		s.withdraw(client, started.BroadcastID)
		return s.fail(gen, context.Cause(attemptCtx))
	}
	now := time.Now()
	s.phase = domain.PhaseBroadcasting
	s.broadcastID = started.BroadcastID
	s.startTime = &now
	s.mu.Unlock()
	s.publishState(nil)

	logger.Info().Str(pkglog.FieldBroadcastID, started.BroadcastID).Msg("broadcast started")
	return nil
}

// Stop ends the broadcast or cancels a Start in flight. It is a no-op when
// nothing is running.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.phase != domain.PhaseConnecting && s.phase != domain.PhaseBroadcasting {
		s.mu.Unlock()
		return nil
	}
	wasBroadcasting := s.phase == domain.PhaseBroadcasting
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.phase = domain.PhaseStopping
	stopped := make(chan struct{})
	s.stopped = stopped
	client, removeStatus, attached, broadcastID := s.detachLocked()
	s.mu.Unlock()
	s.publishState(nil)

	logger := s.logger.With().Str(pkglog.FieldBroadcastID, broadcastID).Logger()
	logger.Info().Bool("was_broadcasting", wasBroadcasting).Msg("stopping broadcast")

	if wasBroadcasting {
		s.withdraw(client, broadcastID)
	}

	s.release(client, removeStatus, attached)

	s.mu.Lock()
	s.phase = domain.PhaseIdle
	s.broadcastID = ""
	s.dolphin = domain.StatusDisconnected
	s.slippi = domain.StatusDisconnected
	if wasBroadcasting {
		end := time.Now()
		if s.startTime != nil && end.Before(*s.startTime) {
			end = *s.startTime
		}
		s.endTime = &end
	}
	s.stopped = nil
	close(stopped)
	s.mu.Unlock()
	s.publishStatus(events.KindDolphinStatus, domain.StatusDisconnected, nil)
	s.publishStatus(events.KindSlippiStatus, domain.StatusDisconnected, nil)
	s.publishState(nil)

	logger.Info().Msg("broadcast stopped")
	return nil
}

// withdraw sends a best-effort stop_broadcast for id.
func (s *Session) withdraw(client *relay.Client, id string) {
	if client == nil || id == "" || client.Status() != domain.StatusConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if _, err := client.Request(ctx, &protocol.StopBroadcastMessage{
		Type:        protocol.MsgTypeStopBroadcast,
		BroadcastID: id,
	}); err != nil {
		s.logger.Warn().Err(err).Str(pkglog.FieldBroadcastID, id).Msg("stop_broadcast not acknowledged")
	}
}

// fail moves the attempt gen to Failed and releases what it acquired.
func (s *Session) fail(gen uint64, cause error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return cause
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.phase = domain.PhaseFailed
	s.startTime = nil
	client, removeStatus, attached, _ := s.detachLocked()
	s.mu.Unlock()

	s.logger.Error().Err(cause).Uint64("attempt", gen).Msg("broadcast failed")

	s.release(client, removeStatus, attached)

	s.mu.Lock()
	if s.gen == gen {
		if s.slippi.IsActive() {
			s.slippi = domain.StatusDisconnected
		}
		if attached && s.dolphin.IsActive() {
			s.dolphin = domain.StatusDisconnected
		}
	}
	s.mu.Unlock()
	s.publishState(cause)
	return cause
}

// detachLocked takes ownership of the attempt's resources.
func (s *Session) detachLocked() (*relay.Client, func(), bool, string) {
	client, removeStatus, attached, id := s.client, s.removeStatus, s.sourceAttached, s.broadcastID
	s.client, s.removeStatus, s.sourceAttached = nil, nil, false
	return client, removeStatus, attached, id
}

func (s *Session) release(client *relay.Client, removeStatus func(), attached bool) {
	if removeStatus != nil {
		removeStatus()
	}
	if attached {
		if err := s.source.Detach(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to detach source")
		}
	}
	if client != nil {
		s.registry.Release(client)
	}
}

// relayStatusHandler tracks the relay connection for attempt gen. It runs on
// the client's notification path and never calls back into the client
// synchronously.
func (s *Session) relayStatusHandler(gen uint64) relay.StatusHandler {
	return func(status domain.ConnectionStatus, cause error) {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.slippi = status
		phase := s.phase
		broadcastID := s.broadcastID
		client := s.client
		s.mu.Unlock()

		s.publishStatus(events.KindSlippiStatus, status, cause)
		s.publishState(nil)

		if phase != domain.PhaseBroadcasting {
			return
		}
		switch status {
		case domain.StatusConnected:
			go s.resume(gen, client, broadcastID)
		case domain.StatusFailed:
			if s.cfg.StopOnRelayFailure {
				s.logger.Warn().Err(cause).Msg("relay failed, stopping broadcast")
				go s.Stop()
			}
		}
	}
}

// resume re-announces the running broadcast after the relay connection came
// back.
func (s *Session) resume(gen uint64, client *relay.Client, broadcastID string) {
	logger := s.logger.With().Str(pkglog.FieldBroadcastID, broadcastID).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	env, err := client.Request(ctx, &protocol.StartBroadcastMessage{
		Type:            protocol.MsgTypeStartBroadcast,
		BroadcastID:     broadcastID,
		Name:            s.cfg.Name,
		BroadcasterName: s.cfg.BroadcasterName,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resume broadcast")
		return
	}

	var started protocol.BroadcastStartedMessage
	if err := env.Decode(&started); err != nil {
		logger.Warn().Err(err).Msg("invalid broadcast_started reply on resume")
		return
	}

	s.mu.Lock()
	changed := s.gen == gen && s.broadcastID != started.BroadcastID
	if changed {
		s.broadcastID = started.BroadcastID
	}
	s.mu.Unlock()

	if changed {
		logger.Warn().Str("new_broadcast_id", started.BroadcastID).Msg("relay assigned a new broadcast id on resume")
		s.publishState(nil)
		return
	}
	logger.Info().Bool("resumed", started.Resumed).Msg("broadcast re-announced")
}

func (s *Session) sourceStatusHandler(gen uint64) source.StatusHandler {
	return func(status domain.ConnectionStatus) {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.dolphin = status
		s.mu.Unlock()

		if status == domain.StatusFailed {
			s.logger.Warn().Msg("local source failed")
		}
		s.publishStatus(events.KindDolphinStatus, status, nil)
		s.publishState(nil)
	}
}

// frameHandler forwards source data to the relay. Frames produced while the
// relay is not connected are dropped.
func (s *Session) frameHandler(gen uint64) source.FrameHandler {
	return func(data []byte) {
		s.mu.Lock()
		if s.gen != gen || s.phase != domain.PhaseBroadcasting || s.slippi != domain.StatusConnected {
			s.mu.Unlock()
			return
		}
		s.seq++
		msg := &protocol.FrameMessage{
			Type:        protocol.MsgTypeFrame,
			BroadcastID: s.broadcastID,
			Seq:         s.seq,
			Data:        data,
		}
		client := s.client
		s.mu.Unlock()

		if err := client.Send(msg); err != nil {
			s.logger.Debug().Err(err).Uint64("seq", msg.Seq).Msg("dropping frame")
		}
	}
}

func (s *Session) publishState(cause error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	st := s.State()
	evt := events.Event{Kind: events.KindBroadcastState, Broadcast: &st}
	if cause != nil {
		evt.Error = cause.Error()
	}
	s.emitter.Publish(evt)
}

func (s *Session) publishStatus(kind events.Kind, status domain.ConnectionStatus, cause error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	evt := events.Event{Kind: kind, Status: status}
	if cause != nil {
		evt.Error = cause.Error()
	}
	s.emitter.Publish(evt)
}
