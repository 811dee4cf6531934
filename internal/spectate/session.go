package spectate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// Config holds spectate session settings.
type Config struct {
	FrameBuffer  int           `mapstructure:"frame_buffer"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

// Session lists the broadcasts viewable with a credential and subscribes to
// their frames.
type Session struct {
	cfg      Config
	registry *registry.Registry
	emitter  events.Emitter
	logger   zerolog.Logger

	emitMu sync.Mutex

	mu         sync.Mutex
	client     *relay.Client
	credential string
	removers   []func()
	status     domain.ConnectionStatus
	broadcasts map[string]domain.BroadcastRecord
	watches    map[string]*WatchHandle
}

// NewSession creates a disconnected spectate session.
func NewSession(cfg Config, reg *registry.Registry, emitter events.Emitter) *Session {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 3 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Session{
		cfg:        cfg,
		registry:   reg,
		emitter:    emitter,
		logger:     pkglog.Component("spectate"),
		status:     domain.StatusDisconnected,
		broadcasts: make(map[string]domain.BroadcastRecord),
		watches:    make(map[string]*WatchHandle),
	}
}

// State returns a snapshot of the session.
func (s *Session) State() domain.SpectateState {
	s.mu.Lock()
	defer s.mu.Unlock()

	watching := make([]string, 0, len(s.watches))
	for id := range s.watches {
		watching = append(watching, id)
	}
	sort.Strings(watching)

	return domain.SpectateState{
		SlippiConnectionStatus: s.status,
		Broadcasts:             domain.CloneRecords(s.broadcasts),
		Watching:               watching,
	}
}

// Broadcasts returns the current viewable set, sorted by id.
func (s *Session) Broadcasts() []domain.BroadcastRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRecords(s.broadcasts)
}

// Connect connects to the relay with password. The client for a credential
// is acquired once; later calls with the same password reuse it. A different
// password releases the previous client.
func (s *Session) Connect(ctx context.Context, password string) error {
	s.mu.Lock()
	if s.client != nil && s.credential == password {
		client := s.client
		s.mu.Unlock()
		return client.Connect(ctx)
	}

	old, oldRemovers, oldWatches := s.detachLocked()
	hadRecords := len(s.broadcasts) > 0
	s.broadcasts = make(map[string]domain.BroadcastRecord)

	client := s.registry.Acquire(password)
	s.client = client
	s.credential = password
	s.status = client.Status()
	s.removers = []func(){
		client.OnStatus(s.statusHandler(client)),
		client.OnMessage(s.messageHandler(client)),
	}
	s.mu.Unlock()

	if old != nil {
		s.logger.Info().Msg("credential changed, releasing previous relay client")
		s.teardown(old, oldRemovers, oldWatches, "credential changed")
		if hadRecords {
			s.publishBroadcasts(nil)
		}
	}

	return client.Connect(ctx)
}

// Disconnect closes every watch and releases the relay client.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client, removers, watches := s.detachLocked()
	hadRecords := len(s.broadcasts) > 0
	s.broadcasts = make(map[string]domain.BroadcastRecord)
	s.status = domain.StatusDisconnected
	s.mu.Unlock()

	if client == nil {
		return
	}

	s.teardown(client, removers, watches, "disconnected")
	s.publishStatus(domain.StatusDisconnected, nil)
	if hadRecords {
		s.publishBroadcasts(nil)
	}
	s.logger.Info().Msg("spectate session disconnected")
}

func (s *Session) detachLocked() (*relay.Client, []func(), []*WatchHandle) {
	client, removers := s.client, s.removers
	watches := make([]*WatchHandle, 0, len(s.watches))
	for id, h := range s.watches {
		watches = append(watches, h)
		delete(s.watches, id)
	}
	s.client, s.removers, s.credential = nil, nil, ""
	return client, removers, watches
}

func (s *Session) teardown(client *relay.Client, removers []func(), watches []*WatchHandle, reason string) {
	for _, remove := range removers {
		remove()
	}
	for _, h := range watches {
		h.end(reason)
	}
	s.registry.Release(client)
}

// RefreshBroadcasts asks the relay for the viewable broadcasts and replaces
// the current set with the answer.
func (s *Session) RefreshBroadcasts(ctx context.Context) ([]domain.BroadcastRecord, error) {
	client, err := s.connectedClient()
	if err != nil {
		return nil, err
	}

	env, err := client.Request(ctx, &protocol.ListBroadcastsMessage{Type: protocol.MsgTypeListBroadcasts})
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}

	var list protocol.BroadcastListMessage
	if err := env.Decode(&list); err != nil {
		return nil, fmt.Errorf("invalid broadcast_list reply: %w", err)
	}

	next := make(map[string]domain.BroadcastRecord, len(list.Broadcasts))
	for _, rec := range list.Broadcasts {
		next[rec.ID] = rec
	}

	s.mu.Lock()
	if s.client != client || s.status != domain.StatusConnected {
		s.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	s.broadcasts = next
	records := sortedRecords(next)
	s.mu.Unlock()

	s.logger.Debug().Int("count", len(records)).Msg("viewable broadcasts refreshed")
	s.publishBroadcasts(records)
	return records, nil
}

// WatchBroadcast subscribes to the frames of a listed broadcast. Watching a
// broadcast that is already open returns the existing handle; while the first
// watch request is still in flight, later callers wait for its outcome.
func (s *Session) WatchBroadcast(ctx context.Context, broadcastID string) (*WatchHandle, error) {
	s.mu.Lock()
	if s.client == nil || s.status != domain.StatusConnected {
		s.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	if _, ok := s.broadcasts[broadcastID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBroadcast, broadcastID)
	}
	if h, ok := s.watches[broadcastID]; ok {
		s.mu.Unlock()
		select {
		case <-h.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if h.err != nil {
			return nil, h.err
		}
		return h, nil
	}
	client := s.client
	h := newWatchHandle(s, broadcastID, s.cfg.FrameBuffer)
	s.watches[broadcastID] = h
	s.mu.Unlock()

	logger := s.logger.With().Str(pkglog.FieldBroadcastID, broadcastID).Logger()

	_, err := client.Request(ctx, &protocol.WatchBroadcastMessage{
		Type:        protocol.MsgTypeWatchBroadcast,
		BroadcastID: broadcastID,
	})
	if err != nil {
		err = fmt.Errorf("failed to watch broadcast: %w", err)
		s.forget(h)
		h.end("watch failed")
		h.settle(err)
		logger.Warn().Err(err).Msg("watch rejected")
		return nil, err
	}
	h.settle(nil)

	logger.Info().Msg("watching broadcast")
	s.publishState()
	return h, nil
}

// unwatch releases h and tells the relay, leaving the connection and other
// handles untouched.
func (s *Session) unwatch(h *WatchHandle) error {
	if !s.forget(h) {
		return nil
	}
	h.end("closed")

	s.mu.Lock()
	client := s.client
	connected := s.status == domain.StatusConnected
	s.mu.Unlock()

	if client != nil && connected {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		_, err := client.Request(ctx, &protocol.UnwatchBroadcastMessage{
			Type:        protocol.MsgTypeUnwatchBroadcast,
			BroadcastID: h.broadcastID,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str(pkglog.FieldBroadcastID, h.broadcastID).Msg("unwatch not acknowledged")
		}
	}

	s.publishState()
	return nil
}

// forget removes h from the open watches if it is still registered.
func (s *Session) forget(h *WatchHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watches[h.broadcastID]; ok && cur == h {
		delete(s.watches, h.broadcastID)
		return true
	}
	return false
}

func (s *Session) connectedClient() (*relay.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.status != domain.StatusConnected {
		return nil, domain.ErrNotConnected
	}
	return s.client, nil
}

// statusHandler tracks the relay status of client. Leaving Connected clears
// the viewable set and ends every watch.
func (s *Session) statusHandler(client *relay.Client) relay.StatusHandler {
	return func(status domain.ConnectionStatus, cause error) {
		s.mu.Lock()
		if s.client != client {
			s.mu.Unlock()
			return
		}
		s.status = status
		var ended []*WatchHandle
		cleared := false
		if status != domain.StatusConnected {
			cleared = len(s.broadcasts) > 0
			s.broadcasts = make(map[string]domain.BroadcastRecord)
			for id, h := range s.watches {
				ended = append(ended, h)
				delete(s.watches, id)
			}
		}
		s.mu.Unlock()

		for _, h := range ended {
			h.end("connection lost")
		}
		s.publishStatus(status, cause)
		if cleared {
			s.publishBroadcasts(nil)
		}
	}
}

// messageHandler routes frames to their handles and ends handles whose
// broadcast is over.
func (s *Session) messageHandler(client *relay.Client) relay.MessageHandler {
	return func(env protocol.Envelope) {
		switch env.Type {
		case protocol.MsgTypeFrame:
			var msg protocol.FrameMessage
			if err := env.Decode(&msg); err != nil {
				s.logger.Warn().Err(err).Msg("invalid frame")
				return
			}
			s.mu.Lock()
			h, ok := s.watches[msg.BroadcastID]
			current := s.client == client
			s.mu.Unlock()
			if ok && current {
				h.deliver(domain.Frame{BroadcastID: msg.BroadcastID, Seq: msg.Seq, Data: msg.Data})
			}

		case protocol.MsgTypeBroadcastEnded:
			var msg protocol.BroadcastEndedMessage
			if err := env.Decode(&msg); err != nil {
				s.logger.Warn().Err(err).Msg("invalid broadcast_ended")
				return
			}
			s.mu.Lock()
			if s.client != client {
				s.mu.Unlock()
				return
			}
			h, watched := s.watches[msg.BroadcastID]
			delete(s.watches, msg.BroadcastID)
			_, listed := s.broadcasts[msg.BroadcastID]
			var records []domain.BroadcastRecord
			if listed {
				delete(s.broadcasts, msg.BroadcastID)
				records = sortedRecords(s.broadcasts)
			}
			s.mu.Unlock()

			s.logger.Info().Str(pkglog.FieldBroadcastID, msg.BroadcastID).Str("reason", msg.Reason).Msg("broadcast ended")
			if watched {
				h.end("broadcast ended")
			}
			if listed {
				s.publishBroadcasts(records)
			}
		}
	}
}

func (s *Session) publishStatus(status domain.ConnectionStatus, cause error) {
	st := s.State()
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	evt := events.Event{Kind: events.KindSlippiStatus, Status: status}
	if cause != nil {
		evt.Error = cause.Error()
	}
	s.emitter.Publish(evt)
	s.emitter.Publish(events.Event{Kind: events.KindSpectateStatus, Status: status, Spectate: &st})
}

func (s *Session) publishBroadcasts(records []domain.BroadcastRecord) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if records == nil {
		records = []domain.BroadcastRecord{}
	}
	s.emitter.Publish(events.Event{Kind: events.KindViewableBroadcasts, Broadcasts: records})
}

func (s *Session) publishState() {
	st := s.State()
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emitter.Publish(events.Event{Kind: events.KindSpectateStatus, Status: st.SlippiConnectionStatus, Spectate: &st})
}

func sortedRecords(m map[string]domain.BroadcastRecord) []domain.BroadcastRecord {
	out := make([]domain.BroadcastRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
