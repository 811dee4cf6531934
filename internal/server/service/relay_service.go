package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/server/directory"
	serverdomain "github.com/weiawesome/slippi-broadcast/internal/server/domain"
	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
	"github.com/weiawesome/slippi-broadcast/internal/server/kafka"
	"github.com/weiawesome/slippi-broadcast/internal/server/metrics"
	"github.com/weiawesome/slippi-broadcast/pkg/jwt"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/pubsub"
)

const defaultBroadcastName = "Broadcast"

// Options configures a relay service.
type Options struct {
	// Passwords lists accepted credentials, either plain or as bcrypt
	// hashes. Empty accepts any.
	Passwords []string
	// ResumeGrace is how long a broadcast survives its owner's disconnect.
	ResumeGrace time.Duration
}

type relayService struct {
	hub       *hub.Hub
	directory directory.Directory
	pubsub    pubsub.PubSub
	producer  kafka.BroadcastEventProducer
	tokens    *jwt.Manager
	metrics   *metrics.Metrics
	passwords map[string]struct{}
	hashes    [][]byte
	grace     time.Duration

	// Broadcasts owned by local connections and the disconnect timers of
	// orphaned ones.
	owners map[string]string // broadcastID -> clientID
	timers map[string]*time.Timer
	mu     sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelayService creates a new RelayService instance.
func NewRelayService(
	h *hub.Hub,
	dir directory.Directory,
	ps pubsub.PubSub,
	producer kafka.BroadcastEventProducer,
	tokens *jwt.Manager,
	m *metrics.Metrics,
	opts Options,
) RelayService {
	if producer == nil {
		producer = kafka.NopProducer{}
	}
	if m == nil {
		m = metrics.New()
	}
	passwords := make(map[string]struct{}, len(opts.Passwords))
	var hashes [][]byte
	for _, p := range opts.Passwords {
		if isBcryptHash(p) {
			hashes = append(hashes, []byte(p))
			continue
		}
		passwords[p] = struct{}{}
	}
	return &relayService{
		hub:       h,
		directory: dir,
		pubsub:    ps,
		producer:  producer,
		tokens:    tokens,
		metrics:   m,
		passwords: passwords,
		hashes:    hashes,
		grace:     opts.ResumeGrace,
		owners:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
	}
}

func isBcryptHash(p string) bool {
	_, err := bcrypt.Cost([]byte(p))
	return err == nil
}

func (s *relayService) accepts(password string) bool {
	if len(s.passwords) == 0 && len(s.hashes) == 0 {
		return true
	}
	if _, ok := s.passwords[password]; ok {
		return true
	}
	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(password)) == nil {
			return true
		}
	}
	return false
}

func (s *relayService) HandleAuth(ctx context.Context, c *hub.Client, msg *protocol.AuthMessage) error {
	if !s.accepts(msg.Password) {
		s.metrics.IncAuthFailures()
		c.SendMessage(&protocol.AuthResultMessage{
			Type:      protocol.MsgTypeAuthResult,
			RequestID: msg.RequestID,
			Success:   false,
			Message:   "invalid password",
		})
		return errors.New("invalid password")
	}

	scope := serverdomain.ScopeFor(msg.Password)
	connID := uuid.New().String()
	if msg.ResumeToken != "" {
		claims, err := s.tokens.ValidateResumeToken(msg.ResumeToken)
		switch {
		case err != nil:
			l := pkglog.L()
			l.Debug().Err(err).Str(pkglog.FieldClientID, c.ID).Msg("ignoring resume token")
		case claims.Scope == scope:
			connID = claims.ConnectionID
		}
	}

	token, err := s.tokens.IssueResumeToken(connID, scope)
	if err != nil {
		c.SendMessage(&protocol.AuthResultMessage{
			Type:      protocol.MsgTypeAuthResult,
			RequestID: msg.RequestID,
			Success:   false,
			Message:   "failed to issue session",
		})
		return fmt.Errorf("issue resume token: %w", err)
	}

	c.Session.Authenticate(connID, scope)

	return c.SendMessage(&protocol.AuthResultMessage{
		Type:         protocol.MsgTypeAuthResult,
		RequestID:    msg.RequestID,
		Success:      true,
		ConnectionID: connID,
		ResumeToken:  token,
	})
}

func (s *relayService) HandleStartBroadcast(ctx context.Context, c *hub.Client, msg *protocol.StartBroadcastMessage) error {
	if !c.Session.IsAuthenticated() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnauthorized, "Not authenticated"))
	}
	l := pkglog.L()
	connID := c.Session.GetConnectionID()
	scope := c.Session.GetScope()
	now := time.Now()

	if msg.BroadcastID != "" {
		entry, err := s.directory.Get(ctx, msg.BroadcastID)
		if err != nil {
			return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeInternalError, "Failed to look up broadcast"))
		}
		if entry != nil && entry.OwnerConnectionID == connID && entry.Scope == scope {
			entry.UpdatedAt = now
			if err := s.directory.Put(ctx, entry); err != nil {
				return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeInternalError, "Failed to resume broadcast"))
			}
			s.claim(entry.Record.ID, c)

			l.Info().Str(pkglog.FieldBroadcastID, entry.Record.ID).
				Str(pkglog.FieldConnectionID, connID).Msg("broadcast resumed")
			return c.SendMessage(&protocol.BroadcastStartedMessage{
				Type:        protocol.MsgTypeBroadcastStarted,
				RequestID:   msg.RequestID,
				BroadcastID: entry.Record.ID,
				Resumed:     true,
			})
		}
		// Unknown or foreign ids are never adopted; announce a fresh one.
	}

	name := msg.Name
	if name == "" {
		name = defaultBroadcastName
	}
	entry := &serverdomain.BroadcastEntry{
		Record: domain.BroadcastRecord{
			ID:          uuid.New().String(),
			Name:        name,
			Broadcaster: domain.Broadcaster{Name: msg.BroadcasterName},
		},
		Scope:             scope,
		OwnerConnectionID: connID,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.directory.Put(ctx, entry); err != nil {
		l.Error().Err(err).Msg("failed to store broadcast")
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeInternalError, "Failed to start broadcast"))
	}
	s.claim(entry.Record.ID, c)

	s.metrics.IncBroadcastsStarted()
	if err := s.producer.Produce(ctx, kafka.Started(entry)); err != nil {
		l.Error().Err(err).Str(pkglog.FieldBroadcastID, entry.Record.ID).Msg("failed to produce broadcast_started event")
	}

	l.Info().Str(pkglog.FieldBroadcastID, entry.Record.ID).
		Str(pkglog.FieldConnectionID, connID).Msg("broadcast started")
	return c.SendMessage(&protocol.BroadcastStartedMessage{
		Type:        protocol.MsgTypeBroadcastStarted,
		RequestID:   msg.RequestID,
		BroadcastID: entry.Record.ID,
	})
}

// claim makes c the local owner of a broadcast and cancels any pending
// disconnect timer.
func (s *relayService) claim(broadcastID string, c *hub.Client) {
	s.mu.Lock()
	s.owners[broadcastID] = c.ID
	if t, ok := s.timers[broadcastID]; ok {
		t.Stop()
		delete(s.timers, broadcastID)
	}
	s.mu.Unlock()
	c.Session.AddBroadcast(broadcastID)
}

func (s *relayService) HandleFrame(ctx context.Context, c *hub.Client, msg *protocol.FrameMessage) error {
	if !c.Session.IsAuthenticated() || !c.Session.OwnsBroadcast(msg.BroadcastID) {
		// frames carry no request id, so there is nobody to answer
		l := pkglog.L()
		l.Debug().Str(pkglog.FieldClientID, c.ID).Str(pkglog.FieldBroadcastID, msg.BroadcastID).
			Msg("dropping frame for broadcast not owned by connection")
		return nil
	}

	event, err := pubsub.NewEvent(pubsub.EventFrame, msg.BroadcastID, &pubsub.FramePayload{
		BroadcastID: msg.BroadcastID,
		Seq:         msg.Seq,
		Data:        msg.Data,
	})
	if err != nil {
		return err
	}
	if err := s.pubsub.Publish(ctx, pubsub.BroadcastToViewersChannel(msg.BroadcastID), event); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	s.metrics.IncFramesRelayed()
	return nil
}

func (s *relayService) HandleStopBroadcast(ctx context.Context, c *hub.Client, msg *protocol.StopBroadcastMessage) error {
	if !c.Session.IsAuthenticated() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnauthorized, "Not authenticated"))
	}
	if !c.Session.OwnsBroadcast(msg.BroadcastID) {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeNotFound, "Broadcast not owned by connection"))
	}

	c.Session.RemoveBroadcast(msg.BroadcastID)
	s.endBroadcast(ctx, msg.BroadcastID, c.Session.GetConnectionID(), kafka.ReasonExplicit)

	return c.SendMessage(&protocol.BroadcastStoppedMessage{
		Type:        protocol.MsgTypeBroadcastStopped,
		RequestID:   msg.RequestID,
		BroadcastID: msg.BroadcastID,
	})
}

// endBroadcast removes a broadcast from the directory and tells every
// viewer, on every instance, that it is over.
func (s *relayService) endBroadcast(ctx context.Context, broadcastID, connID, reason string) {
	l := pkglog.L()

	s.mu.Lock()
	delete(s.owners, broadcastID)
	if t, ok := s.timers[broadcastID]; ok {
		t.Stop()
		delete(s.timers, broadcastID)
	}
	s.mu.Unlock()

	entry, err := s.directory.Get(ctx, broadcastID)
	if err != nil || entry == nil {
		entry = &serverdomain.BroadcastEntry{
			Record:            domain.BroadcastRecord{ID: broadcastID},
			OwnerConnectionID: connID,
		}
	}
	if err := s.directory.Delete(ctx, broadcastID); err != nil {
		l.Error().Err(err).Str(pkglog.FieldBroadcastID, broadcastID).Msg("failed to remove broadcast from directory")
	}

	event, err := pubsub.NewEvent(pubsub.EventBroadcastEnded, broadcastID, &pubsub.BroadcastEndedPayload{
		BroadcastID: broadcastID,
		Reason:      reason,
	})
	if err == nil {
		if err := s.pubsub.Publish(ctx, pubsub.BroadcastToViewersChannel(broadcastID), event); err != nil {
			l.Error().Err(err).Str(pkglog.FieldBroadcastID, broadcastID).Msg("failed to publish broadcast_ended")
		}
	}

	s.metrics.IncBroadcastsEnded(reason)
	if err := s.producer.Produce(ctx, kafka.Stopped(entry, reason, time.Now())); err != nil {
		l.Error().Err(err).Str(pkglog.FieldBroadcastID, broadcastID).Msg("failed to produce broadcast_stopped event")
	}

	l.Info().Str(pkglog.FieldBroadcastID, broadcastID).Str("reason", reason).Msg("broadcast ended")
}

func (s *relayService) HandleListBroadcasts(ctx context.Context, c *hub.Client, msg *protocol.ListBroadcastsMessage) error {
	if !c.Session.IsAuthenticated() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnauthorized, "Not authenticated"))
	}

	entries, err := s.directory.List(ctx, c.Session.GetScope())
	if err != nil {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeInternalError, "Failed to list broadcasts"))
	}

	records := make([]domain.BroadcastRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.Record)
	}
	return c.SendMessage(&protocol.BroadcastListMessage{
		Type:       protocol.MsgTypeBroadcastList,
		RequestID:  msg.RequestID,
		Broadcasts: records,
	})
}

func (s *relayService) HandleWatch(ctx context.Context, c *hub.Client, msg *protocol.WatchBroadcastMessage) error {
	if !c.Session.IsAuthenticated() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnauthorized, "Not authenticated"))
	}

	entry, err := s.directory.Get(ctx, msg.BroadcastID)
	if err != nil {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeInternalError, "Failed to look up broadcast"))
	}
	if entry == nil || entry.Scope != c.Session.GetScope() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnknownBroadcast, "Unknown broadcast"))
	}

	s.hub.Watch(c, msg.BroadcastID)
	s.metrics.IncWatchesStarted()

	return c.SendMessage(&protocol.WatchStartedMessage{
		Type:        protocol.MsgTypeWatchStarted,
		RequestID:   msg.RequestID,
		BroadcastID: msg.BroadcastID,
	})
}

func (s *relayService) HandleUnwatch(ctx context.Context, c *hub.Client, msg *protocol.UnwatchBroadcastMessage) error {
	if !c.Session.IsAuthenticated() {
		return c.SendMessage(protocol.NewErrorMessage(msg.RequestID, protocol.ErrCodeUnauthorized, "Not authenticated"))
	}

	s.hub.Unwatch(c, msg.BroadcastID)

	return c.SendMessage(&protocol.WatchStoppedMessage{
		Type:        protocol.MsgTypeWatchStopped,
		RequestID:   msg.RequestID,
		BroadcastID: msg.BroadcastID,
	})
}

// HandleDisconnect orphans the client's broadcasts. Each one ends unless
// its owner resumes it within the grace period.
func (s *relayService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	connID := c.Session.GetConnectionID()
	disconnectedAt := time.Now()

	for _, id := range c.Session.Broadcasts() {
		s.mu.Lock()
		if s.owners[id] != c.ID {
			// already resumed by a newer connection
			s.mu.Unlock()
			continue
		}
		delete(s.owners, id)
		if s.grace <= 0 {
			s.mu.Unlock()
			s.endBroadcast(ctx, id, connID, kafka.ReasonDisconnect)
			continue
		}
		broadcastID := id
		s.timers[id] = time.AfterFunc(s.grace, func() {
			s.expire(broadcastID, connID, disconnectedAt)
		})
		s.mu.Unlock()

		l := pkglog.L()
		l.Info().Str(pkglog.FieldBroadcastID, id).Dur("grace", s.grace).Msg("broadcaster disconnected, awaiting resume")
	}
	return nil
}

// expire ends an orphaned broadcast that was not resumed in time.
func (s *relayService) expire(broadcastID, connID string, disconnectedAt time.Time) {
	s.mu.Lock()
	if _, owned := s.owners[broadcastID]; owned {
		s.mu.Unlock()
		return
	}
	delete(s.timers, broadcastID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A resume may have landed on another instance.
	entry, err := s.directory.Get(ctx, broadcastID)
	if err != nil || entry == nil || entry.UpdatedAt.After(disconnectedAt) {
		return
	}
	s.endBroadcast(ctx, broadcastID, connID, kafka.ReasonTimeout)
}

func (s *relayService) BroadcastCount(ctx context.Context) (int, error) {
	return s.directory.Count(ctx)
}

// Start subscribes to every broadcast's viewer channel and fans events out
// to the local viewers.
func (s *relayService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	events, err := s.pubsub.SubscribePattern(ctx, pubsub.ViewersPattern)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to viewer channels: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleViewerEvents(ctx, events)
	}()
	return nil
}

func (s *relayService) handleViewerEvents(ctx context.Context, events <-chan *pubsub.Event) {
	l := pkglog.L()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			switch event.Type {
			case pubsub.EventFrame:
				var payload pubsub.FramePayload
				if err := event.UnmarshalPayload(&payload); err != nil {
					l.Warn().Err(err).Msg("invalid frame payload")
					continue
				}
				s.hub.SendToViewers(payload.BroadcastID, &protocol.FrameMessage{
					Type:        protocol.MsgTypeFrame,
					BroadcastID: payload.BroadcastID,
					Seq:         payload.Seq,
					Data:        payload.Data,
				}, false)

			case pubsub.EventBroadcastEnded:
				var payload pubsub.BroadcastEndedPayload
				if err := event.UnmarshalPayload(&payload); err != nil {
					l.Warn().Err(err).Msg("invalid broadcast_ended payload")
					continue
				}
				s.hub.SendToViewers(payload.BroadcastID, &protocol.BroadcastEndedMessage{
					Type:        protocol.MsgTypeBroadcastEnded,
					BroadcastID: payload.BroadcastID,
					Reason:      payload.Reason,
				}, true)
			}
		}
	}
}

func (s *relayService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	return nil
}
