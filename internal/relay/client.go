package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// ErrSendBufferFull is returned by Send when the outbound queue is saturated.
var ErrSendBufferFull = errors.New("relay send buffer full")

// StatusHandler is called on every status transition. cause is set when the
// transition was caused by an error (Failed, Reconnecting).
type StatusHandler func(status domain.ConnectionStatus, cause error)

// MessageHandler is called for every unsolicited message from the relay.
type MessageHandler func(env protocol.Envelope)

// Client is a single authenticated connection to the relay service.
//
// Handlers registered with OnStatus and OnMessage run synchronously, one at a
// time and in order. They must not block and must not call Connect or
// Disconnect on the same client.
type Client struct {
	cfg        Config
	credential string
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	mu          sync.Mutex
	status      domain.ConnectionStatus
	conn        *conn
	epochCtx    context.Context
	epochCancel context.CancelFunc
	epochSeq    uint64
	connID      string
	resumeToken string
	pending     map[string]chan protocol.Envelope

	sf singleflight.Group

	notifyMu       sync.Mutex
	handlersMu     sync.RWMutex
	nextHandlerID  int
	statusHandlers map[int]StatusHandler
	msgHandlers    map[int]MessageHandler
}

// NewClient creates a disconnected client for the given credential.
func NewClient(cfg Config, credential string) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		credential: credential,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:         pkglog.Component("relay").With().Str(pkglog.FieldRelayURL, cfg.URL).Logger(),
		status:         domain.StatusDisconnected,
		pending:        make(map[string]chan protocol.Envelope),
		statusHandlers: make(map[int]StatusHandler),
		msgHandlers:    make(map[int]MessageHandler),
	}
}

// Credential returns the password this client authenticates with.
func (c *Client) Credential() string {
	return c.credential
}

// Status returns the current connection status.
func (c *Client) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ConnectionID returns the identity assigned by the relay on the last
// successful handshake.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// OnStatus registers a status handler. The returned func removes it.
func (c *Client) OnStatus(h StatusHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.statusHandlers[id] = h
	return func() {
		c.handlersMu.Lock()
		delete(c.statusHandlers, id)
		c.handlersMu.Unlock()
	}
}

// OnMessage registers a handler for unsolicited relay messages. The returned
// func removes it.
func (c *Client) OnMessage(h MessageHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.msgHandlers[id] = h
	return func() {
		c.handlersMu.Lock()
		delete(c.msgHandlers, id)
		c.handlersMu.Unlock()
	}
}

// Connect establishes the connection, or waits for an attempt already in
// flight. It returns immediately when the client is Connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == domain.StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if c.epochCtx == nil {
		c.epochCtx, c.epochCancel = context.WithCancel(context.Background())
		c.epochSeq++
	}
	epoch, key := c.epochCtx, connectKey(c.epochSeq)
	c.mu.Unlock()

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		return nil, c.establish(epoch)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and cancels any attempt in flight. It is a
// no-op when the client is already Disconnected or Failed.
func (c *Client) Disconnect() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.epochCancel != nil {
		c.epochCancel()
		c.epochCtx, c.epochCancel = nil, nil
	}
	cn := c.conn
	c.conn = nil
	prev := c.status
	changed := prev != domain.StatusDisconnected && prev != domain.StatusFailed
	if changed {
		c.status = domain.StatusDisconnected
	}
	c.mu.Unlock()

	if cn != nil {
		cn.close()
	}
	if changed {
		c.notifyStatus(domain.StatusDisconnected, nil)
	}
}

// Send queues a message on the current connection. Delivery is at most once;
// nothing is redelivered after a reconnect.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	cn := c.conn
	connected := c.status == domain.StatusConnected
	c.mu.Unlock()

	if cn == nil || !connected {
		return domain.ErrNotConnected
	}

	select {
	case <-cn.done:
		return domain.ErrNotConnected
	default:
	}

	select {
	case cn.send <- data:
		return nil
	case <-cn.done:
		return domain.ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Request sends msg with a fresh request id and waits for the correlated
// reply. Relay error replies are returned as *protocol.RemoteError.
func (c *Client) Request(ctx context.Context, msg protocol.Requester) (protocol.Envelope, error) {
	id := uuid.New().String()
	msg.SetRequestID(id)
	reply := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	cn := c.conn
	if cn == nil || c.status != domain.StatusConnected {
		c.mu.Unlock()
		return protocol.Envelope{}, domain.ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case env := <-reply:
		if env.Type == protocol.MsgTypeError {
			var em protocol.ErrorMessage
			if err := env.Decode(&em); err != nil {
				return env, fmt.Errorf("failed to decode relay error: %w", err)
			}
			return env, em.AsError()
		}
		return env, nil
	case <-cn.done:
		return protocol.Envelope{}, domain.ErrNotConnected
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// establish runs one connect attempt for the given epoch.
func (c *Client) establish(epoch context.Context) error {
	if c.Status() == domain.StatusConnected {
		return nil
	}

	if !c.transition(domain.StatusConnecting, nil, epochAlive(epoch), nil) {
		return context.Canceled
	}

	err := c.dialAndAuth(epoch)
	if err == nil {
		return nil
	}
	if epoch.Err() != nil {
		return epoch.Err()
	}

	c.transition(domain.StatusFailed, err, epochAlive(epoch), nil)
	return err
}

// dialAndAuth opens a websocket, authenticates and installs the connection.
func (c *Client) dialAndAuth(epoch context.Context) error {
	ctx, cancel := context.WithTimeout(epoch, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return classify(ctx, epoch, err, domain.ErrUnreachable)
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	result, err := c.handshake(ws, ctx)
	if !stop() {
		ws.Close()
		if err == nil {
			err = ctx.Err()
		}
		return classify(ctx, epoch, err, domain.ErrUnreachable)
	}
	if err != nil {
		ws.Close()
		if errors.Is(err, domain.ErrAuthRejected) {
			return err
		}
		return classify(ctx, epoch, err, domain.ErrUnreachable)
	}

	cn := newConn(ws, c.cfg.SendBuffer)
	installed := c.transition(domain.StatusConnected, nil, func() bool {
		return epoch.Err() == nil && c.conn == nil
	}, func() {
		c.conn = cn
		c.connID = result.ConnectionID
		if result.ResumeToken != "" {
			c.resumeToken = result.ResumeToken
		}
	})
	if !installed {
		cn.close()
		if epoch.Err() != nil {
			return epoch.Err()
		}
		return domain.ErrNotConnected
	}

	go c.writePump(cn)
	go c.readPump(cn, epoch)

	c.logger.Info().Str(pkglog.FieldConnectionID, result.ConnectionID).Msg("relay connection established")
	return nil
}

func (c *Client) handshake(ws *websocket.Conn, ctx context.Context) (*protocol.AuthResultMessage, error) {
	deadline, _ := ctx.Deadline()

	c.mu.Lock()
	token := c.resumeToken
	c.mu.Unlock()

	ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(&protocol.AuthMessage{
		Type:        protocol.MsgTypeAuth,
		Password:    c.credential,
		ResumeToken: token,
	}); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	env, err := protocol.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake reply: %w", err)
	}

	switch env.Type {
	case protocol.MsgTypeAuthResult:
		var res protocol.AuthResultMessage
		if err := env.Decode(&res); err != nil {
			return nil, fmt.Errorf("invalid auth result: %w", err)
		}
		if !res.Success {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuthRejected, res.Message)
		}
		return &res, nil
	case protocol.MsgTypeError:
		var em protocol.ErrorMessage
		if err := env.Decode(&em); err == nil && em.Code == protocol.ErrCodeUnauthorized {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuthRejected, em.Message)
		}
		return nil, fmt.Errorf("unexpected handshake error reply")
	default:
		return nil, fmt.Errorf("unexpected handshake reply %q", env.Type)
	}
}

// connectionLost runs when a connection's read side ends.
func (c *Client) connectionLost(cn *conn, epoch context.Context, cause error) {
	cn.close()

	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
	}
	unexpected := current && epoch.Err() == nil && c.status == domain.StatusConnected
	c.mu.Unlock()

	if !unexpected {
		return
	}

	c.logger.Warn().Err(cause).Msg("relay connection lost")
	c.reconnect(epoch, cause)
}

// reconnect retries the connection with exponential backoff until it comes
// back, the policy is exhausted (Failed) or the epoch is cancelled.
func (c *Client) reconnect(epoch context.Context, cause error) {
	ok := c.transition(domain.StatusReconnecting, cause, func() bool {
		return epoch.Err() == nil && c.conn == nil && c.status == domain.StatusConnected
	}, nil)
	if !ok {
		return
	}

	c.mu.Lock()
	key := connectKey(c.epochSeq)
	c.mu.Unlock()

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		return nil, c.retry(epoch)
	})
	<-ch
}

func (c *Client) retry(epoch context.Context) error {
	policy := c.cfg.Reconnect

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := c.dialAndAuth(epoch)
		switch {
		case err == nil:
			return struct{}{}, nil
		case epoch.Err() != nil, errors.Is(err, domain.ErrAuthRejected):
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Int(pkglog.FieldAttempt, attempt).Dur("retry_in", next).Msg("relay reconnect attempt failed")
		}),
	}
	if policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxAttempts))
	}

	_, err := backoff.Retry(epoch, op, opts...)
	if err != nil {
		if epoch.Err() != nil {
			return epoch.Err()
		}
		c.logger.Error().Err(err).Int(pkglog.FieldAttempt, attempt).Msg("relay reconnect gave up")
		c.transition(domain.StatusFailed, err, epochAlive(epoch), nil)
		return err
	}
	return nil
}

// transition moves the client to status `to` when guard (evaluated under
// c.mu) allows it. apply runs under c.mu right before the status changes.
// Handlers are notified in transition order.
func (c *Client) transition(to domain.ConnectionStatus, cause error, guard func() bool, apply func()) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if guard != nil && !guard() {
		c.mu.Unlock()
		return false
	}
	if apply != nil {
		apply()
	}
	changed := c.status != to
	c.status = to
	c.mu.Unlock()

	if changed {
		c.notifyStatus(to, cause)
	}
	return true
}

// notifyStatus must be called with notifyMu held.
func (c *Client) notifyStatus(status domain.ConnectionStatus, cause error) {
	evt := c.logger.Info()
	if cause != nil {
		evt = c.logger.Warn().Err(cause)
	}
	evt.Str(pkglog.FieldRelayStatus, status.String()).Msg("relay status changed")

	for _, h := range c.statusHandlerList() {
		h(status, cause)
	}
}

// route delivers a received message to its pending request or to the
// message handlers.
func (c *Client) route(env protocol.Envelope) {
	if env.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
			return
		}
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, h := range c.messageHandlerList() {
		h(env)
	}
}

func (c *Client) statusHandlerList() []StatusHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	ids := make([]int, 0, len(c.statusHandlers))
	for id := range c.statusHandlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]StatusHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.statusHandlers[id])
	}
	return out
}

func (c *Client) messageHandlerList() []MessageHandler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	ids := make([]int, 0, len(c.msgHandlers))
	for id := range c.msgHandlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]MessageHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.msgHandlers[id])
	}
	return out
}

// connectKey scopes connect attempts to one epoch so a Connect after
// Disconnect never joins an attempt that is being cancelled.
func connectKey(seq uint64) string {
	return fmt.Sprintf("connect:%d", seq)
}

func epochAlive(epoch context.Context) func() bool {
	return func() bool { return epoch.Err() == nil }
}

// classify maps a transport error onto the connection-layer taxonomy.
func classify(ctx, epoch context.Context, err error, fallback error) error {
	if epoch.Err() != nil {
		return epoch.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
