// Package servertest runs an in-process relay for tests.
package servertest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/slippi-broadcast/internal/server/config"
	"github.com/weiawesome/slippi-broadcast/internal/server/directory"
	"github.com/weiawesome/slippi-broadcast/internal/server/handler"
	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
	"github.com/weiawesome/slippi-broadcast/internal/server/kafka"
	"github.com/weiawesome/slippi-broadcast/internal/server/metrics"
	"github.com/weiawesome/slippi-broadcast/internal/server/service"
	"github.com/weiawesome/slippi-broadcast/pkg/jwt"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/pubsub"
)

// Options configures a test relay.
type Options struct {
	// Passwords lists accepted credentials. Empty accepts any.
	Passwords []string
	// ResumeGrace defaults to one second.
	ResumeGrace time.Duration
}

// Server is a running test relay.
type Server struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:1234/ws.
	URL string
	// HTTPURL is the base URL of the plain HTTP endpoints.
	HTTPURL   string
	Hub       *hub.Hub
	Service   service.RelayService
	Directory directory.Directory
	// Lifecycle records the broadcast events the relay would send to Kafka.
	Lifecycle *LifecycleRecorder

	http      *httptest.Server
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Start runs a relay with in-memory storage. It is closed on test cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.ResumeGrace == 0 {
		opts.ResumeGrace = time.Second
	}

	cfg := config.Default()
	cfg.WebSocket.PingInterval = 500 * time.Millisecond
	cfg.WebSocket.PongWait = 2 * time.Second

	tokens, err := jwt.NewManager(time.Minute, "relay-test")
	if err != nil {
		t.Fatalf("jwt.NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(cfg.WebSocket)
	go h.Run(ctx)

	dir := directory.NewMemoryDirectory()
	m := metrics.New()
	lifecycle := &LifecycleRecorder{}
	svc := service.NewRelayService(h, dir, pubsub.NewMemoryPubSub(0), lifecycle, tokens, m, service.Options{
		Passwords:   opts.Passwords,
		ResumeGrace: opts.ResumeGrace,
	})
	if err := svc.Start(ctx); err != nil {
		cancel()
		t.Fatalf("relay Start() error = %v", err)
	}

	router := handler.NewRouter(pkglog.L(), handler.NewWSHandler(h, svc), handler.NewHTTPHandler(svc), h, m)
	hs := httptest.NewServer(router)

	s := &Server{
		URL:       "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		HTTPURL:   hs.URL,
		Hub:       h,
		Service:   svc,
		Directory: dir,
		Lifecycle: lifecycle,
		http:      hs,
		cancel:    cancel,
	}
	t.Cleanup(s.Close)
	return s
}

// DropConnections closes every client socket without a close handshake.
// The relay keeps accepting new connections.
func (s *Server) DropConnections() {
	s.Hub.CloseAll()
}

// Close stops the relay. Connected clients see their sockets drop and new
// dials fail.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.Hub.CloseAll()
		s.http.Close()
		s.Service.Stop()
		s.cancel()
	})
}

// LifecycleRecorder is a kafka.BroadcastEventProducer that keeps every event.
type LifecycleRecorder struct {
	mu     sync.Mutex
	events []kafka.BroadcastEvent
}

func (r *LifecycleRecorder) Produce(ctx context.Context, event *kafka.BroadcastEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *event)
	r.mu.Unlock()
	return nil
}

func (r *LifecycleRecorder) Close() error { return nil }

// Events returns a copy of the recorded events in order.
func (r *LifecycleRecorder) Events() []kafka.BroadcastEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.BroadcastEvent(nil), r.events...)
}
