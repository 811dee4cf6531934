package spectate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/server/servertest"
)

func relayConfig(url string) relay.Config {
	cfg := relay.DefaultConfig(url)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Reconnect = relay.ReconnectPolicy{
		MaxAttempts:     2,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
	return cfg
}

// broadcaster drives the relay's broadcasting side directly.
type broadcaster struct {
	t      *testing.T
	client *relay.Client
}

func newBroadcaster(t *testing.T, s *servertest.Server, password string) *broadcaster {
	t.Helper()
	c := relay.NewClient(relayConfig(s.URL), password)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("broadcaster Connect() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	return &broadcaster{t: t, client: c}
}

func (b *broadcaster) start(name string) string {
	b.t.Helper()
	env, err := b.client.Request(context.Background(), &protocol.StartBroadcastMessage{
		Type: protocol.MsgTypeStartBroadcast, Name: name, BroadcasterName: "falco",
	})
	if err != nil {
		b.t.Fatalf("start_broadcast error = %v", err)
	}
	var started protocol.BroadcastStartedMessage
	env.Decode(&started)
	return started.BroadcastID
}

func (b *broadcaster) stop(id string) {
	b.t.Helper()
	if _, err := b.client.Request(context.Background(), &protocol.StopBroadcastMessage{
		Type: protocol.MsgTypeStopBroadcast, BroadcastID: id,
	}); err != nil {
		b.t.Fatalf("stop_broadcast error = %v", err)
	}
}

func (b *broadcaster) frame(id string, seq uint64, data string) {
	b.t.Helper()
	if err := b.client.Send(&protocol.FrameMessage{
		Type: protocol.MsgTypeFrame, BroadcastID: id, Seq: seq, Data: []byte(data),
	}); err != nil {
		b.t.Fatalf("send frame error = %v", err)
	}
}

func waitDone(t *testing.T, h *WatchHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not end")
	}
}

func TestConnectRefreshWatch(t *testing.T) {
	s := servertest.Start(t, servertest.Options{Passwords: []string{"pw"}})
	b := newBroadcaster(t, s, "pw")
	id := b.start("friendlies")

	bus := events.NewBus()
	defer bus.Close()
	evts, cancel := bus.Subscribe(64)
	defer cancel()

	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), bus)
	defer sess.Disconnect()

	if err := sess.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if st := sess.State(); st.SlippiConnectionStatus != domain.StatusConnected {
		t.Errorf("status = %s, want connected", st.SlippiConnectionStatus)
	}

	records, err := sess.RefreshBroadcasts(context.Background())
	if err != nil {
		t.Fatalf("RefreshBroadcasts() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != id || records[0].Name != "friendlies" || records[0].Broadcaster.Name != "falco" {
		t.Fatalf("records = %+v, want the single friendlies broadcast", records)
	}

	h, err := sess.WatchBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("WatchBroadcast() error = %v", err)
	}
	if st := sess.State(); len(st.Watching) != 1 || st.Watching[0] != id {
		t.Errorf("watching = %v, want [%s]", st.Watching, id)
	}

	b.frame(id, 1, "abc")
	select {
	case f := <-h.Frames():
		if f.Seq != 1 || string(f.Data) != "abc" || f.BroadcastID != id {
			t.Errorf("frame = %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame not delivered")
	}

	b.stop(id)
	waitDone(t, h)
	if h.Reason() != "broadcast ended" {
		t.Errorf("Reason() = %q, want broadcast ended", h.Reason())
	}
	if got := sess.Broadcasts(); len(got) != 0 {
		t.Errorf("Broadcasts() after end = %+v, want empty", got)
	}

	// the refresh published the viewable set
	sawList := false
	for !sawList {
		select {
		case evt := <-evts:
			if evt.Kind == events.KindViewableBroadcasts && len(evt.Broadcasts) == 1 {
				sawList = true
			}
		case <-time.After(time.Second):
			t.Fatal("viewable_broadcasts event not published")
		}
	}
}

func TestRefreshReplacesViewableSet(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	b := newBroadcaster(t, s, "pw")
	first := b.start("first")

	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), nil)
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := sess.RefreshBroadcasts(context.Background()); err != nil {
		t.Fatalf("RefreshBroadcasts() error = %v", err)
	}

	b.stop(first)
	second := b.start("second")

	records, err := sess.RefreshBroadcasts(context.Background())
	if err != nil {
		t.Fatalf("RefreshBroadcasts() error = %v", err)
	}
	if len(records) != 1 || records[0].ID != second {
		t.Errorf("records = %+v, want only %s", records, second)
	}
	if st := sess.State(); len(st.Broadcasts) != 1 {
		t.Errorf("state holds %d broadcasts, want 1", len(st.Broadcasts))
	}
}

func TestWatch_Errors(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), nil)
	defer sess.Disconnect()

	if _, err := sess.WatchBroadcast(context.Background(), "x"); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("WatchBroadcast() before connect error = %v, want ErrNotConnected", err)
	}
	if _, err := sess.RefreshBroadcasts(context.Background()); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("RefreshBroadcasts() before connect error = %v, want ErrNotConnected", err)
	}

	if err := sess.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := sess.WatchBroadcast(context.Background(), "not-listed"); !errors.Is(err, domain.ErrUnknownBroadcast) {
		t.Errorf("WatchBroadcast(unknown) error = %v, want ErrUnknownBroadcast", err)
	}
	if st := sess.State(); len(st.Watching) != 0 {
		t.Errorf("watching = %v after failed watch", st.Watching)
	}
}

func TestWatch_ReusesHandleAndCloseKeepsConnection(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	b := newBroadcaster(t, s, "pw")
	id := b.start("g")

	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), nil)
	defer sess.Disconnect()
	sess.Connect(context.Background(), "pw")
	sess.RefreshBroadcasts(context.Background())

	h1, err := sess.WatchBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("WatchBroadcast() error = %v", err)
	}
	h2, err := sess.WatchBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("second WatchBroadcast() error = %v", err)
	}
	if h1 != h2 {
		t.Error("second watch returned a different handle")
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h1.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	waitDone(t, h1)
	if h1.Reason() != "closed" {
		t.Errorf("Reason() = %q, want closed", h1.Reason())
	}
	if st := sess.State(); st.SlippiConnectionStatus != domain.StatusConnected || len(st.Watching) != 0 {
		t.Errorf("state after close = %+v", st)
	}
	if len(sess.Broadcasts()) != 1 {
		t.Error("closing a watch removed the broadcast from the viewable set")
	}
}

func TestConnectionLossEndsWatches(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	b := newBroadcaster(t, s, "pw")
	id := b.start("g")

	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), nil)
	defer sess.Disconnect()
	sess.Connect(context.Background(), "pw")
	sess.RefreshBroadcasts(context.Background())
	h, err := sess.WatchBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("WatchBroadcast() error = %v", err)
	}

	s.Close()
	waitDone(t, h)
	if h.Reason() != "connection lost" {
		t.Errorf("Reason() = %q, want connection lost", h.Reason())
	}
	if len(sess.Broadcasts()) != 0 {
		t.Error("viewable set not cleared after connection loss")
	}
}

func TestSharedClientRefcount(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	reg := registry.NewWithConfig(relayConfig(s.URL))

	a := NewSession(Config{}, reg, nil)
	b := NewSession(Config{}, reg, nil)
	if err := a.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("a.Connect() error = %v", err)
	}
	if err := b.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}
	if n := reg.Refs("pw"); n != 2 {
		t.Errorf("Refs() = %d, want 2", n)
	}
	if n := s.Hub.ClientCount(); n != 1 {
		t.Errorf("relay sees %d connections, want 1", n)
	}

	a.Disconnect()
	if n := reg.Refs("pw"); n != 1 {
		t.Errorf("Refs() after one disconnect = %d, want 1", n)
	}
	if st := b.State(); st.SlippiConnectionStatus != domain.StatusConnected {
		t.Errorf("remaining session status = %s, want connected", st.SlippiConnectionStatus)
	}

	b.Disconnect()
	if reg.Len() != 0 {
		t.Errorf("registry holds %d clients after last release", reg.Len())
	}
}

func TestConnect_CredentialChangeReleasesPrevious(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	reg := registry.NewWithConfig(relayConfig(s.URL))
	sess := NewSession(Config{}, reg, nil)
	defer sess.Disconnect()

	if err := sess.Connect(context.Background(), "one"); err != nil {
		t.Fatalf("Connect(one) error = %v", err)
	}
	if err := sess.Connect(context.Background(), "one"); err != nil {
		t.Fatalf("Connect(one) again error = %v", err)
	}
	if n := reg.Refs("one"); n != 1 {
		t.Errorf("Refs(one) = %d, want 1 after reconnecting with the same password", n)
	}

	if err := sess.Connect(context.Background(), "two"); err != nil {
		t.Fatalf("Connect(two) error = %v", err)
	}
	if reg.Refs("one") != 0 || reg.Refs("two") != 1 {
		t.Errorf("refs one/two = %d/%d, want 0/1", reg.Refs("one"), reg.Refs("two"))
	}
}

func watchConcurrently(sess *Session, id string, n int) ([]*WatchHandle, []error) {
	handles := make([]*WatchHandle, n)
	errs := make([]error, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			handles[i], errs[i] = sess.WatchBroadcast(context.Background(), id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	return handles, errs
}

func TestWatch_ConcurrentCallsShareOutcome(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	b := newBroadcaster(t, s, "pw")
	live := b.start("live")
	gone := b.start("gone")

	sess := NewSession(Config{}, registry.NewWithConfig(relayConfig(s.URL)), nil)
	defer sess.Disconnect()
	if err := sess.Connect(context.Background(), "pw"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := sess.RefreshBroadcasts(context.Background()); err != nil {
		t.Fatalf("RefreshBroadcasts() error = %v", err)
	}
	// still listed locally, but the relay rejects the watch
	b.stop(gone)

	handles, errs := watchConcurrently(sess, live, 8)
	for i := range handles {
		if errs[i] != nil {
			t.Fatalf("caller %d: WatchBroadcast() error = %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Errorf("caller %d got a different handle", i)
		}
	}
	select {
	case <-handles[0].Done():
		t.Errorf("shared handle ended: %s", handles[0].Reason())
	default:
	}

	handles, errs = watchConcurrently(sess, gone, 8)
	for i := range handles {
		if errs[i] == nil || handles[i] != nil {
			t.Errorf("caller %d: handle = %v, error = %v, want an error and no handle", i, handles[i], errs[i])
		}
	}
	if st := sess.State(); len(st.Watching) != 1 || st.Watching[0] != live {
		t.Errorf("watching = %v, want only %s", st.Watching, live)
	}
}
