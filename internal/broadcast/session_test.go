package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/protocol"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/server/servertest"
	"github.com/weiawesome/slippi-broadcast/internal/source"
)

// fakeSource is an emulator source driven by the test.
type fakeSource struct {
	mu        sync.Mutex
	onFrame   source.FrameHandler
	onStatus  source.StatusHandler
	attachErr error
	block     bool
	attached  chan struct{}
	attaches  int
	detaches  int
	// detachGate, when set, holds Detach until it is closed.
	detachGate chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{attached: make(chan struct{}, 8)}
}

func (f *fakeSource) Attach(ctx context.Context, onFrame source.FrameHandler, onStatus source.StatusHandler) error {
	f.mu.Lock()
	f.attaches++
	block, attachErr := f.block, f.attachErr
	f.mu.Unlock()

	onStatus(domain.StatusConnecting)
	f.attached <- struct{}{}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if attachErr != nil {
		onStatus(domain.StatusFailed)
		return attachErr
	}

	f.mu.Lock()
	f.onFrame, f.onStatus = onFrame, onStatus
	f.mu.Unlock()
	onStatus(domain.StatusConnected)
	return nil
}

func (f *fakeSource) Detach() error {
	f.mu.Lock()
	gate := f.detachGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.detaches++
	onStatus := f.onStatus
	f.onFrame, f.onStatus = nil, nil
	f.mu.Unlock()
	if onStatus != nil {
		onStatus(domain.StatusDisconnected)
	}
	return nil
}

func (f *fakeSource) emit(data []byte) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	if onFrame != nil {
		onFrame(data)
	}
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attaches, f.detaches
}

func relayConfig(url string) relay.Config {
	cfg := relay.DefaultConfig(url)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Reconnect = relay.ReconnectPolicy{
		MaxAttempts:     3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
	}
	return cfg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func broadcastCount(t *testing.T, s *servertest.Server) int {
	t.Helper()
	n, err := s.Directory.Count(context.Background())
	if err != nil {
		t.Fatalf("directory Count() error = %v", err)
	}
	return n
}

func newTestSession(t *testing.T, s *servertest.Server, cfg Config) (*Session, *fakeSource, *registry.Registry, *events.Bus) {
	t.Helper()
	reg := registry.NewWithConfig(relayConfig(s.URL))
	src := newFakeSource()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	cfg.Name = "netplay"
	cfg.BroadcasterName = "fox"
	return NewSession(cfg, reg, src, bus), src, reg, bus
}

func TestStart_AnnouncesBroadcast(t *testing.T) {
	s := servertest.Start(t, servertest.Options{Passwords: []string{"pw"}})
	sess, _, reg, _ := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st := sess.State()
	if st.Phase != domain.PhaseBroadcasting || !st.IsBroadcasting || st.IsConnecting {
		t.Errorf("state = %+v, want broadcasting", st)
	}
	if st.BroadcastID == "" || st.StartTime == nil || st.EndTime != nil {
		t.Errorf("state = %+v, want id and start time without end time", st)
	}
	if st.SlippiConnectionStatus != domain.StatusConnected || st.DolphinConnectionStatus != domain.StatusConnected {
		t.Errorf("connection statuses = %s/%s, want connected/connected", st.SlippiConnectionStatus, st.DolphinConnectionStatus)
	}
	if n := broadcastCount(t, s); n != 1 {
		t.Errorf("relay lists %d broadcasts, want 1", n)
	}
	if n := reg.Refs("pw"); n != 1 {
		t.Errorf("registry refs = %d, want 1", n)
	}
}

func TestStart_ConcurrentCallsAnnounceOnce(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, _, _ := newTestSession(t, s, Config{})
	defer sess.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Start(context.Background(), "pw")
		}()
	}
	wg.Wait()

	eventually(t, "broadcasting", func() bool { return sess.State().IsBroadcasting })
	if n := broadcastCount(t, s); n != 1 {
		t.Errorf("relay lists %d broadcasts, want 1", n)
	}
	if attaches, _ := src.counts(); attaches != 1 {
		t.Errorf("source attached %d times, want 1", attaches)
	}
	if n := s.Hub.ClientCount(); n != 1 {
		t.Errorf("relay sees %d connections, want 1", n)
	}
}

func TestStart_StreamsFramesToViewers(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, _, _ := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := sess.State().BroadcastID

	viewer := relay.NewClient(relayConfig(s.URL), "pw")
	defer viewer.Disconnect()
	frames := make(chan protocol.FrameMessage, 8)
	viewer.OnMessage(func(env protocol.Envelope) {
		if env.Type == protocol.MsgTypeFrame {
			var f protocol.FrameMessage
			if env.Decode(&f) == nil {
				frames <- f
			}
		}
	})
	if err := viewer.Connect(context.Background()); err != nil {
		t.Fatalf("viewer Connect() error = %v", err)
	}
	if _, err := viewer.Request(context.Background(), &protocol.WatchBroadcastMessage{
		Type: protocol.MsgTypeWatchBroadcast, BroadcastID: id,
	}); err != nil {
		t.Fatalf("watch error = %v", err)
	}

	src.emit([]byte("frame-1"))
	src.emit([]byte("frame-2"))

	for i, want := range []string{"frame-1", "frame-2"} {
		select {
		case f := <-frames:
			if string(f.Data) != want || f.Seq != uint64(i+1) || f.BroadcastID != id {
				t.Errorf("frame %d = %+v, want %q", i, f, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %q not delivered", want)
		}
	}
}

func TestStop_IsIdempotentAndStampsEndTime(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, reg, _ := newTestSession(t, s, Config{})

	// Stop on an idle session changes nothing.
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() on idle error = %v", err)
	}
	if st := sess.State(); st.Phase != domain.PhaseIdle || st.EndTime != nil {
		t.Errorf("idle state after Stop = %+v", st)
	}

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	first := sess.State()
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	second := sess.State()

	if first.Phase != domain.PhaseIdle || first.IsBroadcasting || first.BroadcastID != "" {
		t.Errorf("state after Stop = %+v, want idle", first)
	}
	if first.StartTime == nil || first.EndTime == nil {
		t.Fatalf("state after Stop = %+v, want start and end time", first)
	}
	if first.EndTime.Before(*first.StartTime) {
		t.Errorf("end time %s before start time %s", first.EndTime, first.StartTime)
	}
	if !second.EndTime.Equal(*first.EndTime) {
		t.Errorf("second Stop moved end time from %s to %s", first.EndTime, second.EndTime)
	}

	if _, detaches := src.counts(); detaches != 1 {
		t.Errorf("source detached %d times, want 1", detaches)
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d clients", reg.Len())
	}
	eventually(t, "broadcast removed from relay", func() bool { return broadcastCount(t, s) == 0 })
}

func TestStart_AuthRejectedFails(t *testing.T) {
	s := servertest.Start(t, servertest.Options{Passwords: []string{"pw"}})
	sess, src, reg, _ := newTestSession(t, s, Config{})

	err := sess.Start(context.Background(), "wrong")
	if !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("Start() error = %v, want ErrAuthRejected", err)
	}
	st := sess.State()
	if st.Phase != domain.PhaseFailed || st.IsBroadcasting || st.IsConnecting {
		t.Errorf("state = %+v, want failed", st)
	}
	if attaches, _ := src.counts(); attaches != 0 {
		t.Errorf("source attached %d times after auth failure", attaches)
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d clients", reg.Len())
	}

	// a failed session can start again
	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() after failure error = %v", err)
	}
	sess.Stop()
}

func TestStart_SourceFailureReleasesRelay(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, reg, _ := newTestSession(t, s, Config{})
	src.attachErr = domain.ErrLocalSourceFailure

	err := sess.Start(context.Background(), "pw")
	if !errors.Is(err, domain.ErrLocalSourceFailure) {
		t.Fatalf("Start() error = %v, want ErrLocalSourceFailure", err)
	}
	if st := sess.State(); st.Phase != domain.PhaseFailed {
		t.Errorf("phase = %s, want failed", st.Phase)
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d clients", reg.Len())
	}
	if n := broadcastCount(t, s); n != 0 {
		t.Errorf("relay lists %d broadcasts, want 0", n)
	}
}

func TestStop_CancelsStartInFlight(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, reg, _ := newTestSession(t, s, Config{})
	src.block = true

	done := make(chan error, 1)
	go func() { done <- sess.Start(context.Background(), "pw") }()

	select {
	case <-src.attached:
	case <-time.After(3 * time.Second):
		t.Fatal("source never attached")
	}
	if st := sess.State(); !st.IsConnecting {
		t.Errorf("state while attaching = %+v, want connecting", st)
	}

	sess.Stop()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Start() succeeded after Stop")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}

	st := sess.State()
	if st.Phase != domain.PhaseIdle || st.EndTime != nil {
		t.Errorf("state = %+v, want idle without end time", st)
	}
	eventually(t, "registry emptied", func() bool { return reg.Len() == 0 })
}

func TestRelayDropKeepsBroadcasting(t *testing.T) {
	s := servertest.Start(t, servertest.Options{ResumeGrace: 5 * time.Second})
	sess, _, _, bus := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	id := sess.State().BroadcastID

	states, cancel := bus.Subscribe(64)
	defer cancel()

	s.DropConnections()

	sawReconnecting := false
	timeout := time.After(5 * time.Second)
	for {
		var evt events.Event
		select {
		case evt = <-states:
		case <-timeout:
			t.Fatalf("relay did not come back, reconnecting seen = %v", sawReconnecting)
		}
		if evt.Kind != events.KindBroadcastState {
			continue
		}
		st := evt.Broadcast
		if !st.IsBroadcasting {
			t.Fatalf("broadcast state %+v lost isBroadcasting during relay drop", st)
		}
		if st.SlippiConnectionStatus == domain.StatusReconnecting {
			sawReconnecting = true
		}
		if sawReconnecting && st.SlippiConnectionStatus == domain.StatusConnected {
			break
		}
	}

	eventually(t, "broadcast re-announced", func() bool {
		e, err := s.Directory.Get(context.Background(), id)
		return err == nil && e != nil
	})
	if got := sess.State().BroadcastID; got != id {
		t.Errorf("broadcast id after reconnect = %s, want %s", got, id)
	}
}

func TestRelayFailureStopsWhenConfigured(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, _, reg, _ := newTestSession(t, s, Config{StopOnRelayFailure: true, StopTimeout: 200 * time.Millisecond})

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Close()

	eventually(t, "session stopped", func() bool { return sess.State().Phase == domain.PhaseIdle })
	st := sess.State()
	if st.EndTime == nil {
		t.Error("end time not set after relay failure stop")
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d clients", reg.Len())
	}
}

func TestRelayFailureKeepsBroadcastingByDefault(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, _, _, _ := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Close()

	eventually(t, "relay failed", func() bool {
		return sess.State().SlippiConnectionStatus == domain.StatusFailed
	})
	if st := sess.State(); !st.IsBroadcasting {
		t.Errorf("state = %+v, want still broadcasting", st)
	}
}

func TestStop_FromIdlePublishesNothing(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, _, _, bus := newTestSession(t, s, Config{})
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("Stop() on idle published %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStart_AfterStopClearsTimes(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, _, _, bus := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Stop()
	prev := sess.State()
	if prev.StartTime == nil || prev.EndTime == nil {
		t.Fatalf("state after Stop = %+v, want start and end time", prev)
	}

	ch, cancel := bus.Subscribe(64)
	defer cancel()
	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	var first *domain.BroadcastState
	for first == nil {
		select {
		case evt := <-ch:
			if evt.Kind == events.KindBroadcastState {
				first = evt.Broadcast
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no broadcast state event")
		}
	}
	if !first.IsConnecting || first.StartTime != nil || first.EndTime != nil {
		t.Errorf("first state of the new broadcast = %+v, want connecting without times", first)
	}

	st := sess.State()
	if st.StartTime == nil || st.EndTime != nil {
		t.Fatalf("state = %+v, want start time only", st)
	}
	if st.StartTime.Before(*prev.EndTime) {
		t.Errorf("new start %s before previous end %s", st.StartTime, prev.EndTime)
	}
	if st.BroadcastID == prev.BroadcastID {
		t.Errorf("restart reused broadcast id %s", st.BroadcastID)
	}
}

func TestStart_DuringStopWaitsThenStarts(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, src, _, _ := newTestSession(t, s, Config{})
	defer sess.Stop()

	if err := sess.Start(context.Background(), "pw"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	gate := make(chan struct{})
	src.mu.Lock()
	src.detachGate = gate
	src.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sess.Stop()
	}()
	eventually(t, "stopping", func() bool { return sess.State().Phase == domain.PhaseStopping })

	started := make(chan error, 1)
	go func() { started <- sess.Start(context.Background(), "pw") }()

	select {
	case err := <-started:
		t.Fatalf("Start() returned %v while the stop was detaching", err)
	case <-time.After(100 * time.Millisecond):
	}

	src.mu.Lock()
	src.detachGate = nil
	src.mu.Unlock()
	close(gate)
	<-stopped

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not run after the stop finished")
	}
	if st := sess.State(); !st.IsBroadcasting {
		t.Errorf("state = %+v, want broadcasting", st)
	}
	if n := broadcastCount(t, s); n != 1 {
		t.Errorf("relay lists %d broadcasts, want 1", n)
	}
}

func TestStop_DuringAnnounceWithdrawsBroadcast(t *testing.T) {
	s := servertest.Start(t, servertest.Options{})
	sess, _, reg, _ := newTestSession(t, s, Config{})

	// a second holder keeps the shared connection up across stops
	shared := reg.Acquire("pw")
	defer reg.Release(shared)
	if err := shared.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for i := 0; i < 40; i++ {
		done := make(chan error, 1)
		go func() { done <- sess.Start(context.Background(), "pw") }()
		time.Sleep(time.Duration(i%10) * 50 * time.Microsecond)
		sess.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Start() did not return", i)
		}
		sess.Stop()
	}

	if st := sess.State(); st.Phase != domain.PhaseIdle {
		t.Errorf("phase = %s, want idle", st.Phase)
	}
	eventually(t, "every broadcast withdrawn", func() bool { return broadcastCount(t, s) == 0 })
}
