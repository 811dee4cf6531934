package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/slippi-broadcast/internal/app"
	"github.com/weiawesome/slippi-broadcast/internal/broadcast"
	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/events"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/server/servertest"
	"github.com/weiawesome/slippi-broadcast/internal/source"
)

const testToken = "secret"

type stubSource struct {
	mu      sync.Mutex
	onFrame source.FrameHandler
}

func (s *stubSource) Attach(ctx context.Context, onFrame source.FrameHandler, onStatus source.StatusHandler) error {
	s.mu.Lock()
	s.onFrame = onFrame
	s.mu.Unlock()
	onStatus(domain.StatusConnected)
	return nil
}

func (s *stubSource) Detach() error {
	s.mu.Lock()
	s.onFrame = nil
	s.mu.Unlock()
	return nil
}

func (s *stubSource) emit(data string) {
	s.mu.Lock()
	onFrame := s.onFrame
	s.mu.Unlock()
	if onFrame != nil {
		onFrame([]byte(data))
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testDaemon struct {
	t      *testing.T
	relay  *servertest.Server
	http   *httptest.Server
	source *stubSource
}

func startDaemon(t *testing.T, opts servertest.Options) *testDaemon {
	t.Helper()
	rs := servertest.Start(t, opts)

	cfg := relay.DefaultConfig(rs.URL)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.Reconnect = relay.ReconnectPolicy{
		MaxAttempts:     2,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
	src := &stubSource{}
	a := app.New(app.Options{
		Relay:     cfg,
		Broadcast: broadcast.Config{Name: "netplay", BroadcasterName: "fox"},
		Source:    src,
	})

	srv := httptest.NewServer(New(a, Config{Token: testToken}).Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return &testDaemon{t: t, relay: rs, http: srv, source: src}
}

func (d *testDaemon) do(method, path string, body interface{}) (int, envelope) {
	d.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, d.http.URL+path, &buf)
	if err != nil {
		d.t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		d.t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		d.t.Fatalf("%s %s: decode error = %v", method, path, err)
	}
	return resp.StatusCode, env
}

func TestHealthAndAuth(t *testing.T) {
	d := startDaemon(t, servertest.Options{})

	resp, err := http.Get(d.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(d.http.URL + "/api/v1/broadcast")
	if err != nil {
		t.Fatalf("GET /api/v1/broadcast error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(d.http.URL + "/api/v1/broadcast?token=" + testToken)
	if err != nil {
		t.Fatalf("GET /api/v1/broadcast error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token status = %d, want 200", resp.StatusCode)
	}
}

func TestBroadcastAndSpectateFlow(t *testing.T) {
	d := startDaemon(t, servertest.Options{})

	code, env := d.do(http.MethodPost, "/api/v1/broadcast/start", CredentialRequest{Password: "pw"})
	if code != http.StatusOK || !env.Success {
		t.Fatalf("start: status = %d, env = %+v", code, env)
	}
	var st domain.BroadcastState
	json.Unmarshal(env.Data, &st)
	if !st.IsBroadcasting || st.BroadcastID == "" {
		t.Fatalf("start state = %+v", st)
	}

	code, env = d.do(http.MethodPost, "/api/v1/spectate/refresh", CredentialRequest{Password: "pw"})
	if code != http.StatusOK {
		t.Fatalf("refresh: status = %d, env = %+v", code, env)
	}
	var records []domain.BroadcastRecord
	json.Unmarshal(env.Data, &records)
	if len(records) != 1 || records[0].ID != st.BroadcastID {
		t.Errorf("refresh records = %+v", records)
	}

	code, env = d.do(http.MethodGet, "/api/v1/spectate/broadcasts", nil)
	if code != http.StatusOK {
		t.Fatalf("broadcasts: status = %d", code)
	}
	var sp domain.SpectateState
	json.Unmarshal(env.Data, &sp)
	if _, ok := sp.Broadcasts[st.BroadcastID]; !ok {
		t.Errorf("spectate state = %+v, want own broadcast", sp)
	}

	code, _ = d.do(http.MethodPost, "/api/v1/spectate/watch/"+st.BroadcastID, nil)
	if code != http.StatusOK {
		t.Fatalf("watch: status = %d", code)
	}
	code, _ = d.do(http.MethodDelete, "/api/v1/spectate/watch/"+st.BroadcastID, nil)
	if code != http.StatusOK {
		t.Fatalf("unwatch: status = %d", code)
	}

	code, env = d.do(http.MethodPost, "/api/v1/broadcast/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("stop: status = %d", code)
	}
	json.Unmarshal(env.Data, &st)
	if st.IsBroadcasting || st.EndTime == nil {
		t.Errorf("stop state = %+v", st)
	}
}

func TestErrorMapping(t *testing.T) {
	d := startDaemon(t, servertest.Options{Passwords: []string{"right"}})

	code, env := d.do(http.MethodPost, "/api/v1/spectate/refresh", CredentialRequest{Password: "wrong"})
	if code != http.StatusUnauthorized || env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Errorf("refresh with wrong password: status = %d, env = %+v", code, env)
	}

	code, _ = d.do(http.MethodPost, "/api/v1/spectate/init", CredentialRequest{Password: "right"})
	if code != http.StatusOK {
		t.Fatalf("init: status = %d", code)
	}
	code, env = d.do(http.MethodPost, "/api/v1/spectate/watch/missing", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "UNKNOWN_BROADCAST" {
		t.Errorf("watch missing: status = %d, env = %+v", code, env)
	}

	code, env = d.do(http.MethodDelete, "/api/v1/spectate/watch/missing", nil)
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("unwatch missing: status = %d, env = %+v", code, env)
	}
}

func TestEventStream(t *testing.T) {
	d := startDaemon(t, servertest.Options{})

	url := "ws" + strings.TrimPrefix(d.http.URL, "http") + "/ws/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade; keep refreshing
	// until an event arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		body := `{"password":"pw"}`
		for {
			req, _ := http.NewRequest(http.MethodPost, d.http.URL+"/api/v1/spectate/refresh", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			}
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if evt.Kind == events.KindViewableBroadcasts {
			return
		}
	}
}

func TestFrameStream(t *testing.T) {
	d := startDaemon(t, servertest.Options{})

	code, env := d.do(http.MethodPost, "/api/v1/broadcast/start", CredentialRequest{Password: "pw"})
	if code != http.StatusOK {
		t.Fatalf("start: status = %d, env = %+v", code, env)
	}
	var st domain.BroadcastState
	json.Unmarshal(env.Data, &st)
	if code, env := d.do(http.MethodPost, "/api/v1/spectate/refresh", CredentialRequest{Password: "pw"}); code != http.StatusOK {
		t.Fatalf("refresh: status = %d, env = %+v", code, env)
	}

	base := "ws" + strings.TrimPrefix(d.http.URL, "http") + "/ws/watch/"
	if _, resp, err := websocket.DefaultDialer.Dial(base+"missing?token="+testToken, nil); err == nil {
		t.Fatal("Dial() for an unknown broadcast succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Dial() unknown broadcast: resp = %v, err = %v", resp, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+st.BroadcastID+"?token="+testToken, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	const n = 5
	for i := 0; i < n; i++ {
		d.source.emit("frame")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 1; i <= n; i++ {
		var f domain.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON() frame %d error = %v", i, err)
		}
		if f.Seq != uint64(i) || f.BroadcastID != st.BroadcastID || string(f.Data) != "frame" {
			t.Fatalf("frame %d = %+v", i, f)
		}
	}

	if code, _ := d.do(http.MethodPost, "/api/v1/broadcast/stop", nil); code != http.StatusOK {
		t.Fatalf("stop: status = %d", code)
	}
	var f domain.Frame
	err = conn.ReadJSON(&f)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadJSON() after stop error = %v, want normal close", err)
	}
}
