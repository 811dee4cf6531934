package spectate

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/internal/registry"
	"github.com/weiawesome/slippi-broadcast/internal/server/servertest"
	"github.com/weiawesome/slippi-broadcast/pkg/storage"
)

func TestRecorder_StoresWatchedFrames(t *testing.T) {
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

	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	rec := NewRecorder(store, "replays")
	rec.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	done := make(chan *Recording, 1)
	go func() {
		r, err := rec.Record(context.Background(), h)
		if err != nil {
			t.Errorf("Record() error = %v", err)
		}
		done <- r
	}()

	b.frame(id, 1, "he")
	b.frame(id, 2, "ll")
	b.frame(id, 4, "o")
	// frames are relayed in order, so the stop lands after them
	time.Sleep(100 * time.Millisecond)
	b.stop(id)

	var r *Recording
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record() did not return after the broadcast ended")
	}
	if r == nil {
		t.Fatal("Record() returned nil recording")
	}
	if r.Frames != 3 || r.Gaps != 1 || r.Bytes != 5 {
		t.Errorf("recording = %+v, want 3 frames, 1 gap, 5 bytes", r)
	}
	wantKey := "replays/" + id + "/20240102T030405Z.slp"
	if r.Key != wantKey {
		t.Errorf("Key = %s, want %s", r.Key, wantKey)
	}
	if !strings.HasPrefix(r.URL, "file://") {
		t.Errorf("URL = %q, want file url", r.URL)
	}

	rc, err := rec.Open(context.Background(), r.Key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("stored data = %q, want hello", data)
	}

	files, err := rec.List(context.Background(), id)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(files) != 1 {
		t.Errorf("List() returned %d files, want 1", len(files))
	}
}

// endedHandle builds a watch that already delivered frames and ended.
func endedHandle(id string, data ...string) *WatchHandle {
	h := newWatchHandle(nil, id, len(data)+1)
	for i, d := range data {
		h.deliver(domain.Frame{BroadcastID: id, Seq: uint64(i + 1), Data: []byte(d)})
	}
	h.end("broadcast ended")
	return h
}

func TestRecorder_SameSecondGetsNewKey(t *testing.T) {
	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	rec := NewRecorder(store, "replays")
	rec.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	first, err := rec.Record(context.Background(), endedHandle("b1", "a"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	second, err := rec.Record(context.Background(), endedHandle("b1", "b", "c"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if first.Key != "replays/b1/20240102T030405Z.slp" {
		t.Errorf("first key = %s", first.Key)
	}
	if second.Key != "replays/b1/20240102T030405Z-2.slp" {
		t.Errorf("second key = %s", second.Key)
	}
	files, _ := rec.List(context.Background(), "b1")
	if len(files) != 2 {
		t.Errorf("List() returned %d files, want 2", len(files))
	}
}

func TestRecorder_NothingStoredWithoutFrames(t *testing.T) {
	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalStorage() error = %v", err)
	}
	rec := NewRecorder(store, "replays")

	r, err := rec.Record(context.Background(), endedHandle("b1"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if r.Key != "" || r.Frames != 0 {
		t.Errorf("recording = %+v, want empty", r)
	}
	files, _ := rec.List(context.Background(), "")
	if len(files) != 0 {
		t.Errorf("List() returned %d files, want 0", len(files))
	}
}
