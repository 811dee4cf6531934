package pubsub

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestMemoryPubSubPattern(t *testing.T) {
	ps := NewMemoryPubSub(0)
	defer ps.Close()
	ctx := context.Background()

	all, err := ps.SubscribePattern(ctx, ViewersPattern)
	if err != nil {
		t.Fatalf("subscribe pattern: %v", err)
	}
	one, err := ps.Subscribe(ctx, BroadcastToViewersChannel("b1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt, err := NewEvent(EventFrame, "b2", &FramePayload{BroadcastID: "b2", Seq: 1, Data: []byte("x")})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := ps.Publish(ctx, BroadcastToViewersChannel("b2"), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, all)
	var payload FramePayload
	if err := got.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.BroadcastID != "b2" || payload.Seq != 1 || string(payload.Data) != "x" {
		t.Fatalf("unexpected event %+v / %+v", got, payload)
	}

	select {
	case evt := <-one:
		t.Fatalf("exact subscription received foreign event %+v", evt)
	default:
	}
}

func TestMemoryPubSubUnsubscribeAndCancel(t *testing.T) {
	ps := NewMemoryPubSub(0)
	defer ps.Close()

	ch, _ := ps.Subscribe(context.Background(), "a")
	if err := ps.Unsubscribe(context.Background(), "a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ = ps.Subscribe(ctx, "b")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestMemoryPubSubLaggingSubscriberKeepsEnded(t *testing.T) {
	ps := NewMemoryPubSub(2)
	defer ps.Close()
	ctx := context.Background()
	channel := BroadcastToViewersChannel("b1")

	ch, _ := ps.Subscribe(ctx, channel)
	for seq := uint64(1); seq <= 3; seq++ {
		evt, _ := NewEvent(EventFrame, "b1", &FramePayload{BroadcastID: "b1", Seq: seq})
		ps.Publish(ctx, channel, evt)
	}

	ended, _ := NewEvent(EventBroadcastEnded, "b1", &BroadcastEndedPayload{BroadcastID: "b1", Reason: "explicit"})
	published := make(chan struct{})
	go func() {
		defer close(published)
		ps.Publish(ctx, channel, ended)
	}()

	var seqs []uint64
	for i := 0; i < 2; i++ {
		var p FramePayload
		receive(t, ch).UnmarshalPayload(&p)
		seqs = append(seqs, p.Seq)
	}
	if seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("frames = %v, want [1 2] with 3 dropped", seqs)
	}
	if got := receive(t, ch); got.Type != EventBroadcastEnded {
		t.Errorf("last event = %s, want %s", got.Type, EventBroadcastEnded)
	}
	<-published
}

func TestNewPubSubDrivers(t *testing.T) {
	ps, err := NewPubSub(Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("NewPubSub(memory) error = %v", err)
	}
	ps.Close()

	if _, err := NewPubSub(Config{Driver: "carrier-pigeon"}); err == nil {
		t.Error("NewPubSub(unknown) error = nil")
	}
}
