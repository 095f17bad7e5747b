package router

import (
	"context"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
	"github.com/jkgulay/resqlink-sub005/internal/reg"
)

type fakeBroadcaster struct {
	broadcasts []*meshwire.Message
	excludes   []map[string]bool
	sent       map[string]*meshwire.Message
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sent: map[string]*meshwire.Message{}}
}

func (f *fakeBroadcaster) Broadcast(frame *meshwire.Message, exclude map[string]bool) {
	f.broadcasts = append(f.broadcasts, frame)
	f.excludes = append(f.excludes, exclude)
}

func (f *fakeBroadcaster) Send(target string, frame *meshwire.Message) error {
	f.sent[target] = frame
	return nil
}

func newTestRouter(t *testing.T, localID string, bc Broadcaster) (*Router, *reg.Registry, []*meshwire.Message) {
	t.Helper()
	registry := reg.New(time.Minute)
	t.Cleanup(registry.Close)

	var delivered []*meshwire.Message
	r := New(localID, registry, bc, time.Hour, WithDeliver(func(m *meshwire.Message) {
		delivered = append(delivered, m)
	}))
	t.Cleanup(r.Close)
	return r, registry, delivered
}

func TestDirectTextDeliversOnce(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "b", bc)

	f := &meshwire.Message{
		MessageID:      "aaaa_1",
		SenderDeviceID: "aaaa",
		TargetDeviceID: "b",
		Kind:           meshwire.KindText,
		Payload:        []byte("hi"),
		TTL:            5,
	}

	dec := r.HandleInbound(f, "aaaa", true)
	if !dec.DeliveredLocally {
		t.Fatal("expected local delivery")
	}
	if dec.Relayed {
		t.Fatal("message targeted at us should not be relayed")
	}
}

func TestDedupSuppressesSecondDelivery(t *testing.T) {
	bc := newFakeBroadcaster()
	delivered := 0
	registry := reg.New(time.Minute)
	defer registry.Close()
	r := New("c", registry, bc, time.Hour, WithDeliver(func(m *meshwire.Message) { delivered++ }))
	defer r.Close()

	f := &meshwire.Message{MessageID: "aaaa_1", SenderDeviceID: "aaaa", TTL: 5}

	r.HandleInbound(f, "b", true)
	r.HandleInbound(f, "b", true)

	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
}

func TestThreeNodeRelayDecrementsTTLAndAppendsRoute(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, delivered := newTestRouter(t, "b", bc)
	_ = delivered

	f := &meshwire.Message{MessageID: "aaaa_1", SenderDeviceID: "aaaa", TTL: 5, RoutePath: nil}

	dec := r.HandleInbound(f, "aaaa", true)
	if !dec.DeliveredLocally || !dec.Relayed {
		t.Fatalf("expected deliver+relay, got %+v", dec)
	}
	if len(bc.broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(bc.broadcasts))
	}
	relayed := bc.broadcasts[0]
	if relayed.TTL != 4 {
		t.Fatalf("ttl = %d, want 4", relayed.TTL)
	}
	if len(relayed.RoutePath) != 1 || relayed.RoutePath[0] != "b" {
		t.Fatalf("route = %v, want [b]", relayed.RoutePath)
	}
}

func TestSplitHorizonNeverRelaysOwnUUIDInRoute(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "b", bc)

	f := &meshwire.Message{MessageID: "x_1", SenderDeviceID: "aaaa", TTL: 3, RoutePath: []string{"c", "b"}}
	dec := r.HandleInbound(f, "c", false)

	if dec.Relayed {
		t.Fatal("frame whose route already contains local id must not be relayed")
	}
	if len(bc.broadcasts) != 0 {
		t.Fatal("no broadcast expected")
	}
}

func TestTargetedTextTriggersAckReply(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "b", bc)

	f := &meshwire.Message{MessageID: "aaaa_1", SenderDeviceID: "aaaa", TargetDeviceID: "b", Kind: meshwire.KindText, TTL: 5}
	r.HandleInbound(f, "aaaa", true)

	ack, ok := bc.sent["aaaa"]
	if !ok {
		t.Fatal("expected an ack frame sent back to the sender")
	}
	if ack.Kind != meshwire.KindAck {
		t.Fatalf("kind = %v, want ack", ack.Kind)
	}
	payload, err := meshwire.DecodeAck(ack.Payload)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if payload.AckMessageID != "aaaa_1" {
		t.Fatalf("ack references %q, want aaaa_1", payload.AckMessageID)
	}
}

func TestAckFrameCompletesAwaiter(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "a", bc)

	done := make(chan error, 1)
	go func() {
		done <- r.AwaitAck(context.Background(), "a_1")
	}()

	ack := &meshwire.Message{MessageID: "a_1_ack", SenderDeviceID: "b", TargetDeviceID: "a", Kind: meshwire.KindAck}
	payload, _ := meshwire.EncodeAck("a_1")
	ack.Payload = payload

	r.HandleInbound(ack, "b", true)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitAck returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitAck never completed")
	}
}

func TestAwaitAckTimesOutWithoutAck(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "a", bc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.AwaitAck(ctx, "never_1"); err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestTTLZeroNeverRelayedButDeliveredIfTargeted(t *testing.T) {
	bc := newFakeBroadcaster()
	r, _, _ := newTestRouter(t, "c", bc)

	f := &meshwire.Message{MessageID: "z_1", SenderDeviceID: "aaaa", TargetDeviceID: "c", TTL: 0}
	dec := r.HandleInbound(f, "b", true)

	if !dec.DeliveredLocally {
		t.Fatal("ttl=0 frame targeted at us should still be delivered")
	}
	if dec.Relayed {
		t.Fatal("ttl=0 frame must never be relayed")
	}
}
