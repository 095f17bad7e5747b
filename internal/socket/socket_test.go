package socket

import (
	"context"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
)

func TestStartServerIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New("owner", 64*1024)
	if err := s.StartServer(ctx, 19321); err != nil {
		t.Fatalf("first StartServer: %v", err)
	}
	if err := s.StartServer(ctx, 19321); err != nil {
		t.Fatalf("second StartServer should be a no-op, got: %v", err)
	}
}

func TestConnectAndExchangeFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *meshwire.Message, 1)
	owner := New("owner", 64*1024, WithOnFrame(func(fromID string, f *meshwire.Message) {
		received <- f
	}))
	if err := owner.StartServer(ctx, 19322); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	joiner := New("joiner", 64*1024)
	conn, err := joiner.ConnectTo(ctx, "127.0.0.1:19322", 2*time.Second)
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	defer conn.Close()

	joiner.RegisterID("127.0.0.1:19322", "owner")
	f := &meshwire.Message{MessageID: "a_1", Kind: meshwire.KindPing, SenderDeviceID: "joiner"}
	if err := joiner.Send("owner", f); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.MessageID != "a_1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected owner to receive the frame")
	}
}

func TestSendToUnknownTargetFails(t *testing.T) {
	s := New("x", 64*1024)
	err := s.Send("ghost", &meshwire.Message{MessageID: "m_1"})
	if err == nil {
		t.Fatal("expected an error for an unregistered target")
	}
}

func TestForceCleanupClosesListenerAndStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New("owner", 64*1024)
	if err := s.StartServer(ctx, 19323); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	s.ForceCleanup()

	if err := s.StartServer(ctx, 19323); err != nil {
		t.Fatalf("expected a fresh StartServer to succeed after cleanup, got: %v", err)
	}
}
