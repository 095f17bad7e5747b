package udpbeacon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jkgulay/resqlink-sub005/internal/transport"
)

func TestListenerAndConnectExchangeAFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const tcpPort = 18743

	owner := New("owner-id", "Owner")
	joiner := New("joiner-id", "Joiner")

	incoming := make(chan transport.IncomingStream, 1)
	if err := owner.OpenListener(ctx, tcpPort, func(s transport.IncomingStream) {
		incoming <- s
	}); err != nil {
		t.Fatalf("OpenListener: %v", err)
	}

	var connectedEvents []transport.ConnectionEvent
	streamID, err := joiner.Connect(ctx, fmt.Sprintf("127.0.0.1:%d", tcpPort), func(e transport.ConnectionEvent) {
		connectedEvents = append(connectedEvents, e)
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var accepted transport.IncomingStream
	select {
	case accepted = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an incoming stream")
	}

	if err := joiner.Send(streamID, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame, err := accepted.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if string(frame) != `{"type":"ping"}` {
		t.Fatalf("got %q", frame)
	}

	if len(connectedEvents) == 0 || connectedEvents[len(connectedEvents)-1].Kind != transport.Connected {
		t.Fatalf("expected a Connected event, got %+v", connectedEvents)
	}

	if err := joiner.Close(streamID); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSendToUnknownStreamFails(t *testing.T) {
	b := New("x", "X")
	if err := b.Send("nope", []byte("hi")); err == nil {
		t.Fatal("expected an error for an unknown stream id")
	}
}

func TestConnectToClosedPortFails(t *testing.T) {
	b := New("x", "X")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if _, err := b.Connect(ctx, "127.0.0.1:1", nil); err == nil {
		t.Fatal("expected connect to a closed/privileged port to fail")
	}
}
