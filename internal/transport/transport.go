// Package transport defines the WirelessTransport contract (C2,
// spec.md §6): the external collaborator providing peer discovery,
// group formation, and a per-peer byte stream. The core mesh never
// talks to a radio directly; it drives an implementation of Transport.
//
// Production builds back this interface with a platform Wi-Fi Direct
// or Bluetooth driver. internal/transport/udpbeacon is the reference
// implementation used by demo binaries and tests (SPEC_FULL.md §11.1).
package transport

import "context"

// PeerSummary is one entry of a discovered-peers list, spec.md §6's
// `PeerList` element.
type PeerSummary struct {
	Address     string
	DisplayName string
	Status      string
}

// ConnectionEventKind enumerates spec.md §6's `ConnectionEvent` variants.
type ConnectionEventKind int

const (
	Connecting ConnectionEventKind = iota
	Connected
	Disconnected
)

// ConnectionEvent is one event from Transport.Connect's stream.
type ConnectionEvent struct {
	Kind        ConnectionEventKind
	IsGroupOwner bool
	OwnerAddr   string
	Reason      string
}

// IncomingStream is one accepted inbound connection from
// Transport.OpenListener, identified by StreamID for subsequent
// Send/Close calls.
type IncomingStream struct {
	StreamID string
	Reader   func() ([]byte, error) // next frame of bytes, io.EOF-like on close
}

// Transport is the narrow contract spec.md §6 carves out of the
// platform wireless stack.
type Transport interface {
	// StartDiscovery begins broadcasting/listening for peer presence and
	// delivers updated peer lists to onPeers until ctx is canceled.
	StartDiscovery(ctx context.Context, onPeers func([]PeerSummary)) error

	// Connect establishes (or joins) a group at address, delivering
	// connection lifecycle events to onEvent.
	Connect(ctx context.Context, address string, onEvent func(ConnectionEvent)) (streamID string, err error)

	// OpenListener starts accepting inbound streams on port (the group
	// owner role), delivering each to onIncoming.
	OpenListener(ctx context.Context, port int, onIncoming func(IncomingStream)) error

	// Send writes one frame of bytes to an established stream.
	Send(streamID string, frame []byte) error

	// Close tears down one stream.
	Close(streamID string) error
}
