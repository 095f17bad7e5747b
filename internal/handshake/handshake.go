// Package handshake implements the Handshake Engine (C4, spec.md §4.3):
// exchange UUID/display-name/capabilities, register the neighbour, and
// answer roster queries.
//
// Grounded on the teacher's gyre.go HELLO exchange (peer.go's
// connect/send-HELLO sequence plus group.go's duplicate-HELLO
// tolerance), adapted from ZRE's HELLO/PING frames to spec.md §6's
// handshake/handshake_ack frame kinds.
package handshake

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
	"github.com/jkgulay/resqlink-sub005/internal/reg"
)

// inFlightTTL is spec.md §4.3 point 2's "short-lived set with 10 s
// expiry" used to drop duplicate in-flight handshakes.
const inFlightTTL = 10 * time.Second

// Registry is the subset of *reg.Registry the handshake engine needs.
type Registry interface {
	MarkConnected(id, displayName string, method reg.DiscoveryMethod) bool
	SetAlias(mac, uuid string)
}

// Sender is how the handshake engine replies and broadcasts, satisfied
// by *socket.Socket.
type Sender interface {
	Send(target string, frame *meshwire.Message) error
	Broadcast(frame *meshwire.Message, exclude map[string]bool)
}

// RosterSource is supplied by the coordinator so the engine can build a
// Roster frame without owning the registry itself, typically backed by
// the registry's Devices().
type RosterSource func() []meshwire.RosterEntry

// Engine runs the per-stream handshake state machine of spec.md §4.3.
// One Engine instance is shared across all neighbour streams; per-UUID
// state is tracked internally.
type Engine struct {
	mu        sync.Mutex
	localID   string
	localName string
	deviceTag string
	protoVer  int
	isOwner   bool

	reg          Registry
	sender       Sender
	rosterSource RosterSource

	inFlight *ttlcache.Cache[string, struct{}]
	names    map[string]string // last known display name per uuid, for rename detection

	onNeighbourUp func(id, displayName string)
	log           *slog.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithIsOwner marks this node as the group owner, which additionally
// broadcasts a Roster frame after every successful handshake (spec.md
// §4.3 point 4).
func WithIsOwner(isOwner bool) Option { return func(e *Engine) { e.isOwner = isOwner } }

// WithOnNeighbourUp registers the neighbour_up(uuid, display_name)
// signal of spec.md §4.3 point 3.
func WithOnNeighbourUp(fn func(id, displayName string)) Option {
	return func(e *Engine) { e.onNeighbourUp = fn }
}

// WithRosterSource registers the callback the owner uses to build
// roster entries (spec.md §4.4).
func WithRosterSource(fn RosterSource) Option {
	return func(e *Engine) { e.rosterSource = fn }
}

// New builds an Engine for localID/localName, identifying itself as
// deviceTag (platform string) at protocol version protoVer.
func New(localID, localName, deviceTag string, protoVer int, reg Registry, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		localID:   localID,
		localName: localName,
		deviceTag: deviceTag,
		protoVer:  protoVer,
		reg:       reg,
		sender:    sender,
		names:     map[string]string{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.inFlight = ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](inFlightTTL))
	go e.inFlight.Start()
	return e
}

// Close stops the in-flight-handshake cache's background goroutine.
func (e *Engine) Close() { e.inFlight.Stop() }

// HandleInbound processes one inbound frame addressed to the handshake
// engine (Handshake or HandshakeAck kind); any other kind is ignored.
func (e *Engine) HandleInbound(f *meshwire.Message) {
	switch f.Kind {
	case meshwire.KindHandshake:
		e.handleHandshake(f)
	case meshwire.KindHandshakeAck:
		e.handleAck(f)
	}
}

func (e *Engine) handleHandshake(f *meshwire.Message) {
	uuid := f.SenderDeviceID
	if uuid == e.localID {
		// spec.md §4.3 point 1: reject loopback.
		return
	}

	e.mu.Lock()
	if e.inFlight.Get(uuid, ttlcache.WithDisableTouchOnHit[string, struct{}]()) != nil {
		e.mu.Unlock()
		e.log.Debug("dropping duplicate in-flight handshake", "device_id", uuid)
		return
	}
	e.inFlight.Set(uuid, struct{}{}, inFlightTTL)

	prevName, known := e.names[uuid]
	renamed := known && prevName != f.FromUser
	e.names[uuid] = f.FromUser
	e.mu.Unlock()

	e.reg.MarkConnected(uuid, f.FromUser, reg.DiscoveryHandshake)

	if mac, ok := macFromPayload(f); ok {
		e.reg.SetAlias(mac, uuid)
	}

	if (!known || renamed) && e.onNeighbourUp != nil {
		e.onNeighbourUp(uuid, f.FromUser)
	}

	ackPayload, _ := meshwire.EncodeHandshake(meshwire.HandshakePayload{DeviceName: e.deviceTag, ProtocolVersion: e.protoVer})
	ack := &meshwire.Message{
		Kind:           meshwire.KindHandshakeAck,
		SenderDeviceID: e.localID,
		FromUser:       e.localName,
		TargetDeviceID: uuid,
		TimestampMs:    f.TimestampMs,
		Payload:        ackPayload,
	}
	if err := e.sender.Send(uuid, ack); err != nil {
		e.log.Warn("failed to send handshake_ack", "device_id", uuid, "err", err)
	}

	if e.isOwner {
		e.broadcastRoster()
	}
}

func (e *Engine) handleAck(f *meshwire.Message) {
	uuid := f.SenderDeviceID
	e.mu.Lock()
	prevName, known := e.names[uuid]
	renamed := known && prevName != f.FromUser
	e.names[uuid] = f.FromUser
	e.mu.Unlock()

	e.reg.MarkConnected(uuid, f.FromUser, reg.DiscoveryHandshake)

	if (!known || renamed) && e.onNeighbourUp != nil {
		e.onNeighbourUp(uuid, f.FromUser)
	}
}

// Initiate sends the initial Handshake frame to target, moving this
// stream's state from Idle to AwaitingAck.
func (e *Engine) Initiate(target string, nowMs int64) error {
	payload, _ := meshwire.EncodeHandshake(meshwire.HandshakePayload{DeviceName: e.deviceTag, ProtocolVersion: e.protoVer})
	f := &meshwire.Message{
		Kind:           meshwire.KindHandshake,
		SenderDeviceID: e.localID,
		FromUser:       e.localName,
		TargetDeviceID: target,
		TimestampMs:    nowMs,
		Payload:        payload,
	}
	return e.sender.Send(target, f)
}

func (e *Engine) broadcastRoster() {
	if e.rosterSource == nil {
		return
	}
	payload, err := meshwire.EncodeRoster(e.rosterSource())
	if err != nil {
		e.log.Error("failed to encode roster", "err", err)
		return
	}
	frame := &meshwire.Message{
		Kind:           meshwire.KindRoster,
		SenderDeviceID: e.localID,
		FromUser:       e.localName,
		Payload:        payload,
	}
	e.sender.Broadcast(frame, nil)
}

func macFromPayload(f *meshwire.Message) (string, bool) {
	hs, err := meshwire.DecodeHandshake(f.Payload)
	if err != nil || hs.Mac == "" {
		return "", false
	}
	return hs.Mac, true
}
