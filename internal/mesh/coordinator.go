// Package mesh implements the Connection Coordinator (C10, spec.md
// §2/§5): the top-level state machine that owns the registry, dedup
// set, connected set, and every timer, and drives C2-C9.
//
// There is no actor goroutine or command channel here: exported methods
// run on the caller's goroutine, and inbound frames and neighbour-lost
// signals are handled directly on each stream's socket reader goroutine.
// Only the top-level state is guarded by a mutex; the registry, router
// and quality monitor do their own locking.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkgulay/resqlink-sub005/internal/config"
	"github.com/jkgulay/resqlink-sub005/internal/handshake"
	"github.com/jkgulay/resqlink-sub005/internal/merr"
	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
	"github.com/jkgulay/resqlink-sub005/internal/quality"
	"github.com/jkgulay/resqlink-sub005/internal/reconnect"
	"github.com/jkgulay/resqlink-sub005/internal/reg"
	"github.com/jkgulay/resqlink-sub005/internal/router"
	"github.com/jkgulay/resqlink-sub005/internal/socket"
	"github.com/jkgulay/resqlink-sub005/internal/timeoutmgr"
	"github.com/jkgulay/resqlink-sub005/internal/transport"
)

// State is the coordinator's top-level phase, the expansion of
// spec.md §5's task list into an explicit state machine: None ->
// Discovering -> Joining/Hosting -> SocketUp -> Handshaken ->
// Operational.
type State int

const (
	StateNone State = iota
	StateDiscovering
	StateJoining
	StateHosting
	StateSocketUp
	StateHandshaken
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateJoining:
		return "joining"
	case StateHosting:
		return "hosting"
	case StateSocketUp:
		return "socket_up"
	case StateHandshaken:
		return "handshaken"
	case StateOperational:
		return "operational"
	default:
		return "none"
	}
}

// Callbacks are the coordinator callbacks exposed upward, spec.md §6.
type Callbacks struct {
	OnMessageReceived      func(*meshwire.Message)
	OnNeighbourConnected   func(deviceID, displayName string)
	OnNeighbourDisconnected func(deviceID string)
	OnPeersDiscovered      func(peers []PeerSummary)
	OnRegistryChanged      func()
	OnQualityDegraded      func(deviceID string)
}

// PeerSummary mirrors transport.PeerSummary without importing the
// transport package into the coordinator's public surface, since demo
// binaries driving discovery manually (e.g. over the reference
// udpbeacon transport) adapt into this shape themselves.
type PeerSummary struct {
	Address     string
	DisplayName string
}

// Coordinator is the C10 top-level component. Mutation is not funnelled
// through a single goroutine: handleFrame and handleNeighbourLost run on
// the socket's per-stream reader goroutines, concurrently with the
// caller's own goroutine.
type Coordinator struct {
	cfg       config.Config
	localID   string
	localName string
	deviceTag string
	emergency bool

	registry   *reg.Registry
	router     *router.Router
	sock       *socket.Socket
	handshake  *handshake.Engine
	qualityMon *quality.Monitor
	reconnect  *reconnect.Manager
	timeouts   *timeoutmgr.Manager

	log *slog.Logger
	cb  Callbacks

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectAddrs map[string]string // deviceID -> last-known connect descriptor, spec.md §4.8

	transport  transport.Transport   // C2, optional: set via WithTransport
	registerer prometheus.Registerer // optional: set via WithRegisterer
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithCallbacks registers the upward-facing callbacks of spec.md §6.
func WithCallbacks(cb Callbacks) Option { return func(c *Coordinator) { c.cb = cb } }

// WithEmergencyMode selects the emergency timing profile throughout
// (shorter timeouts, faster/more reconnection attempts), per spec.md
// §4.8/§4.9 and SPEC_FULL.md §12's emergency-mode profile propagation.
func WithEmergencyMode(emergency bool) Option { return func(c *Coordinator) { c.emergency = emergency } }

// WithDeviceTag sets the platform device-name string carried in the
// handshake (spec.md §4.3).
func WithDeviceTag(tag string) Option { return func(c *Coordinator) { c.deviceTag = tag } }

// WithTransport wires the external WirelessTransport collaborator (C2,
// spec.md §6) used by Discover to find nearby peers. Without a
// transport, callers must already know the group owner's address (e.g.
// from a prior discovery round elsewhere) and drive HostGroup/JoinGroup
// directly.
func WithTransport(t transport.Transport) Option { return func(c *Coordinator) { c.transport = t } }

// WithRegisterer wires the quality monitor's RTT/loss/level gauges and
// the router's drop-count gauge into reg, per SPEC_FULL.md §12's metrics
// surface. Without this option, neither component registers anything.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Coordinator) { c.registerer = reg }
}

// New builds a Coordinator. localID should come from
// identity.NewDeviceID() on first run and be persisted by the caller
// thereafter (spec.md §3: "Stable across sessions of a single
// installation").
func New(cfg config.Config, localID, localName string, opts ...Option) *Coordinator {
	if localID == "" {
		localID = uuid.NewString()
	}

	c := &Coordinator{
		cfg:          cfg,
		localID:      localID,
		localName:    localName,
		deviceTag:    "generic",
		log:          slog.Default(),
		connectAddrs: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Profile == config.ProfileEmergency {
		c.emergency = true
	}

	c.registry = reg.New(cfg.StaleWindow,
		reg.WithLogger(c.log),
		reg.WithOnChange(func() {
			if c.cb.OnRegistryChanged != nil {
				c.cb.OnRegistryChanged()
			}
		}),
	)

	c.sock = socket.New(c.localID, cfg.MaxFrameBytes,
		socket.WithLogger(c.log),
		socket.WithRegistry(c.registry),
		socket.WithOnFrame(c.handleFrame),
		socket.WithOnNeighbourLost(c.handleNeighbourLost),
		socket.WithOnMalformed(func() { c.router.RecordMalformed() }),
		socket.WithOnSendFailed(func(id string, err error) {
			c.log.Warn("send failed", "device_id", id, "err", err)
		}),
	)

	c.router = router.New(c.localID, c.registry, c.sock, cfg.MessageExpiry,
		router.WithLogger(c.log),
		router.WithDefaultTTL(cfg.DefaultTTL),
		router.WithRegisterer(c.registerer),
		router.WithDeliver(func(m *meshwire.Message) {
			if c.cb.OnMessageReceived != nil {
				c.cb.OnMessageReceived(m)
			}
		}),
	)

	c.handshake = c.buildHandshake(false)

	c.qualityMon = quality.New(cfg.RTTWindow,
		quality.WithRegisterer(c.registerer),
		quality.WithOnDegrade(func(id string) {
			if c.cb.OnQualityDegraded != nil {
				c.cb.OnQualityDegraded(id)
			}
		}),
	)

	c.reconnect = reconnect.New(
		reconnect.WithLogger(c.log),
		reconnect.WithOnUp(func(id string) {
			c.log.Info("neighbour reconnected", "device_id", id)
		}),
		reconnect.WithOnGivenUp(func(id string) {
			c.log.Error("giving up on neighbour", "device_id", id)
			c.registry.Remove(id)
		}),
	)

	c.timeouts = timeoutmgr.New(
		timeoutmgr.Bounds{Normal: cfg.DiscoveryTimeoutNormal, Emergency: cfg.DiscoveryTimeoutEmerg},
		timeoutmgr.Bounds{Normal: cfg.ConnectTimeoutNormal, Emergency: cfg.ConnectTimeoutEmergency},
		timeoutmgr.Bounds{Normal: cfg.AckTimeoutNormal, Emergency: cfg.AckTimeoutEmergency},
	)

	return c
}

// protocolVersion is the handshake wire version this coordinator speaks.
const protocolVersion = 1

// buildHandshake constructs the handshake engine, wiring neighbour_up
// back into the reconnection manager (cancel any pending loop for a
// neighbour that just came back) and the coordinator's public callback.
func (c *Coordinator) buildHandshake(isOwner bool) *handshake.Engine {
	opts := []handshake.Option{
		handshake.WithLogger(c.log),
		handshake.WithRosterSource(c.rosterEntries),
		handshake.WithOnNeighbourUp(func(id, name string) {
			if c.reconnect != nil {
				c.reconnect.Stop(id)
			}
			if c.cb.OnNeighbourConnected != nil {
				c.cb.OnNeighbourConnected(id, name)
			}
		}),
	}
	if isOwner {
		opts = append(opts, handshake.WithIsOwner(true))
	}
	return handshake.New(c.localID, c.localName, c.deviceTag, protocolVersion, c.registry, c.sock, opts...)
}

// LocalID returns this device's stable UUID.
func (c *Coordinator) LocalID() string { return c.localID }

// State returns the coordinator's current top-level phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Discover drives the C2 peer-discovery phase of spec.md §2's control
// flow (None -> Discovering -> peer list -> user selection), bounded by
// the timeout manager's discovery bound. Discovered peers are reported
// both through the return value and the OnPeersDiscovered callback, so
// a caller can either poll once or stream updates via the callback.
// Requires WithTransport at construction; returns merr.Fatal otherwise,
// since driving discovery with no transport is a configuration error
// rather than a recoverable one.
func (c *Coordinator) Discover(ctx context.Context) ([]PeerSummary, error) {
	if c.transport == nil {
		return nil, merr.Wrap(merr.KindFatal, "", fmt.Errorf("mesh: discover: no transport configured"))
	}

	c.setState(StateDiscovering)
	ctx, cancel := c.timeouts.WithDiscovery(ctx, c.emergency)
	defer cancel()

	var mu sync.Mutex
	var latest []PeerSummary
	onPeers := func(peers []transport.PeerSummary) {
		mu.Lock()
		latest = make([]PeerSummary, len(peers))
		for i, p := range peers {
			latest[i] = PeerSummary{Address: p.Address, DisplayName: p.DisplayName}
		}
		mu.Unlock()
		if c.cb.OnPeersDiscovered != nil {
			c.cb.OnPeersDiscovered(latest)
		}
	}

	err := c.transport.StartDiscovery(ctx, onPeers)
	if err != nil && ctx.Err() == nil {
		c.setState(StateNone)
		return nil, merr.Wrap(merr.KindUnreachable, "", err)
	}
	// StartDiscovery may return while discovery keeps running in the
	// background; collect sightings until the discovery bound elapses.
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return latest, nil
}

// HostGroup starts this device as the group owner: binds the socket
// listener and begins the roster-heartbeat and ping timers. Moves
// StateNone -> StateHosting -> StateSocketUp -> StateOperational.
func (c *Coordinator) HostGroup(ctx context.Context) error {
	c.setState(StateHosting)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.sock.StartServer(ctx, c.cfg.ListenPort); err != nil {
		c.setState(StateNone)
		return fmt.Errorf("mesh: host: %w", err)
	}

	c.handshake.Close()
	c.handshake = c.buildHandshake(true)

	c.setState(StateSocketUp)
	c.startTimers(ctx, true)
	c.setState(StateOperational)
	return nil
}

// JoinGroup connects to ownerAddr as a client. Moves StateNone ->
// StateJoining -> StateSocketUp -> (Handshaken, then Operational, once
// the ack arrives, asynchronously, via handleFrame).
func (c *Coordinator) JoinGroup(ctx context.Context, ownerAddr string) error {
	c.setState(StateJoining)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	conn, err := c.sock.ConnectTo(ctx, ownerAddr, c.connectTimeout())
	if err != nil {
		c.setState(StateNone)
		return fmt.Errorf("mesh: join: %w", err)
	}
	_ = conn

	c.connectAddrs[ownerAddr] = ownerAddr
	c.setState(StateSocketUp)

	if err := c.handshake.Initiate(ownerAddr, meshwire.Now(time.Now)); err != nil {
		return fmt.Errorf("mesh: join: handshake: %w", err)
	}

	c.startTimers(ctx, false)
	return nil
}

// startTimers begins the periodic tasks of spec.md §5 point 4: ping
// (10 s), roster heartbeat (30 s, owner only). Registry cleanup and
// dedup sweep are internal to reg.Registry/router.Router's own
// ttlcache instances and need no timer here.
func (c *Coordinator) startTimers(ctx context.Context, isOwner bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		var seq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq++
				c.pingAllNeighbours(seq)
			}
		}
	}()

	if isOwner {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.RosterHeartbt)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.broadcastRosterHeartbeat()
				}
			}
		}()
	}
}

func (c *Coordinator) pingAllNeighbours(seq uint64) {
	now := time.Now()
	for _, d := range c.registry.Devices() {
		if !d.IsConnected {
			continue
		}
		payload, _ := meshwire.EncodePing(seq)
		f := &meshwire.Message{
			Kind:           meshwire.KindPing,
			SenderDeviceID: c.localID,
			TargetDeviceID: d.ID,
			TimestampMs:    meshwire.Now(time.Now),
			Payload:        payload,
		}
		c.qualityMon.RecordPingSent(d.ID, seq, now)
		if err := c.sock.Send(d.ID, f); err != nil {
			c.log.Warn("ping send failed", "device_id", d.ID, "err", err)
		}
		go c.expirePingAfterTimeout(d.ID, seq)
	}
}

func (c *Coordinator) expirePingAfterTimeout(deviceID string, seq uint64) {
	time.Sleep(c.cfg.PingTimeout)
	if degraded := c.qualityMon.ExpirePing(deviceID, seq); degraded {
		c.log.Warn("neighbour quality degraded: 3 consecutive lost pings", "device_id", deviceID)
	}
}

func (c *Coordinator) broadcastRosterHeartbeat() {
	payload, err := meshwire.EncodeRoster(c.rosterEntries())
	if err != nil {
		return
	}
	f := &meshwire.Message{
		Kind:           meshwire.KindRoster,
		SenderDeviceID: c.localID,
		FromUser:       c.localName,
		Payload:        payload,
		TimestampMs:    meshwire.Now(time.Now),
	}
	c.sock.Broadcast(f, nil)
}

func (c *Coordinator) rosterEntries() []meshwire.RosterEntry {
	devices := c.registry.Devices()
	entries := make([]meshwire.RosterEntry, 0, len(devices)+1)
	entries = append(entries, meshwire.RosterEntry{DeviceID: c.localID, DisplayName: c.localName, IsHost: true})
	for _, d := range devices {
		entries = append(entries, meshwire.RosterEntry{DeviceID: d.ID, DisplayName: d.DisplayName, IsHost: d.IsHost})
	}
	return entries
}

// handleFrame is the socket layer's single entry point for every
// decoded inbound frame, dispatching by kind to the handshake engine,
// the quality monitor, or the router, per spec.md §4's component
// boundaries.
func (c *Coordinator) handleFrame(fromStreamKey string, f *meshwire.Message) {
	switch f.Kind {
	case meshwire.KindHandshake, meshwire.KindHandshakeAck:
		// RegisterID must happen before HandleInbound: the handshake
		// engine may synchronously send a handshake_ack back down this
		// stream, and the socket can only route that send once the
		// stream is keyed by device id instead of its provisional
		// remote address.
		c.sock.RegisterID(fromStreamKey, f.SenderDeviceID)
		c.handshake.HandleInbound(f)
		if f.Kind == meshwire.KindHandshakeAck {
			// Our outbound stream was tracked under the owner's address;
			// key its connect descriptor by the owner's device id too, so
			// handleNeighbourLost can find it.
			if addr, ok := c.connectAddrs[fromStreamKey]; ok {
				c.connectAddrs[f.SenderDeviceID] = addr
			}
			c.setState(StateHandshaken)
			c.setState(StateOperational)
		}
		return
	case meshwire.KindRoster:
		entries, err := meshwire.DecodeRoster(f.Payload)
		if err != nil {
			c.router.RecordMalformed()
			return
		}
		c.registry.UpsertRoster(c.localID, entries)
		return
	case meshwire.KindPing:
		c.handlePing(f)
		return
	case meshwire.KindPong:
		c.handlePong(f)
		return
	}

	isDirect := c.registry.IsConnected(f.SenderDeviceID)
	c.router.HandleInbound(f, f.SenderDeviceID, isDirect)
}

func (c *Coordinator) handlePing(f *meshwire.Message) {
	pong := &meshwire.Message{
		Kind:           meshwire.KindPong,
		SenderDeviceID: c.localID,
		TargetDeviceID: f.SenderDeviceID,
		Payload:        f.Payload,
		TimestampMs:    meshwire.Now(time.Now),
	}
	if err := c.sock.Send(f.SenderDeviceID, pong); err != nil {
		c.log.Warn("pong send failed", "device_id", f.SenderDeviceID, "err", err)
	}
}

func (c *Coordinator) handlePong(f *meshwire.Message) {
	ping, err := meshwire.DecodePing(f.Payload)
	if err != nil {
		return
	}
	if _, ok := c.qualityMon.RecordPong(f.SenderDeviceID, ping.Sequence, time.Now()); !ok {
		c.log.Debug("pong for unknown/expired sequence", "device_id", f.SenderDeviceID, "sequence", ping.Sequence)
	}
}

// handleNeighbourLost reacts to a socket read error, spec.md §4.2/§4.8:
// mark disconnected, and if the prior quality was >= Good, schedule
// reconnection with exponential backoff.
func (c *Coordinator) handleNeighbourLost(id string) {
	wasGood := c.qualityMon.Level(id).Rank() >= quality.LevelGood.Rank()
	c.registry.MarkDisconnected(id)
	c.qualityMon.Forget(id)

	if c.cb.OnNeighbourDisconnected != nil {
		c.cb.OnNeighbourDisconnected(id)
	}

	addr, hasAddr := c.connectAddrs[id]
	if !hasAddr || !wasGood {
		return
	}

	c.reconnect.Start(context.Background(), id, c.emergency, func(ctx context.Context) error {
		_, err := c.sock.ConnectTo(ctx, addr, c.connectTimeout())
		if err != nil {
			return err
		}
		return c.handshake.Initiate(addr, meshwire.Now(time.Now))
	})
}

// connectTimeout returns the active profile's connect bound, derived
// from the timeout manager (spec.md §4.9) rather than re-reading config
// fields ad hoc at every call site.
func (c *Coordinator) connectTimeout() time.Duration {
	ctx, cancel := c.timeouts.WithConnect(context.Background(), c.emergency)
	defer cancel()
	deadline, _ := ctx.Deadline()
	return time.Until(deadline)
}

// SendText sends a Text frame to target (direct neighbour or known
// multi-hop device), stamping a fresh message id and DEFAULT_TTL.
func (c *Coordinator) SendText(target, text string) error {
	return c.sendUser(meshwire.KindText, target, []byte(text))
}

// SendEmergency sends an Emergency/Sos-kind frame, bypassing the
// not-connected short circuit per spec.md §4.6 point 6: with zero
// neighbours it returns nil and the frame goes nowhere ("no in-memory
// queue in the core" per spec.md §4.2).
func (c *Coordinator) SendEmergency(kind meshwire.Kind, target string, payload []byte, lat, lon *float64) error {
	msgID := fmt.Sprintf("%s_%d", c.localID, time.Now().UnixNano())
	f := c.router.PrepareOutbound(kind, c.localName, target, payload, c.cfg.DefaultTTL, msgID, meshwire.Now(time.Now))
	f.Latitude, f.Longitude = lat, lon
	return c.deliverOutbound(f)
}

func (c *Coordinator) sendUser(kind meshwire.Kind, target string, payload []byte) error {
	msgID := fmt.Sprintf("%s_%d", c.localID, time.Now().UnixNano())
	f := c.router.PrepareOutbound(kind, c.localName, target, payload, c.cfg.DefaultTTL, msgID, meshwire.Now(time.Now))
	return c.deliverOutbound(f)
}

func (c *Coordinator) deliverOutbound(f *meshwire.Message) error {
	if !c.hasAnyNeighbour() && !f.IsEmergency() {
		// spec.md §4.6 "Outbound user message": "If the device has no
		// direct neighbours, the send fails with NotConnected". Emergency
		// kinds bypass this short-circuit per point 6 and are attempted
		// anyway (they simply have nowhere to go and return below).
		return merr.New(merr.KindNotConnected)
	}

	if f.TargetDeviceID == "" {
		c.sock.Broadcast(f, nil)
		return nil
	}

	if c.registry.IsConnected(f.TargetDeviceID) {
		return c.sock.Send(f.TargetDeviceID, f)
	}

	// Target is known only multi-hop (or not at all): flood via
	// broadcast and let each relay's split-horizon/TTL logic (§4.6 step
	// 5) carry it the rest of the way, mirroring how inbound frames
	// already relay towards a non-local target.
	c.sock.Broadcast(f, nil)
	return nil
}

// hasAnyNeighbour reports whether at least one direct neighbour exists,
// spec.md §4.6's "no in-memory queue in the core" NotConnected gate.
func (c *Coordinator) hasAnyNeighbour() bool {
	for _, d := range c.registry.Devices() {
		if d.IsConnected {
			return true
		}
	}
	return false
}

// SendTextAwaitAck sends a Text frame to target and blocks until the
// target's Ack arrives or the profile's ack-wait timeout elapses, per
// spec.md §4.6 "Acks" and §4.9.
func (c *Coordinator) SendTextAwaitAck(ctx context.Context, target, text string) error {
	msgID := fmt.Sprintf("%s_%d", c.localID, time.Now().UnixNano())
	f := c.router.PrepareOutbound(meshwire.KindText, c.localName, target, []byte(text), c.cfg.DefaultTTL, msgID, meshwire.Now(time.Now))
	if err := c.deliverOutbound(f); err != nil {
		return err
	}
	ctx, cancel := c.timeouts.WithAckWait(ctx, c.emergency)
	defer cancel()
	return c.router.AwaitAck(ctx, msgID)
}

// Devices returns a snapshot of the mesh registry.
func (c *Coordinator) Devices() []reg.Device { return c.registry.Devices() }

// Close tears down every timer, stream, and background cache.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.sock.ForceCleanup()
	c.router.Close()
	c.registry.Close()
	c.handshake.Close()
}
