// Package router implements the Message Router (C6, spec.md §4.6):
// dedup, TTL-bounded relay, split-horizon, and local delivery decisions.
//
// The teacher has no analogue — ZRE is single-hop only — so this package
// is new, built directly from spec.md §4.6. The dedup cache reuses the
// same github.com/jellydator/ttlcache/v3 pattern as internal/reg, since
// "bounded set of recently-seen message_ids, each with its own TTL" is the
// same data-structure problem as registry staleness. Drop counts are
// optionally exported as github.com/prometheus/client_golang gauges via
// WithRegisterer, same pattern as internal/quality.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
	"github.com/jkgulay/resqlink-sub005/internal/merr"
	"github.com/jkgulay/resqlink-sub005/internal/reg"
)

// Registry is the subset of *reg.Registry the router needs.
type Registry interface {
	UpdateFromFrame(senderID string, isDirectNeighbour bool, f *meshwire.Message) bool
}

// Broadcaster is the subset of the socket protocol (C3) the router uses to
// relay frames onward, per spec.md §4.2/§4.6.
type Broadcaster interface {
	// Broadcast sends frame to every direct neighbour whose id is not in
	// exclude (split-horizon, spec.md §4.6 point 5).
	Broadcast(frame *meshwire.Message, exclude map[string]bool)
	// Send delivers frame to one specific neighbour by device id.
	Send(target string, frame *meshwire.Message) error
}

// Decision describes what the router decided to do with an inbound frame,
// returned from HandleInbound for observability/testing.
type Decision struct {
	Dropped      bool // duplicate (the only case HandleInbound reports as dropped)
	DroppedKind  string
	DeliveredLocally bool
	Relayed      bool
}

// Router is the component the coordinator drives for every inbound frame
// and every outbound user message.
type Router struct {
	localID string
	dedup   *ttlcache.Cache[string, struct{}]
	reg     Registry
	bc      Broadcaster
	log     *slog.Logger

	onDeliver func(*meshwire.Message)

	// dropMu guards dropCounter: HandleInbound/RecordMalformed are called
	// directly from each neighbour's socket read-loop goroutine (there is
	// no single serializing actor upstream of the router), so concurrent
	// frames from distinct neighbours race on this map without it.
	dropMu      sync.Mutex
	dropCounter map[string]int
	dropGauge   *prometheus.GaugeVec

	defaultTTL int
	now        func() time.Time

	ackMu   sync.Mutex
	ackWait map[string]chan struct{}
}

// Option configures a Router at construction.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithDefaultTTL sets the TTL stamped on the Ack frames the router emits
// in reply to targeted messages, per spec.md §3's DEFAULT_TTL (default 5
// if unset).
func WithDefaultTTL(ttl int) Option { return func(r *Router) { r.defaultTTL = ttl } }

// WithClock injects a clock function for Ack timestamps, for deterministic
// tests.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// WithDeliver registers the local-delivery callback
// (on_message_received, spec.md §6).
func WithDeliver(fn func(*meshwire.Message)) Option {
	return func(r *Router) { r.onDeliver = fn }
}

// WithRegisterer wires a per-reason drop-count gauge into reg (nil
// disables metrics, for tests that would otherwise double-register),
// per SPEC_FULL.md §12's metrics surface — mirrors
// internal/quality.WithRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Router) {
		if reg == nil {
			return
		}
		r.dropGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mesh", Subsystem: "router", Name: "dropped_frames_total",
			Help: "Count of inbound frames dropped by reason (duplicate, malformed).",
		}, []string{"reason"})
		reg.MustRegister(r.dropGauge)
	}
}

// New builds a Router for localID, backed by the given registry and
// broadcaster, with a dedup cache sized to hold entries for
// messageExpiry (spec.md §3's MESSAGE_EXPIRY, default 24h).
func New(localID string, registry Registry, bc Broadcaster, messageExpiry time.Duration, opts ...Option) *Router {
	r := &Router{
		localID:     localID,
		reg:         registry,
		bc:          bc,
		log:         slog.Default(),
		dropCounter: map[string]int{},
		defaultTTL:  5,
		now:         time.Now,
		ackWait:     map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}

	r.dedup = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](messageExpiry),
		ttlcache.WithCapacity[string, struct{}](uint64(dedupCacheCapacity)),
	)
	go r.dedup.Start()

	return r
}

// dedupCacheCapacity is spec.md §4.6's bounded dedup cache size (1000
// entries, FIFO eviction on insert when full) — ttlcache evicts the
// least-recently-used entry when WithCapacity is exceeded, which for a
// write-once, never-updated key set (message_ids are never re-Set) is
// equivalent to FIFO by insertion order.
const dedupCacheCapacity = 1000

// Close stops the dedup cache's background goroutine.
func (r *Router) Close() { r.dedup.Stop() }

// HandleInbound implements the pipeline of spec.md §4.6 steps 1-6 for one
// inbound frame. senderNeighbourID is the id the registry credits as the
// frame's sender (the coordinator passes the frame's SenderDeviceID, its
// origin, which for a relayed frame is not the peer that handed us the
// bytes); it is excluded from the relay along with every id in the route
// path.
func (r *Router) HandleInbound(f *meshwire.Message, senderNeighbourID string, isDirectNeighbour bool) Decision {
	if r.isDuplicate(f.MessageID) {
		r.bumpDrop("duplicate")
		return Decision{Dropped: true, DroppedKind: "duplicate"}
	}
	r.markSeen(f.MessageID)

	r.reg.UpdateFromFrame(senderNeighbourID, isDirectNeighbour, f)

	targeted := f.TargetDeviceID != "" && f.TargetDeviceID == r.localID

	if f.Kind == meshwire.KindAck {
		dec := Decision{}
		if targeted {
			dec.DeliveredLocally = true
			r.completeAck(f)
		}
		r.relay(f, senderNeighbourID, targeted)
		return dec
	}

	dec := Decision{}

	broadcast := f.IsBroadcast()

	if targeted || broadcast {
		dec.DeliveredLocally = true
		if r.onDeliver != nil {
			r.onDeliver(f)
		}
		if targeted && f.Kind.expectsAck() {
			r.replyAck(f)
		}
	}

	if r.relay(f, senderNeighbourID, targeted) {
		dec.Relayed = true
	}

	return dec
}

// relay applies spec.md §4.6 step 5's relay decision and split-horizon
// rule to f, given whether it was addressed to the local node. Shared by
// the ordinary pipeline and the Ack fast-path, since both are plain
// wire frames subject to the same TTL/route-path rules.
func (r *Router) relay(f *meshwire.Message, senderNeighbourID string, targeted bool) bool {
	broadcast := f.IsBroadcast()
	shouldRelay := f.TTL > 0 && (broadcast || !targeted)
	if !shouldRelay {
		return false
	}
	if containsID(f.RoutePath, r.localID) {
		// Split-horizon: a frame that already passed through us is
		// never relayed again, even if TTL remains.
		return false
	}

	relayed := f.Clone()
	relayed.TTL--
	relayed.RoutePath = append(relayed.RoutePath, r.localID)

	exclude := map[string]bool{senderNeighbourID: true}
	for _, id := range relayed.RoutePath {
		exclude[id] = true
	}

	r.bc.Broadcast(relayed, exclude)
	return true
}

// replyAck sends an Ack frame back towards f's sender once f has been
// delivered locally, per spec.md §4.6 "Acks". The reply travels through
// the ordinary send/relay path so it reaches a multi-hop sender just
// like any other targeted frame.
func (r *Router) replyAck(f *meshwire.Message) {
	payload, err := meshwire.EncodeAck(f.MessageID)
	if err != nil {
		return
	}
	ack := r.PrepareOutbound(meshwire.KindAck, "", f.SenderDeviceID, payload, r.defaultTTL, f.MessageID+"_ack", meshwire.Now(r.now))
	if err := r.bc.Send(ack.TargetDeviceID, ack); err != nil {
		r.bc.Broadcast(ack, nil)
	}
}

// AwaitAck registers a one-shot wait for the Ack of messageID and blocks
// until it arrives or ctx is done, per spec.md §4.6: "the sender maps ack
// receipts to a per-message_id one-shot completion used by upper layers."
func (r *Router) AwaitAck(ctx context.Context, messageID string) error {
	r.ackMu.Lock()
	ch, ok := r.ackWait[messageID]
	if !ok {
		ch = make(chan struct{})
		r.ackWait[messageID] = ch
	}
	r.ackMu.Unlock()

	select {
	case <-ch:
		r.ackMu.Lock()
		delete(r.ackWait, messageID)
		r.ackMu.Unlock()
		return nil
	case <-ctx.Done():
		r.ackMu.Lock()
		delete(r.ackWait, messageID)
		r.ackMu.Unlock()
		return merr.Wrap(merr.KindTimeout, "", ctx.Err())
	}
}

func (r *Router) completeAck(f *meshwire.Message) {
	payload, err := meshwire.DecodeAck(f.Payload)
	if err != nil {
		return
	}
	r.ackMu.Lock()
	ch, ok := r.ackWait[payload.AckMessageID]
	if !ok {
		ch = make(chan struct{})
		r.ackWait[payload.AckMessageID] = ch
	}
	r.ackMu.Unlock()
	close(ch)
}

// PrepareOutbound stamps a fresh outbound user message per spec.md §4.6
// "Outbound user message": message_id, ttl=defaultTTL, empty route_path.
func (r *Router) PrepareOutbound(kind meshwire.Kind, fromUser, target string, payload []byte, defaultTTL int, messageID string, nowMs int64) *meshwire.Message {
	return &meshwire.Message{
		MessageID:      messageID,
		FromUser:       fromUser,
		SenderDeviceID: r.localID,
		TargetDeviceID: target,
		Kind:           kind,
		Payload:        payload,
		TTL:            defaultTTL,
		RoutePath:      nil,
		TimestampMs:    nowMs,
	}
}

// DropCounts returns a snapshot of per-reason drop counters, for the
// metrics surface (SPEC_FULL.md §12).
func (r *Router) DropCounts() map[string]int {
	r.dropMu.Lock()
	defer r.dropMu.Unlock()
	out := make(map[string]int, len(r.dropCounter))
	for k, v := range r.dropCounter {
		out[k] = v
	}
	return out
}

// RecordMalformed increments the malformed-frame counter, called (via the
// coordinator) when a frame or a roster payload fails to decode before
// it ever reaches HandleInbound (spec.md §7 propagation policy: "Malformed frames are
// silently dropped; a counter is incremented").
func (r *Router) RecordMalformed() { r.bumpDrop("malformed") }

func (r *Router) bumpDrop(reason string) {
	r.dropMu.Lock()
	r.dropCounter[reason]++
	count := r.dropCounter[reason]
	r.dropMu.Unlock()
	if r.dropGauge != nil {
		r.dropGauge.WithLabelValues(reason).Set(float64(count))
	}
}

func (r *Router) isDuplicate(id string) bool {
	return r.dedup.Get(id, ttlcache.WithDisableTouchOnHit[string, struct{}]()) != nil
}

func (r *Router) markSeen(id string) {
	r.dedup.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

func containsID(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

var _ Registry = (*reg.Registry)(nil)
