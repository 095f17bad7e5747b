package reg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
)

// Registry is the mesh-wide device directory. It is owned exclusively by
// the connection coordinator (spec.md §3 "Ownership & lifetime", §5).
// Exported methods that read-modify-write entries or touch the alias
// map take r.mu, so they may be called concurrently from the socket's
// reader goroutines.
type Registry struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[string, *Device]
	aliases map[string]string // MAC -> UUID, spec.md §3 "partial function"
	staleWindow time.Duration
	clock   clockwork.Clock
	log     *slog.Logger

	onChange func()
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithClock injects a clockwork.Clock, for deterministic LastSeen stamping
// and stale-window advancement in tests (clockwork.NewFakeClock).
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithOnChange registers the callback fired whenever the registry's
// externally-visible shape changes (new device, hop-count change, or
// eviction) — the registry_changed event of spec.md §4.4/§4.5.
func WithOnChange(fn func()) Option {
	return func(r *Registry) { r.onChange = fn }
}

// New builds a Registry with the given staleness window (spec.md §3's
// STALE_WINDOW, default 10 minutes).
func New(staleWindow time.Duration, opts ...Option) *Registry {
	r := &Registry{
		aliases:     map[string]string{},
		staleWindow: staleWindow,
		clock:       clockwork.NewRealClock(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cache = ttlcache.New[string, *Device](
		ttlcache.WithTTL[string, *Device](staleWindow),
	)
	r.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Device]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		r.log.Info("device evicted: stale window elapsed", "device_id", item.Key())
		r.fireChange()
	})

	go r.cache.Start()

	return r
}

// Close stops the background expiration goroutine. Call once, at
// coordinator shutdown.
func (r *Registry) Close() { r.cache.Stop() }

func (r *Registry) fireChange() {
	if r.onChange != nil {
		r.onChange()
	}
}

// snapshot returns a copy of the device at id, or (Device{}, false).
func (r *Registry) snapshot(id string) (Device, bool) {
	item := r.cache.Get(id, ttlcache.WithDisableTouchOnHit[string, *Device]())
	if item == nil {
		return Device{}, false
	}
	return item.Value().clone(), true
}

// HasDevice reports whether id is a registry key. Implements
// identity.Lookup.
func (r *Registry) HasDevice(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(id, ttlcache.WithDisableTouchOnHit[string, *Device]()) != nil
}

// IsConnected reports whether id is both present and currently connected.
// Implements identity.Lookup.
func (r *Registry) IsConnected(id string) bool {
	d, ok := r.snapshot(id)
	return ok && d.IsConnected
}

// AliasFor looks up the UUID aliased to a MAC address. Implements
// identity.Lookup.
func (r *Registry) AliasFor(mac string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.aliases[mac]
	return id, ok
}

// SetAlias defines (or leaves untouched, per spec.md §3) the MAC->UUID
// alias. Once set for a MAC it is never redefined except via
// DisconnectAlias followed by a fresh SetAlias (explicit
// disconnect-then-reconnect).
func (r *Registry) SetAlias(mac, uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aliases[mac]; exists {
		return
	}
	r.aliases[mac] = uuid
}

// ClearAlias removes a MAC alias, to be called on an explicit
// disconnect-then-reconnect sequence (spec.md §3).
func (r *Registry) ClearAlias(mac string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, mac)
}

// Devices returns a snapshot of every known device.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.cache.Items()
	out := make([]Device, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value().clone())
	}
	return out
}

// Reachable implements spec.md §4.5: true iff the device is in the
// connected set, or was seen within maxAge.
func (r *Registry) Reachable(id string, maxAge time.Duration) bool {
	d, ok := r.snapshot(id)
	if !ok {
		return false
	}
	if d.IsConnected {
		return true
	}
	return r.clock.Now().Sub(d.LastSeen) <= maxAge
}

func (r *Registry) put(d *Device) {
	r.cache.Set(d.ID, d, ttlcache.DefaultTTL)
}

// MarkConnected upserts id as a direct neighbour: hop_count=0,
// is_connected=true, per spec.md §3's invariant. Returns true if this
// changed the registry's externally visible shape.
func (r *Registry) MarkConnected(id, displayName string, method DiscoveryMethod) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.snapshot(id)
	changed := !had || existing.HopCount != 0 || !existing.IsConnected || existing.DisplayName != displayName

	d := &Device{
		ID:              id,
		DisplayName:     displayName,
		IsHost:          existing.IsHost,
		HopCount:        0,
		LastSeen:        r.clock.Now(),
		DiscoveryMethod: method,
		IsConnected:     true,
	}
	r.put(d)

	if changed {
		r.fireChange()
	}
	return changed
}

// MarkDisconnected clears is_connected but leaves the device in the
// registry (it still has a last_seen and may be reachable multi-hop)
// until the stale window naturally evicts it, per spec.md §8 scenario 5.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.snapshot(id)
	if !ok {
		return
	}
	d.IsConnected = false
	r.put(&d)
}

// UpdateFromFrame applies the hop-count derivation of spec.md §4.5 to an
// inbound frame, given the sender's device id and whether the sender is a
// direct neighbour. Returns true if the registry's externally visible
// shape changed.
func (r *Registry) UpdateFromFrame(senderID string, isDirectNeighbour bool, f *meshwire.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false

	if len(f.RoutePath) == 0 {
		if isDirectNeighbour {
			changed = r.setHopCountLocked(senderID, 0, DiscoveryHandshake) || changed
		}
		// else: leave hop-count unchanged, per spec.md §4.5 table and
		// the open question in §9 (flagged, not resolved, by design).
	} else {
		relayCount := len(f.RoutePath)
		changed = r.setHopCountIfLowerLocked(senderID, relayCount+1, DiscoveryRouteObservation) || changed

		for i, uid := range f.RoutePath {
			candidate := len(f.RoutePath) - i
			changed = r.setHopCountIfLowerLocked(uid, candidate, DiscoveryRouteObservation) || changed
		}
	}

	return changed
}

// setHopCountLocked unconditionally sets id's hop count (used for the
// direct-neighbour case, where 0 always wins) and refreshes last_seen.
func (r *Registry) setHopCountLocked(id string, hop int, method DiscoveryMethod) bool {
	existing, had := r.snapshot(id)
	changed := !had || existing.HopCount != hop
	d := existing
	d.ID = id
	if !had {
		d.DiscoveryMethod = method
	}
	d.HopCount = hop
	if hop == 0 {
		d.IsConnected = true
	}
	d.LastSeen = r.clock.Now()
	r.put(&d)
	if changed {
		r.fireChange()
	}
	return changed
}

// setHopCountIfLowerLocked enforces spec.md §4.5's monotonic-minimum rule:
// update only if the candidate hop count is strictly lower than current
// (or the device is unknown).
func (r *Registry) setHopCountIfLowerLocked(id string, candidate int, method DiscoveryMethod) bool {
	existing, had := r.snapshot(id)
	if had && existing.IsConnected {
		// Invariant: is_connected implies hop_count == 0; never
		// downgrade a direct neighbour via route observation.
		d := existing
		d.LastSeen = r.clock.Now()
		r.put(&d)
		return false
	}
	if had && candidate >= existing.HopCount {
		d := existing
		d.LastSeen = r.clock.Now()
		r.put(&d)
		return false
	}

	d := existing
	d.ID = id
	if !had {
		d.DiscoveryMethod = method
	}
	d.HopCount = candidate
	d.LastSeen = r.clock.Now()
	r.put(&d)
	r.fireChange()
	return true
}

// UpsertRoster applies a Roster frame per spec.md §4.4: every entry except
// localID is upserted with hop 0 (if is_host) or 1 otherwise, last_seen
// refreshed. Returns true only if something was new or a hop count
// changed, suppressing UI churn on a no-op heartbeat replay (spec.md §8
// idempotence law).
func (r *Registry) UpsertRoster(localID string, entries []meshwire.RosterEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for _, e := range entries {
		if e.DeviceID == localID {
			continue
		}
		hop := 1
		if e.IsHost {
			hop = 0
		}

		existing, had := r.snapshot(e.DeviceID)
		entryChanged := !had || existing.HopCount != hop
		d := existing
		d.ID = e.DeviceID
		d.DisplayName = e.DisplayName
		d.IsHost = e.IsHost
		if !had {
			d.DiscoveryMethod = DiscoveryGroupRoster
			d.IsConnected = hop == 0 && existing.IsConnected
		}
		d.HopCount = hop
		d.LastSeen = r.clock.Now()
		r.put(&d)

		if entryChanged {
			changed = true
		}
	}
	if changed {
		r.fireChange()
	}
	return changed
}

// Remove deletes a device outright (used for explicit disconnect
// handling, distinct from passive staleness eviction).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(id)
}
