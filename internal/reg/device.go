// Package reg implements the Mesh Registry (C5, spec.md §4.5 and §3):
// the directory of known devices with hop-count and last-seen, staleness
// eviction, and reachability queries.
//
// Grounded on the teacher's node.go pingPeer/expiry loop (a periodic sweep
// that evicts silent peers), reimplemented with
// github.com/jellydator/ttlcache/v3 for the TTL-bounded entry set: the
// registry's "present iff now-last_seen <= STALE_WINDOW" invariant (spec.md
// §3) is exactly what ttlcache already does on every Set, with an
// eviction callback standing in for the teacher's explicit sweep.
package reg

import "time"

// DiscoveryMethod is spec.md §3's discovery_method enum.
type DiscoveryMethod int

const (
	DiscoveryUnknown DiscoveryMethod = iota
	DiscoveryWirelessDirect
	DiscoveryHandshake
	DiscoveryRouteObservation
	DiscoveryGroupRoster
)

func (d DiscoveryMethod) String() string {
	switch d {
	case DiscoveryWirelessDirect:
		return "wireless_direct"
	case DiscoveryHandshake:
		return "handshake"
	case DiscoveryRouteObservation:
		return "route_observation"
	case DiscoveryGroupRoster:
		return "group_roster"
	default:
		return "unknown"
	}
}

// HopUnknown is spec.md §3's sentinel hop_count value of 255.
const HopUnknown = 255

// Device mirrors the Device entity of spec.md §3.
type Device struct {
	ID              string
	DisplayName     string
	IsHost          bool
	HopCount        int
	LastSeen        time.Time
	DiscoveryMethod DiscoveryMethod
	IsConnected     bool
}

// clone returns a value copy safe to hand out of the registry (callers get
// snapshots, never the live entry, per spec.md §5's "other components
// request snapshots").
func (d Device) clone() Device { return d }
