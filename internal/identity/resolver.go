// Package identity implements the Identity Resolver (C1, spec.md §4.1):
// mapping any inbound identifier — a canonical UUID, a legacy
// underscore-joined encoding of one, or a MAC address — to a canonical
// DeviceId.
//
// The teacher (zeromq-gyre) has no equivalent: ZRE peers are addressed by
// a single UUID with no MAC-aliasing or chat-session-id canonicalisation,
// so this package is new, built directly from spec.md §4.1.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// Lookup is the minimal view of mesh state the resolver needs, satisfied
// by reg.Registry; kept as an interface here so identity has no import
// dependency on reg (avoiding a cycle, per spec.md §9's note on cyclic
// relationships: resolve by exchanging tokens, not back-references).
type Lookup interface {
	// HasDevice reports whether id is a known key in the mesh registry.
	HasDevice(id string) bool
	// IsConnected reports whether id is a key of the connected set.
	IsConnected(id string) bool
	// AliasFor looks up the UUID aliased to a MAC, if any.
	AliasFor(mac string) (string, bool)
}

// Resolver resolves raw identifiers to canonical DeviceIds.
type Resolver struct {
	localUUID string
	lookup    Lookup
}

// New builds a Resolver bound to the local device's own UUID and a mesh
// state Lookup.
func New(localUUID string, lookup Lookup) *Resolver {
	return &Resolver{localUUID: localUUID, lookup: lookup}
}

// Resolve implements spec.md §4.1's algorithm. It returns ("", false) only
// when the input cannot be turned into any candidate at all (empty after
// trimming); otherwise it returns the best candidate even if unknown to
// the caller, per step 5 ("caller may still treat it as unknown").
func (r *Resolver) Resolve(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "chat_")
	if trimmed == "" {
		return "", false
	}

	restored := restore(trimmed)

	candidates := []string{trimmed}
	if restored != trimmed {
		candidates = append(candidates, restored)
	}

	for _, c := range candidates {
		if c == r.localUUID {
			return c, true
		}
		if r.lookup != nil && r.lookup.IsConnected(c) {
			return c, true
		}
		if r.lookup != nil && r.lookup.HasDevice(c) {
			return c, true
		}
	}

	for _, c := range candidates {
		if mac, ok := normalizeMAC(c); ok {
			if r.lookup != nil {
				if uuid, found := r.lookup.AliasFor(mac); found {
					return uuid, true
				}
				if r.lookup.HasDevice(mac) {
					return mac, true
				}
			}
		}
	}

	return restored, false
}

// restore reverses the legacy underscore-joined chat-session-id encoding,
// per spec.md §4.1 step 2. Both the 5-segment UUID form and the 6-segment
// MAC form fold punctuation to underscores; this rejoins whichever one
// matches, and returns the input unchanged if neither shape matches.
func restore(s string) string {
	segments := strings.Split(s, "_")

	if len(segments) == 5 && segmentLengthsMatch(segments, []int{8, 4, 4, 4, 12}) && allHex(segments) {
		return strings.Join(segments, "-")
	}

	if len(segments) == 6 && segmentLengthsAll(segments, 2) && allHex(segments) {
		upper := make([]string, len(segments))
		for i, seg := range segments {
			upper[i] = strings.ToUpper(seg)
		}
		return strings.Join(upper, ":")
	}

	return s
}

func segmentLengthsMatch(segs []string, lens []int) bool {
	for i, seg := range segs {
		if len(seg) != lens[i] {
			return false
		}
	}
	return true
}

func segmentLengthsAll(segs []string, n int) bool {
	for _, seg := range segs {
		if len(seg) != n {
			return false
		}
	}
	return true
}

func allHex(segs []string) bool {
	for _, seg := range segs {
		for _, r := range seg {
			if !isHexDigit(r) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// normalizeMAC reports whether s is a MAC address (with or without the
// canonical colon-separated upper-case form) and returns its canonical
// form.
func normalizeMAC(s string) (string, bool) {
	var segs []string
	switch {
	case strings.Contains(s, ":"):
		segs = strings.Split(s, ":")
	case strings.Contains(s, "-"):
		segs = strings.Split(s, "-")
	default:
		return "", false
	}
	if len(segs) != 6 {
		return "", false
	}
	for _, seg := range segs {
		if len(seg) != 2 || !allHex([]string{seg}) {
			return "", false
		}
	}
	upper := make([]string, len(segs))
	for i, seg := range segs {
		upper[i] = strings.ToUpper(seg)
	}
	return strings.Join(upper, ":"), true
}

// ValidUUID reports whether s parses as a UUID, used by callers minting a
// local identity rather than by Resolve itself (spec.md's resolver treats
// UUIDs as opaque strings).
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NewDeviceID mints a fresh, canonical lower-case dashed UUID string, per
// spec.md §3 ("canonical lower-case dashed form"). Replaces the teacher's
// io.ReadFull(crand.Reader, uuid) + fmt.Sprintf("%X", ...) pattern with the
// standard library-adjacent google/uuid, grounded in malbeclabs-doublezero's
// go.mod.
func NewDeviceID() string {
	return uuid.NewString()
}
