package reg

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"

	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
)

func TestMarkConnectedSetsHopZero(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	r.MarkConnected("b", "Bob", DiscoveryHandshake)

	devs := r.Devices()
	if len(devs) != 1 || devs[0].HopCount != 0 || !devs[0].IsConnected {
		t.Fatalf("got %+v", devs)
	}
}

func TestUpdateFromFrameEmptyRouteUnknownSenderLeavesHopUnchanged(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	// Seed device with some other hop count via a roster entry.
	r.UpsertRoster("local", []meshwire.RosterEntry{{DeviceID: "c", DisplayName: "C", IsHost: false}})

	before, _ := r.snapshot("c")

	changed := r.UpdateFromFrame("c", false, &meshwire.Message{RoutePath: nil})
	if changed {
		t.Fatalf("expected no change for empty route_path from non-direct sender")
	}

	after, _ := r.snapshot("c")
	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(Device{}, "LastSeen")); diff != "" {
		t.Fatalf("device changed unexpectedly (-before +after):\n%s", diff)
	}
}

func TestUpdateFromFrameDirectNeighbourSetsHopZero(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	changed := r.UpdateFromFrame("d", true, &meshwire.Message{RoutePath: nil})
	if !changed {
		t.Fatal("expected change on first observation")
	}
	d, ok := r.snapshot("d")
	if !ok || d.HopCount != 0 {
		t.Fatalf("got %+v ok=%v", d, ok)
	}
}

func TestUpdateFromFrameRoutePathMinimum(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	// route_path = [B, C], sender = D: hop(D) = len(route)-0+1? per spec
	// derivation: sender hop = (relays excluding self/sender).len()+1 = 2+1=3.
	changed := r.UpdateFromFrame("dnode", false, &meshwire.Message{RoutePath: []string{"b", "c"}})
	if !changed {
		t.Fatal("expected change")
	}
	d, _ := r.snapshot("dnode")
	if d.HopCount != 3 {
		t.Fatalf("sender hop = %d, want 3", d.HopCount)
	}

	// route_path entries: position 0 = "b" -> candidate = len(route)-0 = 2
	// position 1 = "c" -> candidate = len(route)-1 = 1
	b, _ := r.snapshot("b")
	if b.HopCount != 2 {
		t.Fatalf("b hop = %d, want 2", b.HopCount)
	}
	c, _ := r.snapshot("c")
	if c.HopCount != 1 {
		t.Fatalf("c hop = %d, want 1", c.HopCount)
	}

	// A later, longer route must never raise (only lower) a hop count
	// already established as smaller.
	changed2 := r.UpdateFromFrame("dnode", false, &meshwire.Message{RoutePath: []string{"b", "c", "extra"}})
	d2, _ := r.snapshot("dnode")
	if d2.HopCount != 3 {
		t.Fatalf("hop count must not increase: got %d", d2.HopCount)
	}
	_ = changed2
}

func TestRosterIdempotent(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	entries := []meshwire.RosterEntry{
		{DeviceID: "a", DisplayName: "Alice", IsHost: true},
		{DeviceID: "b", DisplayName: "Bob", IsHost: false},
	}

	if !r.UpsertRoster("local", entries) {
		t.Fatal("first roster application should report a change")
	}
	if r.UpsertRoster("local", entries) {
		t.Fatal("re-applying the identical roster must not report a change")
	}
}

func TestReachable(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	if r.Reachable("ghost", time.Minute) {
		t.Fatal("unknown device should not be reachable")
	}

	r.MarkConnected("x", "X", DiscoveryHandshake)
	if !r.Reachable("x", time.Minute) {
		t.Fatal("connected device should be reachable regardless of max_age")
	}
}

func TestMarkDisconnectedKeepsEntryButNotConnected(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	r.MarkConnected("y", "Y", DiscoveryHandshake)
	r.MarkDisconnected("y")

	d, ok := r.snapshot("y")
	if !ok {
		t.Fatal("device should remain in registry until stale window elapses")
	}
	if d.IsConnected {
		t.Fatal("device should no longer be connected")
	}
}

func TestAliasIsWriteOnce(t *testing.T) {
	r := New(time.Minute)
	defer r.Close()

	r.SetAlias("AA:BB:CC:DD:EE:FF", "uuid-1")
	r.SetAlias("AA:BB:CC:DD:EE:FF", "uuid-2")

	got, ok := r.AliasFor("AA:BB:CC:DD:EE:FF")
	if !ok || got != "uuid-1" {
		t.Fatalf("got %q,%v want uuid-1,true", got, ok)
	}

	r.ClearAlias("AA:BB:CC:DD:EE:FF")
	r.SetAlias("AA:BB:CC:DD:EE:FF", "uuid-2")
	got, ok = r.AliasFor("AA:BB:CC:DD:EE:FF")
	if !ok || got != "uuid-2" {
		t.Fatalf("after explicit clear, got %q,%v want uuid-2,true", got, ok)
	}
}

// TestReachableMaxAgeUsesInjectedClock exercises spec.md §4.5's
// reachable-within-max_age branch deterministically via a fake clock,
// instead of sleeping a wall-clock duration.
func TestReachableMaxAgeUsesInjectedClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(time.Hour, WithClock(clock))
	defer r.Close()

	r.MarkConnected("w", "W", DiscoveryHandshake)
	r.MarkDisconnected("w")

	if !r.Reachable("w", time.Minute) {
		t.Fatal("just-seen device should be reachable within max_age")
	}

	clock.Advance(2 * time.Minute)
	if r.Reachable("w", time.Minute) {
		t.Fatal("device last seen beyond max_age should not be reachable")
	}
}

func TestStaleEviction(t *testing.T) {
	r := New(30 * time.Millisecond)
	defer r.Close()

	r.MarkConnected("z", "Z", DiscoveryHandshake)
	r.MarkDisconnected("z") // direct socket gone, but entry remains until stale

	// Installed only now: MarkConnected itself fires a change, which
	// would otherwise be mistaken for the eviction.
	evicted := make(chan struct{}, 1)
	r.onChange = func() {
		select {
		case evicted <- struct{}{}:
		default:
		}
	}

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected stale-window eviction to fire registry_changed")
	}

	if r.HasDevice("z") {
		t.Fatal("expected z to be evicted after stale window")
	}
}
