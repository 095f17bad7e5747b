package identity

import "testing"

type fakeLookup struct {
	devices   map[string]bool
	connected map[string]bool
	aliases   map[string]string
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		devices:   map[string]bool{},
		connected: map[string]bool{},
		aliases:   map[string]string{},
	}
}

func (f *fakeLookup) HasDevice(id string) bool    { return f.devices[id] }
func (f *fakeLookup) IsConnected(id string) bool  { return f.connected[id] }
func (f *fakeLookup) AliasFor(mac string) (string, bool) {
	id, ok := f.aliases[mac]
	return id, ok
}

func TestResolveLocalUUID(t *testing.T) {
	r := New("aaaa-bbbb", nil)
	got, ok := r.Resolve("aaaa-bbbb")
	if !ok || got != "aaaa-bbbb" {
		t.Fatalf("got %q,%v want aaaa-bbbb,true", got, ok)
	}
}

func TestResolveChatPrefix(t *testing.T) {
	lk := newFakeLookup()
	lk.devices["11111111-2222-3333-4444-555555555555"] = true
	r := New("local", lk)

	got, ok := r.Resolve("chat_11111111-2222-3333-4444-555555555555")
	if !ok || got != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("got %q,%v", got, ok)
	}
}

func TestResolveRestoresUnderscoreUUID(t *testing.T) {
	lk := newFakeLookup()
	const uuid = "11111111-2222-3333-4444-555555555555"
	lk.devices[uuid] = true
	r := New("local", lk)

	encoded := "11111111_2222_3333_4444_555555555555"
	got, ok := r.Resolve(encoded)
	if !ok || got != uuid {
		t.Fatalf("got %q,%v want %s,true", got, ok, uuid)
	}
}

func TestResolveRestoresUnderscoreMACAndFindsAlias(t *testing.T) {
	lk := newFakeLookup()
	const mac = "AA:BB:CC:DD:EE:FF"
	const uuid = "11111111-2222-3333-4444-555555555555"
	lk.aliases[mac] = uuid
	r := New("local", lk)

	encoded := "aa_bb_cc_dd_ee_ff"
	got, ok := r.Resolve(encoded)
	if !ok || got != uuid {
		t.Fatalf("got %q,%v want %s,true", got, ok, uuid)
	}
}

func TestResolveMACBootstrapWithoutAlias(t *testing.T) {
	lk := newFakeLookup()
	const mac = "AA:BB:CC:DD:EE:FF"
	lk.devices[mac] = true
	r := New("local", lk)

	got, ok := r.Resolve("AA:BB:CC:DD:EE:FF")
	if !ok || got != mac {
		t.Fatalf("got %q,%v want %s,true", got, ok, mac)
	}
}

func TestResolveUnknownReturnsRestoredNotOK(t *testing.T) {
	lk := newFakeLookup()
	r := New("local", lk)

	got, ok := r.Resolve("nothing-like-a-uuid")
	if ok {
		t.Fatalf("expected ok=false, got true (%q)", got)
	}
	if got != "nothing-like-a-uuid" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveIdempotent(t *testing.T) {
	lk := newFakeLookup()
	const uuid = "11111111-2222-3333-4444-555555555555"
	lk.devices[uuid] = true
	r := New("local", lk)

	inputs := []string{
		uuid,
		"chat_" + uuid,
		"11111111_2222_3333_4444_555555555555",
		"unknown-garbage",
	}
	for _, in := range inputs {
		first, _ := r.Resolve(in)
		second, _ := r.Resolve(first)
		if first != second {
			t.Errorf("resolve(resolve(%q)) = %q, want %q", in, second, first)
		}
	}
}
