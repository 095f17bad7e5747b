package quality

import (
	"testing"
	"time"
)

func TestRecordPongComputesRTTAndLevel(t *testing.T) {
	m := New(16)
	base := time.Now()

	m.RecordPingSent("n1", 1, base)
	rtt, ok := m.RecordPong("n1", 1, base.Add(20*time.Millisecond))
	if !ok {
		t.Fatal("expected a matched pong")
	}
	if rtt != 20*time.Millisecond {
		t.Fatalf("rtt = %v, want 20ms", rtt)
	}
	if got := m.Level("n1"); got != LevelExcellent {
		t.Fatalf("level = %v, want excellent", got)
	}
}

func TestRecordPongUnknownSequenceIsNotOK(t *testing.T) {
	m := New(16)
	if _, ok := m.RecordPong("n1", 99, time.Now()); ok {
		t.Fatal("expected unknown sequence to be rejected")
	}
}

func TestThreeConsecutiveLossesDegradesQuality(t *testing.T) {
	m := New(16)
	var degraded []string
	m = New(16, WithOnDegrade(func(id string) { degraded = append(degraded, id) }))

	base := time.Now()
	for seq := uint64(1); seq <= 3; seq++ {
		m.RecordPingSent("n1", seq, base)
	}
	m.ExpirePing("n1", 1)
	m.ExpirePing("n1", 2)
	fired := m.ExpirePing("n1", 3)

	if !fired {
		t.Fatal("expected 3rd consecutive loss to report degradation")
	}
	if len(degraded) == 0 {
		t.Fatal("expected onDegrade callback to fire")
	}
}

func TestGoodToFairTransitionFiresDegrade(t *testing.T) {
	var degraded int
	m := New(4, WithOnDegrade(func(string) { degraded++ }))
	base := time.Now()

	// First sample: fast RTT -> excellent/good.
	m.RecordPingSent("n1", 1, base)
	m.RecordPong("n1", 1, base.Add(50*time.Millisecond))
	before := degraded

	// Now push RTT well past the "good" ceiling to force a transition.
	for seq := uint64(2); seq <= 4; seq++ {
		m.RecordPingSent("n1", seq, base)
		m.RecordPong("n1", seq, base.Add(800*time.Millisecond))
	}

	if degraded <= before {
		t.Fatal("expected a degrade signal on crossing below good")
	}
	if got := m.Level("n1"); got != LevelPoor {
		t.Fatalf("level = %v, want poor", got)
	}
}

func TestExpireUnknownSequenceIsNoop(t *testing.T) {
	m := New(16)
	if m.ExpirePing("n1", 1) {
		t.Fatal("expiring a sequence never sent should report no degradation")
	}
}

func TestForgetClearsState(t *testing.T) {
	m := New(16)
	m.RecordPingSent("n1", 1, time.Now())
	m.RecordPong("n1", 1, time.Now())
	m.Forget("n1")
	if got := m.Level("n1"); got != LevelUnknown {
		t.Fatalf("level after forget = %v, want unknown", got)
	}
}
