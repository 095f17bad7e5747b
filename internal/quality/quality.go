// Package quality implements the Quality Monitor (C7, spec.md §4.7):
// per-neighbour RTT ring buffer, packet loss, and derived quality level.
//
// Grounded on the teacher's ping cadence (node.go's pingPeer/msg.Ping/
// msg.PingOk), extended with quality-level derivation (new) and
// github.com/prometheus/client_golang gauges (SPEC_FULL.md §11, domain
// stack table).
package quality

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Level is the derived quality level of spec.md §4.7's table.
type Level int

const (
	LevelUnknown Level = iota
	LevelExcellent
	LevelGood
	LevelFair
	LevelPoor
)

func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "excellent"
	case LevelGood:
		return "good"
	case LevelFair:
		return "fair"
	case LevelPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// thresholds per spec.md §4.7 (inclusive-upper).
func levelFor(avgRTT time.Duration, lossRatio float64) Level {
	switch {
	case avgRTT <= 80*time.Millisecond && lossRatio <= 0.01:
		return LevelExcellent
	case avgRTT <= 200*time.Millisecond && lossRatio <= 0.05:
		return LevelGood
	case avgRTT <= 500*time.Millisecond && lossRatio <= 0.15:
		return LevelFair
	default:
		return LevelPoor
	}
}

// Rank orders levels from worst to best (Unknown=0 .. Excellent=4),
// since Level's own iota order is declaration order, not quality
// order — callers comparing "at least as good as X" must use Rank,
// never compare Level values directly.
func (l Level) Rank() int { return rank(l) }

func rank(l Level) int {
	switch l {
	case LevelExcellent:
		return 4
	case LevelGood:
		return 3
	case LevelFair:
		return 2
	case LevelPoor:
		return 1
	default:
		return 0
	}
}

// neighbourStats is the per-neighbour ring buffer and counters.
type neighbourStats struct {
	samples       []time.Duration // ring buffer, capacity N
	next          int
	filled        bool
	sent          uint64
	lost          uint64
	consecutive   int
	lastLevel     Level
	pending       map[uint64]time.Time // sequence -> send time
}

func newNeighbourStats(capacity int) *neighbourStats {
	return &neighbourStats{
		samples: make([]time.Duration, capacity),
		pending: map[uint64]time.Time{},
	}
}

func (n *neighbourStats) record(d time.Duration) {
	n.samples[n.next] = d
	n.next = (n.next + 1) % len(n.samples)
	if n.next == 0 {
		n.filled = true
	}
	n.consecutive = 0
}

func (n *neighbourStats) avg() time.Duration {
	count := len(n.samples)
	if !n.filled {
		count = n.next
	}
	if count == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < count; i++ {
		sum += n.samples[i]
	}
	return sum / time.Duration(count)
}

func (n *neighbourStats) lossRatio() float64 {
	if n.sent == 0 {
		return 0
	}
	return float64(n.lost) / float64(n.sent)
}

// Monitor tracks quality for every direct neighbour.
type Monitor struct {
	mu        sync.Mutex
	ringSize  int
	stats     map[string]*neighbourStats
	onDegrade func(deviceID string)

	rttGauge     *prometheus.GaugeVec
	lossGauge    *prometheus.GaugeVec
	levelGauge   *prometheus.GaugeVec
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithOnDegrade registers the quality_degraded(uuid) callback of spec.md
// §4.7.
func WithOnDegrade(fn func(deviceID string)) Option {
	return func(m *Monitor) { m.onDegrade = fn }
}

// WithRegisterer wires Prometheus gauges into reg (nil disables metrics,
// useful in tests to avoid double-registration panics).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) {
		if reg == nil {
			return
		}
		m.rttGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mesh", Subsystem: "quality", Name: "rtt_ms",
			Help: "Average RTT to a direct neighbour, in milliseconds.",
		}, []string{"device_id"})
		m.lossGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mesh", Subsystem: "quality", Name: "loss_ratio",
			Help: "Packet loss ratio to a direct neighbour.",
		}, []string{"device_id"})
		m.levelGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mesh", Subsystem: "quality", Name: "level",
			Help: "Derived quality level (1=poor .. 4=excellent).",
		}, []string{"device_id"})
		reg.MustRegister(m.rttGauge, m.lossGauge, m.levelGauge)
	}
}

// New builds a Monitor with a ring buffer of ringSize samples per
// neighbour (spec.md §4.7 default N=16).
func New(ringSize int, opts ...Option) *Monitor {
	m := &Monitor{ringSize: ringSize, stats: map[string]*neighbourStats{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) statsFor(id string) *neighbourStats {
	s, ok := m.stats[id]
	if !ok {
		s = newNeighbourStats(m.ringSize)
		m.stats[id] = s
	}
	return s
}

// RecordPingSent notes the send time for a ping sequence, per spec.md
// §4.7's "RTT is computed against a send-time table keyed by sequence".
func (m *Monitor) RecordPingSent(id string, seq uint64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(id)
	s.sent++
	s.pending[seq] = at
}

// RecordPong computes RTT for a returned sequence and updates the ring
// buffer. Returns the computed RTT and ok=false if the sequence was
// unknown (already timed out, or a duplicate pong).
func (m *Monitor) RecordPong(id string, seq uint64, at time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(id)
	sentAt, ok := s.pending[seq]
	if !ok {
		return 0, false
	}
	delete(s.pending, seq)
	rtt := at.Sub(sentAt)
	s.record(rtt)
	m.publishLocked(id, s)
	return rtt, true
}

// ExpirePing marks a sequence as lost if it's still pending after
// PING_TIMEOUT, per spec.md §4.7. Returns true once the run of
// consecutive losses reaches 3, and for every further consecutive loss
// (raising quality_degraded per spec.md §4.7).
func (m *Monitor) ExpirePing(id string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statsFor(id)
	if _, ok := s.pending[seq]; !ok {
		return false
	}
	delete(s.pending, seq)
	s.lost++
	s.consecutive++
	m.publishLocked(id, s)

	if s.consecutive >= 3 {
		m.fireDegrade(id)
		return true
	}
	return false
}

// publishLocked recomputes the quality level, updates metrics, and fires
// quality_degraded on a Good-or-better -> Fair-or-worse transition.
// Caller must hold m.mu.
func (m *Monitor) publishLocked(id string, s *neighbourStats) {
	avg := s.avg()
	loss := s.lossRatio()
	level := levelFor(avg, loss)

	if m.rttGauge != nil {
		m.rttGauge.WithLabelValues(id).Set(float64(avg.Milliseconds()))
		m.lossGauge.WithLabelValues(id).Set(loss)
		m.levelGauge.WithLabelValues(id).Set(float64(rank(level)))
	}

	degrading := rank(s.lastLevel) >= rank(LevelGood) && rank(level) < rank(LevelGood)
	s.lastLevel = level
	if degrading {
		m.fireDegrade(id)
	}
}

func (m *Monitor) fireDegrade(id string) {
	if m.onDegrade != nil {
		m.onDegrade(id)
	}
}

// Level returns the current derived quality level for a neighbour.
func (m *Monitor) Level(id string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[id]
	if !ok {
		return LevelUnknown
	}
	return levelFor(s.avg(), s.lossRatio())
}

// Forget drops all state for a neighbour, e.g. on permanent disconnect.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stats, id)
}
