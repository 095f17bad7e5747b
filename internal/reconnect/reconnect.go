// Package reconnect implements the Reconnection Manager (C8, spec.md
// §4.8): exponential backoff reconnection per neighbour, with separate
// delay sequences and attempt caps for normal and emergency profiles.
//
// New: the teacher has no reconnection (a lost ZRE peer is just
// expired). Built on github.com/cenkalti/backoff/v4's BackOff interface
// (SPEC_FULL.md §11 domain stack table).
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Delays are the literal spec.md §4.8 sequences, in order, clamped at
// the final entry once exhausted.
var (
	NormalDelays    = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	EmergencyDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

	NormalMaxAttempts    = 5
	EmergencyMaxAttempts = 10
)

// fixedSequenceBackoff replays a literal delay table instead of
// computing one, so the emitted sequence matches spec.md §4.8 exactly
// (backoff.ExponentialBackOff's jittered growth would not).
type fixedSequenceBackoff struct {
	delays []time.Duration
	idx    int
}

func (f *fixedSequenceBackoff) NextBackOff() time.Duration {
	if len(f.delays) == 0 {
		return backoff.Stop
	}
	idx := f.idx
	if idx >= len(f.delays) {
		// Clamp at the last delay rather than stopping: MAX_ATTEMPTS
		// (not the delay table's length) is what bounds the retry loop,
		// so a longer attempt cap than delay table must keep retrying
		// at the final interval instead of giving up early.
		idx = len(f.delays) - 1
	}
	f.idx++
	return f.delays[idx]
}

func (f *fixedSequenceBackoff) Reset() { f.idx = 0 }

var _ backoff.BackOff = (*fixedSequenceBackoff)(nil)

// Attempter performs one reconnection attempt. Returning nil means the
// neighbour is back up; any error retries per the backoff schedule.
type Attempter func(ctx context.Context) error

// Manager drives per-neighbour reconnection loops.
type Manager struct {
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	log       *slog.Logger
	onUp      func(id string)
	onGivenUp func(id string)
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithOnUp registers the neighbour_up(uuid) signal of spec.md §4.8.
func WithOnUp(fn func(id string)) Option { return func(m *Manager) { m.onUp = fn } }

// WithOnGivenUp registers the neighbour_given_up(uuid) signal of
// spec.md §4.8, fired once MAX_ATTEMPTS is exhausted.
func WithOnGivenUp(fn func(id string)) Option { return func(m *Manager) { m.onGivenUp = fn } }

// New builds a reconnection Manager.
func New(opts ...Option) *Manager {
	m := &Manager{running: map[string]context.CancelFunc{}, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a reconnection loop for id, using the delay/attempt
// profile selected by emergency. If a loop for id is already running,
// it is canceled and replaced (spec.md §4.8: "only one reconnection
// attempt loop may be active per neighbour at a time").
func (m *Manager) Start(ctx context.Context, id string, emergency bool, attempt Attempter) {
	m.mu.Lock()
	if cancel, ok := m.running[id]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running[id] = cancel
	m.mu.Unlock()

	go m.run(loopCtx, id, emergency, attempt)
}

// Stop cancels any in-flight reconnection loop for id, e.g. because the
// neighbour reconnected through some other path (a fresh handshake).
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
}

// Active reports whether a reconnection loop is currently running for id.
func (m *Manager) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) run(ctx context.Context, id string, emergency bool, attempt Attempter) {
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
	}()

	delays := NormalDelays
	maxAttempts := NormalMaxAttempts
	if emergency {
		delays = EmergencyDelays
		maxAttempts = EmergencyMaxAttempts
	}

	bo := &fixedSequenceBackoff{delays: delays}

	for n := 0; n < maxAttempts; n++ {
		if ctx.Err() != nil {
			return
		}

		if err := attempt(ctx); err == nil {
			m.log.Info("neighbour reconnected", "device_id", id, "attempt", n+1)
			if m.onUp != nil {
				m.onUp(id)
			}
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}

		m.log.Warn("reconnect attempt failed, backing off", "device_id", id, "attempt", n+1, "delay", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	m.log.Error("reconnection attempts exhausted", "device_id", id, "max_attempts", maxAttempts)
	if m.onGivenUp != nil {
		m.onGivenUp(id)
	}
}
