// Package timeoutmgr implements the Timeout Manager (C9, spec.md §4.9):
// context-based timeout wrappers for discovery, connect, and
// ack-wait, each with a normal and an emergency bound.
//
// The teacher has no equivalent (ZRE relies on ZeroMQ's own socket
// timeouts); this package is new, built on stdlib context.Context for
// cancellable, bounded operations.
package timeoutmgr

import (
	"context"
	"time"
)

// Bounds is a pair of (normal, emergency) timeouts for one operation
// kind, per spec.md §4.9's profile table.
type Bounds struct {
	Normal    time.Duration
	Emergency time.Duration
}

// Manager holds the configured bounds for each of the three timeout
// classes spec.md §4.9 names.
type Manager struct {
	Discovery Bounds
	Connect   Bounds
	AckWait   Bounds
}

// New builds a Manager from the three configured bound pairs.
func New(discovery, connect, ackWait Bounds) *Manager {
	return &Manager{Discovery: discovery, Connect: connect, AckWait: ackWait}
}

func (b Bounds) pick(emergency bool) time.Duration {
	if emergency {
		return b.Emergency
	}
	return b.Normal
}

// WithDiscovery returns a context bounded by the discovery timeout.
func (m *Manager) WithDiscovery(parent context.Context, emergency bool) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.Discovery.pick(emergency))
}

// WithConnect returns a context bounded by the connect timeout.
func (m *Manager) WithConnect(parent context.Context, emergency bool) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.Connect.pick(emergency))
}

// WithAckWait returns a context bounded by the ack-wait timeout.
func (m *Manager) WithAckWait(parent context.Context, emergency bool) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.AckWait.pick(emergency))
}

// Run executes fn, returning its error or context.DeadlineExceeded if
// the bound elapses first. fn must return promptly once ctx is done;
// the timeout manager itself performs no cooperative cancellation of
// fn's internals, per spec.md §4.9 ("the caller is responsible for
// honoring ctx").
func Run(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
