// Package socket implements the Socket Protocol (C3, spec.md §4.2):
// line-delimited JSON frames over a plain TCP stream to the group
// owner, connect/listen, and per-peer send/broadcast.
//
// Grounded on the teacher's peer.go connect/disconnect/send lifecycle
// (mailbox socket per peer, reconnect-drops-in-flight-messages
// semantics) adapted from a ZeroMQ DEALER mailbox to a plain
// net.Conn-per-neighbour model, since spec.md §4.2's substrate is a
// single TCP stream per neighbour rather than a ROUTER/DEALER fan-in.
package socket

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jkgulay/resqlink-sub005/internal/merr"
	"github.com/jkgulay/resqlink-sub005/internal/meshwire"
)

const (
	// writeRetryDelay is spec.md §4.2's "write errors are retried once
	// after 100 ms" interval.
	writeRetryDelay = 100 * time.Millisecond
)

// Registry is the subset of *reg.Registry the socket layer accepts via
// WithRegistry. Send does not consult it: a target with no registered
// stream of its own fails with NotConnected, with no fallback to another
// neighbour.
type Registry interface {
	IsConnected(id string) bool
}

// Socket owns one TCP listener (if hosting) and one net.Conn per direct
// neighbour, keyed by device id.
type Socket struct {
	mu    sync.Mutex
	conns map[string]net.Conn
	ln    net.Listener

	localID  string
	maxFrame int
	reg      Registry
	log      *slog.Logger

	onFrame        func(fromID string, f *meshwire.Message)
	onNeighbourLost func(id string)
	onSendFailed    func(id string, err error)
	onMalformed     func()
}

// Option configures a Socket at construction.
type Option func(*Socket)

func WithLogger(l *slog.Logger) Option { return func(s *Socket) { s.log = l } }

// WithRegistry stores the registry on the Socket. Send does not use it,
// so a target with no registered stream of its own is not reached
// through any other neighbour.
func WithRegistry(r Registry) Option { return func(s *Socket) { s.reg = r } }

// WithOnFrame registers the inbound-frame callback (every successfully
// decoded frame from any stream).
func WithOnFrame(fn func(fromID string, f *meshwire.Message)) Option {
	return func(s *Socket) { s.onFrame = fn }
}

// WithOnNeighbourLost registers the neighbour_lost(uuid) signal fired on
// a stream read error, spec.md §4.2 "Failure semantics".
func WithOnNeighbourLost(fn func(id string)) Option {
	return func(s *Socket) { s.onNeighbourLost = fn }
}

// WithOnSendFailed registers the SendFailed signal fired after the
// single write retry is exhausted.
func WithOnSendFailed(fn func(id string, err error)) Option {
	return func(s *Socket) { s.onSendFailed = fn }
}

// WithOnMalformed registers the malformed-frame counter callback.
func WithOnMalformed(fn func()) Option { return func(s *Socket) { s.onMalformed = fn } }

// New builds a Socket for localID with the given MAX_FRAME bound
// (spec.md §4.2 default 64 KiB).
func New(localID string, maxFrame int, opts ...Option) *Socket {
	s := &Socket{
		conns:    map[string]net.Conn{},
		localID:  localID,
		maxFrame: maxFrame,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartServer binds a TCP listener on port and accepts connections in a
// loop, spawning one reader per accepted stream. Idempotent: a second
// call while already listening is a no-op, per spec.md §4.2.
func (s *Socket) StartServer(ctx context.Context, port int) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("socket: listen: %w", err)
	}
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// The accepted neighbour's device id is not known until the
			// handshake (C4) completes; register it under its remote
			// address until handshake calls RegisterID.
			s.trackProvisional(conn)
		}
	}()

	return nil
}

// trackProvisional spawns a reader for a just-accepted stream before its
// device id is known. The reader reports every frame from this stream
// under the remote address; RegisterID rekeys the stream for Send and
// Broadcast under the negotiated device id.
func (s *Socket) trackProvisional(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.mu.Lock()
	s.conns[addr] = conn
	s.mu.Unlock()
	go s.readLoop(addr, conn)
}

// RegisterID rekeys a provisional stream (tracked under its remote
// address) to its negotiated device id, called by the coordinator once a
// Handshake or HandshakeAck frame names the peer.
func (s *Socket) RegisterID(provisionalKey, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[provisionalKey]
	if !ok || provisionalKey == deviceID {
		return
	}
	s.conns[deviceID] = conn
	delete(s.conns, provisionalKey)
}

// ConnectTo establishes one outbound stream to the group owner at addr,
// registered provisionally under addr like an accepted stream until
// RegisterID rekeys it. Fails with a wrapped error if no TCP handshake
// completes within CONNECT_TIMEOUT.
func (s *Socket) ConnectTo(ctx context.Context, addr string, connectTimeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, merr.Wrap(merr.KindUnreachable, "", fmt.Errorf("socket: connect %s: %w", addr, err))
	}

	s.mu.Lock()
	s.conns[addr] = conn
	s.mu.Unlock()
	go s.readLoop(addr, conn)

	return conn, nil
}

func (s *Socket) readLoop(key string, conn net.Conn) {
	sc := meshwire.NewScanner(bufio.NewReader(conn), s.maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		f, err := meshwire.Decode(line, s.maxFrame)
		if err != nil {
			if s.onMalformed != nil {
				s.onMalformed()
			}
			s.log.Warn("dropped malformed frame", "from", key, "err", err)
			continue
		}
		if s.onFrame != nil {
			s.onFrame(s.idFor(key), f)
		}
	}

	// The stream may have been rekeyed by RegisterID since the reader
	// started; drop it and report it under whatever key it holds now.
	lost := key
	s.mu.Lock()
	for k, c := range s.conns {
		if c == conn {
			lost = k
			delete(s.conns, k)
		}
	}
	s.mu.Unlock()
	_ = conn.Close()

	if s.onNeighbourLost != nil {
		s.onNeighbourLost(lost)
	}
}

// idFor returns key unchanged; kept as a seam in case provisional keys
// ever need translation back to a device id after the connection has
// already been dropped mid-handshake.
func (s *Socket) idFor(key string) string { return key }

// Send encodes and writes frame to target. If target has no registered
// stream but is a direct neighbour per the registry, spec.md §4.2 point
// 3 does not apply here (each neighbour is reached by exactly one
// stream keyed by its own id); this is a direct, single-hop send only.
// Write errors are retried once after writeRetryDelay before surfacing.
func (s *Socket) Send(target string, frame *meshwire.Message) error {
	s.mu.Lock()
	conn, ok := s.conns[target]
	s.mu.Unlock()
	if !ok {
		return merr.Wrap(merr.KindNotConnected, target, fmt.Errorf("socket: no route to %s", target))
	}

	encoded, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("socket: encode: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := conn.Write(encoded); err != nil {
		time.Sleep(writeRetryDelay)
		if _, err2 := conn.Write(encoded); err2 != nil {
			if s.onSendFailed != nil {
				s.onSendFailed(target, err2)
			}
			return merr.Wrap(merr.KindUnreachable, target, fmt.Errorf("socket: send failed: %w", err2))
		}
	}
	return nil
}

// Broadcast sends frame to every direct neighbour except those in
// exclude. Partial failure is reported per-neighbour via onSendFailed
// but never aborts the broadcast, per spec.md §4.2.
func (s *Socket) Broadcast(frame *meshwire.Message, exclude map[string]bool) {
	s.mu.Lock()
	targets := make([]string, 0, len(s.conns))
	for id := range s.conns {
		if !exclude[id] {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()

	for _, id := range targets {
		if err := s.Send(id, frame); err != nil {
			s.log.Warn("broadcast send failed", "target", id, "err", err)
		}
	}
}

// ForceCleanup closes every stream and the listener, resetting internal
// caches. Called before re-initialisation, per spec.md §4.2.
func (s *Socket) ForceCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
}
