// Package udpbeacon is the reference implementation of
// transport.Transport (SPEC_FULL.md §11.1): IPv4/IPv6 multicast UDP
// presence announcements for discovery, plain TCP for the per-peer
// byte stream.
//
// Adapted from the teacher's beacon/beacon.go (itself a translation of
// czmq's zbeacon). Where the teacher split responsibilities across a
// bare Beacon plus the ZRE peer/group layer, this package folds
// discovery and the TCP stream into one transport.Transport so it can
// stand in directly for a Wi-Fi Direct driver in tests and demos.
package udpbeacon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	xipv4 "golang.org/x/net/ipv4"
	xipv6 "golang.org/x/net/ipv6"

	"github.com/jkgulay/resqlink-sub005/internal/transport"
)

const (
	beaconMax       = 512
	defaultInterval = 1 * time.Second
	ipv4Group       = "224.0.0.250"
	ipv6Group       = "ff02::fa"
)

// beaconPayload is the small datagram every device announces,
// SPEC_FULL.md §11.1: "{device_id, display_name}".
type beaconPayload struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Port        int    `json:"port"`
}

// Beacon is a transport.Transport backed by UDP multicast discovery and
// TCP byte streams.
type Beacon struct {
	deviceID    string
	displayName string
	udpPort     int
	interval    time.Duration

	mu      sync.Mutex
	streams map[string]net.Conn
	nextID  int

	useIPv6 bool

	conn4 *xipv4.PacketConn
	conn6 *xipv6.PacketConn
}

// Option configures a Beacon at construction.
type Option func(*Beacon)

// WithUDPPort overrides the multicast discovery port (default 5670,
// the teacher's ZRE_DISCOVERY_PORT analogue).
func WithUDPPort(port int) Option { return func(b *Beacon) { b.udpPort = port } }

// WithInterval overrides the beacon broadcast interval.
func WithInterval(d time.Duration) Option { return func(b *Beacon) { b.interval = d } }

// WithIPv6 switches discovery to IPv6 multicast (ff02::fa) instead of
// the IPv4 default, for link-local networks with no IPv4 configured.
func WithIPv6() Option { return func(b *Beacon) { b.useIPv6 = true } }

// New builds a Beacon transport announcing deviceID/displayName.
func New(deviceID, displayName string, opts ...Option) *Beacon {
	b := &Beacon{
		deviceID:    deviceID,
		displayName: displayName,
		udpPort:     5670,
		interval:    defaultInterval,
		streams:     map[string]net.Conn{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ transport.Transport = (*Beacon)(nil)

// StartDiscovery joins the configured multicast group (IPv4 by default,
// IPv6 with WithIPv6), broadcasts this device's presence on b.interval,
// and reports the accumulated peer set to onPeers on every beacon
// received from another device. It returns once the loops are started;
// discovery runs in the background until ctx is done.
func (b *Beacon) StartDiscovery(ctx context.Context, onPeers func([]transport.PeerSummary)) error {
	payload, err := json.Marshal(beaconPayload{DeviceID: b.deviceID, DisplayName: b.displayName})
	if err != nil {
		return err
	}

	if b.useIPv6 {
		return b.startDiscoveryV6(ctx, payload, onPeers)
	}
	return b.startDiscoveryV4(ctx, payload, onPeers)
}

func (b *Beacon) startDiscoveryV4(ctx context.Context, payload []byte, onPeers func([]transport.PeerSummary)) error {
	pc, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(b.udpPort)))
	if err != nil {
		return fmt.Errorf("udpbeacon: listen: %w", err)
	}
	p := xipv4.NewPacketConn(pc)
	group := net.ParseIP(ipv4Group)
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		_ = p.JoinGroup(&iface, &net.UDPAddr{IP: group})
	}
	_ = p.SetMulticastLoopback(true)
	b.conn4 = p

	out := &net.UDPAddr{IP: group, Port: b.udpPort}

	go b.readLoop(ctx, func(buf []byte) (int, net.Addr, error) {
		n, _, src, err := p.ReadFrom(buf)
		return n, src, err
	}, onPeers)

	go b.writeLoop(ctx, payload, func(data []byte) { _, _ = p.WriteTo(data, nil, out) }, p.Close)

	return nil
}

func (b *Beacon) startDiscoveryV6(ctx context.Context, payload []byte, onPeers func([]transport.PeerSummary)) error {
	pc, err := net.ListenPacket("udp6", net.JoinHostPort("::", strconv.Itoa(b.udpPort)))
	if err != nil {
		return fmt.Errorf("udpbeacon: listen: %w", err)
	}
	p := xipv6.NewPacketConn(pc)
	group := net.ParseIP(ipv6Group)
	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		_ = p.JoinGroup(&iface, &net.UDPAddr{IP: group})
	}
	_ = p.SetMulticastLoopback(true)
	b.conn6 = p

	out := &net.UDPAddr{IP: group, Port: b.udpPort}

	go b.readLoop(ctx, func(buf []byte) (int, net.Addr, error) {
		n, _, src, err := p.ReadFrom(buf)
		return n, src, err
	}, onPeers)

	go b.writeLoop(ctx, payload, func(data []byte) { _, _ = p.WriteTo(data, nil, out) }, p.Close)

	return nil
}

func (b *Beacon) readLoop(ctx context.Context, readFrom func([]byte) (int, net.Addr, error), onPeers func([]transport.PeerSummary)) {
	seen := map[string]transport.PeerSummary{}
	var seenMu sync.Mutex

	buf := make([]byte, beaconMax)
	for {
		n, src, err := readFrom(buf)
		if err != nil {
			return
		}
		var got beaconPayload
		if json.Unmarshal(buf[:n], &got) != nil || got.DeviceID == b.deviceID {
			continue
		}
		host, _, _ := net.SplitHostPort(src.String())
		peer := transport.PeerSummary{Address: host, DisplayName: got.DisplayName, Status: "discovered"}
		seenMu.Lock()
		seen[got.DeviceID] = peer
		changed := make([]transport.PeerSummary, 0, len(seen))
		for _, v := range seen {
			changed = append(changed, v)
		}
		seenMu.Unlock()
		if onPeers != nil {
			onPeers(changed)
		}
	}
}

func (b *Beacon) writeLoop(ctx context.Context, payload []byte, write func([]byte), closeFn func() error) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = closeFn()
			return
		case <-ticker.C:
			write(payload)
		}
	}
}

// Connect dials address over TCP, standing in for "connect to the
// group owner's socket" once a peer has been chosen from the
// discovered set (SPEC_FULL.md §11.1).
func (b *Beacon) Connect(ctx context.Context, address string, onEvent func(transport.ConnectionEvent)) (string, error) {
	if onEvent != nil {
		onEvent(transport.ConnectionEvent{Kind: transport.Connecting})
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if onEvent != nil {
			onEvent(transport.ConnectionEvent{Kind: transport.Disconnected, Reason: err.Error()})
		}
		return "", fmt.Errorf("udpbeacon: connect %s: %w", address, err)
	}

	id := b.registerStream(conn)
	if onEvent != nil {
		onEvent(transport.ConnectionEvent{Kind: transport.Connected, IsGroupOwner: false, OwnerAddr: address})
	}
	return id, nil
}

// OpenListener accepts inbound TCP connections on port (the group
// owner role) and reports each as an IncomingStream.
func (b *Beacon) OpenListener(ctx context.Context, port int, onIncoming func(transport.IncomingStream)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("udpbeacon: listen: %w", err)
	}

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
			id := b.registerStream(conn)
			if onIncoming != nil {
				onIncoming(transport.IncomingStream{
					StreamID: id,
					Reader:   b.readerFor(conn),
				})
			}
		}
	}()

	return nil
}

func (b *Beacon) readerFor(conn net.Conn) func() ([]byte, error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	return func() ([]byte, error) {
		if scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			return line, nil
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("udpbeacon: stream closed")
	}
}

func (b *Beacon) registerStream(conn net.Conn) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("stream-%d", b.nextID)
	b.streams[id] = conn
	return id
}

// Send writes one newline-terminated frame to streamID.
func (b *Beacon) Send(streamID string, frame []byte) error {
	b.mu.Lock()
	conn, ok := b.streams[streamID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("udpbeacon: unknown stream %q", streamID)
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("udpbeacon: send: %w", err)
	}
	return nil
}

// Close tears down streamID.
func (b *Beacon) Close(streamID string) error {
	b.mu.Lock()
	conn, ok := b.streams[streamID]
	delete(b.streams, streamID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}
