// Package meshwire implements the wire frame and in-memory Message entity
// of spec.md §3 and §6: one JSON object per line, UTF-8, LF-terminated.
//
// Grounded on the teacher's per-kind message structs (zre/msg/hello.go and
// siblings: a typed struct, a New<Kind> constructor, a String() debug
// method) collapsed into a single flat struct, since spec.md §6 defines
// one uniform JSON object for every kind rather than one binary layout
// per kind.
package meshwire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the frame kinds of spec.md §6.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"
	KindRoster       Kind = "roster"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindAck          Kind = "ack"
	KindText         Kind = "text"
	KindEmergency    Kind = "emergency"
	KindSos          Kind = "sos"
	KindLocation     Kind = "location"
)

// expectsAck reports whether k may carry a named target and expects an
// Ack, per spec.md §4.6 "Acks".
func (k Kind) expectsAck() bool {
	switch k {
	case KindText, KindLocation, KindEmergency, KindSos:
		return true
	default:
		return false
	}
}

// IsEmergency reports whether this kind bypasses the not-connected
// short-circuit per spec.md §4.6 point 6.
func (k Kind) IsEmergency() bool {
	return k == KindEmergency || k == KindSos
}

// Message is the wire-visible entity of spec.md §3. Every field is
// serialized; IsEmergency is a derived method, not a field.
type Message struct {
	MessageID      string   `json:"message_id"`
	FromUser       string   `json:"user_name"`
	SenderDeviceID string   `json:"device_id"`
	TargetDeviceID string   `json:"target,omitempty"` // "" means broadcast
	Kind           Kind     `json:"type"`
	Payload        []byte   `json:"payload,omitempty"`
	Latitude       *float64 `json:"lat,omitempty"`
	Longitude      *float64 `json:"lon,omitempty"`
	TTL            int      `json:"ttl"`
	RoutePath      []string `json:"route"`
	TimestampMs    int64    `json:"ts"`
}

// IsBroadcast reports whether this message has no specific target.
func (m *Message) IsBroadcast() bool {
	return m.TargetDeviceID == ""
}

// IsEmergency reports whether this message's kind bypasses the
// not-connected short circuit, per spec.md §4.6 point 6.
func (m *Message) IsEmergency() bool {
	return m.Kind.IsEmergency()
}

// ExpectsAck reports whether the target should reply with an Ack frame,
// per spec.md §4.6 "Acks".
func (m *Message) ExpectsAck() bool {
	return m.TargetDeviceID != "" && m.Kind.expectsAck()
}

// Clone returns a deep copy sufficient for independent mutation of TTL and
// RoutePath by concurrent relay paths (mirrors msg.Clone in the teacher,
// which exists because the same logical message may be sent down several
// peer mailboxes that each track their own sequence number; here every
// relay of a broadcast mutates its own copy of route/ttl).
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = append([]byte(nil), m.Payload...)
	}
	if m.RoutePath != nil {
		clone.RoutePath = append([]string(nil), m.RoutePath...)
	}
	return &clone
}

// String gives a short debug representation.
func (m *Message) String() string {
	return fmt.Sprintf("%s[%s] from=%s target=%s ttl=%d route=%v",
		m.Kind, m.MessageID, m.SenderDeviceID, m.TargetDeviceID, m.TTL, m.RoutePath)
}

// Now stamps TimestampMs from the supplied clock-producing func, so
// callers can inject a fake clock in tests instead of calling time.Now
// directly (mirrors the clockwork injection used elsewhere in this repo).
func Now(now func() time.Time) int64 {
	return now().UnixMilli()
}

// Encode marshals m as a single JSON line (no trailing newline).
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// MaxFrameExceeded is returned by Decode when a line is larger than the
// caller's configured MAX_FRAME, per spec.md §4.2.
type MaxFrameExceeded struct {
	Size, Max int
}

func (e *MaxFrameExceeded) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds MAX_FRAME %d", e.Size, e.Max)
}

// Decode parses a single JSON line into a Message. Unknown top-level
// fields are ignored by encoding/json by default, satisfying spec.md §6's
// forward-compatibility requirement.
func Decode(line []byte, maxFrame int) (*Message, error) {
	if len(line) > maxFrame {
		return nil, &MaxFrameExceeded{Size: len(line), Max: maxFrame}
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("meshwire: decode: %w", err)
	}
	return &m, nil
}

// NewScanner returns a bufio.Scanner configured to split on LF and accept
// lines up to maxFrame bytes, the reader side of spec.md §4.2's framing.
func NewScanner(r interface{ Read([]byte) (int, error) }, maxFrame int) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrame+1)
	return sc
}
