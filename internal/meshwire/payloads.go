package meshwire

import "encoding/json"

// RosterEntry is one element of a Roster frame's payload, per spec.md §4.4.
type RosterEntry struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
}

// RosterPayload is the decoded form of a Roster frame's Payload field.
type RosterPayload struct {
	Entries []RosterEntry `json:"entries"`
}

// EncodeRoster packs entries into m.Payload.
func EncodeRoster(entries []RosterEntry) ([]byte, error) {
	return json.Marshal(RosterPayload{Entries: entries})
}

// DecodeRoster unpacks a Roster frame's Payload field.
func DecodeRoster(payload []byte) ([]RosterEntry, error) {
	var p RosterPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return p.Entries, nil
}

// HandshakePayload carries the fields spec.md §4.3 lists for Handshake and
// HandshakeAck frames beyond the envelope's device_id/user_name: the
// platform device-name string and the protocol version.
type HandshakePayload struct {
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Mac             string `json:"mac,omitempty"`
}

// EncodeHandshake packs the handshake-specific fields into a Payload.
func EncodeHandshake(p HandshakePayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeHandshake unpacks a Handshake/HandshakeAck frame's Payload field.
func DecodeHandshake(payload []byte) (HandshakePayload, error) {
	var p HandshakePayload
	if len(payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(payload, &p)
	return p, err
}

// AckPayload references the message_id being acknowledged, per spec.md
// §4.6 "Acks".
type AckPayload struct {
	AckMessageID string `json:"ack_message_id"`
}

func EncodeAck(messageID string) ([]byte, error) {
	return json.Marshal(AckPayload{AckMessageID: messageID})
}

func DecodeAck(payload []byte) (AckPayload, error) {
	var p AckPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// PingPayload/PongPayload carry the sequence number used to compute RTT,
// per spec.md §4.7.
type PingPayload struct {
	Sequence uint64 `json:"sequence"`
}

func EncodePing(seq uint64) ([]byte, error) {
	return json.Marshal(PingPayload{Sequence: seq})
}

func DecodePing(payload []byte) (PingPayload, error) {
	var p PingPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}
