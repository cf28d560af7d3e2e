package signal

import (
	"encoding/json"
	"time"
)

// Message types carried over the pairing channel.
const (
	TypeCapabilities = "capabilities"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeBye          = "bye"
)

// Envelope is one message on the pairing channel. To is empty for
// messages addressed to whoever holds the other end of the socket.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope stamps an outbound message.
func NewEnvelope(msgType, from, to string, payload json.RawMessage) Envelope {
	return Envelope{
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ForeignTo reports whether the envelope should be discarded by the
// receiver with the given local identity: either it looped back from
// ourselves or it is addressed to somebody else.
func (e Envelope) ForeignTo(localID string) bool {
	if e.From == localID {
		return true
	}
	return e.To != "" && e.To != localID
}

// CapabilitiesPayload announces what a device can stream.
type CapabilitiesPayload struct {
	DeviceName string   `json:"device_name"`
	Codecs     []string `json:"codecs"`
	MaxBitrate int      `json:"max_bitrate"`
}

// SDPPayload carries an offer or answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// PingPayload is echoed back verbatim in the matching pong.
type PingPayload struct {
	Nonce uint64 `json:"nonce"`
}
