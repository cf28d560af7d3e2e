package domain

import "time"

type DeviceID string

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
)

// Device is a remote companion discovered through manual pairing.
type Device struct {
	ID           DeviceID
	Name         string
	Address      string
	Port         int
	State        ConnectionState
	Capabilities DeviceCapabilities
	PairedAt     time.Time
	LastSeen     time.Time
	LatencyMs    float64
}

type DeviceCapabilities struct {
	SupportedCodecs []string
	MaxWidth        int
	MaxHeight       int
	MaxFPS          int
	CanRelay        bool
}

// PairingInfo is the payload encoded for out-of-band exchange (e.g. QR code).
type PairingInfo struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	DeviceID  string `json:"deviceId"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Timestamp int64  `json:"timestamp"`
}

// PairingInfoType identifies a pairing payload on the wire.
const PairingInfoType = "advanced_relay_pairing"

// PairingVersion is the current pairing payload version.
const PairingVersion = 1
