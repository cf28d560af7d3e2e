package domain

import "time"

type KeyID string

// SigningKey is one generation of the rotating frame-signing key.
type SigningKey struct {
	ID        KeyID
	Secret    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the key is past its expiry at the given time.
func (k *SigningKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// FrameSignature is the verifiable stamp attached to one outgoing frame.
type FrameSignature struct {
	FrameID   uint64
	SourceID  SourceID
	KeyID     KeyID
	Timestamp int64 // unix milliseconds
	Digest    string
	Signature string
}

type TamperSeverity string

const (
	SeverityLow      TamperSeverity = "low"
	SeverityMedium   TamperSeverity = "medium"
	SeverityHigh     TamperSeverity = "high"
	SeverityCritical TamperSeverity = "critical"
)

// TamperEvent records one rejected frame validation.
type TamperEvent struct {
	ID         string
	SourceID   SourceID
	FrameID    uint64
	Reason     string
	Severity   TamperSeverity
	DetectedAt time.Time
}

// Rejection reasons reported by frame validation.
const (
	ReasonUnknownKey        = "Unknown key"
	ReasonKeyExpired        = "Key expired"
	ReasonSequenceViolation = "Sequence violation"
	ReasonTimestampSkew     = "Timestamp skew"
	ReasonSignatureMismatch = "Signature mismatch"
)
