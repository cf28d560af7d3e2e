package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateSourceID generates a unique video source ID
func GenerateSourceID() string {
	return GenerateID("source")
}

// GenerateDeviceID generates a unique peer device ID
func GenerateDeviceID() string {
	return GenerateID("device")
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateKeyID generates a unique signing key ID
func GenerateKeyID() string {
	return GenerateID("key")
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return GenerateID("event")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
