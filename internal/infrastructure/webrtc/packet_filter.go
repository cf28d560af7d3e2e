package webrtc

import (
	"strings"
	"sync"

	webrtc "github.com/pion/webrtc/v3"
)

// PacketClass ranks inbound packets for forwarding decisions.
type PacketClass int

const (
	// ClassDisposable frames are never referenced by later frames and
	// can be dropped without breaking the decode chain.
	ClassDisposable PacketClass = iota
	ClassDelta
	ClassAudio
	ClassKeyframe
)

// Load tiers for the bridge forwarder. Below the low watermark every
// packet crosses; between the watermarks disposable frames are shed;
// above the high watermark only audio and keyframes cross.
const (
	loadLowWatermark  = 0.7
	loadHighWatermark = 0.9
)

// PacketFilter decides which inbound packets are worth forwarding
// across a loaded device link. Once a reference frame is dropped the
// filter keeps dropping video until the next keyframe so the remote
// decoder never sees a broken reference chain.
type PacketFilter struct {
	mu            sync.Mutex
	waitingForKey bool
	forwarded     uint64
	dropped       uint64
}

func NewPacketFilter() *PacketFilter {
	return &PacketFilter{}
}

// ShouldForward reports whether a packet crosses the bridge at the
// given load ratio (0..1).
func (f *PacketFilter) ShouldForward(class PacketClass, load float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch class {
	case ClassAudio:
		f.forwarded++
		return true
	case ClassKeyframe:
		f.waitingForKey = false
		f.forwarded++
		return true
	}

	drop := false
	switch {
	case f.waitingForKey:
		drop = true
	case load >= loadHighWatermark:
		if class == ClassDelta {
			f.waitingForKey = true
		}
		drop = true
	case load >= loadLowWatermark:
		drop = class == ClassDisposable
	}

	if drop {
		f.dropped++
		return false
	}
	f.forwarded++
	return true
}

// NeedsKeyframe reports whether the filter is holding video back until
// a new keyframe arrives. The forwarder uses this to decide when to ask
// the sender for one.
func (f *PacketFilter) NeedsKeyframe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitingForKey
}

// Stats returns forwarded and dropped packet counts.
func (f *PacketFilter) Stats() (forwarded, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded, f.dropped
}

// Classify maps an inbound video payload to its forwarding class.
func Classify(mimeType string, payload []byte) PacketClass {
	if IsKeyframe(mimeType, payload) {
		return ClassKeyframe
	}
	if strings.EqualFold(mimeType, webrtc.MimeTypeVP8) && len(payload) > 0 && payload[0]&0x20 != 0 {
		return ClassDisposable
	}
	return ClassDelta
}

// IsKeyframe reports whether an RTP payload begins a keyframe for the
// given codec.
func IsKeyframe(mimeType string, payload []byte) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	}
	return false
}

// isVP8Keyframe walks the RFC 7741 payload descriptor and checks the P
// bit of the frame header. Only partition starts can begin a keyframe.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	if payload[0]&0x10 == 0 {
		return false
	}
	idx := 1
	if payload[0]&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		idx++
		if ext&0x80 != 0 {
			if idx >= len(payload) {
				return false
			}
			if payload[idx]&0x80 != 0 {
				idx++
			}
			idx++
		}
		if ext&0x40 != 0 {
			idx++
		}
		if ext&0x30 != 0 {
			idx++
		}
	}
	if idx >= len(payload) {
		return false
	}
	return payload[idx]&0x01 == 0
}

// isH264Keyframe looks for an IDR NAL unit, directly or inside STAP-A
// and FU-A packetizations.
func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch payload[0] & 0x1F {
	case 5:
		return true
	case 24:
		i := 1
		for i+2 < len(payload) {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if payload[i]&0x1F == 5 {
				return true
			}
			i += size
		}
		return false
	case 28:
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1F == 5
	}
	return false
}
