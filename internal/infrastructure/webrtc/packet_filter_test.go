package webrtc

import (
	"testing"

	webrtc "github.com/pion/webrtc/v3"
)

func TestIsKeyframeVP8(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"keyframe plain descriptor", []byte{0x10, 0x00}, true},
		{"delta plain descriptor", []byte{0x10, 0x01}, false},
		{"keyframe with picture id", []byte{0x90, 0x80, 0x11, 0x00}, true},
		{"keyframe with long picture id", []byte{0x90, 0x80, 0x81, 0x23, 0x00}, true},
		{"not a partition start", []byte{0x00, 0x00}, false},
		{"truncated", []byte{0x90}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKeyframe(webrtc.MimeTypeVP8, tt.payload); got != tt.want {
				t.Errorf("IsKeyframe(% x) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestIsKeyframeH264(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"idr nal", []byte{0x65, 0x88}, true},
		{"non-idr slice", []byte{0x41, 0x9A}, false},
		{"fu-a start of idr", []byte{0x7C, 0x85}, true},
		{"fu-a continuation of idr", []byte{0x7C, 0x05}, false},
		{"stap-a carrying idr", []byte{0x78, 0x00, 0x02, 0x65, 0xAA}, true},
		{"stap-a without idr", []byte{0x78, 0x00, 0x02, 0x41, 0xAA}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKeyframe(webrtc.MimeTypeH264, tt.payload); got != tt.want {
				t.Errorf("IsKeyframe(% x) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestIsKeyframeUnknownCodec(t *testing.T) {
	if IsKeyframe("audio/opus", []byte{0x10, 0x00}) {
		t.Error("audio payload reported as keyframe")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		mime    string
		payload []byte
		want    PacketClass
	}{
		{"vp8 keyframe", webrtc.MimeTypeVP8, []byte{0x10, 0x00}, ClassKeyframe},
		{"vp8 reference delta", webrtc.MimeTypeVP8, []byte{0x10, 0x01}, ClassDelta},
		{"vp8 non-reference delta", webrtc.MimeTypeVP8, []byte{0x30, 0x01}, ClassDisposable},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65}, ClassKeyframe},
		{"h264 slice", webrtc.MimeTypeH264, []byte{0x41}, ClassDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.mime, tt.payload); got != tt.want {
				t.Errorf("Classify = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestShouldForwardLowLoad(t *testing.T) {
	f := NewPacketFilter()

	for _, class := range []PacketClass{ClassDisposable, ClassDelta, ClassAudio, ClassKeyframe} {
		if !f.ShouldForward(class, 0.2) {
			t.Errorf("class %d dropped at low load", class)
		}
	}
	if forwarded, dropped := f.Stats(); forwarded != 4 || dropped != 0 {
		t.Errorf("stats = %d/%d, want 4/0", forwarded, dropped)
	}
}

func TestShouldForwardShedsDisposableAtMidLoad(t *testing.T) {
	f := NewPacketFilter()

	if f.ShouldForward(ClassDisposable, 0.8) {
		t.Error("disposable frame forwarded at mid load")
	}
	if !f.ShouldForward(ClassDelta, 0.8) {
		t.Error("reference delta dropped at mid load")
	}
	if f.NeedsKeyframe() {
		t.Error("mid load shedding must not interrupt the reference chain")
	}
}

func TestShouldForwardHoldsChainAtHighLoad(t *testing.T) {
	f := NewPacketFilter()

	if f.ShouldForward(ClassDelta, 0.95) {
		t.Error("reference delta forwarded at high load")
	}
	if !f.NeedsKeyframe() {
		t.Error("dropped reference frame must request a keyframe")
	}
	if f.ShouldForward(ClassDelta, 0.1) {
		t.Error("delta forwarded while waiting for a keyframe")
	}
	if !f.ShouldForward(ClassAudio, 0.95) {
		t.Error("audio dropped at high load")
	}
	if !f.ShouldForward(ClassKeyframe, 0.95) {
		t.Error("keyframe dropped at high load")
	}
	if f.NeedsKeyframe() {
		t.Error("keyframe did not clear the hold")
	}
	if !f.ShouldForward(ClassDelta, 0.1) {
		t.Error("delta dropped after the chain recovered")
	}
}

func TestShouldForwardDisposableDropDoesNotHoldChain(t *testing.T) {
	f := NewPacketFilter()

	if f.ShouldForward(ClassDisposable, 0.95) {
		t.Error("disposable frame forwarded at high load")
	}
	if f.NeedsKeyframe() {
		t.Error("disposable drop must not interrupt the reference chain")
	}
	if !f.ShouldForward(ClassDelta, 0.2) {
		t.Error("delta dropped although the chain is intact")
	}
}
