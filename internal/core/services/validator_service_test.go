package services

import (
	"context"
	"testing"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/pkg/utils"

	"go.uber.org/zap/zaptest"
)

func newTestValidator(t *testing.T, mutate func(*ValidatorConfig)) *validatorService {
	t.Helper()

	cfg := DefaultValidatorConfig()
	cfg.MasterSecret = "test-master-secret"
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewValidatorService(cfg, NewMetricsService(), zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("NewValidatorService() error = %v", err)
	}
	return svc.(*validatorService)
}

func testFrame(size int) []byte {
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = byte(i % 251)
	}
	return frame
}

func TestValidator_SignAndValidate(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(4096)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	if sig.FrameID != 1 {
		t.Errorf("first FrameID = %d, want 1", sig.FrameID)
	}
	if sig.Signature == "" || sig.Digest == "" {
		t.Error("signature fields not populated")
	}

	if err := v.ValidateFrame(ctx, frame, sig); err != nil {
		t.Errorf("ValidateFrame() error = %v, want nil", err)
	}

	m := v.Metrics(ctx)
	if m.SignedFrames != 1 || m.ValidatedFrames != 1 || m.RejectedFrames != 0 {
		t.Errorf("metrics = %+v, want 1 signed, 1 validated, 0 rejected", m)
	}
}

func TestValidator_SignEmptyFrame(t *testing.T) {
	v := newTestValidator(t, nil)

	if _, err := v.SignFrame(context.Background(), "source_a", nil); err == nil {
		t.Error("SignFrame(empty) error = nil, want error")
	}
}

func TestValidator_FrameIDsIncrementPerSource(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(512)

	for want := uint64(1); want <= 3; want++ {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		if sig.FrameID != want {
			t.Errorf("source_a FrameID = %d, want %d", sig.FrameID, want)
		}
	}

	sig, err := v.SignFrame(ctx, "source_b", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	if sig.FrameID != 1 {
		t.Errorf("source_b FrameID = %d, want 1", sig.FrameID)
	}
}

func TestValidator_TamperedFrameRejected(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(4096)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}

	tampered := make([]byte, len(frame))
	copy(tampered, frame)
	tampered[0] ^= 0xFF

	err = v.ValidateFrame(ctx, tampered, sig)
	if err == nil || err.Error() != domain.ReasonSignatureMismatch {
		t.Errorf("ValidateFrame(tampered) error = %v, want %q", err, domain.ReasonSignatureMismatch)
	}

	events := v.TamperEvents(ctx)
	if len(events) != 1 {
		t.Fatalf("TamperEvents() len = %d, want 1", len(events))
	}
	if events[0].Reason != domain.ReasonSignatureMismatch {
		t.Errorf("event reason = %q, want %q", events[0].Reason, domain.ReasonSignatureMismatch)
	}
	if events[0].Severity != domain.SeverityCritical {
		t.Errorf("event severity = %q, want %q", events[0].Severity, domain.SeverityCritical)
	}
}

func TestValidator_LargeFrameSampledDigest(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1 << 20)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	if err := v.ValidateFrame(ctx, frame, sig); err != nil {
		t.Errorf("ValidateFrame() error = %v, want nil", err)
	}

	// Byte 0 always falls inside the first sampled stride.
	frame[0] ^= 0xFF
	sig2, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	if sig2.Digest == sig.Digest {
		t.Error("digest unchanged after mutating a sampled byte")
	}
}

func TestValidator_UnknownKeyRejected(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	sig.KeyID = "key_bogus"

	err = v.ValidateFrame(ctx, frame, sig)
	if err == nil || err.Error() != domain.ReasonUnknownKey {
		t.Errorf("ValidateFrame() error = %v, want %q", err, domain.ReasonUnknownKey)
	}
}

func TestValidator_ExpiredKeyRejected(t *testing.T) {
	base := time.Now()
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}

	// Keys live for twice the rotation interval.
	utils.Now = func() time.Time { return base.Add(11 * time.Minute) }

	err = v.ValidateFrame(ctx, frame, sig)
	if err == nil || err.Error() != domain.ReasonKeyExpired {
		t.Errorf("ValidateFrame() error = %v, want %q", err, domain.ReasonKeyExpired)
	}
}

func TestValidator_KeyValidWithinGracePeriod(t *testing.T) {
	base := time.Now()
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	v := newTestValidator(t, func(cfg *ValidatorConfig) {
		cfg.TimestampValidation = false
	})
	ctx := context.Background()
	frame := testFrame(1024)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}

	// Past one rotation interval but inside the 2x expiry window.
	utils.Now = func() time.Time { return base.Add(7 * time.Minute) }

	if err := v.ValidateFrame(ctx, frame, sig); err != nil {
		t.Errorf("ValidateFrame() within grace period error = %v, want nil", err)
	}
}

func TestValidator_RotationKeepsPreviousKey(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}
	oldKey := sig.KeyID

	v.mu.Lock()
	if err := v.rotateLocked(); err != nil {
		v.mu.Unlock()
		t.Fatalf("rotateLocked() error = %v", err)
	}
	newKey := v.currentKey
	v.mu.Unlock()

	if newKey == oldKey {
		t.Fatal("rotation did not change the current key")
	}
	if err := v.ValidateFrame(ctx, frame, sig); err != nil {
		t.Errorf("ValidateFrame() with previous key error = %v, want nil", err)
	}

	m := v.Metrics(ctx)
	if m.ActiveKeys != 2 {
		t.Errorf("ActiveKeys = %d, want 2", m.ActiveKeys)
	}
}

func TestValidator_SequenceViolation(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	var sigs []*domain.FrameSignature
	for i := 0; i < 20; i++ {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		sigs = append(sigs, sig)
		if err := v.ValidateFrame(ctx, frame, sig); err != nil {
			t.Fatalf("ValidateFrame(frame %d) error = %v", i+1, err)
		}
	}

	// Frame 5 is 15 behind the watermark of 20, past the tolerance of 10.
	err := v.ValidateFrame(ctx, frame, sigs[4])
	if err == nil || err.Error() != domain.ReasonSequenceViolation {
		t.Errorf("ValidateFrame(frame 5) error = %v, want %q", err, domain.ReasonSequenceViolation)
	}

	// Frame 12 is only 8 behind, inside the tolerance.
	if err := v.ValidateFrame(ctx, frame, sigs[11]); err != nil {
		t.Errorf("ValidateFrame(frame 12) error = %v, want nil", err)
	}
}

func TestValidator_SequenceValidationDisabled(t *testing.T) {
	v := newTestValidator(t, func(cfg *ValidatorConfig) {
		cfg.SequenceValidation = false
	})
	ctx := context.Background()
	frame := testFrame(1024)

	var sigs []*domain.FrameSignature
	for i := 0; i < 20; i++ {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		sigs = append(sigs, sig)
		if err := v.ValidateFrame(ctx, frame, sig); err != nil {
			t.Fatalf("ValidateFrame(frame %d) error = %v", i+1, err)
		}
	}

	if err := v.ValidateFrame(ctx, frame, sigs[0]); err != nil {
		t.Errorf("ValidateFrame(stale frame) error = %v, want nil", err)
	}
}

func TestValidator_TimestampSkewRejected(t *testing.T) {
	base := time.Now()
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	sig, err := v.SignFrame(ctx, "source_a", frame)
	if err != nil {
		t.Fatalf("SignFrame() error = %v", err)
	}

	// 60s past signing, beyond the 30s skew bound but well before key expiry.
	utils.Now = func() time.Time { return base.Add(time.Minute) }

	err = v.ValidateFrame(ctx, frame, sig)
	if err == nil || err.Error() != domain.ReasonTimestampSkew {
		t.Errorf("ValidateFrame() error = %v, want %q", err, domain.ReasonTimestampSkew)
	}
}

func TestValidator_ShouldBlockStream(t *testing.T) {
	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	reject := func() {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		tampered := make([]byte, len(frame))
		copy(tampered, frame)
		tampered[0] ^= 0xFF
		if err := v.ValidateFrame(ctx, tampered, sig); err == nil {
			t.Fatal("expected tampered frame to be rejected")
		}
	}

	reject()
	reject()
	if v.ShouldBlockStream() {
		t.Error("ShouldBlockStream() = true after 2 events, want false")
	}

	reject()
	if !v.ShouldBlockStream() {
		t.Error("ShouldBlockStream() = false after 3 events, want true")
	}
}

func TestValidator_BlockWindowExpires(t *testing.T) {
	base := time.Now()
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	for i := 0; i < 3; i++ {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		tampered := make([]byte, len(frame))
		copy(tampered, frame)
		tampered[0] ^= 0xFF
		if err := v.ValidateFrame(ctx, tampered, sig); err == nil {
			t.Fatal("expected tampered frame to be rejected")
		}
	}

	if !v.ShouldBlockStream() {
		t.Fatal("ShouldBlockStream() = false inside window, want true")
	}

	utils.Now = func() time.Time { return base.Add(2 * time.Minute) }

	if v.ShouldBlockStream() {
		t.Error("ShouldBlockStream() = true after window expired, want false")
	}
}

func TestValidator_LowSeverityDoesNotBlock(t *testing.T) {
	base := time.Now()
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	v := newTestValidator(t, nil)
	ctx := context.Background()
	frame := testFrame(1024)

	var sigs []*domain.FrameSignature
	for i := 0; i < 3; i++ {
		sig, err := v.SignFrame(ctx, "source_a", frame)
		if err != nil {
			t.Fatalf("SignFrame() error = %v", err)
		}
		sigs = append(sigs, sig)
	}

	// Timestamp skew rejections carry medium severity.
	utils.Now = func() time.Time { return base.Add(time.Minute) }
	for _, sig := range sigs {
		if err := v.ValidateFrame(ctx, frame, sig); err == nil {
			t.Fatal("expected skewed frame to be rejected")
		}
	}

	if v.ShouldBlockStream() {
		t.Error("ShouldBlockStream() = true from medium severity events, want false")
	}
}

func TestValidator_ValidateOrigin(t *testing.T) {
	v := newTestValidator(t, func(cfg *ValidatorConfig) {
		cfg.TrustedOrigins = []string{"localhost", "example.com"}
	})

	tests := []struct {
		origin string
		want   bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"example.com", true},
		{"app.example.com", true},
		{"deep.sub.example.com", true},
		{"evil.com", false},
		{"notexample.com", false},
		{"example.com.evil.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := v.ValidateOrigin(tt.origin); got != tt.want {
			t.Errorf("ValidateOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestValidator_DeterministicDerivation(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.MasterSecret = "shared-secret"

	a := newTestValidator(t, func(c *ValidatorConfig) { *c = cfg })
	b := newTestValidator(t, func(c *ValidatorConfig) { *c = cfg })

	sa, err := a.deriveSecret("key_fixed")
	if err != nil {
		t.Fatalf("deriveSecret() error = %v", err)
	}
	sb, err := b.deriveSecret("key_fixed")
	if err != nil {
		t.Fatalf("deriveSecret() error = %v", err)
	}

	if string(sa) != string(sb) {
		t.Error("same master secret and key ID derived different secrets")
	}
	if len(sa) != 32 {
		t.Errorf("derived secret length = %d, want 32", len(sa))
	}
}

func TestValidator_StartStop(t *testing.T) {
	v := newTestValidator(t, nil)

	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := v.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}

	v.Stop()
	v.Stop() // stopping twice is a no-op
}
