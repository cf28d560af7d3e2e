package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/ringbuf"
	"camrelay/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// ValidatorConfig tunes frame signing and tamper accounting.
type ValidatorConfig struct {
	MasterSecret        string
	KeyRotationInterval time.Duration
	SequenceValidation  bool
	SequenceTolerance   uint64
	TimestampValidation bool
	MaxTimestampSkew    time.Duration
	TrustedOrigins      []string
	BlockThreshold      int
	BlockWindow         time.Duration
	TamperHistorySize   int
	DigestSamples       int
	DigestSampleSize    int
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		KeyRotationInterval: 5 * time.Minute,
		SequenceValidation:  true,
		SequenceTolerance:   10,
		TimestampValidation: true,
		MaxTimestampSkew:    30 * time.Second,
		TrustedOrigins:      []string{"localhost", "127.0.0.1"},
		BlockThreshold:      3,
		BlockWindow:         60 * time.Second,
		TamperHistorySize:   100,
		DigestSamples:       64,
		DigestSampleSize:    16,
	}
}

// hkdfPurpose namespaces derived keys so the master secret is never used raw.
const hkdfPurpose = "frame-signing"

type validatorService struct {
	cfg     ValidatorConfig
	metrics *MetricsService
	logger  *zap.SugaredLogger

	mu         sync.RWMutex
	keys       map[domain.KeyID]*domain.SigningKey
	currentKey domain.KeyID
	watermarks map[domain.SourceID]uint64
	nextFrame  map[domain.SourceID]uint64
	tamper     *ringbuf.Ring[domain.TamperEvent]
	signed     uint64
	validated  uint64
	rejected   uint64

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewValidatorService(
	cfg ValidatorConfig,
	metrics *MetricsService,
	logger *zap.SugaredLogger,
) (ports.ValidatorService, error) {
	s := &validatorService{
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		keys:       make(map[domain.KeyID]*domain.SigningKey),
		watermarks: make(map[domain.SourceID]uint64),
		nextFrame:  make(map[domain.SourceID]uint64),
		tamper:     ringbuf.New[domain.TamperEvent](cfg.TamperHistorySize),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateLocked(); err != nil {
		return nil, fmt.Errorf("failed to generate initial signing key: %w", err)
	}
	return s, nil
}

// rotateLocked derives a fresh key and retires expired generations. The
// immediately prior key stays valid until its own expiry so in-flight frames
// signed just before rotation still validate.
func (s *validatorService) rotateLocked() error {
	id := domain.KeyID(utils.GenerateKeyID())
	secret, err := s.deriveSecret(id)
	if err != nil {
		return err
	}

	now := utils.Now()
	s.keys[id] = &domain.SigningKey{
		ID:        id,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(2 * s.cfg.KeyRotationInterval),
	}
	s.currentKey = id

	for kid, key := range s.keys {
		if kid != id && key.Expired(now) {
			delete(s.keys, kid)
		}
	}
	return nil
}

// deriveSecret expands the master secret with HKDF-SHA256, bound to the key
// identity. Without a master secret a random key is drawn instead.
func (s *validatorService) deriveSecret(id domain.KeyID) ([]byte, error) {
	secret := make([]byte, 32)
	if s.cfg.MasterSecret == "" {
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		return secret, nil
	}

	info := []byte(hkdfPurpose + ":" + string(id))
	r := hkdf.New(sha256.New, []byte(s.cfg.MasterSecret), nil, info)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (s *validatorService) SignFrame(ctx context.Context, sourceID domain.SourceID, frame []byte) (*domain.FrameSignature, error) {
	if len(frame) == 0 {
		return nil, errors.New("cannot sign empty frame")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[s.currentKey]
	if !ok {
		return nil, errors.New("no signing key available")
	}

	frameID := s.nextFrame[sourceID] + 1
	s.nextFrame[sourceID] = frameID

	ts := utils.Now().UnixMilli()
	digest := s.sampleDigest(frame)
	sig := s.computeHMAC(key.Secret, frameID, ts, sourceID, digest)

	s.signed++
	s.metrics.RecordFrameSigned()

	return &domain.FrameSignature{
		FrameID:   frameID,
		SourceID:  sourceID,
		KeyID:     key.ID,
		Timestamp: ts,
		Digest:    digest,
		Signature: sig,
	}, nil
}

// ValidateFrame checks a frame's signature. Checks run in a fixed order and
// the first failure wins: key, sequence, timestamp, signature.
func (s *validatorService) ValidateFrame(ctx context.Context, frame []byte, sig *domain.FrameSignature) error {
	if sig == nil {
		return errors.New("missing signature")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[sig.KeyID]
	if !ok {
		return s.rejectLocked(sig, domain.ReasonUnknownKey, domain.SeverityHigh)
	}
	now := utils.Now()
	if key.Expired(now) {
		return s.rejectLocked(sig, domain.ReasonKeyExpired, domain.SeverityMedium)
	}

	if s.cfg.SequenceValidation {
		if last, seen := s.watermarks[sig.SourceID]; seen {
			if sig.FrameID < last && last-sig.FrameID > s.cfg.SequenceTolerance {
				return s.rejectLocked(sig, domain.ReasonSequenceViolation, domain.SeverityHigh)
			}
		}
	}

	if s.cfg.TimestampValidation {
		skew := now.UnixMilli() - sig.Timestamp
		if skew < 0 {
			skew = -skew
		}
		if time.Duration(skew)*time.Millisecond > s.cfg.MaxTimestampSkew {
			return s.rejectLocked(sig, domain.ReasonTimestampSkew, domain.SeverityMedium)
		}
	}

	digest := s.sampleDigest(frame)
	expected := s.computeHMAC(key.Secret, sig.FrameID, sig.Timestamp, sig.SourceID, digest)
	if !hmac.Equal([]byte(expected), []byte(sig.Signature)) {
		return s.rejectLocked(sig, domain.ReasonSignatureMismatch, domain.SeverityCritical)
	}

	if sig.FrameID > s.watermarks[sig.SourceID] {
		s.watermarks[sig.SourceID] = sig.FrameID
	}
	s.validated++
	s.metrics.RecordFrameValidated()
	return nil
}

func (s *validatorService) rejectLocked(sig *domain.FrameSignature, reason string, severity domain.TamperSeverity) error {
	event := domain.TamperEvent{
		ID:         utils.GenerateEventID(),
		SourceID:   sig.SourceID,
		FrameID:    sig.FrameID,
		Reason:     reason,
		Severity:   severity,
		DetectedAt: utils.Now(),
	}
	s.tamper.Push(event)
	s.rejected++
	s.metrics.RecordFrameRejected(reason)
	s.metrics.RecordTamperEvent(severity)

	s.logger.Warnw("frame rejected",
		"source_id", sig.SourceID,
		"frame_id", sig.FrameID,
		"reason", reason,
		"severity", severity,
	)
	return errors.New(reason)
}

// ValidateOrigin allows exact matches and subdomains of trusted origins.
func (s *validatorService) ValidateOrigin(origin string) bool {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		return false
	}
	for _, trusted := range s.cfg.TrustedOrigins {
		trusted = strings.ToLower(trusted)
		if origin == trusted || strings.HasSuffix(origin, "."+trusted) {
			return true
		}
	}
	return false
}

// ShouldBlockStream reports whether enough high-severity tamper events landed
// inside the trailing window to halt output.
func (s *validatorService) ShouldBlockStream() bool {
	s.mu.RLock()
	blocked := s.blockedLocked()
	s.mu.RUnlock()

	s.metrics.SetStreamBlocked(blocked)
	return blocked
}

func (s *validatorService) blockedLocked() bool {
	cutoff := utils.Now().Add(-s.cfg.BlockWindow)
	count := 0
	s.tamper.Do(func(e domain.TamperEvent) {
		if e.DetectedAt.Before(cutoff) {
			return
		}
		if e.Severity == domain.SeverityHigh || e.Severity == domain.SeverityCritical {
			count++
		}
	})
	return count >= s.cfg.BlockThreshold
}

func (s *validatorService) TamperEvents(ctx context.Context) []domain.TamperEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tamper.Values()
}

func (s *validatorService) Metrics(ctx context.Context) domain.ValidatorMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ValidatorMetrics{
		SignedFrames:    s.signed,
		ValidatedFrames: s.validated,
		RejectedFrames:  s.rejected,
		TamperEvents:    s.tamper.Len(),
		ActiveKeys:      len(s.keys),
		Blocked:         s.blockedLocked(),
		Timestamp:       utils.Now(),
	}
}

func (s *validatorService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("validator already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

func (s *validatorService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *validatorService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.KeyRotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if err := s.rotateLocked(); err != nil {
				s.logger.Errorw("key rotation failed", "error", err)
			} else {
				s.logger.Infow("signing key rotated", "key_id", s.currentKey, "active_keys", len(s.keys))
			}
			s.mu.Unlock()
		}
	}
}

// sampleDigest hashes a bounded strided sample of the frame instead of the
// whole buffer. Small frames are hashed in full.
func (s *validatorService) sampleDigest(frame []byte) string {
	h := sha256.New()

	total := s.cfg.DigestSamples * s.cfg.DigestSampleSize
	if len(frame) <= total || s.cfg.DigestSamples <= 0 {
		h.Write(frame)
		return hex.EncodeToString(h.Sum(nil))
	}

	stride := len(frame) / s.cfg.DigestSamples
	for i := 0; i < s.cfg.DigestSamples; i++ {
		start := i * stride
		end := start + s.cfg.DigestSampleSize
		if end > len(frame) {
			end = len(frame)
		}
		h.Write(frame[start:end])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *validatorService) computeHMAC(secret []byte, frameID uint64, ts int64, sourceID domain.SourceID, digest string) string {
	msg := fmt.Sprintf("%d:%d:%s:%s", frameID, ts, sourceID, digest)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
