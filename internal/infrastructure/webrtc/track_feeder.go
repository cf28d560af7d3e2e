package webrtc

import (
	"fmt"
	"sync/atomic"
	"time"

	webrtc "github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
)

const defaultFrameDuration = 33 * time.Millisecond

// TrackFeeder bridges the pipeline output onto a WebRTC video track.
// Frames written through the sink become media samples on the track
// injected into every outbound relay session. Until a session binds
// the track, writes are discarded by the track itself.
type TrackFeeder struct {
	track  *webrtc.TrackLocalStaticSample
	logger *zap.SugaredLogger

	written uint64
	failed  uint64
}

func NewTrackFeeder(mimeType string, logger *zap.SugaredLogger) (*TrackFeeder, error) {
	if mimeType == "" {
		mimeType = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		"camrelay-video",
		"camrelay",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output track: %w", err)
	}
	return &TrackFeeder{track: track, logger: logger}, nil
}

// Track returns the local track to inject into relay sessions.
func (f *TrackFeeder) Track() webrtc.TrackLocal {
	return f.track
}

// WriteFrame pushes one signed frame onto the output track.
func (f *TrackFeeder) WriteFrame(frame *domain.Frame, sig *domain.FrameSignature) error {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}

	duration := frame.Duration
	if duration <= 0 {
		duration = defaultFrameDuration
	}

	sample := media.Sample{
		Data:      frame.Data,
		Timestamp: frame.Timestamp,
		Duration:  duration,
	}
	if err := f.track.WriteSample(sample); err != nil {
		atomic.AddUint64(&f.failed, 1)
		return fmt.Errorf("failed to write sample: %w", err)
	}

	written := atomic.AddUint64(&f.written, 1)
	if written%300 == 0 {
		var keyID domain.KeyID
		if sig != nil {
			keyID = sig.KeyID
		}
		f.logger.Debugw("fed frames to output track",
			"frames", written,
			"source_id", frame.SourceID,
			"key_id", keyID,
		)
	}
	return nil
}

// Stats returns counts of samples written and failed writes.
func (f *TrackFeeder) Stats() (written, failed uint64) {
	return atomic.LoadUint64(&f.written), atomic.LoadUint64(&f.failed)
}
