package services

import (
	"context"
	"fmt"

	"camrelay/internal/core/domain"

	"go.uber.org/zap"
)

// FallbackService decides when the pipeline should give up on real sources
// and inject a generated one.
type FallbackService struct {
	enabled    bool
	width      int
	height     int
	fps        int
	thresholds FallbackThresholds
	logger     *zap.SugaredLogger
}

// FallbackThresholds defines when a source is too degraded to keep.
type FallbackThresholds struct {
	MinFPS          float64 // minimum rolling FPS before fallback
	MinBufferHealth float64 // minimum readahead ratio for file sources
	MinSuccessRate  float64 // minimum delivery success rate
}

// DefaultFallbackThresholds returns default fallback thresholds
func DefaultFallbackThresholds() FallbackThresholds {
	return FallbackThresholds{
		MinFPS:          10,
		MinBufferHealth: 0.2,  // 20% of the readahead target
		MinSuccessRate:  0.75, // 75%
	}
}

// NewFallbackService creates a new fallback service
func NewFallbackService(
	enabled bool,
	width, height, fps int,
	thresholds FallbackThresholds,
	logger *zap.SugaredLogger,
) *FallbackService {
	return &FallbackService{
		enabled:    enabled,
		width:      width,
		height:     height,
		fps:        fps,
		thresholds: thresholds,
		logger:     logger,
	}
}

// ShouldFallback determines if the active source is beyond saving.
func (f *FallbackService) ShouldFallback(ctx context.Context, health *domain.SourceHealth) bool {
	if !f.enabled {
		return false
	}

	if health == nil {
		f.logger.Debugw("using fallback: no active source")
		return true
	}

	if health.Status == domain.SourceStatusError || health.Status == domain.SourceStatusDisconnected {
		f.logger.Debugw("using fallback: source broken",
			"source_id", health.SourceID,
			"status", health.Status,
		)
		return true
	}

	if health.FPS < f.thresholds.MinFPS {
		f.logger.Debugw("using fallback: low frame rate",
			"source_id", health.SourceID,
			"fps", health.FPS,
			"min_fps", f.thresholds.MinFPS,
		)
		return true
	}

	if health.BufferHealth > 0 && health.BufferHealth < f.thresholds.MinBufferHealth {
		f.logger.Debugw("using fallback: buffer starved",
			"source_id", health.SourceID,
			"buffer_health", health.BufferHealth,
			"min_buffer", f.thresholds.MinBufferHealth,
		)
		return true
	}

	if health.SuccessRate > 0 && health.SuccessRate < f.thresholds.MinSuccessRate {
		f.logger.Debugw("using fallback: delivery failing",
			"source_id", health.SourceID,
			"success_rate", health.SuccessRate,
			"threshold", f.thresholds.MinSuccessRate,
		)
		return true
	}

	return false
}

// FallbackType picks which generated source to inject. The synthetic pattern
// is preferred; the canvas renderer is the last resort when generation is
// disabled.
func (f *FallbackService) FallbackType() domain.SourceType {
	if f.enabled {
		return domain.SourceTypeSynthetic
	}
	return domain.SourceTypeCanvas
}

// SyntheticURI returns the URI for the generated test pattern source.
func (f *FallbackService) SyntheticURI() string {
	return fmt.Sprintf("synthetic://pattern?width=%d&height=%d&fps=%d", f.width, f.height, f.fps)
}

// CanvasURI returns the URI for the canvas-rendered last resort source.
func (f *FallbackService) CanvasURI() string {
	return fmt.Sprintf("canvas://fallback?width=%d&height=%d", f.width, f.height)
}
