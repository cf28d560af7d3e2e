package services

import (
	"context"
	"testing"

	"camrelay/internal/core/domain"

	"go.uber.org/zap/zaptest"
)

func TestFallbackService_ShouldFallback(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	thresholds := DefaultFallbackThresholds()

	tests := []struct {
		name    string
		enabled bool
		health  *domain.SourceHealth
		want    bool
	}{
		{
			name:    "fallback disabled",
			enabled: false,
			health:  nil,
			want:    false,
		},
		{
			name:    "no active source",
			enabled: true,
			health:  nil,
			want:    true,
		},
		{
			name:    "source errored",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID: "source_a",
				Status:   domain.SourceStatusError,
				FPS:      30,
			},
			want: true,
		},
		{
			name:    "source disconnected",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID: "source_a",
				Status:   domain.SourceStatusDisconnected,
				FPS:      30,
			},
			want: true,
		},
		{
			name:    "low frame rate",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID:    "source_a",
				Status:      domain.SourceStatusActive,
				FPS:         5,
				SuccessRate: 1,
			},
			want: true,
		},
		{
			name:    "buffer starved",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID:     "source_a",
				Status:       domain.SourceStatusActive,
				FPS:          30,
				BufferHealth: 0.1, // 10%, below threshold
				SuccessRate:  1,
			},
			want: true,
		},
		{
			name:    "delivery failing",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID:     "source_a",
				Status:       domain.SourceStatusActive,
				FPS:          30,
				BufferHealth: 0.9,
				SuccessRate:  0.5, // 50%, below threshold
			},
			want: true,
		},
		{
			name:    "healthy source - keep it",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID:     "source_a",
				Status:       domain.SourceStatusActive,
				FPS:          30,
				BufferHealth: 0.9,
				SuccessRate:  0.95,
			},
			want: false,
		},
		{
			name:    "live source without buffer metric",
			enabled: true,
			health: &domain.SourceHealth{
				SourceID:    "source_a",
				Status:      domain.SourceStatusActive,
				FPS:         30,
				SuccessRate: 0.95,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewFallbackService(tt.enabled, 1280, 720, 30, thresholds, logger)

			got := service.ShouldFallback(context.Background(), tt.health)
			if got != tt.want {
				t.Errorf("ShouldFallback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFallbackService_FallbackType(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	enabled := NewFallbackService(true, 1280, 720, 30, DefaultFallbackThresholds(), logger)
	if got := enabled.FallbackType(); got != domain.SourceTypeSynthetic {
		t.Errorf("FallbackType() = %v, want %v", got, domain.SourceTypeSynthetic)
	}

	disabled := NewFallbackService(false, 1280, 720, 30, DefaultFallbackThresholds(), logger)
	if got := disabled.FallbackType(); got != domain.SourceTypeCanvas {
		t.Errorf("FallbackType() = %v, want %v", got, domain.SourceTypeCanvas)
	}
}

func TestFallbackService_URIs(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	service := NewFallbackService(true, 1920, 1080, 24, DefaultFallbackThresholds(), logger)

	wantSynthetic := "synthetic://pattern?width=1920&height=1080&fps=24"
	if got := service.SyntheticURI(); got != wantSynthetic {
		t.Errorf("SyntheticURI() = %v, want %v", got, wantSynthetic)
	}

	wantCanvas := "canvas://fallback?width=1920&height=1080"
	if got := service.CanvasURI(); got != wantCanvas {
		t.Errorf("CanvasURI() = %v, want %v", got, wantCanvas)
	}
}

func TestDefaultFallbackThresholds(t *testing.T) {
	thresholds := DefaultFallbackThresholds()

	if thresholds.MinFPS != 10 {
		t.Errorf("MinFPS = %v, want 10", thresholds.MinFPS)
	}
	if thresholds.MinBufferHealth != 0.2 {
		t.Errorf("MinBufferHealth = %v, want 0.2", thresholds.MinBufferHealth)
	}
	if thresholds.MinSuccessRate != 0.75 {
		t.Errorf("MinSuccessRate = %v, want 0.75", thresholds.MinSuccessRate)
	}
}
