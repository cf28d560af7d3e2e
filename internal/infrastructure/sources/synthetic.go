package sources

import (
	"context"
	"time"

	"camrelay/internal/core/domain"
)

// SyntheticConfig sizes the generated pattern.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    int
}

// Synthetic renders a moving bar pattern in I420 at a fixed rate. It
// stands in when no real capture is available so the relay always has
// a stream to offer.
type Synthetic struct {
	id       domain.SourceID
	cfg      SyntheticConfig
	pipeline Ingestor
}

func NewSynthetic(id domain.SourceID, pipeline Ingestor, cfg SyntheticConfig) *Synthetic {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &Synthetic{id: id, cfg: cfg, pipeline: pipeline}
}

// Run generates frames until ctx is cancelled. It never fails on its
// own.
func (s *Synthetic) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bars := barPattern(s.cfg.Width)
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.pipeline.IngestFrame(&domain.Frame{
			SourceID:  s.id,
			Data:      s.renderFrame(bars, n),
			Width:     s.cfg.Width,
			Height:    s.cfg.Height,
			Keyframe:  n%s.cfg.FPS == 0,
			Timestamp: time.Now(),
			Duration:  interval,
		})
		n++
	}
}

// Luma levels for 75 percent colour bars, white through black.
var barLuma = []byte{180, 162, 131, 112, 84, 65, 35, 16}

func barPattern(width int) []byte {
	row := make([]byte, width)
	barWidth := width / len(barLuma)
	if barWidth == 0 {
		barWidth = 1
	}
	for x := range row {
		idx := x / barWidth
		if idx >= len(barLuma) {
			idx = len(barLuma) - 1
		}
		row[x] = barLuma[idx]
	}
	return row
}

// renderFrame fills a fresh I420 frame with the bar row rotated two
// pixels per frame. Each frame owns its buffer because the pipeline
// hands frames off downstream.
func (s *Synthetic) renderFrame(bars []byte, n int) []byte {
	w, h := s.cfg.Width, s.cfg.Height
	cw, ch := (w+1)/2, (h+1)/2
	frame := make([]byte, w*h+2*cw*ch)

	offset := (n * 2) % w
	luma := frame[:w*h]
	for rowStart := 0; rowStart < len(luma); rowStart += w {
		row := luma[rowStart : rowStart+w]
		copied := copy(row, bars[offset:])
		copy(row[copied:], bars[:offset])
	}

	// Neutral chroma; the luma motion is what matters downstream.
	chroma := frame[w*h:]
	for i := range chroma {
		chroma[i] = 128
	}
	return frame
}
