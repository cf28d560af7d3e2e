package domain

import (
	"strings"
	"time"
)

type SourceID string
type SessionID string
type TrackID string

type SourceType string

const (
	SourceTypeLocalFile  SourceType = "local_file"
	SourceTypeLiveDevice SourceType = "live_device"
	SourceTypeRTSP       SourceType = "rtsp_stream"
	SourceTypeSynthetic  SourceType = "synthetic"
	SourceTypeCanvas     SourceType = "canvas_fallback"
)

type SourceStatus string

const (
	SourceStatusInitializing SourceStatus = "initializing"
	SourceStatusActive       SourceStatus = "active"
	SourceStatusDegraded     SourceStatus = "degraded"
	SourceStatusError        SourceStatus = "error"
	SourceStatusDisconnected SourceStatus = "disconnected"
	SourceStatusStopped      SourceStatus = "stopped"
)

// Source is a single registered video input. Lower Priority means preferred.
type Source struct {
	ID        SourceID
	URI       string
	Type      SourceType
	Priority  int
	Status    SourceStatus
	Width     int
	Height    int
	FPS       float64
	CreatedAt time.Time
	LastFrame time.Time
}

// SourceHealth is a point-in-time health sample of a source.
type SourceHealth struct {
	SourceID     SourceID
	Status       SourceStatus
	FPS          float64
	BufferHealth float64 // 0..1, readahead fraction for file-backed sources
	SuccessRate  float64 // 0..1, derived from the error ring
	LastError    string
	CheckedAt    time.Time
}

// PipelineState describes the pipeline's source selection at a moment.
type PipelineState struct {
	ActiveSource   SourceID
	PreviousSource SourceID
	Transitioning  bool
	TransitionAt   time.Time
	SourceCount    int
	SwitchCount    int
}

// Frame is one unit of video handed from a source to the pipeline.
// Buffered carries the source's current readahead for file-backed inputs.
type Frame struct {
	SourceID  SourceID
	Data      []byte
	Width     int
	Height    int
	Keyframe  bool
	Timestamp time.Time
	Duration  time.Duration
	Buffered  time.Duration
}

// SourceTypeFromURI maps a source URI scheme to its type.
// Unknown schemes fall back to the canvas type.
func SourceTypeFromURI(uri string) SourceType {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return SourceTypeLocalFile
	case strings.HasPrefix(uri, "device://"):
		return SourceTypeLiveDevice
	case strings.HasPrefix(uri, "rtsp://"):
		return SourceTypeRTSP
	case strings.HasPrefix(uri, "synthetic://"):
		return SourceTypeSynthetic
	default:
		return SourceTypeCanvas
	}
}

// Healthy reports whether a source can carry the pipeline output.
func (s *Source) Healthy(minAcceptableFPS float64) bool {
	return s.Status == SourceStatusActive && s.FPS >= minAcceptableFPS
}
