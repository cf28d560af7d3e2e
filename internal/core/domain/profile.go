package domain

import "time"

type ThreatType string

const (
	ThreatCanvasAnalysis     ThreatType = "canvas_analysis"
	ThreatTimingAttack       ThreatType = "timing_attack"
	ThreatResolutionMismatch ThreatType = "resolution_mismatch"
)

// Threat is one inferred detection vector on an observed site.
type Threat struct {
	ID          string
	Type        ThreatType
	Severity    TamperSeverity
	Description string
	DetectedAt  time.Time
}

type AdaptationType string

const (
	AdaptCanvasNoise     AdaptationType = "canvas_noise"
	AdaptTimingJitter    AdaptationType = "timing_jitter"
	AdaptResolutionAlign AdaptationType = "resolution_align"
)

// Adaptation is a countermeasure derived one-to-one from a threat.
type Adaptation struct {
	ID        string
	ThreatID  string
	Type      AdaptationType
	Applied   bool
	AppliedAt time.Time
}

// CaptureObservation records one observed capture constraint request.
type CaptureObservation struct {
	Width      int
	Height     int
	FrameRate  float64
	ObservedAt time.Time
}

type AnalysisState string

const (
	AnalysisIdle      AnalysisState = "idle"
	AnalysisAnalyzing AnalysisState = "analyzing"
)

// SiteProfile accumulates per-site observations keyed by a domain hash.
// The raw domain is never stored.
type SiteProfile struct {
	DomainHash       string
	State            AnalysisState
	CaptureRequests  []CaptureObservation
	EnumerationCount int
	CanvasReadbacks  int
	Threats          []Threat
	Adaptations      []Adaptation
	PreferredWidth   int
	PreferredHeight  int
	FirstSeen        time.Time
	LastSeen         time.Time
}

// RecommendedConfig is the merged capture configuration for a site,
// favoring applied adaptations over raw observations.
type RecommendedConfig struct {
	Width        int
	Height       int
	FrameRate    float64
	CanvasNoise  bool
	TimingJitter bool
}
