package domain

import "time"

// PipelineMetrics aggregates the active source's rolling health numbers.
type PipelineMetrics struct {
	ActiveSource SourceID
	SourceCount  int
	FPS          float64
	BufferHealth float64
	SuccessRate  float64
	SwitchCount  int
	Timestamp    time.Time
}

// ValidatorMetrics aggregates frame signing and tamper accounting.
type ValidatorMetrics struct {
	SignedFrames    uint64
	ValidatedFrames uint64
	RejectedFrames  uint64
	TamperEvents    int
	ActiveKeys      int
	Blocked         bool
	Timestamp       time.Time
}

// CrossDeviceMetrics aggregates companion link health.
type CrossDeviceMetrics struct {
	KnownDevices     int
	ConnectedDevices int
	AvgLatencyMs     float64
	ReconnectCount   int
	Timestamp        time.Time
}

// RelayMetrics is the orchestrator-level snapshot returned to callers.
type RelayMetrics struct {
	Pipeline    PipelineMetrics
	Validator   ValidatorMetrics
	CrossDevice CrossDeviceMetrics
	Sessions    int
	ThreatCount int
	Uptime      time.Duration
	Timestamp   time.Time
}
