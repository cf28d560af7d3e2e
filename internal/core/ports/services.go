package ports

import (
	"context"
	"time"

	"camrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type PipelineService interface {
	AddSource(ctx context.Context, uri string, priority int) (*domain.Source, error)
	RemoveSource(ctx context.Context, id domain.SourceID) error
	SwitchToSource(ctx context.Context, id domain.SourceID, instant bool) error
	GetSource(ctx context.Context, id domain.SourceID) (*domain.Source, error)
	ListSources(ctx context.Context) ([]*domain.Source, error)
	GetState(ctx context.Context) (*domain.PipelineState, error)
	GetHealth(ctx context.Context, id domain.SourceID) (*domain.SourceHealth, error)
	GetMetrics(ctx context.Context) (*domain.PipelineMetrics, error)
	IngestFrame(frame *domain.Frame)
	ReportSourceError(id domain.SourceID, err error)
	Frames() <-chan *domain.Frame
	Start(ctx context.Context) error
	Stop()
}

type ValidatorService interface {
	SignFrame(ctx context.Context, sourceID domain.SourceID, frame []byte) (*domain.FrameSignature, error)
	ValidateFrame(ctx context.Context, frame []byte, sig *domain.FrameSignature) error
	ValidateOrigin(origin string) bool
	ShouldBlockStream() bool
	TamperEvents(ctx context.Context) []domain.TamperEvent
	Metrics(ctx context.Context) domain.ValidatorMetrics
	Start(ctx context.Context) error
	Stop()
}

// IntelligenceService learns per-site behaviour from media observations.
// At most one destination is under active analysis at a time; observations
// with an empty site resolve to that destination.
type IntelligenceService interface {
	StartSiteAnalysis(ctx context.Context, site string) error
	StopSiteAnalysis(ctx context.Context) error
	ObserveCaptureRequest(ctx context.Context, site string, width, height int, frameRate float64) error
	ObserveEnumeration(ctx context.Context, site string) error
	ObserveCanvasReadback(ctx context.Context, site string, count int) error
	GetSiteProfile(ctx context.Context, site string) (*domain.SiteProfile, error)
	GetThreats(ctx context.Context, site string) ([]domain.Threat, error)
	GetRecommendedConfig(ctx context.Context, site string) (*domain.RecommendedConfig, error)
	Start(ctx context.Context) error
	Stop()
}

// SourceAdapterService runs the local frame producers behind registered
// sources. Source types whose frames arrive over the wire have no local
// producer; starting one of those is a no-op.
type SourceAdapterService interface {
	Start(ctx context.Context, src *domain.Source) error
	Stop(id domain.SourceID)
	StopAll()
}

type CrossDeviceService interface {
	AddDevice(ctx context.Context, address string, port int) (*domain.Device, error)
	RemoveDevice(ctx context.Context, id domain.DeviceID) error
	GetDevice(ctx context.Context, id domain.DeviceID) (*domain.Device, error)
	ListDevices(ctx context.Context) ([]*domain.Device, error)
	Connect(ctx context.Context, id domain.DeviceID) error
	Disconnect(ctx context.Context, id domain.DeviceID) error
	PairingInfo(ctx context.Context) (*domain.PairingInfo, error)
	Metrics(ctx context.Context) (*domain.CrossDeviceMetrics, error)
	Start(ctx context.Context) error
	Stop()
}

// DeviceConn is one live pairing-channel connection to a companion device.
type DeviceConn interface {
	// Ping measures the round trip to the device.
	Ping(ctx context.Context) (time.Duration, error)
	// Closed is closed when the link drops for any reason.
	Closed() <-chan struct{}
	// Err reports why the link dropped. domain.ErrDeviceGone means the
	// remote said goodbye and no reconnect should be attempted.
	Err() error
	Close() error
}

// DeviceConnector dials companion devices over the pairing channel.
type DeviceConnector interface {
	Dial(ctx context.Context, address string, port int) (DeviceConn, error)
}

// PeerConnection is the narrow surface of a WebRTC connection the relay
// intercepts. *webrtc.PeerConnection satisfies it directly.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// ConnectionFactory produces peer connections for the relay to intercept.
type ConnectionFactory interface {
	NewPeerConnection(config webrtc.Configuration) (PeerConnection, error)
}

type RelaySession interface {
	ID() domain.SessionID
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	Close() error
}

type RelayService interface {
	Install(factory ConnectionFactory)
	Installed() bool
	SetInjectedTrack(track webrtc.TrackLocal)
	NewSession(ctx context.Context) (RelaySession, error)
	CloseSession(id domain.SessionID) error
	SessionCount() int
	Shutdown()
}

type Orchestrator interface {
	Init(ctx context.Context) error
	Start(ctx context.Context, destination string) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	Restart(ctx context.Context) error
	AddVideoSource(ctx context.Context, uri string, priority int) (*domain.Source, error)
	RemoveVideoSource(ctx context.Context, id domain.SourceID) error
	SwitchSource(ctx context.Context, id domain.SourceID) error
	GetState(ctx context.Context) (*domain.PipelineState, error)
	GetMetrics(ctx context.Context) (*domain.RelayMetrics, error)
}

// EventPublisher delivers events toward the host bridge.
type EventPublisher interface {
	Publish(event domain.Event)
}

// FrameSink consumes signed frames on their way to the wire.
type FrameSink interface {
	WriteFrame(frame *domain.Frame, sig *domain.FrameSignature) error
}
