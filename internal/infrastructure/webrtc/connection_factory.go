package webrtc

import (
	"fmt"

	"camrelay/internal/core/ports"

	webrtc "github.com/pion/webrtc/v3"
)

// FactoryConfig fixes the transport parameters every connection shares.
type FactoryConfig struct {
	ICEServers []string
	PortMin    uint16
	PortMax    uint16
}

// PionFactory creates real peer connections. It is the base factory the
// relay intercepts and the transport for device peers.
type PionFactory struct {
	cfg FactoryConfig
}

func NewPionFactory(cfg FactoryConfig) *PionFactory {
	return &PionFactory{cfg: cfg}
}

func (f *PionFactory) NewPeerConnection(config webrtc.Configuration) (ports.PeerConnection, error) {
	return f.NewRawPeerConnection(config)
}

// NewRawPeerConnection returns the full pion connection for callers
// that need the media surface (remote tracks, data channels, RTCP).
func (f *PionFactory) NewRawPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	if len(config.ICEServers) == 0 && len(f.cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: f.cfg.ICEServers}}
	}
	config.SDPSemantics = webrtc.SDPSemanticsUnifiedPlanWithFallback

	settingEngine := webrtc.SettingEngine{}
	if f.cfg.PortMin > 0 && f.cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(f.cfg.PortMin, f.cfg.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set ephemeral port range: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
