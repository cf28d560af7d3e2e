package signal

import (
	"context"

	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	rtc "camrelay/internal/infrastructure/webrtc"
)

// CompanionConfig describes what this device advertises to relays.
type CompanionConfig struct {
	DeviceName     string
	Codecs         []string
	MaxBitrateKbps int
}

// CompanionResponderFactory builds the media leg the pairing server
// hands each relay connection: a responder-side device peer streaming
// the given local track. Candidates trickle back through the pairing
// channel send func.
func CompanionResponderFactory(
	cfg CompanionConfig,
	factory *rtc.PionFactory,
	track webrtc.TrackLocal,
	logger *zap.SugaredLogger,
) ResponderFactory {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []string{"VP8", "H264"}
	}
	if cfg.MaxBitrateKbps <= 0 {
		cfg.MaxBitrateKbps = 4000
	}

	return func(send SendFunc) (Responder, error) {
		peer, err := rtc.NewDevicePeer(rtc.DevicePeerConfig{Initiator: false}, factory, rtc.Hooks{
			SendCandidate: func(cand webrtc.ICECandidateInit) error {
				return send(TypeICECandidate, cand)
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		if track != nil {
			if _, err := peer.AddLocalTrack(track); err != nil {
				peer.Close()
				return nil, err
			}
		}
		return &companionResponder{cfg: cfg, peer: peer}, nil
	}
}

// companionResponder delegates the Responder surface to a device peer.
type companionResponder struct {
	cfg  CompanionConfig
	peer *rtc.DevicePeer
}

func (r *companionResponder) Capabilities() CapabilitiesPayload {
	return CapabilitiesPayload{
		DeviceName: r.cfg.DeviceName,
		Codecs:     r.cfg.Codecs,
		MaxBitrate: r.cfg.MaxBitrateKbps,
	}
}

func (r *companionResponder) HandleOffer(ctx context.Context, sdp string) (string, error) {
	return r.peer.HandleOffer(ctx, sdp)
}

func (r *companionResponder) HandleRemoteCandidate(cand webrtc.ICECandidateInit) error {
	return r.peer.HandleRemoteCandidate(cand)
}

func (r *companionResponder) Close() error {
	return r.peer.Close()
}
