package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const heartbeatLabel = "heartbeat"

// DevicePeerConfig tunes one peer session with a companion device.
type DevicePeerConfig struct {
	// Initiator opens the heartbeat channel and drives the offer.
	Initiator bool
	// StallTimeout is how long the video track may stay silent before
	// the peer asks the device for a keyframe.
	StallTimeout time.Duration
	// PLIInterval is the minimum gap between keyframe requests.
	PLIInterval time.Duration
}

// Hooks connect peer session events to the owning coordinator.
type Hooks struct {
	// SendCandidate carries a local candidate to the device over the
	// pairing channel.
	SendCandidate func(cand webrtc.ICECandidateInit) error
	// OnRemoteTrack fires when media from the device starts flowing.
	// The forwarded track mirrors the remote payload after filtering.
	OnRemoteTrack func(remote *webrtc.TrackRemote, forwarded *webrtc.TrackLocalStaticRTP)
	// OnVideoPacket taps every forwarded video packet. The packet is
	// reused by the read loop, so the tap must not retain it.
	OnVideoPacket func(pkt *rtp.Packet)
	// OnStateChange reports connection state transitions.
	OnStateChange func(state webrtc.PeerConnectionState)
}

type heartbeatMessage struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// DevicePeer is one WebRTC session with a companion device. Inbound
// media is forwarded through the packet filter onto a local track the
// pipeline can consume; a heartbeat data channel measures link RTT.
type DevicePeer struct {
	cfg    DevicePeerConfig
	pc     *webrtc.PeerConnection
	filter *PacketFilter
	hooks  Hooks
	logger *zap.SugaredLogger

	pingSeq uint64

	mu        sync.Mutex
	heartbeat *webrtc.DataChannel
	pending   map[uint64]chan time.Duration
	load      float64
	lastPkt   time.Time
	lastPLI   time.Time
	closed    bool

	stopStall chan struct{}
}

func NewDevicePeer(cfg DevicePeerConfig, factory *PionFactory, hooks Hooks, logger *zap.SugaredLogger) (*DevicePeer, error) {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 2 * time.Second
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = 500 * time.Millisecond
	}

	pc, err := factory.NewRawPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}

	p := &DevicePeer{
		cfg:       cfg,
		pc:        pc,
		filter:    NewPacketFilter(),
		hooks:     hooks,
		logger:    logger,
		pending:   make(map[uint64]chan time.Duration),
		stopStall: make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || p.hooks.SendCandidate == nil {
			return
		}
		if err := p.hooks.SendCandidate(cand.ToJSON()); err != nil {
			p.logger.Warnw("failed to send local candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(p.handleRemoteTrack)

	if cfg.Initiator {
		dc, err := pc.CreateDataChannel(heartbeatLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create heartbeat channel: %w", err)
		}
		p.attachHeartbeat(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == heartbeatLabel {
				p.attachHeartbeat(dc)
			}
		})
	}

	return p, nil
}

// CreateOffer starts negotiation from the initiator side.
func (p *DevicePeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// HandleOffer answers an inbound offer on the responder side.
func (p *DevicePeer) HandleOffer(ctx context.Context, sdpRaw string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpRaw}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *DevicePeer) HandleAnswer(sdpRaw string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdpRaw}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (p *DevicePeer) HandleRemoteCandidate(cand webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(cand)
}

// AddLocalTrack attaches outbound media for the device.
func (p *DevicePeer) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return p.pc.AddTrack(track)
}

// AddRecvTransceiver asks the remote side to send media of the given kind.
func (p *DevicePeer) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *DevicePeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Ping measures link RTT over the heartbeat channel.
func (p *DevicePeer) Ping(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	dc := p.heartbeat
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return 0, fmt.Errorf("heartbeat channel not open")
	}

	seq := atomic.AddUint64(&p.pingSeq, 1)
	ch := make(chan time.Duration, 1)
	p.mu.Lock()
	p.pending[seq] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, seq)
		p.mu.Unlock()
	}()

	payload, err := json.Marshal(heartbeatMessage{
		Type:      "ping",
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	if err := dc.Send(payload); err != nil {
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case rtt := <-ch:
		return rtt, nil
	}
}

// FilterStats returns forwarded and dropped packet counts plus the
// current link load estimate.
func (p *DevicePeer) FilterStats() (forwarded, dropped uint64, load float64) {
	forwarded, dropped = p.filter.Stats()
	return forwarded, dropped, p.loadRatio()
}

func (p *DevicePeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopStall)
	p.mu.Unlock()

	return p.pc.Close()
}

func (p *DevicePeer) attachHeartbeat(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.heartbeat = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.logger.Debugw("heartbeat channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleHeartbeat(dc, msg.Data)
	})
}

func (p *DevicePeer) handleHeartbeat(dc *webrtc.DataChannel, data []byte) {
	var msg heartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Warnw("malformed heartbeat message", "error", err)
		return
	}

	switch msg.Type {
	case "ping":
		msg.Type = "pong"
		reply, err := json.Marshal(msg)
		if err != nil {
			return
		}
		if err := dc.Send(reply); err != nil {
			p.logger.Warnw("failed to send pong", "error", err)
		}
	case "pong":
		p.mu.Lock()
		ch, ok := p.pending[msg.Seq]
		p.mu.Unlock()
		if ok {
			select {
			case ch <- time.Since(time.UnixMilli(msg.Timestamp)):
			default:
			}
		}
	}
}

func (p *DevicePeer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Infow("device peer connection state changed", "state", state)
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(state)
	}
}

// handleRemoteTrack mirrors the inbound track onto a local one the
// pipeline can consume and starts the forwarding machinery.
func (p *DevicePeer) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.logger.Infow("device started streaming track",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	forwarded, err := webrtc.NewTrackLocalStaticRTP(
		track.Codec().RTPCodecCapability,
		track.ID(),
		track.StreamID(),
	)
	if err != nil {
		p.logger.Errorw("failed to create forwarding track",
			"track_id", track.ID(),
			"error", err,
		)
		return
	}

	if p.hooks.OnRemoteTrack != nil {
		p.hooks.OnRemoteTrack(track, forwarded)
	}

	go p.processRTCP(receiver)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.watchStall(track)
	}
	go p.forwardRemoteTrack(track, forwarded)
}

// forwardRemoteTrack pumps RTP from the device into the forwarding
// track, shedding packets through the filter when the link is loaded.
func (p *DevicePeer) forwardRemoteTrack(track *webrtc.TrackRemote, forwarded *webrtc.TrackLocalStaticRTP) {
	packetBuffer := make([]byte, 1500)
	rtpPacket := &rtp.Packet{}
	packetCount := uint16(0)
	mimeType := track.Codec().MimeType
	video := track.Kind() == webrtc.RTPCodecTypeVideo

	for {
		n, _, err := track.Read(packetBuffer)
		if err != nil {
			p.logger.Warnw("error reading device track",
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			p.logger.Warnw("error unmarshaling RTP packet",
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}

		p.touchPacketClock()

		if video {
			class := Classify(mimeType, rtpPacket.Payload)
			if !p.filter.ShouldForward(class, p.loadRatio()) {
				if p.filter.NeedsKeyframe() {
					p.requestKeyframe(track.SSRC(), "load shedding")
				}
				continue
			}
		}

		if err := forwarded.WriteRTP(rtpPacket); err != nil {
			p.logger.Warnw("error writing RTP packet to forwarding track",
				"track_id", track.ID(),
				"error", err,
			)
		}
		if video && p.hooks.OnVideoPacket != nil {
			p.hooks.OnVideoPacket(rtpPacket)
		}

		packetCount++
		if packetCount%100 == 0 {
			p.logger.Debugw("forwarding device RTP",
				"track_id", track.ID(),
				"sequence", rtpPacket.SequenceNumber,
				"packets_forwarded", packetCount,
			)
		}
	}
}

// processRTCP folds receiver feedback into the link load estimate.
func (p *DevicePeer) processRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		p.handleRTCPPackets(packets)
	}
}

func (p *DevicePeer) handleRTCPPackets(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range pkt.Reports {
				p.observeLoss(float64(report.FractionLost) / 255.0)
			}
		case *rtcp.TransportLayerNack:
			p.logger.Debugw("received NACK", "nacks", len(pkt.Nacks))
			p.observeLoss(float64(len(pkt.Nacks)) / 64.0)
		case *rtcp.PictureLossIndication:
			p.logger.Debugw("remote requested keyframe")
		case *rtcp.SenderReport:
			p.logger.Debugw("received sender report",
				"packet_count", pkt.PacketCount,
				"octet_count", pkt.OctetCount,
			)
		}
	}
}

// observeLoss folds one RTCP loss sample into the load estimate.
// Sustained loss around a third of the stream saturates the filter.
func (p *DevicePeer) observeLoss(fraction float64) {
	weighted := fraction * 3
	if weighted > 1 {
		weighted = 1
	}
	p.mu.Lock()
	p.load = 0.8*p.load + 0.2*weighted
	p.mu.Unlock()
}

func (p *DevicePeer) loadRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load
}

func (p *DevicePeer) touchPacketClock() {
	p.mu.Lock()
	p.lastPkt = time.Now()
	p.mu.Unlock()
}

// stalled reports whether the video track went silent after having
// delivered packets.
func (p *DevicePeer) stalled(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastPkt.IsZero() && now.Sub(p.lastPkt) > p.cfg.StallTimeout
}

// allowPLI rate-limits keyframe requests.
func (p *DevicePeer) allowPLI(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastPLI) < p.cfg.PLIInterval {
		return false
	}
	p.lastPLI = now
	return true
}

func (p *DevicePeer) requestKeyframe(ssrc webrtc.SSRC, reason string) {
	if !p.allowPLI(time.Now()) {
		return
	}
	err := p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
	if err != nil {
		p.logger.Warnw("failed to request keyframe", "reason", reason, "error", err)
		return
	}
	p.logger.Debugw("requested keyframe", "reason", reason)
}

// watchStall asks for a keyframe when the video track goes quiet.
func (p *DevicePeer) watchStall(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(p.cfg.StallTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopStall:
			return
		case now := <-ticker.C:
			if p.stalled(now) {
				p.requestKeyframe(track.SSRC(), "stall")
			}
		}
	}
}
