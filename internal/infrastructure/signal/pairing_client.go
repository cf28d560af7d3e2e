package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	rtc "camrelay/internal/infrastructure/webrtc"
)

// TrackHandler consumes media tracks arriving from paired devices.
type TrackHandler func(device domain.DeviceID, remote *webrtc.TrackRemote, forwarded *webrtc.TrackLocalStaticRTP)

// PacketHandler taps forwarded video packets from paired devices. The
// packet is owned by the forwarding loop and must not be retained.
type PacketHandler func(device domain.DeviceID, pkt *rtp.Packet)

// mediaPeer is the slice of the device peer the pairing conn drives.
type mediaPeer interface {
	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer(ctx context.Context) (string, error)
	HandleAnswer(sdp string) error
	HandleRemoteCandidate(cand webrtc.ICECandidateInit) error
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

// ClientConfig tunes the relay side of the pairing channel.
type ClientConfig struct {
	LocalID          domain.DeviceID
	DeviceName       string
	PairingSecret    string
	MaxBitrateKbps   int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// PairingClient dials companion devices: it trades the shared secret
// for a session token, opens the pairing channel and negotiates the
// media leg.
type PairingClient struct {
	cfg      ClientConfig
	onTrack  TrackHandler
	onPacket PacketHandler
	logger   *zap.SugaredLogger
	httpc    *http.Client

	newPeer func(hooks rtc.Hooks) (mediaPeer, error)
}

func NewPairingClient(cfg ClientConfig, factory *rtc.PionFactory, onTrack TrackHandler, logger *zap.SugaredLogger) *PairingClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxBitrateKbps <= 0 {
		cfg.MaxBitrateKbps = 4000
	}

	return &PairingClient{
		cfg:     cfg,
		onTrack: onTrack,
		logger:  logger,
		httpc:   &http.Client{Timeout: cfg.DialTimeout},
		newPeer: func(hooks rtc.Hooks) (mediaPeer, error) {
			return rtc.NewDevicePeer(rtc.DevicePeerConfig{Initiator: true}, factory, hooks, logger)
		},
	}
}

// SetPacketHandler installs a tap on forwarded video packets. It must
// be called before Dial.
func (c *PairingClient) SetPacketHandler(fn PacketHandler) {
	c.onPacket = fn
}

// Dial opens a pairing channel to the device and completes the media
// handshake before returning the live connection.
func (c *PairingClient) Dial(ctx context.Context, address string, port int) (ports.DeviceConn, error) {
	token, err := c.requestToken(ctx, address, port)
	if err != nil {
		return nil, err
	}

	endpoint := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(address, strconv.Itoa(port)),
		Path:     "/pair",
		RawQuery: "token=" + url.QueryEscape(token),
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial pairing channel: %w", err)
	}

	conn := &pairingConn{
		cfg:      c.cfg,
		ws:       ws,
		onTrack:  c.onTrack,
		onPacket: c.onPacket,
		newPeer:  c.newPeer,
		logger:   c.logger,
		pending:  make(map[uint64]pingWaiter),
		capsCh:   make(chan CapabilitiesPayload, 1),
		answerCh: make(chan string, 1),
		closed:   make(chan struct{}),
	}
	go conn.readLoop()

	if err := conn.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type tokenRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Secret     string `json:"secret"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (c *PairingClient) requestToken(ctx context.Context, address string, port int) (string, error) {
	endpoint := fmt.Sprintf("http://%s/api/v1/pair/token", net.JoinHostPort(address, strconv.Itoa(port)))

	body, err := json.Marshal(tokenRequest{
		DeviceID:   string(c.cfg.LocalID),
		DeviceName: c.cfg.DeviceName,
		Secret:     c.cfg.PairingSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request pairing token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pairing token request rejected: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("invalid pairing token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("pairing token response missing token")
	}
	return tr.Token, nil
}

type pingWaiter struct {
	sent time.Time
	ch   chan time.Duration
}

// pairingConn is one live pairing channel plus its media leg.
type pairingConn struct {
	cfg      ClientConfig
	ws       *websocket.Conn
	onTrack  TrackHandler
	onPacket PacketHandler
	newPeer  func(hooks rtc.Hooks) (mediaPeer, error)
	logger   *zap.SugaredLogger

	nonce   uint64
	writeMu sync.Mutex
	once    sync.Once

	mu       sync.Mutex
	peer     mediaPeer
	remoteID string
	err      error
	pending  map[uint64]pingWaiter

	capsCh   chan CapabilitiesPayload
	answerCh chan string
	closed   chan struct{}
}

// handshake runs the connect protocol: capabilities both ways, then
// offer and answer. Candidates keep trickling after it returns.
func (l *pairingConn) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	err := l.send(TypeCapabilities, CapabilitiesPayload{
		DeviceName: l.cfg.DeviceName,
		Codecs:     []string{"VP8", "H264", "opus"},
		MaxBitrate: l.cfg.MaxBitrateKbps,
	})
	if err != nil {
		return fmt.Errorf("failed to send capabilities: %w", err)
	}

	var remoteCaps CapabilitiesPayload
	select {
	case <-hctx.Done():
		return fmt.Errorf("timed out waiting for device capabilities: %w", hctx.Err())
	case <-l.closed:
		return fmt.Errorf("pairing channel dropped during handshake: %w", l.Err())
	case remoteCaps = <-l.capsCh:
	}

	l.logger.Infow("paired device capabilities",
		"device_id", l.remoteIDString(),
		"device_name", remoteCaps.DeviceName,
		"codecs", remoteCaps.Codecs,
	)

	peer, err := l.newPeer(rtc.Hooks{
		SendCandidate: l.sendCandidate,
		OnRemoteTrack: l.handleRemoteTrack,
		OnVideoPacket: l.handleVideoPacket,
		OnStateChange: l.handlePeerState,
	})
	if err != nil {
		return fmt.Errorf("failed to create media peer: %w", err)
	}
	l.mu.Lock()
	l.peer = peer
	l.mu.Unlock()

	if err := peer.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("failed to add video transceiver: %w", err)
	}

	offer, err := peer.CreateOffer(hctx)
	if err != nil {
		return err
	}
	if err := l.send(TypeOffer, SDPPayload{SDP: offer}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	var answer string
	select {
	case <-hctx.Done():
		return fmt.Errorf("timed out waiting for answer: %w", hctx.Err())
	case <-l.closed:
		return fmt.Errorf("pairing channel dropped during handshake: %w", l.Err())
	case answer = <-l.answerCh:
	}

	if err := peer.HandleAnswer(answer); err != nil {
		return err
	}

	l.logger.Infow("media negotiation complete", "device_id", l.remoteIDString())
	return nil
}

func (l *pairingConn) readLoop() {
	for {
		var env Envelope
		if err := l.ws.ReadJSON(&env); err != nil {
			l.fail(fmt.Errorf("pairing channel read failed: %w", err))
			return
		}

		if env.ForeignTo(string(l.cfg.LocalID)) {
			l.logger.Debugw("discarding foreign pairing message",
				"type", env.Type,
				"from", env.From,
				"to", env.To,
			)
			continue
		}
		l.dispatch(env)
	}
}

func (l *pairingConn) dispatch(env Envelope) {
	switch env.Type {
	case TypeCapabilities:
		l.mu.Lock()
		l.remoteID = env.From
		l.mu.Unlock()
		var caps CapabilitiesPayload
		if err := json.Unmarshal(env.Payload, &caps); err != nil {
			l.logger.Warnw("invalid capabilities payload", "error", err)
			return
		}
		select {
		case l.capsCh <- caps:
		default:
		}

	case TypeAnswer:
		var payload SDPPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			l.logger.Warnw("invalid answer payload", "error", err)
			return
		}
		select {
		case l.answerCh <- payload.SDP:
		default:
		}

	case TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			l.logger.Warnw("invalid candidate payload", "error", err)
			return
		}
		peer := l.mediaLeg()
		if peer == nil {
			l.logger.Debugw("dropping candidate before media session exists")
			return
		}
		if err := peer.HandleRemoteCandidate(cand); err != nil {
			l.logger.Warnw("failed to apply remote candidate", "error", err)
		}

	case TypePing:
		if err := l.sendRaw(TypePong, env.Payload); err != nil {
			l.logger.Warnw("failed to answer ping", "error", err)
		}

	case TypePong:
		var payload PingPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		l.mu.Lock()
		waiter, ok := l.pending[payload.Nonce]
		l.mu.Unlock()
		if ok {
			select {
			case waiter.ch <- time.Since(waiter.sent):
			default:
			}
		}

	case TypeBye:
		l.logger.Infow("device said goodbye", "device_id", l.remoteIDString())
		l.fail(domain.ErrDeviceGone)

	default:
		l.logger.Debugw("ignoring unknown pairing message", "type", env.Type)
	}
}

// Ping measures the round trip to the device, preferring the media
// heartbeat channel and falling back to the pairing channel.
func (l *pairingConn) Ping(ctx context.Context) (time.Duration, error) {
	if peer := l.mediaLeg(); peer != nil {
		if rtt, err := peer.Ping(ctx); err == nil {
			return rtt, nil
		}
	}
	return l.wsPing(ctx)
}

func (l *pairingConn) wsPing(ctx context.Context) (time.Duration, error) {
	nonce := atomic.AddUint64(&l.nonce, 1)
	ch := make(chan time.Duration, 1)

	l.mu.Lock()
	l.pending[nonce] = pingWaiter{sent: time.Now(), ch: ch}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, nonce)
		l.mu.Unlock()
	}()

	if err := l.send(TypePing, PingPayload{Nonce: nonce}); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.closed:
		return 0, fmt.Errorf("pairing channel closed")
	case rtt := <-ch:
		return rtt, nil
	}
}

// Closed is closed when the link drops for any reason.
func (l *pairingConn) Closed() <-chan struct{} {
	return l.closed
}

// Err reports why the link dropped.
func (l *pairingConn) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close says goodbye and tears the link down.
func (l *pairingConn) Close() error {
	l.shutdown(true)
	return nil
}

func (l *pairingConn) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.shutdown(false)
}

func (l *pairingConn) shutdown(sendBye bool) {
	l.once.Do(func() {
		if sendBye {
			if err := l.send(TypeBye, nil); err != nil {
				l.logger.Debugw("failed to send goodbye", "error", err)
			}
		}
		if peer := l.mediaLeg(); peer != nil {
			peer.Close()
		}
		l.ws.Close()
		close(l.closed)
	})
}

func (l *pairingConn) send(msgType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return l.sendRaw(msgType, raw)
}

func (l *pairingConn) sendRaw(msgType string, raw json.RawMessage) error {
	env := NewEnvelope(msgType, string(l.cfg.LocalID), l.remoteIDString(), raw)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return l.ws.WriteJSON(env)
}

func (l *pairingConn) sendCandidate(cand webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	return l.sendRaw(TypeICECandidate, payload)
}

func (l *pairingConn) handleRemoteTrack(remote *webrtc.TrackRemote, forwarded *webrtc.TrackLocalStaticRTP) {
	l.logger.Infow("receiving media from device",
		"device_id", l.remoteIDString(),
		"track_id", remote.ID(),
		"codec", remote.Codec().MimeType,
	)
	if l.onTrack != nil {
		l.onTrack(domain.DeviceID(l.remoteIDString()), remote, forwarded)
	}
}

func (l *pairingConn) handleVideoPacket(pkt *rtp.Packet) {
	if l.onPacket != nil {
		l.onPacket(domain.DeviceID(l.remoteIDString()), pkt)
	}
}

func (l *pairingConn) handlePeerState(state webrtc.PeerConnectionState) {
	if state == webrtc.PeerConnectionStateFailed {
		l.fail(fmt.Errorf("media connection failed"))
	}
}

func (l *pairingConn) mediaLeg() mediaPeer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *pairingConn) remoteIDString() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteID
}
