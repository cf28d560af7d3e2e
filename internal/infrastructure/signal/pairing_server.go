package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// errPeerBye signals a clean goodbye from the remote side.
var errPeerBye = errors.New("peer said goodbye")

// SendFunc pushes a typed payload to the paired device.
type SendFunc func(msgType string, payload interface{}) error

// Responder terminates the media leg for one paired connection.
type Responder interface {
	Capabilities() CapabilitiesPayload
	HandleOffer(ctx context.Context, sdp string) (string, error)
	HandleRemoteCandidate(cand webrtc.ICECandidateInit) error
	Close() error
}

// ResponderFactory builds the media leg once a device announces itself.
// The send func is safe for concurrent use and lets the responder
// trickle its own candidates.
type ResponderFactory func(send SendFunc) (Responder, error)

// PairingServer accepts pairing-channel connections from relay hosts,
// authenticates them with a session token and routes envelopes to the
// media responder.
type PairingServer struct {
	localID   domain.DeviceID
	auth      services.PairingAuthService
	responder ResponderFactory

	sessions map[domain.DeviceID]*serverSession
	mu       sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewPairingServer(localID domain.DeviceID, auth services.PairingAuthService, responder ResponderFactory, logger *zap.SugaredLogger) *PairingServer {
	return &PairingServer{
		localID:      localID,
		auth:         auth,
		responder:    responder,
		sessions:     make(map[domain.DeviceID]*serverSession),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets the control-frame ping interval.
func (s *PairingServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetReadTimeout sets how long the socket may stay silent.
func (s *PairingServer) SetReadTimeout(timeout time.Duration) {
	s.readTimeout = timeout
}

// HandlePairing upgrades an authenticated request to a pairing channel.
func (s *PairingServer) HandlePairing(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("rejecting pairing connection", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	remoteID := claims.DeviceID

	s.mu.Lock()
	existing, isReconnect := s.sessions[remoteID]
	if isReconnect && existing != nil {
		existing.close()
		s.logger.Infow("closing old connection for reconnecting device", "device_id", remoteID)
	}
	sess := &serverSession{
		localID:      s.localID,
		remoteID:     remoteID,
		ws:           conn,
		writeTimeout: s.writeTimeout,
	}
	s.sessions[remoteID] = sess
	s.mu.Unlock()

	s.logger.Infow("device connected to pairing channel",
		"device_id", remoteID,
		"device_name", claims.DeviceName,
		"reconnect", isReconnect,
	)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				select {
				case errorChan <- err:
				case <-done:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messageChan <- env:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case env := <-messageChan:
			if err := s.handleEnvelope(context.Background(), sess, env); err != nil {
				if errors.Is(err, errPeerBye) {
					s.logger.Infow("device said goodbye", "device_id", remoteID)
					goto cleanup
				}
				s.logger.Infow("error handling pairing message",
					"device_id", remoteID,
					"type", env.Type,
					"error", err,
				)
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "device_id", remoteID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading pairing message", "device_id", remoteID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	if s.sessions[remoteID] == sess {
		delete(s.sessions, remoteID)
	}
	s.mu.Unlock()

	sess.closeResponder(s.logger)
	s.logger.Infow("device disconnected from pairing channel", "device_id", remoteID)
}

// authenticate validates the session token before the upgrade.
func (s *PairingServer) authenticate(r *http.Request) (*services.PairingClaims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return nil, fmt.Errorf("missing session token")
	}
	return s.auth.ValidateToken(token)
}

func (s *PairingServer) handleEnvelope(ctx context.Context, sess *serverSession, env Envelope) error {
	if env.Type == "" {
		return fmt.Errorf("message type is required")
	}

	if env.ForeignTo(string(s.localID)) {
		s.logger.Debugw("discarding foreign pairing message",
			"type", env.Type,
			"from", env.From,
			"to", env.To,
		)
		return nil
	}

	switch env.Type {
	case TypeCapabilities:
		return s.handleCapabilities(sess, env)
	case TypeOffer:
		return s.handleOffer(ctx, sess, env)
	case TypeICECandidate:
		return s.handleCandidate(sess, env)
	case TypePing:
		return sess.sendRaw(TypePong, env.Payload)
	case TypePong:
		return nil
	case TypeAnswer:
		return nil
	case TypeBye:
		return errPeerBye
	default:
		return fmt.Errorf("unknown message type: %s", env.Type)
	}
}

func (s *PairingServer) handleCapabilities(sess *serverSession, env Envelope) error {
	var caps CapabilitiesPayload
	if err := json.Unmarshal(env.Payload, &caps); err != nil {
		return fmt.Errorf("invalid capabilities payload: %w", err)
	}

	s.logger.Infow("device announced capabilities",
		"device_id", sess.remoteID,
		"device_name", caps.DeviceName,
		"codecs", caps.Codecs,
	)

	responder, err := sess.ensureResponder(s.responder)
	if err != nil {
		return fmt.Errorf("failed to build responder: %w", err)
	}
	return sess.send(TypeCapabilities, responder.Capabilities())
}

func (s *PairingServer) handleOffer(ctx context.Context, sess *serverSession, env Envelope) error {
	var payload SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}

	if err := validateSDP(payload.SDP); err != nil {
		return fmt.Errorf("invalid SDP in offer: %w", err)
	}

	responder, err := sess.ensureResponder(s.responder)
	if err != nil {
		return fmt.Errorf("failed to build responder: %w", err)
	}

	answer, err := responder.HandleOffer(ctx, payload.SDP)
	if err != nil {
		return fmt.Errorf("failed to answer offer: %w", err)
	}

	s.logger.Infow("answering offer",
		"device_id", sess.remoteID,
		"sdp_length", len(payload.SDP),
	)
	return sess.send(TypeAnswer, SDPPayload{SDP: answer})
}

func (s *PairingServer) handleCandidate(sess *serverSession, env Envelope) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &cand); err != nil {
		return fmt.Errorf("invalid candidate payload: %w", err)
	}
	if cand.Candidate == "" {
		return fmt.Errorf("ICE candidate is required")
	}

	responder := sess.currentResponder()
	if responder == nil {
		return fmt.Errorf("no media session for candidate")
	}

	s.logger.Debugw("applying remote candidate", "device_id", sess.remoteID)
	return responder.HandleRemoteCandidate(cand)
}

// ConnectedDevices lists devices currently on the pairing channel.
func (s *PairingServer) ConnectedDevices() []domain.DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]domain.DeviceID, 0, len(s.sessions))
	for id := range s.sessions {
		devices = append(devices, id)
	}
	return devices
}

// IsDeviceConnected reports whether the device has a live session.
func (s *PairingServer) IsDeviceConnected(id domain.DeviceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.sessions[id]
	return exists
}

// Shutdown closes every live session.
func (s *PairingServer) Shutdown() {
	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
		sess.closeResponder(s.logger)
	}
}

// validateSDP checks the fields every session description must carry.
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// serverSession is one live pairing connection on the companion side.
type serverSession struct {
	localID      domain.DeviceID
	remoteID     domain.DeviceID
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	responder Responder
}

func (s *serverSession) send(msgType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return s.sendRaw(msgType, raw)
}

func (s *serverSession) sendRaw(msgType string, payload json.RawMessage) error {
	env := NewEnvelope(msgType, string(s.localID), string(s.remoteID), payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteJSON(env)
}

func (s *serverSession) ensureResponder(factory ResponderFactory) (Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responder != nil {
		return s.responder, nil
	}
	responder, err := factory(s.send)
	if err != nil {
		return nil, err
	}
	s.responder = responder
	return responder, nil
}

func (s *serverSession) currentResponder() Responder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responder
}

func (s *serverSession) closeResponder(logger *zap.SugaredLogger) {
	s.mu.Lock()
	responder := s.responder
	s.responder = nil
	s.mu.Unlock()

	if responder == nil {
		return
	}
	if err := responder.Close(); err != nil {
		logger.Warnw("error closing media responder", "device_id", s.remoteID, "error", err)
	}
}

func (s *serverSession) close() {
	s.ws.Close()
}
