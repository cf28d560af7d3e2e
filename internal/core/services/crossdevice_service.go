package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/utils"
	"camrelay/pkg/validation"

	"go.uber.org/zap"
)

// CrossDeviceConfig tunes device pairing and link supervision.
type CrossDeviceConfig struct {
	DeviceName           string
	AdvertiseAddress     string
	Port                 int
	DiscoveryMethod      string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration

	// OnDeviceDown fires when a device link ends for good: a goodbye,
	// an explicit disconnect or removal, or exhausted reconnects. The
	// pipeline uses it to drop the device's source.
	OnDeviceDown func(id domain.DeviceID)
}

func DefaultCrossDeviceConfig() CrossDeviceConfig {
	return CrossDeviceConfig{
		DeviceName:           "camrelay",
		AdvertiseAddress:     "127.0.0.1",
		Port:                 8765,
		DiscoveryMethod:      "manual",
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   2 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		HeartbeatTimeout:     15 * time.Second,
	}
}

type deviceLink struct {
	device     *domain.Device
	conn       ports.DeviceConn
	generation uint64
	attempts   int
}

type crossDeviceService struct {
	cfg       CrossDeviceConfig
	localID   domain.DeviceID
	connector ports.DeviceConnector
	repo      ports.DeviceRepository
	metrics   *MetricsService
	logger    *zap.SugaredLogger

	mu         sync.RWMutex
	links      map[domain.DeviceID]*deviceLink
	reconnects int

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewCrossDeviceService(
	cfg CrossDeviceConfig,
	connector ports.DeviceConnector,
	repo ports.DeviceRepository,
	metrics *MetricsService,
	logger *zap.SugaredLogger,
) ports.CrossDeviceService {
	return &crossDeviceService{
		cfg:       cfg,
		localID:   domain.DeviceID(utils.GenerateDeviceID()),
		connector: connector,
		repo:      repo,
		metrics:   metrics,
		logger:    logger,
		links:     make(map[domain.DeviceID]*deviceLink),
	}
}

func (s *crossDeviceService) AddDevice(ctx context.Context, address string, port int) (*domain.Device, error) {
	if err := validation.ValidateDeviceAddress(address); err != nil {
		return nil, fmt.Errorf("invalid device address: %w", err)
	}
	if err := validation.ValidatePort(port); err != nil {
		return nil, fmt.Errorf("invalid device port: %w", err)
	}

	device := &domain.Device{
		ID:       domain.DeviceID(utils.GenerateDeviceID()),
		Address:  address,
		Port:     port,
		State:    domain.ConnectionDisconnected,
		PairedAt: utils.Now(),
	}

	if err := s.repo.Save(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to persist device: %w", err)
	}

	s.mu.Lock()
	s.links[device.ID] = &deviceLink{device: device}
	s.mu.Unlock()

	s.logger.Infow("device paired", "device_id", device.ID, "address", address, "port", port)
	return cloneDevice(device), nil
}

func (s *crossDeviceService) RemoveDevice(ctx context.Context, id domain.DeviceID) error {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrDeviceNotFound
	}
	link.generation++
	conn := link.conn
	link.conn = nil
	delete(s.links, id)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.metrics.RecordDeviceDisconnected()
	}
	if err := s.repo.Delete(ctx, id); err != nil && err != domain.ErrDeviceNotFound {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	s.notifyDeviceDown(id)

	s.logger.Infow("device removed", "device_id", id)
	return nil
}

func (s *crossDeviceService) GetDevice(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[id]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return cloneDevice(link.device), nil
}

func (s *crossDeviceService) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(s.links))
	for _, link := range s.links {
		devices = append(devices, cloneDevice(link.device))
	}
	return devices, nil
}

// Connect dials the device once. Failed dials hand off to the background
// retry loop when auto reconnect is on, so an error here does not mean the
// link stays down.
func (s *crossDeviceService) Connect(ctx context.Context, id domain.DeviceID) error {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrDeviceNotFound
	}
	if link.device.State == domain.ConnectionConnected {
		s.mu.Unlock()
		return nil
	}
	link.generation++
	gen := link.generation
	link.attempts = 0
	link.device.State = domain.ConnectionConnecting
	address, port := link.device.Address, link.device.Port
	s.mu.Unlock()

	conn, err := s.connector.Dial(ctx, address, port)
	if err != nil {
		s.handleDialFailure(id, gen, err)
		return fmt.Errorf("failed to connect to device %s: %w", id, err)
	}

	s.attachConn(id, gen, conn)
	return nil
}

func (s *crossDeviceService) Disconnect(ctx context.Context, id domain.DeviceID) error {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrDeviceNotFound
	}
	link.generation++
	conn := link.conn
	link.conn = nil
	wasConnected := link.device.State == domain.ConnectionConnected
	link.device.State = domain.ConnectionDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		s.metrics.RecordDeviceDisconnected()
	}
	s.notifyDeviceDown(id)

	s.logger.Infow("device disconnected", "device_id", id)
	return nil
}

// attachConn installs a live connection and starts its supervisor. A stale
// generation means Disconnect or a newer Connect won the race; the
// connection is discarded.
func (s *crossDeviceService) attachConn(id domain.DeviceID, gen uint64, conn ports.DeviceConn) {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok || link.generation != gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	link.conn = conn
	link.attempts = 0
	link.device.State = domain.ConnectionConnected
	link.device.LastSeen = utils.Now()
	runCtx := s.runCtx
	s.mu.Unlock()

	s.metrics.RecordDeviceConnected()
	s.logger.Infow("device connected", "device_id", id)

	if runCtx == nil {
		runCtx = context.Background()
	}
	s.wg.Add(1)
	go s.monitor(runCtx, id, gen, conn)
}

// handleDialFailure marks the link down and schedules a retry when allowed.
func (s *crossDeviceService) handleDialFailure(id domain.DeviceID, gen uint64, err error) {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok || link.generation != gen {
		s.mu.Unlock()
		return
	}

	if !s.cfg.AutoReconnect || link.attempts >= s.cfg.MaxReconnectAttempts {
		link.device.State = domain.ConnectionFailed
		s.mu.Unlock()
		s.notifyDeviceDown(id)
		s.logger.Warnw("device connection failed", "device_id", id, "error", err)
		return
	}

	link.attempts++
	attempt := link.attempts
	s.reconnects++
	link.device.State = domain.ConnectionReconnecting
	runCtx := s.runCtx
	s.mu.Unlock()

	s.metrics.RecordReconnectAttempt()
	delay := s.backoffDelay(attempt)
	s.logger.Warnw("device dial failed, retrying",
		"device_id", id,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)

	if runCtx == nil {
		runCtx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}
		s.redial(runCtx, id, gen)
	}()
}

func (s *crossDeviceService) notifyDeviceDown(id domain.DeviceID) {
	if s.cfg.OnDeviceDown != nil {
		s.cfg.OnDeviceDown(id)
	}
}

// backoffDelay grows linearly with the attempt number.
func (s *crossDeviceService) backoffDelay(attempt int) time.Duration {
	return s.cfg.ReconnectBaseDelay * time.Duration(attempt)
}

func (s *crossDeviceService) redial(ctx context.Context, id domain.DeviceID, gen uint64) {
	s.mu.RLock()
	link, ok := s.links[id]
	if !ok || link.generation != gen {
		s.mu.RUnlock()
		return
	}
	address, port := link.device.Address, link.device.Port
	s.mu.RUnlock()

	conn, err := s.connector.Dial(ctx, address, port)
	if err != nil {
		s.handleDialFailure(id, gen, err)
		return
	}
	s.attachConn(id, gen, conn)
}

// monitor heartbeats the link and drives reconnection when it drops.
func (s *crossDeviceService) monitor(ctx context.Context, id domain.DeviceID, gen uint64, conn ports.DeviceConn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Closed():
			s.handleDrop(id, gen, conn)
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			latency, err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warnw("heartbeat failed", "device_id", id, "error", err)
				conn.Close()
				s.handleDrop(id, gen, conn)
				return
			}
			s.recordHeartbeat(id, gen, latency)
		}
	}
}

func (s *crossDeviceService) recordHeartbeat(id domain.DeviceID, gen uint64, latency time.Duration) {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok || link.generation != gen {
		s.mu.Unlock()
		return
	}
	ms := float64(latency.Microseconds()) / 1000.0
	link.device.LatencyMs = ms
	link.device.LastSeen = utils.Now()
	s.mu.Unlock()

	s.metrics.SetHeartbeatLatency(ms)
}

// handleDrop decides what happens after a link went down. A goodbye from the
// remote ends the link for good; anything else goes through the retry loop.
func (s *crossDeviceService) handleDrop(id domain.DeviceID, gen uint64, conn ports.DeviceConn) {
	s.mu.Lock()
	link, ok := s.links[id]
	if !ok || link.generation != gen {
		s.mu.Unlock()
		return
	}
	link.conn = nil
	gone := conn.Err() == domain.ErrDeviceGone
	if gone || !s.cfg.AutoReconnect {
		link.device.State = domain.ConnectionDisconnected
	}
	s.mu.Unlock()

	s.metrics.RecordDeviceDisconnected()

	if gone {
		s.notifyDeviceDown(id)
		s.logger.Infow("device said goodbye", "device_id", id)
		return
	}
	if !s.cfg.AutoReconnect {
		s.notifyDeviceDown(id)
		s.logger.Warnw("device link dropped", "device_id", id)
		return
	}

	s.handleDialFailure(id, gen, conn.Err())
}

// PairingInfo builds the payload a companion encodes out of band, e.g. as a
// QR code, to reach this instance.
func (s *crossDeviceService) PairingInfo(ctx context.Context) (*domain.PairingInfo, error) {
	return &domain.PairingInfo{
		Type:      domain.PairingInfoType,
		Version:   domain.PairingVersion,
		DeviceID:  string(s.localID),
		Address:   s.cfg.AdvertiseAddress,
		Port:      s.cfg.Port,
		Timestamp: utils.Now().UnixMilli(),
	}, nil
}

func (s *crossDeviceService) Metrics(ctx context.Context) (*domain.CrossDeviceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &domain.CrossDeviceMetrics{
		KnownDevices:   len(s.links),
		ReconnectCount: s.reconnects,
	}

	var totalLatency float64
	for _, link := range s.links {
		if link.device.State == domain.ConnectionConnected {
			m.ConnectedDevices++
			totalLatency += link.device.LatencyMs
		}
	}
	if m.ConnectedDevices > 0 {
		m.AvgLatencyMs = totalLatency / float64(m.ConnectedDevices)
	}
	return m, nil
}

func (s *crossDeviceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("cross-device coordinator already started")
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	devices, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Warnw("failed to load paired devices", "error", err)
		return nil
	}

	s.mu.Lock()
	for _, d := range devices {
		if _, ok := s.links[d.ID]; ok {
			continue
		}
		device := cloneDevice(d)
		device.State = domain.ConnectionDisconnected
		s.links[d.ID] = &deviceLink{device: device}
	}
	count := len(s.links)
	s.mu.Unlock()

	s.logger.Infow("cross-device coordinator started", "local_id", s.localID, "known_devices", count)
	return nil
}

func (s *crossDeviceService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel

	var conns []ports.DeviceConn
	for _, link := range s.links {
		link.generation++
		if link.conn != nil {
			conns = append(conns, link.conn)
			link.conn = nil
		}
		link.device.State = domain.ConnectionDisconnected
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		s.metrics.RecordDeviceDisconnected()
	}
	cancel()
	s.wg.Wait()

	s.logger.Info("cross-device coordinator stopped")
}

func cloneDevice(d *domain.Device) *domain.Device {
	clone := *d
	clone.Capabilities.SupportedCodecs = append([]string(nil), d.Capabilities.SupportedCodecs...)
	return &clone
}
