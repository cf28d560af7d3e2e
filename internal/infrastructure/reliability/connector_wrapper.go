package reliability

import (
	"context"
	"fmt"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/retry"

	"go.uber.org/zap"
)

// ConnectorWrapper wraps a DeviceConnector with retry logic and per-device
// circuit breakers. A device that keeps refusing dials stops being dialed
// until its breaker lets a probe through.
type ConnectorWrapper struct {
	connector ports.DeviceConnector
	logger    *zap.SugaredLogger

	retryConfig retry.Config
	cbConfig    circuitbreaker.Config

	breakers   map[string]*circuitbreaker.CircuitBreaker
	breakersMu sync.RWMutex
}

// NewConnectorWrapper creates a new wrapper with retry and circuit breaker
func NewConnectorWrapper(
	connector ports.DeviceConnector,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *ConnectorWrapper {
	// A rejected pairing or an explicit goodbye will not improve on retry
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrPairingRejected, domain.ErrDeviceGone)

	return &ConnectorWrapper{
		connector:   connector,
		logger:      logger,
		retryConfig: retryConfig,
		cbConfig:    cbConfig,
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// getDeviceBreaker gets or creates the circuit breaker for one device address
func (w *ConnectorWrapper) getDeviceBreaker(key string) *circuitbreaker.CircuitBreaker {
	w.breakersMu.RLock()
	cb, exists := w.breakers[key]
	w.breakersMu.RUnlock()

	if exists {
		return cb
	}

	w.breakersMu.Lock()
	defer w.breakersMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := w.breakers[key]; exists {
		return cb
	}

	cb = circuitbreaker.New(w.cbConfig)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("device circuit breaker state changed",
			"device_address", key,
			"from", from.String(),
			"to", to.String(),
		)
	})

	w.breakers[key] = cb
	return cb
}

// Dial connects to a device with retry logic and a per-device circuit breaker
func (w *ConnectorWrapper) Dial(ctx context.Context, address string, port int) (ports.DeviceConn, error) {
	if !w.retryConfig.Enabled {
		return w.connector.Dial(ctx, address, port)
	}

	cb := w.getDeviceBreaker(fmt.Sprintf("%s:%d", address, port))

	return retry.RetryWithResult(ctx, w.retryConfig, func() (ports.DeviceConn, error) {
		res, err := cb.ExecuteWithResult(func() (interface{}, error) {
			return w.connector.Dial(ctx, address, port)
		})
		if err != nil {
			return nil, err
		}
		return res.(ports.DeviceConn), nil
	})
}

// BreakerStats returns circuit breaker statistics for one device address
func (w *ConnectorWrapper) BreakerStats(address string, port int) (circuitbreaker.Stats, bool) {
	w.breakersMu.RLock()
	defer w.breakersMu.RUnlock()

	cb, exists := w.breakers[fmt.Sprintf("%s:%d", address, port)]
	if !exists {
		return circuitbreaker.Stats{}, false
	}
	return cb.GetStats(), true
}
