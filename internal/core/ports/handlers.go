package ports

import (
	"context"

	"camrelay/internal/core/domain"

	"github.com/gin-gonic/gin"
)

type RelayHandler interface {
	AddSource(c *gin.Context)
	RemoveSource(c *gin.Context)
	SwitchSource(c *gin.Context)
	ListSources(c *gin.Context)
	GetState(c *gin.Context)
	GetMetrics(c *gin.Context)
	GetSiteProfile(c *gin.Context)
	GetThreats(c *gin.Context)
	StopRelay(c *gin.Context)
	RestartRelay(c *gin.Context)
}

type DeviceHandler interface {
	AddDevice(c *gin.Context)
	RemoveDevice(c *gin.Context)
	ListDevices(c *gin.Context)
	ConnectDevice(c *gin.Context)
	DisconnectDevice(c *gin.Context)
	GetPairingInfo(c *gin.Context)
}

type WebSocketHandler interface {
	HandleConnection(ctx context.Context, wsConn interface{}) error
	HandleMessage(ctx context.Context, deviceID domain.DeviceID, message []byte) error
	HandleDisconnect(ctx context.Context, deviceID domain.DeviceID) error
}
