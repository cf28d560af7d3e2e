package http

import (
	"errors"
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// DeviceHandler exposes companion device pairing and link control.
type DeviceHandler struct {
	crossdevice ports.CrossDeviceService
}

func NewDeviceHandler(crossdevice ports.CrossDeviceService) *DeviceHandler {
	return &DeviceHandler{crossdevice: crossdevice}
}

type deviceResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	State        string    `json:"state"`
	LatencyMs    float64   `json:"latency_ms"`
	PairedAt     time.Time `json:"paired_at"`
	LastSeen     time.Time `json:"last_seen"`
	Capabilities gin.H     `json:"capabilities"`
}

func toDeviceResponse(d *domain.Device) deviceResponse {
	return deviceResponse{
		ID:        string(d.ID),
		Name:      d.Name,
		Address:   d.Address,
		Port:      d.Port,
		State:     string(d.State),
		LatencyMs: d.LatencyMs,
		PairedAt:  d.PairedAt,
		LastSeen:  d.LastSeen,
		Capabilities: gin.H{
			"supported_codecs": d.Capabilities.SupportedCodecs,
			"max_width":        d.Capabilities.MaxWidth,
			"max_height":       d.Capabilities.MaxHeight,
			"max_fps":          d.Capabilities.MaxFPS,
			"can_relay":        d.Capabilities.CanRelay,
		},
	}
}

// AddDevice accepts either a scanned pairing payload or a plain
// address/port pair. Both carry the fields that matter here.
func (h *DeviceHandler) AddDevice(c *gin.Context) {
	var req struct {
		Type    string `json:"type"`
		Address string `json:"address" binding:"required,max=255"`
		Port    int    `json:"port" binding:"required,min=1,max=65535"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type != "" && req.Type != domain.PairingInfoType {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unrecognized pairing payload type"})
		return
	}

	device, err := h.crossdevice.AddDevice(c.Request.Context(), req.Address, req.Port)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"device": toDeviceResponse(device)})
}

func (h *DeviceHandler) RemoveDevice(c *gin.Context) {
	id := domain.DeviceID(c.Param("id"))

	if err := h.crossdevice.RemoveDevice(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.crossdevice.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp, "count": len(resp)})
}

func (h *DeviceHandler) ConnectDevice(c *gin.Context) {
	id := domain.DeviceID(c.Param("id"))

	if err := h.crossdevice.Connect(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		case errors.Is(err, domain.ErrPairingRejected):
			c.JSON(http.StatusBadGateway, gin.H{"error": "device rejected pairing"})
		case errors.Is(err, domain.ErrConnectionFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

func (h *DeviceHandler) DisconnectDevice(c *gin.Context) {
	id := domain.DeviceID(c.Param("id"))

	if err := h.crossdevice.Disconnect(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// GetPairingInfo returns this relay's own pairing payload so a local
// companion can pair back without scanning anything.
func (h *DeviceHandler) GetPairingInfo(c *gin.Context) {
	info, err := h.crossdevice.PairingInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing": info})
}
