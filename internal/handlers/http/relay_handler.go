package http

import (
	"errors"
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RelayHandler exposes pipeline control, state and intelligence queries
// on the engine's control API.
type RelayHandler struct {
	orchestrator ports.Orchestrator
	pipeline     ports.PipelineService
	intelligence ports.IntelligenceService
	events       ports.EventPublisher
}

func NewRelayHandler(
	orchestrator ports.Orchestrator,
	pipeline ports.PipelineService,
	intelligence ports.IntelligenceService,
	events ports.EventPublisher,
) *RelayHandler {
	return &RelayHandler{
		orchestrator: orchestrator,
		pipeline:     pipeline,
		intelligence: intelligence,
		events:       events,
	}
}

type sourceResponse struct {
	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Type      string    `json:"type"`
	Priority  int       `json:"priority"`
	Status    string    `json:"status"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FPS       float64   `json:"fps"`
	CreatedAt time.Time `json:"created_at"`
	LastFrame time.Time `json:"last_frame"`
}

func toSourceResponse(s *domain.Source) sourceResponse {
	return sourceResponse{
		ID:        string(s.ID),
		URI:       s.URI,
		Type:      string(s.Type),
		Priority:  s.Priority,
		Status:    string(s.Status),
		Width:     s.Width,
		Height:    s.Height,
		FPS:       s.FPS,
		CreatedAt: s.CreatedAt,
		LastFrame: s.LastFrame,
	}
}

func (h *RelayHandler) AddSource(c *gin.Context) {
	var req struct {
		URI      string `json:"uri" binding:"required,max=2048"`
		Priority int    `json:"priority" binding:"min=0,max=1000"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source, err := h.orchestrator.AddVideoSource(c.Request.Context(), req.URI, req.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"source": toSourceResponse(source)})
}

func (h *RelayHandler) RemoveSource(c *gin.Context) {
	id := domain.SourceID(c.Param("id"))

	if err := h.orchestrator.RemoveVideoSource(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *RelayHandler) SwitchSource(c *gin.Context) {
	id := domain.SourceID(c.Param("id"))

	var req struct {
		Instant bool `json:"instant"`
	}
	// An empty body means a timed transition.
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.pipeline.SwitchToSource(c.Request.Context(), id, req.Instant); err != nil {
		switch {
		case errors.Is(err, domain.ErrSourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		case errors.Is(err, domain.ErrTransitionRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "transition already in progress"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "switching", "target": string(id)})
}

func (h *RelayHandler) ListSources(c *gin.Context) {
	sources, err := h.pipeline.ListSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]sourceResponse, 0, len(sources))
	for _, s := range sources {
		resp = append(resp, toSourceResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sources": resp, "count": len(resp)})
}

func (h *RelayHandler) GetState(c *gin.Context) {
	state, err := h.orchestrator.GetState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": gin.H{
		"active_source":   string(state.ActiveSource),
		"previous_source": string(state.PreviousSource),
		"transitioning":   state.Transitioning,
		"transition_at":   state.TransitionAt,
		"source_count":    state.SourceCount,
		"switch_count":    state.SwitchCount,
	}})
}

func (h *RelayHandler) GetMetrics(c *gin.Context) {
	m, err := h.orchestrator.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"metrics": gin.H{
		"pipeline": gin.H{
			"active_source": string(m.Pipeline.ActiveSource),
			"source_count":  m.Pipeline.SourceCount,
			"fps":           m.Pipeline.FPS,
			"buffer_health": m.Pipeline.BufferHealth,
			"success_rate":  m.Pipeline.SuccessRate,
			"switch_count":  m.Pipeline.SwitchCount,
		},
		"validator": gin.H{
			"signed_frames":    m.Validator.SignedFrames,
			"validated_frames": m.Validator.ValidatedFrames,
			"rejected_frames":  m.Validator.RejectedFrames,
			"tamper_events":    m.Validator.TamperEvents,
			"active_keys":      m.Validator.ActiveKeys,
			"blocked":          m.Validator.Blocked,
		},
		"cross_device": gin.H{
			"known_devices":     m.CrossDevice.KnownDevices,
			"connected_devices": m.CrossDevice.ConnectedDevices,
			"avg_latency_ms":    m.CrossDevice.AvgLatencyMs,
			"reconnect_count":   m.CrossDevice.ReconnectCount,
		},
		"sessions":       m.Sessions,
		"threat_count":   m.ThreatCount,
		"uptime_seconds": m.Uptime.Seconds(),
		"timestamp":      m.Timestamp,
	}})
}

type threatResponse struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

func toThreatResponses(threats []domain.Threat) []threatResponse {
	resp := make([]threatResponse, 0, len(threats))
	for _, t := range threats {
		resp = append(resp, threatResponse{
			ID:          t.ID,
			Type:        string(t.Type),
			Severity:    string(t.Severity),
			Description: t.Description,
			DetectedAt:  t.DetectedAt,
		})
	}
	return resp
}

func (h *RelayHandler) GetSiteProfile(c *gin.Context) {
	site := c.Query("domain")
	if site == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain query parameter required"})
		return
	}

	profile, err := h.intelligence.GetSiteProfile(c.Request.Context(), site)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no profile for domain"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	captures := make([]gin.H, 0, len(profile.CaptureRequests))
	for _, obs := range profile.CaptureRequests {
		captures = append(captures, gin.H{
			"width":       obs.Width,
			"height":      obs.Height,
			"frame_rate":  obs.FrameRate,
			"observed_at": obs.ObservedAt,
		})
	}
	adaptations := make([]gin.H, 0, len(profile.Adaptations))
	for _, a := range profile.Adaptations {
		adaptations = append(adaptations, gin.H{
			"id":         a.ID,
			"threat_id":  a.ThreatID,
			"type":       string(a.Type),
			"applied":    a.Applied,
			"applied_at": a.AppliedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"profile": gin.H{
		"domain_hash":       profile.DomainHash,
		"state":             string(profile.State),
		"capture_requests":  captures,
		"enumeration_count": profile.EnumerationCount,
		"canvas_readbacks":  profile.CanvasReadbacks,
		"threats":           toThreatResponses(profile.Threats),
		"adaptations":       adaptations,
		"preferred_width":   profile.PreferredWidth,
		"preferred_height":  profile.PreferredHeight,
		"first_seen":        profile.FirstSeen,
		"last_seen":         profile.LastSeen,
	}})
}

func (h *RelayHandler) GetThreats(c *gin.Context) {
	site := c.Query("domain")
	if site == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain query parameter required"})
		return
	}

	threats, err := h.intelligence.GetThreats(c.Request.Context(), site)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no profile for domain"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"threats": toThreatResponses(threats), "count": len(threats)})
}

// RecordObservation ingests one media-access observation from a capture
// agent. The domain is optional; an empty one resolves to the destination
// currently under analysis.
func (h *RelayHandler) RecordObservation(c *gin.Context) {
	var req struct {
		Kind      string  `json:"kind" binding:"required,oneof=capture enumeration canvas_readback"`
		Domain    string  `json:"domain" binding:"max=2048"`
		Width     int     `json:"width" binding:"min=0,max=7680"`
		Height    int     `json:"height" binding:"min=0,max=4320"`
		FrameRate float64 `json:"frame_rate" binding:"min=0,max=240"`
		Count     int     `json:"count" binding:"min=0,max=100000"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Kind {
	case "capture":
		err = h.intelligence.ObserveCaptureRequest(ctx, req.Domain, req.Width, req.Height, req.FrameRate)
	case "enumeration":
		err = h.intelligence.ObserveEnumeration(ctx, req.Domain)
	case "canvas_readback":
		err = h.intelligence.ObserveCanvasReadback(ctx, req.Domain, req.Count)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNoAnalysis) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := map[string]interface{}{"kind": req.Kind}
	if req.Domain != "" {
		payload["domain_hash"] = utils.HashDomain(req.Domain)
	}
	h.events.Publish(domain.NewEvent(domain.EventMediaAccess, payload))

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (h *RelayHandler) StopRelay(c *gin.Context) {
	if err := h.orchestrator.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *RelayHandler) RestartRelay(c *gin.Context) {
	if err := h.orchestrator.Restart(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}
