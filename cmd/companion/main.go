package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	pairing "camrelay/internal/infrastructure/signal"
	"camrelay/internal/infrastructure/sources"
	webrtcinfra "camrelay/internal/infrastructure/webrtc"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// trackIngestor feeds produced frames straight onto the local output
// track. The companion has no pipeline of its own.
type trackIngestor struct {
	feeder *webrtcinfra.TrackFeeder
	logger *zap.SugaredLogger
}

func (t *trackIngestor) IngestFrame(frame *domain.Frame) {
	if err := t.feeder.WriteFrame(frame, nil); err != nil {
		t.logger.Warnw("failed to feed frame to track", "error", err)
	}
}

func (t *trackIngestor) ReportSourceError(id domain.SourceID, err error) {
	t.logger.Warnw("companion source error", "source_id", id, "error", err)
}

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "companion"
	}
	localID := domain.DeviceID(utils.GenerateDeviceID())

	authService := services.NewPairingAuthService(
		cfg.Pairing.Secret,
		cfg.Auth.JWTSecret,
		cfg.Pairing.TokenTTL,
		7*24*time.Hour,
	)

	pionFactory := webrtcinfra.NewPionFactory(webrtcinfra.FactoryConfig{
		ICEServers: cfg.Relay.ICEServers,
	})

	feeder, err := webrtcinfra.NewTrackFeeder(webrtc.MimeTypeVP8, log)
	if err != nil {
		log.Fatalw("failed to create track feeder", "error", err)
	}

	// The device camera is stood in for by a synthetic pattern, or a
	// local IVF clip when CAMRELAY_COMPANION_SOURCE names one.
	ingestor := &trackIngestor{feeder: feeder, logger: log}
	var producer sources.Producer
	sourceURI := os.Getenv("CAMRELAY_COMPANION_SOURCE")
	switch {
	case strings.HasPrefix(sourceURI, "file://"):
		producer = sources.NewFilePlayer("companion-camera", sourceURI, ingestor, cfg.Pipeline.ReadaheadTarget)
	default:
		producer = sources.NewSynthetic("companion-camera", ingestor, sources.SyntheticConfig{
			Width:  cfg.Pipeline.SyntheticWidth,
			Height: cfg.Pipeline.SyntheticHeight,
			FPS:    cfg.Pipeline.SyntheticFPS,
		})
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	go func() {
		for {
			if err := producer.Run(rootCtx); err != nil {
				log.Warnw("companion producer stopped", "error", err)
			}
			select {
			case <-rootCtx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	responderFactory := pairing.CompanionResponderFactory(pairing.CompanionConfig{
		DeviceName:     hostname,
		Codecs:         []string{"VP8"},
		MaxBitrateKbps: cfg.Relay.ForcedBitrateKbps,
	}, pionFactory, feeder.Track(), log)

	server := pairing.NewPairingServer(localID, authService, responderFactory, log)
	if cfg.Pairing.PingInterval > 0 {
		server.SetPingInterval(cfg.Pairing.PingInterval)
	}
	if cfg.Pairing.PongTimeout > 0 {
		server.SetReadTimeout(cfg.Pairing.PongTimeout)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Relays trade the shared secret for a session token here before
	// opening the pairing channel.
	router.POST("/api/v1/pair/token", func(c *gin.Context) {
		var req struct {
			DeviceID   string `json:"device_id" binding:"required,max=128"`
			DeviceName string `json:"device_name" binding:"max=128"`
			Secret     string `json:"secret" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := authService.Authorize(req.Secret); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pairing secret"})
			return
		}
		token, err := authService.GenerateToken(domain.DeviceID(req.DeviceID), utils.SanitizeString(req.DeviceName))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	router.GET("/pair", gin.WrapF(server.HandlePairing))

	router.GET("/health", func(c *gin.Context) {
		written, failed := feeder.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":            "healthy",
			"device_id":         string(localID),
			"device_name":       hostname,
			"connected_relays":  len(server.ConnectedDevices()),
			"frames_fed":        written,
			"frame_feed_errors": failed,
			"uptime":            utils.FormatDuration(time.Since(startTime)),
			"timestamp":         time.Now(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Pairing.Address, cfg.Pairing.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Infow("pairing credentials loaded",
		"device_id", localID,
		"secret", utils.MaskSensitive(cfg.Pairing.Secret, 4),
	)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting camrelay companion on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down camrelay companion...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pairing.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	server.Shutdown()
	rootCancel()

	log.Info("camrelay companion stopped")
}
