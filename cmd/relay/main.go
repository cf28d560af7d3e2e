package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	"camrelay/internal/infrastructure/bridge"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/reliability"
	repositories "camrelay/internal/infrastructure/repositories"
	sdprw "camrelay/internal/infrastructure/sdp"
	pairing "camrelay/internal/infrastructure/signal"
	snapinfra "camrelay/internal/infrastructure/snapshot"
	"camrelay/internal/infrastructure/sources"
	webrtcinfra "camrelay/internal/infrastructure/webrtc"
	"camrelay/pkg/circuitbreaker"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/retry"
	snappkg "camrelay/pkg/snapshot"
	"camrelay/pkg/tracing"
	"camrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const snapshotVersion = "1.0.0"

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
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	log, err := logger.New(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Distributed tracing (no-op when disabled)
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Repositories (memory, badger or redis per config)
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	profileRepo := repoFactory.CreateProfileRepository()
	deviceRepo := repoFactory.CreateDeviceRepository()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Event bridge fans engine events out to local websocket clients and,
	// when redis is available, to sibling instances.
	var eventBus *bridge.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		eventBus = bridge.NewEventBus(client, utils.GenerateID("relay"), log)
	}
	eventBridge := bridge.NewBridge(eventBus, log)
	eventBridge.Start(rootCtx)

	metricsService := services.NewMetricsService()

	// Core services
	pipelineCfg := services.DefaultPipelineConfig()
	if cfg.Pipeline.HealthCheckInterval > 0 {
		pipelineCfg.HealthCheckInterval = cfg.Pipeline.HealthCheckInterval
	}
	if cfg.Pipeline.TransitionDuration > 0 {
		pipelineCfg.TransitionDuration = cfg.Pipeline.TransitionDuration
	}
	if cfg.Pipeline.MinAcceptableFPS > 0 {
		pipelineCfg.MinAcceptableFPS = cfg.Pipeline.MinAcceptableFPS
	}
	if cfg.Pipeline.FPSWindowSize > 0 {
		pipelineCfg.FPSWindowSize = cfg.Pipeline.FPSWindowSize
	}
	if cfg.Pipeline.ErrorHistorySize > 0 {
		pipelineCfg.ErrorHistorySize = cfg.Pipeline.ErrorHistorySize
	}
	if cfg.Pipeline.ReadaheadTarget > 0 {
		pipelineCfg.ReadaheadTarget = cfg.Pipeline.ReadaheadTarget
	}
	pipelineService := services.NewPipelineService(pipelineCfg, eventBridge, metricsService, log)

	validatorCfg := services.DefaultValidatorConfig()
	validatorCfg.MasterSecret = cfg.Crypto.MasterSecret
	if cfg.Crypto.KeyRotationInterval > 0 {
		validatorCfg.KeyRotationInterval = cfg.Crypto.KeyRotationInterval
	}
	validatorCfg.SequenceValidation = cfg.Crypto.SequenceValidation
	if cfg.Crypto.SequenceTolerance > 0 {
		validatorCfg.SequenceTolerance = cfg.Crypto.SequenceTolerance
	}
	validatorCfg.TimestampValidation = cfg.Crypto.TimestampValidation
	if cfg.Crypto.MaxTimestampSkew > 0 {
		validatorCfg.MaxTimestampSkew = cfg.Crypto.MaxTimestampSkew
	}
	if len(cfg.Crypto.TrustedOrigins) > 0 {
		validatorCfg.TrustedOrigins = cfg.Crypto.TrustedOrigins
	}
	if cfg.Crypto.BlockThreshold > 0 {
		validatorCfg.BlockThreshold = cfg.Crypto.BlockThreshold
	}
	if cfg.Crypto.BlockWindow > 0 {
		validatorCfg.BlockWindow = cfg.Crypto.BlockWindow
	}
	validatorService, err := services.NewValidatorService(validatorCfg, metricsService, log)
	if err != nil {
		log.Fatalw("failed to create validator service", "error", err)
	}

	intelCfg := services.DefaultIntelligenceConfig()
	if cfg.ASI.InferenceInterval > 0 {
		intelCfg.InferenceInterval = cfg.ASI.InferenceInterval
	}
	if cfg.ASI.ObservationWindow > 0 {
		intelCfg.ObservationWindow = cfg.ASI.ObservationWindow
	}
	if cfg.ASI.HistorySize > 0 {
		intelCfg.HistorySize = cfg.ASI.HistorySize
	}
	if cfg.ASI.MaxProfiles > 0 {
		intelCfg.MaxProfiles = cfg.ASI.MaxProfiles
	}
	intelCfg.AntiDetection = cfg.ASI.AntiDetection
	if cfg.ASI.CanvasReadbackThreshold > 0 {
		intelCfg.CanvasReadbackThreshold = cfg.ASI.CanvasReadbackThreshold
	}
	if cfg.ASI.TimingVarianceFloor > 0 {
		intelCfg.TimingVarianceFloor = cfg.ASI.TimingVarianceFloor
	}
	intelligenceService := services.NewCachedIntelligenceService(
		services.NewIntelligenceService(intelCfg, profileRepo, metricsService, log),
		5*time.Minute,
	)

	// Snapshot restore and scheduling
	var scheduler *snapinfra.Scheduler
	if cfg.Snapshot.Enabled {
		storage, err := snappkg.NewFileStorage(cfg.Snapshot.Directory)
		if err != nil {
			log.Fatalw("failed to open snapshot storage", "error", err)
		}
		snapshots := snappkg.NewSnapshotService(storage, snapshotVersion)

		restore := snapinfra.NewRestoreService(snapshots, profileRepo, deviceRepo, log)
		if name, err := restore.RestoreLatestIfEmpty(rootCtx); err != nil {
			log.Warnw("snapshot restore failed", "error", err)
		} else if name != "" {
			log.Infow("restored state from snapshot", "snapshot", name)
		}

		scheduler = snapinfra.NewScheduler(snapshots, profileRepo, deviceRepo, snapinfra.Config{
			Interval:  cfg.Snapshot.Interval,
			Retention: cfg.Snapshot.Retention,
		}, log)
		scheduler.Start(rootCtx)
	}

	// Relay: SDP rewriting, candidate forging, session interception
	rewriter := sdprw.NewRewriter(sdprw.Config{
		ForcedCodec:       cfg.Relay.ForcedCodec,
		ForcedBitrateKbps: cfg.Relay.ForcedBitrateKbps,
		SessionAttributes: cfg.Relay.SDPManipulation,
	}, log)
	relayService := webrtcinfra.NewSessionManager(webrtcinfra.Config{
		SDPManipulation:      cfg.Relay.SDPManipulation,
		StealthTiming:        cfg.Relay.StealthTiming,
		CandidateRandomize:   cfg.Relay.CandidateRandomize,
		CandidateDelayMin:    cfg.Relay.CandidateDelayMin,
		CandidateDelayMax:    cfg.Relay.CandidateDelayMax,
		VirtualCandidateSets: cfg.Relay.VirtualCandidateSets,
	}, rewriter, webrtcinfra.NewCandidateForge(), metricsService, log)

	pionFactory := webrtcinfra.NewPionFactory(webrtcinfra.FactoryConfig{
		ICEServers: cfg.Relay.ICEServers,
		PortMin:    cfg.Relay.PortMin,
		PortMax:    cfg.Relay.PortMax,
	})
	relayService.Install(pionFactory)

	mimeType := webrtc.MimeTypeVP8
	if cfg.Relay.ForcedCodec == "H264" {
		mimeType = webrtc.MimeTypeH264
	}
	feeder, err := webrtcinfra.NewTrackFeeder(mimeType, log)
	if err != nil {
		log.Fatalw("failed to create track feeder", "error", err)
	}
	relayService.SetInjectedTrack(feeder.Track())

	// Source producers and the device media bridge
	adapters := sources.NewManager(pipelineService, sources.Config{
		SyntheticWidth:  cfg.Pipeline.SyntheticWidth,
		SyntheticHeight: cfg.Pipeline.SyntheticHeight,
		SyntheticFPS:    cfg.Pipeline.SyntheticFPS,
		ReadaheadTarget: cfg.Pipeline.ReadaheadTarget,
	}, log)
	deviceBridge := sources.NewDeviceBridge(pipelineService, cfg.CrossDevice.SourcePriority, log)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "camrelay"
	}

	pairingClient := pairing.NewPairingClient(pairing.ClientConfig{
		LocalID:        domain.DeviceID(utils.GenerateDeviceID()),
		DeviceName:     hostname,
		PairingSecret:  cfg.Pairing.Secret,
		MaxBitrateKbps: cfg.Relay.ForcedBitrateKbps,
	}, pionFactory, deviceBridge.HandleTrack, log)
	pairingClient.SetPacketHandler(deviceBridge.HandlePacket)

	connector := reliability.NewConnectorWrapper(
		pairingClient,
		retry.DefaultConfig(),
		circuitbreaker.DefaultConfig(),
		log,
	)

	crossDeviceService := services.NewCrossDeviceService(services.CrossDeviceConfig{
		DeviceName:           hostname,
		AdvertiseAddress:     cfg.Pairing.Address,
		Port:                 cfg.Pairing.Port,
		DiscoveryMethod:      cfg.CrossDevice.DiscoveryMethod,
		AutoReconnect:        cfg.CrossDevice.AutoReconnect,
		MaxReconnectAttempts: cfg.CrossDevice.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.CrossDevice.ReconnectBaseDelay,
		HeartbeatInterval:    cfg.CrossDevice.HeartbeatInterval,
		HeartbeatTimeout:     cfg.CrossDevice.HeartbeatTimeout,
		OnDeviceDown:         deviceBridge.DropDevice,
	}, connector, deviceRepo, metricsService, log)

	fallbackService := services.NewFallbackService(
		cfg.Pipeline.SyntheticEnabled,
		cfg.Pipeline.SyntheticWidth,
		cfg.Pipeline.SyntheticHeight,
		cfg.Pipeline.SyntheticFPS,
		services.DefaultFallbackThresholds(),
		log,
	)

	orchCfg := services.DefaultOrchestratorConfig()
	if cfg.Monitoring.MetricsInterval > 0 {
		orchCfg.MetricsInterval = cfg.Monitoring.MetricsInterval
	}
	orchCfg.DefaultDestination = cfg.ASI.DefaultDestination
	orchestrator := services.NewOrchestrator(
		orchCfg,
		pipelineService,
		validatorService,
		intelligenceService,
		relayService,
		crossDeviceService,
		fallbackService,
		adapters,
		feeder,
		eventBridge,
		metricsService,
		log,
	)

	if err := orchestrator.Init(rootCtx); err != nil {
		log.Fatalw("failed to initialize relay engine", "error", err)
	}

	if cfg.Pipeline.SyntheticEnabled {
		if _, err := orchestrator.AddVideoSource(rootCtx, "synthetic://default", 100); err != nil {
			log.Warnw("failed to add synthetic source", "error", err)
		}
	}

	// An empty destination falls back to asi.default_destination; with
	// neither set the relay runs without site analysis.
	destination := os.Getenv("CAMRELAY_DESTINATION")
	if err := orchestrator.Start(rootCtx, destination); err != nil {
		log.Fatalw("failed to start relay engine", "error", err)
	}

	// Monitoring
	collector := monitoring.NewPrometheusCollector()
	if cfg.Monitoring.PrometheusEnabled {
		interval := cfg.Monitoring.MetricsInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		collector.StartPolling(rootCtx, metricsService, interval)
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddProfileStoreCheck(profileRepo, 30*time.Second, 2*time.Second)
	healthChecker.AddPipelineCheck(orchestrator, 15*time.Second, 2*time.Second)
	healthChecker.AddPairingCheck(crossDeviceService, 30*time.Second, 2*time.Second)
	healthChecker.AddReadinessCheck(repoFactory.RedisClient(), profileRepo, 10*time.Second, 2*time.Second)
	healthChecker.StartBackgroundChecks(rootCtx)

	authService := services.NewPairingAuthService(
		cfg.Pairing.Secret,
		cfg.Auth.JWTSecret,
		cfg.Auth.TokenTTL,
		7*24*time.Hour,
	)

	// HTTP control API
	relayHandler := httphandlers.NewRelayHandler(orchestrator, pipelineService, intelligenceService, eventBridge)
	deviceHandler := httphandlers.NewDeviceHandler(crossDeviceService)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	api := router.Group("/api/v1")
	api.Use(middleware.OptionalAuthMiddleware(authService))
	{
		api.POST("/sources", relayHandler.AddSource)
		api.GET("/sources", relayHandler.ListSources)
		api.DELETE("/sources/:id", relayHandler.RemoveSource)
		api.POST("/sources/:id/switch", relayHandler.SwitchSource)

		api.GET("/state", relayHandler.GetState)
		api.GET("/metrics", relayHandler.GetMetrics)
		api.POST("/stop", relayHandler.StopRelay)
		api.POST("/restart", relayHandler.RestartRelay)

		api.GET("/profile", relayHandler.GetSiteProfile)
		api.GET("/threats", relayHandler.GetThreats)
		api.POST("/observations", relayHandler.RecordObservation)

		api.POST("/devices", deviceHandler.AddDevice)
		api.GET("/devices", deviceHandler.ListDevices)
		api.DELETE("/devices/:id", deviceHandler.RemoveDevice)
		api.POST("/devices/:id/connect", deviceHandler.ConnectDevice)
		api.POST("/devices/:id/disconnect", deviceHandler.DisconnectDevice)
		api.GET("/pairing", deviceHandler.GetPairingInfo)
	}

	router.GET("/api/v1/events/ws", gin.WrapF(eventBridge.HandleEventsSocket))

	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now(),
			"uptime":    utils.FormatDuration(time.Since(startTime)),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if !healthChecker.IsReady(ctx) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting camrelay engine on %s", cfg.Server.Address)
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

	log.Info("Shutting down camrelay engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	if err := orchestrator.Destroy(shutdownCtx); err != nil {
		log.Errorw("Error destroying relay engine", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	eventBridge.Shutdown()
	rootCancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("camrelay engine stopped")
}
