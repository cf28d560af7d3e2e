package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Pairing struct {
		Address         string        `yaml:"address"`
		Port            int           `yaml:"port"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		Secret          string        `yaml:"secret"`
		TokenTTL        time.Duration `yaml:"token_ttl"`
	} `yaml:"pairing"`

	Pipeline struct {
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		TransitionDuration  time.Duration `yaml:"transition_duration"`
		MinAcceptableFPS    float64       `yaml:"min_acceptable_fps"`
		FPSWindowSize       int           `yaml:"fps_window_size"`
		ErrorHistorySize    int           `yaml:"error_history_size"`
		ReadaheadTarget     time.Duration `yaml:"readahead_target"`
		SyntheticEnabled    bool          `yaml:"synthetic_enabled"`
		SyntheticWidth      int           `yaml:"synthetic_width"`
		SyntheticHeight     int           `yaml:"synthetic_height"`
		SyntheticFPS        int           `yaml:"synthetic_fps"`
	} `yaml:"pipeline"`

	Relay struct {
		SDPManipulation      bool          `yaml:"sdp_manipulation"`
		ForcedCodec          string        `yaml:"forced_codec"`
		ForcedBitrateKbps    int           `yaml:"forced_bitrate_kbps"`
		StealthTiming        bool          `yaml:"stealth_timing"`
		CandidateRandomize   bool          `yaml:"candidate_randomize"`
		CandidateDelayMin    time.Duration `yaml:"candidate_delay_min"`
		CandidateDelayMax    time.Duration `yaml:"candidate_delay_max"`
		VirtualCandidateSets int           `yaml:"virtual_candidate_sets"`
		ICEServers           []string      `yaml:"ice_servers"`
		PortMin              uint16        `yaml:"port_min"`
		PortMax              uint16        `yaml:"port_max"`
	} `yaml:"relay"`

	CrossDevice struct {
		DiscoveryMethod      string        `yaml:"discovery_method"`
		AutoReconnect        bool          `yaml:"auto_reconnect"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
		SourcePriority       int           `yaml:"source_priority"`
	} `yaml:"crossdevice"`

	ASI struct {
		InferenceInterval       time.Duration `yaml:"inference_interval"`
		ObservationWindow       time.Duration `yaml:"observation_window"`
		HistorySize             int           `yaml:"history_size"`
		MaxProfiles             int           `yaml:"max_profiles"`
		AntiDetection           bool          `yaml:"anti_detection"`
		CanvasReadbackThreshold int           `yaml:"canvas_readback_threshold"`
		TimingVarianceFloor     float64       `yaml:"timing_variance_floor"`
		DefaultDestination      string        `yaml:"default_destination"`
	} `yaml:"asi"`

	Crypto struct {
		SigningEnabled      bool          `yaml:"signing_enabled"`
		MasterSecret        string        `yaml:"master_secret"`
		KeyRotationInterval time.Duration `yaml:"key_rotation_interval"`
		SequenceValidation  bool          `yaml:"sequence_validation"`
		SequenceTolerance   uint64        `yaml:"sequence_tolerance"`
		TimestampValidation bool          `yaml:"timestamp_validation"`
		MaxTimestampSkew    time.Duration `yaml:"max_timestamp_skew"`
		TrustedOrigins      []string      `yaml:"trusted_origins"`
		BlockOnTamper       bool          `yaml:"block_on_tamper"`
		BlockThreshold      int           `yaml:"block_threshold"`
		BlockWindow         time.Duration `yaml:"block_window"`
	} `yaml:"crypto"`

	Repository struct {
		Type string `yaml:"type"` // memory, badger, redis
	} `yaml:"repository"`

	Badger struct {
		Path string `yaml:"path"`
	} `yaml:"badger"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Snapshot struct {
		Enabled   bool          `yaml:"enabled"`
		Directory string        `yaml:"directory"`
		Interval  time.Duration `yaml:"interval"`
		Retention int           `yaml:"retention"`
	} `yaml:"snapshot"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		ServiceName string  `yaml:"service_name"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Pairing
	if c.Pairing.Port <= 0 || c.Pairing.Port > 65535 {
		return fmt.Errorf("pairing.port must be in 1..65535")
	}
	if c.Pairing.PingInterval <= 0 {
		return fmt.Errorf("pairing.ping_interval must be > 0")
	}
	if c.Pairing.PongTimeout <= c.Pairing.PingInterval {
		return fmt.Errorf("pairing.pong_timeout must be > pairing.ping_interval")
	}
	if c.Pairing.TokenTTL <= 0 {
		return fmt.Errorf("pairing.token_ttl must be > 0")
	}

	// Pipeline
	if c.Pipeline.HealthCheckInterval <= 0 {
		return fmt.Errorf("pipeline.health_check_interval must be > 0")
	}
	if c.Pipeline.TransitionDuration < 0 {
		return fmt.Errorf("pipeline.transition_duration must be >= 0")
	}
	if c.Pipeline.MinAcceptableFPS <= 0 {
		return fmt.Errorf("pipeline.min_acceptable_fps must be > 0")
	}
	if c.Pipeline.FPSWindowSize <= 0 {
		return fmt.Errorf("pipeline.fps_window_size must be > 0")
	}

	// Relay
	if c.Relay.CandidateDelayMin < 0 || c.Relay.CandidateDelayMax < c.Relay.CandidateDelayMin {
		return fmt.Errorf("relay.candidate_delay range is invalid")
	}
	if c.Relay.PortMax != 0 && c.Relay.PortMax < c.Relay.PortMin {
		return fmt.Errorf("relay.port_max must be >= relay.port_min")
	}

	// Cross-device
	if c.CrossDevice.MaxReconnectAttempts < 0 {
		return fmt.Errorf("crossdevice.max_reconnect_attempts must be >= 0")
	}
	if c.CrossDevice.AutoReconnect && c.CrossDevice.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("crossdevice.reconnect_base_delay must be > 0 when auto_reconnect=true")
	}
	if c.CrossDevice.HeartbeatInterval <= 0 {
		return fmt.Errorf("crossdevice.heartbeat_interval must be > 0")
	}
	if c.CrossDevice.HeartbeatTimeout <= c.CrossDevice.HeartbeatInterval {
		return fmt.Errorf("crossdevice.heartbeat_timeout must be > heartbeat_interval")
	}

	// ASI
	if c.ASI.InferenceInterval <= 0 {
		return fmt.Errorf("asi.inference_interval must be > 0")
	}
	if c.ASI.HistorySize <= 0 {
		return fmt.Errorf("asi.history_size must be > 0")
	}
	if c.ASI.MaxProfiles <= 0 {
		return fmt.Errorf("asi.max_profiles must be > 0")
	}

	// Crypto
	if c.Crypto.SigningEnabled {
		if c.Crypto.KeyRotationInterval <= 0 {
			return fmt.Errorf("crypto.key_rotation_interval must be > 0 when signing is enabled")
		}
		if c.Crypto.SequenceValidation && c.Crypto.SequenceTolerance == 0 {
			return fmt.Errorf("crypto.sequence_tolerance must be > 0 when sequence validation is enabled")
		}
		if c.Crypto.TimestampValidation && c.Crypto.MaxTimestampSkew <= 0 {
			return fmt.Errorf("crypto.max_timestamp_skew must be > 0 when timestamp validation is enabled")
		}
		if c.Crypto.BlockThreshold <= 0 {
			return fmt.Errorf("crypto.block_threshold must be > 0")
		}
		if c.Crypto.BlockWindow <= 0 {
			return fmt.Errorf("crypto.block_window must be > 0")
		}
	}

	// Repository
	switch c.Repository.Type {
	case "memory", "badger", "redis":
	default:
		return fmt.Errorf("repository.type must be one of memory, badger, redis")
	}
	if c.Repository.Type == "badger" && c.Badger.Path == "" {
		return fmt.Errorf("badger.path must not be empty when repository.type=badger")
	}

	// Redis
	if c.Redis.Enabled || c.Repository.Type == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis is in use")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis is in use")
		}
	}

	// Snapshot
	if c.Snapshot.Enabled {
		if c.Snapshot.Directory == "" {
			return fmt.Errorf("snapshot.directory must not be empty when snapshot.enabled=true")
		}
		if c.Snapshot.Interval <= 0 {
			return fmt.Errorf("snapshot.interval must be > 0 when snapshot.enabled=true")
		}
		if c.Snapshot.Retention <= 0 {
			return fmt.Errorf("snapshot.retention must be > 0 when snapshot.enabled=true")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the binary is loaded first so secrets stay out of yaml.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Pairing.Address = ""
	cfg.Pairing.Port = 8765
	cfg.Pairing.PingInterval = 30 * time.Second
	cfg.Pairing.PongTimeout = 60 * time.Second
	cfg.Pairing.ShutdownTimeout = 30 * time.Second
	cfg.Pairing.Secret = "change-me-in-production"
	cfg.Pairing.TokenTTL = 10 * time.Minute

	cfg.Pipeline.HealthCheckInterval = 1 * time.Second
	cfg.Pipeline.TransitionDuration = 300 * time.Millisecond
	cfg.Pipeline.MinAcceptableFPS = 10
	cfg.Pipeline.FPSWindowSize = 30
	cfg.Pipeline.ErrorHistorySize = 20
	cfg.Pipeline.ReadaheadTarget = 5 * time.Second
	cfg.Pipeline.SyntheticEnabled = true
	cfg.Pipeline.SyntheticWidth = 1280
	cfg.Pipeline.SyntheticHeight = 720
	cfg.Pipeline.SyntheticFPS = 30

	cfg.Relay.SDPManipulation = true
	cfg.Relay.ForcedCodec = "VP8"
	cfg.Relay.ForcedBitrateKbps = 2500
	cfg.Relay.StealthTiming = true
	cfg.Relay.CandidateRandomize = true
	cfg.Relay.CandidateDelayMin = 50 * time.Millisecond
	cfg.Relay.CandidateDelayMax = 400 * time.Millisecond
	cfg.Relay.VirtualCandidateSets = 1
	cfg.Relay.ICEServers = []string{"stun:stun.l.google.com:19302"}

	cfg.CrossDevice.DiscoveryMethod = "manual"
	cfg.CrossDevice.AutoReconnect = true
	cfg.CrossDevice.MaxReconnectAttempts = 5
	cfg.CrossDevice.ReconnectBaseDelay = 2 * time.Second
	cfg.CrossDevice.HeartbeatInterval = 5 * time.Second
	cfg.CrossDevice.HeartbeatTimeout = 15 * time.Second
	cfg.CrossDevice.SourcePriority = 1

	cfg.ASI.InferenceInterval = 10 * time.Second
	cfg.ASI.ObservationWindow = time.Minute
	cfg.ASI.HistorySize = 50
	cfg.ASI.MaxProfiles = 100
	cfg.ASI.AntiDetection = true
	cfg.ASI.CanvasReadbackThreshold = 10
	cfg.ASI.TimingVarianceFloor = 5.0

	cfg.Crypto.SigningEnabled = true
	cfg.Crypto.KeyRotationInterval = 5 * time.Minute
	cfg.Crypto.SequenceValidation = true
	cfg.Crypto.SequenceTolerance = 10
	cfg.Crypto.TimestampValidation = true
	cfg.Crypto.MaxTimestampSkew = 30 * time.Second
	cfg.Crypto.TrustedOrigins = []string{"localhost", "127.0.0.1"}
	cfg.Crypto.BlockOnTamper = true
	cfg.Crypto.BlockThreshold = 3
	cfg.Crypto.BlockWindow = 60 * time.Second

	cfg.Repository.Type = "memory"
	cfg.Badger.Path = "data/profiles"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Snapshot.Enabled = false
	cfg.Snapshot.Directory = "data/snapshots"
	cfg.Snapshot.Interval = 15 * time.Minute
	cfg.Snapshot.Retention = 5

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "camrelay"
	cfg.Tracing.SampleRate = 0.1

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if port := os.Getenv("CAMRELAY_PAIRING_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Pairing.Port = p
		}
	}
	if secret := os.Getenv("CAMRELAY_PAIRING_SECRET"); secret != "" {
		c.Pairing.Secret = secret
	}
	if level := os.Getenv("CAMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CAMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("CAMRELAY_MASTER_SECRET"); secret != "" {
		c.Crypto.MasterSecret = secret
	}
	if repo := os.Getenv("CAMRELAY_REPOSITORY_TYPE"); repo != "" {
		c.Repository.Type = repo
	}
	if addr := os.Getenv("CAMRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}
