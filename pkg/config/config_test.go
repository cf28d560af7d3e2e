package config

import (
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestDefaultConfig_PipelineAndCryptoDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.HealthCheckInterval != time.Second {
		t.Errorf("expected health check interval 1s, got %v", cfg.Pipeline.HealthCheckInterval)
	}
	if cfg.Crypto.KeyRotationInterval != 5*time.Minute {
		t.Errorf("expected key rotation interval 5m, got %v", cfg.Crypto.KeyRotationInterval)
	}
	if cfg.Crypto.SequenceTolerance != 10 {
		t.Errorf("expected sequence tolerance 10, got %d", cfg.Crypto.SequenceTolerance)
	}
	if cfg.Crypto.BlockThreshold != 3 {
		t.Errorf("expected block threshold 3, got %d", cfg.Crypto.BlockThreshold)
	}
	if cfg.CrossDevice.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("expected reconnect base delay 2s, got %v", cfg.CrossDevice.ReconnectBaseDelay)
	}
	if cfg.Pairing.Port != 8765 {
		t.Errorf("expected pairing port 8765, got %d", cfg.Pairing.Port)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_RateLimiting_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.Burst = 0
			},
		},
		{
			name: "http max concurrent must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.MaxConcurrent = -1
			},
		},
		{
			name: "ws connections per minute must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.ConnectionsPerMinute = 0
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "ws burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.Burst = 0
			},
		},
		{
			name: "ws max concurrent must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MaxConcurrent = -1
			},
		},
		{
			name: "ws max message size must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			// ensure other timing fields are valid to isolate rate limiting
			cfg.Server.ReadTimeout = time.Second
			cfg.Server.WriteTimeout = time.Second
			cfg.Pairing.PingInterval = time.Second
			cfg.Pairing.PongTimeout = 2 * time.Second
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_SectionInvariants(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "health check interval must be > 0",
			mutate: func(c *Config) {
				c.Pipeline.HealthCheckInterval = 0
			},
		},
		{
			name: "min acceptable fps must be > 0",
			mutate: func(c *Config) {
				c.Pipeline.MinAcceptableFPS = 0
			},
		},
		{
			name: "candidate delay max must be >= min",
			mutate: func(c *Config) {
				c.Relay.CandidateDelayMin = 500 * time.Millisecond
				c.Relay.CandidateDelayMax = 100 * time.Millisecond
			},
		},
		{
			name: "heartbeat timeout must exceed interval",
			mutate: func(c *Config) {
				c.CrossDevice.HeartbeatInterval = 10 * time.Second
				c.CrossDevice.HeartbeatTimeout = 5 * time.Second
			},
		},
		{
			name: "key rotation interval must be > 0 when signing enabled",
			mutate: func(c *Config) {
				c.Crypto.SigningEnabled = true
				c.Crypto.KeyRotationInterval = 0
			},
		},
		{
			name: "unknown repository type rejected",
			mutate: func(c *Config) {
				c.Repository.Type = "cassandra"
			},
		},
		{
			name: "badger repository requires path",
			mutate: func(c *Config) {
				c.Repository.Type = "badger"
				c.Badger.Path = ""
			},
		},
		{
			name: "redis repository requires address",
			mutate: func(c *Config) {
				c.Repository.Type = "redis"
				c.Redis.Address = ""
			},
		},
		{
			name: "snapshot requires directory when enabled",
			mutate: func(c *Config) {
				c.Snapshot.Enabled = true
				c.Snapshot.Directory = ""
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_CryptoChecksSkippedWhenSigningDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Crypto.SigningEnabled = false
	cfg.Crypto.KeyRotationInterval = 0
	cfg.Crypto.BlockThreshold = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected crypto checks to be skipped when signing disabled, got error: %v", err)
	}
}
