package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Bus: BusConfig{
			Kind:         "redis",
			RedisAddr:    "localhost:6379",
			QueueSize:    256,
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
		Provider: ProviderConfig{BaseURL: "http://feed.example.com", Timeout: 5 * time.Second},
		Sync:     SyncConfig{Interval: 30 * time.Second, Codes: []string{"508000"}},
		Gateway: GatewayConfig{
			PingInterval:   25 * time.Second,
			PongWait:       50 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     64,
			MaxMessageSize: 4096,
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := baseConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing redis addr", func(c *Config) { c.Bus.RedisAddr = "" }},
		{"kafka without brokers", func(c *Config) { c.Bus.Kind = "kafka"; c.Bus.KafkaBrokers = nil }},
		{"unknown bus kind", func(c *Config) { c.Bus.Kind = "rabbitmq" }},
		{"missing provider url", func(c *Config) { c.Provider.BaseURL = "" }},
		{"inverted backoff bounds", func(c *Config) { c.Bus.ReconnectMax = time.Millisecond }},
		{"pong wait below ping interval", func(c *Config) { c.Gateway.PongWait = time.Second }},
		{"non-positive sync interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"no code source", func(c *Config) { c.Database.DSN = ""; c.Sync.Codes = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsIncompleteDefaults(t *testing.T) {
	// Defaults alone carry no provider URL and no instrument-code
	// source, so boot must abort rather than run silently broken.
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	// A process configured purely through the environment, no yaml
	// file, must boot. This covers the required keys that have no
	// meaningful default.
	t.Setenv("QUOTEWIRE_PROVIDER_BASE_URL", "http://feed.example.com")
	t.Setenv("QUOTEWIRE_SYNC_CODES", "508000,508001")
	t.Setenv("QUOTEWIRE_PROVIDER_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://feed.example.com", cfg.Provider.BaseURL)
	assert.Equal(t, []string{"508000", "508001"}, cfg.Sync.Codes)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
}

func TestLoadKafkaBrokersFromEnvironment(t *testing.T) {
	t.Setenv("QUOTEWIRE_BUS_KIND", "kafka")
	t.Setenv("QUOTEWIRE_BUS_KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("QUOTEWIRE_PROVIDER_BASE_URL", "http://feed.example.com")
	t.Setenv("QUOTEWIRE_DATABASE_DSN", "host=localhost user=quotewire dbname=quotewire")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Bus.KafkaBrokers)
	assert.Equal(t, "host=localhost user=quotewire dbname=quotewire", cfg.Database.DSN)
}

func TestValidateKafkaConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Bus.Kind = "kafka"
	cfg.Bus.KafkaBrokers = []string{"localhost:9092"}
	require.NoError(t, cfg.Validate())
}
