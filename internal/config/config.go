// Package config loads and validates the process configuration. Every
// recognized option is an explicit field with a default; unknown broker
// or provider settings cannot sneak in through an options bag.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Bus      BusConfig      `mapstructure:"bus"`
	Provider ProviderConfig `mapstructure:"provider"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Database DatabaseConfig `mapstructure:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BusConfig selects and parameterizes the broker backend.
type BusConfig struct {
	Kind          string        `mapstructure:"kind"` // "redis" or "kafka"
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KafkaBrokers  []string      `mapstructure:"kafka_brokers"`
	KafkaGroupID  string        `mapstructure:"kafka_group_id"`
	QueueSize     int           `mapstructure:"queue_size"`
	ReconnectMin  time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Codes is the static instrument list used when no database DSN is
	// configured.
	Codes []string `mapstructure:"codes"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type GatewayConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// Load reads configuration from an optional yaml file (path may be
// empty) with QUOTEWIRE_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("QUOTEWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Every key must appear here, required ones included: viper only
// surfaces a QUOTEWIRE_* environment override through Unmarshal for
// keys it already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("bus.kind", "redis")
	v.SetDefault("bus.redis_addr", "localhost:6379")
	v.SetDefault("bus.redis_password", "")
	v.SetDefault("bus.redis_db", 0)
	v.SetDefault("bus.kafka_brokers", []string{})
	v.SetDefault("bus.kafka_group_id", "quotewire-gateway")
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.reconnect_min", 500*time.Millisecond)
	v.SetDefault("bus.reconnect_max", 30*time.Second)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", 5*time.Second)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.codes", []string{})

	v.SetDefault("database.dsn", "")

	v.SetDefault("gateway.ping_interval", 25*time.Second)
	v.SetDefault("gateway.pong_wait", 50*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.max_message_size", 4096)
}

// Validate fails fast on configuration the process cannot run without.
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required when bus.kind is redis")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			return fmt.Errorf("bus.kafka_brokers is required when bus.kind is kafka")
		}
	default:
		return fmt.Errorf("bus.kind must be redis or kafka, got %q", c.Bus.Kind)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Bus.ReconnectMin <= 0 || c.Bus.ReconnectMax < c.Bus.ReconnectMin {
		return fmt.Errorf("bus reconnect backoff bounds are invalid: min=%s max=%s",
			c.Bus.ReconnectMin, c.Bus.ReconnectMax)
	}
	if c.Gateway.PongWait <= c.Gateway.PingInterval {
		return fmt.Errorf("gateway.pong_wait (%s) must exceed gateway.ping_interval (%s)",
			c.Gateway.PongWait, c.Gateway.PingInterval)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Database.DSN == "" && len(c.Sync.Codes) == 0 {
		return fmt.Errorf("either database.dsn or sync.codes must be set")
	}
	return nil
}
