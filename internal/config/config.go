// Package config loads the relay server configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config is the full server configuration.
type Config struct {
	Common   CommonConfig     `yaml:"common"`
	HTTP     HTTPServerConfig `yaml:"http"`
	Database DatabaseConfig   `yaml:"database"`
	Redis    RedisConfig      `yaml:"redis"`
	Store    StoreConfig      `yaml:"store"`
	Auth     AuthConfig       `yaml:"auth"`
	Relay    RelayConfig      `yaml:"relay"`
	Presence PresenceConfig   `yaml:"presence"`
	Calls    CallsConfig      `yaml:"calls"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// CommonConfig holds settings shared by every component.
type CommonConfig struct {
	// Valid values: debug, info, warn, error
	LogLevel  string `env:"LOG_LEVEL" yaml:"log_level" default:"info"`
	LogFormat string `env:"LOG_FORMAT" yaml:"log_format" default:"json"`
	Service   string `env:"SERVICE_NAME" yaml:"service" default:"chat-relay"`
}

type HTTPServerConfig struct {
	Addr         string        `env:"HTTP_ADDR" yaml:"addr" default:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" yaml:"read_timeout" default:"15s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" yaml:"idle_timeout" default:"60s"`
	AllowOrigins []string      `env:"HTTP_ALLOW_ORIGINS" yaml:"allow_origins" default:"*"`
}

type DatabaseConfig struct {
	DSN string `env:"DB_DSN" yaml:"dsn" required:"true"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" yaml:"addr" default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB" yaml:"db" default:"0"`
}

// StoreConfig selects the ephemeral store backend.
type StoreConfig struct {
	// Valid values: memory, redis
	Backend       string        `env:"STORE_BACKEND" yaml:"backend" default:"redis"`
	SweepInterval time.Duration `env:"STORE_SWEEP_INTERVAL" yaml:"sweep_interval" default:"30s"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" yaml:"jwt_secret" required:"true"`
	Issuer    string `env:"JWT_ISSUER" yaml:"issuer" default:"go-chat-app"`
}

// RelayConfig tunes the fan-out engine and the cross-instance bridge.
type RelayConfig struct {
	SendTimeout    time.Duration `env:"RELAY_SEND_TIMEOUT" yaml:"send_timeout" default:"5s"`
	MaxConcurrency int           `env:"RELAY_MAX_CONCURRENCY" yaml:"max_concurrency" default:"64"`
	// Valid values: none, redis, nats
	Bridge        string `env:"RELAY_BRIDGE" yaml:"bridge" default:"none"`
	BridgeChannel string `env:"RELAY_BRIDGE_CHANNEL" yaml:"bridge_channel" default:"relay.events"`
	NATSURL       string `env:"NATS_URL" yaml:"nats_url" default:"nats://localhost:4222"`
}

type PresenceConfig struct {
	TypingTTL      time.Duration `env:"PRESENCE_TYPING_TTL" yaml:"typing_ttl" default:"10s"`
	StatusCacheTTL time.Duration `env:"PRESENCE_STATUS_CACHE_TTL" yaml:"status_cache_ttl" default:"30m"`
	LastSeenTTL    time.Duration `env:"PRESENCE_LAST_SEEN_TTL" yaml:"last_seen_ttl" default:"24h"`
	SessionTTL     time.Duration `env:"PRESENCE_SESSION_TTL" yaml:"session_ttl" default:"24h"`
}

type CallsConfig struct {
	TerminalRetention time.Duration `env:"CALLS_TERMINAL_RETENTION" yaml:"terminal_retention" default:"1m"`
	IdleTimeout       time.Duration `env:"CALLS_IDLE_TIMEOUT" yaml:"idle_timeout" default:"2h"`
	SweepInterval     time.Duration `env:"CALLS_SWEEP_INTERVAL" yaml:"sweep_interval" default:"30s"`
}

type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" yaml:"enabled" default:"true"`
	Path    string `env:"METRICS_PATH" yaml:"path" default:"/metrics"`
}

func oneOf(name, value string, valid ...string) error {
	for _, v := range valid {
		if strings.EqualFold(value, v) {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of [%s], got %q", name, strings.Join(valid, ", "), value)
}

// Validate checks every section and aggregates the problems.
func (c Config) Validate() error {
	var result error
	if err := oneOf("log_level", c.Common.LogLevel, "debug", "info", "warn", "error"); err != nil {
		result = multierror.Append(result, err)
	}
	if err := oneOf("log_format", c.Common.LogFormat, "json", "text"); err != nil {
		result = multierror.Append(result, err)
	}
	if err := oneOf("store.backend", c.Store.Backend, "memory", "redis"); err != nil {
		result = multierror.Append(result, err)
	}
	if err := oneOf("relay.bridge", c.Relay.Bridge, "none", "redis", "nats"); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Relay.SendTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("relay.send_timeout must be positive, got %s", c.Relay.SendTimeout))
	}
	if c.Relay.MaxConcurrency < 1 {
		result = multierror.Append(result, fmt.Errorf("relay.max_concurrency must be positive, got %d", c.Relay.MaxConcurrency))
	}
	if c.Presence.TypingTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("presence.typing_ttl must be positive, got %s", c.Presence.TypingTTL))
	}
	if c.Calls.TerminalRetention <= 0 || c.Calls.SweepInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("calls retention and sweep interval must be positive"))
	}
	if len(c.Auth.JWTSecret) > 0 && len(c.Auth.JWTSecret) < 16 {
		result = multierror.Append(result, fmt.Errorf("auth.jwt_secret must be at least 16 bytes"))
	}
	return result
}
