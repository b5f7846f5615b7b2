package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr                     = ":8080"
	DefaultPath                     = "/ws"
	DefaultHealthPath               = "/health"
	DefaultMetricsPath              = "/metrics"
	DefaultIntrospectionPath        = "/api/routes"
	DefaultCodec                    = "json"
	DefaultTransport                = "websocket"
	DefaultMaxPayloadBytes          = 1 << 20
	DefaultSendBufferSize           = 256
	DefaultWriteTimeout             = 10 * time.Second
	DefaultPongTimeout              = 60 * time.Second
	DefaultMaxInFlightPerConnection = 64
	DefaultShutdownTimeout          = 10 * time.Second
)

// Config groups the settings of a muflow application. Zero values are
// replaced by WithDefaults.
type Config struct {
	// Addr is the listen address of the HTTP server hosting the websocket endpoint.
	Addr string `yaml:"addr" env:"MUFLOW_ADDR"`
	// Path is the websocket upgrade path.
	Path       string `yaml:"path" env:"MUFLOW_PATH"`
	HealthPath string `yaml:"health_path" env:"MUFLOW_HEALTH_PATH"`

	// Transport names the registered transport serving Path.
	Transport string `yaml:"transport" env:"MUFLOW_TRANSPORT"`

	// Codec selects the wire format: "json" (text frames) or "proto" (binary frames).
	Codec string `yaml:"codec" env:"MUFLOW_CODEC"`

	// Debug enables route, message and missing-handler logging.
	Debug    bool   `yaml:"debug" env:"MUFLOW_DEBUG"`
	LogLevel string `yaml:"log_level" env:"MUFLOW_LOG_LEVEL"`

	MaxPayloadBytes int64         `yaml:"max_payload_bytes" env:"MUFLOW_MAX_PAYLOAD_BYTES"`
	SendBufferSize  int           `yaml:"send_buffer_size" env:"MUFLOW_SEND_BUFFER_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MUFLOW_WRITE_TIMEOUT"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"MUFLOW_PONG_TIMEOUT"`

	// MaxInFlightPerConnection bounds how many messages of one connection are
	// dispatched concurrently.
	MaxInFlightPerConnection int `yaml:"max_in_flight_per_connection" env:"MUFLOW_MAX_IN_FLIGHT"`

	// RateLimitPerSecond enables the per-connection rate limit guard when > 0.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" env:"MUFLOW_RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `yaml:"rate_limit_burst" env:"MUFLOW_RATE_LIMIT_BURST"`

	MetricsEnabled bool   `yaml:"metrics_enabled" env:"MUFLOW_METRICS_ENABLED"`
	MetricsPath    string `yaml:"metrics_path" env:"MUFLOW_METRICS_PATH"`

	IntrospectionEnabled bool   `yaml:"introspection_enabled" env:"MUFLOW_INTROSPECTION_ENABLED"`
	IntrospectionPath    string `yaml:"introspection_path" env:"MUFLOW_INTROSPECTION_PATH"`
	// CORSAllowedOrigins applies to the HTTP endpoints and the websocket origin
	// check. Use "*" for development. Empty allows same-origin requests only.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"MUFLOW_CORS_ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MUFLOW_SHUTDOWN_TIMEOUT"`
}

// FromFile reads a YAML configuration file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds a configuration from MUFLOW_* environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays MUFLOW_* environment variables onto c. Unset variables
// leave the current values untouched.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

// WithDefaults returns a copy with every unset field filled in.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxInFlightPerConnection == 0 {
		c.MaxInFlightPerConnection = DefaultMaxInFlightPerConnection
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst == 0 {
		c.RateLimitBurst = int(c.RateLimitPerSecond)
		if c.RateLimitBurst < 1 {
			c.RateLimitBurst = 1
		}
	}
	if c.MetricsPath == "" {
		c.MetricsPath = DefaultMetricsPath
	}
	if c.IntrospectionPath == "" {
		c.IntrospectionPath = DefaultIntrospectionPath
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validatePaths()...)
	errs = append(errs, c.validateCodec()...)
	errs = append(errs, c.validateLimits()...)

	return errors.Join(errs...)
}

func (c *Config) validatePaths() []error {
	var errs []error
	paths := map[string]string{
		"path":               c.Path,
		"health_path":        c.HealthPath,
		"metrics_path":       c.MetricsPath,
		"introspection_path": c.IntrospectionPath,
	}
	seen := make(map[string]string, len(paths))
	for _, name := range []string{"path", "health_path", "metrics_path", "introspection_path"} {
		p := paths[name]
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s: must start with '/', got %q", name, p))
			continue
		}
		if other, dup := seen[p]; dup {
			errs = append(errs, fmt.Errorf("%s: %q already used by %s", name, p, other))
			continue
		}
		seen[p] = name
	}
	return errs
}

func (c *Config) validateCodec() []error {
	switch strings.ToLower(c.Codec) {
	case "", "json", "proto":
		return nil
	default:
		return []error{fmt.Errorf("codec: unsupported codec %q", c.Codec)}
	}
}

func (c *Config) validateLimits() []error {
	var errs []error
	if c.MaxPayloadBytes < 0 {
		errs = append(errs, errors.New("max payload bytes cannot be negative"))
	}
	if c.SendBufferSize < 0 {
		errs = append(errs, errors.New("send buffer size cannot be negative"))
	}
	if c.WriteTimeout < 0 || c.PongTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts cannot be negative"))
	}
	if c.MaxInFlightPerConnection < 0 {
		errs = append(errs, errors.New("max in-flight per connection cannot be negative"))
	}
	if c.RateLimitPerSecond < 0 {
		errs = append(errs, errors.New("rate limit: per second cannot be negative"))
	}
	if c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit: burst cannot be negative"))
	}
	return errs
}
