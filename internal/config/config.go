// Package config defines runtime settings for the agorusta service with
// sane defaults, environment overrides, and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines per-connection inbound frame rate limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DispatchConfig controls the event dispatcher's parallelism. Zero workers
// means every event is dispatched synchronously on the producer's request
// path.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Config holds the full service configuration. A Config value is passed
// explicitly to the components that need it; nothing reads configuration
// ambiently.
type Config struct {
	ListenAddr     string          `yaml:"listen_addr"`
	DataDir        string          `yaml:"data_dir"`
	JWTSecret      string          `yaml:"jwt_secret"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	ConnectionTTL  time.Duration   `yaml:"connection_ttl"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Dispatch       DispatchConfig  `yaml:"dispatch"`
	LogLevel       string          `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		DataDir:        "data",
		JWTSecret:      "dev-secret-change-in-production",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 4096,
		ConnectionTTL:  24 * time.Hour,
		SweepInterval:  time.Minute,
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     10,
		},
		Dispatch: DispatchConfig{
			Workers:   0,
			QueueSize: 256,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (when non-empty), then environment overrides, then sanitization.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.sanitize()
	return cfg, nil
}

// FromEnv builds the effective configuration from defaults and environment
// overrides only.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.sanitize()
	return cfg
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("AGORUSTA_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if dir := os.Getenv("AGORUSTA_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if secret := os.Getenv("AGORUSTA_JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	}
	if origins := os.Getenv("AGORUSTA_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseList(origins)
	}
	if size := os.Getenv("AGORUSTA_MAX_MESSAGE_SIZE"); size != "" {
		c.MaxMessageSize = parseInt64(size, c.MaxMessageSize)
	}
	if ttl := os.Getenv("AGORUSTA_CONNECTION_TTL"); ttl != "" {
		c.ConnectionTTL = parseDuration(ttl, c.ConnectionTTL)
	}
	if interval := os.Getenv("AGORUSTA_SWEEP_INTERVAL"); interval != "" {
		c.SweepInterval = parseDuration(interval, c.SweepInterval)
	}
	if rps := os.Getenv("AGORUSTA_RATE_LIMIT_PER_SECOND"); rps != "" {
		c.RateLimit.PerSecond = parseFloat(rps, c.RateLimit.PerSecond)
	}
	if burst := os.Getenv("AGORUSTA_RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseInt(burst, c.RateLimit.Burst)
	}
	if workers := os.Getenv("AGORUSTA_DISPATCH_WORKERS"); workers != "" {
		c.Dispatch.Workers = parseInt(workers, c.Dispatch.Workers)
	}
	if queue := os.Getenv("AGORUSTA_DISPATCH_QUEUE_SIZE"); queue != "" {
		c.Dispatch.QueueSize = parseInt(queue, c.Dispatch.QueueSize)
	}
	if level := os.Getenv("AGORUSTA_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

func (c *Config) sanitize() {
	defaults := Default()

	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = defaults.ConnectionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.RateLimit.PerSecond <= 0 {
		c.RateLimit.PerSecond = defaults.RateLimit.PerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if c.Dispatch.Workers < 0 {
		c.Dispatch.Workers = 0
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = defaults.Dispatch.QueueSize
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseInt64(value string, fallback int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
