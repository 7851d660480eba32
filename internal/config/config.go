// Package config provides configuration for the task runner.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/tasker/internal/repository"
)

// Config holds the task runner configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseURL string

	// Processor
	Workers         int
	MaxInFlight     int
	PollMin         time.Duration
	PollMax         time.Duration
	Lease           time.Duration
	DeferredTimeout time.Duration
	CallTimeout     time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration

	// Retention
	Retention         time.Duration
	RetentionSchedule string

	// Dispatch policy file; empty uses the built-in policy.
	PolicyPath string

	// Remote capability endpoints keyed by service name.
	CapabilityEndpoints map[string]string

	// Logging
	LogLevel string
	LogPath  string
}

// Load loads configuration from environment variables and, when present, a
// tasker.yaml file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("tasker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("RPC_PORT", 8081)
	v.SetDefault("DATABASE_URL", repository.FileDSN("tasker.db"))
	v.SetDefault("WORKERS", 4)
	v.SetDefault("MAX_IN_FLIGHT", 16)
	v.SetDefault("POLL_MIN_MS", 50)
	v.SetDefault("POLL_MAX_MS", 2000)
	v.SetDefault("LEASE_MS", 30000)
	v.SetDefault("DEFERRED_TIMEOUT_MS", 600000)
	v.SetDefault("CALL_TIMEOUT_MS", 20000)
	v.SetDefault("MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_MS", 200)
	v.SetDefault("RETRY_MAX_MS", 10000)
	v.SetDefault("RETENTION_HOURS", 168)
	v.SetDefault("RETENTION_SCHEDULE", "@hourly")
	v.SetDefault("POLICY_PATH", "")
	v.SetDefault("CAPABILITY_ENDPOINTS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PATH", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	endpoints, err := ParseEndpoints(v.GetString("CAPABILITY_ENDPOINTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:            v.GetInt("HTTP_PORT"),
		RPCPort:             v.GetInt("RPC_PORT"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		Workers:             v.GetInt("WORKERS"),
		MaxInFlight:         v.GetInt("MAX_IN_FLIGHT"),
		PollMin:             millis(v, "POLL_MIN_MS"),
		PollMax:             millis(v, "POLL_MAX_MS"),
		Lease:               millis(v, "LEASE_MS"),
		DeferredTimeout:     millis(v, "DEFERRED_TIMEOUT_MS"),
		CallTimeout:         millis(v, "CALL_TIMEOUT_MS"),
		MaxAttempts:         v.GetInt("MAX_ATTEMPTS"),
		RetryBase:           millis(v, "RETRY_BASE_MS"),
		RetryMax:            millis(v, "RETRY_MAX_MS"),
		Retention:           time.Duration(v.GetInt("RETENTION_HOURS")) * time.Hour,
		RetentionSchedule:   v.GetString("RETENTION_SCHEDULE"),
		PolicyPath:          v.GetString("POLICY_PATH"),
		CapabilityEndpoints: endpoints,
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogPath:             v.GetString("LOG_PATH"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the processor cannot run with.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("MAX_IN_FLIGHT must be positive, got %d", c.MaxInFlight)
	}
	if c.PollMin <= 0 || c.PollMax < c.PollMin {
		return fmt.Errorf("poll interval must satisfy 0 < POLL_MIN_MS <= POLL_MAX_MS")
	}
	if c.Lease <= 0 {
		return fmt.Errorf("LEASE_MS must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// ParseEndpoints parses "service=url,service=url".
func ParseEndpoints(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid capability endpoint %q, want service=url", part)
		}
		out[name] = url
	}
	return out, nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}
