// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fanq/codec"
	"github.com/absmach/fanq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Queue     QueueConfig      `yaml:"queue"`
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Webhook   WebhookConfig    `yaml:"webhook"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	BrokerID        string        `yaml:"broker_id"`
	ProducerAddr    string        `yaml:"producer_addr"`
	ConsumerAddr    string        `yaml:"consumer_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MaxConnections  int           `yaml:"max_connections"` // per listener, 0 = unlimited
	ReadTimeout     time.Duration `yaml:"read_timeout"`    // producer idle timeout, 0 = none
	WriteTimeout    time.Duration `yaml:"write_timeout"`   // per delivery, must be positive
	TCPKeepAlive    time.Duration `yaml:"tcp_keepalive"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StartupDelay    time.Duration `yaml:"startup_delay"`
}

// QueueConfig holds the shared queue and dispatch settings.
type QueueConfig struct {
	Capacity       int    `yaml:"capacity"`
	Framing        string `yaml:"framing"` // line, frame
	MaxMessageSize int    `yaml:"max_message_size"`
	FairShare      bool   `yaml:"fair_share"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // event type filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retry   *RetryConfig      `yaml:"retry,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BrokerID:        "fanq-1",
			ProducerAddr:    ":1234",
			ConsumerAddr:    ":4321",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MaxConnections:  10000,
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    10 * time.Second,
			TCPKeepAlive:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:       1000,
			Framing:        string(codec.Line),
			MaxMessageSize: codec.MaxFrameSize,
			FairShare:      false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fanq",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       1000,
			DropPolicy:      "oldest",
			Workers:         2,
			ShutdownTimeout: 10 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.ProducerAddr == "" {
		return fmt.Errorf("server.producer_addr cannot be empty")
	}
	if c.Server.ConsumerAddr == "" {
		return fmt.Errorf("server.consumer_addr cannot be empty")
	}
	if c.Server.ProducerAddr == c.Server.ConsumerAddr {
		return fmt.Errorf("server.producer_addr and server.consumer_addr must differ")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ReadTimeout < 0 || c.Server.StartupDelay < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be a positive integer")
	}
	framing, err := codec.ParseFraming(c.Queue.Framing)
	if err != nil {
		return fmt.Errorf("queue.framing must be one of: line, frame")
	}
	if c.Queue.MaxMessageSize < 1 {
		return fmt.Errorf("queue.max_message_size must be positive")
	}
	if framing == codec.Frame && c.Queue.MaxMessageSize > codec.MaxFrameSize {
		return fmt.Errorf("queue.max_message_size cannot exceed %d with frame framing", codec.MaxFrameSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("ratelimit.connection rate and burst must be positive")
		}
		if c.RateLimit.Message.Enabled && (c.RateLimit.Message.Rate <= 0 || c.RateLimit.Message.Burst < 1) {
			return fmt.Errorf("ratelimit.message rate and burst must be positive")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 1 {
			return fmt.Errorf("webhook.queue_size must be at least 1")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Framing returns the parsed wire framing. Call after Validate.
func (c *Config) Framing() codec.Framing {
	f, err := codec.ParseFraming(c.Queue.Framing)
	if err != nil {
		return codec.Line
	}
	return f
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
