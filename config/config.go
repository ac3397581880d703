// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the fluxsub daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the subscriber daemon.
type Config struct {
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Storage    StorageConfig    `yaml:"storage"`
	Sink       SinkConfig       `yaml:"sink"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// SubscriberConfig holds per-partition subscriber settings.
type SubscriberConfig struct {
	// Partitions is the number of partitions to consume, one
	// subscriber each.
	Partitions int `yaml:"partitions"`

	// BufferSize is the dispatch queue capacity and the demand window
	// kept open against the publisher.
	BufferSize int `yaml:"buffer_size"`

	// ReadTimeoutsToIgnore is the number of additional consecutive read
	// timeouts tolerated before warnings resume. 0 logs every timeout.
	ReadTimeoutsToIgnore int `yaml:"read_timeouts_to_ignore"`

	// StartFrom selects where a fresh read begins: "oldest" or "latest".
	StartFrom string `yaml:"start_from"`

	// DispatchPoolSize bounds the dispatch workers shared across all
	// subscribers. Must leave headroom above the partition count for
	// workers abandoned mid-dispatch.
	DispatchPoolSize int `yaml:"dispatch_pool_size"`
}

// SupervisorConfig holds health probing settings.
type SupervisorConfig struct {
	// ProbeInterval is how often each subscriber's health is checked.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// StallTimeout is the inactivity window after which a subscription
	// is considered stalled and restarted.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// RestartRate caps restarts per second across all partitions.
	RestartRate float64 `yaml:"restart_rate"`

	// RestartBurst is the burst allowance for the restart limiter.
	RestartBurst int `yaml:"restart_burst"`
}

// StorageConfig holds record log storage settings.
type StorageConfig struct {
	// Dir is the BadgerDB directory for the record log.
	Dir string `yaml:"dir"`

	// SyncWrites forces fsync on every append.
	SyncWrites bool `yaml:"sync_writes"`
}

// SinkConfig selects the batch handler.
type SinkConfig struct {
	// Type is "log" (print batches) or "webhook".
	Type string `yaml:"type"`

	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig holds the HTTP forwarding sink settings.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`

	// CircuitBreakerThreshold is the number of consecutive delivery
	// failures that opens the breaker.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerReset is how long the breaker stays open before
	// probing again.
	CircuitBreakerReset time.Duration `yaml:"circuit_breaker_reset"`
}

// ServerConfig holds the health endpoint and telemetry settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsAddr is the OTLP gRPC endpoint.
	MetricsAddr    string `yaml:"metrics_addr"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Subscriber: SubscriberConfig{
			Partitions:           1,
			BufferSize:           8,
			ReadTimeoutsToIgnore: 0,
			StartFrom:            "oldest",
			DispatchPoolSize:     64,
		},
		Supervisor: SupervisorConfig{
			ProbeInterval: 10 * time.Second,
			StallTimeout:  60 * time.Second,
			RestartRate:   1,
			RestartBurst:  4,
		},
		Storage: StorageConfig{
			Dir:        "/tmp/fluxsub/data",
			SyncWrites: false,
		},
		Sink: SinkConfig{
			Type: "log",
			Webhook: WebhookConfig{
				Timeout:                 10 * time.Second,
				CircuitBreakerThreshold: 5,
				CircuitBreakerReset:     30 * time.Second,
			},
		},
		Server: ServerConfig{
			HealthAddr:         ":8081",
			HealthEnabled:      true,
			ShutdownTimeout:    30 * time.Second,
			MetricsAddr:        "localhost:4317",
			MetricsEnabled:     false,
			OtelServiceName:    "fluxsub",
			OtelServiceVersion: "0.1.0",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, overlaying defaults.
// A missing file yields the defaults.
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

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Subscriber.Partitions < 1 {
		return fmt.Errorf("subscriber.partitions must be at least 1")
	}
	if c.Subscriber.BufferSize < 1 {
		return fmt.Errorf("subscriber.buffer_size must be at least 1")
	}
	if c.Subscriber.ReadTimeoutsToIgnore < 0 {
		return fmt.Errorf("subscriber.read_timeouts_to_ignore cannot be negative")
	}
	if c.Subscriber.StartFrom != "oldest" && c.Subscriber.StartFrom != "latest" {
		return fmt.Errorf("subscriber.start_from must be one of: oldest, latest")
	}
	if c.Subscriber.DispatchPoolSize < c.Subscriber.Partitions {
		return fmt.Errorf("subscriber.dispatch_pool_size must be at least the partition count")
	}

	if c.Supervisor.ProbeInterval < time.Millisecond {
		return fmt.Errorf("supervisor.probe_interval must be at least 1ms")
	}
	if c.Supervisor.StallTimeout <= 0 {
		return fmt.Errorf("supervisor.stall_timeout must be positive")
	}
	if c.Supervisor.RestartRate <= 0 {
		return fmt.Errorf("supervisor.restart_rate must be positive")
	}
	if c.Supervisor.RestartBurst < 1 {
		return fmt.Errorf("supervisor.restart_burst must be at least 1")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir cannot be empty")
	}

	switch c.Sink.Type {
	case "log":
	case "webhook":
		if c.Sink.Webhook.URL == "" {
			return fmt.Errorf("sink.webhook.url required for webhook sink")
		}
		if c.Sink.Webhook.CircuitBreakerThreshold < 1 {
			return fmt.Errorf("sink.webhook.circuit_breaker_threshold must be at least 1")
		}
	default:
		return fmt.Errorf("sink.type must be one of: log, webhook")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health endpoint is enabled")
	}
	if c.Server.MetricsEnabled && c.Server.MetricsAddr == "" {
		return fmt.Errorf("server.metrics_addr required when metrics are enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}
