// Package config centralises runtime configuration for the LedgerSync engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml documents can use "30s" style values.
type Duration time.Duration

// UnmarshalYAML parses a scalar duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DatabaseConfig locates the local PostgreSQL store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RemoteConfig configures the remote sync API client.
type RemoteConfig struct {
	BaseURL           string   `yaml:"baseUrl"`
	Token             string   `yaml:"token"`
	RequestTimeout    Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
}

// EngineConfig tunes the sync orchestrator loop.
type EngineConfig struct {
	Interval        Duration `yaml:"interval"`
	BatchSize       int      `yaml:"batchSize"`
	Workers         int      `yaml:"workers"`
	BackoffBase     Duration `yaml:"backoffBase"`
	BackoffCap      Duration `yaml:"backoffCap"`
	MaxAttempts     int      `yaml:"maxAttempts"`
	InFlightTimeout Duration `yaml:"inFlightTimeout"`
	Owners          []string `yaml:"owners"`
}

// BreakerConfig tunes the remote circuit breaker.
type BreakerConfig struct {
	Threshold   int      `yaml:"threshold"`
	CooldownMin Duration `yaml:"cooldownMin"`
	CooldownMax Duration `yaml:"cooldownMax"`
}

// NotifyConfig configures the optional websocket wake listener.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	Environment  string `yaml:"environment"`
}

// AppConfig is the configuration tree loaded by cmd/syncd.
type AppConfig struct {
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Engine    EngineConfig    `yaml:"engine"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no overrides are supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Remote: RemoteConfig{
			RequestTimeout:    Duration(30 * time.Second),
			RequestsPerSecond: 4,
			Burst:             2,
		},
		Engine: EngineConfig{
			Interval:        Duration(time.Minute),
			BatchSize:       50,
			Workers:         6,
			BackoffBase:     Duration(30 * time.Second),
			BackoffCap:      Duration(time.Hour),
			MaxAttempts:     8,
			InFlightTimeout: Duration(5 * time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold:   5,
			CooldownMin: Duration(30 * time.Second),
			CooldownMax: Duration(10 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ledgersync",
			Environment: "development",
		},
	}
	cfg.Normalise()
	return cfg
}

// Normalise trims whitespace and applies derived defaults in place.
func (c *AppConfig) Normalise() {
	if c == nil {
		return
	}
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Remote.Token = strings.TrimSpace(c.Remote.Token)
	c.Notify.URL = strings.TrimSpace(c.Notify.URL)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Environment = strings.TrimSpace(c.Telemetry.Environment)

	if c.Remote.RequestTimeout <= 0 {
		c.Remote.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Remote.RequestsPerSecond <= 0 {
		c.Remote.RequestsPerSecond = 4
	}
	if c.Remote.Burst <= 0 {
		c.Remote.Burst = 2
	}
	if c.Engine.Interval <= 0 {
		c.Engine.Interval = Duration(time.Minute)
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = 50
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 6
	}
	if c.Engine.BackoffBase <= 0 {
		c.Engine.BackoffBase = Duration(30 * time.Second)
	}
	if c.Engine.BackoffCap < c.Engine.BackoffBase {
		c.Engine.BackoffCap = Duration(time.Hour)
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 8
	}
	if c.Engine.InFlightTimeout <= 0 {
		c.Engine.InFlightTimeout = Duration(5 * time.Minute)
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.CooldownMin <= 0 {
		c.Breaker.CooldownMin = Duration(30 * time.Second)
	}
	if c.Breaker.CooldownMax < c.Breaker.CooldownMin {
		c.Breaker.CooldownMax = Duration(10 * time.Minute)
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ledgersync"
	}

	owners := make([]string, 0, len(c.Engine.Owners))
	for _, owner := range c.Engine.Owners {
		owner = strings.TrimSpace(owner)
		if owner != "" {
			owners = append(owners, owner)
		}
	}
	c.Engine.Owners = owners
}

// Validate reports configuration errors that prevent startup.
func (c AppConfig) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.baseUrl is required")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("config: notify.url is required when notify is enabled")
	}
	return nil
}

// Load reads, normalises, and validates the configuration at path. When the
// file does not exist the defaults are returned with loaded=false so callers
// can decide whether a missing file is fatal.
func Load(path string) (AppConfig, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return AppConfig{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalise()
	return cfg, true, nil
}
