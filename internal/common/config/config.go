// Package config provides configuration management for Kibble.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kibble.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	API       APIConfig       `mapstructure:"api"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Mock      MockConfig      `mapstructure:"mock"`
}

// TransportConfig holds the live transport and fallback poller settings.
type TransportConfig struct {
	// Endpoint is the base URL of the live transport, e.g. ws://host:8090.
	// Sessions are reached at {Endpoint}/sessions/{id}/ws.
	Endpoint string `mapstructure:"endpoint"`

	// PageOrigin is the origin this client presents during the handshake.
	// An https origin paired with a ws:// endpoint forces polling mode.
	PageOrigin string `mapstructure:"pageOrigin"`

	AuthToken string `mapstructure:"authToken"`

	ReconnectDelayMs     int `mapstructure:"reconnectDelayMs"`
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`
	ReconnectThrottleMs  int `mapstructure:"reconnectThrottleMs"`
	KeepaliveIntervalMs  int `mapstructure:"keepaliveIntervalMs"`
	PollIntervalMs       int `mapstructure:"pollIntervalMs"`
	WriteTimeoutMs       int `mapstructure:"writeTimeoutMs"`
	HandshakeTimeoutMs   int `mapstructure:"handshakeTimeoutMs"`
}

// APIConfig holds the REST backend settings.
type APIConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	GitHubToken    string `mapstructure:"githubToken"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MockConfig holds settings for the mock session backend.
type MockConfig struct {
	Port         int    `mapstructure:"port"`
	ScenarioPath string `mapstructure:"scenarioPath"`
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ReconnectDelay returns the delay before a scheduled reconnection attempt.
func (t *TransportConfig) ReconnectDelay() time.Duration { return ms(t.ReconnectDelayMs) }

// ReconnectThrottle returns the minimum gap between a disconnect and the next dial.
func (t *TransportConfig) ReconnectThrottle() time.Duration { return ms(t.ReconnectThrottleMs) }

// KeepaliveInterval returns the keepalive ping period.
func (t *TransportConfig) KeepaliveInterval() time.Duration { return ms(t.KeepaliveIntervalMs) }

// PollInterval returns the fallback poller tick.
func (t *TransportConfig) PollInterval() time.Duration { return ms(t.PollIntervalMs) }

// WriteTimeout returns the per-frame write deadline.
func (t *TransportConfig) WriteTimeout() time.Duration { return ms(t.WriteTimeoutMs) }

// HandshakeTimeout returns the dial handshake timeout.
func (t *TransportConfig) HandshakeTimeout() time.Duration { return ms(t.HandshakeTimeoutMs) }

// Timeout returns the REST request timeout as a time.Duration.
func (a *APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KIBBLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Transport defaults
	v.SetDefault("transport.endpoint", "ws://localhost:8090")
	v.SetDefault("transport.pageOrigin", "http://localhost")
	v.SetDefault("transport.authToken", "")
	v.SetDefault("transport.reconnectDelayMs", 3000)
	v.SetDefault("transport.maxReconnectAttempts", 5)
	v.SetDefault("transport.reconnectThrottleMs", 2000)
	v.SetDefault("transport.keepaliveIntervalMs", 30000)
	v.SetDefault("transport.pollIntervalMs", 2000)
	v.SetDefault("transport.writeTimeoutMs", 10000)
	v.SetDefault("transport.handshakeTimeoutMs", 10000)

	// API defaults
	v.SetDefault("api.baseUrl", "http://localhost:8090")
	v.SetDefault("api.timeoutSeconds", 30)
	v.SetDefault("api.githubToken", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kibble-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Mock backend defaults
	v.SetDefault("mock.port", 8090)
	v.SetDefault("mock.scenarioPath", "")
}

// Default returns a Config populated only from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KIBBLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kibble/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KIBBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE variables.
	_ = v.BindEnv("transport.pageOrigin", "KIBBLE_TRANSPORT_PAGE_ORIGIN")
	_ = v.BindEnv("transport.authToken", "KIBBLE_TRANSPORT_AUTH_TOKEN")
	_ = v.BindEnv("api.baseUrl", "KIBBLE_API_BASE_URL")
	_ = v.BindEnv("api.githubToken", "KIBBLE_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("mock.scenarioPath", "KIBBLE_MOCK_SCENARIO_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kibble/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	t := cfg.Transport
	if u, err := url.Parse(t.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, "transport.endpoint must be a ws:// or wss:// URL")
	}
	if t.ReconnectDelayMs <= 0 {
		errs = append(errs, "transport.reconnectDelayMs must be positive")
	}
	if t.MaxReconnectAttempts < 0 {
		errs = append(errs, "transport.maxReconnectAttempts must not be negative")
	}
	if t.ReconnectThrottleMs < 0 {
		errs = append(errs, "transport.reconnectThrottleMs must not be negative")
	}
	// A throttle at or above the delay would swallow every scheduled reconnect.
	if t.ReconnectThrottleMs >= t.ReconnectDelayMs && t.ReconnectDelayMs > 0 {
		errs = append(errs, "transport.reconnectThrottleMs must be shorter than transport.reconnectDelayMs")
	}
	if t.KeepaliveIntervalMs <= 0 {
		errs = append(errs, "transport.keepaliveIntervalMs must be positive")
	}
	if t.PollIntervalMs <= 0 {
		errs = append(errs, "transport.pollIntervalMs must be positive")
	}

	if u, err := url.Parse(cfg.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "api.baseUrl must be an http:// or https:// URL")
	}
	if cfg.API.TimeoutSeconds <= 0 {
		errs = append(errs, "api.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Mock.Port <= 0 || cfg.Mock.Port > 65535 {
		errs = append(errs, "mock.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
