// Package config centralises runtime configuration for the marketfeed client.
// Precedence: code defaults, then YAML overrides, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credentials captures the API token used for the authenticated stream.
type Credentials struct {
	APIToken string `yaml:"api_token"`
}

// StreamConfig tunes the websocket session lifecycle.
type StreamConfig struct {
	URL                  string        `yaml:"url"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	BaseReconnectDelay   time.Duration `yaml:"base_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

// RESTConfig tunes the snapshot and history fetch surface.
type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
}

// RefreshConfig controls the background snapshot refresh pool.
type RefreshConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
	Queue    int           `yaml:"queue"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// Settings is the full marketfeed configuration tree.
type Settings struct {
	Venue       string          `yaml:"venue"`
	Stream      StreamConfig    `yaml:"stream"`
	REST        RESTConfig      `yaml:"rest"`
	Refresh     RefreshConfig   `yaml:"refresh"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Credentials Credentials     `yaml:"credentials"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		Venue: "quoterra",
		Stream: StreamConfig{
			URL:                  "wss://stream.quoterra.example/ws",
			ConnectTimeout:       10 * time.Second,
			BaseReconnectDelay:   time.Second,
			MaxReconnectAttempts: 5,
			PingInterval:         20 * time.Second,
		},
		REST: RESTConfig{
			BaseURL:        "https://api.quoterra.example",
			Timeout:        10 * time.Second,
			RatePerSecond:  10,
			RateBurst:      5,
			MaxAttempts:    3,
			BaseRetryDelay: time.Second,
		},
		Refresh: RefreshConfig{
			Interval: 30 * time.Second,
			Workers:  4,
			Queue:    64,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "marketfeed",
		},
	}
}

// Load builds the configuration with precedence: defaults, YAML, env vars.
// A missing file at configPath is not an error; an empty path skips YAML.
func Load(configPath string) (Settings, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.loadYAML(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("load yaml config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (s *Settings) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv() {
	setString(&s.Venue, "MARKETFEED_VENUE")
	setString(&s.Stream.URL, "MARKETFEED_STREAM_URL")
	setDuration(&s.Stream.ConnectTimeout, "MARKETFEED_CONNECT_TIMEOUT")
	setDuration(&s.Stream.BaseReconnectDelay, "MARKETFEED_BASE_RECONNECT_DELAY")
	setInt(&s.Stream.MaxReconnectAttempts, "MARKETFEED_MAX_RECONNECT_ATTEMPTS")
	setDuration(&s.Stream.PingInterval, "MARKETFEED_PING_INTERVAL")

	setString(&s.REST.BaseURL, "MARKETFEED_REST_BASE_URL")
	setDuration(&s.REST.Timeout, "MARKETFEED_REST_TIMEOUT")
	setFloat(&s.REST.RatePerSecond, "MARKETFEED_REST_RATE_PER_SECOND")
	setInt(&s.REST.RateBurst, "MARKETFEED_REST_RATE_BURST")
	setInt(&s.REST.MaxAttempts, "MARKETFEED_REST_MAX_ATTEMPTS")
	setDuration(&s.REST.BaseRetryDelay, "MARKETFEED_REST_BASE_RETRY_DELAY")

	setDuration(&s.Refresh.Interval, "MARKETFEED_REFRESH_INTERVAL")
	setInt(&s.Refresh.Workers, "MARKETFEED_REFRESH_WORKERS")
	setInt(&s.Refresh.Queue, "MARKETFEED_REFRESH_QUEUE")

	setString(&s.Telemetry.OTLPEndpoint, "MARKETFEED_OTLP_ENDPOINT")
	setString(&s.Telemetry.ServiceName, "MARKETFEED_SERVICE_NAME")
	if v := strings.TrimSpace(os.Getenv("MARKETFEED_OTLP_INSECURE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Telemetry.OTLPInsecure = b
		}
	}

	setString(&s.Credentials.APIToken, "MARKETFEED_API_TOKEN")
}

// Validate rejects settings a client cannot run with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Stream.URL) == "" {
		return fmt.Errorf("config: stream url must not be empty")
	}
	if strings.TrimSpace(s.REST.BaseURL) == "" {
		return fmt.Errorf("config: rest base url must not be empty")
	}
	if s.Stream.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("config: max_reconnect_attempts must be positive")
	}
	if s.REST.MaxAttempts <= 0 {
		return fmt.Errorf("config: rest max_attempts must be positive")
	}
	if s.Refresh.Workers <= 0 {
		return fmt.Errorf("config: refresh workers must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = dur
		}
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
