// Package config loads the sidecar's startup configuration: the root
// trust anchor, upstream target, control-plane coordinates, and the
// tunable knobs for rate limiting and replay protection.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/certainly-param/vac-protocol/pkg/vacerr"
)

// Config holds every value the sidecar needs at process start.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	RootPublicKeyHex string `yaml:"root_public_key_hex"`

	UpstreamURL    string `yaml:"upstream_url"`
	UpstreamAPIKey string `yaml:"upstream_api_key"`

	ControlPlaneURL  string        `yaml:"control_plane_url"`
	HeartbeatCadence time.Duration `yaml:"heartbeat_cadence"`
	RotationPeriod   time.Duration `yaml:"rotation_period"`
	FailThreshold    int           `yaml:"fail_threshold"`

	AdaptersDir string `yaml:"adapters_dir"`

	RateLimitCapacity int           `yaml:"rate_limit_capacity"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	RedisAddr         string        `yaml:"redis_addr"`

	ReplayCacheTTL time.Duration `yaml:"replay_cache_ttl"`

	LogLevel string `yaml:"log_level"`

	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TracingService string `yaml:"tracing_service_name"`
}

// defaults matches the documented wire defaults: 100 requests per 60
// seconds, a 300 second replay window, a 60 second heartbeat cadence,
// and a failure threshold of 3 consecutive misses before lockdown.
func defaults() Config {
	return Config{
		ListenAddr:        "0.0.0.0:3000",
		MetricsAddr:       "0.0.0.0:9090",
		ControlPlaneURL:   "http://127.0.0.1:8081",
		HeartbeatCadence:  60 * time.Second,
		RotationPeriod:    time.Hour,
		FailThreshold:     3,
		RateLimitCapacity: 100,
		RateLimitWindow:   60 * time.Second,
		ReplayCacheTTL:    300 * time.Second,
		LogLevel:          "info",
		TracingService:    "vac-sidecar",
	}
}

// Load builds a Config from an optional YAML file, then applies
// environment variable overrides, then validates required fields. path
// may be empty, in which case only the environment and built-in
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, vacerr.Wrap(vacerr.ConfigError, "read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, vacerr.Wrap(vacerr.ConfigError, "parse config file", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.ListenAddr, "VAC_LISTEN_ADDR")
	setString(&cfg.MetricsAddr, "VAC_METRICS_ADDR")
	setString(&cfg.RootPublicKeyHex, "VAC_ROOT_PUBLIC_KEY")
	setString(&cfg.UpstreamURL, "VAC_UPSTREAM_URL")
	setString(&cfg.UpstreamAPIKey, "VAC_UPSTREAM_API_KEY")
	setString(&cfg.ControlPlaneURL, "VAC_CONTROL_PLANE_URL")
	setString(&cfg.AdaptersDir, "VAC_ADAPTERS_DIR")
	setString(&cfg.RedisAddr, "VAC_REDIS_ADDR")
	setString(&cfg.LogLevel, "VAC_LOG_LEVEL")
	setString(&cfg.OTLPEndpoint, "VAC_OTLP_ENDPOINT")
	setString(&cfg.TracingService, "VAC_TRACING_SERVICE_NAME")
	setBool(&cfg.TracingEnabled, "VAC_TRACING_ENABLED")
	setBool(&cfg.OTLPInsecure, "VAC_OTLP_INSECURE")

	setDuration(&cfg.HeartbeatCadence, "VAC_HEARTBEAT_CADENCE")
	setDuration(&cfg.RotationPeriod, "VAC_ROTATION_PERIOD")
	setDuration(&cfg.RateLimitWindow, "VAC_RATE_LIMIT_WINDOW")
	setDuration(&cfg.ReplayCacheTTL, "VAC_REPLAY_CACHE_TTL")

	setInt(&cfg.FailThreshold, "VAC_FAIL_THRESHOLD")
	setInt(&cfg.RateLimitCapacity, "VAC_RATE_LIMIT_CAPACITY")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate enforces the required fields and the root public key's fixed
// length, failing closed on anything missing or malformed.
func validate(cfg *Config) error {
	if cfg.RootPublicKeyHex == "" {
		return vacerr.New(vacerr.ConfigError, "root public key is required")
	}
	raw, err := hex.DecodeString(cfg.RootPublicKeyHex)
	if err != nil {
		return vacerr.Wrap(vacerr.ConfigError, "root public key is not valid hex", err)
	}
	if len(raw) != 32 {
		return vacerr.New(vacerr.ConfigError, fmt.Sprintf("root public key must be 32 bytes, got %d", len(raw)))
	}
	if cfg.UpstreamURL == "" {
		return vacerr.New(vacerr.ConfigError, "upstream URL is required")
	}
	if cfg.UpstreamAPIKey == "" {
		return vacerr.New(vacerr.ConfigError, "upstream API key is required")
	}
	if cfg.RateLimitCapacity <= 0 {
		return vacerr.New(vacerr.ConfigError, "rate limit capacity must be positive")
	}
	if cfg.RateLimitWindow <= 0 {
		return vacerr.New(vacerr.ConfigError, "rate limit window must be positive")
	}
	return nil
}

// RootPublicKey decodes the hex-encoded root public key.
func (c *Config) RootPublicKey() ([]byte, error) {
	return hex.DecodeString(c.RootPublicKeyHex)
}
