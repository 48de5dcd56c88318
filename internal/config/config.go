// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"xllm-go/internal/envelope"
	"xllm-go/internal/transport"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/xllm-relay/config.toml",
	"configs/relay.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='XLLM_RELAY_CONFIG'"`
	Host     string `kong:"help='Listen host (overrides config).',env='XLLM_PROXY_HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='XLLM_PROXY_PORT'"`
	Mode     string `kong:"short='m',help='Transport: stream|rpc|obfuscated (overrides config).',env='XLLM_PROXY_MODE'"`
	Key      string `kong:"help='Pre-shared key as hex, base64 or 32 raw bytes (overrides config).',env='XLLM_PROXY_KEY'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level relay configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Upstream UpstreamConfig `toml:"upstream"`
	Admin    AdminConfig    `toml:"admin"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the relay listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (50051); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the RPC front-end.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RelayConfig selects the transport and bounds each exchange.
type RelayConfig struct {
	Mode                   string `toml:"mode"`
	ExchangeTimeoutSeconds int    `toml:"exchange_timeout_seconds"`
	// EncryptObfuscated seals the opaque payload of the obfuscated RPC transport.
	EncryptObfuscated bool `toml:"encrypt_obfuscated"`
}

// CryptoConfig holds the pre-shared key material.
type CryptoConfig struct {
	Key    string `toml:"key"`
	Cipher string `toml:"cipher"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// AdminConfig holds the health/metrics listener used in stream mode.
// Port 0 disables it; in RPC modes the admin routes share the relay listener.
type AdminConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or XLLM_RELAY_CONFIG), it searches
// /etc/xllm-relay/config.toml then configs/relay.toml; if neither exists the relay
// runs on defaults plus CLI/environment overrides.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.Crypto.Key = ExpandEnv(cfg.Crypto.Key)
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Mode != "" {
		c.Relay.Mode = cli.Mode
	}
	if cli.Key != "" {
		c.Crypto.Key = cli.Key
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	mode, err := transport.ParseMode(c.Relay.Mode)
	if err != nil {
		return fmt.Errorf("relay.mode: %w", err)
	}

	if _, err := envelope.ParseSuite(c.Crypto.Cipher); err != nil {
		return fmt.Errorf("crypto.cipher: %w", err)
	}
	needKey := mode == transport.ModeStream || (mode == transport.ModeObfuscated && c.Relay.EncryptObfuscated)
	if needKey && c.Crypto.Key == "" {
		return fmt.Errorf("crypto.key is required for relay.mode %q", mode)
	}
	if c.Crypto.Key != "" {
		if _, err := envelope.ParseKey(c.Crypto.Key); err != nil {
			return fmt.Errorf("crypto.key: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0-65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Relay.ExchangeTimeoutSeconds < 0 {
		return fmt.Errorf("relay.exchange_timeout_seconds must be non-negative; got %d", c.Relay.ExchangeTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/rpc", "/healthz", "/relay/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 50051
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Relay.Mode == "" {
		c.Relay.Mode = string(transport.ModeStream)
	}
	c.Relay.Mode = strings.ToLower(c.Relay.Mode)
	if c.Relay.ExchangeTimeoutSeconds == 0 {
		c.Relay.ExchangeTimeoutSeconds = 180
	}
	if c.Crypto.Cipher == "" {
		c.Crypto.Cipher = string(envelope.ChaCha20Poly1305)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the admin listen address, or "" when the admin listener is disabled.
func (c *AdminConfig) Addr() string {
	if c.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TransportMode returns the configured transport. Valid after Load.
func (c *Config) TransportMode() transport.Mode {
	m, _ := transport.ParseMode(c.Relay.Mode)
	return m
}

// UpstreamTimeout returns the outbound call timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// ExchangeTimeout returns the bound on a whole exchange.
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Relay.ExchangeTimeoutSeconds) * time.Second
}

// Sealer builds the AEAD sealer from the configured key, or returns nil when no
// key is configured.
func (c *Config) Sealer() (*envelope.Sealer, error) {
	if c.Crypto.Key == "" {
		return nil, nil
	}
	key, err := envelope.ParseKey(c.Crypto.Key)
	if err != nil {
		return nil, fmt.Errorf("crypto.key: %w", err)
	}
	defer key.Wipe()
	suite, err := envelope.ParseSuite(c.Crypto.Cipher)
	if err != nil {
		return nil, fmt.Errorf("crypto.cipher: %w", err)
	}
	return envelope.NewSealer(key, suite)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	warnPermissions(c.filePath, logger)
}

func warnPermissions(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", path,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
