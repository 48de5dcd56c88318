package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"xllm-go/internal/envelope"
	"xllm-go/internal/transport"
)

// ErrClientConfigNotFound is returned when none of the client search paths exists.
var ErrClientConfigNotFound = errors.New("configuration file not found")

// envPattern matches ${NAME} references.
var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${NAME} with the value of the environment variable NAME
// (empty when unset). Other text, including bare $NAME, is left alone.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// ClientConfig is the xllm client configuration.
type ClientConfig struct {
	Global GlobalConfig `toml:"global"`
	Models ModelsConfig `toml:"models"`

	filePath string
}

// GlobalConfig selects whether and how requests are relayed.
type GlobalConfig struct {
	Proxy             bool   `toml:"proxy"`
	ProxyURL          string `toml:"proxy_url"`
	Transport         string `toml:"transport"`
	ProxyKey          string `toml:"proxy_key"`
	Cipher            string `toml:"cipher"`
	EncryptObfuscated bool   `toml:"encrypt_obfuscated"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// ModelsConfig holds one section per provider.
type ModelsConfig struct {
	Claude *ClaudeConfig `toml:"claude"`
}

// ClaudeConfig holds Anthropic API settings.
type ClaudeConfig struct {
	Model           string `toml:"model"`
	MaxTokens       int    `toml:"max_tokens"`
	URL             string `toml:"url"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
}

// ClientSearchPaths returns the client config locations in order of preference:
// ./config.toml, <user config dir>/xllm/config.toml, ~/.xllm.toml.
func ClientSearchPaths() []string {
	paths := []string{"config.toml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "xllm", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".xllm.toml"))
	}
	return paths
}

// DefaultClientConfigPath is where CreateDefaultClient writes.
func DefaultClientConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, "xllm", "config.toml"), nil
}

// LoadClient reads the client config from path, or from the first existing
// search path when path is empty. ${VAR} references in key fields are expanded.
func LoadClient(path string) (*ClientConfig, error) {
	if path == "" {
		path = findConfigInPaths(ClientSearchPaths())
	}
	if path == "" {
		hint, _ := DefaultClientConfigPath()
		return nil, fmt.Errorf("config: %w (run with --init to create %s)", ErrClientConfigNotFound, hint)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ClientConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.filePath = path

	cfg.Global.ProxyKey = ExpandEnv(cfg.Global.ProxyKey)
	if cfg.Models.Claude != nil {
		cfg.Models.Claude.AnthropicAPIKey = ExpandEnv(cfg.Models.Claude.AnthropicAPIKey)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Models.Claude == nil {
		return fmt.Errorf("[models.claude] section is required")
	}
	if c.Models.Claude.MaxTokens < 0 {
		return fmt.Errorf("models.claude.max_tokens must be non-negative; got %d", c.Models.Claude.MaxTokens)
	}
	if c.Global.TimeoutSeconds < 0 {
		return fmt.Errorf("global.timeout_seconds must be non-negative; got %d", c.Global.TimeoutSeconds)
	}
	if !c.Global.Proxy {
		return nil
	}

	if c.Global.ProxyURL == "" {
		return fmt.Errorf("proxy is enabled but global.proxy_url is empty")
	}
	name := c.Global.Transport
	if name == "" {
		name = string(transport.ModeRPC)
	}
	mode, err := transport.ParseMode(name)
	if err != nil {
		return fmt.Errorf("global.transport: %w", err)
	}
	if _, err := envelope.ParseSuite(c.Global.Cipher); err != nil {
		return fmt.Errorf("global.cipher: %w", err)
	}
	needKey := mode == transport.ModeStream || (mode == transport.ModeObfuscated && c.Global.EncryptObfuscated)
	if needKey && c.Global.ProxyKey == "" {
		return fmt.Errorf("global.proxy_key is required for transport %q", mode)
	}
	if c.Global.ProxyKey != "" {
		if _, err := envelope.ParseKey(c.Global.ProxyKey); err != nil {
			return fmt.Errorf("global.proxy_key: %w", err)
		}
	}
	return nil
}

func (c *ClientConfig) setDefaults() {
	if c.Global.Transport == "" {
		c.Global.Transport = string(transport.ModeRPC)
	}
	if c.Global.Cipher == "" {
		c.Global.Cipher = string(envelope.ChaCha20Poly1305)
	}
	if c.Global.TimeoutSeconds == 0 {
		c.Global.TimeoutSeconds = 120
	}
	if c.Models.Claude.MaxTokens == 0 {
		c.Models.Claude.MaxTokens = 1024
	}
	if c.Models.Claude.URL == "" {
		c.Models.Claude.URL = "https://api.anthropic.com/"
	}
	if c.Models.Claude.Model == "" {
		c.Models.Claude.Model = "claude-sonnet-4-20250514"
	}
}

// TransportMode returns the configured relay transport. Valid after LoadClient.
func (c *ClientConfig) TransportMode() transport.Mode {
	m, _ := transport.ParseMode(c.Global.Transport)
	return m
}

// Timeout returns the per-call timeout.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.Global.TimeoutSeconds) * time.Second
}

// Sealer builds the AEAD sealer for the relay key, or nil when none is set.
func (c *ClientConfig) Sealer() (*envelope.Sealer, error) {
	if c.Global.ProxyKey == "" {
		return nil, nil
	}
	key, err := envelope.ParseKey(c.Global.ProxyKey)
	if err != nil {
		return nil, fmt.Errorf("global.proxy_key: %w", err)
	}
	defer key.Wipe()
	suite, err := envelope.ParseSuite(c.Global.Cipher)
	if err != nil {
		return nil, fmt.Errorf("global.cipher: %w", err)
	}
	return envelope.NewSealer(key, suite)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *ClientConfig) WarnPermissions(logger *slog.Logger) {
	warnPermissions(c.filePath, logger)
}

const defaultClientConfig = `[global]
proxy = false
proxy_url = "http://127.0.0.1:50051"
# stream | rpc | obfuscated
transport = "rpc"
# Required for the stream transport and for obfuscated with encrypt_obfuscated.
proxy_key = "${XLLM_PROXY_KEY}"
cipher = "chacha20-poly1305"
encrypt_obfuscated = false
timeout_seconds = 120

[models.claude]
model = "claude-sonnet-4-20250514"
max_tokens = 1024
anthropic_api_key = "${ANTHROPIC_API_KEY}"
url = "https://api.anthropic.com/"
`

// CreateDefaultClient writes a default client config to path, creating parent
// directories. It refuses to overwrite an existing file.
func CreateDefaultClient(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(defaultClientConfig), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
