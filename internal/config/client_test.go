package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xllm-go/internal/transport"
)

func TestLoadClient_Valid(t *testing.T) {
	t.Setenv("TEST_XLLM_KEY", testKeyHex)
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")
	path := writeConfig(t, `
[global]
proxy = true
proxy_url = "10.0.0.5:50051"
transport = "stream"
proxy_key = "${TEST_XLLM_KEY}"
timeout_seconds = 30

[models.claude]
model = "claude-3-haiku-20240307"
max_tokens = 256
anthropic_api_key = "${TEST_ANTHROPIC_KEY}"
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.TransportMode() != transport.ModeStream {
		t.Errorf("mode = %s", cfg.TransportMode())
	}
	if cfg.Global.ProxyKey != testKeyHex {
		t.Errorf("proxy_key not expanded: %q", cfg.Global.ProxyKey)
	}
	if cfg.Models.Claude.AnthropicAPIKey != "sk-ant-test" {
		t.Errorf("anthropic_api_key = %q", cfg.Models.Claude.AnthropicAPIKey)
	}
	if cfg.Timeout().Seconds() != 30 || cfg.Models.Claude.MaxTokens != 256 {
		t.Errorf("timeout = %v max_tokens = %d", cfg.Timeout(), cfg.Models.Claude.MaxTokens)
	}

	sealer, err := cfg.Sealer()
	if err != nil || sealer == nil {
		t.Fatalf("Sealer() = %v, %v", sealer, err)
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient(writeConfig(t, "[models.claude]\n"))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Global.Proxy {
		t.Error("proxy should be off by default")
	}
	if cfg.TransportMode() != transport.ModeRPC {
		t.Errorf("mode = %s, want rpc", cfg.TransportMode())
	}
	if cfg.Global.TimeoutSeconds != 120 || cfg.Models.Claude.MaxTokens != 1024 {
		t.Errorf("global = %+v claude = %+v", cfg.Global, cfg.Models.Claude)
	}
	if cfg.Models.Claude.URL != "https://api.anthropic.com/" || cfg.Models.Claude.Model == "" {
		t.Errorf("claude = %+v", cfg.Models.Claude)
	}
	if s, err := cfg.Sealer(); err != nil || s != nil {
		t.Errorf("Sealer() = %v, %v; want nil, nil", s, err)
	}
}

func TestLoadClient_ProxyWithDefaultTransportNeedsNoKey(t *testing.T) {
	cfg, err := LoadClient(writeConfig(t, "[global]\nproxy = true\nproxy_url = \"http://relay:50051\"\n[models.claude]\n"))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.TransportMode() != transport.ModeRPC {
		t.Errorf("mode = %s", cfg.TransportMode())
	}
}

func TestLoadClient_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"missing claude section", "[global]\nproxy = false\n", "[models.claude]"},
		{"negative max tokens", "[models.claude]\nmax_tokens = -1\n", "max_tokens"},
		{"negative timeout", "[global]\ntimeout_seconds = -1\n[models.claude]\n", "timeout_seconds"},
		{"proxy without url", "[global]\nproxy = true\n[models.claude]\n", "proxy_url"},
		{"unknown transport", "[global]\nproxy = true\nproxy_url = \"x:1\"\ntransport = \"carrier-pigeon\"\n[models.claude]\n", "global.transport"},
		{"stream without key", "[global]\nproxy = true\nproxy_url = \"x:1\"\ntransport = \"stream\"\n[models.claude]\n", "proxy_key is required"},
		{"encrypted obfuscated without key", "[global]\nproxy = true\nproxy_url = \"x:1\"\ntransport = \"obfuscated\"\nencrypt_obfuscated = true\n[models.claude]\n", "proxy_key is required"},
		{"bad key", "[global]\nproxy = true\nproxy_url = \"x:1\"\nproxy_key = \"abcd\"\n[models.claude]\n", "global.proxy_key"},
		{"bad cipher", "[global]\nproxy = true\nproxy_url = \"x:1\"\ncipher = \"des\"\n[models.claude]\n", "global.cipher"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadClient(writeConfig(t, tt.data))
			if err == nil {
				t.Fatal("LoadClient() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadClient_MissingFile(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil {
		t.Fatal("LoadClient() expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")
	tests := []struct {
		in, want string
	}{
		{"${TEST_EXPAND_A}", "alpha"},
		{"pre-${TEST_EXPAND_A}-post", "pre-alpha-post"},
		{"${TEST_EXPAND_UNSET_XYZ}", ""},
		{"$TEST_EXPAND_A", "$TEST_EXPAND_A"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ExpandEnv(tt.in); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateDefaultClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xllm", "config.toml")
	if err := CreateDefaultClient(path); err != nil {
		t.Fatalf("CreateDefaultClient() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	if _, err := LoadClient(path); err != nil {
		t.Errorf("default config does not load: %v", err)
	}

	if err := CreateDefaultClient(path); err == nil {
		t.Error("CreateDefaultClient() should refuse to overwrite")
	}
}
