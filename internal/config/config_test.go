package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns value when set", func(t *testing.T) {
		t.Setenv("TEST_GET_ENV_KEY", "myvalue")
		if got := getEnv("TEST_GET_ENV_KEY", "default"); got != "myvalue" {
			t.Errorf("got %q, want myvalue", got)
		}
	})

	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("TEST_GET_ENV_KEY_MISSING")
		if got := getEnv("TEST_GET_ENV_KEY_MISSING", "fallback"); got != "fallback" {
			t.Errorf("got %q, want fallback", got)
		}
	})
}

func TestGetEnvAsInt(t *testing.T) {
	t.Run("valid int", func(t *testing.T) {
		t.Setenv("TEST_INT", "42")
		got, err := getEnvAsInt("TEST_INT", 10)
		if err != nil || got != 42 {
			t.Errorf("got %d, %v, want 42", got, err)
		}
	})

	t.Run("invalid int is an error", func(t *testing.T) {
		t.Setenv("TEST_INT_BAD", "not_a_number")
		if _, err := getEnvAsInt("TEST_INT_BAD", 99); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("unset returns default", func(t *testing.T) {
		os.Unsetenv("TEST_INT_MISSING")
		got, err := getEnvAsInt("TEST_INT_MISSING", 7)
		if err != nil || got != 7 {
			t.Errorf("got %d, %v, want 7", got, err)
		}
	})
}

func TestGetEnvAsDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "250ms")
	got, err := getEnvAsDuration("TEST_DURATION", time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Errorf("got %v, %v", got, err)
	}
	t.Setenv("TEST_DURATION", "soon")
	if _, err := getEnvAsDuration("TEST_DURATION", time.Second); err == nil {
		t.Error("expected an error")
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.ADB.Addr() != "127.0.0.1:5037" {
		t.Errorf("adb addr = %s", cfg.ADB.Addr())
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devmirror.yaml")
	yaml := `
server:
  addr: ":9000"
  tls: self-signed
adb:
  host: 10.0.0.5
  port: 5038
agent:
  version: 1.20-ws1
log_level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("ANDROID_ADB_SERVER_PORT", "5555")
	t.Setenv("DEVMIRROR_AUTH", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.TLS != TLSSelfSigned {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.ADB.Host != "10.0.0.5" || cfg.ADB.Port != 5555 {
		t.Errorf("adb = %+v, env should override the file", cfg.ADB)
	}
	if cfg.Agent.Version != "1.20-ws1" || cfg.Agent.Port != 8886 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if !cfg.Server.Auth || cfg.Redis.Addr != "localhost:6379" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("ANDROID_ADB_SERVER_PORT", "adb")
	if _, err := Load(); err == nil {
		t.Error("expected an error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"unknown tls", func(c *Config) { c.Server.TLS = "maybe" }},
		{"acme without domains", func(c *Config) { c.Server.TLS = TLSACME }},
		{"custom without files", func(c *Config) { c.Server.TLS = TLSCustom }},
		{"adb port", func(c *Config) { c.ADB.Port = 70000 }},
		{"agent port", func(c *Config) { c.Agent.Port = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"redis channel", func(c *Config) { c.Redis.Addr = "x:1"; c.Redis.Channel = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
