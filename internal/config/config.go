// Package config loads server configuration from an optional .env file,
// an optional YAML file and environment variables, in that order of
// increasing precedence. Command-line flags are applied on top by the
// commands themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the YAML file to load, if any.
const EnvConfigFile = "DEVMIRROR_CONFIG"

// Config holds all configuration for the server.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	ADB      ADBConfig    `yaml:"adb"`
	Agent    AgentConfig  `yaml:"agent"`
	Redis    RedisConfig  `yaml:"redis"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	DataDir         string        `yaml:"data_dir"`
	TLS             string        `yaml:"tls"` // off, self-signed, acme or custom
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	ACMEDomains     []string      `yaml:"acme_domains"`
	Auth            bool          `yaml:"auth"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ADBConfig locates the adb server.
type ADBConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (c ADBConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// AgentConfig describes the on-device agent.
type AgentConfig struct {
	Jar     string `yaml:"jar"`
	Version string `yaml:"version"`
	Port    int    `yaml:"port"`
}

// RedisConfig enables fleet event publishing when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// TLS modes.
const (
	TLSOff        = "off"
	TLSSelfSigned = "self-signed"
	TLSACME       = "acme"
	TLSCustom     = "custom"
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			DataDir:         "data",
			TLS:             TLSOff,
			ShutdownTimeout: 10 * time.Second,
		},
		ADB: ADBConfig{
			Host: "127.0.0.1",
			Port: 5037,
		},
		Agent: AgentConfig{
			Jar:     "assets/scrcpy-server.jar",
			Version: "1.19-ws6",
			Port:    8886,
		},
		Redis: RedisConfig{
			Channel: "devmirror:devices",
		},
		LogLevel: "info",
	}
}

// Load reads .env, the YAML file named by DEVMIRROR_CONFIG and the
// environment, then validates the result.
func Load() (*Config, error) {
	// Load .env file if it exists (optional)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("DEVMIRROR_ADDR", c.Server.Addr)
	c.Server.DataDir = getEnv("DEVMIRROR_DATA_DIR", c.Server.DataDir)
	c.Server.TLS = strings.ToLower(getEnv("DEVMIRROR_TLS", c.Server.TLS))
	c.Server.TLSCert = getEnv("DEVMIRROR_TLS_CERT", c.Server.TLSCert)
	c.Server.TLSKey = getEnv("DEVMIRROR_TLS_KEY", c.Server.TLSKey)
	if v := os.Getenv("DEVMIRROR_ACME_DOMAINS"); v != "" {
		c.Server.ACMEDomains = splitList(v)
	}
	c.Server.Auth = getEnvAsBool("DEVMIRROR_AUTH", c.Server.Auth)

	var err error
	if c.Server.ShutdownTimeout, err = getEnvAsDuration("DEVMIRROR_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout); err != nil {
		return err
	}

	c.ADB.Host = getEnv("ANDROID_ADB_SERVER_HOST", c.ADB.Host)
	if c.ADB.Port, err = getEnvAsInt("ANDROID_ADB_SERVER_PORT", c.ADB.Port); err != nil {
		return err
	}

	c.Agent.Jar = getEnv("AGENT_JAR", c.Agent.Jar)
	c.Agent.Version = getEnv("AGENT_VERSION", c.Agent.Version)
	if c.Agent.Port, err = getEnvAsInt("AGENT_PORT", c.Agent.Port); err != nil {
		return err
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Channel = getEnv("REDIS_CHANNEL", c.Redis.Channel)
	if c.Redis.DB, err = getEnvAsInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}

	c.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", c.LogLevel))
	return nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.Server.DataDir == "" {
		return errors.New("data directory cannot be empty")
	}
	switch c.Server.TLS {
	case TLSOff, TLSSelfSigned:
	case TLSACME:
		if len(c.Server.ACMEDomains) == 0 {
			return errors.New("acme TLS requires DEVMIRROR_ACME_DOMAINS")
		}
	case TLSCustom:
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return errors.New("custom TLS requires DEVMIRROR_TLS_CERT and DEVMIRROR_TLS_KEY")
		}
	default:
		return fmt.Errorf("TLS mode must be off, self-signed, acme or custom, got %q", c.Server.TLS)
	}
	if c.ADB.Host == "" {
		return errors.New("adb host cannot be empty")
	}
	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		return fmt.Errorf("adb port %d out of range", c.ADB.Port)
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent port %d out of range", c.Agent.Port)
	}
	if c.Agent.Version == "" {
		return errors.New("agent version cannot be empty")
	}
	if c.Redis.Addr != "" && c.Redis.Channel == "" {
		return errors.New("redis channel cannot be empty when redis is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return errors.New("log level must be 'debug', 'info', 'warn', or 'error'")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer", key)
	}
	return n, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 10s", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
