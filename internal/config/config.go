// Package config loads configuration from environment variables with an
// optional YAML file overlay. Environment variables use the ORDERINFO prefix
// and take precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for both binaries. The service reads
// Server/Database/Protocol/Admin/Logging; the agent reads Agent/Logging.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Protocol ProtocolConfig `yaml:"protocol" envconfig:"PROTOCOL"`
	Admin    AdminConfig    `yaml:"admin" envconfig:"ADMIN"`
	Agent    AgentConfig    `yaml:"agent" envconfig:"AGENT"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" default:":5005"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

// DatabaseConfig selects the store backend. Driver is "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER" default:"sqlite"`
	DSN    string `yaml:"dsn" envconfig:"DSN" default:"auth.db"`
}

// ProtocolConfig carries the protocol constants. Defaults match the wire
// contract; change them only when every deployed client agrees.
type ProtocolConfig struct {
	ClockSkew           time.Duration `yaml:"clock_skew" envconfig:"CLOCK_SKEW" default:"5m"`
	NonceRetention      time.Duration `yaml:"nonce_retention" envconfig:"NONCE_RETENTION" default:"10m"`
	LivenessWindow      time.Duration `yaml:"liveness_window" envconfig:"LIVENESS_WINDOW" default:"10m"`
	ConfigTokenTTL      time.Duration `yaml:"config_token_ttl" envconfig:"CONFIG_TOKEN_TTL" default:"10m"`
	AllowDeviceKeyReset bool          `yaml:"allow_device_key_reset" envconfig:"ALLOW_DEVICE_KEY_RESET" default:"true"`
	RateWindow          time.Duration `yaml:"rate_window" envconfig:"RATE_WINDOW" default:"5m"`
	ActivateRateLimit   int           `yaml:"activate_rate_limit" envconfig:"ACTIVATE_RATE_LIMIT" default:"60"`
	HeartbeatRateLimit  int           `yaml:"heartbeat_rate_limit" envconfig:"HEARTBEAT_RATE_LIMIT" default:"120"`
	ConfigRateLimit     int           `yaml:"config_rate_limit" envconfig:"CONFIG_RATE_LIMIT" default:"120"`
	SaveRateLimit       int           `yaml:"save_rate_limit" envconfig:"SAVE_RATE_LIMIT" default:"60"`
	AdminRateLimit      int           `yaml:"admin_rate_limit" envconfig:"ADMIN_RATE_LIMIT" default:"30"`
}

// AdminConfig guards the operator license-generation endpoint.
type AdminConfig struct {
	APIKey string `yaml:"api_key" envconfig:"API_KEY"`
}

// AgentConfig contains the client agent settings.
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url" envconfig:"SERVER_URL" default:"http://127.0.0.1:5005"`
	StateFile         string        `yaml:"state_file" envconfig:"STATE_FILE" default:"orderinfo_state.json"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" default:"60s"`
	GracePeriod       time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"24h"`
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s"`
	EncryptState      bool          `yaml:"encrypt_state" envconfig:"ENCRYPT_STATE" default:"true"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/orderinfo.log"`
}

// Load reads the optional YAML file, then applies environment overrides.
func Load() (*Config, error) {
	var cfg Config

	path := configFilePath()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("ORDERINFO", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("ORDERINFO_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Protocol.ClockSkew <= 0 {
		return fmt.Errorf("clock skew must be positive")
	}
	if c.Protocol.NonceRetention < c.Protocol.ClockSkew {
		return fmt.Errorf("nonce retention must cover the clock skew window")
	}
	if c.Agent.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	return nil
}

// Default returns the built-in defaults without touching the environment,
// for tests and tooling.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":5005",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "auth.db"},
		Protocol: ProtocolConfig{
			ClockSkew:           5 * time.Minute,
			NonceRetention:      10 * time.Minute,
			LivenessWindow:      10 * time.Minute,
			ConfigTokenTTL:      10 * time.Minute,
			AllowDeviceKeyReset: true,
			RateWindow:          5 * time.Minute,
			ActivateRateLimit:   60,
			HeartbeatRateLimit:  120,
			ConfigRateLimit:     120,
			SaveRateLimit:       60,
			AdminRateLimit:      30,
		},
		Agent: AgentConfig{
			ServerURL:         "http://127.0.0.1:5005",
			StateFile:         "orderinfo_state.json",
			HeartbeatInterval: 60 * time.Second,
			GracePeriod:       24 * time.Hour,
			RequestTimeout:    10 * time.Second,
			EncryptState:      true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", FilePath: "logs/orderinfo.log"},
	}
}
