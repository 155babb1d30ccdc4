// Package config provides configuration management for the chain engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Upstream Upstream `mapstructure:"upstream"`
	Chain    Chain    `mapstructure:"chain"`
	Publish  Publish  `mapstructure:"publish"`
	Server   Server   `mapstructure:"server"`
	Store    Store    `mapstructure:"store"`
	Logging  Logging  `mapstructure:"logging"`
}

// Upstream holds upstream feed configuration.
type Upstream struct {
	Host             string        `mapstructure:"host"`
	WebSocketURL     string        `mapstructure:"websocket_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ReconnectBase    time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	ReconnectRetries int           `mapstructure:"reconnect_retries"` // 0 means unbounded
}

// Chain holds chain and expiry-cache configuration.
type Chain struct {
	DefaultUnderlying string        `mapstructure:"default_underlying"`
	StrikeWindow      int           `mapstructure:"strike_window"` // strikes each side of ATM
	ExpiryTTL         time.Duration `mapstructure:"expiry_ttl"`
	ExpiryFailBackoff time.Duration `mapstructure:"expiry_fail_backoff"`
}

// Publish holds broadcast configuration.
type Publish struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
}

// Server holds HTTP server configuration.
type Server struct {
	Addr string `mapstructure:"addr"`
}

// Store holds persistence configuration.
type Store struct {
	Path string `mapstructure:"path"`
}

// Logging holds logging configuration.
type Logging struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/chainview"
	}
	return filepath.Join(home, ".config", "chainview")
}

// Default returns the built-in defaults, used when no config file exists.
func Default() *Config {
	return &Config{
		Upstream: Upstream{
			Host:           "http://localhost:5000",
			WebSocketURL:   "ws://localhost:8765",
			RequestTimeout: 8 * time.Second,
			ReconnectBase:  time.Second,
			ReconnectMax:   30 * time.Second,
		},
		Chain: Chain{
			DefaultUnderlying: "NIFTY",
			StrikeWindow:      20,
			ExpiryTTL:         10 * time.Minute,
			ExpiryFailBackoff: 30 * time.Second,
		},
		Publish: Publish{
			MinInterval:  250 * time.Millisecond,
			QueueSize:    8,
			IdleTimeout:  5 * time.Minute,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Server: Server{Addr: ":5800"},
		Store:  Store{Path: filepath.Join(DefaultConfigDir(), "chainview.db")},
		Logging: Logging{
			Level:   "info",
			Console: true,
			File:    true,
		},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// A .env file in the working directory is loaded first so env
// overrides can come from it.
func Load(configDir string) (*Config, error) {
	// Ignore a missing .env; it is optional.
	_ = godotenv.Overload()

	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		// No config file: run on defaults plus env overrides.
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENALGO_HOST"); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv("OPENALGO_WS_URL"); v != "" {
		cfg.Upstream.WebSocketURL = v
	}
	if v := os.Getenv("OPENALGO_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("CHAINVIEW_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHAINVIEW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host must be set")
	}
	if c.Upstream.WebSocketURL == "" {
		return fmt.Errorf("upstream.websocket_url must be set")
	}
	if c.Upstream.ReconnectBase <= 0 {
		return fmt.Errorf("upstream.reconnect_base must be positive")
	}
	if c.Upstream.ReconnectMax < c.Upstream.ReconnectBase {
		return fmt.Errorf("upstream.reconnect_max must be >= reconnect_base")
	}
	if c.Chain.StrikeWindow <= 0 {
		return fmt.Errorf("chain.strike_window must be positive")
	}
	if c.Chain.ExpiryTTL <= 0 {
		return fmt.Errorf("chain.expiry_ttl must be positive")
	}
	if c.Publish.MinInterval < 0 {
		return fmt.Errorf("publish.min_interval must be non-negative")
	}
	if c.Publish.QueueSize <= 0 {
		return fmt.Errorf("publish.queue_size must be positive")
	}
	return nil
}
