// Package config defines all configuration for the trading runtime.
// Config is loaded from a JSON file whose top-level keys are upper-case
// section names; unrecognized keys are kept and exposed to strategies
// through Extra, so one file can configure both the runtime and the
// strategy it hosts.
package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the JSON file
// structure.
type Config struct {
	// ServerID names this process in queue names and logs. A fresh
	// UUID1 is generated when the file does not set one.
	ServerID  string                  `mapstructure:"SERVER_ID"`
	Log       LogConfig               `mapstructure:"LOG"`
	RabbitMQ  *RabbitMQConfig         `mapstructure:"RABBITMQ"`
	Accounts  []AccountConfig         `mapstructure:"ACCOUNTS"`
	Markets   map[string]MarketConfig `mapstructure:"MARKETS"`
	Heartbeat HeartbeatConfig         `mapstructure:"HEARTBEAT"`
	Proxy     string                  `mapstructure:"PROXY"`
	Metrics   *MetricsConfig          `mapstructure:"METRICS"`

	extra map[string]any
}

// LogConfig controls the slog setup. Console writes a text handler to
// stdout; Path+Name add a rotated JSON file handler.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Path        string `mapstructure:"path"`
	Name        string `mapstructure:"name"`
	Clear       bool   `mapstructure:"clear"`
	BackupCount int    `mapstructure:"backup_count"`
	Console     bool   `mapstructure:"console"`
}

// RabbitMQConfig holds the event-bus broker endpoint. A nil section
// disables the bus entirely.
type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AccountConfig holds one exchange account's credentials. Passphrase is
// only used by exchanges that require it (OKEx).
type AccountConfig struct {
	Platform   string `mapstructure:"platform"`
	Account    string `mapstructure:"account"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Passphrase string `mapstructure:"passphrase"`
}

// MarketConfig describes one platform's market-data feed: which symbols
// and channels to ingest and how deep the published books are.
type MarketConfig struct {
	WSS             string   `mapstructure:"wss"`
	Symbols         []string `mapstructure:"symbols"`
	Channels        []string `mapstructure:"channels"`
	OrderbookLength int      `mapstructure:"orderbook_length"` // defaults to 10
}

// HeartbeatConfig controls the scheduler's heartbeat log line. Interval
// is in ticks (seconds); 0 disables the line.
type HeartbeatConfig struct {
	Interval int `mapstructure:"interval"`
}

// MetricsConfig controls the Prometheus endpoint. A nil section disables
// the server.
type MetricsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// sectionKeys are the recognized top-level keys; everything else lands in
// the extra map.
var sectionKeys = map[string]bool{
	"server_id": true,
	"log":       true,
	"rabbitmq":  true,
	"accounts":  true,
	"markets":   true,
	"heartbeat": true,
	"proxy":     true,
	"metrics":   true,
}

// Load reads config from a JSON file and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ServerID == "" {
		cfg.ServerID = newServerID()
	}
	for platform, m := range cfg.Markets {
		if m.OrderbookLength <= 0 {
			m.OrderbookLength = 10
			cfg.Markets[platform] = m
		}
	}

	cfg.extra = make(map[string]any)
	for key, value := range v.AllSettings() {
		if !sectionKeys[key] {
			cfg.extra[key] = value
		}
	}

	return &cfg, nil
}

// Validate checks value ranges and the fields every section requires.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG.level %q must be one of: debug, info, warn, error", c.Log.Level)
	}
	for i, a := range c.Accounts {
		if a.Platform == "" {
			return fmt.Errorf("ACCOUNTS[%d].platform is required", i)
		}
		if a.Account == "" {
			return fmt.Errorf("ACCOUNTS[%d].account is required", i)
		}
	}
	for platform, m := range c.Markets {
		if len(m.Symbols) == 0 {
			return fmt.Errorf("MARKETS.%s.symbols must not be empty", platform)
		}
		if len(m.Channels) == 0 {
			return fmt.Errorf("MARKETS.%s.channels must not be empty", platform)
		}
	}
	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("HEARTBEAT.interval must be >= 0")
	}
	if c.Metrics != nil && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("METRICS.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// Extra returns an unrecognized top-level key's raw value. Lookup is
// case-insensitive, matching the loader.
func (c *Config) Extra(key string) (any, bool) {
	v, ok := c.extra[strings.ToLower(key)]
	return v, ok
}

// ExtraString returns an unrecognized top-level key rendered as a string,
// or "" when it is absent.
func (c *Config) ExtraString(key string) string {
	v, ok := c.Extra(key)
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// Account returns the first configured account for a platform.
func (c *Config) Account(platform string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Platform == platform {
			return a, true
		}
	}
	return AccountConfig{}, false
}

func newServerID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
