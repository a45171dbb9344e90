package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Back end names accepted by Config.Backend.
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Backend  string `yaml:"backend" default:"go-ble"`
	// HCIDevice selects the adapter on linux (hci0 is 0).
	HCIDevice int `yaml:"hci_device" default:"0"`

	InboxSize      int    `yaml:"inbox_size" default:"256"`
	EventBuffer    int    `yaml:"event_buffer" default:"128"`
	EventHistory   uint32 `yaml:"event_history" default:"64"`
	OverflowPolicy string `yaml:"overflow_policy" default:"block"`

	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`

	OutputFormat string `yaml:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated fields and sizes.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendGoBLE, BackendTinyGo)
	}
	switch c.OverflowPolicy {
	case "block", "drop-oldest":
	default:
		return fmt.Errorf("unknown overflow policy %q", c.OverflowPolicy)
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("inbox_size must be positive, got %d", c.InboxSize)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
