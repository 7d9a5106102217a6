package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" default:"panic"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"30s"`
	DownloadTimeout time.Duration `yaml:"download_timeout" default:"10m"`

	// StreamBuffer is the per-subscriber sample buffer; the oldest sample is dropped when full.
	StreamBuffer int `yaml:"stream_buffer" default:"256"`
	// DownloadNotifications is how many progress updates a download reports.
	DownloadNotifications int `yaml:"download_notifications" default:"100"`
	// StrictDecode panics on protocol decode errors instead of only ending the stream.
	StrictDecode bool `yaml:"strict_decode" default:"false"`

	// WritesPerSecond paces radio writes; zero means unpaced.
	WritesPerSecond float64 `yaml:"writes_per_second" default:"0"`

	KnownDevicesPath string `yaml:"known_devices_path"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.KnownDevicesPath = filepath.Join(configDir(), "known-devices.yaml")
	return cfg
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "wearsense")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer)
	}
	if c.DownloadNotifications < 0 {
		return fmt.Errorf("download_notifications must not be negative, got %d", c.DownloadNotifications)
	}
	return nil
}

// Level parses LogLevel, falling back to panic (silent).
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
