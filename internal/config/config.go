// Package config holds the driver's configuration and its sources:
// defaults, a TOML file, CDPDRIVER_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config is the resolved configuration. It is built once and passed down.
type Config struct {
	// WSURL is the browser WebSocket URL. Empty launches Chrome.
	WSURL string `json:"ws_url"`

	Headless    bool   `json:"headless"`
	Port        int    `json:"port"`
	ChromePath  string `json:"chrome_path"`
	UserDataDir string `json:"user_data_dir"`

	// CommandTimeout bounds each command; zero waits as long as the
	// caller's context allows.
	CommandTimeout    time.Duration `json:"command_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	AsyncTTL          time.Duration `json:"async_ttl"`
	LoadTimeout       time.Duration `json:"load_timeout"`
	FramePollInterval time.Duration `json:"frame_poll_interval"`

	RaiseJSErrors   bool `json:"raise_js_errors"`
	FlattenSessions bool `json:"flatten_sessions"`

	LogLevel        string `json:"log_level"`
	MetricsAddr     string `json:"metrics_addr"`
	ErrorBufferSize int    `json:"error_buffer_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Headless:          true,
		Port:              9222,
		CommandTimeout:    30 * time.Second,
		WriteTimeout:      10 * time.Second,
		SweepInterval:     time.Second,
		AsyncTTL:          30 * time.Second,
		LoadTimeout:       10 * time.Second,
		FramePollInterval: 20 * time.Millisecond,
		LogLevel:          "info",
		ErrorBufferSize:   100,
	}
}

// Validate checks the configuration for values the driver cannot use.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.CommandTimeout < 0 {
		errs = append(errs, errors.New("command_timeout must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"write_timeout":       c.WriteTimeout,
		"sweep_interval":      c.SweepInterval,
		"async_ttl":           c.AsyncTTL,
		"load_timeout":        c.LoadTimeout,
		"frame_poll_interval": c.FramePollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ErrorBufferSize <= 0 {
		errs = append(errs, errors.New("error_buffer_size must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
