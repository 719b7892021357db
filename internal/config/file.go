package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML form of Config. Durations are strings such as
// "30s"; unset booleans are nil.
type FileConfig struct {
	WSURL             string `toml:"ws_url"`
	Headless          *bool  `toml:"headless"`
	Port              int    `toml:"port"`
	ChromePath        string `toml:"chrome_path"`
	UserDataDir       string `toml:"user_data_dir"`
	CommandTimeout    string `toml:"command_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	SweepInterval     string `toml:"sweep_interval"`
	AsyncTTL          string `toml:"async_ttl"`
	LoadTimeout       string `toml:"load_timeout"`
	FramePollInterval string `toml:"frame_poll_interval"`
	RaiseJSErrors     *bool  `toml:"raise_js_errors"`
	FlattenSessions   *bool  `toml:"flatten_sessions"`
	LogLevel          string `toml:"log_level"`
	MetricsAddr       string `toml:"metrics_addr"`
	ErrorBufferSize   int    `toml:"error_buffer_size"`
}

// DefaultPath returns ~/.cdpdriver/config.toml, or "" without a home
// directory.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".cdpdriver", "config.toml")
	}
	return ""
}

// LoadFile reads and parses a TOML config file. Unknown keys are an error.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	f, err := os.Open(path)
	if err != nil {
		return fc, err
	}
	defer f.Close()

	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fc, fmt.Errorf("%s: %s", path, strict.String())
		}
		return fc, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// ApplyFile copies the values set in fc into cfg, skipping keys whose flag
// was set explicitly.
func ApplyFile(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString(FlagWSURL, fc.WSURL, &cfg.WSURL)
	s.setBool(FlagHeadless, fc.Headless, &cfg.Headless)
	s.setInt(FlagPort, fc.Port, &cfg.Port)
	s.setString(FlagChrome, fc.ChromePath, &cfg.ChromePath)
	s.setString(FlagUserDataDir, fc.UserDataDir, &cfg.UserDataDir)
	s.setBool(FlagRaiseJSErrors, fc.RaiseJSErrors, &cfg.RaiseJSErrors)
	s.setBool(FlagFlatten, fc.FlattenSessions, &cfg.FlattenSessions)
	s.setString(FlagLogLevel, fc.LogLevel, &cfg.LogLevel)
	s.setString(FlagMetricsAddr, fc.MetricsAddr, &cfg.MetricsAddr)
	s.setInt(FlagErrorBufferSize, fc.ErrorBufferSize, &cfg.ErrorBufferSize)

	return applyDurations(s, map[string]durationSource{
		FlagTimeout:       {fc.CommandTimeout, &cfg.CommandTimeout},
		FlagWriteTimeout:  {fc.WriteTimeout, &cfg.WriteTimeout},
		FlagSweepInterval: {fc.SweepInterval, &cfg.SweepInterval},
		FlagAsyncTTL:      {fc.AsyncTTL, &cfg.AsyncTTL},
		FlagLoadTimeout:   {fc.LoadTimeout, &cfg.LoadTimeout},
		FlagPollInterval:  {fc.FramePollInterval, &cfg.FramePollInterval},
	})
}

type durationSource struct {
	value string
	dst   *time.Duration
}

func applyDurations(s *configSetter, sources map[string]durationSource) error {
	var errs []error
	for flag, src := range sources {
		if err := s.setDuration(flag, src.value, src.dst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileExists reports whether a file exists at p.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
