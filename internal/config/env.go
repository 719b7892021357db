package config

import (
	"errors"
	"os"
)

// EnvPrefix prefixes every environment variable the driver reads.
const EnvPrefix = "CDPDRIVER_"

// Flag names. Each config key is bound to one flag; a flag set on the
// command line wins over the file and the environment.
const (
	FlagWSURL           = "ws-url"
	FlagHeadless        = "headless"
	FlagPort            = "port"
	FlagChrome          = "chrome"
	FlagUserDataDir     = "user-data-dir"
	FlagTimeout         = "timeout"
	FlagWriteTimeout    = "write-timeout"
	FlagSweepInterval   = "sweep-interval"
	FlagAsyncTTL        = "async-ttl"
	FlagLoadTimeout     = "load-timeout"
	FlagPollInterval    = "poll-interval"
	FlagRaiseJSErrors   = "raise-js-errors"
	FlagFlatten         = "flatten"
	FlagLogLevel        = "log-level"
	FlagMetricsAddr     = "metrics-addr"
	FlagErrorBufferSize = "error-buffer-size"
)

// ApplyEnv copies CDPDRIVER_* variables into cfg, skipping keys whose flag
// was set explicitly. Malformed values are reported together.
func ApplyEnv(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(key string) string { return os.Getenv(EnvPrefix + key) }

	s.setString(FlagWSURL, env("WS_URL"), &cfg.WSURL)
	s.setString(FlagChrome, env("CHROME_PATH"), &cfg.ChromePath)
	s.setString(FlagUserDataDir, env("USER_DATA_DIR"), &cfg.UserDataDir)
	s.setString(FlagLogLevel, env("LOG_LEVEL"), &cfg.LogLevel)
	s.setString(FlagMetricsAddr, env("METRICS_ADDR"), &cfg.MetricsAddr)

	errs := []error{
		s.setBoolFromString(FlagHeadless, env("HEADLESS"), &cfg.Headless),
		s.setBoolFromString(FlagRaiseJSErrors, env("RAISE_JS_ERRORS"), &cfg.RaiseJSErrors),
		s.setBoolFromString(FlagFlatten, env("FLATTEN_SESSIONS"), &cfg.FlattenSessions),
		s.setIntFromString(FlagPort, env("PORT"), &cfg.Port),
		s.setIntFromString(FlagErrorBufferSize, env("ERROR_BUFFER_SIZE"), &cfg.ErrorBufferSize),
		applyDurations(s, map[string]durationSource{
			FlagTimeout:       {env("COMMAND_TIMEOUT"), &cfg.CommandTimeout},
			FlagWriteTimeout:  {env("WRITE_TIMEOUT"), &cfg.WriteTimeout},
			FlagSweepInterval: {env("SWEEP_INTERVAL"), &cfg.SweepInterval},
			FlagAsyncTTL:      {env("ASYNC_TTL"), &cfg.AsyncTTL},
			FlagLoadTimeout:   {env("LOAD_TIMEOUT"), &cfg.LoadTimeout},
			FlagPollInterval:  {env("FRAME_POLL_INTERVAL"), &cfg.FramePollInterval},
		}),
	}
	return errors.Join(errs...)
}

// Load resolves the configuration the way the CLI does: defaults, then the
// file at path (when it exists), then the environment. Flags recorded in
// changed keep the value already in cfg.
func Load(cfg *Config, path string, changed map[string]bool) error {
	if path != "" && FileExists(path) {
		fc, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := ApplyFile(cfg, fc, changed); err != nil {
			return err
		}
	}
	if err := ApplyEnv(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}
