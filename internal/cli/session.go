package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpdriver/internal/browser"
	"github.com/grantcarthew/cdpdriver/internal/cdp"
	"github.com/grantcarthew/cdpdriver/internal/config"
	"github.com/grantcarthew/cdpdriver/internal/driver"
	"github.com/grantcarthew/cdpdriver/internal/logging"
)

// session is one connected driver plus whatever the CLI started for it.
type session struct {
	driver  *driver.Driver
	browser *browser.Browser
	metrics *http.Server
	log     zerolog.Logger
}

// Close tears the session down in reverse order of construction.
func (s *session) Close() error {
	var errs []error
	if s.driver != nil {
		errs = append(errs, s.driver.Close())
	}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, s.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// openSession connects a driver according to cfg. Replaced in tests.
var openSession = func(ctx context.Context, cfg config.Config, log zerolog.Logger) (*session, error) {
	s := &session{log: log}

	var metrics *cdp.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = cdp.NewMetrics(reg)
		srv, err := serveMetrics(cfg.MetricsAddr, reg, log)
		if err != nil {
			return nil, err
		}
		s.metrics = srv
	}

	opts := driverOptions(cfg, log, metrics)
	wsURL := cfg.WSURL
	if wsURL == "" {
		b, err := browser.Start(ctx, browser.LaunchOptions{
			BinaryPath:  cfg.ChromePath,
			Headless:    cfg.Headless,
			Port:        cfg.Port,
			UserDataDir: cfg.UserDataDir,
			Logger:      log,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.browser = b
		if wsURL, err = b.WebSocketURL(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		opts.Resolve = b.WebSocketURL
	}

	d, err := driver.Connect(ctx, wsURL, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.driver = d
	return s, nil
}

// driverOptions maps the configuration onto driver and client options.
func driverOptions(cfg config.Config, log zerolog.Logger, metrics *cdp.Metrics) driver.Options {
	return driver.Options{
		Client: cdp.Options{
			Timeout:       cfg.CommandTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			SweepInterval: cfg.SweepInterval,
			AsyncTTL:      cfg.AsyncTTL,
			Flatten:       cfg.FlattenSessions,
			Metrics:       metrics,
		},
		LoadTimeout:       cfg.LoadTimeout,
		FramePollInterval: cfg.FramePollInterval,
		RaiseJSErrors:     cfg.RaiseJSErrors,
		ErrorBufferSize:   cfg.ErrorBufferSize,
		Logger:            log,
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Debug().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return srv, nil
}

// withSession loads the configuration, connects and runs fn. Errors
// are reported through outputError.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return outputError(err.Error())
	}
	level, _ := cfg.Level()
	log := logging.New(logging.Options{Level: level, Out: stderr, NoColor: NoColor})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return outputError(err.Error())
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Debug().Err(err).Msg("session close")
		}
	}()

	if err := fn(ctx, s); err != nil {
		if IsPrintedError(err) {
			return err
		}
		return outputError(err.Error())
	}
	return nil
}
