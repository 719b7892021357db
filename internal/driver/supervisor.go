package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// Supervisor defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultMaxAttempts       = 5
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
)

// ConnectionState represents the health of the supervised connection.
type ConnectionState int

const (
	// StateConnected indicates an active, healthy connection.
	StateConnected ConnectionState = iota
	// StateReconnecting indicates a restart is in progress.
	StateReconnecting
	// StateDisconnected indicates the connection is lost and not recovering.
	StateDisconnected
)

// String returns a human-readable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionInfo holds connection health information for status reporting.
type ConnectionInfo struct {
	State          ConnectionState `json:"-"`
	StateString    string          `json:"state"`
	LastHeartbeat  time.Time       `json:"lastHeartbeat,omitzero"`
	ReconnectCount int             `json:"reconnectCount,omitempty"`
	Restarts       int             `json:"restarts,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

// SupervisorOptions configures Supervise. Zero values take the defaults.
type SupervisorOptions struct {
	// HeartbeatInterval is the time between Browser.getVersion checks.
	// A negative value disables the heartbeat; the supervisor then only
	// reacts to the connection dying.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MaxAttempts bounds consecutive failed restarts.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// JitterPercent adds up to this fraction of each delay at random.
	// Zero disables jitter.
	JitterPercent float64
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.JitterPercent < 0 {
		o.JitterPercent = 0
	}
	return o
}

// Supervisor watches a driver's connection and restarts it after an
// abnormal loss. A graceful close by the browser is final.
type Supervisor struct {
	d    *Driver
	opts SupervisorOptions
	log  zerolog.Logger

	mu             sync.RWMutex
	state          ConnectionState
	lastHeartbeat  time.Time
	reconnectCount int
	restarts       int
	lastError      error

	cancel context.CancelFunc
	done   chan struct{}
}

// Supervise starts watching d until ctx is cancelled, Stop is called or
// the connection is lost for good.
func Supervise(ctx context.Context, d *Driver, opts SupervisorOptions) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		d:             d,
		opts:          opts.withDefaults(),
		log:           d.log.With().Str("component", "supervisor").Logger(),
		state:         StateConnected,
		lastHeartbeat: time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Stop ends supervision and waits for the watcher to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed when the supervisor stops watching.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns connection health information for status reporting.
func (s *Supervisor) Info() ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := ConnectionInfo{
		State:          s.state,
		StateString:    s.state.String(),
		LastHeartbeat:  s.lastHeartbeat,
		ReconnectCount: s.reconnectCount,
		Restarts:       s.restarts,
	}
	if s.lastError != nil {
		info.LastError = s.lastError.Error()
	}
	return info
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		client := s.d.Client()

		var lost error
		select {
		case <-ctx.Done():
			return
		case <-client.Dead():
			lost = client.Err()
		case <-tick:
			lost = s.heartbeat(ctx, client)
		}
		if lost == nil {
			continue
		}

		s.d.waitRestart()
		if s.d.Client() != client {
			// Restarted by the owner; watch the new client.
			continue
		}

		if s.d.isClosed() {
			s.setDisconnected(lost)
			return
		}
		if cdp.GracefulClose(lost) {
			s.setDisconnected(lost)
			s.log.Info().Err(lost).Msg("browser closed the connection")
			return
		}
		if !s.recover(ctx, lost) {
			return
		}
	}
}

// heartbeat checks the connection. It returns nil when the connection is
// healthy or ctx ended.
func (s *Supervisor) heartbeat(ctx context.Context, client *cdp.Client) error {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatTimeout)
	defer cancel()

	if _, err := client.Call(hctx, cdproto.CommandBrowserGetVersion, nil); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Debug().Err(err).Msg("heartbeat failed")
		return err
	}

	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
	return nil
}

// recover restarts the driver with exponential backoff. It returns false
// when attempts are exhausted or ctx ended.
func (s *Supervisor) recover(ctx context.Context, cause error) bool {
	lastErr := cause
	for !s.maxAttemptsReached() {
		s.setReconnecting(lastErr)

		delay := s.nextDelay()
		s.log.Debug().Dur("delay", delay).Msg("waiting before restart")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		err := s.d.Restart(ctx)
		if err == nil {
			s.setConnected()
			return true
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			s.setDisconnected(err)
			return false
		}
		s.log.Debug().Err(err).Msg("restart attempt failed")
		lastErr = err
	}

	s.setDisconnected(fmt.Errorf("max restart attempts exceeded: %w", lastErr))
	s.log.Error().Err(lastErr).Int("attempts", s.opts.MaxAttempts).Msg("giving up on browser connection")
	return false
}

func (s *Supervisor) setConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnected
	s.lastHeartbeat = time.Now()
	s.reconnectCount = 0
	s.restarts++
	s.lastError = nil
	s.log.Info().Int("restarts", s.restarts).Msg("reconnected")
}

func (s *Supervisor) setReconnecting(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reconnectCount++
	s.lastError = err
	s.state = StateReconnecting
	s.log.Warn().Err(err).Int("attempt", s.reconnectCount).Int("max", s.opts.MaxAttempts).Msg("reconnecting")
}

func (s *Supervisor) setDisconnected(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastError = err
	s.state = StateDisconnected
}

func (s *Supervisor) maxAttemptsReached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectCount >= s.opts.MaxAttempts
}

// nextDelay is InitialDelay * BackoffFactor^(attempt-1), capped at
// MaxDelay, plus up to JitterPercent of jitter.
func (s *Supervisor) nextDelay() time.Duration {
	s.mu.RLock()
	count := s.reconnectCount
	s.mu.RUnlock()

	if count <= 0 {
		count = 1
	}

	delay := float64(s.opts.InitialDelay)
	for i := 1; i < count; i++ {
		delay *= s.opts.BackoffFactor
	}
	if delay > float64(s.opts.MaxDelay) {
		delay = float64(s.opts.MaxDelay)
	}

	delay += delay * s.opts.JitterPercent * rand.Float64()
	return time.Duration(delay)
}
