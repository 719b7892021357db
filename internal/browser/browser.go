package browser

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ErrStartTimeout is returned when a launched browser's endpoint does not
// come up in time.
var ErrStartTimeout = errors.New("browser start timeout")

// Browser is a Chrome process started with remote debugging enabled.
type Browser struct {
	Endpoint

	cmd     *exec.Cmd
	tempDir string // profile created by Start, removed by Close
	log     zerolog.Logger
}

// Start launches Chrome and waits until its DevTools endpoint answers.
func Start(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	binPath, err := FindChrome(opts.BinaryPath)
	if err != nil {
		return nil, err
	}

	cmd, tempDir, err := spawnProcess(binPath, opts)
	if err != nil {
		return nil, err
	}

	b := &Browser{
		Endpoint: Endpoint{Host: "127.0.0.1", Port: opts.port()},
		cmd:      cmd,
		tempDir:  tempDir,
		log:      opts.Logger.With().Str("component", "browser").Logger(),
	}
	b.log.Debug().Str("binary", binPath).Int("pid", b.PID()).Int("port", b.Port).Msg("browser launched")

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := waitForEndpoint(waitCtx, b.Endpoint); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// waitForEndpoint polls /json/version until it answers.
func waitForEndpoint(ctx context.Context, e Endpoint) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := e.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrStartTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PID returns the browser process id.
func (b *Browser) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// Close stops the browser and removes a temporary profile.
func (b *Browser) Close() error {
	if b.cmd == nil || b.cmd.Process == nil {
		return nil
	}

	if err := b.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = b.cmd.Process.Kill()
	}
	_ = b.cmd.Wait()

	if b.tempDir != "" {
		_ = os.RemoveAll(b.tempDir)
	}
	b.cmd = nil
	b.log.Debug().Msg("browser stopped")
	return nil
}
