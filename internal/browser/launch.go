package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPort is the default remote debugging port.
const DefaultPort = 9222

// DefaultStartTimeout bounds the wait for a launched browser's endpoint.
const DefaultStartTimeout = 30 * time.Second

// UserDataDirDefault selects the user's own Chrome profile.
const UserDataDirDefault = "default"

// LaunchOptions configures a browser launch.
type LaunchOptions struct {
	// BinaryPath overrides Chrome discovery.
	BinaryPath string

	Headless bool

	// Port is the remote debugging port. Zero means DefaultPort.
	Port int

	// UserDataDir is the profile directory. Empty creates a temporary
	// profile that is removed on Close; UserDataDirDefault uses the
	// user's profile.
	UserDataDir string

	// Args are appended to the generated command line.
	Args []string

	StartTimeout time.Duration

	Logger zerolog.Logger
}

func (o LaunchOptions) port() int {
	if o.Port == 0 {
		return DefaultPort
	}
	return o.Port
}

// buildArgs constructs the Chrome command line.
func buildArgs(opts LaunchOptions) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", opts.port()),
		"--remote-debugging-address=127.0.0.1",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-popup-blocking",
	}

	switch runtime.GOOS {
	case "darwin":
		args = append(args, "--use-mock-keychain")
	case "linux":
		args = append(args, "--password-store=basic")
	}

	if opts.Headless {
		args = append(args, "--headless=new")
	}
	if opts.UserDataDir != "" && opts.UserDataDir != UserDataDirDefault {
		args = append(args, "--user-data-dir="+opts.UserDataDir)
	}
	args = append(args, opts.Args...)

	return append(args, "about:blank")
}

// createTempDataDir creates a throwaway profile directory.
func createTempDataDir() (string, error) {
	return os.MkdirTemp("", "cdpdriver-chrome-*")
}

// spawnProcess starts Chrome without waiting for it. It returns the
// profile directory it created, if any.
func spawnProcess(binPath string, opts LaunchOptions) (*exec.Cmd, string, error) {
	var tempDir string
	if opts.UserDataDir == "" {
		dir, err := createTempDataDir()
		if err != nil {
			return nil, "", fmt.Errorf("create temp dir: %w", err)
		}
		tempDir = dir
		opts.UserDataDir = dir
	}

	cmd := exec.Command(binPath, buildArgs(opts)...)
	if err := cmd.Start(); err != nil {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
		return nil, "", fmt.Errorf("start browser: %w", err)
	}
	return cmd, tempDir, nil
}
