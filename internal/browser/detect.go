// Package browser finds, launches and locates the DevTools endpoint of a
// Chrome process.
package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// EnvChrome names the environment variable that overrides Chrome discovery.
const EnvChrome = "CDPDRIVER_CHROME"

// ErrChromeNotFound is returned when no Chrome binary can be located.
var ErrChromeNotFound = errors.New("chrome not found")

// chromePaths lists the places Chrome is usually installed on this platform.
func chromePaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
		}
	case "linux":
		return []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
			"/snap/bin/chromium",
		}
	default:
		return nil
	}
}

// FindChrome returns the Chrome binary to launch. An explicit path wins,
// then $CDPDRIVER_CHROME, then the platform's usual install locations.
func FindChrome(explicit string) (string, error) {
	for _, candidate := range []string{explicit, os.Getenv(EnvChrome)} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("%w: %s", ErrChromeNotFound, candidate)
		}
		return candidate, nil
	}

	for _, path := range chromePaths() {
		if found, err := exec.LookPath(path); err == nil {
			return found, nil
		}
	}
	return "", ErrChromeNotFound
}
