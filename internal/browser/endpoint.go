package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// ErrNoWebSocketURL is returned when the endpoint reports no browser
// WebSocket URL.
var ErrNoWebSocketURL = errors.New("endpoint reports no websocket url")

// Target is one entry of the /json/list discovery document.
type Target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Description  string `json:"description,omitempty"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the /json/version discovery document.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
	UserAgent       string `json:"User-Agent"`
	V8Version       string `json:"V8-Version"`
	WebKitVersion   string `json:"WebKit-Version"`
	WebSocketURL    string `json:"webSocketDebuggerUrl"`
}

// Endpoint is the HTTP discovery side of a DevTools server.
type Endpoint struct {
	Host string
	Port int

	// HTTPClient defaults to http.DefaultClient; callers bound requests
	// through the context.
	HTTPClient *http.Client
}

func (e Endpoint) addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Version fetches /json/version.
func (e Endpoint) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := e.get(ctx, "/json/version", &info); err != nil {
		return nil, fmt.Errorf("fetch version: %w", err)
	}
	return &info, nil
}

// Targets fetches /json/list.
func (e Endpoint) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := e.get(ctx, "/json/list", &targets); err != nil {
		return nil, fmt.Errorf("fetch targets: %w", err)
	}
	return targets, nil
}

// WebSocketURL returns the browser-level WebSocket URL. Target discovery
// and attach need the browser endpoint, not a page's.
func (e Endpoint) WebSocketURL(ctx context.Context) (string, error) {
	info, err := e.Version(ctx)
	if err != nil {
		return "", err
	}
	if info.WebSocketURL == "" {
		return "", fmt.Errorf("%w: %s", ErrNoWebSocketURL, e.addr())
	}
	return info.WebSocketURL, nil
}

func (e Endpoint) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+e.addr()+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// FindPageTarget returns the first page target in targets.
func FindPageTarget(targets []Target) *Target {
	for i := range targets {
		if targets[i].Type == "page" {
			return &targets[i]
		}
	}
	return nil
}
