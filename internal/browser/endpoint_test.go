package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

// endpointFor points an Endpoint at a test server.
func endpointFor(t *testing.T, server *httptest.Server) Endpoint {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return Endpoint{Host: u.Hostname(), Port: port, HTTPClient: server.Client()}
}

func discoveryServer(t *testing.T, version VersionInfo, targets []Target) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/version":
			_ = json.NewEncoder(w).Encode(version)
		case "/json/list":
			_ = json.NewEncoder(w).Encode(targets)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEndpoint_Targets(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, VersionInfo{}, []Target{
		{ID: "ABC123", Type: "page", Title: "Test Page", URL: "https://example.com", WebSocketURL: "ws://127.0.0.1:9222/devtools/page/ABC123"},
		{ID: "DEF456", Type: "service_worker"},
	})

	targets, err := endpointFor(t, server).Targets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if targets[0].WebSocketURL != "ws://127.0.0.1:9222/devtools/page/ABC123" {
		t.Errorf("unexpected WebSocket URL: %s", targets[0].WebSocketURL)
	}
}

func TestEndpoint_WebSocketURL(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, VersionInfo{
		Browser:         "Chrome/120.0.0.0",
		ProtocolVersion: "1.3",
		WebSocketURL:    "ws://127.0.0.1:9222/devtools/browser/abc",
	}, nil)
	e := endpointFor(t, server)

	info, err := e.Version(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Browser != "Chrome/120.0.0.0" || info.ProtocolVersion != "1.3" {
		t.Errorf("unexpected version %+v", info)
	}

	wsURL, err := e.WebSocketURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsURL != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Errorf("unexpected url %s", wsURL)
	}
}

func TestEndpoint_WebSocketURL_Missing(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, VersionInfo{Browser: "Chrome/120.0.0.0"}, nil)

	_, err := endpointFor(t, server).WebSocketURL(context.Background())
	if !errors.Is(err, ErrNoWebSocketURL) {
		t.Errorf("expected ErrNoWebSocketURL, got %v", err)
	}
}

func TestEndpoint_Errors(t *testing.T) {
	t.Parallel()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/version" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(failing.Close)
	e := endpointFor(t, failing)

	if _, err := e.Version(context.Background()); err == nil {
		t.Error("expected status error")
	}
	if _, err := e.Targets(context.Background()); err == nil {
		t.Error("expected parse error")
	}

	unreachable := Endpoint{Host: "127.0.0.1", Port: 59999}
	if _, err := unreachable.Targets(context.Background()); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestWaitForEndpoint(t *testing.T) {
	t.Parallel()

	server := discoveryServer(t, VersionInfo{Browser: "Chrome"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForEndpoint(ctx, endpointFor(t, server)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := waitForEndpoint(ctx, Endpoint{Host: "127.0.0.1", Port: 59999})
	if !errors.Is(err, ErrStartTimeout) {
		t.Errorf("expected ErrStartTimeout, got %v", err)
	}
}

func TestFindPageTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		targets []Target
		want    string
	}{
		{
			name: "first page",
			targets: []Target{
				{ID: "1", Type: "background_page"},
				{ID: "2", Type: "page"},
				{ID: "3", Type: "page"},
			},
			want: "2",
		},
		{name: "no page", targets: []Target{{ID: "1", Type: "service_worker"}}},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := FindPageTarget(tt.targets)
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("expected nil, got %+v", got)
			case tt.want != "" && (got == nil || got.ID != tt.want):
				t.Errorf("expected %s, got %+v", tt.want, got)
			}
		})
	}
}
