// Package cdp provides a Chrome DevTools Protocol client that multiplexes
// commands, responses and events for many target sessions over one WebSocket.
package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single incoming CDP frame. Screenshots and large
// DOM dumps regularly exceed the websocket library's 32KiB default.
const maxFrameSize = 256 << 20

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// DialConn opens the transport to a CDP endpoint without starting a client.
func DialConn(ctx context.Context, wsURL string) (Conn, error) {
	if wsURL == "" {
		return nil, errors.New("empty CDP websocket URL")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP endpoint: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// GracefulClose reports whether err ends with the browser closing the
// connection normally (close codes 1000 and 1001). Any other terminal error,
// including a missing close frame, is abnormal and worth a restart.
func GracefulClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func closeReason(err error) string {
	if GracefulClose(err) {
		return "graceful"
	}
	return "abnormal"
}
