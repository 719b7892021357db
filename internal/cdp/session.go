package cdp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller issues blocking commands. Both *Client (browser scope) and
// *Session (target scope) satisfy it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Session is a view of the client bound to one attached target session.
type Session struct {
	client *Client
	id     string
}

// Session returns a view that addresses every command and subscription
// to sessionID.
func (c *Client) Session(sessionID string) *Session {
	return &Session{client: c, id: sessionID}
}

// ID returns the CDP session id.
func (s *Session) ID() string { return s.id }

// Client returns the underlying connection client.
func (s *Session) Client() *Client { return s.client }

// Send issues a session command and returns its handle.
func (s *Session) Send(ctx context.Context, method string, params any) (*Pending, error) {
	return s.client.SendToSession(ctx, s.id, method, params)
}

// Call issues a session command and waits for the result.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.client.CallSession(ctx, s.id, method, params)
}

// SendAsync issues a session command nobody waits for.
func (s *Session) SendAsync(ctx context.Context, method string, params any) error {
	return s.client.SendToSessionAsync(ctx, s.id, method, params)
}

// On subscribes to events of this session only.
func (s *Session) On(method string, handler Handler) {
	s.client.On(method, s.id, handler)
}

// Invoke calls method and decodes its result into T. An empty or
// undecodable result body surfaces as a *BrowserError.
func Invoke[T any](ctx context.Context, c Caller, method string, params any) (*T, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &BrowserError{Name: "MissingResult", Message: fmt.Sprintf("%s returned no result", method)}
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &BrowserError{
			Name:    "MalformedResult",
			Message: fmt.Sprintf("%s: %v", method, err),
			Err:     err,
		}
	}
	return &out, nil
}
