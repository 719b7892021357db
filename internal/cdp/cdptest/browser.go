// Package cdptest provides an in-memory browser endpoint for testing code
// built on the cdp client.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// ErrNoReply makes a handler leave a command unanswered.
var ErrNoReply = errors.New("no reply")

// Error is returned by a handler to answer with a protocol error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Request is a command as the browser saw it. Wrapped session commands are
// recorded in their inner form with SessionID set.
type Request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Decode unmarshals the request parameters into v.
func (r Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// HandlerFunc answers one command. A nil result is sent as {}.
type HandlerFunc func(req Request) (any, error)

// Browser implements the cdp.Conn interface. Commands without a registered
// handler succeed with an empty result.
type Browser struct {
	mu       sync.Mutex
	frames   chan []byte
	closeCh  chan struct{}
	closed   bool
	closeErr error
	requests []Request
	handlers map[string]HandlerFunc
}

// NewBrowser returns an idle browser endpoint.
func NewBrowser() *Browser {
	return &Browser{
		frames:   make(chan []byte, 4096),
		closeCh:  make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for method, replacing any previous handler.
func (b *Browser) Handle(method string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = fn
}

// HandleResult answers method with a fixed result.
func (b *Browser) HandleResult(method string, result any) {
	b.Handle(method, func(Request) (any, error) { return result, nil })
}

// Emit sends a browser-level event.
func (b *Browser) Emit(method string, params any) {
	b.push(mustJSON(map[string]any{"method": method, "params": params}))
}

// EmitSession sends an event for sessionID wrapped the way Chrome does when
// sessions are not flattened.
func (b *Browser) EmitSession(sessionID, method string, params any) {
	inner := mustJSON(map[string]any{"method": method, "params": params})
	b.push(wrap(sessionID, inner))
}

// Requests returns every command received so far.
func (b *Browser) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, len(b.requests))
	copy(out, b.requests)
	return out
}

// Methods returns the method names of Requests, in arrival order.
func (b *Browser) Methods() []string {
	reqs := b.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method
	}
	return out
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Read returns the next queued frame.
func (b *Browser) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-b.frames:
		return websocket.MessageText, msg, nil
	case <-b.closeCh:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closeErr != nil {
			return 0, nil, b.closeErr
		}
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write accepts one command frame and queues the browser's answer.
func (b *Browser) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("connection closed")
	}
	b.mu.Unlock()

	if req.Method != "Target.sendMessageToTarget" {
		b.record(req)
		if frame, ok := b.answer(req, true); ok {
			b.push(frame)
		}
		return nil
	}

	var envelope struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &envelope); err != nil {
		return err
	}
	var inner Request
	if err := json.Unmarshal([]byte(envelope.Message), &inner); err != nil {
		return err
	}
	inner.SessionID = envelope.SessionID
	b.record(inner)

	b.push(mustJSON(map[string]any{"id": req.ID, "result": struct{}{}}))
	if frame, ok := b.answer(inner, false); ok {
		b.push(wrap(envelope.SessionID, frame))
	}
	return nil
}

// Hangup closes the endpoint from the browser side with a close frame
// carrying code.
func (b *Browser) Hangup(code websocket.StatusCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.closeErr = websocket.CloseError{Code: code, Reason: "browser closing"}
		close(b.closeCh)
	}
}

// Close closes the endpoint; pending reads fail.
func (b *Browser) Close(code websocket.StatusCode, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.closeCh)
	}
	return nil
}

func (b *Browser) record(req Request) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
}

// answer builds the response frame for req. Flattened requests are
// answered with their sessionId; wrapped ones are wrapped by the caller.
func (b *Browser) answer(req Request, flat bool) ([]byte, bool) {
	b.mu.Lock()
	fn := b.handlers[req.Method]
	b.mu.Unlock()

	var (
		result any
		err    error
	)
	if fn != nil {
		result, err = fn(req)
	}
	if errors.Is(err, ErrNoReply) {
		return nil, false
	}

	msg := map[string]any{"id": req.ID}
	if flat && req.SessionID != "" {
		msg["sessionId"] = req.SessionID
	}

	var protoErr *Error
	switch {
	case errors.As(err, &protoErr):
		msg["error"] = protoErr
	case err != nil:
		msg["error"] = &Error{Code: -32603, Message: err.Error()}
	case result == nil:
		msg["result"] = struct{}{}
	default:
		msg["result"] = result
	}
	return mustJSON(msg), true
}

func (b *Browser) push(frame []byte) {
	select {
	case b.frames <- frame:
	case <-b.closeCh:
	}
}

func wrap(sessionID string, message []byte) []byte {
	return mustJSON(map[string]any{
		"method": "Target.receivedMessageFromTarget",
		"params": map[string]any{"sessionId": sessionID, "message": string(message)},
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
