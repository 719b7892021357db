package cdp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// codeWrongWorld is the protocol error code Chrome uses when the addressed
// execution context, node or session no longer exists.
const codeWrongWorld = -32000

// ErrWrongWorld is matched by errors caused by a stale or detached execution
// context. Callers recover by locating the element or frame again.
var ErrWrongWorld = errors.New("wrong world")

// ErrDeadClient is matched by every error caused by a terminal transport
// failure. The connection cannot be used again; the owner has to restart.
var ErrDeadClient = errors.New("cdp client is dead")

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("timeout")

// Error represents a CDP protocol error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// WrongWorldError reports a command that addressed a context, node or
// session that is gone.
type WrongWorldError struct {
	Method  string
	Message string
}

func (e *WrongWorldError) Error() string {
	if e.Method == "" {
		return "wrong world: " + e.Message
	}
	return fmt.Sprintf("wrong world: %s: %s", e.Method, e.Message)
}

// Is makes errors.Is(err, ErrWrongWorld) hold.
func (e *WrongWorldError) Is(target error) bool {
	return target == ErrWrongWorld
}

// TimeoutError reports that no response or condition arrived in time.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// JavascriptError is an exception thrown by evaluated page code.
type JavascriptError struct {
	ClassName   string
	Message     string
	Description string
	URL         string
	Line        int
	Column      int
}

func (e *JavascriptError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Message
	}
	if e.ClassName != "" && msg == "" {
		msg = e.ClassName
	}
	return "javascript error: " + msg
}

// BrowserError is a browser-side failure that is not a plain script
// exception: DOM exceptions and malformed or missing response bodies.
type BrowserError struct {
	Name    string
	Message string
	Err     error
}

func (e *BrowserError) Error() string {
	if e.Name == "" {
		return "browser error: " + e.Message
	}
	return fmt.Sprintf("browser error: %s: %s", e.Name, e.Message)
}

func (e *BrowserError) Unwrap() error { return e.Err }

// FrameNotFoundError reports a frame locator that resolved to nothing.
type FrameNotFoundError struct {
	Frame string
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame not found: %s", e.Frame)
}

// InvalidSelectorError reports a selector the browser refused to parse.
type InvalidSelectorError struct {
	Selector string
	Message  string
}

func (e *InvalidSelectorError) Error() string {
	if e.Selector == "" {
		return "invalid selector: " + e.Message
	}
	return fmt.Sprintf("invalid selector %q: %s", e.Selector, e.Message)
}

// classify maps a response error onto the taxonomy.
func classify(method string, e *Error) error {
	if e == nil {
		return nil
	}
	if e.Code == codeWrongWorld {
		return &WrongWorldError{Method: method, Message: e.Message}
	}
	return e
}

// timeoutOrCancel converts a finished context into a caller-visible error.
func timeoutOrCancel(op string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: ctx.Err()}
	}
	return fmt.Errorf("%s: %w", op, ctx.Err())
}

// NewTimeoutError builds a TimeoutError for an operation bounded by d.
func NewTimeoutError(op string, d time.Duration) error {
	return &TimeoutError{Op: fmt.Sprintf("%s after %s", op, d), Err: context.DeadlineExceeded}
}

// IsRetryable reports whether the caller may simply try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRelocatable reports whether the caller should find the element or frame
// again before retrying.
func IsRelocatable(err error) bool {
	return errors.Is(err, ErrWrongWorld)
}

// IsFatal reports whether the connection is gone for good.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeadClient)
}

// errorClass names the taxonomy bucket of err for metrics and logs.
func errorClass(err error) string {
	var (
		protoErr *Error
		jsErr    *JavascriptError
		brErr    *BrowserError
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrDeadClient):
		return "dead_client"
	case errors.Is(err, ErrWrongWorld):
		return "wrong_world"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &jsErr):
		return "javascript"
	case errors.As(err, &brErr):
		return "browser"
	case errors.As(err, &protoErr):
		return "protocol"
	default:
		return "other"
	}
}
