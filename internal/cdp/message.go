package cdp

import (
	"encoding/json"
	"fmt"
)

// Envelope methods used to tunnel session traffic through the browser
// connection when sessions are not flattened.
const (
	methodSendMessageToTarget      = "Target.sendMessageToTarget"
	eventReceivedMessageFromTarget = "Target.receivedMessageFromTarget"
)

// Request represents a CDP command request.
type Request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response represents a CDP command response.
type Response struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Event represents a CDP event notification.
// SessionID is empty for browser-level events.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// sendMessageParams is the outer envelope of a wrapped session command.
type sendMessageParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// receivedMessageParams carries a session response or event back to us.
type receivedMessageParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TargetID  string `json:"targetId,omitempty"`
}

// message is used internally to determine message type during parsing.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// parseMessage parses a raw CDP message and returns either a Response or Event.
// Returns (response, nil, nil) for command responses.
// Returns (nil, event, nil) for events.
// Returns (nil, nil, error) for parse errors.
func parseMessage(data []byte) (*Response, *Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse CDP message: %w", err)
	}

	// Messages with an ID are responses to commands
	if msg.ID != 0 {
		return &Response{
			ID:        msg.ID,
			Result:    msg.Result,
			Error:     msg.Error,
			SessionID: msg.SessionID,
		}, nil, nil
	}

	// Messages with a method but no ID are events
	if msg.Method != "" {
		return nil, &Event{
			Method:    msg.Method,
			Params:    msg.Params,
			SessionID: msg.SessionID,
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown CDP message format: %s", string(data))
}

// unwrapSessionMessage extracts the session id and the nested message from a
// Target.receivedMessageFromTarget event and parses the nested message.
// The returned response or event carries the session id.
func unwrapSessionMessage(params json.RawMessage) (*Response, *Event, error) {
	var p receivedMessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nil, fmt.Errorf("failed to parse session envelope: %w", err)
	}
	if p.SessionID == "" || p.Message == "" {
		return nil, nil, fmt.Errorf("session envelope missing sessionId or message")
	}

	resp, evt, err := parseMessage([]byte(p.Message))
	if err != nil {
		return nil, nil, fmt.Errorf("session %s: %w", p.SessionID, err)
	}
	if resp != nil {
		resp.SessionID = p.SessionID
	}
	if evt != nil {
		evt.SessionID = p.SessionID
	}
	return resp, evt, nil
}
