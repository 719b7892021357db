// Package remote converts CDP remote object references into Go values.
package remote

import (
	"encoding/json"
	"strings"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// Object is the wire form of a JavaScript value (Runtime.RemoteObject).
type Object struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// IsNode reports whether the object references a DOM node.
func (o Object) IsNode() bool {
	return o.Type == "object" && o.Subtype == "node"
}

// ExceptionDetails is the exception payload of Runtime.evaluate,
// Runtime.callFunctionOn and Runtime.exceptionThrown.
type ExceptionDetails struct {
	ExceptionID  int     `json:"exceptionId"`
	Text         string  `json:"text"`
	LineNumber   int     `json:"lineNumber"`
	ColumnNumber int     `json:"columnNumber"`
	URL          string  `json:"url,omitempty"`
	Exception    *Object `json:"exception,omitempty"`
}

// ExceptionError maps thrown exception details onto the error taxonomy.
// DOM exceptions become browser errors, or invalid selector errors when the
// browser rejected a selector; anything else is a JavaScript error.
func ExceptionError(d *ExceptionDetails) error {
	if d == nil {
		return nil
	}

	var className, description string
	if d.Exception != nil {
		className = d.Exception.ClassName
		description = d.Exception.Description
		if description == "" && len(d.Exception.Value) > 0 {
			var s string
			if json.Unmarshal(d.Exception.Value, &s) == nil {
				description = s
			} else {
				description = string(d.Exception.Value)
			}
		}
	}

	if className == "DOMException" {
		message := firstLine(description)
		if strings.Contains(description, "is not a valid selector") {
			return &cdp.InvalidSelectorError{Message: message}
		}
		return &cdp.BrowserError{Name: className, Message: message}
	}

	return &cdp.JavascriptError{
		ClassName:   className,
		Message:     d.Text,
		Description: description,
		URL:         d.URL,
		Line:        d.LineNumber,
		Column:      d.ColumnNumber,
	}
}

// firstLine drops the stack trace the browser appends to descriptions.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
