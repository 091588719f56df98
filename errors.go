package sockrpc

import (
	"fmt"
)

// Error is the RPC error shape carried on the wire: the remote handler's
// message plus an optional machine-readable code and type. It is what a
// Call returns when the remote hook failed, and what a local hook failure
// is serialized to before being acked back.
type Error struct {
	Message string
	Code    any    // number or string, nil when absent
	Type    string // "" when absent
}

func (e *Error) Error() string {
	return e.Message
}

// NewError creates an RPC error with just a message.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// errorFromWire builds an Error from a decoded payload value, applying the
// wire coercion rules: a non-string message becomes "No message.", a code
// that is neither number nor string is dropped, a non-string type is
// dropped.
func errorFromWire(v any) (*Error, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return &Error{
		Message: castMessage(m["message"]),
		Code:    castCode(m["code"]),
		Type:    castType(m["type"]),
	}, true
}

// toWire renders the error as the payload object sent in ACK and ERROR
// packets.
func (e *Error) toWire() map[string]any {
	m := map[string]any{
		"message": castMessage(e.Message),
		"code":    castCode(e.Code),
	}
	if e.Type != "" {
		m["type"] = e.Type
	} else {
		m["type"] = nil
	}
	return m
}

func castMessage(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "No message."
}

func castCode(v any) any {
	switch v.(type) {
	case float64, int, int64, uint32, string:
		return v
	default:
		return nil
	}
}

func castType(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// hookError coerces a hook handler failure into the wire error shape.
// An *Error keeps its code and type; anything else carries its message
// only.
func hookError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Message: err.Error()}
}

// CloseError is synthesized when the transport closes with an abnormal
// status code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed abnormally: %s (code=%d)", codeName(e.Code), e.Code)
}
