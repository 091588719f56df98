package sockrpc

import (
	"errors"
	"testing"
)

func TestErrorFromWireCoercion(t *testing.T) {
	tests := []struct {
		name        string
		input       any
		wantOK      bool
		wantMessage string
		wantCode    any
		wantType    string
	}{
		{
			name:        "full shape",
			input:       map[string]any{"message": "bad", "code": 42.0, "type": "X"},
			wantOK:      true,
			wantMessage: "bad",
			wantCode:    42.0,
			wantType:    "X",
		},
		{
			name:        "string code",
			input:       map[string]any{"message": "bad", "code": "EBAD"},
			wantOK:      true,
			wantMessage: "bad",
			wantCode:    "EBAD",
		},
		{
			name:        "non-string message",
			input:       map[string]any{"message": 7.0},
			wantOK:      true,
			wantMessage: "No message.",
		},
		{
			name:        "bad code dropped",
			input:       map[string]any{"message": "bad", "code": []any{1}},
			wantOK:      true,
			wantMessage: "bad",
			wantCode:    nil,
		},
		{
			name:        "non-string type dropped",
			input:       map[string]any{"message": "bad", "type": 1.0},
			wantOK:      true,
			wantMessage: "bad",
		},
		{name: "not an object", input: "nope", wantOK: false},
		{name: "nil", input: nil, wantOK: false},
		{name: "array", input: []any{"x"}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := errorFromWire(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if e.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", e.Message, tt.wantMessage)
			}
			if e.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", e.Code, tt.wantCode)
			}
			if e.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", e.Type, tt.wantType)
			}
		})
	}
}

func TestErrorToWire(t *testing.T) {
	e := &Error{Message: "bad", Code: 42, Type: "X"}
	m := e.toWire()
	if m["message"] != "bad" || m["code"] != 42 || m["type"] != "X" {
		t.Errorf("toWire() = %v, want bad/42/X", m)
	}

	bare := NewError("just text")
	m = bare.toWire()
	if m["message"] != "just text" {
		t.Errorf("message = %v, want %q", m["message"], "just text")
	}
	if m["code"] != nil {
		t.Errorf("code = %v, want nil", m["code"])
	}
	if m["type"] != nil {
		t.Errorf("type = %v, want nil", m["type"])
	}
}

func TestHookErrorCoercion(t *testing.T) {
	rpc := &Error{Message: "kept", Code: 7}
	if got := hookError(rpc); got != rpc {
		t.Errorf("hookError(*Error) = %v, want identity", got)
	}

	plain := hookError(errors.New("sentinel"))
	if plain.Message != "sentinel" || plain.Code != nil || plain.Type != "" {
		t.Errorf("hookError(plain) = %+v, want message only", plain)
	}
}

func TestCloseCodeMapping(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{1000, "NORMAL_CLOSURE"},
		{1006, "ABNORMAL_CLOSURE"},
		{1011, "INTERNAL_ERROR"},
		{4321, "UNKNOWN_CODE"},
	}
	for _, tt := range tests {
		if got := codeName(tt.code); got != tt.want {
			t.Errorf("codeName(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}

	if !cleanClose(1000) || !cleanClose(1001) {
		t.Error("1000/1001 should be clean closes")
	}
	if cleanClose(1006) {
		t.Error("1006 should not be a clean close")
	}
}
