package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestParsePacket(t *testing.T) {
	tests := []struct {
		name            string
		input           string
		wantType        PacketType
		wantID          int64
		wantAttachments int
		wantErr         bool
	}{
		{name: "connect", input: "0", wantType: PacketConnect, wantID: -1},
		{name: "disconnect", input: "1", wantType: PacketDisconnect, wantID: -1},
		{name: "event", input: `2["hello",1,"two"]`, wantType: PacketEvent, wantID: -1},
		{name: "event with id", input: `27["add",1,2]`, wantType: PacketEvent, wantID: 7},
		{name: "ack", input: `3140[null,3]`, wantType: PacketAck, wantID: 140},
		{name: "ack id zero", input: `30[null,null]`, wantType: PacketAck, wantID: 0},
		{name: "error", input: `4{"message":"bad"}`, wantType: PacketError, wantID: -1},
		{name: "binary event", input: `52-1["blob",{"_placeholder":true,"num":0},{"_placeholder":true,"num":1}]`,
			wantType: PacketBinaryEvent, wantID: 1, wantAttachments: 2},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown type", input: "9", wantErr: true},
		{name: "bad payload", input: "2{", wantErr: true},
		{name: "id overflow", input: "24294967296[]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePacket(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePacket(%q) error = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePacket(%q) error = %v", tt.input, err)
			}
			if p.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", p.Type, tt.wantType)
			}
			if p.ID != tt.wantID {
				t.Errorf("ID = %d, want %d", p.ID, tt.wantID)
			}
			if p.Attachments != tt.wantAttachments {
				t.Errorf("Attachments = %d, want %d", p.Attachments, tt.wantAttachments)
			}
		})
	}
}

func TestPacketDataRoundTrip(t *testing.T) {
	p := NewPacket(PacketEvent)
	p.ID = 3
	if err := p.SetData([]any{"hello", 1.0, "two"}); err != nil {
		t.Fatalf("SetData() error = %v", err)
	}

	parsed, err := ParsePacket(p.String())
	if err != nil {
		t.Fatalf("ParsePacket(%q) error = %v", p.String(), err)
	}
	data, err := parsed.GetData()
	if err != nil {
		t.Fatalf("GetData() error = %v", err)
	}
	want := []any{"hello", 1.0, "two"}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("GetData() = %v, want %v", data, want)
	}
}

func TestPacketBinaryExtraction(t *testing.T) {
	p := NewPacket(PacketEvent)
	p.ID = 9
	blob1 := []byte{1, 2, 3}
	blob2 := []byte{4, 5}
	if err := p.SetData([]any{"blob", blob1, map[string]any{"inner": blob2}}); err != nil {
		t.Fatalf("SetData() error = %v", err)
	}

	if p.Type != PacketBinaryEvent {
		t.Errorf("Type = %v, want BINARY_EVENT", p.Type)
	}
	if p.Attachments != 2 {
		t.Fatalf("Attachments = %d, want 2", p.Attachments)
	}
	if !bytes.Equal(p.Buffers[0], blob1) || !bytes.Equal(p.Buffers[1], blob2) {
		t.Errorf("Buffers = %v, want [%v %v]", p.Buffers, blob1, blob2)
	}

	// Simulate the receive side: header arrives first, then attachments.
	parsed, err := ParsePacket(p.String())
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	if _, err := parsed.GetData(); err == nil {
		t.Error("GetData() before attachments arrived: error = nil, want error")
	}
	parsed.Buffers = [][]byte{blob1, blob2}

	data, err := parsed.GetData()
	if err != nil {
		t.Fatalf("GetData() error = %v", err)
	}
	arr, ok := data.([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("GetData() = %v, want 3-element array", data)
	}
	if !bytes.Equal(arr[1].([]byte), blob1) {
		t.Errorf("arr[1] = %v, want %v", arr[1], blob1)
	}
	inner := arr[2].(map[string]any)["inner"]
	if !bytes.Equal(inner.([]byte), blob2) {
		t.Errorf("inner = %v, want %v", inner, blob2)
	}
}

func TestPacketAckUpgrade(t *testing.T) {
	p := NewPacket(PacketAck)
	p.ID = 1
	if err := p.SetData([]any{nil, []byte{0xff}}); err != nil {
		t.Fatalf("SetData() error = %v", err)
	}
	if p.Type != PacketBinaryAck {
		t.Errorf("Type = %v, want BINARY_ACK", p.Type)
	}
}

func TestPacketNoData(t *testing.T) {
	p := NewPacket(PacketConnect)
	if got := p.String(); got != "0" {
		t.Errorf("String() = %q, want %q", got, "0")
	}
	data, err := p.GetData()
	if err != nil {
		t.Fatalf("GetData() error = %v", err)
	}
	if data != nil {
		t.Errorf("GetData() = %v, want nil", data)
	}
}

func TestPacketBadPlaceholder(t *testing.T) {
	p, err := ParsePacket(`51-["blob",{"_placeholder":true,"num":5}]`)
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	p.Buffers = [][]byte{{1}}
	if _, err := p.GetData(); err == nil {
		t.Error("GetData() with out-of-range placeholder: error = nil, want error")
	}
}
