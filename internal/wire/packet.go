package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PacketType identifies the inner application-layer message.
type PacketType int

// Packet types, in wire order.
const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketError
	PacketBinaryEvent
	PacketBinaryAck
)

var packetNames = [...]string{
	PacketConnect:     "CONNECT",
	PacketDisconnect:  "DISCONNECT",
	PacketEvent:       "EVENT",
	PacketAck:         "ACK",
	PacketError:       "ERROR",
	PacketBinaryEvent: "BINARY_EVENT",
	PacketBinaryAck:   "BINARY_ACK",
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t >= PacketConnect && t <= PacketBinaryAck
}

func (t PacketType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
	return packetNames[t]
}

// Packet is one inner message, carried in a MESSAGE frame. A packet may
// declare binary attachments which arrive as subsequent binary MESSAGE
// frames and are appended to Buffers in arrival order.
type Packet struct {
	Type        PacketType
	ID          int64 // -1 = no correlation
	Attachments int
	Buffers     [][]byte

	raw json.RawMessage // encoded payload with placeholders
}

// NewPacket creates a packet of the given type with no correlation id.
func NewPacket(typ PacketType) *Packet {
	return &Packet{Type: typ, ID: -1}
}

// placeholder is the marker left in the JSON payload where a binary
// attachment belongs.
type placeholder struct {
	Placeholder bool `json:"_placeholder"`
	Num         int  `json:"num"`
}

// SetData encodes v as the packet payload. Any []byte values inside v are
// lifted out into Buffers and replaced by placeholder markers; a packet
// that gains buffers this way is upgraded to its binary type.
func (p *Packet) SetData(v any) error {
	p.Buffers = nil
	extracted := extractBuffers(v, &p.Buffers)

	raw, err := json.Marshal(extracted)
	if err != nil {
		return fmt.Errorf("encode packet data: %w", err)
	}
	p.raw = raw
	p.Attachments = len(p.Buffers)

	if p.Attachments > 0 {
		switch p.Type {
		case PacketEvent:
			p.Type = PacketBinaryEvent
		case PacketAck:
			p.Type = PacketBinaryAck
		}
	}
	return nil
}

// GetData decodes the packet payload, substituting any placeholder markers
// with the corresponding buffers. All declared attachments must have
// arrived.
func (p *Packet) GetData() (any, error) {
	if len(p.raw) == 0 {
		return nil, nil
	}
	if len(p.Buffers) < p.Attachments {
		return nil, fmt.Errorf("packet missing attachments: have %d, want %d",
			len(p.Buffers), p.Attachments)
	}

	var v any
	if err := json.Unmarshal(p.raw, &v); err != nil {
		return nil, fmt.Errorf("decode packet data: %w", err)
	}
	return p.injectBuffers(v)
}

// String encodes the packet header and payload for a textual MESSAGE
// frame. Buffers are not included; they travel as separate binary frames.
func (p *Packet) String() string {
	var sb strings.Builder
	sb.WriteByte(byte('0' + p.Type))
	if p.Attachments > 0 {
		sb.WriteString(strconv.Itoa(p.Attachments))
		sb.WriteByte('-')
	}
	if p.ID >= 0 {
		sb.WriteString(strconv.FormatInt(p.ID, 10))
	}
	sb.Write(p.raw)
	return sb.String()
}

// ParsePacket decodes the textual form produced by String.
func ParsePacket(s string) (*Packet, error) {
	if len(s) == 0 {
		return nil, errors.New("empty packet")
	}

	typ := PacketType(s[0] - '0')
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown packet type %q", string(s[0]))
	}
	p := &Packet{Type: typ, ID: -1}
	rest := s[1:]

	// A run of digits followed by '-' is the attachment count; without the
	// dash the digits are the correlation id.
	digits := countDigits(rest)
	if digits > 0 && digits < len(rest) && rest[digits] == '-' {
		n, err := strconv.Atoi(rest[:digits])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad attachment count %q", rest[:digits])
		}
		p.Attachments = n
		rest = rest[digits+1:]
		digits = countDigits(rest)
	}
	if digits > 0 {
		id, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil || id > math.MaxUint32 {
			return nil, fmt.Errorf("bad packet id %q", rest[:digits])
		}
		p.ID = id
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid([]byte(rest)) {
			return nil, errors.New("bad packet payload")
		}
		p.raw = json.RawMessage(rest)
	}
	return p, nil
}

func countDigits(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}

// extractBuffers deep-copies v, moving []byte leaves into bufs and leaving
// placeholder markers behind.
func extractBuffers(v any, bufs *[][]byte) any {
	switch x := v.(type) {
	case []byte:
		*bufs = append(*bufs, x)
		return placeholder{Placeholder: true, Num: len(*bufs) - 1}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = extractBuffers(e, bufs)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = extractBuffers(e, bufs)
		}
		return out
	default:
		return v
	}
}

// injectBuffers walks a decoded payload replacing placeholder markers with
// the packet's buffers.
func (p *Packet) injectBuffers(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		for i, e := range x {
			out, err := p.injectBuffers(e)
			if err != nil {
				return nil, err
			}
			x[i] = out
		}
		return x, nil
	case map[string]any:
		if isPlaceholder(x) {
			num, ok := x["num"].(float64)
			if !ok || num < 0 || int(num) >= len(p.Buffers) {
				return nil, errors.New("bad attachment placeholder")
			}
			return p.Buffers[int(num)], nil
		}
		for k, e := range x {
			out, err := p.injectBuffers(e)
			if err != nil {
				return nil, err
			}
			x[k] = out
		}
		return x, nil
	default:
		return v, nil
	}
}

func isPlaceholder(m map[string]any) bool {
	flag, ok := m["_placeholder"].(bool)
	if !ok || !flag {
		return false
	}
	_, ok = m["num"]
	return ok && len(m) == 2
}
