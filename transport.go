package sockrpc

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single transport write may block before the
// connection is treated as stalled.
const writeWait = 10 * time.Second

// TransportHandler receives transport events. Nil fields are ignored, so
// binding the zero value detaches a previously bound handler.
type TransportHandler struct {
	OnOpen    func()
	OnMessage func(data []byte, binary bool)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Transport is the duplex byte/string stream a Socket drives. The session
// owns it exclusively: events are delivered to whatever handler is
// currently bound, and rebinding the zero handler silences a transport
// that is being torn down.
type Transport interface {
	// Bind replaces the event handler. Safe to call at any time.
	Bind(h TransportHandler)
	// Start begins delivering events; OnOpen fires once the stream is
	// ready for writes. Start must be called at most once.
	Start()
	// Send writes a textual message.
	Send(data []byte) error
	// SendBinary writes a binary message.
	SendBinary(data []byte) error
	// Close tears the stream down. Idempotent.
	Close() error
}

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Outbound transports dial lazily from Start so the session can
// bind its handler first.
type wsTransport struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	handler TransportHandler
	conn    *websocket.Conn
	closed  bool

	writeMu sync.Mutex
}

// newOutboundTransport creates a transport that dials url when started.
func newOutboundTransport(url string, dialer *websocket.Dialer) *wsTransport {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &wsTransport{url: url, dialer: dialer}
}

// newInboundTransport wraps a connection already accepted from a listener.
func newInboundTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Bind(h TransportHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *wsTransport) Start() {
	go t.run()
}

func (t *wsTransport) run() {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	if conn == nil {
		c, resp, err := t.dialer.Dial(t.url, http.Header{})
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			t.fireError(fmt.Errorf("websocket dial %s: %w", t.url, err))
			t.fireClose(1006, "dial failed")
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			c.Close()
			return
		}
		t.conn = c
		conn = c
		t.mu.Unlock()
	}

	t.fireOpen()
	t.readLoop(conn)
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				t.fireClose(ce.Code, ce.Text)
				return
			}
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.fireError(err)
			}
			t.fireClose(1006, "read failed")
			return
		}
		t.fireMessage(data, mt == websocket.BinaryMessage)
	}
}

func (t *wsTransport) Send(data []byte) error {
	return t.write(websocket.TextMessage, data)
}

func (t *wsTransport) SendBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return errors.New("transport is closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *wsTransport) fireOpen() {
	t.mu.Lock()
	fn := t.handler.OnOpen
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *wsTransport) fireMessage(data []byte, binary bool) {
	t.mu.Lock()
	fn := t.handler.OnMessage
	t.mu.Unlock()
	if fn != nil {
		fn(data, binary)
	}
}

func (t *wsTransport) fireError(err error) {
	t.mu.Lock()
	fn := t.handler.OnError
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *wsTransport) fireClose(code int, reason string) {
	t.mu.Lock()
	fn := t.handler.OnClose
	t.mu.Unlock()
	if fn != nil {
		fn(code, reason)
	}
}
