package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/deevus/sockrpc/internal/wire"
)

// Protocol error texts. These are part of the wire contract and observed
// by peers, so they keep their canonical spelling.
var (
	errJobTimeout     = NewError("Job timed out.")
	errConnectTimeout = errors.New("Timed out waiting for connection.")
	errStalling       = errors.New("Connection is stalling (ping).")
	errUpgradeFrame   = errors.New("Cannot upgrade from websocket.")
	errUnknownFrame   = errors.New("Unknown frame.")
)

// ErrDestroyed is returned by operations on a destroyed session.
var ErrDestroyed = errors.New("socket is destroyed")

// HookFunc answers an incoming call. The returned value is acked back to
// the caller; a returned error (or panic) is acked as an RPC error. An
// *Error return keeps its code and type on the wire.
type HookFunc func(args []any) (any, error)

// Options tunes a session. The zero value is usable.
type Options struct {
	// PingInterval and PingTimeout are the liveness parameters an inbound
	// session advertises in its handshake. Outbound sessions learn them
	// from the peer instead. Defaults: 25s / 60s.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// Dialer overrides the websocket dialer used by outbound sessions.
	Dialer *websocket.Dialer

	// Logger receives session-level debug logging. Default: slog.Default().
	Logger *slog.Logger

	// Clock drives the liveness tick. Default: the real clock.
	Clock clockwork.Clock
}

func normalizeOptions(opts *Options) Options {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Socket is one RPC session over one WebSocket endpoint.
//
// All mutable state is guarded by one mutex which is never held across
// transport I/O or user callbacks. Inbound frames are delivered by a
// single transport goroutine, so frame and packet dispatch is serial: a
// slow hook handler blocks later packets on the same session, preserving
// causality in RPC responses.
type Socket struct {
	opts   Options
	clock  clockwork.Clock
	log    *slog.Logger
	server *Server

	inbound bool
	url     string
	host    string
	port    int
	ssl     bool
	binary  bool

	mu           sync.Mutex
	connected    bool
	challenge    bool
	destroyed    bool
	time         time.Time // last state transition, drives connect timeout
	sequence     uint32
	pingInterval time.Duration
	pingTimeout  time.Duration
	lastPing     time.Time
	packet       *wire.Packet // reassembly in progress
	buffer       []*wire.Frame
	jobs         map[uint32]*job
	hooks        map[string]HookFunc
	channels     map[string]struct{}
	transport    Transport

	openFns  []func()
	closeFns []func()
	errorFns []func(error)

	events *emitter
	parser *wire.Parser

	// sendMu serializes transport writes so a packet's binary attachments
	// stay contiguous behind its textual frame.
	sendMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

type jobResult struct {
	value any
	err   error
}

// job is a pending outgoing call. Removal from the jobs table always
// precedes resolution.
type job struct {
	ch   chan jobResult
	time time.Time
}

func (j *job) resolve(v any) {
	select {
	case j.ch <- jobResult{value: v}:
	default:
	}
}

func (j *job) reject(err error) {
	select {
	case j.ch <- jobResult{err: err}:
	default:
	}
}

func newSocket(o Options) *Socket {
	s := &Socket{
		opts:         o,
		clock:        o.Clock,
		log:          o.Logger,
		binary:       true,
		pingInterval: o.PingInterval,
		pingTimeout:  o.PingTimeout,
		jobs:         make(map[uint32]*job),
		hooks:        make(map[string]HookFunc),
		channels:     make(map[string]struct{}),
		events:       newEmitter(),
		stopCh:       make(chan struct{}),
	}
	s.time = s.clock.Now()
	s.parser = &wire.Parser{
		OnFrame: func(f *wire.Frame) {
			if err := s.handleFrame(f); err != nil {
				s.emitError(err)
			}
		},
		OnError: s.emitError,
	}
	return s
}

// Accept wraps a WebSocket connection taken from a listening server into
// an inbound session. Peer attributes come from the upgrade request: the
// b64=1 query parameter marks a peer that cannot take binary frames.
func Accept(server *Server, r *http.Request, conn *websocket.Conn, opts *Options) *Socket {
	s, t := newInboundSocket(server, r, conn, opts)
	s.start(t)
	return s
}

// newInboundSocket builds an inbound session without starting its
// transport, so the caller can register hooks before any traffic is
// dispatched.
func newInboundSocket(server *Server, r *http.Request, conn *websocket.Conn, opts *Options) (*Socket, Transport) {
	s := newSocket(normalizeOptions(opts))
	s.inbound = true
	s.server = server
	s.binary = r.URL.Query().Get("b64") != "1"
	s.host, s.port = peerAddr(r)
	s.ssl = r.TLS != nil
	s.url = socketURL(s.host, s.port, s.ssl)
	return s, newInboundTransport(conn)
}

// Connect creates an outbound session to host:port. The connection is
// established in the background; subscribe with OnOpen, or rely on the
// send buffer which holds outbound frames until the session opens.
func Connect(port int, host string, ssl bool, opts *Options) *Socket {
	s := newSocket(normalizeOptions(opts))
	s.host, s.port, s.ssl = host, port, ssl
	s.url = socketURL(host, port, ssl)

	t := newOutboundTransport(s.url, s.opts.Dialer)
	s.start(t)
	return s
}

func (s *Socket) start(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.time = s.clock.Now()
	s.mu.Unlock()
	s.bindTransport(t)
	go s.stall()
	t.Start()
}

func (s *Socket) bindTransport(t Transport) {
	t.Bind(TransportHandler{
		OnOpen:    s.handleTransportOpen,
		OnMessage: s.handleTransportMessage,
		OnError:   s.handleTransportError,
		OnClose:   s.handleTransportClose,
	})
}

func socketURL(host string, port int, ssl bool) string {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/socket.io/?transport=websocket",
		scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

func peerAddr(r *http.Request) (string, int) {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// URL returns the transport target of the session.
func (s *Socket) URL() string { return s.url }

// Inbound reports whether the session was accepted from a listener.
func (s *Socket) Inbound() bool { return s.inbound }

// Connected reports whether the session is open for traffic.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Destroyed reports whether the session has been torn down.
func (s *Socket) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// OnOpen registers a callback invoked each time the session opens.
func (s *Socket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openFns = append(s.openFns, fn)
}

// OnClose registers a callback invoked once when the session is destroyed.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFns = append(s.closeFns, fn)
}

// OnError registers a callback for session errors: protocol violations,
// transport failures and uncorrelated remote errors.
func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorFns = append(s.errorFns, fn)
}

// Listen registers an application listener for a fire-and-forget event.
// Reserved names panic; they are programmer errors.
func (s *Socket) Listen(name string, fn ListenFunc) {
	if fn == nil {
		panic("sockrpc: nil listener")
	}
	if blacklisted(name) {
		panic(fmt.Sprintf("sockrpc: listen on reserved event %q", name))
	}
	s.events.on(name, fn)
}

// Hook registers the RPC responder for name. Exactly one responder may
// exist per name; rebinding panics.
func (s *Socket) Hook(name string, fn HookFunc) {
	if fn == nil {
		panic("sockrpc: nil hook")
	}
	if blacklisted(name) {
		panic(fmt.Sprintf("sockrpc: hook on reserved event %q", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[name]; ok {
		panic(fmt.Sprintf("sockrpc: hook %q is already bound", name))
	}
	s.hooks[name] = fn
}

// Fire sends a fire-and-forget event to the peer.
func (s *Socket) Fire(name string, args ...any) error {
	if blacklisted(name) {
		panic(fmt.Sprintf("sockrpc: fire of reserved event %q", name))
	}
	pkt := wire.NewPacket(wire.PacketEvent)
	if err := pkt.SetData(append([]any{name}, args...)); err != nil {
		return err
	}
	return s.sendPacket(pkt)
}

// Call invokes the named hook on the peer and waits for its ack. The
// context cancels the local wait only; the pending job stays registered
// until the ack arrives or the job deadline expires.
func (s *Socket) Call(ctx context.Context, name string, args ...any) (any, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	id := s.sequence
	s.sequence++ // wraps at 2^32 by type
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("sockrpc: job id collision at %d", id))
	}
	j := &job{ch: make(chan jobResult, 1), time: s.clock.Now()}
	s.jobs[id] = j
	s.mu.Unlock()

	pkt := wire.NewPacket(wire.PacketEvent)
	pkt.ID = int64(id)
	if err := pkt.SetData(append([]any{name}, args...)); err != nil {
		s.dropJob(id)
		return nil, err
	}
	if err := s.sendPacket(pkt); err != nil {
		s.dropJob(id)
		return nil, err
	}

	select {
	case res := <-j.ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Socket) dropJob(id uint32) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Channel reports whether the session is a member of the named channel.
// Always false for outbound sessions, which have no owning server.
func (s *Socket) Channel(name string) bool {
	if s.server == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[name]
	return ok
}

// Join adds the session to a server channel. Inbound sessions only.
func (s *Socket) Join(name string) bool {
	if s.server == nil {
		return false
	}
	return s.server.Join(s, name)
}

// Leave removes the session from a server channel. Inbound sessions only.
func (s *Socket) Leave(name string) bool {
	if s.server == nil {
		return false
	}
	return s.server.Leave(s, name)
}

// joinChannel and leaveChannel mutate the membership set on behalf of the
// owning server; nothing else touches it.
func (s *Socket) joinChannel(name string) {
	s.mu.Lock()
	s.channels[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Socket) leaveChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

// Destroy tears the session down. Idempotent: the close callbacks run
// exactly once, and any error surfacing afterwards is swallowed.
func (s *Socket) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.buffer = nil
	closeFns := s.closeFns
	s.openFns = nil
	s.closeFns = nil
	s.errorFns = nil
	s.mu.Unlock()

	s.close()
	s.stopOnce.Do(func() { close(s.stopCh) })

	for _, fn := range closeFns {
		fn()
	}
	s.events.removeAll()
}

// close resets the session to its unconnected state without emitting
// close: it clears reassembly and challenge state, rejects every pending
// job, detaches the transport callbacks and closes the transport.
// Idempotent.
func (s *Socket) close() {
	s.mu.Lock()
	s.packet = nil
	s.connected = false
	s.challenge = false
	s.sequence = 0
	s.lastPing = time.Time{}
	s.time = s.clock.Now()
	jobs := s.jobs
	s.jobs = make(map[uint32]*job)
	t := s.transport
	s.mu.Unlock()

	for _, j := range jobs {
		j.reject(errJobTimeout)
	}
	if t != nil {
		t.Bind(TransportHandler{})
		t.Close()
	}
}

// reconnect drops the current transport and dials the original target
// again. Only the connect-timeout path of the liveness tick takes it, and
// only for outbound sessions.
func (s *Socket) reconnect() {
	if s.inbound {
		s.log.Warn("reconnect ignored on inbound socket", "url", s.url)
		return
	}
	s.close()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	t := newOutboundTransport(s.url, s.opts.Dialer)
	s.transport = t
	s.time = s.clock.Now()
	s.mu.Unlock()

	s.bindTransport(t)
	t.Start()
}

// ---- transport events ----

func (s *Socket) handleTransportOpen() {
	// Hold the send lock across the handshake and buffer flush so frames
	// submitted concurrently cannot jump ahead of buffered ones.
	s.sendMu.Lock()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	buffered := s.buffer
	s.buffer = nil
	s.connected = true
	s.time = s.clock.Now()
	openFns := make([]func(), len(s.openFns))
	copy(openFns, s.openFns)
	s.mu.Unlock()

	if s.inbound {
		if err := s.writeHandshakeLocked(); err != nil {
			s.sendMu.Unlock()
			s.emitError(err)
			return
		}
	}
	for _, f := range buffered {
		if err := s.writeFrameLocked(f); err != nil {
			s.sendMu.Unlock()
			s.emitError(err)
			return
		}
	}
	s.sendMu.Unlock()

	for _, fn := range openFns {
		fn()
	}
}

// writeHandshakeLocked sends the OPEN frame and the CONNECT packet that
// greet an accepted peer. Caller holds sendMu.
func (s *Socket) writeHandshakeLocked() error {
	hs, err := json.Marshal(handshake{
		SID:          handshakeSID,
		Upgrades:     []string{},
		PingInterval: uint32(s.pingInterval / time.Millisecond),
		PingTimeout:  uint32(s.pingTimeout / time.Millisecond),
	})
	if err != nil {
		return err
	}
	if err := s.writeFrameLocked(wire.NewFrame(wire.FrameOpen, hs, false)); err != nil {
		return err
	}
	connect := wire.NewPacket(wire.PacketConnect)
	return s.writeFrameLocked(wire.NewFrame(wire.FrameMessage, []byte(connect.String()), false))
}

type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval uint32   `json:"pingInterval"`
	PingTimeout  uint32   `json:"pingTimeout"`
}

func (s *Socket) handleTransportMessage(data []byte, binary bool) {
	if binary {
		s.parser.FeedBinary(data)
		return
	}
	s.parser.FeedString(string(data))
}

func (s *Socket) handleTransportError(err error) {
	s.emitError(err)
	if s.inbound {
		s.Destroy()
		return
	}
	s.close()
}

func (s *Socket) handleTransportClose(code int, reason string) {
	if !cleanClose(code) {
		s.emitError(&CloseError{Code: code, Reason: reason})
	}
	if s.inbound {
		s.Destroy()
		return
	}
	s.close()
}

// ---- frame dispatch ----

func (s *Socket) handleFrame(f *wire.Frame) error {
	switch f.Type {
	case wire.FrameOpen:
		return s.handleOpenFrame(f)
	case wire.FrameClose:
		s.send(wire.NewFrame(wire.FrameClose, nil, false))
		if s.inbound {
			s.Destroy()
		} else {
			s.close()
		}
		return nil
	case wire.FramePing:
		return s.send(wire.NewFrame(wire.FramePong, nil, false))
	case wire.FramePong:
		return s.handlePongFrame()
	case wire.FrameMessage:
		return s.handleMessageFrame(f)
	case wire.FrameUpgrade:
		return errUpgradeFrame
	case wire.FrameNoop:
		return nil
	default:
		return errUnknownFrame
	}
}

func (s *Socket) handleOpenFrame(f *wire.Frame) error {
	if f.Binary {
		return errors.New("binary open frame")
	}
	var hs struct {
		PingInterval *float64 `json:"pingInterval"`
		PingTimeout  *float64 `json:"pingTimeout"`
	}
	if err := json.Unmarshal(f.Data, &hs); err != nil {
		return fmt.Errorf("bad handshake: %w", err)
	}
	interval, err := castUint32ms(hs.PingInterval)
	if err != nil {
		return fmt.Errorf("bad handshake pingInterval: %w", err)
	}
	timeout, err := castUint32ms(hs.PingTimeout)
	if err != nil {
		return fmt.Errorf("bad handshake pingTimeout: %w", err)
	}

	s.mu.Lock()
	s.pingInterval = interval
	s.pingTimeout = timeout
	s.mu.Unlock()
	return nil
}

func castUint32ms(v *float64) (time.Duration, error) {
	if v == nil {
		return 0, errors.New("missing")
	}
	if *v < 0 || *v > math.MaxUint32 || *v != math.Trunc(*v) {
		return 0, fmt.Errorf("not a uint32: %v", *v)
	}
	return time.Duration(*v) * time.Millisecond, nil
}

func (s *Socket) handlePongFrame() error {
	s.mu.Lock()
	expected := s.challenge
	s.challenge = false
	s.mu.Unlock()

	if !expected {
		s.emitError(errors.New("pong without ping"))
		s.Destroy()
	}
	return nil
}

// handleMessageFrame drives attachment reassembly: while a packet is in
// progress every frame must be a binary MESSAGE frame, appended in arrival
// order until the declared count is met.
func (s *Socket) handleMessageFrame(f *wire.Frame) error {
	s.mu.Lock()
	if s.packet != nil {
		if !f.Binary {
			s.packet = nil
			s.mu.Unlock()
			return errors.New("non-binary frame during reassembly")
		}
		p := s.packet
		p.Buffers = append(p.Buffers, f.Data)
		if len(p.Buffers) < p.Attachments {
			s.mu.Unlock()
			return nil
		}
		s.packet = nil
		s.mu.Unlock()
		return s.handlePacket(p)
	}
	s.mu.Unlock()

	if f.Binary {
		return errors.New("binary frame without packet")
	}
	p, err := wire.ParsePacket(string(f.Data))
	if err != nil {
		return err
	}
	if p.Attachments > 0 {
		s.mu.Lock()
		s.packet = p
		s.mu.Unlock()
		return nil
	}
	return s.handlePacket(p)
}

// ---- packet dispatch ----

func (s *Socket) handlePacket(p *wire.Packet) error {
	switch p.Type {
	case wire.PacketConnect:
		return s.handleConnectPacket(p)
	case wire.PacketDisconnect:
		return s.handleDisconnectPacket(p)
	case wire.PacketEvent, wire.PacketBinaryEvent:
		return s.handleEventPacket(p)
	case wire.PacketAck, wire.PacketBinaryAck:
		return s.handleAckPacket(p)
	case wire.PacketError:
		return s.handleErrorPacket(p)
	default:
		return fmt.Errorf("unknown packet type %d", int(p.Type))
	}
}

// handleConnectPacket and handleDisconnectPacket are deliberately empty:
// CONNECT and DISCONNECT packets cause no session-level action. They are
// unexported and called directly by handlePacket, so a type embedding
// Socket cannot replace them.
func (s *Socket) handleConnectPacket(*wire.Packet) error    { return nil }
func (s *Socket) handleDisconnectPacket(*wire.Packet) error { return nil }

func (s *Socket) handleEventPacket(p *wire.Packet) error {
	data, err := p.GetData()
	if err != nil {
		return err
	}
	arr, ok := data.([]any)
	if !ok || len(arr) == 0 {
		return errors.New("event packet without arguments")
	}
	name, ok := arr[0].(string)
	if !ok {
		return errors.New("event packet without a name")
	}
	args := arr[1:]

	if p.ID != -1 {
		return s.handleCall(p.ID, name, args)
	}

	if blacklisted(name) {
		return fmt.Errorf("refusing reserved event %q", name)
	}
	if err := s.dispatchEvent(name, args); err != nil {
		s.sendError(hookError(err))
	}
	return nil
}

// dispatchEvent runs the application listeners, converting a panic into an
// error so it can be reported back to the peer.
func (s *Socket) dispatchEvent(name string, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	s.events.emit(name, args)
	return nil
}

// handleCall answers an incoming call: the hook's result is acked back as
// [null, result], a hook failure as [{message, code, type}].
func (s *Socket) handleCall(id int64, name string, args []any) error {
	s.mu.Lock()
	hook := s.hooks[name]
	s.mu.Unlock()
	if hook == nil {
		return fmt.Errorf("call for unknown hook %q", name)
	}

	result, err := s.invokeHook(hook, args)

	ack := wire.NewPacket(wire.PacketAck)
	ack.ID = id
	var payload []any
	if err != nil {
		payload = []any{hookError(err).toWire()}
	} else {
		payload = []any{nil, result}
	}
	if err := ack.SetData(payload); err != nil {
		return err
	}
	return s.sendPacket(ack)
}

func (s *Socket) invokeHook(fn HookFunc, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(args)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

func (s *Socket) handleAckPacket(p *wire.Packet) error {
	if p.ID == -1 {
		return errors.New("ack packet without id")
	}
	data, err := p.GetData()
	if err != nil {
		return err
	}
	var errVal, result any
	if data != nil {
		arr, ok := data.([]any)
		if !ok {
			return errors.New("bad ack payload")
		}
		if len(arr) > 0 {
			errVal = arr[0]
		}
		if len(arr) > 1 {
			result = arr[1]
		}
	}

	s.mu.Lock()
	j, ok := s.jobs[uint32(p.ID)]
	if ok {
		delete(s.jobs, uint32(p.ID))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsolicited ack for job %d", p.ID)
	}

	if truthy(errVal) {
		e, ok := errorFromWire(errVal)
		if !ok {
			j.reject(NewError("No message."))
			return errors.New("bad ack error shape")
		}
		j.reject(e)
		return nil
	}
	j.resolve(result)
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// handleErrorPacket surfaces an uncorrelated remote error on the session's
// error channel.
func (s *Socket) handleErrorPacket(p *wire.Packet) error {
	data, err := p.GetData()
	if err != nil {
		return err
	}
	e, ok := errorFromWire(data)
	if !ok {
		return errors.New("bad error packet payload")
	}
	s.emitError(e)
	return nil
}

// sendError reports a local failure to the peer via an ERROR packet.
func (s *Socket) sendError(e *Error) {
	pkt := wire.NewPacket(wire.PacketError)
	if err := pkt.SetData(e.toWire()); err != nil {
		return
	}
	if err := s.sendPacket(pkt); err != nil {
		s.log.Debug("error packet dropped", "err", err)
	}
}

// ---- send path ----

// send transmits one frame, or buffers it while the session is not yet
// connected. Buffered frames flush in FIFO order on open.
func (s *Socket) send(f *wire.Frame) error {
	return s.sendFrames([]*wire.Frame{f})
}

// sendPacket serializes a packet into a textual MESSAGE frame followed by
// one binary MESSAGE frame per attachment.
func (s *Socket) sendPacket(p *wire.Packet) error {
	frames := make([]*wire.Frame, 0, 1+len(p.Buffers))
	frames = append(frames, wire.NewFrame(wire.FrameMessage, []byte(p.String()), false))
	for _, buf := range p.Buffers {
		frames = append(frames, wire.NewFrame(wire.FrameMessage, buf, true))
	}
	return s.sendFrames(frames)
}

func (s *Socket) sendFrames(frames []*wire.Frame) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if !s.connected {
		s.buffer = append(s.buffer, frames...)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, f := range frames {
		if err := s.writeFrameLocked(f); err != nil {
			return err
		}
	}
	return nil
}

// writeFrameLocked writes one frame to the transport, choosing the raw
// binary form only when the peer accepts it. Caller holds sendMu.
func (s *Socket) writeFrameLocked(f *wire.Frame) error {
	s.mu.Lock()
	t := s.transport
	binary := s.binary
	s.mu.Unlock()
	if t == nil {
		return errors.New("no transport")
	}
	if f.Binary && binary {
		return t.SendBinary(f.ToRaw())
	}
	return t.Send([]byte(f.ToString()))
}

// ---- liveness ----

func (s *Socket) stall() {
	ticker := s.clock.NewTicker(stallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.stallCheck()
		}
	}
}

// stallCheck is the 5 second liveness tick: connect timeout, job expiry,
// ping challenge and ping timeout, in that order.
func (s *Socket) stallCheck() {
	now := s.clock.Now()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	if !s.connected {
		timedOut := now.Sub(s.time) > connectTimeout
		s.mu.Unlock()
		if timedOut {
			s.emitError(errConnectTimeout)
			if s.inbound {
				s.Destroy()
			} else {
				s.reconnect()
			}
		}
		return
	}

	var expired []*job
	for id, j := range s.jobs {
		if now.Sub(j.time) > jobTimeout {
			delete(s.jobs, id)
			expired = append(expired, j)
		}
	}

	ping := false
	stalled := false
	if !s.challenge {
		s.challenge = true
		s.lastPing = now
		ping = true
	} else if now.Sub(s.lastPing) > s.pingTimeout {
		stalled = true
	}
	s.mu.Unlock()

	for _, j := range expired {
		j.reject(errJobTimeout)
	}
	if ping {
		if err := s.send(wire.NewFrame(wire.FramePing, nil, false)); err != nil {
			s.emitError(err)
		}
	}
	if stalled {
		s.emitError(errStalling)
		if s.inbound {
			s.Destroy()
		} else {
			s.close()
		}
	}
}

// ---- error surface ----

// emitError runs the error callbacks. Once the session is destroyed all
// errors are swallowed so stray transport events cannot crash the host.
func (s *Socket) emitError(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	fns := make([]func(error), len(s.errorFns))
	copy(fns, s.errorFns)
	s.mu.Unlock()

	s.log.Debug("socket error", "url", s.url, "err", err)
	for _, fn := range fns {
		fn(err)
	}
}
