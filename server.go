package sockrpc

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ServerOptions tunes a listening server. The zero value is usable.
type ServerOptions struct {
	// Socket is applied to every accepted session.
	Socket *Options

	// UpgradesPerSecond rate-limits websocket upgrade attempts; exhausted
	// requests are answered with 429. Zero disables the limiter.
	UpgradesPerSecond float64

	// CheckOrigin overrides the upgrade origin policy. Default: allow all,
	// as the session layer has no notion of browser origins.
	CheckOrigin func(r *http.Request) bool

	// Logger receives server-level logging. Default: slog.Default().
	Logger *slog.Logger
}

// Server accepts inbound sessions over HTTP and tracks their channel
// membership. It implements http.Handler for the websocket upgrade path
// /socket.io/?transport=websocket.
type Server struct {
	opts     ServerOptions
	log      *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu       sync.Mutex
	sockets  map[*Socket]struct{}
	channels map[string]map[*Socket]struct{}
	onSocket []func(*Socket)
	closed   bool
}

// NewServer creates a server.
func NewServer(opts *ServerOptions) *Server {
	var o ServerOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		opts:     o,
		log:      o.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		sockets:  make(map[*Socket]struct{}),
		channels: make(map[string]map[*Socket]struct{}),
	}
	if o.UpgradesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(o.UpgradesPerSecond), 1)
	}
	return s
}

// OnSocket registers a callback invoked for every accepted session, before
// any of its traffic is dispatched.
func (s *Server) OnSocket(fn func(*Socket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSocket = append(s.onSocket, fn)
}

// ServeHTTP upgrades a websocket request into an inbound session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	fns := make([]func(*Socket), len(s.onSocket))
	copy(fns, s.onSocket)
	s.mu.Unlock()

	sock, transport := newInboundSocket(s, r, conn, s.opts.Socket)

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	sock.OnClose(func() { s.remove(sock) })

	s.log.Debug("socket accepted", "remote", r.RemoteAddr, "binary", sock.binary)
	for _, fn := range fns {
		fn(sock)
	}
	sock.start(transport)
}

// Join adds a session to the named channel.
func (s *Server) Join(sock *Socket, name string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	members, ok := s.channels[name]
	if !ok {
		members = make(map[*Socket]struct{})
		s.channels[name] = members
	}
	if _, ok := members[sock]; ok {
		s.mu.Unlock()
		return false
	}
	members[sock] = struct{}{}
	s.mu.Unlock()

	sock.joinChannel(name)
	return true
}

// Leave removes a session from the named channel.
func (s *Server) Leave(sock *Socket, name string) bool {
	s.mu.Lock()
	members, ok := s.channels[name]
	if ok {
		_, ok = members[sock]
	}
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(members, sock)
	if len(members) == 0 {
		delete(s.channels, name)
	}
	s.mu.Unlock()

	sock.leaveChannel(name)
	return true
}

// Channel returns the current members of the named channel.
func (s *Server) Channel(name string) []*Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]*Socket, 0, len(s.channels[name]))
	for sock := range s.channels[name] {
		members = append(members, sock)
	}
	return members
}

// Fire broadcasts a fire-and-forget event to every member of a channel.
func (s *Server) Fire(channel, event string, args ...any) {
	for _, sock := range s.Channel(channel) {
		if err := sock.Fire(event, args...); err != nil {
			s.log.Debug("broadcast dropped", "channel", channel, "err", err)
		}
	}
}

// remove drops a session from the server and every channel it joined.
func (s *Server) remove(sock *Socket) {
	s.mu.Lock()
	delete(s.sockets, sock)
	for name, members := range s.channels {
		delete(members, sock)
		if len(members) == 0 {
			delete(s.channels, name)
		}
	}
	s.mu.Unlock()
}

// Close destroys every live session. The server accepts no sessions
// afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sockets := make([]*Socket, 0, len(s.sockets))
	for sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	for _, sock := range sockets {
		sock.Destroy()
	}
}
