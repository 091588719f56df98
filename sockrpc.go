// Package sockrpc implements a bidirectional, multiplexed RPC session over
// a single WebSocket. A session carries fire-and-forget events and
// request/response calls with correlation ids and error propagation, using
// an Engine.IO-style outer frame layer and a Socket.IO-style inner packet
// layer with binary attachments.
//
// Inbound sessions are accepted from a listening Server; outbound sessions
// are created with Connect. Both expose the same surface: Listen/Fire for
// events, Hook/Call for RPC, and Join/Leave/Channel for server-side
// channel membership.
package sockrpc

import "time"

const (
	// stallInterval is the period of the liveness tick driving connect
	// timeout, job expiry, ping challenge and ping timeout.
	stallInterval = 5 * time.Second

	// connectTimeout is how long a session may sit unconnected before the
	// liveness tick gives up on it.
	connectTimeout = 10 * time.Second

	// jobTimeout is the hard deadline on an outstanding call.
	jobTimeout = 10 * time.Minute

	// defaultPingInterval and defaultPingTimeout are the liveness
	// parameters advertised in the handshake; outbound sessions adopt the
	// peer's values instead.
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 60 * time.Second

	// handshakeSID is the fixed session id sent in the OPEN handshake.
	// Transport upgrades are unsupported, so the id carries no state.
	handshakeSID = "00000000000000000000"
)
