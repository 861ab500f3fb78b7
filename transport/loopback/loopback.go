// Package loopback implements an in-process transport.ServerTransport for
// tests and for the ADO IPC bootstrap path's own unit tests: it behaves
// like tcp's connection (queued inbound frames, registration bookkeeping)
// but moves bytes through Go channels instead of a socket, the way the
// teacher's own test suites drive rpc/server against an in-memory
// transport rather than a real listener.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcas-project/shard/transport"
)

// Server is an in-process transport.ServerTransport. Tests call Dial to
// create a connected pair and Accept to hand the server side to an event
// loop under test.
type Server struct {
	pending chan transport.Connection
}

// NewServer creates an unbound loopback server.
func NewServer() *Server {
	return &Server{pending: make(chan transport.Connection, 64)}
}

func (s *Server) Listen(_ string) error { return nil }

func (s *Server) Accept() (transport.Connection, bool) {
	select {
	case c := <-s.pending:
		return c, true
	default:
		return nil, false
	}
}

func (s *Server) Close() error { return nil }

// Dial creates a connected client/server pair of loopback connections and
// enqueues the server side for the next Accept.
func (s *Server) Dial() (client *Connection, server *Connection) {
	a := newConnection()
	b := newConnection()
	a.peer = b
	b.peer = a
	s.pending <- b
	return a, b
}

type registration struct {
	addr, length uint64
}

// Connection is one loopback half of a Dial'd pair.
type Connection struct {
	mu      sync.Mutex
	peer    *Connection
	inbound chan []byte
	inFlight []byte
	hasInFlight bool

	closed     atomic.Bool
	lastActive atomic.Int64

	registrations map[transport.RemoteKey]registration
	nextKey       atomic.Uint64
}

func newConnection() *Connection {
	c := &Connection{
		inbound:       make(chan []byte, 256),
		registrations: make(map[transport.RemoteKey]registration),
	}
	c.nextKey.Store(1)
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

// Send delivers buf to the peer's inbound queue, standing in for a real
// client's outgoing write.
func (c *Connection) Send(buf []byte) {
	if c.peer == nil || c.closed.Load() {
		return
	}
	c.peer.inbound <- append([]byte(nil), buf...)
	c.peer.lastActive.Store(time.Now().UnixNano())
}

// Recv blocks until the peer posts a response, for test assertions.
func (c *Connection) Recv() []byte {
	return <-c.inbound
}

func (c *Connection) Tick() (transport.TickVerdict, []transport.Completion) {
	if c.closed.Load() {
		return transport.TickClose, nil
	}
	if c.hasInFlight || len(c.inbound) > 0 {
		return transport.TickReadable, nil
	}
	return transport.TickNone, nil
}

func (c *Connection) Peek() ([]byte, bool) {
	if c.hasInFlight {
		return c.inFlight, true
	}
	select {
	case b := <-c.inbound:
		c.inFlight = b
		c.hasInFlight = true
		return b, true
	default:
		return nil, false
	}
}

func (c *Connection) Consume() {
	c.hasInFlight = false
	c.inFlight = nil
}

func (c *Connection) PostResponse(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != nil {
		c.peer.inbound <- append([]byte(nil), buf...)
	}
	return nil
}

func (c *Connection) PostPaired(header, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != nil {
		c.peer.inbound <- append([]byte(nil), header...)
		c.peer.inbound <- append([]byte(nil), payload...)
	}
	return nil
}

func (c *Connection) Register(addr, length uint64) (transport.RemoteKey, error) {
	key := transport.RemoteKey(c.nextKey.Add(1))
	c.registrations[key] = registration{addr: addr, length: length}
	return key, nil
}

func (c *Connection) Deregister(key transport.RemoteKey) error {
	delete(c.registrations, key)
	return nil
}

func (c *Connection) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Connection) RemoteAddr() string { return "loopback" }
