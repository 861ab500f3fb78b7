// Package transport defines the connection-oriented fabric abstraction the
// shard drives: posting send/receive buffers and registering memory
// ranges to produce opaque remote keys for zero-copy RDMA-style transfer.
// Sealed to {loopback, tcp} (spec §9's {tcp, rdma} pair, renamed here
// since this module ships an in-process loopback transport for tests
// rather than a real RDMA provider). Grounded on the teacher's
// rpc/transport package family, generalized from "serialize one RPC call"
// to "post raw buffers and register memory", since dKV's transports never
// need to expose registration — every dKV call is request/response, never
// direct remote memory access.
package transport

import "time"

// RemoteKey is an opaque token produced by Register, handed to a client so
// it can perform a direct remote read/write against the registered range.
type RemoteKey uint64

// TickVerdict reports what a connection's Tick call observed.
type TickVerdict int

const (
	TickNone TickVerdict = iota
	TickReadable          // a message is available via Peek/Recv
	TickCompleted         // a previously posted send buffer's transfer completed
	TickClose             // the peer disconnected or its keepalive lapsed
)

// Completion describes one finished asynchronous operation surfaced by
// Tick, e.g. the second buffer of an inline-split GET response finishing
// transmission (spec §4.4) or a two-stage RDMA write/read landing.
type Completion struct {
	Addr uint64 // target address this completion corresponds to, if any
	Err  error
}

// Connection is one accepted client connection. All methods are
// non-blocking: the event loop is the only allowed caller, and it may
// never block inside a tick (spec §5).
type Connection interface {
	// Tick drives completion processing and reports what happened, without
	// blocking. Repeated calls with nothing to report return TickNone.
	Tick() (TickVerdict, []Completion)

	// Peek returns the next inbound message without consuming it, or
	// ok=false if none is queued. A handler calls Consume only once it
	// has successfully produced a response (spec §4.1 step 5).
	Peek() (msg []byte, ok bool)
	Consume()

	// PostResponse sends buf to the peer as one message.
	PostResponse(buf []byte) error
	// PostPaired sends header and payload as two buffers in one logical
	// response, used by the GET inline-split path (spec §4.4).
	PostPaired(header, payload []byte) error

	// Register exposes [addr, addr+length) to the peer for direct RDMA
	// access and returns an opaque remote key. Deregister releases it.
	Register(addr, length uint64) (RemoteKey, error)
	Deregister(key RemoteKey) error

	// Close tears down the connection.
	Close() error

	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() string
}

// ServerTransport accepts new connections and is polled once per
// CONNECTION_CHECK_INTERVAL ticks (spec §4.1 step 3).
type ServerTransport interface {
	// Listen binds the transport to address.
	Listen(address string) error
	// Accept returns a newly accepted connection, or ok=false if none is
	// waiting. Non-blocking.
	Accept() (Connection, bool)
	// Close stops accepting and releases the listening resource.
	Close() error
}

// KeepaliveInterval is the idle duration after which a connection with no
// traffic is treated as dead by Tick, yielding TickClose (spec §5).
const KeepaliveInterval = 30 * time.Second
