// Package ado implements the per-pool ADO co-process coordinator (spec
// §4.7) and the shard↔ADO IPC channel it rides on (spec §6). ipc.go models
// the "named shared memory, SPSC ring, unblock sentinel" wire description
// as a bounded Go channel pair — the same generalization the teacher's
// util.LockFreeMPSC makes from "a real lock-free queue" to "a Go channel
// fed by atomic pointer operations", and the one markrussinovich's shared-
// memory gRPC transport doc describes at the OS level. A real deployment
// swaps this file for one that mmaps a named segment and uses futex-style
// wakeups; every other ado/*.go file is unaffected because they only see
// the Channel interface below.
package ado

import (
	"errors"
)

// MessageKind enumerates the ADO↔shard message kinds named in spec §6.
type MessageKind uint8

const (
	MsgWorkRequest MessageKind = iota
	MsgWorkCompletion
	MsgTableOp
	MsgPoolInfoRequest
	MsgOpEventResponse
	MsgIterateRequest
	MsgVectorRequest
	MsgIndexOpRequest
	MsgUnlockRequest
	MsgConfigureRequest

	// Response kinds mirror each request kind (spec §6: "each has a
	// mirrored response kind").
	MsgWorkRequestResp
	MsgTableOpResp
	MsgPoolInfoResp
	MsgIterateResp
	MsgVectorResp
	MsgIndexOpResp
	MsgUnlockResp
	MsgConfigureResp

	// MsgUnblock is the sentinel that wakes a peer blocked on an empty ring
	// (spec §6). Loop-time code never blocks on it; it exists so a real
	// shared-memory ring's blocking wait has something to wake up on.
	MsgUnblock
)

// Message is one slab-ring entry: a fixed-size envelope carrying a kind
// tag, the work-request key the message concerns (0 if none), and an
// opaque payload. Real shared memory would make Payload a pointer into
// the slab ring rather than an owned byte slice; Go's GC makes that
// indirection unnecessary here.
type Message struct {
	Kind    MessageKind
	WorkKey uint64
	Payload []byte
}

// ErrChannelClosed is returned by Send/Recv once the peer has shut down.
var ErrChannelClosed = errors.New("ado: ipc channel closed")

// Channel is one direction of the shard↔ADO pair: a single-producer,
// single-consumer bounded ring (spec §5: "each a single-producer/single-
// consumer lock-free ring").
type Channel struct {
	ring   chan Message
	closed chan struct{}
}

// NewChannel creates a bounded channel with the given slab-ring capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{
		ring:   make(chan Message, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues a message without blocking; ErrChannelClosed if the channel
// is already closed, and a "ring full" error if the ring is full (the ADO
// proxy is wedged). The event loop
// never blocks (spec §5), so a full ring is surfaced as an error rather
// than backpressure.
func (c *Channel) Send(m Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.ring <- m:
		return nil
	default:
		return errors.New("ado: ipc ring full")
	}
}

// TryRecv drains at most one message, for the loop's non-blocking poll
// (spec §4.1 step 6: "Drain ADO callback channel and work-completion
// channel").
func (c *Channel) TryRecv() (Message, bool) {
	select {
	case m := <-c.ring:
		return m, true
	default:
		return Message{}, false
	}
}

// Unblock posts the wake-up sentinel, for a real shared-memory ring's
// blocked-peer case. Over a Go channel the MsgUnblock message is still
// enqueued (unless the channel is closed) and takes a ring slot; the
// receiver discards it, since sends already wake any blocked receiver.
func (c *Channel) Unblock() {
	select {
	case <-c.closed:
	default:
		_ = c.Send(Message{Kind: MsgUnblock})
	}
}

// Close marks the channel closed; further Send calls fail.
func (c *Channel) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Pair is the bidirectional shard↔ADO channel set bootstrapped per ADO
// process: one ring shard→ado, one ring ado→shard, per spec §6.
type Pair struct {
	ToADO   *Channel
	FromADO *Channel
}

// NewPair creates a fresh bidirectional channel pair with the given
// per-direction slab-ring capacity.
func NewPair(capacity int) *Pair {
	return &Pair{
		ToADO:   NewChannel(capacity),
		FromADO: NewChannel(capacity),
	}
}

func (p *Pair) Close() {
	p.ToADO.Close()
	p.FromADO.Close()
}
