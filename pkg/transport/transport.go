// Package transport defines the byte-oriented carrier contract the Link
// orchestrator consumes (spec §6 "Transport contract"). Transport
// carriers themselves — PPPoE, HDLC framing, serial lines — are out of
// scope for this core (spec §1); this package only names the interface
// and ships an in-memory implementation for tests, generalized from the
// rawSocket interface pkg/pppoe/server.go defines for its AF_PACKET
// socket.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Recv once the transport has been terminated.
var ErrClosed = errors.New("transport: closed")

// Counters mirrors the per-peer byte/packet counters an external
// fast-path (kernel socket, eBPF map) maintains (spec §6 "get_counter").
type Counters struct {
	InOctets   uint64
	OutOctets  uint64
	InPackets  uint64
	OutPackets uint64
}

// Transport is the carrier a Link drives: a byte-oriented sender and
// receiver plus the counters and lifecycle spec §6 names. Frames passed
// to Send/returned from Recv start at the PPP Protocol field.
type Transport interface {
	// Send enqueues a complete PPP payload.
	Send(frame []byte) error
	// Recv blocks for the next inbound frame, returning ErrClosed once
	// Terminate has been called.
	Recv() ([]byte, error)
	// Counters reports this transport's cumulative byte/packet counts
	// for the given peer address.
	Counters(peerIP net.IP) Counters
	// Terminate releases the carrier; subsequent Recv calls return
	// ErrClosed.
	Terminate() error
}

// Pipe is an in-memory Transport, useful for tests and for driving the
// Link orchestrator without a real carrier underneath.
type Pipe struct {
	inbox  chan []byte
	outbox chan []byte

	closed chan struct{}
	once   sync.Once

	inOctets, outOctets   atomic.Uint64
	inPackets, outPackets atomic.Uint64
}

// NewPipe builds a Pipe with the given inbound/outbound queue depth.
func NewPipe(depth int) *Pipe {
	return &Pipe{
		inbox:  make(chan []byte, depth),
		outbox: make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

// Deliver injects an inbound frame, as if received from the wire.
func (p *Pipe) Deliver(frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.inPackets.Add(1)
	p.inOctets.Add(uint64(len(frame)))
	select {
	case p.inbox <- frame:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Outbound drains one frame the link sent, blocking until one is
// available or the pipe closes.
func (p *Pipe) Outbound() ([]byte, error) {
	select {
	case f := <-p.outbox:
		return f, nil
	case <-p.closed:
		return nil, ErrClosed
	}
}

func (p *Pipe) Send(frame []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	p.outPackets.Add(1)
	p.outOctets.Add(uint64(len(frame)))
	select {
	case p.outbox <- frame:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *Pipe) Recv() ([]byte, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.closed:
		return nil, ErrClosed
	}
}

func (p *Pipe) Counters(net.IP) Counters {
	return Counters{
		InOctets:   p.inOctets.Load(),
		OutOctets:  p.outOctets.Load(),
		InPackets:  p.inPackets.Load(),
		OutPackets: p.outPackets.Load(),
	}
}

func (p *Pipe) Terminate() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

var _ Transport = (*Pipe)(nil)
