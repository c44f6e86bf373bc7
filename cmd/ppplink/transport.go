package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/codelaboratoryltd/ppplink/pkg/transport"
)

// connTransport adapts a net.Conn into transport.Transport by framing
// each PPP payload with a 4-byte big-endian length prefix, grounded on
// the rawSocket interface pkg/pppoe/server.go once wrapped around an
// AF_PACKET socket — here wrapped around a plain stream connection,
// since a raw link carrier is out of scope for this module.
type connTransport struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error

	inOctets, outOctets   uint64
	inPackets, outPackets uint64
}

func newConnTransport(conn net.Conn) *connTransport {
	return &connTransport{conn: conn}
}

func (t *connTransport) Send(frame []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := t.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	atomic.AddUint64(&t.outOctets, uint64(len(frame)))
	atomic.AddUint64(&t.outPackets, 1)
	return nil
}

func (t *connTransport) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("transport: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return nil, fmt.Errorf("transport: read frame: %w", err)
	}
	atomic.AddUint64(&t.inOctets, uint64(n))
	atomic.AddUint64(&t.inPackets, 1)
	return frame, nil
}

func (t *connTransport) Counters(net.IP) transport.Counters {
	return transport.Counters{
		InOctets:   atomic.LoadUint64(&t.inOctets),
		OutOctets:  atomic.LoadUint64(&t.outOctets),
		InPackets:  atomic.LoadUint64(&t.inPackets),
		OutPackets: atomic.LoadUint64(&t.outPackets),
	}
}

func (t *connTransport) Terminate() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}

var _ transport.Transport = (*connTransport)(nil)
