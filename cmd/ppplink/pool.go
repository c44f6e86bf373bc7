package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/codelaboratoryltd/ppplink/pkg/ipcp"
)

// sequentialPool hands out IPv4 addresses from a CIDR block in order,
// keyed by session ID so a session reconnecting before its lease is
// released gets the same address back. Full DHCP-style lease tracking
// (expiry, renewal) is out of scope here — address assignment for a
// negotiated PPP session is a one-shot allocate/release, not a lease.
type sequentialPool struct {
	mu        sync.Mutex
	base      uint32
	size      uint32
	next      uint32
	assigned  map[string]uint32
	byAddress map[uint32]string
}

func newSequentialPool(cidr string) (*sequentialPool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("pool: parse cidr %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("pool: %q is not an IPv4 network", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("pool: %q is not an IPv4 network", cidr)
	}
	size := uint32(1) << uint(32-ones)
	base := binary.BigEndian.Uint32(ip4) + 2 // skip network address and gateway (.1)
	usable := size - 3                       // network, gateway, broadcast
	return &sequentialPool{
		base:      base,
		size:      usable,
		assigned:  map[string]uint32{},
		byAddress: map[uint32]string{},
	}, nil
}

// Allocate implements ipcp.Pool.
func (p *sequentialPool) Allocate(sessionID string) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.assigned[sessionID]; ok {
		return addr, nil
	}
	for i := uint32(0); i < p.size; i++ {
		addr := p.base + ((p.next + i) % p.size)
		if _, taken := p.byAddress[addr]; !taken {
			p.next = (p.next + i + 1) % p.size
			p.assigned[sessionID] = addr
			p.byAddress[addr] = sessionID
			return addr, nil
		}
	}
	return 0, fmt.Errorf("pool: exhausted")
}

// Release implements ipcp.Pool.
func (p *sequentialPool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr, ok := p.assigned[sessionID]; ok {
		delete(p.assigned, sessionID)
		delete(p.byAddress, addr)
	}
}

var _ ipcp.Pool = (*sequentialPool)(nil)
