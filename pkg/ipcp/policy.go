// Package ipcp implements the IPCP option-negotiation policy (spec
// §4.5), grounded on the teacher's pkg/pppoe/ipcp.go IP-pool allocation
// pattern but plugged into the generic pkg/cpfsm engine instead of
// duplicating the RFC 1661 state table.
package ipcp

import (
	"fmt"

	"github.com/codelaboratoryltd/ppplink/pkg/cpfsm"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

// Pool allocates and releases IPv4 addresses for peers, keyed by an
// opaque session identifier (spec §6 "peer_ip_pool").
type Pool interface {
	Allocate(sessionID string) (uint32, error)
	Release(sessionID string)
}

// Config holds this end's IPCP defaults.
type Config struct {
	SessionID string // key into Pool

	OurIP uint32 // this end's own address, 0 if we expect the peer to assign it

	// PeerIP is the address we intend to hand the peer. If zero and
	// Pool is set, it is allocated from the Pool when New builds the
	// policy.
	PeerIP uint32
	Pool   Pool
}

// Policy implements cpfsm.Policy[ppp.IpcpOption] for IPCP.
type Policy struct {
	cfg Config

	ourIP  uint32
	peerIP uint32

	ourOpts []ppp.IpcpOption
	hisOpts []ppp.IpcpOption
}

// New builds an IPCP policy. If cfg.PeerIP is zero and a Pool is
// configured, the peer address is allocated immediately so it is ready
// for the first Configure-Request/Nak exchange.
func New(cfg Config) (*Policy, error) {
	p := &Policy{cfg: cfg, ourIP: cfg.OurIP, peerIP: cfg.PeerIP}
	if p.peerIP == 0 && cfg.Pool != nil {
		addr, err := cfg.Pool.Allocate(cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("ipcp: allocate peer address: %w", err)
		}
		p.peerIP = addr
	}
	return p, nil
}

// Release returns the peer address to the pool, if one was leased.
func (p *Policy) Release() {
	if p.cfg.Pool != nil {
		p.cfg.Pool.Release(p.cfg.SessionID)
	}
}

// OurIP returns this end's negotiated address.
func (p *Policy) OurIP() uint32 { return p.ourIP }

// PeerIP returns the peer's negotiated address.
func (p *Policy) PeerIP() uint32 { return p.peerIP }

func (p *Policy) ProtocolNumber() ppp.ProtocolNumber { return ppp.ProtocolIPCP }

func (p *Policy) BuildRequestOptions() []ppp.IpcpOption {
	return []ppp.IpcpOption{ppp.NewIpcpAddress(p.ourIP)}
}

// CheckReceived implements RFC 1332's reconciliation: a peer offering
// 0.0.0.0 is Nak'd with our suggested address for them; any other
// non-zero proposal is accepted and recorded as the peer's address.
// Non-IpAddress options carry no policy opinion in this core and are
// passed straight through as accepted (spec §4.5/§3).
func (p *Policy) CheckReceived(received []ppp.IpcpOption) (ack, nak, reject []ppp.IpcpOption) {
	for _, opt := range received {
		if opt.Type != ppp.IpcpOptIpAddress {
			ack = append(ack, opt)
			continue
		}
		switch {
		case opt.Address == 0:
			nak = append(nak, ppp.NewIpcpAddress(p.peerIP))
		default:
			p.peerIP = opt.Address
			ack = append(ack, opt)
		}
	}
	return ack, nak, reject
}

// ProcessNak updates our own address if the peer suggests one (the
// client-role case: we proposed an address and the peer/NAS naks it
// with the one it wants us to use).
func (p *Policy) ProcessNak(nak []ppp.IpcpOption) bool {
	changed := false
	for _, opt := range nak {
		if opt.Type == ppp.IpcpOptIpAddress && opt.Address != p.ourIP {
			p.ourIP = opt.Address
			changed = true
		}
	}
	return changed
}

func (p *Policy) ProcessReject(rejected []ppp.IpcpOption) {}

func (p *Policy) Accepted(acked []ppp.IpcpOption) {
	p.ourOpts = acked
	for _, opt := range acked {
		if opt.Type == ppp.IpcpOptIpAddress {
			p.ourIP = opt.Address
		}
	}
}

func (p *Policy) PeerRequested(acked []ppp.IpcpOption) {
	p.hisOpts = acked
	for _, opt := range acked {
		if opt.Type == ppp.IpcpOptIpAddress {
			p.peerIP = opt.Address
		}
	}
}

func (p *Policy) EncodeBody(opts []ppp.IpcpOption) ppp.CpBody {
	return ppp.CpBody{IpcpOptions: opts}
}

func (p *Policy) DecodeBody(body ppp.CpBody) []ppp.IpcpOption {
	return body.IpcpOptions
}

var _ cpfsm.Policy[ppp.IpcpOption] = (*Policy)(nil)
