// Package lcp implements the LCP option-negotiation policy (spec §4.3)
// plugged into the generic pkg/cpfsm engine. It is grounded on the
// teacher's pkg/pppoe/lcp.go processConfigureOptions, generalized to the
// full supported-option subset the spec names.
package lcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/codelaboratoryltd/ppplink/pkg/cpfsm"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

// Config holds the LCP defaults and limits this link negotiates with.
type Config struct {
	MRU    uint16 // desired MRU, default 1500
	MaxMRU uint16 // largest MRU we will accept, default 1500
	MinMRU uint16 // smallest MRU we will accept, default 64

	AsyncMap uint32 // default 0xffffffff unless async-free

	Magic uint32 // 0 means "generate one"

	// RequireAuth, if non-nil, is the auth protocol we demand the peer
	// use to authenticate to us — carried in our own Configure-Request.
	RequireAuth *ppp.AuthProto

	// AcceptAuth lists the auth protocols we are willing to perform
	// when the peer's Configure-Request asks us to authenticate to
	// them with one of these.
	AcceptAuth []ppp.AuthProto

	Pfc    bool // propose Protocol-Field-Compression
	Acfc   bool // propose Address/Control-Field-Compression
	Mrru   uint16
	Ssnhf  bool
	EpDisc bool
}

// DefaultConfig matches RFC 1661's common deployment defaults.
func DefaultConfig() Config {
	return Config{
		MRU:      1500,
		MaxMRU:   1500,
		MinMRU:   64,
		AsyncMap: 0xffffffff,
	}
}

// Policy implements cpfsm.Policy[ppp.Option] for LCP.
type Policy struct {
	cfg Config

	magic      uint32
	ourOpts    []ppp.Option
	hisOpts    []ppp.Option
	peerMagic  uint32
	authRejected bool
}

// New builds an LCP policy, generating a magic number if none was
// configured.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxMRU == 0 {
		cfg.MaxMRU = 1500
	}
	if cfg.MinMRU == 0 {
		cfg.MinMRU = 64
	}
	magic := cfg.Magic
	if magic == 0 {
		m, err := randomMagic()
		if err != nil {
			return nil, fmt.Errorf("lcp: generate magic number: %w", err)
		}
		magic = m
	}
	return &Policy{cfg: cfg, magic: magic}, nil
}

func randomMagic() (uint32, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b)
	if v == 0 {
		v = 1
	}
	return v, nil
}

// Magic returns the magic number this end proposes.
func (p *Policy) Magic() uint32 { return p.magic }

// PeerMagic returns the magic number last seen from the peer.
func (p *Policy) PeerMagic() uint32 { return p.peerMagic }

// AuthRejected reports whether the peer rejected our Auth proposal.
func (p *Policy) AuthRejected() bool { return p.authRejected }

// MRU returns the currently negotiated/desired MRU, for callers (the
// Link orchestrator) that need to bound a Protocol-Reject's echoed
// payload to it.
func (p *Policy) MRU() uint16 { return p.cfg.MRU }

func (p *Policy) ProtocolNumber() ppp.ProtocolNumber { return ppp.ProtocolLCP }

// BuildRequestOptions returns our current desire (spec §4.3 defaults).
func (p *Policy) BuildRequestOptions() []ppp.Option {
	var opts []ppp.Option
	opts = append(opts, ppp.NewMru(p.cfg.MRU))
	if p.cfg.AsyncMap != 0 {
		opts = append(opts, ppp.NewAsyncMap(p.cfg.AsyncMap))
	}
	opts = append(opts, ppp.NewMagic(p.magic))
	if p.cfg.RequireAuth != nil {
		opts = append(opts, ppp.NewAuth(*p.cfg.RequireAuth))
	}
	if p.cfg.Pfc {
		opts = append(opts, ppp.NewPfc())
	}
	if p.cfg.Acfc {
		opts = append(opts, ppp.NewAcfc())
	}
	if p.cfg.Mrru > 0 {
		opts = append(opts, ppp.Option{Type: ppp.OptMrru, Mrru: p.cfg.Mrru})
	}
	if p.cfg.Ssnhf {
		opts = append(opts, ppp.Option{Type: ppp.OptSsnhf})
	}
	return opts
}

// supportedType reports whether t is in the negotiable subset spec §4.3
// names, as opposed to the always-rejected set (Callback/Quality/LDisc)
// or an unknown/Raw type.
func supportedType(t ppp.OptionType) bool {
	switch t {
	case ppp.OptMru, ppp.OptAsyncMap, ppp.OptAuth, ppp.OptMagic, ppp.OptPfc,
		ppp.OptAcfc, ppp.OptMrru, ppp.OptSsnhf, ppp.OptEpDisc:
		return true
	default:
		return false
	}
}

// CheckReceived classifies the peer's Configure-Request (spec §4.3
// "Accept rule").
func (p *Policy) CheckReceived(received []ppp.Option) (ack, nak, reject []ppp.Option) {
	for _, opt := range received {
		if !supportedType(opt.Type) {
			reject = append(reject, opt)
			continue
		}

		switch opt.Type {
		case ppp.OptMru:
			switch {
			case opt.Mru < p.cfg.MinMRU:
				nak = append(nak, ppp.NewMru(p.cfg.MinMRU))
			case opt.Mru > p.cfg.MaxMRU:
				nak = append(nak, ppp.NewMru(p.cfg.MaxMRU))
			default:
				ack = append(ack, opt)
			}

		case ppp.OptMagic:
			switch {
			case opt.Magic == 0:
				suggestion, err := randomMagic()
				if err != nil {
					reject = append(reject, opt)
					continue
				}
				nak = append(nak, ppp.NewMagic(suggestion))
			case opt.Magic == p.magic:
				// Loopback detected: ask the peer to try again with a
				// different value.
				suggestion, err := randomMagic()
				if err != nil {
					reject = append(reject, opt)
					continue
				}
				nak = append(nak, ppp.NewMagic(suggestion))
			default:
				p.peerMagic = opt.Magic
				ack = append(ack, opt)
			}

		case ppp.OptAuth:
			if p.acceptAuth(opt.Auth) {
				ack = append(ack, opt)
			} else if len(p.cfg.AcceptAuth) > 0 {
				nak = append(nak, ppp.NewAuth(p.cfg.AcceptAuth[0]))
			} else {
				reject = append(reject, opt)
			}

		default:
			// AsyncMap, Pfc, Acfc, Mrru, Ssnhf, EpDisc: any
			// schema-legal value in the supported subset is accepted
			// as-is; decodeOptionPayload already degraded anything
			// schema-illegal to Raw, which fails supportedType above
			// only when the type itself is unknown — an option that
			// kept its typed fields but has an out-of-policy value has
			// no further constraint in this core.
			ack = append(ack, opt)
		}
	}
	return ack, nak, reject
}

func (p *Policy) acceptAuth(proto ppp.AuthProto) bool {
	for _, a := range p.cfg.AcceptAuth {
		if a.Equal(proto) {
			return true
		}
	}
	return false
}

// ProcessNak updates our desired options per a Configure-Nak, reporting
// whether anything actually changed.
func (p *Policy) ProcessNak(nak []ppp.Option) bool {
	changed := false
	for _, opt := range nak {
		switch opt.Type {
		case ppp.OptMru:
			if opt.Mru != p.cfg.MRU && opt.Mru >= p.cfg.MinMRU && opt.Mru <= p.cfg.MaxMRU {
				p.cfg.MRU = opt.Mru
				changed = true
			}
		case ppp.OptMagic:
			m, err := randomMagic()
			if err == nil && m != p.magic {
				p.magic = m
				changed = true
			}
		case ppp.OptAuth:
			if p.cfg.RequireAuth == nil || !p.cfg.RequireAuth.Equal(opt.Auth) {
				auth := opt.Auth
				p.cfg.RequireAuth = &auth
				changed = true
			}
		}
	}
	return changed
}

// ProcessReject drops rejected options from what we propose next time.
func (p *Policy) ProcessReject(rejected []ppp.Option) {
	for _, opt := range rejected {
		switch opt.Type {
		case ppp.OptPfc:
			p.cfg.Pfc = false
		case ppp.OptAcfc:
			p.cfg.Acfc = false
		case ppp.OptAsyncMap:
			p.cfg.AsyncMap = 0
		case ppp.OptMrru:
			p.cfg.Mrru = 0
		case ppp.OptSsnhf:
			p.cfg.Ssnhf = false
		case ppp.OptAuth:
			p.authRejected = true
			p.cfg.RequireAuth = nil
		}
	}
}

func (p *Policy) Accepted(acked []ppp.Option)      { p.ourOpts = acked }
func (p *Policy) PeerRequested(acked []ppp.Option) { p.hisOpts = acked }

func (p *Policy) EncodeBody(opts []ppp.Option) ppp.CpBody {
	return ppp.CpBody{Options: opts}
}

func (p *Policy) DecodeBody(body ppp.CpBody) []ppp.Option {
	return body.Options
}

var _ cpfsm.Policy[ppp.Option] = (*Policy)(nil)
