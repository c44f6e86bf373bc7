// Package auth implements the PPP authentication drivers (spec §4.4).
// PAP is implemented in both directions; CHAP's frame codec lives in
// pkg/ppp but, per the spec's explicit deferral, no CHAP Driver is
// registered here yet — a future one would implement this same Driver
// shape.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

// Direction distinguishes which side of the link this driver
// authenticates (spec §3 AuthDirection).
type Direction int

const (
	// PeerToUs: we are the authenticator, verifying the peer's
	// identity against a CredentialProvider.
	PeerToUs Direction = iota
	// UsToPeer: we are the one proving our identity to the peer.
	UsToPeer
)

func (d Direction) String() string {
	if d == UsToPeer {
		return "UsToPeer"
	}
	return "PeerToUs"
}

// Outcome is what a CredentialProvider returns for a PeerToUs check.
type Outcome struct {
	Success bool
	// SessionOpts are per-user overrides merged over the link's base
	// config on success (spec §4.7), e.g. a pool-assigned peer address.
	SessionOpts map[string]string
	RejectReason string
}

// CredentialProvider verifies a peer-supplied identity (spec §6
// "Credential/config provider").
type CredentialProvider interface {
	Authenticate(ctx context.Context, peerID, password string) (Outcome, error)
}

// Result is delivered to the Link orchestrator once a direction
// finishes (spec §4.6 "{AuthPeer/AuthWithPeer, Success|Fail}").
type Result struct {
	Direction    Direction
	Success      bool
	PeerID       string
	SessionOpts  map[string]string
	RejectReason string
}

// Driver is the extension point a per-protocol authenticator
// implements (spec §9's frame_in/lower_open/lower_close capability,
// scoped to authentication). A CHAP driver would implement the same
// shape, dispatching ppp.ChapMessage instead of ppp.PapMessage.
type Driver interface {
	ProtocolNumber() ppp.ProtocolNumber
	Direction() Direction
	Start() error
	Stop()
}

// Driver timing (spec §4.4): up to 3 resends at 3s intervals on the
// prove-side.
const (
	DefaultRetries  = 3
	DefaultInterval = 3 * time.Second
)

// PapAuthenticator implements Driver for PAP in either direction.
type PapAuthenticator struct {
	direction Direction
	provider  CredentialProvider // PeerToUs only
	name      string             // UsToPeer only
	secret    string             // UsToPeer only

	retries  int
	interval time.Duration

	sendFrame func(*ppp.PapMessage) error
	onResult  func(Result)
	logger    *zap.Logger

	identifier   uint8
	attemptsLeft int
	timer        *time.Timer
	timerGen     int
	timerMu      sync.Mutex

	mu sync.Mutex
}

// NewPeerAuthenticator builds the PeerToUs (we authenticate the peer)
// direction, grounded on the teacher's Authenticator.receivePAP /
// handlePAPAuthRequest.
func NewPeerAuthenticator(provider CredentialProvider, sendFrame func(*ppp.PapMessage) error, logger *zap.Logger) *PapAuthenticator {
	return &PapAuthenticator{
		direction: PeerToUs,
		provider:  provider,
		sendFrame: sendFrame,
		logger:    logger,
	}
}

// NewWithPeerAuthenticator builds the UsToPeer (we prove ourselves)
// direction, grounded on gandalfast-souppp's auth/pap driver — the
// teacher never implements this side.
func NewWithPeerAuthenticator(name, secret string, sendFrame func(*ppp.PapMessage) error, logger *zap.Logger) *PapAuthenticator {
	return &PapAuthenticator{
		direction: UsToPeer,
		name:      name,
		secret:    secret,
		retries:   DefaultRetries,
		interval:  DefaultInterval,
		sendFrame: sendFrame,
		logger:    logger,
	}
}

func (p *PapAuthenticator) ProtocolNumber() ppp.ProtocolNumber { return ppp.ProtocolPAP }
func (p *PapAuthenticator) Direction() Direction               { return p.direction }

// SetRetry overrides the retransmission count/interval (spec §4.4
// defaults are 3 retries at 3s; tests shorten the interval).
func (p *PapAuthenticator) SetRetry(retries int, interval time.Duration) {
	p.retries = retries
	p.interval = interval
}

// OnResult registers the completion callback.
func (p *PapAuthenticator) OnResult(f func(Result)) { p.onResult = f }

// Start kicks the driver off. For UsToPeer it sends the first
// Authenticate-Request and arms the retransmit timer; for PeerToUs it
// is a no-op (we wait for the peer's request).
func (p *PapAuthenticator) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direction != UsToPeer {
		return nil
	}
	p.attemptsLeft = p.retries
	p.sendRequest()
	return nil
}

// Stop cancels any pending retransmit timer.
func (p *PapAuthenticator) Stop() {
	p.cancelTimer()
}

func (p *PapAuthenticator) sendRequest() {
	p.identifier++
	msg := &ppp.PapMessage{
		Code:       ppp.PapCodeAuthenticateRequest,
		Identifier: p.identifier,
		PeerID:     p.name,
		Password:   p.secret,
	}
	if err := p.sendFrame(msg); err != nil {
		p.logger.Warn("auth: failed to send pap authenticate-request", zap.Error(err))
	}
	p.startTimer()
}

func (p *PapAuthenticator) startTimer() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	gen := p.timerGen
	p.timer = time.AfterFunc(p.interval, func() { p.timeout(gen) })
}

func (p *PapAuthenticator) cancelTimer() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerGen++
}

func (p *PapAuthenticator) timeout(gen int) {
	p.timerMu.Lock()
	current := p.timerGen
	p.timerMu.Unlock()
	if gen != current {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attemptsLeft > 0 {
		p.attemptsLeft--
		p.sendRequest()
		return
	}
	p.deliver(Result{Direction: UsToPeer, Success: false, RejectReason: "no response from peer"})
}

// FrameIn processes a decoded PAP frame (spec §9 frame_in capability).
func (p *PapAuthenticator) FrameIn(ctx context.Context, msg *ppp.PapMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.direction {
	case PeerToUs:
		return p.receiveRequest(ctx, msg)
	default:
		return p.receiveReply(msg)
	}
}

func (p *PapAuthenticator) receiveRequest(ctx context.Context, msg *ppp.PapMessage) error {
	if msg.Code != ppp.PapCodeAuthenticateRequest {
		return fmt.Errorf("auth: unexpected pap code %v in PeerToUs direction", msg.Code)
	}
	outcome, err := p.provider.Authenticate(ctx, msg.PeerID, msg.Password)
	if err != nil {
		return fmt.Errorf("auth: credential provider: %w", err)
	}

	reply := &ppp.PapMessage{Identifier: msg.Identifier}
	if outcome.Success {
		reply.Code = ppp.PapCodeAuthenticateAck
	} else {
		reply.Code = ppp.PapCodeAuthenticateNak
		reply.Message = outcome.RejectReason
	}
	if err := p.sendFrame(reply); err != nil {
		return fmt.Errorf("auth: send pap reply: %w", err)
	}

	p.deliver(Result{
		Direction:    PeerToUs,
		Success:      outcome.Success,
		PeerID:       msg.PeerID,
		SessionOpts:  outcome.SessionOpts,
		RejectReason: outcome.RejectReason,
	})
	return nil
}

func (p *PapAuthenticator) receiveReply(msg *ppp.PapMessage) error {
	if msg.Identifier != p.identifier {
		p.logger.Debug("auth: pap reply with stale identifier",
			zap.Uint8("expected", p.identifier), zap.Uint8("got", msg.Identifier))
		return nil
	}
	p.cancelTimer()

	switch msg.Code {
	case ppp.PapCodeAuthenticateAck:
		p.deliver(Result{Direction: UsToPeer, Success: true})
	case ppp.PapCodeAuthenticateNak:
		p.deliver(Result{Direction: UsToPeer, Success: false, RejectReason: msg.Message})
	default:
		return fmt.Errorf("auth: unexpected pap code %v in UsToPeer direction", msg.Code)
	}
	return nil
}

func (p *PapAuthenticator) deliver(r Result) {
	if p.onResult != nil {
		p.onResult(r)
	}
}

var _ Driver = (*PapAuthenticator)(nil)
