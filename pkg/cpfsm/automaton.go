// Package cpfsm implements the generic control-protocol automaton shared
// by every PPP control protocol (RFC 1661 §4.2): LCP and the NCPs (IPCP)
// all drive the same ten-state machine, differing only in which options
// they propose and how they classify a peer's Configure-Request. The
// teacher's pkg/pppoe duplicated this table once in lcp.go and once in
// ipcp.go; this package factors it into one engine parametrized by a
// Policy[O] per-protocol hook set.
package cpfsm

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

// State is an Automaton state per RFC 1661 §4.2.
type State int

const (
	StateInitial  State = iota // Lower layer unavailable, no Open
	StateStarting              // Lower layer unavailable, Open
	StateClosed                // Lower layer available, no Open
	StateStopped               // Open, waiting for Configure-Request
	StateClosing               // Terminate-Request sent
	StateStopping              // Terminate-Request sent (from Opened)
	StateReqSent               // Configure-Request sent
	StateAckRcvd               // Configure-Request sent, Configure-Ack received
	StateAckSent               // Configure-Request and Configure-Ack sent
	StateOpened                // Connection fully established
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// Policy is the per-protocol hook set plugged into the generic engine
// (spec §4.2). O is the option type the protocol negotiates:
// []ppp.Option for LCP, []ppp.IpcpOption for IPCP.
type Policy[O any] interface {
	// ProtocolNumber identifies the CP on the wire.
	ProtocolNumber() ppp.ProtocolNumber

	// BuildRequestOptions returns the options we currently want to
	// propose in a Configure-Request.
	BuildRequestOptions() []O

	// CheckReceived classifies a peer's Configure-Request into the
	// options we ack, nak (with our preferred value) and reject.
	CheckReceived(received []O) (ack, nak, reject []O)

	// ProcessNak updates our desired option set in response to a
	// Configure-Nak and reports whether our next proposal differs from
	// the one that was nak'd. The engine does not end negotiation when
	// a nak changes nothing; it sends the next Configure-Request anyway.
	ProcessNak(nak []O) (changed bool)

	// ProcessReject drops rejected options from our desired set.
	ProcessReject(rejected []O)

	// Accepted records the options the peer just ack'd for us — the
	// "our_opts" projection (spec §3 CpOpts).
	Accepted(acked []O)

	// PeerRequested records the options we just ack'd for the peer —
	// the "his_opts" projection.
	PeerRequested(acked []O)

	// EncodeBody and DecodeBody bridge O to the wire-level CpBody the
	// ppp codec understands (Options for LCP, IpcpOptions for IPCP).
	EncodeBody(opts []O) ppp.CpBody
	DecodeBody(body ppp.CpBody) []O
}

// Timing holds the restart-timer and retry-count parameters (RFC 1661
// §4.2), plus the opt-in Echo-Request keepalive this engine carries
// independently of the restart timer: it only runs once a CP reaches
// Opened, and is off by default (KeepaliveInterval == 0).
type Timing struct {
	RestartTimer time.Duration
	MaxConfigure int
	MaxTerminate int
	MaxFailure   int

	KeepaliveInterval time.Duration // 0 disables the Echo-Request keepalive
	KeepaliveMaxMissed int          // consecutive missed replies before closing
}

// DefaultTiming matches RFC 1661's suggested defaults, with the
// keepalive left disabled.
func DefaultTiming() Timing {
	return Timing{
		RestartTimer: 3 * time.Second,
		MaxConfigure: 10,
		MaxTerminate: 2,
		MaxFailure:   5,
	}
}

// magicSource is an optional Policy capability: a policy that carries a
// local magic number (LCP) can have it echoed on keepalive frames.
// IPCP's policy doesn't implement this, so its keepalive (if ever
// enabled) just sends a zero magic.
type magicSource interface {
	Magic() uint32
}

// Automaton is the generic CP-FSM engine (spec §4.2). One Automaton
// instance exists per CP per link (one for LCP, one for IPCP).
type Automaton[O any] struct {
	policy Policy[O]
	timing Timing
	logger *zap.Logger

	state State

	ourOpts []O // options peer acked for us
	hisOpts []O // options we acked for peer

	restartCount int
	failureCount int
	identifier   uint8
	lastSentID   uint8

	restartTimer *time.Timer
	timerGen     int // guards against a cancelled-then-fired timer
	timerMu      sync.Mutex

	keepaliveTimer *time.Timer
	keepaliveGen   int
	missedEchoes   int
	echoID         uint8

	sendFrame func(*ppp.CpPacket) error

	onUp               func(our, his []O)
	onDown             func()
	onStarted          func()
	onFinished         func()
	onRestartExhausted func()
	onCodeReject       func()

	mu      sync.Mutex
	pending []func() // notifications queued while mu is held, fired after release
}

// New builds an Automaton in the Initial state.
func New[O any](policy Policy[O], timing Timing, sendFrame func(*ppp.CpPacket) error, logger *zap.Logger) *Automaton[O] {
	return &Automaton[O]{
		policy:    policy,
		timing:    timing,
		sendFrame: sendFrame,
		logger:    logger,
		state:     StateInitial,
	}
}

// OnUp, OnDown, OnStarted and OnFinished register the notifications the
// parent (the Link orchestrator) reacts to, per spec §4.2.
func (a *Automaton[O]) OnUp(f func(our, his []O)) { a.onUp = f }
func (a *Automaton[O]) OnDown(f func())           { a.onDown = f }
func (a *Automaton[O]) OnStarted(f func())        { a.onStarted = f }
func (a *Automaton[O]) OnFinished(f func())       { a.onFinished = f }

// OnRestartExhausted registers a callback fired when the restart
// counter reaches zero before reaching Opened/Closed (spec §8
// Scenario F) — distinct from OnFinished, which also fires on a
// voluntary Terminate-Ack exchange.
func (a *Automaton[O]) OnRestartExhausted(f func()) { a.onRestartExhausted = f }

// OnCodeReject registers a callback fired whenever this automaton
// sends a Code-Reject for an unrecognized CP code (spec §7 kind 3).
func (a *Automaton[O]) OnCodeReject(f func()) { a.onCodeReject = f }

func (a *Automaton[O]) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Automaton[O]) OurOpts() []O {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ourOpts
}

func (a *Automaton[O]) HisOpts() []O {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hisOpts
}

// queue defers a notification until the current runLocked call releases
// a.mu, so a parent handler (e.g. the Link orchestrator) can safely
// re-enter this automaton — call Close, for instance — from inside the
// callback without deadlocking on a.mu (spec §5: suspension points lie
// strictly between events, never inside one).
func (a *Automaton[O]) queue(f func()) {
	a.pending = append(a.pending, f)
}

// runLocked executes fn while holding a.mu, then fires any
// notifications fn queued, after releasing the lock.
func (a *Automaton[O]) runLocked(fn func() error) error {
	a.mu.Lock()
	err := fn()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, f := range pending {
		f()
	}
	return err
}

func (a *Automaton[O]) setState(s State) {
	if a.state == s {
		return
	}
	old := a.state
	a.state = s
	a.logger.Debug("cpfsm state change",
		zap.Uint16("protocol", uint16(a.policy.ProtocolNumber())),
		zap.String("from", old.String()),
		zap.String("to", s.String()),
	)
}

// LowerUp is called when the lower layer becomes available.
func (a *Automaton[O]) LowerUp() {
	a.runLocked(func() error {
		switch a.state {
		case StateInitial:
			a.setState(StateClosed)
		case StateStarting:
			a.irc()
			a.scr()
			a.setState(StateReqSent)
		}
		return nil
	})
}

// LowerDown is called when the lower layer drops.
func (a *Automaton[O]) LowerDown() {
	a.runLocked(func() error {
		a.cancelTimer()

		switch a.state {
		case StateClosed, StateClosing:
			a.setState(StateInitial)
		case StateStopped, StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
			a.setState(StateStarting)
		case StateOpened:
			a.tld()
			a.setState(StateStarting)
		}
		return nil
	})
}

// Open administratively opens the connection (spec §4.2 "Open" event).
func (a *Automaton[O]) Open() {
	a.runLocked(func() error {
		switch a.state {
		case StateInitial:
			a.tls()
			a.setState(StateStarting)
		case StateClosed:
			a.irc()
			a.scr()
			a.setState(StateReqSent)
		case StateClosing:
			a.setState(StateStopping)
		}
		return nil
	})
}

// Close administratively closes the connection. Safe to call
// re-entrantly from an OnUp/OnDown/OnFinished callback: runLocked
// releases a.mu before firing the notification that led here.
func (a *Automaton[O]) Close(reason string) {
	a.runLocked(func() error {
		a.closeLocked(reason)
		return nil
	})
}

func (a *Automaton[O]) closeLocked(reason string) {
	switch a.state {
	case StateStarting:
		a.tlf()
		a.setState(StateInitial)
	case StateStopped:
		a.setState(StateClosed)
	case StateStopping:
		a.setState(StateClosing)
	case StateOpened:
		a.tld()
		a.irc()
		a.str(reason)
		a.setState(StateClosing)
	case StateReqSent, StateAckRcvd, StateAckSent:
		a.irc()
		a.str(reason)
		a.setState(StateClosing)
	}
}

// FrameIn dispatches a decoded CP packet to the automaton (spec §9
// "frame_in" capability). It is the single entry point the Link
// orchestrator uses once a frame has been routed to this CP.
func (a *Automaton[O]) FrameIn(pkt *ppp.CpPacket) error {
	return a.runLocked(func() error {
		switch pkt.Code {
		case ppp.CodeConfigureRequest:
			return a.receiveConfigureRequest(pkt)
		case ppp.CodeConfigureAck:
			return a.receiveConfigureAck(pkt)
		case ppp.CodeConfigureNak:
			return a.receiveConfigureNak(pkt)
		case ppp.CodeConfigureReject:
			return a.receiveConfigureReject(pkt)
		case ppp.CodeTerminateRequest:
			return a.receiveTerminateRequest(pkt)
		case ppp.CodeTerminateAck:
			return a.receiveTerminateAck(pkt)
		case ppp.CodeCodeReject:
			return a.receiveCodeReject(pkt)
		case ppp.CodeProtocolReject:
			return a.receiveProtocolReject(pkt)
		case ppp.CodeEchoRequest:
			return a.receiveEchoRequest(pkt)
		case ppp.CodeEchoReply:
			a.missedEchoes = 0
			return nil
		case ppp.CodeDiscardRequest:
			return nil
		default:
			// Unknown code for this CP: generalizing the teacher's LCP-only
			// behavior, every CP rejects it uniformly rather than only LCP
			// doing so and IPCP silently dropping it.
			return a.sendCodeReject(pkt)
		}
	})
}

// receiveEchoRequest always replies, regardless of whether the
// keepalive is enabled: RFC 1661 requires any implementation to answer
// an Echo-Request while Opened.
func (a *Automaton[O]) receiveEchoRequest(pkt *ppp.CpPacket) error {
	if a.state != StateOpened {
		return nil
	}
	reply := &ppp.CpPacket{
		Protocol:   a.policy.ProtocolNumber(),
		Code:       ppp.CodeEchoReply,
		Identifier: pkt.Identifier,
	}
	reply.Body.Echo.Magic = a.localMagic()
	reply.Body.Echo.Message = pkt.Body.Echo.Message
	return a.sendFrame(reply)
}

func (a *Automaton[O]) localMagic() uint32 {
	if m, ok := a.policy.(magicSource); ok {
		return m.Magic()
	}
	return 0
}

func (a *Automaton[O]) receiveConfigureRequest(pkt *ppp.CpPacket) error {
	received := a.policy.DecodeBody(pkt.Body)
	ack, nak, reject := a.policy.CheckReceived(received)

	var code ppp.CpCode
	var outOpts []O
	switch {
	case len(reject) > 0:
		code = ppp.CodeConfigureReject
		outOpts = reject
	case len(nak) > 0:
		code = ppp.CodeConfigureNak
		outOpts = nak
	default:
		code = ppp.CodeConfigureAck
		outOpts = ack
	}

	if err := a.send(code, pkt.Identifier, outOpts); err != nil {
		return err
	}

	if code == ppp.CodeConfigureAck {
		a.policy.PeerRequested(ack)
		a.hisOpts = ack
	}

	switch a.state {
	case StateClosed:
		return a.sendTerminateAck(pkt.Identifier)
	case StateStopped:
		a.irc()
		a.scr()
		if code == ppp.CodeConfigureAck {
			a.setState(StateAckSent)
		} else {
			a.setState(StateReqSent)
		}
	case StateReqSent:
		if code == ppp.CodeConfigureAck {
			a.setState(StateAckSent)
		}
	case StateAckRcvd:
		if code == ppp.CodeConfigureAck {
			a.tlu()
			a.setState(StateOpened)
		}
	case StateAckSent:
		if code != ppp.CodeConfigureAck {
			a.setState(StateReqSent)
		}
	case StateOpened:
		a.tld()
		a.scr()
		if code == ppp.CodeConfigureAck {
			a.setState(StateAckSent)
		} else {
			a.setState(StateReqSent)
		}
	}
	return nil
}

func (a *Automaton[O]) receiveConfigureAck(pkt *ppp.CpPacket) error {
	if pkt.Identifier != a.lastSentID {
		a.logger.Debug("cpfsm configure-ack with stale identifier",
			zap.Uint8("expected", a.lastSentID), zap.Uint8("got", pkt.Identifier))
		return nil
	}
	a.cancelTimer()
	acked := a.policy.DecodeBody(pkt.Body)
	a.policy.Accepted(acked)
	a.ourOpts = acked

	switch a.state {
	case StateClosed, StateStopped:
		return a.sendTerminateAck(pkt.Identifier)
	case StateReqSent:
		a.irc()
		a.setState(StateAckRcvd)
	case StateAckRcvd:
		a.scr()
		a.setState(StateReqSent)
	case StateAckSent:
		a.irc()
		a.tlu()
		a.setState(StateOpened)
	case StateOpened:
		a.tld()
		a.scr()
		a.setState(StateReqSent)
	}
	return nil
}

func (a *Automaton[O]) receiveConfigureNak(pkt *ppp.CpPacket) error {
	if pkt.Identifier != a.lastSentID {
		return nil
	}
	a.cancelTimer()

	nak := a.policy.DecodeBody(pkt.Body)
	changed := a.policy.ProcessNak(nak)
	if !changed {
		a.failureCount++
	}

	switch a.state {
	case StateClosed, StateStopped:
		return a.sendTerminateAck(pkt.Identifier)
	case StateReqSent, StateAckSent:
		a.irc()
		a.scr()
	case StateAckRcvd:
		a.scr()
		a.setState(StateReqSent)
	case StateOpened:
		a.tld()
		a.scr()
		a.setState(StateReqSent)
	}
	return nil
}

func (a *Automaton[O]) receiveConfigureReject(pkt *ppp.CpPacket) error {
	if pkt.Identifier != a.lastSentID {
		return nil
	}
	a.cancelTimer()

	rejected := a.policy.DecodeBody(pkt.Body)
	a.policy.ProcessReject(rejected)

	switch a.state {
	case StateClosed, StateStopped:
		return a.sendTerminateAck(pkt.Identifier)
	case StateReqSent, StateAckSent:
		a.irc()
		a.scr()
	case StateAckRcvd:
		a.scr()
		a.setState(StateReqSent)
	case StateOpened:
		a.tld()
		a.scr()
		a.setState(StateReqSent)
	}
	return nil
}

func (a *Automaton[O]) receiveTerminateRequest(pkt *ppp.CpPacket) error {
	a.cancelTimer()
	switch a.state {
	case StateClosed, StateStopped, StateClosing, StateStopping:
		return a.sendTerminateAck(pkt.Identifier)
	case StateReqSent, StateAckRcvd, StateAckSent:
		if err := a.sendTerminateAck(pkt.Identifier); err != nil {
			return err
		}
		a.setState(StateStopped)
	case StateOpened:
		a.tld()
		a.restartCount = 0
		if err := a.sendTerminateAck(pkt.Identifier); err != nil {
			return err
		}
		a.setState(StateStopping)
	}
	return nil
}

func (a *Automaton[O]) receiveTerminateAck(pkt *ppp.CpPacket) error {
	a.cancelTimer()
	switch a.state {
	case StateClosing:
		a.tlf()
		a.setState(StateClosed)
	case StateStopping:
		a.tlf()
		a.setState(StateStopped)
	case StateAckRcvd:
		a.setState(StateReqSent)
	case StateOpened:
		a.tld()
		a.scr()
		a.setState(StateReqSent)
	}
	return nil
}

func (a *Automaton[O]) receiveCodeReject(pkt *ppp.CpPacket) error {
	if len(pkt.Body.CodeReject) > 0 {
		rejected := ppp.CpCode(pkt.Body.CodeReject[0])
		if rejected >= ppp.CodeConfigureRequest && rejected <= ppp.CodeConfigureReject {
			a.closeLocked("critical code rejected by peer")
		}
	}
	return nil
}

func (a *Automaton[O]) receiveProtocolReject(pkt *ppp.CpPacket) error {
	if pkt.Body.ProtocolReject.Protocol == a.policy.ProtocolNumber() {
		a.closeLocked("protocol rejected by peer")
	}
	return nil
}

// send encodes and transmits a Configure-* packet.
func (a *Automaton[O]) send(code ppp.CpCode, id uint8, opts []O) error {
	pkt := &ppp.CpPacket{
		Protocol:   a.policy.ProtocolNumber(),
		Code:       code,
		Identifier: id,
		Body:       a.policy.EncodeBody(opts),
	}
	return a.sendFrame(pkt)
}

func (a *Automaton[O]) scr() {
	a.identifier++
	a.lastSentID = a.identifier
	opts := a.policy.BuildRequestOptions()
	if err := a.send(ppp.CodeConfigureRequest, a.identifier, opts); err != nil {
		a.logger.Warn("cpfsm: failed to send configure-request", zap.Error(err))
	}
	a.startTimer()
	a.restartCount--
}

func (a *Automaton[O]) str(reason string) {
	a.identifier++
	pkt := &ppp.CpPacket{
		Protocol:   a.policy.ProtocolNumber(),
		Code:       ppp.CodeTerminateRequest,
		Identifier: a.identifier,
		Body:       ppp.CpBody{TermData: []byte(reason)},
	}
	if err := a.sendFrame(pkt); err != nil {
		a.logger.Warn("cpfsm: failed to send terminate-request", zap.Error(err))
	}
	a.startTimer()
	a.restartCount--
}

func (a *Automaton[O]) sendTerminateAck(id uint8) error {
	pkt := &ppp.CpPacket{
		Protocol:   a.policy.ProtocolNumber(),
		Code:       ppp.CodeTerminateAck,
		Identifier: id,
	}
	return a.sendFrame(pkt)
}

func (a *Automaton[O]) sendCodeReject(rejected *ppp.CpPacket) error {
	a.identifier++
	raw, err := rejected.Encode()
	if err != nil {
		return fmt.Errorf("cpfsm: encode rejected packet: %w", err)
	}
	pkt := &ppp.CpPacket{
		Protocol:   a.policy.ProtocolNumber(),
		Code:       ppp.CodeCodeReject,
		Identifier: a.identifier,
		Body:       ppp.CpBody{CodeReject: raw},
	}
	if a.onCodeReject != nil {
		onCodeReject := a.onCodeReject
		a.queue(func() { onCodeReject() })
	}
	return a.sendFrame(pkt)
}

// irc (Initialize-Restart-Count) resets the restart counter to its
// configured max per spec §4.2.
func (a *Automaton[O]) irc() {
	a.restartCount = a.timing.MaxConfigure
	a.failureCount = 0
}

// tlu / tld / tls / tlf are the This-Layer-* actions (RFC 1661 §4.2).
// Each queues its notification rather than firing it inline, so the
// parent's handler can re-enter the automaton (e.g. call Close) once
// runLocked has released a.mu.
func (a *Automaton[O]) tlu() {
	a.startKeepalive()
	if a.onUp == nil {
		return
	}
	onUp, our, his := a.onUp, a.ourOpts, a.hisOpts
	a.queue(func() { onUp(our, his) })
}

func (a *Automaton[O]) tld() {
	a.stopKeepalive()
	if a.onDown == nil {
		return
	}
	onDown := a.onDown
	a.queue(func() { onDown() })
}

func (a *Automaton[O]) tls() {
	if a.onStarted == nil {
		return
	}
	onStarted := a.onStarted
	a.queue(func() { onStarted() })
}

func (a *Automaton[O]) tlf() {
	if a.onFinished == nil {
		return
	}
	onFinished := a.onFinished
	a.queue(func() { onFinished() })
}

func (a *Automaton[O]) startTimer() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.restartTimer != nil {
		a.restartTimer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.restartTimer = time.AfterFunc(a.timing.RestartTimer, func() {
		a.timeout(gen)
	})
}

func (a *Automaton[O]) cancelTimer() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
	a.timerGen++
}

func (a *Automaton[O]) startKeepalive() {
	if a.timing.KeepaliveInterval <= 0 {
		return
	}
	a.missedEchoes = 0
	a.keepaliveGen++
	gen := a.keepaliveGen
	a.keepaliveTimer = time.AfterFunc(a.timing.KeepaliveInterval, func() { a.keepaliveFire(gen) })
}

func (a *Automaton[O]) stopKeepalive() {
	if a.keepaliveTimer != nil {
		a.keepaliveTimer.Stop()
		a.keepaliveTimer = nil
	}
	a.keepaliveGen++
}

func (a *Automaton[O]) keepaliveFire(gen int) {
	a.runLocked(func() error {
		if gen != a.keepaliveGen || a.state != StateOpened {
			return nil
		}

		maxMissed := a.timing.KeepaliveMaxMissed
		if maxMissed <= 0 {
			maxMissed = 3
		}
		if a.missedEchoes >= maxMissed {
			a.logger.Warn("cpfsm: keepalive timeout, closing",
				zap.Uint16("protocol", uint16(a.policy.ProtocolNumber())))
			a.closeLocked("keepalive timeout")
			return nil
		}

		a.missedEchoes++
		a.echoID++
		pkt := &ppp.CpPacket{
			Protocol:   a.policy.ProtocolNumber(),
			Code:       ppp.CodeEchoRequest,
			Identifier: a.echoID,
		}
		pkt.Body.Echo.Magic = a.localMagic()
		if err := a.sendFrame(pkt); err != nil {
			a.logger.Warn("cpfsm: failed to send echo-request", zap.Error(err))
		}

		nextGen := a.keepaliveGen
		a.keepaliveTimer = time.AfterFunc(a.timing.KeepaliveInterval, func() { a.keepaliveFire(nextGen) })
		return nil
	})
}

func (a *Automaton[O]) timeout(gen int) {
	a.timerMu.Lock()
	current := a.timerGen
	a.timerMu.Unlock()
	if gen != current {
		return // cancelled-then-fired timer, discarded per spec §5
	}

	a.runLocked(func() error {
		if a.restartCount > 0 {
			switch a.state {
			case StateClosing, StateStopping:
				a.str("restart timeout")
			case StateReqSent, StateAckRcvd, StateAckSent:
				a.scr()
			}
			return nil
		}

		if a.onRestartExhausted != nil {
			onRestartExhausted := a.onRestartExhausted
			a.queue(func() { onRestartExhausted() })
		}

		switch a.state {
		case StateClosing:
			a.tlf()
			a.setState(StateClosed)
		case StateStopping:
			a.tlf()
			a.setState(StateStopped)
		case StateReqSent, StateAckRcvd, StateAckSent:
			a.tlf()
			a.setState(StateStopped)
		}
		return nil
	})
}
