// Package link implements the top-level PPP link orchestrator: the
// phase sequencing (Establish -> Auth -> Network -> Terminating) that
// drives the LCP and IPCP sub-automatons and the authentication
// driver(s), demultiplexes inbound frames by protocol and phase, and
// emits accounting records. It is grounded on the teacher's
// pkg/pppoe/server.go discovery-to-termination flow, but drives the
// real cpfsm-based LCP/IPCP engines instead of server.go's inline
// ack-everything logic.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/accounting"
	"github.com/codelaboratoryltd/ppplink/pkg/auth"
	"github.com/codelaboratoryltd/ppplink/pkg/cpfsm"
	"github.com/codelaboratoryltd/ppplink/pkg/ipcp"
	"github.com/codelaboratoryltd/ppplink/pkg/lcp"
	"github.com/codelaboratoryltd/ppplink/pkg/metrics"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
	"github.com/codelaboratoryltd/ppplink/pkg/transport"
)

// Phase is the link's high-level state per RFC 1661 §3.
type Phase int

const (
	PhaseEstablish Phase = iota
	PhaseAuth
	PhaseNetwork
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseEstablish:
		return "Establish"
	case PhaseAuth:
		return "Auth"
	case PhaseNetwork:
		return "Network"
	case PhaseTerminating:
		return "Terminating"
	default:
		return "Unknown"
	}
}

// AccountingSink is the fire-and-forget accounting emitter a Link
// submits records to. *accounting.Sink implements it; tests can supply
// a fake.
type AccountingSink interface {
	Emit(rec accounting.Record)
}

// ProveIdentity configures the UsToPeer direction: the credentials this
// end offers when the peer demands that we authenticate to them.
type ProveIdentity struct {
	Name   string
	Secret string
}

// Config holds everything a Link needs to negotiate and run one
// session.
type Config struct {
	SessionID     string // generated via uuid if empty
	NASIdentifier string

	LCP        lcp.Config
	LCPTiming  cpfsm.Timing // zero value -> cpfsm.DefaultTiming()
	IPCP       ipcp.Config
	IPCPTiming cpfsm.Timing

	// PeerProvider verifies a PAP Authenticate-Request from the peer
	// (PeerToUs direction). If it is nil and LCP negotiated Auth for that
	// direction, authentication of the peer fails and the link is closed.
	PeerProvider auth.CredentialProvider
	// ProveIdentity, if set, proves our own identity to the peer
	// (UsToPeer direction) when the peer demands authentication.
	ProveIdentity *ProveIdentity

	// InterimInterval is the accounting interim-update period. Default
	// 10s if zero.
	InterimInterval time.Duration

	// BaseOpts seeds the session_opts merge (§4.7): PeerProvider's
	// returned overrides are layered on top with last-write-wins.
	// Recognized keys: "peer_ip" (dotted-quad, overrides IPCP.PeerIP),
	// "username" (overrides the accounting UserName).
	BaseOpts map[string]string

	Rates accounting.LineRates // DSL-Forum line-rate attributes to forward on accounting
}

// Link is one PPP session's orchestrator. One instance exists per
// session; it owns no shared mutable state with any other Link.
type Link struct {
	cfg     Config
	tr      transport.Transport
	sink    AccountingSink
	logger  *zap.Logger
	metrics *metrics.Metrics // nil disables instrumentation

	mu          sync.Mutex
	phase       Phase
	sessionID   string
	username    string
	mergedOpts  map[string]string

	lcpPolicy *lcp.Policy
	lcpFSM    *cpfsm.Automaton[ppp.Option]

	ipcpPolicy *ipcp.Policy
	ipcpFSM    *cpfsm.Automaton[ppp.IpcpOption]

	authDrivers map[auth.Direction]*auth.PapAuthenticator
	authPending map[auth.Direction]bool

	sessionStart time.Time
	interimTimer *time.Timer
	interimGen   int

	accountingStarted bool
	accountingStopped bool

	protoRejectID  uint8
	malformedCount uint64
}

// New builds a Link in phase Establish; call Start to begin
// negotiation.
func New(cfg Config, tr transport.Transport, sink AccountingSink, logger *zap.Logger) (*Link, error) {
	if cfg.NASIdentifier == "" {
		return nil, fmt.Errorf("link: NAS identifier required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.InterimInterval <= 0 {
		cfg.InterimInterval = 10 * time.Second
	}
	if cfg.LCPTiming == (cpfsm.Timing{}) {
		cfg.LCPTiming = cpfsm.DefaultTiming()
	}
	if cfg.IPCPTiming == (cpfsm.Timing{}) {
		cfg.IPCPTiming = cpfsm.DefaultTiming()
	}

	l := &Link{
		cfg:         cfg,
		tr:          tr,
		sink:        sink,
		logger:      logger,
		phase:       PhaseEstablish,
		sessionID:   cfg.SessionID,
		mergedOpts:  map[string]string{},
		authDrivers: map[auth.Direction]*auth.PapAuthenticator{},
		authPending: map[auth.Direction]bool{},
	}
	for k, v := range cfg.BaseOpts {
		l.mergedOpts[k] = v
	}
	if u, ok := l.mergedOpts["username"]; ok {
		l.username = u
	}

	lcpPolicy, err := lcp.New(cfg.LCP)
	if err != nil {
		return nil, fmt.Errorf("link: build lcp policy: %w", err)
	}
	l.lcpPolicy = lcpPolicy
	l.lcpFSM = cpfsm.New[ppp.Option](lcpPolicy, cfg.LCPTiming, l.sendLcp, logger)
	l.lcpFSM.OnUp(l.onLcpUp)
	l.lcpFSM.OnDown(l.onLcpDown)
	l.lcpFSM.OnFinished(l.onLcpFinished)
	l.lcpFSM.OnRestartExhausted(func() { l.recordRestartExhaustion("lcp") })
	l.lcpFSM.OnCodeReject(func() { l.recordCodeReject("lcp") })

	return l, nil
}

// SetMetrics enables Prometheus instrumentation for this link. Must be
// called before Start; nil (the default) disables it.
func (l *Link) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// SessionID returns this link's session identifier.
func (l *Link) SessionID() string { return l.sessionID }

// Phase returns the link's current high-level state.
func (l *Link) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Start brings LCP up and begins negotiation (RFC 1661 §3's
// Establish phase).
func (l *Link) Start() {
	l.lcpFSM.LowerUp()
	l.lcpFSM.Open()
}

// sendLcp and sendIpcp adapt cpfsm's *ppp.CpPacket callback to the
// top-level Frame codec and the transport.
func (l *Link) sendLcp(pkt *ppp.CpPacket) error {
	return l.sendFrame(&ppp.Frame{Protocol: ppp.ProtocolLCP, Lcp: pkt})
}

func (l *Link) sendIpcp(pkt *ppp.CpPacket) error {
	return l.sendFrame(&ppp.Frame{Protocol: ppp.ProtocolIPCP, Ipcp: pkt})
}

func (l *Link) sendFrame(f *ppp.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("link: encode frame: %w", err)
	}
	return l.tr.Send(data)
}

// FrameIn is the single entry point for an inbound PPP payload (the
// transport's Recv result). It never blocks: decode errors are
// silently dropped per the malformed-frame error kind, counted for
// diagnostics.
func (l *Link) FrameIn(raw []byte) {
	f, err := ppp.Decode(raw)
	if err != nil {
		l.mu.Lock()
		l.malformedCount++
		l.mu.Unlock()
		l.logger.Debug("link: dropping malformed frame", zap.Error(err))
		l.recordDecodeError(err)
		return
	}
	if err := l.dispatch(raw, f); err != nil {
		l.logger.Warn("link: error handling frame", zap.Error(err))
	}
}

func (l *Link) currentPhase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// dispatch applies the per-phase packet filter (RFC 1661 §3) before
// routing to a sub-automaton.
func (l *Link) dispatch(raw []byte, f *ppp.Frame) error {
	switch l.currentPhase() {
	case PhaseEstablish:
		if f.Lcp != nil {
			return l.lcpFSM.FrameIn(f.Lcp)
		}
		return nil

	case PhaseAuth:
		if f.Lcp != nil {
			return l.lcpFSM.FrameIn(f.Lcp)
		}
		if f.Pap != nil {
			return l.handlePap(f.Pap)
		}
		return nil

	case PhaseNetwork:
		if f.Lcp != nil {
			return l.lcpFSM.FrameIn(f.Lcp)
		}
		l.mu.Lock()
		ipcpFSM := l.ipcpFSM
		l.mu.Unlock()
		if f.Ipcp != nil && ipcpFSM != nil {
			return ipcpFSM.FrameIn(f.Ipcp)
		}
		if f.Ipv4 != nil {
			return nil // forwarding to an upward sink is out of scope here
		}
		return l.sendProtocolReject(f.Protocol, raw)

	case PhaseTerminating:
		// Any non-LCP frame is discarded and the phase stays
		// Terminating; it does not fall back to Establish.
		if f.Lcp != nil {
			return l.lcpFSM.FrameIn(f.Lcp)
		}
		return nil
	}
	return nil
}

func (l *Link) handlePap(msg *ppp.PapMessage) error {
	var dir auth.Direction
	if msg.Code == ppp.PapCodeAuthenticateRequest {
		dir = auth.PeerToUs
	} else {
		dir = auth.UsToPeer
	}

	l.mu.Lock()
	driver := l.authDrivers[dir]
	l.mu.Unlock()
	if driver == nil {
		return nil
	}
	return driver.FrameIn(context.Background(), msg)
}

// sendProtocolReject answers an unrecognized Network-phase protocol
// with an LCP Protocol-Reject carrying up to the negotiated MRU bytes
// of the offending packet's Information field (Scenario C). raw starts
// at the 2-byte Protocol field (RFC 1661 §5.7's Rejected-Protocol
// already carries that), so the echoed Info strips it off first.
func (l *Link) sendProtocolReject(proto ppp.ProtocolNumber, raw []byte) error {
	info := raw
	if len(info) >= 2 {
		info = info[2:]
	}
	mru := int(l.lcpPolicy.MRU())
	if mru <= 0 || mru > len(info) {
		mru = len(info)
	}

	l.mu.Lock()
	l.protoRejectID++
	id := l.protoRejectID
	l.mu.Unlock()

	pkt := &ppp.CpPacket{
		Protocol:   ppp.ProtocolLCP,
		Code:       ppp.CodeProtocolReject,
		Identifier: id,
	}
	pkt.Body.ProtocolReject.Protocol = proto
	pkt.Body.ProtocolReject.Info = append([]byte{}, info[:mru]...)
	if l.metrics != nil {
		l.metrics.RecordProtocolReject(fmt.Sprintf("0x%04x", uint16(proto)))
	}
	return l.sendLcp(pkt)
}

func (l *Link) recordRestartExhaustion(protocol string) {
	if l.metrics != nil {
		l.metrics.RecordRestartExhaustion(protocol)
	}
}

func (l *Link) recordCodeReject(protocol string) {
	if l.metrics != nil {
		l.metrics.RecordCodeReject(protocol)
	}
}

func (l *Link) recordDecodeError(err error) {
	if l.metrics == nil {
		return
	}
	var de *ppp.DecodeError
	kind := "unknown"
	if errors.As(err, &de) {
		kind = de.Kind
	}
	l.metrics.RecordDecodeError(kind)
}

// onLcpUp reacts to LCP reaching Opened (RFC 1661 §3 Establish ->
// Auth/Network). our carries the options the peer ack'd for us (so an
// Auth option here means the peer agreed to authenticate itself to
// us); his carries what we ack'd for the peer (an Auth option here
// means we agreed to authenticate ourselves to the peer).
func (l *Link) onLcpUp(our, his []ppp.Option) {
	l.mu.Lock()

	var needPeerToUs, needUsToPeer bool
	var peerToUsProto, usToPeerProto ppp.AuthProto
	for _, opt := range our {
		if opt.Type == ppp.OptAuth {
			needPeerToUs = true
			peerToUsProto = opt.Auth
		}
	}
	for _, opt := range his {
		if opt.Type == ppp.OptAuth {
			needUsToPeer = true
			usToPeerProto = opt.Auth
		}
	}

	if !needPeerToUs && !needUsToPeer {
		l.mu.Unlock()
		l.startNetwork()
		return
	}

	l.phase = PhaseAuth
	if needPeerToUs {
		l.authPending[auth.PeerToUs] = true
	}
	if needUsToPeer {
		l.authPending[auth.UsToPeer] = true
	}
	l.mu.Unlock()

	if needPeerToUs {
		l.startPeerToUsAuth(peerToUsProto)
	}
	if needUsToPeer {
		l.startUsToPeerAuth(usToPeerProto)
	}
}

func (l *Link) startPeerToUsAuth(proto ppp.AuthProto) {
	if proto.Kind != ppp.AuthPap || l.cfg.PeerProvider == nil {
		l.finishAuth(auth.Result{Direction: auth.PeerToUs, Success: false, RejectReason: "no PAP credential provider configured"})
		return
	}
	driver := auth.NewPeerAuthenticator(l.cfg.PeerProvider, l.sendPap, l.logger)
	driver.OnResult(l.onAuthResult)

	l.mu.Lock()
	l.authDrivers[auth.PeerToUs] = driver
	l.mu.Unlock()
}

func (l *Link) startUsToPeerAuth(proto ppp.AuthProto) {
	if proto.Kind != ppp.AuthPap || l.cfg.ProveIdentity == nil {
		l.finishAuth(auth.Result{Direction: auth.UsToPeer, Success: false, RejectReason: "no identity configured to prove to peer"})
		return
	}
	driver := auth.NewWithPeerAuthenticator(l.cfg.ProveIdentity.Name, l.cfg.ProveIdentity.Secret, l.sendPap, l.logger)
	driver.OnResult(l.onAuthResult)

	l.mu.Lock()
	l.authDrivers[auth.UsToPeer] = driver
	l.mu.Unlock()

	_ = driver.Start()
}

func (l *Link) sendPap(msg *ppp.PapMessage) error {
	return l.sendFrame(&ppp.Frame{Protocol: ppp.ProtocolPAP, Pap: msg})
}

func (l *Link) onAuthResult(r auth.Result) {
	l.finishAuth(r)
}

// finishAuth processes one direction's authentication outcome
// (RFC 1661 §3 Authenticate phase). A failure drives LCP closed with a
// human-readable reason and moves the link to Terminating; the other
// direction's driver, if still pending, is stopped.
func (l *Link) finishAuth(r auth.Result) {
	l.mu.Lock()
	delete(l.authPending, r.Direction)
	pendingEmpty := len(l.authPending) == 0
	l.mu.Unlock()

	if l.metrics != nil {
		result := "fail"
		if r.Success {
			result = "success"
		}
		l.metrics.RecordAuthResult(r.Direction.String(), result)
	}

	if !r.Success {
		var reason string
		if r.Direction == auth.PeerToUs {
			reason = "Authentication failed"
		} else {
			reason = "Failed to authenticate ourselves to peer"
		}
		l.stopOtherAuthDrivers(r.Direction)
		l.mu.Lock()
		l.phase = PhaseTerminating
		// A session that failed authentication emits no accounting, so
		// the Stop that LCP Finished would otherwise send is suppressed.
		l.accountingStopped = true
		l.mu.Unlock()
		l.lcpFSM.Close(reason)
		return
	}

	if r.Direction == auth.PeerToUs {
		l.mu.Lock()
		merged := mergeOpts(l.mergedOpts, r.SessionOpts)
		l.mergedOpts = merged
		if u, ok := merged["username"]; ok {
			l.username = u
		} else if r.PeerID != "" {
			l.username = r.PeerID
		}
		l.mu.Unlock()
	}

	if pendingEmpty {
		l.startNetwork()
	}
}

func (l *Link) stopOtherAuthDrivers(except auth.Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for dir, d := range l.authDrivers {
		if dir != except {
			d.Stop()
		}
	}
}

// startNetwork is np_open: build IPCP, record the accounting start
// time and arm the interim-accounting timer.
func (l *Link) startNetwork() {
	l.mu.Lock()
	ipcpCfg := l.cfg.IPCP
	if ip, ok := l.mergedOpts["peer_ip"]; ok {
		if addr, ok2 := parseIPv4(ip); ok2 {
			ipcpCfg.PeerIP = addr
		}
	}
	ipcpCfg.SessionID = l.sessionID
	l.mu.Unlock()

	ipcpPolicy, err := ipcp.New(ipcpCfg)
	if err != nil {
		l.logger.Warn("link: failed to build ipcp policy", zap.Error(err))
		return
	}
	ipcpFSM := cpfsm.New[ppp.IpcpOption](ipcpPolicy, l.cfg.IPCPTiming, l.sendIpcp, l.logger)
	ipcpFSM.OnUp(l.onIpcpUp)
	ipcpFSM.OnDown(l.onIpcpDown)
	ipcpFSM.OnRestartExhausted(func() { l.recordRestartExhaustion("ipcp") })
	ipcpFSM.OnCodeReject(func() { l.recordCodeReject("ipcp") })

	l.mu.Lock()
	l.ipcpPolicy = ipcpPolicy
	l.ipcpFSM = ipcpFSM
	l.phase = PhaseNetwork
	l.sessionStart = time.Now()
	l.mu.Unlock()

	l.armInterimTimer(l.cfg.InterimInterval)

	ipcpFSM.LowerUp()
	ipcpFSM.Open()
}

func (l *Link) onIpcpUp(our, his []ppp.IpcpOption) {
	l.mu.Lock()
	started := l.accountingStarted
	l.accountingStarted = true
	rec := l.buildRecord(accounting.Start)
	l.mu.Unlock()
	if !started {
		l.sink.Emit(rec)
	}
}

func (l *Link) onIpcpDown() {
	l.mu.Lock()
	stopped := l.accountingStopped
	l.accountingStopped = true
	rec := l.buildRecord(accounting.Stop)
	l.phase = PhaseTerminating
	l.mu.Unlock()

	l.cancelInterimTimer()
	if !stopped {
		l.sink.Emit(rec)
	}
	// np_finished: close LCP, no network protocols running.
	l.lcpFSM.Close("No network protocols running")
}

func (l *Link) onLcpDown() {
	l.cancelInterimTimer()
}

func (l *Link) onLcpFinished() {
	l.mu.Lock()
	l.phase = PhaseTerminating
	stopped := l.accountingStopped
	l.accountingStopped = true
	rec := l.buildRecord(accounting.Stop)
	sessionID := l.sessionID
	sessionStart := l.sessionStart
	l.mu.Unlock()

	if !stopped {
		l.sink.Emit(rec)
	}
	if l.ipcpPolicy != nil {
		l.ipcpPolicy.Release()
	}
	if l.metrics != nil {
		outcome := "normal"
		var dur float64
		if sessionStart.IsZero() {
			outcome = "never-reached-network"
		} else {
			dur = time.Since(sessionStart).Seconds()
		}
		l.metrics.RecordSessionTerminated(outcome, dur)
	}
	if err := l.tr.Terminate(); err != nil {
		l.logger.Debug("link: terminate transport", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// buildRecord assembles an accounting.Record from the link's current
// negotiated state. Caller must hold l.mu.
func (l *Link) buildRecord(kind accounting.Kind) accounting.Record {
	rec := accounting.Record{
		Kind:      kind,
		SessionID: l.sessionID,
		Username:  l.username,
		Rates:     l.cfg.Rates,
	}
	if l.ipcpPolicy != nil {
		rec.FramedIP = uint32ToIP(l.ipcpPolicy.PeerIP())
	}
	if !l.sessionStart.IsZero() {
		rec.SessionTime = time.Since(l.sessionStart)
	}
	if l.tr != nil {
		c := l.tr.Counters(rec.FramedIP)
		rec.InputOctets, rec.OutputOctets = c.InOctets, c.OutOctets
		rec.InputPackets, rec.OutputPackets = c.InPackets, c.OutPackets
	}
	return rec
}

func (l *Link) armInterimTimer(interval time.Duration) {
	l.mu.Lock()
	l.interimGen++
	gen := l.interimGen
	if l.interimTimer != nil {
		l.interimTimer.Stop()
	}
	l.interimTimer = time.AfterFunc(interval, func() { l.interimFire(gen) })
	l.mu.Unlock()
}

func (l *Link) cancelInterimTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.interimTimer != nil {
		l.interimTimer.Stop()
		l.interimTimer = nil
	}
	l.interimGen++
}

// interimFire emits an Interim-Update and reschedules itself
// compensating for drift: next = interim - (now - start) mod interim.
func (l *Link) interimFire(gen int) {
	l.mu.Lock()
	if gen != l.interimGen || l.phase != PhaseNetwork {
		l.mu.Unlock()
		return
	}
	rec := l.buildRecord(accounting.Interim)
	start := l.sessionStart
	interval := l.cfg.InterimInterval
	l.mu.Unlock()

	l.sink.Emit(rec)

	elapsed := time.Since(start)
	drift := elapsed % interval
	next := interval - drift
	l.armInterimTimer(next)
}

// Close administratively tears the link down with the given reason.
func (l *Link) Close(reason string) {
	l.mu.Lock()
	l.phase = PhaseTerminating
	l.mu.Unlock()
	l.cancelInterimTimer()
	l.lcpFSM.Close(reason)
}

// parseIPv4 parses a dotted-quad string into its big-endian uint32
// representation, as used by ppp.IpcpOption's IpAddress payload.
func parseIPv4(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var v uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		v = v<<8 | uint32(n)
	}
	return v, true
}

// uint32ToIP renders an IPCP-negotiated address as a net.IP; zero maps
// to nil so accounting omits FramedIPAddress when nothing negotiated.
func uint32ToIP(v uint32) net.IP {
	if v == 0 {
		return nil
	}
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func mergeOpts(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
