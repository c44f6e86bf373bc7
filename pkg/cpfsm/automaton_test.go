package cpfsm_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/cpfsm"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

func TestCpfsm(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CP-FSM Automaton Suite")
}

// echoPolicy is a minimal Policy[ppp.Option] that always acks whatever
// the peer proposes and proposes a single Mru option of its own — just
// enough surface to exercise the generic state table.
type echoPolicy struct {
	proto   ppp.ProtocolNumber
	desired []ppp.Option
}

func (p *echoPolicy) ProtocolNumber() ppp.ProtocolNumber { return p.proto }
func (p *echoPolicy) BuildRequestOptions() []ppp.Option  { return p.desired }
func (p *echoPolicy) CheckReceived(received []ppp.Option) (ack, nak, reject []ppp.Option) {
	return received, nil, nil
}
func (p *echoPolicy) ProcessNak(nak []ppp.Option) bool { return false }
func (p *echoPolicy) ProcessReject(rejected []ppp.Option) {}
func (p *echoPolicy) Accepted(acked []ppp.Option)      {}
func (p *echoPolicy) PeerRequested(acked []ppp.Option) {}
func (p *echoPolicy) EncodeBody(opts []ppp.Option) ppp.CpBody {
	return ppp.CpBody{Options: opts}
}
func (p *echoPolicy) DecodeBody(body ppp.CpBody) []ppp.Option { return body.Options }

var _ = Describe("Automaton", func() {
	var (
		logger  *zap.Logger
		policy  *echoPolicy
		sent    []*ppp.CpPacket
		sentMu  sync.Mutex
		machine *cpfsm.Automaton[ppp.Option]
	)

	sendFrame := func(pkt *ppp.CpPacket) error {
		sentMu.Lock()
		defer sentMu.Unlock()
		sent = append(sent, pkt)
		return nil
	}

	lastSent := func() *ppp.CpPacket {
		sentMu.Lock()
		defer sentMu.Unlock()
		if len(sent) == 0 {
			return nil
		}
		return sent[len(sent)-1]
	}

	BeforeEach(func() {
		logger = zap.NewNop()
		policy = &echoPolicy{proto: ppp.ProtocolLCP, desired: []ppp.Option{ppp.NewMru(1500)}}
		sent = nil
		timing := cpfsm.DefaultTiming()
		timing.RestartTimer = 30 * time.Millisecond
		machine = cpfsm.New[ppp.Option](policy, timing, sendFrame, logger)
	})

	It("starts Initial and moves to Closed on LowerUp", func() {
		Expect(machine.State()).To(Equal(cpfsm.StateInitial))
		machine.LowerUp()
		Expect(machine.State()).To(Equal(cpfsm.StateClosed))
	})

	It("sends a Configure-Request and moves to Req-Sent on Open", func() {
		machine.LowerUp()
		machine.Open()
		Expect(machine.State()).To(Equal(cpfsm.StateReqSent))
		Expect(lastSent().Code).To(Equal(ppp.CodeConfigureRequest))
	})

	It("reaches Opened once both sides ack, firing tlu exactly once", func() {
		upCount := 0
		machine.OnUp(func(our, his []ppp.Option) { upCount++ })

		machine.LowerUp()
		machine.Open()

		reqID := lastSent().Identifier
		Expect(machine.FrameIn(&ppp.CpPacket{
			Protocol:   ppp.ProtocolLCP,
			Code:       ppp.CodeConfigureRequest,
			Identifier: 7,
			Body:       ppp.CpBody{Options: []ppp.Option{ppp.NewMru(1500)}},
		})).To(Succeed())
		Expect(lastSent().Code).To(Equal(ppp.CodeConfigureAck))

		Expect(machine.FrameIn(&ppp.CpPacket{
			Protocol:   ppp.ProtocolLCP,
			Code:       ppp.CodeConfigureAck,
			Identifier: reqID,
			Body:       ppp.CpBody{Options: []ppp.Option{ppp.NewMru(1500)}},
		})).To(Succeed())

		Expect(machine.State()).To(Equal(cpfsm.StateOpened))
		Expect(upCount).To(Equal(1))
	})

	It("exhausts the restart counter and fires Finished", func() {
		finished := false
		machine.OnFinished(func() { finished = true })

		machine.LowerUp()
		machine.Open()

		Eventually(func() bool { return finished }, "2s", "10ms").Should(BeTrue())
		Expect(machine.State()).To(Equal(cpfsm.StateStopped))
	})

	It("answers an Echo-Request while Opened even with keepalive disabled", func() {
		bringUp(machine, sendFrame, lastSent)

		Expect(machine.FrameIn(&ppp.CpPacket{
			Protocol: ppp.ProtocolLCP, Code: ppp.CodeEchoRequest, Identifier: 9,
		})).To(Succeed())
		Expect(lastSent().Code).To(Equal(ppp.CodeEchoReply))
		Expect(lastSent().Identifier).To(Equal(uint8(9)))
	})

	It("sends Echo-Requests and closes after missed replies once keepalive is enabled", func() {
		policy = &echoPolicy{proto: ppp.ProtocolLCP, desired: []ppp.Option{ppp.NewMru(1500)}}
		sent = nil
		timing := cpfsm.DefaultTiming()
		timing.RestartTimer = 30 * time.Millisecond
		timing.KeepaliveInterval = 20 * time.Millisecond
		timing.KeepaliveMaxMissed = 2
		machine = cpfsm.New[ppp.Option](policy, timing, sendFrame, logger)

		bringUp(machine, sendFrame, lastSent)

		Eventually(func() cpfsm.State { return machine.State() }, "2s", "10ms").Should(Equal(cpfsm.StateClosing))
	})
})

// bringUp drives a freshly-opened Automaton to Opened via the minimal
// two-way Configure-Request/Ack exchange shared by several tests.
func bringUp(machine *cpfsm.Automaton[ppp.Option], sendFrame func(*ppp.CpPacket) error, lastSent func() *ppp.CpPacket) {
	machine.LowerUp()
	machine.Open()
	reqID := lastSent().Identifier

	Expect(machine.FrameIn(&ppp.CpPacket{
		Protocol:   ppp.ProtocolLCP,
		Code:       ppp.CodeConfigureRequest,
		Identifier: 7,
		Body:       ppp.CpBody{Options: []ppp.Option{ppp.NewMru(1500)}},
	})).To(Succeed())

	Expect(machine.FrameIn(&ppp.CpPacket{
		Protocol:   ppp.ProtocolLCP,
		Code:       ppp.CodeConfigureAck,
		Identifier: reqID,
		Body:       ppp.CpBody{Options: []ppp.Option{ppp.NewMru(1500)}},
	})).To(Succeed())

	Expect(machine.State()).To(Equal(cpfsm.StateOpened))
}
