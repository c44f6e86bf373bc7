package ipcp_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/ppplink/pkg/ipcp"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

func TestIPCP(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "IPCP Policy Suite")
}

var ip10002 uint32 = 10<<24 | 0<<16 | 0<<8 | 2

var _ = Describe("Policy", func() {
	var policy *ipcp.Policy

	BeforeEach(func() {
		var err error
		policy, err = ipcp.New(ipcp.Config{OurIP: 10<<24 | 1, PeerIP: ip10002})
		Expect(err).NotTo(HaveOccurred())
	})

	It("naks a zero address proposal with our suggested peer address", func() {
		_, nak, _ := policy.CheckReceived([]ppp.IpcpOption{ppp.NewIpcpAddress(0)})
		Expect(nak).To(ConsistOf(ppp.NewIpcpAddress(ip10002)))
	})

	It("acks a matching non-zero address proposal", func() {
		ack, nak, reject := policy.CheckReceived([]ppp.IpcpOption{ppp.NewIpcpAddress(ip10002)})
		Expect(ack).To(ConsistOf(ppp.NewIpcpAddress(ip10002)))
		Expect(nak).To(BeEmpty())
		Expect(reject).To(BeEmpty())
	})

	It("passes through non-IpAddress options", func() {
		dns := ppp.NewIpcpRaw(ppp.IpcpOptPrimaryDns, []byte{8, 8, 8, 8})
		ack, _, _ := policy.CheckReceived([]ppp.IpcpOption{dns})
		Expect(ack).To(ConsistOf(dns))
	})

	It("allocates from a pool when no static peer address is set", func() {
		pool := &fakePool{addr: 10<<24 | 0<<16 | 0<<8 | 42}
		p, err := ipcp.New(ipcp.Config{OurIP: 10<<24 | 1, Pool: pool, SessionID: "sess-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.PeerIP()).To(Equal(pool.addr))
		Expect(pool.allocated).To(Equal("sess-1"))
	})
})

type fakePool struct {
	addr      uint32
	allocated string
	released  string
}

func (f *fakePool) Allocate(sessionID string) (uint32, error) {
	f.allocated = sessionID
	return f.addr, nil
}

func (f *fakePool) Release(sessionID string) { f.released = sessionID }
