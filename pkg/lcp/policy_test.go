package lcp_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/ppplink/pkg/lcp"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

func TestLCP(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LCP Policy Suite")
}

var _ = Describe("Policy", func() {
	var policy *lcp.Policy

	BeforeEach(func() {
		cfg := lcp.DefaultConfig()
		cfg.AcceptAuth = []ppp.AuthProto{{Kind: ppp.AuthPap}}
		var err error
		policy, err = lcp.New(cfg)
		Expect(err).NotTo(HaveOccurred())
	})

	It("acks a legal Mru", func() {
		ack, nak, reject := policy.CheckReceived([]ppp.Option{ppp.NewMru(1492)})
		Expect(ack).To(ConsistOf(ppp.NewMru(1492)))
		Expect(nak).To(BeEmpty())
		Expect(reject).To(BeEmpty())
	})

	It("naks an oversized Mru with our maximum", func() {
		_, nak, _ := policy.CheckReceived([]ppp.Option{ppp.NewMru(9000)})
		Expect(nak).To(ConsistOf(ppp.NewMru(1500)))
	})

	It("naks a zero magic with a fresh suggestion", func() {
		_, nak, _ := policy.CheckReceived([]ppp.Option{ppp.NewMagic(0)})
		Expect(nak).To(HaveLen(1))
		Expect(nak[0].Magic).NotTo(BeZero())
	})

	It("accepts a supported auth proposal", func() {
		ack, nak, reject := policy.CheckReceived([]ppp.Option{ppp.NewAuth(ppp.AuthProto{Kind: ppp.AuthPap})})
		Expect(ack).To(HaveLen(1))
		Expect(nak).To(BeEmpty())
		Expect(reject).To(BeEmpty())
	})

	It("rejects an unsupported option type", func() {
		_, _, reject := policy.CheckReceived([]ppp.Option{ppp.NewRaw(99, []byte{1, 2, 3})})
		Expect(reject).To(ConsistOf(ppp.NewRaw(99, []byte{1, 2, 3})))
	})

	It("rejects Quality and Callback by default", func() {
		_, _, reject := policy.CheckReceived([]ppp.Option{
			{Type: ppp.OptQuality, QualProtocol: uint16(ppp.ProtocolLCP), QualPeriod: 10},
			{Type: ppp.OptCallback},
		})
		Expect(reject).To(HaveLen(2))
	})

	It("converges its desired Mru after a Nak", func() {
		cfg := lcp.DefaultConfig()
		var err error
		policy, err = lcp.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		before := policy.BuildRequestOptions()
		Expect(before).To(ContainElement(ppp.NewMru(1500)))

		changed := policy.ProcessNak([]ppp.Option{ppp.NewMru(1400)})
		Expect(changed).To(BeTrue())

		after := policy.BuildRequestOptions()
		Expect(after).To(ContainElement(ppp.NewMru(1400)))
	})
})
