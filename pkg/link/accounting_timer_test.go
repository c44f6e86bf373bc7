package link_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/accounting"
	"github.com/codelaboratoryltd/ppplink/pkg/ipcp"
	"github.com/codelaboratoryltd/ppplink/pkg/lcp"
	"github.com/codelaboratoryltd/ppplink/pkg/link"
	"github.com/codelaboratoryltd/ppplink/pkg/transport"
)

func TestAccountingTimer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Interim Accounting Timer Suite")
}

var _ = Describe("interim accounting timer", func() {
	It("fires on a drift-compensated schedule once Network phase is reached", func() {
		logger := zap.NewNop()
		nasPipe := transport.NewPipe(16)
		cpePipe := transport.NewPipe(16)
		defer nasPipe.Terminate()
		defer cpePipe.Terminate()

		const interim = 120 * time.Millisecond

		sink := newFakeSink()
		nasCfg := link.Config{
			NASIdentifier:   "nas1",
			LCP:             lcp.DefaultConfig(),
			IPCP:            ipcp.Config{OurIP: 10<<24 | 1, PeerIP: 10<<24 | 2},
			InterimInterval: interim,
		}
		nasLink, err := link.New(nasCfg, nasPipe, sink, logger)
		Expect(err).NotTo(HaveOccurred())

		cpeCfg := link.Config{
			NASIdentifier:   "cpe1",
			LCP:             lcp.DefaultConfig(),
			IPCP:            ipcp.Config{},
			InterimInterval: time.Hour,
		}
		cpeLink, err := link.New(cpeCfg, cpePipe, newFakeSink(), logger)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		defer close(done)

		go func() {
			for {
				f, err := nasPipe.Outbound()
				if err != nil {
					return
				}
				if cpePipe.Deliver(f) != nil {
					return
				}
			}
		}()
		go func() {
			for {
				f, err := cpePipe.Outbound()
				if err != nil {
					return
				}
				if nasPipe.Deliver(f) != nil {
					return
				}
			}
		}()
		go pump(nasLink, nasPipe, done)
		go pump(cpeLink, cpePipe, done)

		nasLink.Start()
		cpeLink.Start()

		Eventually(nasLink.Phase, "2s", "10ms").Should(Equal(link.PhaseNetwork))

		// Expect at least 3 Interim records to land near t = interim,
		// 2*interim, 3*interim — drift-compensated, not free-running
		// from whenever Network phase happened to start.
		Eventually(func() int {
			n := 0
			for _, rec := range sink.snapshot() {
				if rec.Kind == accounting.Interim {
					n++
				}
			}
			return n
		}, "2s", "10ms").Should(BeNumerically(">=", 3))

		var ticks []time.Duration
		for _, rec := range sink.snapshot() {
			if rec.Kind == accounting.Interim {
				ticks = append(ticks, rec.SessionTime)
			}
		}

		tolerance := interim / 2
		for i, tick := range ticks[:3] {
			want := time.Duration(i+1) * interim
			Expect(tick).To(BeNumerically("~", want, tolerance))
		}
	})
})
