package accounting

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/metrics"
)

func TestAccounting(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Accounting Sink Suite")
}

var _ = Describe("Config", func() {
	It("applies sensible defaults", func() {
		cfg := Config{Servers: []ServerConfig{{Host: "127.0.0.1", Secret: "s"}}, NASID: "nas1"}
		cfg.applyDefaults()
		Expect(cfg.Timeout).To(Equal(3 * time.Second))
		Expect(cfg.MaxRetries).To(Equal(10))
		Expect(cfg.RetryBaseDelay).To(Equal(1 * time.Second))
		Expect(cfg.RetryMaxDelay).To(Equal(60 * time.Second))
		Expect(cfg.QueueSize).To(Equal(1000))
	})
})

var _ = Describe("New", func() {
	It("rejects a config with no servers", func() {
		_, err := New(Config{NASID: "nas1"}, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("rejects a config with no NAS identifier", func() {
		_, err := New(Config{Servers: []ServerConfig{{Host: "127.0.0.1", Secret: "s"}}}, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("lineRateAttributes", func() {
	It("omits zero-valued and empty fields", func() {
		attrs := lineRateAttributes(LineRates{})
		Expect(attrs).To(BeEmpty())
	})

	It("encodes a rate field as a vendor-ID-3561 TLV", func() {
		attrs := lineRateAttributes(LineRates{ActualUp: 8_000_000})
		Expect(attrs).To(HaveLen(1))

		raw := []byte(attrs[0])
		Expect(binary.BigEndian.Uint32(raw[0:4])).To(Equal(uint32(adslForumVendorID)))
		Expect(raw[4]).To(Equal(byte(vsaActualRateUp)))
		Expect(raw[5]).To(Equal(byte(len(raw) - 4)))
		Expect(binary.BigEndian.Uint32(raw[6:10])).To(Equal(uint32(8_000_000)))
	})

	It("encodes circuit and remote IDs as strings", func() {
		attrs := lineRateAttributes(LineRates{CircuitID: "dslam-1/1/1", RemoteID: "nte-7"})
		Expect(attrs).To(HaveLen(2))
		Expect(string([]byte(attrs[0])[6:])).To(Equal("dslam-1/1/1"))
		Expect(string([]byte(attrs[1])[6:])).To(Equal("nte-7"))
	})
})

var _ = Describe("backoff", func() {
	It("grows exponentially and saturates at max", func() {
		base, max := time.Second, 10*time.Second
		Expect(backoff(1, base, max)).To(Equal(1 * time.Second))
		Expect(backoff(2, base, max)).To(Equal(2 * time.Second))
		Expect(backoff(4, base, max)).To(Equal(8 * time.Second))
		Expect(backoff(10, base, max)).To(Equal(max))
	})
})

var _ = Describe("Sink", func() {
	It("counts a record as dropped once the queue is full", func() {
		s, err := New(Config{
			Servers:   []ServerConfig{{Host: "127.0.0.1", Port: 1, Secret: "s"}},
			NASID:     "nas1",
			QueueSize: 1,
			Timeout:   10 * time.Millisecond,
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		for i := 0; i < 4; i++ {
			s.Emit(Record{Kind: Start, SessionID: "sess-1"})
		}

		Eventually(func() uint64 {
			return s.Stats().Dropped
		}, "2s", "10ms").Should(BeNumerically(">=", 1))
	})
})

var _ = Describe("metrics wiring", func() {
	It("records a dropped record through SetMetrics without panicking", func() {
		m := metrics.New(zap.NewNop())
		s, err := New(Config{
			Servers:   []ServerConfig{{Host: "127.0.0.1", Port: 1, Secret: "s"}},
			NASID:     "nas1",
			QueueSize: 1,
			Timeout:   10 * time.Millisecond,
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		s.SetMetrics(m)
		defer s.Close()

		for i := 0; i < 4; i++ {
			s.Emit(Record{Kind: Start, SessionID: "sess-1"})
		}
		Eventually(func() uint64 {
			return s.Stats().Dropped
		}, "2s", "10ms").Should(BeNumerically(">=", 1))
	})
})

var _ = Describe("persistence", func() {
	It("recovers a record still pending when the sink is recreated", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "pending.json")

		cfg := Config{
			Servers:     []ServerConfig{{Host: "127.0.0.1", Port: 1, Secret: "s"}},
			NASID:       "nas1",
			Timeout:     10 * time.Millisecond,
			PersistPath: path,
		}

		s, err := New(cfg, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		s.Emit(Record{Kind: Start, SessionID: "sess-1"})

		// Give the worker a moment to attempt delivery (it will fail,
		// since nothing listens on 127.0.0.1:1) and requeue with a
		// persisted snapshot.
		Eventually(func() uint64 { return s.Stats().Failed }, "2s", "10ms").Should(BeNumerically(">=", 1))
		s.Close()

		s2, err := New(cfg, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer s2.Close()

		s2.mu.Lock()
		recovered := len(s2.pending)
		s2.mu.Unlock()
		Expect(recovered).To(Equal(1))
	})

	It("clears the persisted snapshot once a record is delivered or abandoned", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "pending.json")

		s, err := New(Config{
			Servers:     []ServerConfig{{Host: "127.0.0.1", Port: 1, Secret: "s"}},
			NASID:       "nas1",
			Timeout:     5 * time.Millisecond,
			MaxRetries:  1,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  time.Millisecond,
			PersistPath: path,
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		s.Emit(Record{Kind: Start, SessionID: "sess-1"})

		Eventually(func() int {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(s.pending)
		}, "2s", "10ms").Should(Equal(0))
		s.Close()

		s2, err := New(Config{
			Servers:     []ServerConfig{{Host: "127.0.0.1", Port: 1, Secret: "s"}},
			NASID:       "nas1",
			PersistPath: path,
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer s2.Close()

		s2.mu.Lock()
		recovered := len(s2.pending)
		s2.mu.Unlock()
		Expect(recovered).To(Equal(0))
	})
})
