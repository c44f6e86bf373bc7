package auth_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/ppplink/pkg/auth"
	"github.com/codelaboratoryltd/ppplink/pkg/ppp"
)

func TestAuth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth Driver Suite")
}

type fakeProvider struct {
	outcome    auth.Outcome
	err        error
	calledWith struct{ peerID, password string }
}

func (f *fakeProvider) Authenticate(ctx context.Context, peerID, password string) (auth.Outcome, error) {
	f.calledWith.peerID = peerID
	f.calledWith.password = password
	return f.outcome, f.err
}

var _ = Describe("PapAuthenticator", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	Context("PeerToUs", func() {
		It("acks on successful credential check and reports success", func() {
			provider := &fakeProvider{outcome: auth.Outcome{Success: true, SessionOpts: map[string]string{"peer_ip": "10.0.0.2"}}}
			var sent []*ppp.PapMessage
			a := auth.NewPeerAuthenticator(provider, func(m *ppp.PapMessage) error {
				sent = append(sent, m)
				return nil
			}, logger)

			var result auth.Result
			a.OnResult(func(r auth.Result) { result = r })

			Expect(a.FrameIn(context.Background(), &ppp.PapMessage{
				Code: ppp.PapCodeAuthenticateRequest, Identifier: 1,
				PeerID: "alice", Password: "pw",
			})).To(Succeed())

			Expect(provider.calledWith.peerID).To(Equal("alice"))
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Code).To(Equal(ppp.PapCodeAuthenticateAck))
			Expect(result.Success).To(BeTrue())
			Expect(result.SessionOpts).To(HaveKeyWithValue("peer_ip", "10.0.0.2"))
		})

		It("naks on failed credential check", func() {
			provider := &fakeProvider{outcome: auth.Outcome{Success: false, RejectReason: "bad password"}}
			var sent []*ppp.PapMessage
			a := auth.NewPeerAuthenticator(provider, func(m *ppp.PapMessage) error {
				sent = append(sent, m)
				return nil
			}, logger)
			var result auth.Result
			a.OnResult(func(r auth.Result) { result = r })

			Expect(a.FrameIn(context.Background(), &ppp.PapMessage{
				Code: ppp.PapCodeAuthenticateRequest, Identifier: 2,
				PeerID: "bob", Password: "wrong",
			})).To(Succeed())

			Expect(sent[0].Code).To(Equal(ppp.PapCodeAuthenticateNak))
			Expect(result.Success).To(BeFalse())
		})
	})

	Context("UsToPeer", func() {
		It("sends a request on Start and succeeds on Ack", func() {
			var sent []*ppp.PapMessage
			a := auth.NewWithPeerAuthenticator("nas1", "secret", func(m *ppp.PapMessage) error {
				sent = append(sent, m)
				return nil
			}, logger)
			var result auth.Result
			a.OnResult(func(r auth.Result) { result = r })

			Expect(a.Start()).To(Succeed())
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].PeerID).To(Equal("nas1"))

			Expect(a.FrameIn(context.Background(), &ppp.PapMessage{
				Code: ppp.PapCodeAuthenticateAck, Identifier: sent[0].Identifier,
			})).To(Succeed())
			Expect(result.Success).To(BeTrue())
			a.Stop()
		})

		It("retries up to the configured limit then fails", func() {
			var sent []*ppp.PapMessage
			a := auth.NewWithPeerAuthenticator("nas1", "secret", func(m *ppp.PapMessage) error {
				sent = append(sent, m)
				return nil
			}, logger)
			a.SetRetry(3, 20*time.Millisecond)

			done := make(chan auth.Result, 1)
			a.OnResult(func(r auth.Result) { done <- r })
			Expect(a.Start()).To(Succeed())

			var result auth.Result
			Eventually(done, "2s", "10ms").Should(Receive(&result))
			Expect(result.Success).To(BeFalse())
			Expect(len(sent)).To(BeNumerically(">=", 3))
		})
	})
})
