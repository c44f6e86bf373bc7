package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	m := New(zap.NewNop())

	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	if m.sessionsByPhase == nil {
		t.Error("sessionsByPhase not initialized")
	}
	if m.restartExhaustions == nil {
		t.Error("restartExhaustions not initialized")
	}
	if m.decodeErrors == nil {
		t.Error("decodeErrors not initialized")
	}
	if m.radiusRequests == nil {
		t.Error("radiusRequests not initialized")
	}
}

func TestNewNilLogger(t *testing.T) {
	// nil logger must not panic; New substitutes a no-op logger.
	m := New(nil)
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	oldDefault := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = oldDefault }()

	m := New(zap.NewNop())

	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// Second call must not fail: AlreadyRegisteredError is swallowed.
	if err := m.Register(); err != nil {
		t.Fatalf("Register() second call error = %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := New(zap.NewNop())
	if m.Handler() == nil {
		t.Error("expected non-nil handler")
	}
}

func TestSetSessionsByPhase(t *testing.T) {
	m := New(zap.NewNop())
	m.SetSessionsByPhase("Establish", 3)
	m.SetSessionsByPhase("Network", 100)
}

func TestRecordSessionTerminated(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordSessionTerminated("normal", 3600)
	m.RecordSessionTerminated("auth-failed", 0)
}

func TestRecordRestartExhaustion(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordRestartExhaustion("lcp")
	m.RecordRestartExhaustion("ipcp")
}

func TestRecordDecodeError(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordDecodeError("malformed-frame")
}

func TestRecordProtocolReject(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordProtocolReject("0x4021")
}

func TestRecordCodeReject(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordCodeReject("ipcp")
}

func TestRecordAuthResult(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordAuthResult("PeerToUs", "success")
	m.RecordAuthResult("UsToPeer", "fail")
}

func TestRecordRADIUSRequest(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordRADIUSRequest("start", "success", 0.02)
	m.RecordRADIUSRequest("stop", "timeout", 3.0)
}

func TestRecordRADIUSDropped(t *testing.T) {
	m := New(zap.NewNop())
	m.RecordRADIUSDropped()
}
