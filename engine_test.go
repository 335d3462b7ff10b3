package zerotrust

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type memAuditStore struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (s *memAuditStore) LogDecision(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *entry
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *memAuditStore) GetAccessLog(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type panickingIdentity struct{}

func (panickingIdentity) Lookup(_ context.Context, _ string) (*IdentityInfo, error) {
	panic("identity service exploded")
}

func newTestEngine(t *testing.T, identity IdentityProvider, intel ThreatIntel) (*Engine, *memAuditStore) {
	t.Helper()
	audit := &memAuditStore{}
	e, err := NewEngine(identity, intel, audit)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, audit
}

func trustedContext(now time.Time) (*StaticIdentityProvider, *StaticThreatIntel, *SecurityContext) {
	identity := NewStaticIdentityProvider()
	identity.SetUser(IdentityInfo{
		UserID:       "alice",
		MFAEnabled:   true,
		CreatedAt:    now.Add(-90 * 24 * time.Hour),
		LastActiveAt: now.Add(-time.Hour),
	})
	intel := NewStaticThreatIntel()
	intel.SetReputation("198.51.100.5", 1.0)
	sc := &SecurityContext{
		UserID:            "alice",
		SessionID:         "sess-1",
		DeviceFingerprint: "fp-1",
		IPAddress:         "198.51.100.5",
		UserAgent:         "ua-1",
		Timestamp:         now,
	}
	return identity, intel, sc
}

func TestNewEngineInstallsDefaultPolicies(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	for _, id := range []string{"high-trust-allow", "admin-strict", "low-trust-deny"} {
		if _, ok := e.Policies().Get(id); !ok {
			t.Fatalf("default policy %s not installed", id)
		}
	}
}

func TestEvaluateAccessAnonymousDenied(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	d := e.EvaluateAccess(context.Background(), "/reports", "read", &SecurityContext{Timestamp: time.Now()})
	if d.Allowed {
		t.Fatalf("anonymous context was allowed: %+v", d)
	}
}

func TestEvaluateAccessProfileFeedback(t *testing.T) {
	now := time.Now()
	identity, intel, sc := trustedContext(now)
	e, _ := newTestEngine(t, identity, intel)

	first := e.EvaluateAccess(context.Background(), "/reports", "read", sc)

	// the first call registered the device and behavior; the same context
	// must score at least as high on the second call
	second := e.EvaluateAccess(context.Background(), "/reports", "read", sc)
	if second.TrustScore.Overall < first.TrustScore.Overall {
		t.Fatalf("score dropped after profile warm-up: %v -> %v",
			first.TrustScore.Overall, second.TrustScore.Overall)
	}
	if second.TrustScore.Factors.Device <= first.TrustScore.Factors.Device {
		t.Fatalf("device factor did not improve: %v -> %v",
			first.TrustScore.Factors.Device, second.TrustScore.Factors.Device)
	}

	if _, ok := e.Profiles().Behavior("alice"); !ok {
		t.Fatalf("behavior profile not created")
	}
	if _, ok := e.Profiles().Device("fp-1"); !ok {
		t.Fatalf("device profile not created")
	}
}

func TestEvaluateAccessFailSecureOnPanic(t *testing.T) {
	e, audit := newTestEngine(t, panickingIdentity{}, nil)
	sc := &SecurityContext{UserID: "mallory", Timestamp: time.Now()}

	d := e.EvaluateAccess(context.Background(), "/reports", "read", sc)
	if d == nil {
		t.Fatalf("nil decision after panic")
	}
	if d.Allowed {
		t.Fatalf("panic path allowed access")
	}
	if !strings.Contains(d.Reason, "evaluation failure") {
		t.Fatalf("reason = %q, want evaluation failure", d.Reason)
	}

	e.Close()
	entries, err := audit.GetAccessLog(context.Background(), AuditFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 audit entry for the fault, got %d (err %v)", len(entries), err)
	}
}

func TestEvaluateAccessEmitsAudit(t *testing.T) {
	now := time.Now()
	identity, intel, sc := trustedContext(now)
	e, audit := newTestEngine(t, identity, intel)

	e.EvaluateAccess(context.Background(), "/reports", "read", sc)
	e.EvaluateAccess(context.Background(), "/reports", "write", sc)

	e.Close()

	entries, err := audit.GetAccessLog(context.Background(), AuditFilter{UserID: "alice"})
	if err != nil {
		t.Fatalf("get access log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Resource != "/reports" || entries[0].Decision == nil {
		t.Fatalf("malformed audit entry: %+v", entries[0])
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	e.Close()
	e.Close()
}

func TestAdaptPolicies(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	if err := e.AdaptPolicies(RiskHigh, nil); err != nil {
		t.Fatalf("adapt high: %v", err)
	}
	if _, ok := e.Policies().Get("adaptive-high-floor"); !ok {
		t.Fatalf("high risk did not install the raised floor")
	}

	if err := e.AdaptPolicies(RiskCritical, nil); err != nil {
		t.Fatalf("adapt critical: %v", err)
	}
	for _, id := range []string{"adaptive-critical-floor", "adaptive-critical-mfa"} {
		if _, ok := e.Policies().Get(id); !ok {
			t.Fatalf("critical risk did not install %s", id)
		}
	}

	if err := e.AdaptPolicies(RiskLow, nil); err != nil {
		t.Fatalf("adapt low: %v", err)
	}
	for _, id := range []string{"adaptive-high-floor", "adaptive-critical-floor", "adaptive-critical-mfa"} {
		if _, ok := e.Policies().Get(id); ok {
			t.Fatalf("relaxation left %s installed", id)
		}
	}

	if err := e.AdaptPolicies(RiskLevel("weird"), nil); err == nil {
		t.Fatalf("unknown risk level accepted")
	}
}

func TestAdaptPoliciesRaisedFloorDenies(t *testing.T) {
	now := time.Now()
	identity, intel, sc := trustedContext(now)
	// drop MFA and degrade the network signal so the score stays mid-range
	// even after the profiles warm up
	identity.SetUser(IdentityInfo{UserID: "alice", CreatedAt: now.Add(-90 * 24 * time.Hour), LastActiveAt: now.Add(-time.Hour)})
	intel.SetReputation("198.51.100.5", 0.2)
	e, _ := newTestEngine(t, identity, intel)

	before := e.EvaluateAccess(context.Background(), "/reports", "read", sc)
	if before.TrustScore.Overall >= 0.7 {
		t.Skipf("setup scored %v, need a mid-range score", before.TrustScore.Overall)
	}

	if err := e.AdaptPolicies(RiskCritical, sc); err != nil {
		t.Fatalf("adapt critical: %v", err)
	}
	after := e.EvaluateAccess(context.Background(), "/reports", "read", sc)
	if after.Allowed {
		t.Fatalf("critical floor did not deny a %v score", after.TrustScore.Overall)
	}
	if !strings.Contains(after.Reason, "adaptive-critical-floor") {
		t.Fatalf("reason = %q, want adaptive-critical-floor denial", after.Reason)
	}
}

func TestAssessRiskFlagsWeakFactors(t *testing.T) {
	score := TrustScore{
		Overall:   0.25,
		RiskLevel: RiskCritical,
		Factors: FactorScores{
			Identity: 0.1,
			Device:   0.3,
			Location: 0.5,
			Behavior: 0.5,
			Network:  0.0,
		},
	}
	a := AssessRisk(&SecurityContext{}, score)
	if a.OverallRisk != RiskCritical {
		t.Fatalf("overall risk = %s, want critical", a.OverallRisk)
	}
	if len(a.RiskFactors) != 3 {
		t.Fatalf("flagged %d factors, want 3 (identity, device, network)", len(a.RiskFactors))
	}
	types := map[string]bool{}
	for _, f := range a.RiskFactors {
		types[f.Type] = true
	}
	for _, want := range []string{"identity", "device", "network"} {
		if !types[want] {
			t.Fatalf("factor %s not flagged: %+v", want, a.RiskFactors)
		}
	}
	if len(a.Recommendations) != 3 {
		t.Fatalf("recommendations = %d, want 3", len(a.Recommendations))
	}
}
