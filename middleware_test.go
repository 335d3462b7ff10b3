package zerotrust

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memSessionStore struct {
	mu       sync.Mutex
	verified map[string]time.Time
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{verified: make(map[string]time.Time)}
}

func (s *memSessionStore) LastVerified(_ context.Context, id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.verified[id]
	return t, ok, nil
}

func (s *memSessionStore) MarkVerified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[id] = at
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func newTrustedRequest(sessionID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/reports", nil)
	r.Header.Set("User-Agent", "ua-1")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	r.Header.Set("X-Session-ID", sessionID)
	r.RemoteAddr = "198.51.100.5:4242"
	return r
}

// warmProfiles makes the request's derived fingerprint and behavior known so
// a fully trusted identity scores above the high-trust threshold.
func warmProfiles(e *Engine, r *http.Request, userID string, now time.Time) {
	fp := deviceFingerprint(r)
	e.Profiles().TouchDevice(fp, r.UserAgent(), now.Add(-time.Hour))
	e.Profiles().RecordAttempt(&SecurityContext{UserID: userID, SessionID: "warm"},
		AccessAttempt{Timestamp: now.Add(-time.Minute), Allowed: true})
	e.Profiles().ImportBehavior(func() BehaviorProfile {
		p, _ := e.Profiles().Behavior(userID)
		p.AvgSessionSecs = 900
		return p
	}())
}

func TestMiddlewareEvaluateDeniesAnonymous(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	m := NewMiddleware(MiddlewareOptions{Engine: e})

	rec := httptest.NewRecorder()
	m.Evaluate("/reports", "read")(okHandler()).ServeHTTP(rec, newTrustedRequest("sess-1"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Header().Get("X-Trust-Score") == "" || rec.Header().Get("X-Risk-Level") == "" {
		t.Fatalf("trust headers missing: %v", rec.Header())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("non-JSON deny body: %v", err)
	}
	if body["error"] != "access denied" || body["reason"] == "" {
		t.Fatalf("malformed deny body: %v", body)
	}
}

func TestMiddlewareEvaluateAllowsTrusted(t *testing.T) {
	now := time.Now()
	identity, intel, _ := trustedContext(now)
	e, _ := newTestEngine(t, identity, intel)
	sessions := newMemSessionStore()
	m := NewMiddleware(MiddlewareOptions{
		Engine:   e,
		Sessions: sessions,
		UserID:   func(*http.Request) string { return "alice" },
		Now:      func() time.Time { return now },
	})

	req := newTrustedRequest("sess-1")
	warmProfiles(e, req, "alice", now)

	var gotDecision *AccessDecision
	var gotSC *SecurityContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDecision, _ = DecisionFromContext(r.Context())
		gotSC, _ = SecurityContextFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	m.Evaluate("/reports", "read")(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if gotDecision == nil || !gotDecision.Allowed {
		t.Fatalf("decision not attached or not allowed: %+v", gotDecision)
	}
	if gotSC == nil || gotSC.UserID != "alice" || gotSC.SessionID != "sess-1" {
		t.Fatalf("security context not attached: %+v", gotSC)
	}
	if gotSC.IPAddress != "198.51.100.5" {
		t.Fatalf("client IP = %s", gotSC.IPAddress)
	}
	if _, ok, _ := sessions.LastVerified(context.Background(), "sess-1"); !ok {
		t.Fatalf("session not marked verified after allow")
	}
}

func TestMiddlewareFingerprintStability(t *testing.T) {
	a := deviceFingerprint(newTrustedRequest("s"))
	b := deviceFingerprint(newTrustedRequest("s"))
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
	}
	changed := newTrustedRequest("s")
	changed.Header.Set("User-Agent", "other")
	if deviceFingerprint(changed) == a {
		t.Fatalf("fingerprint ignores user agent")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := newTrustedRequest("s")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.5")
	if ip := clientIP(r); ip != "203.0.113.7" {
		t.Fatalf("clientIP = %s, want 203.0.113.7", ip)
	}
}

func TestSessionIDFallsBackToCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "session_id", Value: "cookie-sess"})
	if id := sessionID(r); id != "cookie-sess" {
		t.Fatalf("sessionID = %s, want cookie-sess", id)
	}
}

func withDecision(r *http.Request, overall float64) *http.Request {
	d := &AccessDecision{
		Allowed:    true,
		TrustScore: TrustScore{Overall: overall, RiskLevel: RiskLevelFor(overall)},
	}
	return r.WithContext(ContextWithDecision(r.Context(), d))
}

func TestAdaptiveAuthRequiresMFAUnderLowTrust(t *testing.T) {
	m := NewMiddleware(MiddlewareOptions{})
	h := m.AdaptiveAuth()(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withDecision(httptest.NewRequest(http.MethodGet, "/reports", nil), 0.4))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["accepted_methods"] == nil {
		t.Fatalf("challenge lists no methods: %v", body)
	}

	req := withDecision(httptest.NewRequest(http.MethodGet, "/reports", nil), 0.4)
	req.Header.Set("X-MFA-Verified", "1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("MFA header not honored: %d", rec.Code)
	}
}

func TestAdaptiveAuthStepUpForSensitiveOperations(t *testing.T) {
	m := NewMiddleware(MiddlewareOptions{})
	h := m.AdaptiveAuth()(okHandler())

	// sensitive path under the step-up threshold
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withDecision(httptest.NewRequest(http.MethodGet, "/admin/panel", nil), 0.7))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("sensitive path status = %d, want 401", rec.Code)
	}

	// destructive method under the threshold
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withDecision(httptest.NewRequest(http.MethodDelete, "/reports/42", nil), 0.7))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("DELETE status = %d, want 401", rec.Code)
	}

	// step-up proof passes
	req := withDecision(httptest.NewRequest(http.MethodDelete, "/reports/42", nil), 0.7)
	req.Header.Set("X-Step-Up-Verified", "1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("step-up header not honored: %d", rec.Code)
	}

	// high trust skips step-up entirely
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withDecision(httptest.NewRequest(http.MethodDelete, "/reports/42", nil), 0.85))
	if rec.Code != http.StatusOK {
		t.Fatalf("high trust still challenged: %d", rec.Code)
	}
}

func TestSessionTimeoutTiers(t *testing.T) {
	cases := []struct {
		overall float64
		want    time.Duration
	}{
		{0.2, 5 * time.Minute},
		{0.5, 30 * time.Minute},
		{0.7, time.Hour},
		{0.95, 2 * time.Hour},
	}
	for _, c := range cases {
		if got := SessionTimeoutFor(c.overall); got != c.want {
			t.Fatalf("SessionTimeoutFor(%v) = %v, want %v", c.overall, got, c.want)
		}
	}
}

func TestSessionSecuritySetsTimeoutHeader(t *testing.T) {
	m := NewMiddleware(MiddlewareOptions{})
	h := m.SessionSecurity()(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withDecision(httptest.NewRequest(http.MethodGet, "/reports", nil), 0.2))
	if got := rec.Header().Get("X-Session-Timeout"); got != "300" {
		t.Fatalf("X-Session-Timeout = %q, want 300", got)
	}
}

func TestContinuousVerificationSkipsFreshSessions(t *testing.T) {
	now := time.Now()
	e, _ := newTestEngine(t, nil, nil) // denies everything anonymous
	sessions := newMemSessionStore()
	_ = sessions.MarkVerified(context.Background(), "sess-1", now.Add(-time.Minute))

	m := NewMiddleware(MiddlewareOptions{
		Engine:   e,
		Sessions: sessions,
		Now:      func() time.Time { return now },
	})
	h := m.ContinuousVerification("/reports", "read")(okHandler())

	// fresh verification: the denying engine is never consulted
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newTrustedRequest("sess-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh session status = %d, want 200", rec.Code)
	}

	// stale verification forces re-evaluation, which denies
	_ = sessions.MarkVerified(context.Background(), "sess-1", now.Add(-10*time.Minute))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, newTrustedRequest("sess-1"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stale session status = %d, want 403", rec.Code)
	}
}
