package zerotrust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// HTTP MIDDLEWARE
// ============================================================================

// reverificationInterval is how long a session's last full evaluation stays
// fresh before continuous verification forces another one.
const reverificationInterval = 5 * time.Minute

// sensitiveRoutePrefixes always require step-up verification when the
// caller's trust is below the step-up threshold.
var sensitiveRoutePrefixes = []string{
	"/admin",
	"/user/delete",
	"/workflow/delete",
	"/settings/security",
	"/api/keys",
}

// MiddlewareOptions configures the zero-trust HTTP middleware. Extractor
// functions are supplied by the application; every field except Engine has a
// usable default.
type MiddlewareOptions struct {
	Engine   *Engine
	Sessions SessionStore

	// UserID extracts the authenticated principal from the request.
	// Empty means anonymous.
	UserID func(r *http.Request) string
	// Location resolves the request's coarse geography, typically from a
	// geo-IP source. Nil or a nil return leaves the location unknown.
	Location func(r *http.Request) *Location

	OnDenied func(w http.ResponseWriter, r *http.Request, decision *AccessDecision)
	OnError  func(w http.ResponseWriter, r *http.Request, err error)

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// Middleware evaluates every request against the engine before it reaches
// the application handler.
type Middleware struct {
	opts MiddlewareOptions
}

// NewMiddleware returns middleware bound to the given options. Engine is
// required.
func NewMiddleware(opts MiddlewareOptions) *Middleware {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnDenied == nil {
		opts.OnDenied = writeDenied
	}
	if opts.OnError == nil {
		opts.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
	return &Middleware{opts: opts}
}

type ctxKey int

const (
	decisionCtxKey ctxKey = iota
	securityCtxKey
)

// ContextWithDecision attaches an access decision to a context.
func ContextWithDecision(ctx context.Context, d *AccessDecision) context.Context {
	return context.WithValue(ctx, decisionCtxKey, d)
}

// DecisionFromContext returns the decision attached by the middleware, if any.
func DecisionFromContext(ctx context.Context) (*AccessDecision, bool) {
	d, ok := ctx.Value(decisionCtxKey).(*AccessDecision)
	return d, ok
}

// SecurityContextFromContext returns the security context built by the
// middleware, if any.
func SecurityContextFromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityCtxKey).(*SecurityContext)
	return sc, ok
}

// Evaluate returns a handler wrapper that evaluates access to the given
// resource and action, attaches the decision and security context to the
// request context, and rejects denials with a 403 JSON body.
func (m *Middleware) Evaluate(resource, action string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.opts.Engine == nil {
				m.opts.OnError(w, r, fmt.Errorf("middleware misconfigured: Engine is required"))
				return
			}
			sc := m.buildContext(r)
			decision := m.opts.Engine.EvaluateAccess(r.Context(), resource, action, sc)

			w.Header().Set("X-Trust-Score", fmt.Sprintf("%.2f", decision.TrustScore.Overall))
			w.Header().Set("X-Risk-Level", string(decision.TrustScore.RiskLevel))

			ctx := ContextWithDecision(r.Context(), decision)
			ctx = context.WithValue(ctx, securityCtxKey, sc)
			r = r.WithContext(ctx)

			if !decision.Allowed {
				m.opts.OnDenied(w, r, decision)
				return
			}
			if m.opts.Sessions != nil && sc.SessionID != "" {
				_ = m.opts.Sessions.MarkVerified(r.Context(), sc.SessionID, m.opts.Now())
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContinuousVerification re-runs a full evaluation whenever a session's last
// verification is older than five minutes, instead of trusting the session
// for its whole lifetime.
func (m *Middleware) ContinuousVerification(resource, action string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.opts.Engine == nil || m.opts.Sessions == nil {
				m.opts.OnError(w, r, fmt.Errorf("middleware misconfigured: Engine and Sessions are required"))
				return
			}
			sc := m.buildContext(r)
			if sc.SessionID == "" {
				next.ServeHTTP(w, r)
				return
			}
			now := m.opts.Now()
			last, ok, err := m.opts.Sessions.LastVerified(r.Context(), sc.SessionID)
			if err == nil && ok && now.Sub(last) < reverificationInterval {
				next.ServeHTTP(w, r)
				return
			}
			decision := m.opts.Engine.EvaluateAccess(r.Context(), resource, action, sc)
			if !decision.Allowed {
				m.opts.OnDenied(w, r, decision)
				return
			}
			_ = m.opts.Sessions.MarkVerified(r.Context(), sc.SessionID, now)
			ctx := ContextWithDecision(r.Context(), decision)
			ctx = context.WithValue(ctx, securityCtxKey, sc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdaptiveAuth escalates authentication demands as trust drops: low-trust
// callers must present MFA proof, and sensitive or destructive operations
// below the step-up threshold must present step-up proof. Must run after
// Evaluate so the decision is available on the request context.
func (m *Middleware) AdaptiveAuth() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, ok := DecisionFromContext(r.Context())
			if !ok {
				m.opts.OnError(w, r, fmt.Errorf("adaptive auth requires a prior Evaluate middleware"))
				return
			}
			overall := decision.TrustScore.Overall
			if overall < 0.5 && r.Header.Get("X-MFA-Verified") == "" {
				writeAuthChallenge(w, "additional authentication required", []string{"totp", "webauthn", "push"})
				return
			}
			if overall < 0.8 && requiresStepUp(r) && r.Header.Get("X-Step-Up-Verified") == "" {
				writeAuthChallenge(w, "step-up verification required for sensitive operation", []string{"totp", "webauthn"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionSecurity advertises a trust-scaled session timeout so clients and
// gateways expire low-trust sessions quickly. Must run after Evaluate.
func (m *Middleware) SessionSecurity() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, ok := DecisionFromContext(r.Context())
			if !ok {
				m.opts.OnError(w, r, fmt.Errorf("session security requires a prior Evaluate middleware"))
				return
			}
			timeout := SessionTimeoutFor(decision.TrustScore.Overall)
			w.Header().Set("X-Session-Timeout", fmt.Sprintf("%d", int(timeout.Seconds())))
			next.ServeHTTP(w, r)
		})
	}
}

// SessionTimeoutFor maps an overall trust score to a session lifetime.
func SessionTimeoutFor(overall float64) time.Duration {
	switch {
	case overall < 0.3:
		return 5 * time.Minute
	case overall < 0.6:
		return 30 * time.Minute
	case overall > 0.9:
		return 2 * time.Hour
	default:
		return time.Hour
	}
}

func requiresStepUp(r *http.Request) bool {
	if r.Method == http.MethodDelete || r.Method == http.MethodPut {
		return true
	}
	for _, prefix := range sensitiveRoutePrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// buildContext derives the security context for one request.
func (m *Middleware) buildContext(r *http.Request) *SecurityContext {
	sc := &SecurityContext{
		SessionID:         sessionID(r),
		DeviceFingerprint: deviceFingerprint(r),
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		Timestamp:         m.opts.Now(),
	}
	if m.opts.UserID != nil {
		sc.UserID = m.opts.UserID(r)
	}
	if m.opts.Location != nil {
		sc.Location = m.opts.Location(r)
	}
	return sc
}

// deviceFingerprint hashes stable request attributes into a device identity.
// It is a heuristic, not proof of device possession.
func deviceFingerprint(r *http.Request) string {
	parts := []string{
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
		clientIP(r),
		r.Header.Get("X-Forwarded-For"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	if c, err := r.Cookie("session_id"); err == nil {
		return c.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeDenied(w http.ResponseWriter, r *http.Request, decision *AccessDecision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":            "access denied",
		"reason":           decision.Reason,
		"required_actions": decision.RequiredActions,
	})
}

func writeAuthChallenge(w http.ResponseWriter, reason string, methods []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":            "authentication required",
		"reason":           reason,
		"accepted_methods": methods,
	})
}
