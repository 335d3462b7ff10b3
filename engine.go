package zerotrust

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oarkflow/zerotrust/logger"
)

// ============================================================================
// ACCESS DECISION ORCHESTRATOR
// ============================================================================

// Engine composes trust scoring, policy evaluation and profile updates into
// one EvaluateAccess call. Any internal fault is converted into a deny
// decision at this boundary; the engine never fails open.
type Engine struct {
	policies *PolicyRegistry
	profiles *ProfileStore
	scorer   *TrustScorer
	identity IdentityProvider
	intel    ThreatIntel

	auditStore AuditStore
	auditCh    chan AuditEntry
	auditDone  chan struct{}
	closed     atomic.Bool

	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithAuditBuffer sizes the asynchronous audit queue.
func WithAuditBuffer(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("audit buffer must be positive, got %d", n)
		}
		e.auditCh = make(chan AuditEntry, n)
		return nil
	}
}

// NewEngine builds an engine wired to the identity and threat-intel oracles
// and an audit sink. The default policy set is installed on initialization.
func NewEngine(identity IdentityProvider, intel ThreatIntel, audit AuditStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies:   NewPolicyRegistry(),
		profiles:   NewProfileStore(),
		identity:   identity,
		intel:      intel,
		auditStore: audit,
		auditDone:  make(chan struct{}),
		logger:     logger.NewNullLogger(),
	}
	e.scorer = NewTrustScorer(e.profiles, identity, intel)

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditCh == nil {
		e.auditCh = make(chan AuditEntry, 1024)
	}

	for _, p := range DefaultPolicies() {
		if err := e.policies.Register(p); err != nil {
			return nil, err
		}
	}

	go e.auditWorker()
	return e, nil
}

// Policies exposes the policy registry for administration.
func (e *Engine) Policies() *PolicyRegistry { return e.policies }

// Profiles exposes the profile store (persistence collaborators import and
// export snapshots through it).
func (e *Engine) Profiles() *ProfileStore { return e.profiles }

// Scorer exposes the trust scorer for tuning.
func (e *Engine) Scorer() *TrustScorer { return e.scorer }

// RegisterPolicy adds or replaces a policy in the registry.
func (e *Engine) RegisterPolicy(p AccessPolicy) error {
	return e.policies.Register(p)
}

// Close drains and stops the audit worker. Decisions made after Close are
// still returned but no longer audited.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	close(e.auditCh)
	<-e.auditDone
}

// EvaluateAccess runs the full decision path for one request:
// score, select applicable policies, evaluate conditions, then update the
// principal's profiles before returning. The profile update is synchronous
// so it is visible to the very next evaluation for the same principal.
//
// A failure anywhere inside evaluation yields a deny decision describing the
// fault, never a silent allow and never a panic across this boundary.
func (e *Engine) EvaluateAccess(ctx context.Context, resource, action string, sc *SecurityContext) (decision *AccessDecision) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("access evaluation fault",
				"resource", resource, "action", action, "panic", fmt.Sprint(r))
			decision = &AccessDecision{
				Allowed:   false,
				Reason:    fmt.Sprintf("evaluation failure: %v", r),
				Timestamp: start,
			}
			e.emitAudit(sc, resource, action, decision)
		}
	}()

	if sc == nil {
		sc = &SecurityContext{Timestamp: start}
	}
	if sc.Timestamp.IsZero() {
		sc.Timestamp = start
	}

	score := e.scorer.Calculate(ctx, sc)
	applicable := e.policies.FindApplicable(resource, action)

	mfa := e.mfaEnabled(ctx, sc.UserID)
	known := e.deviceKnown(sc.DeviceFingerprint)
	in := conditionInput{
		Score:       &score.Overall,
		Context:     sc,
		MFAEnabled:  &mfa,
		DeviceKnown: &known,
		Now:         sc.Timestamp,
	}
	res := evaluatePolicies(applicable, in)

	// fold the attempt into the profiles before returning; the updated
	// state must affect the next evaluation for this principal
	e.profiles.RecordAttempt(sc, AccessAttempt{
		Timestamp:  sc.Timestamp,
		Allowed:    res.Allowed,
		TrustScore: score.Overall,
	})
	e.profiles.TouchDevice(sc.DeviceFingerprint, sc.UserAgent, sc.Timestamp)

	decision = &AccessDecision{
		Allowed:         res.Allowed,
		Reason:          res.Reason,
		TrustScore:      score,
		RequiredActions: res.RequiredActions,
		Policies:        applicable,
		Timestamp:       start,
	}

	e.logger.Info("access decision",
		"user", sc.UserID,
		"resource", resource,
		"action", action,
		"allowed", decision.Allowed,
		"trust_score", fmt.Sprintf("%.2f", score.Overall),
		"risk_level", string(score.RiskLevel),
		"reason", decision.Reason)
	e.emitAudit(sc, resource, action, decision)
	return decision
}

// mfaEnabled resolves the externally supplied MFA status for a principal.
// Anonymous principals and oracle failures count as MFA disabled.
func (e *Engine) mfaEnabled(ctx context.Context, userID string) bool {
	info := e.scorer.lookupIdentity(ctx, userID)
	return info != nil && info.MFAEnabled
}

func (e *Engine) deviceKnown(fingerprint string) bool {
	_, ok := e.profiles.Device(fingerprint)
	return ok
}

// ============================================================================
// ADAPTIVE POLICY EXTENSION POINT
// ============================================================================

// AdaptPolicies tightens the policy set in response to an elevated risk
// level. It is an explicit extension point: the decision path never invokes
// it on its own, callers (risk pipelines, operators) do. The adaptive
// policies use fixed IDs so repeated calls replace rather than accumulate.
func (e *Engine) AdaptPolicies(level RiskLevel, sc *SecurityContext) error {
	switch level {
	case RiskHigh:
		return e.policies.Register(AccessPolicy{
			ID:       "adaptive-high-floor",
			Name:     "Raised trust floor (high risk)",
			Resource: "*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpLT, Value: 0.5},
			},
			Effect:   EffectDeny,
			Priority: 400,
		})
	case RiskCritical:
		if err := e.policies.Register(AccessPolicy{
			ID:       "adaptive-critical-floor",
			Name:     "Raised trust floor (critical risk)",
			Resource: "*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpLT, Value: 0.7},
			},
			Effect:   EffectDeny,
			Priority: 500,
		}); err != nil {
			return err
		}
		return e.policies.Register(AccessPolicy{
			ID:       "adaptive-critical-mfa",
			Name:     "Require MFA under critical risk",
			Resource: "*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpGT, Value: 0.7},
				{Type: ConditionMFA, Operator: OpEQ, Value: true},
			},
			Effect:   EffectAllow,
			Priority: 450,
		})
	case RiskLow, RiskMedium:
		// relax: remove earlier tightening
		e.policies.Remove("adaptive-high-floor")
		e.policies.Remove("adaptive-critical-floor")
		e.policies.Remove("adaptive-critical-mfa")
		return nil
	default:
		return fmt.Errorf("unknown risk level %q", level)
	}
}

// ============================================================================
// AUDIT EMISSION
// ============================================================================

func (e *Engine) emitAudit(sc *SecurityContext, resource, action string, dec *AccessDecision) {
	if e.auditStore == nil || e.closed.Load() {
		return
	}
	entry := AuditEntry{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp: dec.Timestamp,
		Resource:  resource,
		Action:    action,
		Decision:  dec,
	}
	if sc != nil {
		entry.UserID = sc.UserID
		entry.SessionID = sc.SessionID
	}
	if e.traceIDFunc != nil {
		entry.TraceID = e.traceIDFunc()
	}
	select {
	case e.auditCh <- entry:
	default:
		// drop rather than block the decision path
		e.logger.Error("audit queue full, entry dropped", "resource", resource)
	}
}

func (e *Engine) auditWorker() {
	defer close(e.auditDone)
	bg := context.Background()
	for entry := range e.auditCh {
		if err := e.auditStore.LogDecision(bg, &entry); err != nil {
			e.logger.Error("audit write failed", "err", err.Error())
		}
	}
}

// GetAccessLog queries the audit sink.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.auditStore == nil {
		return nil, nil
	}
	return e.auditStore.GetAccessLog(ctx, filter)
}
