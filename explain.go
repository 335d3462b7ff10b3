package zerotrust

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// EXPLAIN (diagnostics)
// ============================================================================

// ExplainRequest asks why a given context would be allowed or denied.
type ExplainRequest struct {
	Resource string           `json:"resource"`
	Action   string           `json:"action"`
	Context  *SecurityContext `json:"context"`
}

// PolicyTrace reports how one applicable policy fared during evaluation.
type PolicyTrace struct {
	PolicyID        string   `json:"policy_id"`
	Name            string   `json:"name,omitempty"`
	Effect          Effect   `json:"effect"`
	Priority        int      `json:"priority"`
	Matched         bool     `json:"matched"`
	UnmetConditions []string `json:"unmet_conditions,omitempty"`
	// Decisive marks the policy that produced the outcome.
	Decisive bool `json:"decisive,omitempty"`
}

// Explanation is a full evaluation trace for diagnostics and admin tooling.
type Explanation struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	TrustScore TrustScore    `json:"trust_score"`
	Traces     []PolicyTrace `json:"traces"`
}

// Explain evaluates the request the same way EvaluateAccess does but walks
// every applicable policy instead of short-circuiting, and records nothing:
// no profile updates, no audit entry. Intended for admin tooling.
func (e *Engine) Explain(ctx context.Context, req *ExplainRequest) *Explanation {
	sc := req.Context
	if sc == nil {
		sc = &SecurityContext{Timestamp: time.Now()}
	}
	if sc.Timestamp.IsZero() {
		sc.Timestamp = time.Now()
	}

	score := e.scorer.Calculate(ctx, sc)
	applicable := e.policies.FindApplicable(req.Resource, req.Action)

	mfa := e.mfaEnabled(ctx, sc.UserID)
	known := e.deviceKnown(sc.DeviceFingerprint)
	in := conditionInput{
		Score:       &score.Overall,
		Context:     sc,
		MFAEnabled:  &mfa,
		DeviceKnown: &known,
		Now:         sc.Timestamp,
	}

	out := &Explanation{TrustScore: score, Reason: ReasonNoMatch}
	decided := false
	for _, p := range applicable {
		trace := PolicyTrace{
			PolicyID: p.ID,
			Name:     p.Name,
			Effect:   p.Effect,
			Priority: p.Priority,
			Matched:  true,
		}
		for _, c := range p.Conditions {
			if !evalCondition(c, in) {
				trace.Matched = false
				trace.UnmetConditions = append(trace.UnmetConditions, FormatCondition(c))
			}
		}
		if trace.Matched && !decided {
			trace.Decisive = true
			decided = true
			out.Allowed = p.Effect == EffectAllow
			if p.Effect == EffectAllow {
				out.Reason = fmt.Sprintf("Allowed by policy %s", p.ID)
			} else {
				out.Reason = fmt.Sprintf("Denied by policy %s", p.ID)
			}
		}
		out.Traces = append(out.Traces, trace)
	}
	return out
}
