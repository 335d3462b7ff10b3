package zerotrust

import (
	"fmt"
	"time"
)

// ============================================================================
// RISK ASSESSMENT ENGINE (informational collaborator)
// ============================================================================

// AssessRisk builds an informational risk assessment from a scored context.
// Its output feeds AdaptPolicies and reporting; the decision path in
// EvaluateAccess does not consult it.
func AssessRisk(sc *SecurityContext, score TrustScore) *RiskAssessment {
	a := &RiskAssessment{
		ID:          fmt.Sprintf("risk-%d", time.Now().UnixNano()),
		Timestamp:   time.Now(),
		Context:     sc,
		OverallRisk: score.RiskLevel,
	}

	add := func(kind string, sub float64, desc string) {
		a.RiskFactors = append(a.RiskFactors, RiskFactor{
			Type:        kind,
			Severity:    factorSeverity(sub),
			Description: desc,
		})
	}

	if score.Factors.Identity < 0.4 {
		add("identity", score.Factors.Identity, "weak or anonymous identity signal")
		a.Recommendations = append(a.Recommendations, "verify identity and enable MFA")
	}
	if score.Factors.Device < 0.4 {
		add("device", score.Factors.Device, "unrecognized or stale device")
		a.Recommendations = append(a.Recommendations, "register and re-verify the device")
	}
	if score.Factors.Location < 0.4 {
		add("location", score.Factors.Location, "request from an unusual location")
		a.Recommendations = append(a.Recommendations, "confirm travel or restrict by location")
	}
	if score.Factors.Behavior < 0.4 {
		add("behavior", score.Factors.Behavior, "activity outside the principal's usual pattern")
		a.Recommendations = append(a.Recommendations, "step up verification for unusual activity")
	}
	if score.Factors.Network < 0.4 {
		add("network", score.Factors.Network, "low-reputation, VPN or malicious source address")
		a.Recommendations = append(a.Recommendations, "block or challenge traffic from this network")
	}
	return a
}

// factorSeverity grades a single sub-score on the same ladder as the
// overall risk level.
func factorSeverity(sub float64) RiskLevel {
	return RiskLevelFor(sub)
}
