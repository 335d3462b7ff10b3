package zerotrust

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// SecurityContext captures the signals of a single protected request.
// It is built fresh per request and never persisted directly; only the
// profile stores fold parts of it into long-lived state.
type SecurityContext struct {
	UserID            string    `json:"user_id,omitempty"`
	SessionID         string    `json:"session_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	IPAddress         string    `json:"ip_address"`
	Location          *Location `json:"location,omitempty"`
	UserAgent         string    `json:"user_agent"`
	Timestamp         time.Time `json:"timestamp"`
}

// Anonymous reports whether the context carries no authenticated principal.
func (c *SecurityContext) Anonymous() bool { return c.UserID == "" }

// Location is a coarse geographic position attached to a request.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city,omitempty"`
}

// RiskLevel classifies a trust score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// FactorScores holds the five per-factor sub-scores, each in [0,1].
type FactorScores struct {
	Identity float64 `json:"identity"`
	Device   float64 `json:"device"`
	Location float64 `json:"location"`
	Behavior float64 `json:"behavior"`
	Network  float64 `json:"network"`
}

// TrustScore is the composite confidence in a request's legitimacy.
// Overall is the weighted sum of the factors, rounded to two decimals,
// and RiskLevel is derived from Overall alone.
type TrustScore struct {
	Overall   float64      `json:"overall"`
	Factors   FactorScores `json:"factors"`
	RiskLevel RiskLevel    `json:"risk_level"`
}

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// Effect represents the outcome a policy produces when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ConditionType identifies what a policy condition inspects. The set is
// closed: evaluation switches exhaustively and unknown types never match.
type ConditionType string

const (
	ConditionTrustScore ConditionType = "trust_score"
	ConditionLocation   ConditionType = "location"
	ConditionTime       ConditionType = "time"
	ConditionDevice     ConditionType = "device"
	ConditionMFA        ConditionType = "mfa"
)

// Operator is the comparison applied by a policy condition.
type Operator string

const (
	OpGT    Operator = "gt"
	OpLT    Operator = "lt"
	OpEQ    Operator = "eq"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// PolicyCondition is a single predicate inside a policy. All conditions of a
// policy must hold for the policy to match (AND semantics). A condition that
// references context data the request does not carry evaluates to false,
// never to an error.
type PolicyCondition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    any           `json:"value" yaml:"value"`
}

// AccessPolicy binds a resource/action pattern and a condition set to an
// allow/deny effect. Policies are immutable once registered and evaluated in
// descending priority order.
type AccessPolicy struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Resource   string            `json:"resource" yaml:"resource"` // exact, "*" or "prefix/*"
	Action     string            `json:"action" yaml:"action"`     // exact or "*"
	Conditions []PolicyCondition `json:"conditions" yaml:"conditions"`
	Effect     Effect            `json:"effect" yaml:"effect"`
	Priority   int               `json:"priority" yaml:"priority"` // higher = evaluated first
}

// AccessDecision is the transient result of one evaluation. It is returned
// per call and emitted to the audit sink, never persisted by the engine.
type AccessDecision struct {
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason"`
	TrustScore      TrustScore     `json:"trust_score"`
	RequiredActions []string       `json:"required_actions,omitempty"`
	Policies        []AccessPolicy `json:"policies,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ============================================================================
// PRINCIPAL PROFILES
// ============================================================================

// AccessAttempt is one evaluated request folded into a behavior profile.
type AccessAttempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Allowed    bool      `json:"allowed"`
	TrustScore float64   `json:"trust_score"`
}

// LocationCount tracks how often a principal was seen at a location.
type LocationCount struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	Count   int    `json:"count"`
}

// BehaviorProfile is the per-principal history the scorer reads and the
// orchestrator updates after every decision. Created lazily on first
// evaluation; in-memory state with no durability guarantee, so a process
// restart resets all behavioral trust history (accepted limitation).
type BehaviorProfile struct {
	UserID          string          `json:"user_id"`
	CommonLocations []LocationCount `json:"common_locations,omitempty"`
	ActiveHours     [24]int         `json:"active_hours"`
	AvgSessionSecs  float64         `json:"avg_session_secs"`
	SessionCount    int             `json:"session_count"`
	AccessAttempts  []AccessAttempt `json:"access_attempts,omitempty"` // ring, max 100

	// session tracking internals, folded into AvgSessionSecs on rollover
	LastSessionID string    `json:"last_session_id,omitempty"`
	SessionStart  time.Time `json:"session_start,omitempty"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
}

// DeviceProfile is the per-fingerprint history used by device scoring.
type DeviceProfile struct {
	Fingerprint string    `json:"fingerprint"`
	UserAgent   string    `json:"user_agent"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// ============================================================================
// RISK ASSESSMENT (collaborator output)
// ============================================================================

// RiskFactor is one contributor to a risk assessment.
type RiskFactor struct {
	Type        string    `json:"type"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// RiskAssessment is informational output built alongside a decision. It feeds
// adaptive policy changes via AdaptPolicies but is not consulted by the
// decision path itself.
type RiskAssessment struct {
	ID              string           `json:"id"`
	Timestamp       time.Time        `json:"timestamp"`
	Context         *SecurityContext `json:"context"`
	RiskFactors     []RiskFactor     `json:"risk_factors"`
	OverallRisk     RiskLevel        `json:"overall_risk"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// IdentityInfo is what the identity service knows about a principal.
type IdentityInfo struct {
	UserID       string    `json:"user_id"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// IdentityProvider is the read-only identity/authentication oracle.
type IdentityProvider interface {
	Lookup(ctx context.Context, userID string) (*IdentityInfo, error)
}

// ThreatIntel supplies network reputation signals, refreshed out-of-band.
type ThreatIntel interface {
	IsMalicious(ctx context.Context, ip string) (bool, error)
	IsVPN(ctx context.Context, ip string) (bool, error)
	Reputation(ctx context.Context, ip string) (float64, error) // [0,1]
}

// AuditStore receives every access decision as an append-only event.
// The engine only emits events, never reads them back on the decision path.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AuditEntry records one decision for compliance reporting.
type AuditEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Resource  string          `json:"resource"`
	Action    string          `json:"action"`
	Decision  *AccessDecision `json:"decision"`
	TraceID   string          `json:"trace_id,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// AuditFilter narrows audit log queries.
type AuditFilter struct {
	UserID    string
	Resource  string
	Action    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// SessionStore keeps per-session verification state for the middleware so
// continuous verification survives multi-instance deployments.
type SessionStore interface {
	LastVerified(ctx context.Context, sessionID string) (time.Time, bool, error)
	MarkVerified(ctx context.Context, sessionID string, at time.Time) error
}
