package zerotrust

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/zerotrust/utils"
)

// ============================================================================
// POLICY STORE
// ============================================================================

// PolicyRegistry is the in-memory policy store. Registration replaces the
// published snapshot under a write lock (copy-on-write), so an evaluation in
// flight never observes a partially updated policy set.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]AccessPolicy
	sorted   []AccessPolicy // descending priority, rebuilt on change
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]AccessPolicy)}
}

// Register validates and upserts a policy (policies are immutable once
// registered; re-registering an ID swaps the whole record).
func (r *PolicyRegistry) Register(p AccessPolicy) error {
	if err := ValidatePolicy(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = p
	r.rebuildLocked()
	return nil
}

// Remove deletes a policy by ID. Unknown IDs are a no-op.
func (r *PolicyRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, id)
	r.rebuildLocked()
}

// Get returns a policy by ID.
func (r *PolicyRegistry) Get(id string) (AccessPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	return p, ok
}

// Snapshot returns the current policy set in descending priority order.
func (r *PolicyRegistry) Snapshot() []AccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AccessPolicy(nil), r.sorted...)
}

// FindApplicable returns the policies whose resource and action patterns
// match the request, sorted descending by priority.
func (r *PolicyRegistry) FindApplicable(resource, action string) []AccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AccessPolicy, 0, len(r.sorted))
	for _, p := range r.sorted {
		if matchResource(p.Resource, resource) && matchAction(p.Action, action) {
			out = append(out, p)
		}
	}
	return out
}

func (r *PolicyRegistry) rebuildLocked() {
	sorted := make([]AccessPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	r.sorted = sorted
}

// ValidatePolicy rejects structurally unusable policies before registration.
func ValidatePolicy(p *AccessPolicy) error {
	if p.ID == "" {
		return fmt.Errorf("policy ID is required")
	}
	if p.Resource == "" {
		return fmt.Errorf("policy %s: resource pattern is required", p.ID)
	}
	if p.Action == "" {
		return fmt.Errorf("policy %s: action pattern is required", p.ID)
	}
	switch p.Effect {
	case EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("policy %s: unknown effect %q", p.ID, p.Effect)
	}
	for i, c := range p.Conditions {
		switch c.Type {
		case ConditionTrustScore, ConditionLocation, ConditionTime, ConditionDevice, ConditionMFA:
		default:
			return fmt.Errorf("policy %s: condition %d: unknown type %q", p.ID, i, c.Type)
		}
		switch c.Operator {
		case OpGT, OpLT, OpEQ, OpIn, OpNotIn:
		default:
			return fmt.Errorf("policy %s: condition %d: unknown operator %q", p.ID, i, c.Operator)
		}
	}
	return nil
}

// DefaultPolicies is the policy set installed on engine initialization.
// IDs, priorities and conditions are stable for compatibility: because
// priority 300 > 200 > 100, low-trust-deny is always evaluated first.
func DefaultPolicies() []AccessPolicy {
	return []AccessPolicy{
		{
			ID:       "high-trust-allow",
			Name:     "Allow high trust requests",
			Resource: "*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpGT, Value: 0.8},
			},
			Effect:   EffectAllow,
			Priority: 100,
		},
		{
			ID:       "admin-strict",
			Name:     "Strict admin access",
			Resource: "/admin/*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpGT, Value: 0.9},
				{Type: ConditionMFA, Operator: OpEQ, Value: true},
				{Type: ConditionDevice, Operator: OpEQ, Value: true},
			},
			Effect:   EffectAllow,
			Priority: 200,
		},
		{
			ID:       "low-trust-deny",
			Name:     "Deny low trust requests",
			Resource: "*",
			Action:   "*",
			Conditions: []PolicyCondition{
				{Type: ConditionTrustScore, Operator: OpLT, Value: 0.3},
			},
			Effect:   EffectDeny,
			Priority: 300,
		},
	}
}

// ============================================================================
// POLICY EVALUATION ENGINE
// ============================================================================

// ReasonNoMatch is the default-deny reason when no allow policy matched.
const ReasonNoMatch = "No matching allow policy found"

// conditionInput carries the resolved facts conditions are checked against.
// A nil field means the fact is absent in this evaluation context, and any
// condition referencing it is false. MFA status and device knowledge are
// resolved once per evaluation so every condition sees the same view.
type conditionInput struct {
	Score       *float64
	Context     *SecurityContext
	MFAEnabled  *bool
	DeviceKnown *bool
	Now         time.Time
}

// evalResult is the policy engine's verdict before orchestration wraps it.
type evalResult struct {
	Allowed         bool
	Reason          string
	RequiredActions []string
}

// evaluatePolicies walks the policies in the given (already priority-sorted)
// order and short-circuits on the first policy whose conditions all hold.
// When nothing matches it reports default-deny together with remediation
// hints gathered from the unmet conditions of allow policies.
func evaluatePolicies(policies []AccessPolicy, in conditionInput) evalResult {
	hints := make([]string, 0)
	seen := make(map[string]bool)
	addHint := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			hints = append(hints, h)
		}
	}

	for _, p := range policies {
		matched := true
		for _, c := range p.Conditions {
			if evalCondition(c, in) {
				continue
			}
			matched = false
			if p.Effect == EffectAllow {
				addHint(remediationHint(c))
			}
		}
		if !matched {
			continue
		}
		if p.Effect == EffectDeny {
			return evalResult{Allowed: false, Reason: fmt.Sprintf("Denied by policy %s", p.ID)}
		}
		return evalResult{Allowed: true, Reason: fmt.Sprintf("Allowed by policy %s", p.ID)}
	}

	return evalResult{Allowed: false, Reason: ReasonNoMatch, RequiredActions: hints}
}

// evalCondition evaluates one condition against the resolved input. Absent
// context data makes the condition false, never an error.
func evalCondition(c PolicyCondition, in conditionInput) bool {
	switch c.Type {
	case ConditionTrustScore:
		if in.Score == nil {
			return false
		}
		want, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		return compareFloat(*in.Score, want, c.Operator)
	case ConditionLocation:
		if in.Context == nil || in.Context.Location == nil {
			return false
		}
		return compareString(in.Context.Location.Country, c.Value, c.Operator)
	case ConditionTime:
		hour := in.Now.Hour()
		switch c.Operator {
		case OpIn, OpNotIn:
			return compareIntMembership(hour, c.Value, c.Operator)
		default:
			want, ok := toFloat(c.Value)
			if !ok {
				return false
			}
			return compareFloat(float64(hour), want, c.Operator)
		}
	case ConditionDevice:
		if in.DeviceKnown == nil {
			return false
		}
		want, ok := toBool(c.Value)
		if !ok || c.Operator != OpEQ {
			return false
		}
		return *in.DeviceKnown == want
	case ConditionMFA:
		if in.MFAEnabled == nil {
			return false
		}
		want, ok := toBool(c.Value)
		if !ok || c.Operator != OpEQ {
			return false
		}
		return *in.MFAEnabled == want
	default:
		return false
	}
}

// remediationHint maps an unmet allow-condition to the action a caller can
// take to satisfy it.
func remediationHint(c PolicyCondition) string {
	switch c.Type {
	case ConditionTrustScore:
		return "improve trust score"
	case ConditionMFA:
		return "enable MFA"
	case ConditionDevice:
		return "register device"
	case ConditionLocation:
		return "access from a known location"
	case ConditionTime:
		return "access during permitted hours"
	default:
		return ""
	}
}

func compareFloat(have, want float64, op Operator) bool {
	switch op {
	case OpGT:
		return have > want
	case OpLT:
		return have < want
	case OpEQ:
		return have == want
	default:
		return false
	}
}

func compareString(have string, value any, op Operator) bool {
	switch op {
	case OpEQ:
		want, ok := toString(value)
		return ok && have == want
	case OpGT, OpLT:
		want, ok := toString(value)
		if !ok {
			return false
		}
		if op == OpGT {
			return have > want
		}
		return have < want
	case OpIn, OpNotIn:
		list, ok := toStrings(value)
		if !ok {
			return false
		}
		found := false
		for _, v := range list {
			if v == have {
				found = true
				break
			}
		}
		if op == OpIn {
			return found
		}
		return !found
	default:
		return false
	}
}

func compareIntMembership(have int, value any, op Operator) bool {
	list, ok := toFloats(value)
	if !ok {
		return false
	}
	found := false
	for _, v := range list {
		if int(v) == have {
			found = true
			break
		}
	}
	if op == OpIn {
		return found
	}
	return !found
}

// value coercion helpers: config decoding yields float64/bool/string/[]any

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		return []string{list}, true
	}
	return nil, false
}

func toFloats(v any) ([]float64, bool) {
	switch list := v.(type) {
	case []float64:
		return list, true
	case []int:
		out := make([]float64, 0, len(list))
		for _, n := range list {
			out = append(out, float64(n))
		}
		return out, true
	case []any:
		out := make([]float64, 0, len(list))
		for _, item := range list {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	if f, ok := toFloat(v); ok {
		return []float64{f}, true
	}
	return nil, false
}

// ============================================================================
// PATTERN MATCHING
// ============================================================================

func matchResource(pattern, resource string) bool {
	return utils.Match(resource, pattern)
}

func matchAction(pattern, action string) bool {
	return pattern == "*" || pattern == action
}
