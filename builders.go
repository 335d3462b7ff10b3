package zerotrust

// Builders provide a fluent API for creating policies and org rules.

// PolicyBuilder builds an AccessPolicy.
type PolicyBuilder struct {
	p   AccessPolicy
	err error
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: AccessPolicy{Resource: "*", Action: "*", Effect: EffectAllow}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder         { b.p.ID = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder        { b.p.Name = n; return b }
func (b *PolicyBuilder) Resource(r string) *PolicyBuilder    { b.p.Resource = r; return b }
func (b *PolicyBuilder) Action(a string) *PolicyBuilder      { b.p.Action = a; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder      { b.p.Effect = e; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder       { b.p.Priority = p; return b }
func (b *PolicyBuilder) Condition(c PolicyCondition) *PolicyBuilder {
	b.p.Conditions = append(b.p.Conditions, c)
	return b
}

// ConditionExpr parses and appends a compact condition expression. Parse
// errors surface in Build.
func (b *PolicyBuilder) ConditionExpr(expr string) *PolicyBuilder {
	c, err := ParseCondition(expr)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	b.p.Conditions = append(b.p.Conditions, c)
	return b
}

// TrustAbove requires the overall trust score to exceed the threshold.
func (b *PolicyBuilder) TrustAbove(threshold float64) *PolicyBuilder {
	return b.Condition(PolicyCondition{Type: ConditionTrustScore, Operator: OpGT, Value: threshold})
}

// TrustBelow requires the overall trust score under the threshold.
func (b *PolicyBuilder) TrustBelow(threshold float64) *PolicyBuilder {
	return b.Condition(PolicyCondition{Type: ConditionTrustScore, Operator: OpLT, Value: threshold})
}

// RequireMFA requires an MFA-enabled principal.
func (b *PolicyBuilder) RequireMFA() *PolicyBuilder {
	return b.Condition(PolicyCondition{Type: ConditionMFA, Operator: OpEQ, Value: true})
}

// RequireKnownDevice requires a previously seen device fingerprint.
func (b *PolicyBuilder) RequireKnownDevice() *PolicyBuilder {
	return b.Condition(PolicyCondition{Type: ConditionDevice, Operator: OpEQ, Value: true})
}

// Build validates and returns the policy.
func (b *PolicyBuilder) Build() (AccessPolicy, error) {
	if b.err != nil {
		return AccessPolicy{}, b.err
	}
	if err := ValidatePolicy(&b.p); err != nil {
		return AccessPolicy{}, err
	}
	return b.p, nil
}

// OrgRuleBuilder builds an organization rule.
type OrgRuleBuilder struct {
	r OrgRule
}

func NewOrgRuleBuilder() *OrgRuleBuilder {
	return &OrgRuleBuilder{r: OrgRule{Effect: EffectDeny}}
}

func (b *OrgRuleBuilder) ID(id string) *OrgRuleBuilder    { b.r.ID = id; return b }
func (b *OrgRuleBuilder) Effect(e Effect) *OrgRuleBuilder { b.r.Effect = e; return b }
func (b *OrgRuleBuilder) Condition(c PolicyCondition) *OrgRuleBuilder {
	b.r.Conditions = append(b.r.Conditions, c)
	return b
}
func (b *OrgRuleBuilder) Build() OrgRule { return b.r }
