package zerotrust

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/zerotrust/logger"
)

// ============================================================================
// ROLE-BASED ACCESS CONTROL (collaborator)
// ============================================================================

// Role is the closed set of platform roles.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
	RoleViewer  Role = "VIEWER"
)

// Mutating actions that trigger ownership checks.
func isMutatingAction(action string) bool {
	switch action {
	case "delete", "update", "manage":
		return true
	}
	return false
}

// AccessRequest is one RBAC check.
type AccessRequest struct {
	Context    *SecurityContext
	UserID     string
	Role       Role
	OrgID      string
	Resource   string
	Action     string
	ResourceID string
	// TrustScore is optional; organization rules referencing it evaluate
	// to false when absent.
	TrustScore *TrustScore
}

// AccessResult is the outcome of one RBAC check.
type AccessResult struct {
	Allowed bool
	Reason  string
	// CustomPermissionMatched reports whether a per-user permission string
	// covered the request. Informational only: presence grants nothing
	// beyond the role matrix and absence never blocks.
	CustomPermissionMatched bool
	Duration                time.Duration
}

// OrgRule is an organization-scoped policy rule sharing the engine's
// condition grammar. Only deny rules can block at the RBAC layer.
type OrgRule struct {
	ID         string            `json:"id" yaml:"id"`
	Conditions []PolicyCondition `json:"conditions" yaml:"conditions"`
	Effect     Effect            `json:"effect" yaml:"effect"`
}

// OrgPolicyProvider supplies the rules for an organization. Results are
// cached by the RBAC service for ten minutes.
type OrgPolicyProvider interface {
	Rules(ctx context.Context, orgID string) ([]OrgRule, error)
}

// StaticOrgPolicyProvider serves org rules from a fixed map.
type StaticOrgPolicyProvider struct {
	mu    sync.RWMutex
	rules map[string][]OrgRule
}

func NewStaticOrgPolicyProvider() *StaticOrgPolicyProvider {
	return &StaticOrgPolicyProvider{rules: make(map[string][]OrgRule)}
}

func (p *StaticOrgPolicyProvider) SetRules(orgID string, rules []OrgRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[orgID] = rules
}

func (p *StaticOrgPolicyProvider) Rules(_ context.Context, orgID string) ([]OrgRule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rules[orgID], nil
}

// ResourceOwnership describes who owns an identified resource.
type ResourceOwnership struct {
	OwnerID string
	OrgID   string
}

// OwnershipResolver looks up resource ownership for mutating actions.
type OwnershipResolver interface {
	Owner(ctx context.Context, resourceID string) (*ResourceOwnership, error)
}

// StaticOwnershipResolver serves ownership from a fixed map.
type StaticOwnershipResolver struct {
	mu     sync.RWMutex
	owners map[string]ResourceOwnership
}

func NewStaticOwnershipResolver() *StaticOwnershipResolver {
	return &StaticOwnershipResolver{owners: make(map[string]ResourceOwnership)}
}

func (r *StaticOwnershipResolver) SetOwner(resourceID string, o ResourceOwnership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[resourceID] = o
}

func (r *StaticOwnershipResolver) Owner(_ context.Context, resourceID string) (*ResourceOwnership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[resourceID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// RBACLogEntry records one RBAC check for audit purposes.
type RBACLogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	UserID    string        `json:"user_id"`
	Role      Role          `json:"role"`
	Resource  string        `json:"resource"`
	Action    string        `json:"action"`
	Allowed   bool          `json:"allowed"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
}

const maxRBACLogEntries = 10_000

// defaultPermissionMatrix is the static role→resource→action map consulted
// first on every check. A "*" resource key or action grants everything at
// that position.
func defaultPermissionMatrix() map[Role]map[string][]string {
	return map[Role]map[string][]string{
		RoleAdmin: {
			"*": {"*"},
		},
		RoleManager: {
			"workflows": {"read", "create", "update", "delete", "execute"},
			"users":     {"read", "update"},
			"reports":   {"read", "create"},
			"settings":  {"read", "update"},
		},
		RoleMember: {
			"workflows": {"read", "create", "update", "execute"},
			"reports":   {"read"},
			"settings":  {"read"},
		},
		RoleViewer: {
			"workflows": {"read"},
			"reports":   {"read"},
			"settings":  {"read"},
		},
	}
}

// RBACService answers role-based checks ahead of (and alongside) the trust
// engine. Every check outcome is appended to a capped in-memory access log.
type RBACService struct {
	matrix map[Role]map[string][]string

	permMu    sync.RWMutex
	userPerms map[string][]string // "resource:action", "resource:*", "*:*"

	orgRules  OrgPolicyProvider
	ruleCache *ristretto.Cache
	ruleTTL   time.Duration

	ownership OwnershipResolver

	logMu     sync.Mutex
	accessLog []RBACLogEntry

	logger logger.Logger
}

// RBACOption configures the service.
type RBACOption func(*RBACService)

// WithOrgPolicyProvider installs the organization rule source.
func WithOrgPolicyProvider(p OrgPolicyProvider) RBACOption {
	return func(s *RBACService) { s.orgRules = p }
}

// WithOwnershipResolver installs the ownership source.
func WithOwnershipResolver(r OwnershipResolver) RBACOption {
	return func(s *RBACService) { s.ownership = r }
}

// WithRBACLogger installs a structured logger.
func WithRBACLogger(l logger.Logger) RBACOption {
	return func(s *RBACService) { s.logger = l }
}

func NewRBACService(opts ...RBACOption) *RBACService {
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	s := &RBACService{
		matrix:    defaultPermissionMatrix(),
		userPerms: make(map[string][]string),
		ruleCache: cache,
		ruleTTL:   10 * time.Minute,
		logger:    logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOrgRuleTTL adjusts how long organization rules are cached.
func (s *RBACService) SetOrgRuleTTL(d time.Duration) {
	if d > 0 {
		s.ruleTTL = d
	}
}

// SetUserPermissions replaces the custom permission strings for a user.
func (s *RBACService) SetUserPermissions(userID string, perms []string) {
	s.permMu.Lock()
	defer s.permMu.Unlock()
	s.userPerms[userID] = append([]string(nil), perms...)
}

// CheckAccess runs the four-stage RBAC evaluation, short-circuiting on the
// first denial: role matrix, custom permissions (informational), org policy
// rules, then ownership/membership for mutating actions.
func (s *RBACService) CheckAccess(ctx context.Context, req AccessRequest) AccessResult {
	start := time.Now()
	result := s.check(ctx, req)
	result.Duration = time.Since(start)
	s.record(req, result)
	return result
}

func (s *RBACService) check(ctx context.Context, req AccessRequest) AccessResult {
	if req.UserID == "" && req.Context != nil {
		req.UserID = req.Context.UserID
	}

	// 1. static role matrix
	if reason, ok := s.matrixAllows(req.Role, req.Resource, req.Action); !ok {
		return AccessResult{Allowed: false, Reason: reason}
	}

	// 2. custom per-user permissions: informational OR-gate only
	custom := s.customPermissionMatches(req.UserID, req.Resource, req.Action)

	// 3. organization policy rules
	if req.OrgID != "" && s.orgRules != nil {
		if reason, denied := s.orgRulesDeny(ctx, req); denied {
			return AccessResult{Allowed: false, Reason: reason, CustomPermissionMatched: custom}
		}
	}

	// 4. ownership and organization membership for mutating actions
	if isMutatingAction(req.Action) && req.ResourceID != "" && s.ownership != nil {
		if reason, denied := s.ownershipDenies(ctx, req); denied {
			return AccessResult{Allowed: false, Reason: reason, CustomPermissionMatched: custom}
		}
	}

	return AccessResult{Allowed: true, Reason: "granted by role matrix", CustomPermissionMatched: custom}
}

func (s *RBACService) matrixAllows(role Role, resource, action string) (string, bool) {
	perms, ok := s.matrix[role]
	if !ok {
		return "unknown role", false
	}
	actions, ok := perms[resource]
	if !ok {
		actions, ok = perms["*"]
		if !ok {
			return "role has no access to resource", false
		}
	}
	for _, a := range actions {
		if a == "*" || a == action {
			return "", true
		}
	}
	return "action not permitted for role", false
}

func (s *RBACService) customPermissionMatches(userID, resource, action string) bool {
	if userID == "" {
		return false
	}
	s.permMu.RLock()
	perms := s.userPerms[userID]
	s.permMu.RUnlock()
	for _, p := range perms {
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			continue
		}
		resOK := parts[0] == "*" || parts[0] == resource
		actOK := parts[1] == "*" || parts[1] == action
		if resOK && actOK {
			return true
		}
	}
	return false
}

func (s *RBACService) orgRulesDeny(ctx context.Context, req AccessRequest) (string, bool) {
	rules := s.cachedOrgRules(ctx, req.OrgID)
	if len(rules) == 0 {
		return "", false
	}
	in := conditionInput{Context: req.Context, Now: time.Now()}
	if req.TrustScore != nil {
		in.Score = &req.TrustScore.Overall
	}
	if req.Context != nil && !req.Context.Timestamp.IsZero() {
		in.Now = req.Context.Timestamp
	}
	for _, rule := range rules {
		if rule.Effect != EffectDeny {
			continue
		}
		matched := true
		for _, c := range rule.Conditions {
			if !evalCondition(c, in) {
				matched = false
				break
			}
		}
		if matched {
			return "denied by organization rule " + rule.ID, true
		}
	}
	return "", false
}

func (s *RBACService) cachedOrgRules(ctx context.Context, orgID string) []OrgRule {
	key := "orgrules:" + orgID
	if s.ruleCache != nil {
		if v, ok := s.ruleCache.Get(key); ok {
			if rules, ok := v.([]OrgRule); ok {
				return rules
			}
		}
	}
	rules, err := s.orgRules.Rules(ctx, orgID)
	if err != nil {
		s.logger.Error("org rule fetch failed", "org", orgID, "err", err.Error())
		return nil
	}
	if s.ruleCache != nil {
		s.ruleCache.SetWithTTL(key, rules, 1, s.ruleTTL)
	}
	return rules
}

func (s *RBACService) ownershipDenies(ctx context.Context, req AccessRequest) (string, bool) {
	owner, err := s.ownership.Owner(ctx, req.ResourceID)
	if err != nil {
		// unresolved ownership on a mutating action fails secure
		s.logger.Error("ownership lookup failed", "resource_id", req.ResourceID, "err", err.Error())
		return "ownership could not be verified", true
	}
	if owner == nil {
		return "", false
	}
	if owner.OrgID != "" && owner.OrgID != req.OrgID {
		return "principal does not belong to resource organization", true
	}
	if owner.OwnerID == req.UserID {
		return "", false
	}
	if req.Role == RoleAdmin || req.Role == RoleManager {
		return "", false
	}
	return "only the owner or an admin/manager may modify this resource", true
}

func (s *RBACService) record(req AccessRequest, res AccessResult) {
	entry := RBACLogEntry{
		Timestamp: time.Now(),
		UserID:    req.UserID,
		Role:      req.Role,
		Resource:  req.Resource,
		Action:    req.Action,
		Allowed:   res.Allowed,
		Reason:    res.Reason,
		Duration:  res.Duration,
	}
	s.logMu.Lock()
	s.accessLog = append(s.accessLog, entry)
	if len(s.accessLog) > maxRBACLogEntries {
		s.accessLog = s.accessLog[len(s.accessLog)-maxRBACLogEntries:]
	}
	s.logMu.Unlock()

	s.logger.Info("rbac check",
		"user", req.UserID,
		"role", string(req.Role),
		"resource", req.Resource,
		"action", req.Action,
		"allowed", res.Allowed,
		"reason", res.Reason)
}

// AccessLog returns a copy of the recorded check outcomes, oldest first.
func (s *RBACService) AccessLog() []RBACLogEntry {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]RBACLogEntry(nil), s.accessLog...)
}
