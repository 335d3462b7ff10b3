package zerotrust

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the declarative configuration for an engine: policies, static
// threat intelligence, known identities, and engine tuning.
type Config struct {
	Version     uint16            `json:"version" yaml:"version"`
	Policies    []PolicyConfig    `json:"policies" yaml:"policies"`
	ThreatIntel ThreatIntelConfig `json:"threat_intel" yaml:"threat_intel"`
	Identities  []IdentityConfig  `json:"identities" yaml:"identities"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
}

// PolicyConfig is a policy in config form. Conditions use the compact
// expression grammar accepted by ParseCondition.
type PolicyConfig struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Resource   string   `json:"resource" yaml:"resource"`
	Action     string   `json:"action" yaml:"action"`
	Effect     Effect   `json:"effect" yaml:"effect"`
	Priority   int      `json:"priority" yaml:"priority"`
	Conditions []string `json:"conditions" yaml:"conditions"`
}

// ThreatIntelConfig seeds the static threat intelligence source.
type ThreatIntelConfig struct {
	MaliciousIPs      []string           `json:"malicious_ips" yaml:"malicious_ips"`
	VPNRanges         []string           `json:"vpn_ranges" yaml:"vpn_ranges"`
	Reputation        map[string]float64 `json:"reputation" yaml:"reputation"`
	DefaultReputation *float64           `json:"default_reputation,omitempty" yaml:"default_reputation,omitempty"`
}

// IdentityConfig seeds the static identity provider. Timestamps accept any
// format the date parser understands.
type IdentityConfig struct {
	UserID       string `json:"user_id" yaml:"user_id"`
	MFAEnabled   bool   `json:"mfa_enabled" yaml:"mfa_enabled"`
	CreatedAt    string `json:"created_at" yaml:"created_at"`
	LastActiveAt string `json:"last_active_at" yaml:"last_active_at"`
}

// EngineConfig tunes engine internals.
type EngineConfig struct {
	AuditBuffer        int   `json:"audit_buffer" yaml:"audit_buffer"`
	IdentityCacheTTLMs int64 `json:"identity_cache_ttl_ms" yaml:"identity_cache_ttl_ms"`
	OrgRuleTTLMs       int64 `json:"org_rule_ttl_ms" yaml:"org_rule_ttl_ms"`
}

// ConfigLoader loads configuration from YAML or JSON.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the config without applying it.
func (c *Config) Validate() error {
	for i, pc := range c.Policies {
		p, err := pc.toPolicy()
		if err != nil {
			return fmt.Errorf("policy %d (%s): %w", i, pc.ID, err)
		}
		if err := ValidatePolicy(&p); err != nil {
			return fmt.Errorf("policy %d (%s): %w", i, pc.ID, err)
		}
	}
	for ip, score := range c.ThreatIntel.Reputation {
		if score < 0 || score > 1 {
			return fmt.Errorf("reputation for %s out of range: %v", ip, score)
		}
	}
	for i, id := range c.Identities {
		if id.UserID == "" {
			return fmt.Errorf("identity %d: user_id is required", i)
		}
		if id.CreatedAt != "" {
			if _, err := date.Parse(id.CreatedAt); err != nil {
				return fmt.Errorf("identity %s: bad created_at: %w", id.UserID, err)
			}
		}
		if id.LastActiveAt != "" {
			if _, err := date.Parse(id.LastActiveAt); err != nil {
				return fmt.Errorf("identity %s: bad last_active_at: %w", id.UserID, err)
			}
		}
	}
	return nil
}

func (pc PolicyConfig) toPolicy() (AccessPolicy, error) {
	p := AccessPolicy{
		ID:       pc.ID,
		Name:     pc.Name,
		Resource: pc.Resource,
		Action:   pc.Action,
		Effect:   pc.Effect,
		Priority: pc.Priority,
	}
	for _, expr := range pc.Conditions {
		cond, err := ParseCondition(expr)
		if err != nil {
			return AccessPolicy{}, err
		}
		p.Conditions = append(p.Conditions, cond)
	}
	return p, nil
}

// BuildIdentityProvider materializes a static identity provider from config.
func (c *Config) BuildIdentityProvider() (*StaticIdentityProvider, error) {
	p := NewStaticIdentityProvider()
	for _, id := range c.Identities {
		info := IdentityInfo{UserID: id.UserID, MFAEnabled: id.MFAEnabled}
		if id.CreatedAt != "" {
			t, err := date.Parse(id.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("identity %s: bad created_at: %w", id.UserID, err)
			}
			info.CreatedAt = t
		}
		if id.LastActiveAt != "" {
			t, err := date.Parse(id.LastActiveAt)
			if err != nil {
				return nil, fmt.Errorf("identity %s: bad last_active_at: %w", id.UserID, err)
			}
			info.LastActiveAt = t
		}
		p.SetUser(info)
	}
	return p, nil
}

// BuildThreatIntel materializes a static threat intel source from config.
func (c *Config) BuildThreatIntel() *StaticThreatIntel {
	t := NewStaticThreatIntel()
	for _, ip := range c.ThreatIntel.MaliciousIPs {
		t.AddMalicious(ip)
	}
	for _, r := range c.ThreatIntel.VPNRanges {
		t.AddVPN(r)
	}
	for ip, score := range c.ThreatIntel.Reputation {
		t.SetReputation(ip, score)
	}
	if c.ThreatIntel.DefaultReputation != nil {
		t.SetDefaultReputation(*c.ThreatIntel.DefaultReputation)
	}
	return t
}

// ApplyConfig registers the configured policies on the engine and applies
// tuning. Built-in defaults stay in place unless a configured policy reuses
// their ID.
func (e *Engine) ApplyConfig(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, pc := range cfg.Policies {
		p, err := pc.toPolicy()
		if err != nil {
			return err
		}
		if err := e.RegisterPolicy(p); err != nil {
			return err
		}
	}
	if cfg.Engine.IdentityCacheTTLMs > 0 {
		e.Scorer().SetIdentityCacheTTL(time.Duration(cfg.Engine.IdentityCacheTTLMs) * time.Millisecond)
	}
	return nil
}

// ApplyRBAC applies RBAC tuning from the config.
func (c *Config) ApplyRBAC(s *RBACService) {
	if c.Engine.OrgRuleTTLMs > 0 {
		s.SetOrgRuleTTL(time.Duration(c.Engine.OrgRuleTTLMs) * time.Millisecond)
	}
}

// NewEngineFromConfig builds a complete engine from a config: identities and
// threat intel come from the config's static sections, policies and tuning
// are applied on top of the defaults.
func NewEngineFromConfig(cfg *Config, audit AuditStore, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	identity, err := cfg.BuildIdentityProvider()
	if err != nil {
		return nil, err
	}
	if cfg.Engine.AuditBuffer > 0 {
		opts = append([]EngineOption{WithAuditBuffer(cfg.Engine.AuditBuffer)}, opts...)
	}
	e, err := NewEngine(identity, cfg.BuildThreatIntel(), audit, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.ApplyConfig(cfg); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// ConfigStats summarizes a config for tooling.
type ConfigStats struct {
	Policies     int `json:"policies"`
	AllowCount   int `json:"allow_count"`
	DenyCount    int `json:"deny_count"`
	Identities   int `json:"identities"`
	MaliciousIPs int `json:"malicious_ips"`
	VPNRanges    int `json:"vpn_ranges"`
}

// Stats counts the config's contents.
func (c *Config) Stats() ConfigStats {
	s := ConfigStats{
		Policies:     len(c.Policies),
		Identities:   len(c.Identities),
		MaliciousIPs: len(c.ThreatIntel.MaliciousIPs),
		VPNRanges:    len(c.ThreatIntel.VPNRanges),
	}
	for _, p := range c.Policies {
		if p.Effect == EffectAllow {
			s.AllowCount++
		} else {
			s.DenyCount++
		}
	}
	return s
}
