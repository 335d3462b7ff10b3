package zerotrust

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// TRUST SCORING ENGINE
// ============================================================================

// Factor weights. Fixed by contract; Overall = Σ(factor × weight).
const (
	weightIdentity = 0.30
	weightDevice   = 0.20
	weightLocation = 0.15
	weightBehavior = 0.25
	weightNetwork  = 0.10
)

// Risk level thresholds on the overall score.
const (
	thresholdLow    = 0.8
	thresholdMedium = 0.6
	thresholdHigh   = 0.3
)

// RiskLevelFor derives the risk classification from an overall score.
// It is a pure function of the score.
func RiskLevelFor(overall float64) RiskLevel {
	switch {
	case overall >= thresholdLow:
		return RiskLow
	case overall >= thresholdMedium:
		return RiskMedium
	case overall >= thresholdHigh:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// TrustScorer computes the composite trust score for a security context.
// External lookups (identity, threat intel) degrade to conservative defaults
// on failure; only the malicious-IP signal is allowed to zero the network
// factor outright.
type TrustScorer struct {
	profiles *ProfileStore
	identity IdentityProvider
	intel    ThreatIntel

	// identity lookups are read-mostly; cache them briefly so scoring does
	// not hammer the oracle on every request for the same principal
	idCache    *ristretto.Cache
	idCacheTTL time.Duration
}

// NewTrustScorer wires a scorer to the shared profile store and the external
// oracles. identity and intel may be nil; absent oracles score as unknown.
func NewTrustScorer(profiles *ProfileStore, identity IdentityProvider, intel ThreatIntel) *TrustScorer {
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	return &TrustScorer{
		profiles:   profiles,
		identity:   identity,
		intel:      intel,
		idCache:    cache,
		idCacheTTL: 30 * time.Second,
	}
}

// SetIdentityCacheTTL adjusts how long identity lookups are reused.
func (s *TrustScorer) SetIdentityCacheTTL(d time.Duration) {
	if d > 0 {
		s.idCacheTTL = d
	}
}

// Calculate computes the weighted trust score for the given context.
// The overall score is rounded to two decimals and always lies in [0,1].
func (s *TrustScorer) Calculate(ctx context.Context, sc *SecurityContext) TrustScore {
	now := sc.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	info := s.lookupIdentity(ctx, sc.UserID)

	factors := FactorScores{
		Identity: s.identityFactor(sc, info, now),
		Device:   s.deviceFactor(sc, now),
		Location: s.locationFactor(sc),
		Behavior: s.behaviorFactor(sc, now),
		Network:  s.networkFactor(ctx, sc.IPAddress),
	}

	overall := factors.Identity*weightIdentity +
		factors.Device*weightDevice +
		factors.Location*weightLocation +
		factors.Behavior*weightBehavior +
		factors.Network*weightNetwork
	overall = math.Round(overall*100) / 100

	return TrustScore{
		Overall:   clamp01(overall),
		Factors:   factors,
		RiskLevel: RiskLevelFor(overall),
	}
}

// lookupIdentity fetches identity info through the short-lived cache.
// Returns nil for anonymous contexts, missing principals, or oracle failure.
func (s *TrustScorer) lookupIdentity(ctx context.Context, userID string) *IdentityInfo {
	if userID == "" || s.identity == nil {
		return nil
	}
	if s.idCache != nil {
		if v, ok := s.idCache.Get(userID); ok {
			if info, ok := v.(*IdentityInfo); ok {
				return info
			}
		}
	}
	info, err := s.identity.Lookup(ctx, userID)
	if err != nil || info == nil {
		return nil
	}
	if s.idCache != nil {
		s.idCache.SetWithTTL(userID, info, 1, s.idCacheTTL)
	}
	return info
}

func (s *TrustScorer) identityFactor(sc *SecurityContext, info *IdentityInfo, now time.Time) float64 {
	if sc.Anonymous() {
		return 0.1
	}
	score := 0.4
	if info != nil {
		if info.MFAEnabled {
			score += 0.4
		}
		if !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) > 30*24*time.Hour {
			score += 0.1
		}
		if !info.LastActiveAt.IsZero() && now.Sub(info.LastActiveAt) <= 24*time.Hour {
			score += 0.1
		}
	}
	return clamp01(score)
}

func (s *TrustScorer) deviceFactor(sc *SecurityContext, now time.Time) float64 {
	dev, ok := s.profiles.Device(sc.DeviceFingerprint)
	if !ok {
		return 0.3 // new-device penalty
	}
	score := 0.6
	if dev.UserAgent != "" && dev.UserAgent == sc.UserAgent {
		score += 0.2
	}
	if !dev.LastSeen.IsZero() && now.Sub(dev.LastSeen) <= 7*24*time.Hour {
		score += 0.2
	}
	return clamp01(score)
}

func (s *TrustScorer) locationFactor(sc *SecurityContext) float64 {
	if sc.Location == nil {
		return 0.5
	}
	prof, ok := s.profiles.Behavior(sc.UserID)
	if !ok || len(prof.CommonLocations) == 0 {
		return 0.4
	}
	for _, lc := range prof.CommonLocations {
		if lc.Country == sc.Location.Country && lc.Region == sc.Location.Region {
			return 0.9
		}
	}
	return 0.2
}

func (s *TrustScorer) behaviorFactor(sc *SecurityContext, now time.Time) float64 {
	prof, ok := s.profiles.Behavior(sc.UserID)
	if !ok {
		return 0.5
	}
	score := 0.5
	if prof.ActiveHours[now.Hour()] > 0 {
		score += 0.3
	}
	if prof.AvgSessionSecs > 300 {
		score += 0.2
	}
	return clamp01(score)
}

func (s *TrustScorer) networkFactor(ctx context.Context, ip string) float64 {
	if s.intel == nil {
		return 0.5
	}
	malicious, err := s.intel.IsMalicious(ctx, ip)
	if err != nil || malicious {
		// the malicious-IP signal fails secure: an unreachable feed here is
		// the one collaborator outage that may zero the factor
		return 0.0
	}
	if vpn, err := s.intel.IsVPN(ctx, ip); err == nil && vpn {
		return 0.3
	}
	rep, err := s.intel.Reputation(ctx, ip)
	if err != nil {
		return 0.5 // unknown reputation is neutral, not zero
	}
	return clamp01(rep)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ============================================================================
// STATIC COLLABORATOR IMPLEMENTATIONS
// ============================================================================

// StaticIdentityProvider serves identity info from a fixed map. It stands in
// for the real identity service in tests and single-binary deployments.
type StaticIdentityProvider struct {
	mu    sync.RWMutex
	users map[string]IdentityInfo
}

func NewStaticIdentityProvider() *StaticIdentityProvider {
	return &StaticIdentityProvider{users: make(map[string]IdentityInfo)}
}

func (p *StaticIdentityProvider) SetUser(info IdentityInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[info.UserID] = info
}

func (p *StaticIdentityProvider) Lookup(_ context.Context, userID string) (*IdentityInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.users[userID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// StaticThreatIntel serves network reputation from fixed lists, the shape a
// periodically refreshed threat feed snapshot takes in memory.
type StaticThreatIntel struct {
	mu         sync.RWMutex
	malicious  map[string]bool
	vpnNets    []*net.IPNet
	vpnIPs     map[string]bool
	reputation map[string]float64
	defaultRep float64
}

func NewStaticThreatIntel() *StaticThreatIntel {
	return &StaticThreatIntel{
		malicious:  make(map[string]bool),
		vpnIPs:     make(map[string]bool),
		reputation: make(map[string]float64),
		defaultRep: 0.7,
	}
}

func (t *StaticThreatIntel) AddMalicious(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.malicious[ip] = true
}

// AddVPN accepts a single IP or a CIDR range.
func (t *StaticThreatIntel) AddVPN(ipOrCIDR string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ipnet, err := net.ParseCIDR(ipOrCIDR); err == nil {
		t.vpnNets = append(t.vpnNets, ipnet)
		return
	}
	t.vpnIPs[ipOrCIDR] = true
}

func (t *StaticThreatIntel) SetReputation(ip string, score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reputation[ip] = clamp01(score)
}

// SetDefaultReputation sets the score returned for IPs with no entry.
func (t *StaticThreatIntel) SetDefaultReputation(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultRep = clamp01(score)
}

func (t *StaticThreatIntel) IsMalicious(_ context.Context, ip string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.malicious[ip], nil
}

func (t *StaticThreatIntel) IsVPN(_ context.Context, ip string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.vpnIPs[ip] {
		return true, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, nil
	}
	for _, n := range t.vpnNets {
		if n.Contains(parsed) {
			return true, nil
		}
	}
	return false, nil
}

func (t *StaticThreatIntel) Reputation(_ context.Context, ip string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rep, ok := t.reputation[ip]; ok {
		return rep, nil
	}
	return t.defaultRep, nil
}
