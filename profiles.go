package zerotrust

import (
	"hash/fnv"
	"sync"
	"time"
)

// ============================================================================
// PRINCIPAL / DEVICE PROFILE STORE
// ============================================================================

const (
	profileShardCount = 32
	maxAccessAttempts = 100
)

// ProfileStore holds behavior and device profiles behind sharded locks so
// concurrent evaluations for different principals never contend and updates
// for the same principal never lose ring-buffer entries. State is
// process-lifetime only; durability is a collaborator concern (stores/).
type ProfileStore struct {
	shards [profileShardCount]profileShard
}

type profileShard struct {
	mu       sync.RWMutex
	behavior map[string]*BehaviorProfile
	devices  map[string]*DeviceProfile
}

func NewProfileStore() *ProfileStore {
	s := &ProfileStore{}
	for i := range s.shards {
		s.shards[i].behavior = make(map[string]*BehaviorProfile)
		s.shards[i].devices = make(map[string]*DeviceProfile)
	}
	return s
}

func (s *ProfileStore) shard(key string) *profileShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%profileShardCount]
}

// Behavior returns a copy of the principal's behavior profile.
func (s *ProfileStore) Behavior(userID string) (BehaviorProfile, bool) {
	if userID == "" {
		return BehaviorProfile{}, false
	}
	sh := s.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.behavior[userID]
	if !ok {
		return BehaviorProfile{}, false
	}
	return copyBehavior(p), true
}

// Device returns a copy of the device profile for a fingerprint.
func (s *ProfileStore) Device(fingerprint string) (DeviceProfile, bool) {
	if fingerprint == "" {
		return DeviceProfile{}, false
	}
	sh := s.shard(fingerprint)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	d, ok := sh.devices[fingerprint]
	if !ok {
		return DeviceProfile{}, false
	}
	dup := *d
	return dup, true
}

// RecordAttempt folds one evaluated request into the principal's behavior
// profile: access-attempt ring buffer (FIFO, max 100), active hours, common
// locations and session-duration stats. Profiles are created lazily.
func (s *ProfileStore) RecordAttempt(sc *SecurityContext, attempt AccessAttempt) {
	if sc == nil || sc.UserID == "" {
		return
	}
	at := attempt.Timestamp
	if at.IsZero() {
		at = time.Now()
		attempt.Timestamp = at
	}

	sh := s.shard(sc.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.behavior[sc.UserID]
	if !ok {
		p = &BehaviorProfile{UserID: sc.UserID}
		sh.behavior[sc.UserID] = p
	}

	p.AccessAttempts = append(p.AccessAttempts, attempt)
	if len(p.AccessAttempts) > maxAccessAttempts {
		p.AccessAttempts = p.AccessAttempts[len(p.AccessAttempts)-maxAccessAttempts:]
	}

	p.ActiveHours[at.Hour()]++

	if sc.Location != nil {
		found := false
		for i := range p.CommonLocations {
			if p.CommonLocations[i].Country == sc.Location.Country && p.CommonLocations[i].Region == sc.Location.Region {
				p.CommonLocations[i].Count++
				found = true
				break
			}
		}
		if !found {
			p.CommonLocations = append(p.CommonLocations, LocationCount{
				Country: sc.Location.Country,
				Region:  sc.Location.Region,
				Count:   1,
			})
		}
	}

	// session rollover: when the session id changes, close the previous
	// session and fold its duration into the running average
	if sc.SessionID != "" {
		if p.LastSessionID == "" || p.LastSessionID != sc.SessionID {
			if p.LastSessionID != "" && !p.SessionStart.IsZero() && !p.LastSeen.IsZero() {
				dur := p.LastSeen.Sub(p.SessionStart).Seconds()
				if dur < 0 {
					dur = 0
				}
				p.AvgSessionSecs = (p.AvgSessionSecs*float64(p.SessionCount) + dur) / float64(p.SessionCount+1)
				p.SessionCount++
			}
			p.LastSessionID = sc.SessionID
			p.SessionStart = at
		}
	}
	p.LastSeen = at
}

// TouchDevice records (or refreshes) a device profile for a fingerprint.
func (s *ProfileStore) TouchDevice(fingerprint, userAgent string, at time.Time) {
	if fingerprint == "" {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	sh := s.shard(fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d, ok := sh.devices[fingerprint]
	if !ok {
		sh.devices[fingerprint] = &DeviceProfile{
			Fingerprint: fingerprint,
			UserAgent:   userAgent,
			FirstSeen:   at,
			LastSeen:    at,
		}
		return
	}
	d.UserAgent = userAgent
	d.LastSeen = at
}

// ImportBehavior seeds a behavior profile, replacing any existing one.
// Used by the persistence collaborator to restore snapshots on start.
func (s *ProfileStore) ImportBehavior(p BehaviorProfile) {
	if p.UserID == "" {
		return
	}
	sh := s.shard(p.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	dup := copyBehavior(&p)
	sh.behavior[p.UserID] = &dup
}

// ImportDevice seeds a device profile, replacing any existing one.
func (s *ProfileStore) ImportDevice(d DeviceProfile) {
	if d.Fingerprint == "" {
		return
	}
	sh := s.shard(d.Fingerprint)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	dup := d
	sh.devices[d.Fingerprint] = &dup
}

// ExportBehavior returns copies of all behavior profiles.
func (s *ProfileStore) ExportBehavior() []BehaviorProfile {
	out := make([]BehaviorProfile, 0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, p := range sh.behavior {
			out = append(out, copyBehavior(p))
		}
		sh.mu.RUnlock()
	}
	return out
}

// ExportDevices returns copies of all device profiles.
func (s *ProfileStore) ExportDevices() []DeviceProfile {
	out := make([]DeviceProfile, 0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, d := range sh.devices {
			out = append(out, *d)
		}
		sh.mu.RUnlock()
	}
	return out
}

func copyBehavior(p *BehaviorProfile) BehaviorProfile {
	dup := *p
	dup.AccessAttempts = append([]AccessAttempt(nil), p.AccessAttempts...)
	dup.CommonLocations = append([]LocationCount(nil), p.CommonLocations...)
	return dup
}
