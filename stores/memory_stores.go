package stores

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/zerotrust"
)

// MemoryAuditStore keeps audit entries in memory. Suitable for tests and
// single-process deployments.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*zerotrust.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) LogDecision(_ context.Context, entry *zerotrust.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *entry
	s.entries = append(s.entries, &dup)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(_ context.Context, filter zerotrust.AuditFilter) ([]*zerotrust.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]*zerotrust.AuditEntry, 0)
	for _, e := range s.entries {
		if !matchesFilter(e, filter) {
			continue
		}
		dup := *e
		out = append(out, &dup)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(e *zerotrust.AuditEntry, f zerotrust.AuditFilter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// MemorySessionStore keeps session verification times in memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	verified map[string]time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{verified: make(map[string]time.Time)}
}

func (s *MemorySessionStore) LastVerified(_ context.Context, sessionID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.verified[sessionID]
	return t, ok, nil
}

func (s *MemorySessionStore) MarkVerified(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[sessionID] = at
	return nil
}
