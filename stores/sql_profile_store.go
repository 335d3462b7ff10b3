package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/zerotrust"
)

// SQLProfileStore persists behavior and device profiles so trust history
// survives restarts. Profiles are stored as JSON snapshots keyed by
// principal or fingerprint.
type SQLProfileStore struct {
	db *squealx.DB
}

func NewSQLProfileStore(db *squealx.DB) (*SQLProfileStore, error) {
	return &SQLProfileStore{db: db}, nil
}

// Save writes the current contents of the in-memory profile store.
func (s *SQLProfileStore) Save(ctx context.Context, profiles *zerotrust.ProfileStore) error {
	now := time.Now()
	for _, bp := range profiles.ExportBehavior() {
		b, err := json.Marshal(bp)
		if err != nil {
			return err
		}
		q := `INSERT INTO behavior_profiles(user_id, profile_json, updated_at) VALUES(:user_id, :profile_json, :updated_at)
ON CONFLICT(user_id) DO UPDATE SET profile_json = :profile_json, updated_at = :updated_at`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"user_id":      bp.UserID,
			"profile_json": string(b),
			"updated_at":   now,
		}); err != nil {
			return err
		}
	}
	for _, dp := range profiles.ExportDevices() {
		b, err := json.Marshal(dp)
		if err != nil {
			return err
		}
		q := `INSERT INTO device_profiles(fingerprint, profile_json, updated_at) VALUES(:fingerprint, :profile_json, :updated_at)
ON CONFLICT(fingerprint) DO UPDATE SET profile_json = :profile_json, updated_at = :updated_at`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"fingerprint":  dp.Fingerprint,
			"profile_json": string(b),
			"updated_at":   now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Load imports all persisted profiles into the in-memory store.
func (s *SQLProfileStore) Load(ctx context.Context, profiles *zerotrust.ProfileStore) error {
	r, err := s.db.NamedQueryContext(ctx, `SELECT profile_json FROM behavior_profiles`, map[string]any{})
	if err != nil {
		return err
	}
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			r.Close()
			return err
		}
		var bp zerotrust.BehaviorProfile
		if err := json.Unmarshal([]byte(raw), &bp); err != nil {
			r.Close()
			return err
		}
		profiles.ImportBehavior(bp)
	}
	if err := r.Err(); err != nil {
		r.Close()
		return err
	}
	r.Close()

	r, err = s.db.NamedQueryContext(ctx, `SELECT profile_json FROM device_profiles`, map[string]any{})
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return err
		}
		var dp zerotrust.DeviceProfile
		if err := json.Unmarshal([]byte(raw), &dp); err != nil {
			return err
		}
		profiles.ImportDevice(dp)
	}
	return r.Err()
}
