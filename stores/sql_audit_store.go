package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/zerotrust"
)

// SQLAuditStore persists access decisions in SQL for compliance reporting.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *zerotrust.AuditEntry) error {
	decisionB, _ := json.Marshal(entry.Decision)
	metaB, _ := json.Marshal(entry.Metadata)
	allowed := false
	overall := 0.0
	risk := ""
	reason := ""
	if entry.Decision != nil {
		allowed = entry.Decision.Allowed
		overall = entry.Decision.TrustScore.Overall
		risk = string(entry.Decision.TrustScore.RiskLevel)
		reason = entry.Decision.Reason
	}
	q := `INSERT INTO audit_log(id, timestamp, user_id, session_id, resource, action, allowed, reason, trust_score, risk_level, trace_id, decision_json, metadata_json)
VALUES(:id, :timestamp, :user_id, :session_id, :resource, :action, :allowed, :reason, :trust_score, :risk_level, :trace_id, :decision_json, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp,
		"user_id":       entry.UserID,
		"session_id":    entry.SessionID,
		"resource":      entry.Resource,
		"action":        entry.Action,
		"allowed":       boolToInt(allowed),
		"reason":        reason,
		"trust_score":   overall,
		"risk_level":    risk,
		"trace_id":      entry.TraceID,
		"decision_json": string(decisionB),
		"metadata_json": string(metaB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter zerotrust.AuditFilter) ([]*zerotrust.AuditEntry, error) {
	q := `SELECT id, timestamp, user_id, session_id, resource, action, trace_id, decision_json, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Resource != "" {
		q += " AND resource = :resource"
		params["resource"] = filter.Resource
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*zerotrust.AuditEntry, 0)
	for r.Next() {
		var id, userID, sessionID, resource, action, traceID, decisionJSON, metaJSON string
		var timestampRaw interface{}
		if err := r.Scan(&id, &timestampRaw, &userID, &sessionID, &resource, &action, &traceID, &decisionJSON, &metaJSON); err != nil {
			return nil, err
		}
		entry := &zerotrust.AuditEntry{
			ID:        id,
			UserID:    userID,
			SessionID: sessionID,
			Resource:  resource,
			Action:    action,
			TraceID:   traceID,
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			entry.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				entry.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				entry.Timestamp = t
			}
		}
		_ = json.Unmarshal([]byte(decisionJSON), &entry.Decision)
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, r.Err()
}
