package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one recorded API action.
type AuditEntry struct {
	ID        int64
	UserID    string
	Action    string
	Resource  string
	Result    string
	Details   string
	CreatedAt int64 // unix ms
}

// AppendAudit records an API action.
func (s *Store) AppendAudit(e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
	INSERT INTO audit_log (user_id, action, resource, result, details, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.UserID, e.Action,
		sql.NullString{String: e.Resource, Valid: e.Resource != ""},
		e.Result,
		sql.NullString{String: e.Details, Valid: e.Details != ""},
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
	SELECT id, user_id, action, resource, result, details, created_at
	FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var resource, details sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &resource, &e.Result, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if resource.Valid {
			e.Resource = resource.String
		}
		if details.Valid {
			e.Details = details.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
