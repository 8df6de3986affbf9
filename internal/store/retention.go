package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention cleans up old data according to retention policies
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	// Messages of terminal projects older than 30 days
	thirtyDaysAgo := now - (30 * 24 * 60 * 60 * 1000)
	_, err := s.db.ExecContext(ctx, `
	DELETE FROM messages WHERE created_at < ? AND project_id IN (
		SELECT id FROM projects WHERE status IN ('completed', 'failed')
	)`, thirtyDaysAgo)
	if err != nil {
		return fmt.Errorf("failed to delete old messages: %w", err)
	}

	// Audit logs older than 30 days
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ?",
		thirtyDaysAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old audit logs: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
