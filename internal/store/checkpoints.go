package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/veloxhq/conductor/internal/model"
)

// SaveCheckpoint inserts or updates a project's checkpoint for a stage.
func (s *Store) SaveCheckpoint(projectID string, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolvedAt sql.NullInt64
	if cp.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: cp.ResolvedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO checkpoints (project_id, stage, mode, status, resolved_by, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		projectID, string(cp.Stage), string(cp.Mode), string(cp.Status),
		sql.NullString{String: cp.ResolvedBy, Valid: cp.ResolvedBy != ""},
		cp.CreatedAt.UnixMilli(), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a project's checkpoints in creation order.
func (s *Store) ListCheckpoints(projectID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT stage, mode, status, resolved_by, created_at, resolved_at
	FROM checkpoints WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []model.Checkpoint{}
	for rows.Next() {
		var cp model.Checkpoint
		var stage, mode, status string
		var resolvedBy sql.NullString
		var createdAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&stage, &mode, &status, &resolvedBy, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Stage = model.Stage(stage)
		cp.Mode = model.CheckpointMode(mode)
		cp.Status = model.CheckpointStatus(status)
		cp.CreatedAt = time.UnixMilli(createdAt).UTC()
		if resolvedBy.Valid {
			cp.ResolvedBy = resolvedBy.String
		}
		if resolvedAt.Valid {
			t := time.UnixMilli(resolvedAt.Int64).UTC()
			cp.ResolvedAt = &t
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}
