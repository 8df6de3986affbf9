package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/veloxhq/conductor/internal/model"
)

// ProjectFilter for filtering projects
type ProjectFilter struct {
	Status string
	Limit  int
}

// SaveProject inserts or updates a project together with its team. The team
// rows are replaced wholesale; members are few and ordered by position.
func (s *Store) SaveProject(p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
	INSERT OR REPLACE INTO projects (id, name, requirement, workspace, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.Requirement, p.Workspace, string(p.Status),
		p.CreatedAt.UnixMilli(), p.LastUpdated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM team_members WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear team: %w", err)
	}

	for i, m := range p.Team {
		_, err := tx.Exec(`
		INSERT INTO team_members (id, project_id, role_id, role_name, status, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			m.ID, p.ID, m.Role.ID, m.Role.Name, string(m.Status), i, m.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to save team member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

// GetProject retrieves a project and its team by ID. Returns nil if absent.
func (s *Store) GetProject(id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &model.Project{Team: []*model.TeamMember{}}
	var status string
	var createdAt, updatedAt int64

	err := s.db.QueryRow(`
	SELECT id, name, requirement, workspace, status, created_at, updated_at
	FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Requirement, &p.Workspace, &status, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.Status = model.ProjectStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.LastUpdated = time.UnixMilli(updatedAt).UTC()

	team, err := s.loadTeam(p.ID)
	if err != nil {
		return nil, err
	}
	p.Team = team
	return p, nil
}

func (s *Store) loadTeam(projectID string) ([]*model.TeamMember, error) {
	rows, err := s.db.Query(`
	SELECT id, role_id, role_name, status, created_at
	FROM team_members WHERE project_id = ? ORDER BY position
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team: %w", err)
	}
	defer rows.Close()

	team := []*model.TeamMember{}
	for rows.Next() {
		m := &model.TeamMember{}
		var status string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Role.ID, &m.Role.Name, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		m.Status = model.AgentStatus(status)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		team = append(team, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating team: %w", err)
	}
	return team, nil
}

// ListProjects retrieves projects matching the filter, newest first.
func (s *Store) ListProjects(f ProjectFilter) ([]*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, name, requirement, workspace, status, created_at, updated_at
	FROM projects
	`
	args := []interface{}{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{Team: []*model.TeamMember{}}
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Requirement, &p.Workspace, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Status = model.ProjectStatus(status)
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		p.LastUpdated = time.UnixMilli(updatedAt).UTC()
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	for _, p := range projects {
		team, err := s.loadTeam(p.ID)
		if err != nil {
			return nil, err
		}
		p.Team = team
	}
	return projects, nil
}

// UpdateProjectStatus updates a project's status and updated_at.
func (s *Store) UpdateProjectStatus(id string, status model.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return nil
}

// UpdateRequirement replaces a project's requirement text.
func (s *Store) UpdateRequirement(id, requirement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE projects SET requirement = ?, updated_at = ? WHERE id = ?`,
		requirement, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update requirement: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project not found: %s", id)
	}
	return nil
}

// MarkInterrupted flags every non-terminal project as failed. Called on
// startup: live sessions do not survive a restart so in-flight projects
// cannot be resumed.
func (s *Store) MarkInterrupted() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
	UPDATE projects SET status = 'failed', updated_at = ?
	WHERE status NOT IN ('completed', 'failed')
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted projects: %w", err)
	}
	return result.RowsAffected()
}
