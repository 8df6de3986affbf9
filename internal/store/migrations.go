package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		requirement  TEXT NOT NULL,
		workspace    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'planning',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	CREATE INDEX IF NOT EXISTS idx_projects_created ON projects(created_at);

	CREATE TABLE IF NOT EXISTS team_members (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(id),
		role_id     TEXT NOT NULL,
		role_name   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'offline',
		position    INTEGER NOT NULL,
		created_at  INTEGER NOT NULL,
		UNIQUE (project_id, role_id)
	);

	CREATE INDEX IF NOT EXISTS idx_members_project ON team_members(project_id, position);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(id),
		seq         INTEGER NOT NULL,
		from_id     TEXT NOT NULL,
		from_name   TEXT NOT NULL,
		content     TEXT NOT NULL,
		mentions    TEXT NOT NULL DEFAULT '[]',
		type        TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		UNIQUE (project_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, seq);

	CREATE TABLE IF NOT EXISTS checkpoints (
		project_id  TEXT NOT NULL REFERENCES projects(id),
		stage       TEXT NOT NULL,
		mode        TEXT NOT NULL,
		status      TEXT NOT NULL,
		resolved_by TEXT,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER,
		PRIMARY KEY (project_id, stage)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	// Check current version
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil // already at v2+
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		result TEXT NOT NULL,
		details TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
