package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veloxhq/conductor/internal/model"
)

// MessageFilter for filtering messages
type MessageFilter struct {
	AfterSeq int64 // return messages with seq > AfterSeq
	Limit    int
}

// AppendMessage stores a message and assigns the next per-project sequence
// number. The assigned seq is written back to the message.
func (s *Store) AppendMessage(m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	mentions, err := json.Marshal(m.Mentions)
	if err != nil {
		return fmt.Errorf("failed to marshal mentions: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE project_id = ?`,
		m.ProjectID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to assign message seq: %w", err)
	}

	_, err = tx.Exec(`
	INSERT INTO messages (id, project_id, seq, from_id, from_name, content, mentions, type, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.ProjectID, seq, m.FromID, m.FromName, m.Content,
		string(mentions), string(m.Type), m.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	m.Seq = seq
	return nil
}

// ListMessages returns a project's messages in sequence order.
func (s *Store) ListMessages(projectID string, f MessageFilter) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, seq, from_id, from_name, content, mentions, type, created_at
	FROM messages WHERE project_id = ? AND seq > ?
	ORDER BY seq
	`
	args := []interface{}{projectID, f.AfterSeq}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		m := model.Message{ProjectID: projectID, Attachments: []string{}}
		var mentions, typ string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Seq, &m.FromID, &m.FromName, &m.Content, &mentions, &typ, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
			m.Mentions = []string{}
		}
		m.Type = model.MessageType(typ)
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// MessageCount returns the number of messages stored for a project.
func (s *Store) MessageCount(projectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
