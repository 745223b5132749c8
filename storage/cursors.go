package storage

import (
	"errors"
	"fmt"
)

// SetCursor records the last consumed message ID of a mailbox topic.
func (s *Store) SetCursor(topic string, messageID int64) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if messageID <= 0 {
		return errors.New("message_id must be > 0")
	}

	_, err := s.db.Exec(
		`INSERT INTO tether_cursors (topic, message_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			message_id = excluded.message_id,
			updated_at = excluded.updated_at`,
		topic,
		messageID,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set cursor %q: %w", topic, err)
	}

	return nil
}

// GetCursors returns every persisted cursor keyed by topic.
func (s *Store) GetCursors() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT topic, message_id FROM tether_cursors`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]int64)
	for rows.Next() {
		var (
			topic     string
			messageID int64
		)
		if err := rows.Scan(&topic, &messageID); err != nil {
			return nil, fmt.Errorf("scan cursor row: %w", err)
		}
		cursors[topic] = messageID
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursor rows: %w", err)
	}

	return cursors, nil
}

// DeleteCursor forgets the cursor of a topic.
func (s *Store) DeleteCursor(topic string) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if _, err := s.db.Exec(`DELETE FROM tether_cursors WHERE topic = ?`, topic); err != nil {
		return fmt.Errorf("delete cursor %q: %w", topic, err)
	}
	return nil
}
