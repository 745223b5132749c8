package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateChannel provisions a mailbox channel. An existing channel is kept as is.
func (s *Store) CreateChannel(topic string) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := ensureChannelTx(tx, topic)
		return err
	})
}

// ChannelExists reports whether a mailbox channel was provisioned.
func (s *Store) ChannelExists(topic string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM mailbox_channels WHERE topic = ?)`,
		topic,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check mailbox channel %q: %w", topic, err)
	}
	return exists == 1, nil
}

// Publish appends payload to a channel and returns the assigned message ID.
// IDs grow monotonically and are never reused.
func (s *Store) Publish(topic string, payload []byte) (int64, error) {
	if topic == "" {
		return 0, errors.New("topic is required")
	}

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM mailbox_channels WHERE topic = ?)`,
			topic,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check mailbox channel %q: %w", topic, err)
		}
		if exists != 1 {
			return ErrChannelNotFound
		}

		var err error
		id, err = publishTx(tx, topic, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Drain returns up to limit messages published to topic strictly after
// sinceID, in publish order. It never moves any cursor; callers persist the
// position of the last delivered message themselves.
func (s *Store) Drain(topic string, sinceID int64, limit int) ([]MailboxMessage, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if limit <= 0 {
		limit = 100
	}

	exists, err := s.ChannelExists(topic)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrChannelNotFound
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			topic,
			message_uuid,
			payload,
			published_at
		FROM mailbox_messages
		WHERE topic = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		topic,
		sinceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("drain mailbox %q: %w", topic, err)
	}
	defer rows.Close()

	messages := make([]MailboxMessage, 0)
	for rows.Next() {
		var (
			message MailboxMessage
			payload string
		)
		if err := rows.Scan(
			&message.ID,
			&message.Topic,
			&message.MessageUUID,
			&payload,
			&message.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mailbox row: %w", err)
		}
		message.Payload = []byte(payload)
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mailbox rows: %w", err)
	}

	return messages, nil
}

// PurgeChannel removes a channel, all of its messages and its cursor.
// Purging an unknown channel is a no-op.
func (s *Store) PurgeChannel(topic string) error {
	if topic == "" {
		return errors.New("topic is required")
	}

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM mailbox_messages WHERE topic = ?`, topic); err != nil {
			return fmt.Errorf("purge mailbox messages %q: %w", topic, err)
		}
		if _, err := tx.Exec(`DELETE FROM mailbox_channels WHERE topic = ?`, topic); err != nil {
			return fmt.Errorf("purge mailbox channel %q: %w", topic, err)
		}
		if _, err := tx.Exec(`DELETE FROM tether_cursors WHERE topic = ?`, topic); err != nil {
			return fmt.Errorf("purge mailbox cursor %q: %w", topic, err)
		}
		return nil
	})
}

func ensureChannelTx(tx *sql.Tx, topic string) (bool, error) {
	res, err := tx.Exec(
		`INSERT INTO mailbox_channels (topic, created_at)
		VALUES (?, ?)
		ON CONFLICT(topic) DO NOTHING`,
		topic,
		nowUnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("create mailbox channel %q: %w", topic, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for mailbox channel %q: %w", topic, err)
	}
	return rowsAffected == 1, nil
}

func publishTx(tx *sql.Tx, topic string, payload []byte) (int64, error) {
	res, err := tx.Exec(
		`INSERT INTO mailbox_messages (
			topic,
			message_uuid,
			payload,
			published_at
		) VALUES (?, ?, ?, ?)`,
		topic,
		uuid.NewString(),
		string(payload),
		nowUnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("publish to mailbox %q: %w", topic, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read mailbox message id for %q: %w", topic, err)
	}
	return id, nil
}
