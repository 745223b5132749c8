package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeer writes the full peer row keyed by name, replacing any previous row.
func (s *Store) UpsertPeer(peer Peer) error {
	if strings.TrimSpace(peer.Name) == "" {
		return errors.New("peer_name is required")
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.Metadata == "" {
		peer.Metadata = "{}"
	}
	if peer.UpdatedAt == 0 {
		peer.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO tether_peers (
			peer_name,
			peer_uri,
			state,
			peer_metadata,
			updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_name) DO UPDATE SET
			peer_uri = excluded.peer_uri,
			state = excluded.state,
			peer_metadata = excluded.peer_metadata,
			updated_at = excluded.updated_at`,
		peer.Name,
		nullString(peer.Endpoint),
		peer.Status,
		peer.Metadata,
		peer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Name, err)
	}

	return nil
}

// GetPeer fetches a peer by name.
func (s *Store) GetPeer(name string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			peer_name,
			peer_uri,
			state,
			peer_metadata,
			updated_at
		FROM tether_peers
		WHERE peer_name = ?`,
		name,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", name, err)
	}

	return peer, nil
}

// GetPeerStatus returns only the stored status of a peer.
func (s *Store) GetPeerStatus(name string) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT state FROM tether_peers WHERE peer_name = ?`, name).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get peer status %q: %w", name, err)
	}
	return status, nil
}

// ListPeers returns all peers sorted by name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			peer_name,
			peer_uri,
			state,
			peer_metadata,
			updated_at
		FROM tether_peers
		ORDER BY peer_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// DeletePeer removes a peer by name. Deleting an absent peer is not an error.
func (s *Store) DeletePeer(name string) error {
	if name == "" {
		return errors.New("peer_name is required")
	}

	if _, err := s.db.Exec(`DELETE FROM tether_peers WHERE peer_name = ?`, name); err != nil {
		return fmt.Errorf("delete peer %q: %w", name, err)
	}
	return nil
}

// TransitionResult reports the outcome of TransitionPeer.
type TransitionResult struct {
	Previous     string
	Transitioned bool
	// ChannelRecreated is set when the mailbox channel had to be provisioned
	// on the fly because it was missing.
	ChannelRecreated bool
	MessageID        int64
}

// TransitionPeer moves a peer from t.From to t.To and appends t.Payload to
// t.Topic in one transaction. When the stored status differs from t.From the
// row is left untouched and nothing is published.
func (s *Store) TransitionPeer(t Transition) (TransitionResult, error) {
	if t.PeerName == "" {
		return TransitionResult{}, errors.New("peer_name is required")
	}
	if err := validatePeerStatus(t.From); err != nil {
		return TransitionResult{}, err
	}
	if err := validatePeerStatus(t.To); err != nil {
		return TransitionResult{}, err
	}

	var result TransitionResult
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(
			`SELECT state FROM tether_peers WHERE peer_name = ?`,
			t.PeerName,
		).Scan(&result.Previous); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read peer status %q: %w", t.PeerName, err)
		}
		if result.Previous != t.From {
			return nil
		}

		if _, err := tx.Exec(
			`UPDATE tether_peers SET state = ?, updated_at = ? WHERE peer_name = ?`,
			t.To,
			nowUnixMilli(),
			t.PeerName,
		); err != nil {
			return fmt.Errorf("update peer status %q: %w", t.PeerName, err)
		}

		if t.Topic != "" {
			created, err := ensureChannelTx(tx, t.Topic)
			if err != nil {
				return err
			}
			result.ChannelRecreated = created

			id, err := publishTx(tx, t.Topic, t.Payload)
			if err != nil {
				return err
			}
			result.MessageID = id
		}

		result.Transitioned = true
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		endpoint sql.NullString
	)

	if err := row.Scan(
		&peer.Name,
		&endpoint,
		&peer.Status,
		&peer.Metadata,
		&peer.UpdatedAt,
	); err != nil {
		return nil, err
	}

	peer.Endpoint = stringPtr(endpoint)
	return &peer, nil
}
