package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrChannelNotFound indicates a mailbox channel was never provisioned.
	ErrChannelNotFound = errors.New("storage: mailbox channel not found")
)

const (
	// PeerStatusPending marks a tether awaiting the hub operator's decision.
	PeerStatusPending = "PENDING"
	// PeerStatusAccepted marks an established tether.
	PeerStatusAccepted = "ACCEPTED"
	// PeerStatusRejected marks a refused tether.
	PeerStatusRejected = "REJECTED"
)

// Peer is the SQLite representation of one tether relationship.
type Peer struct {
	Name string
	// Endpoint is only known on the initiating side.
	Endpoint  *string
	Status    string
	Metadata  string
	UpdatedAt int64
}

// MailboxMessage is one entry of a peer mailbox channel.
type MailboxMessage struct {
	ID          int64
	Topic       string
	MessageUUID string
	Payload     []byte
	PublishedAt int64
}

// Transition describes a guarded status change plus the control message that
// announces it to the peer.
type Transition struct {
	PeerName string
	From     string
	To       string
	Topic    string
	Payload  []byte
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusPending, PeerStatusAccepted, PeerStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
