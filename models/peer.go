package models

import (
	"errors"
	"strings"
)

// TetherStatus is the handshake state of a peer.
type TetherStatus string

const (
	TetherStatusPending  TetherStatus = "PENDING"
	TetherStatusAccepted TetherStatus = "ACCEPTED"
	TetherStatusRejected TetherStatus = "REJECTED"
)

// Valid reports whether s is one of the known handshake states.
func (s TetherStatus) Valid() bool {
	switch s {
	case TetherStatusPending, TetherStatusAccepted, TetherStatusRejected:
		return true
	default:
		return false
	}
}

// ConnectionStatus is the liveness view of a control channel.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionInactive ConnectionStatus = "INACTIVE"
)

// NamespaceAllocation reserves a share of the hub for one namespace of the edge.
// Limits are quota strings such as "40%".
type NamespaceAllocation struct {
	Namespace   string `json:"namespace"`
	CPULimit    string `json:"cpuLimit"`
	MemoryLimit string `json:"memoryLimit"`
}

// PeerMetadata describes the remote side of a tether.
type PeerMetadata struct {
	Project    string                `json:"project,omitempty"`
	Location   string                `json:"location,omitempty"`
	Namespaces []NamespaceAllocation `json:"namespaces"`
}

// Peer is one tether relationship as exposed by the API.
type Peer struct {
	Name         string       `json:"name"`
	Endpoint     string       `json:"endpoint,omitempty"`
	TetherStatus TetherStatus `json:"tetherStatus"`
	PeerMetadata PeerMetadata `json:"peerMetadata"`
}

// TetherRequest is the body of a tether creation call. Instance names the
// initiating instance; Endpoint is the hub address and is ignored by the hub.
type TetherRequest struct {
	Project    string                `json:"project"`
	Location   string                `json:"location"`
	Instance   string                `json:"instance"`
	Endpoint   string                `json:"endpoint"`
	Namespaces []NamespaceAllocation `json:"namespaces"`
}

// Validate checks the fields every role needs.
func (r TetherRequest) Validate() error {
	if strings.TrimSpace(r.Instance) == "" {
		return errors.New("instance is required")
	}
	if strings.ContainsAny(r.Instance, "/?#") {
		return errors.New("instance must not contain '/', '?' or '#'")
	}
	for _, ns := range r.Namespaces {
		if strings.TrimSpace(ns.Namespace) == "" {
			return errors.New("namespace allocation requires a namespace")
		}
	}
	return nil
}
