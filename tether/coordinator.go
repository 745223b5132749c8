package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tetherd/models"
	"tetherd/storage"
)

const (
	// TopicPrefix prefixes the mailbox channel of every peer.
	TopicPrefix = "tethering_"

	defaultMailboxBatchSize = 100
)

// TopicFor returns the mailbox channel name of peer.
func TopicFor(peer string) string {
	return TopicPrefix + peer
}

// Store is the persistence surface used by the coordinator.
type Store interface {
	UpsertPeer(peer storage.Peer) error
	GetPeer(name string) (*storage.Peer, error)
	GetPeerStatus(name string) (string, error)
	ListPeers() ([]storage.Peer, error)
	DeletePeer(name string) error
	TransitionPeer(t storage.Transition) (storage.TransitionResult, error)

	CreateChannel(topic string) error
	Drain(topic string, sinceID int64, limit int) ([]storage.MailboxMessage, error)
	PurgeChannel(topic string) error

	SetCursor(topic string, messageID int64) error
	GetCursors() (map[string]int64, error)
}

// HubClient sends tether creation calls to a hub.
type HubClient interface {
	CreateTether(ctx context.Context, endpoint string, request models.TetherRequest) error
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Instance is the local instance name, used to tag events.
	Instance string
	Store    Store
	Liveness *LivenessTracker

	// Client is required to initiate tethers.
	Client    HubClient
	Events    EventSink
	Pipelines PipelineRunner

	MailboxBatchSize int
}

// PollTarget is a peer the local instance polls.
type PollTarget struct {
	Name     string
	Endpoint string
}

// Coordinator owns the peer lifecycle and the hub side of the control channel.
type Coordinator struct {
	options CoordinatorOptions
	locks   *keyedMutex

	cursorMu sync.RWMutex
	cursors  map[string]int64
}

// NewCoordinator validates options and loads the persisted mailbox cursors.
func NewCoordinator(options CoordinatorOptions) (*Coordinator, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Liveness == nil {
		return nil, errors.New("liveness tracker is required")
	}
	if options.Events == nil {
		options.Events = NopSink{}
	}
	if options.Pipelines == nil {
		options.Pipelines = LoggingPipelineRunner{}
	}
	if options.MailboxBatchSize <= 0 {
		options.MailboxBatchSize = defaultMailboxBatchSize
	}

	cursors, err := options.Store.GetCursors()
	if err != nil {
		return nil, fmt.Errorf("load mailbox cursors: %w", err)
	}

	return &Coordinator{
		options: options,
		locks:   newKeyedMutex(),
		cursors: cursors,
	}, nil
}

// Liveness returns the tracker shared with the transport.
func (c *Coordinator) Liveness() *LivenessTracker {
	return c.options.Liveness
}

// Initiate asks the hub at request.Endpoint to register this instance and,
// once the hub answered OK, records the tether locally as PENDING.
func (c *Coordinator) Initiate(ctx context.Context, request models.TetherRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	endpoint := strings.TrimRight(strings.TrimSpace(request.Endpoint), "/")
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRequest)
	}
	if c.options.Client == nil {
		return errors.New("hub client is not configured")
	}
	request.Endpoint = endpoint

	unlock := c.locks.Lock(request.Instance)
	defer unlock()

	if err := c.options.Client.CreateTether(ctx, endpoint, request); err != nil {
		return err
	}

	metadata := models.PeerMetadata{
		Project:    request.Project,
		Location:   request.Location,
		Namespaces: request.Namespaces,
	}
	previous, err := c.upsertRequested(request.Instance, &endpoint, metadata)
	if err != nil {
		return err
	}

	logrus.Infof("[tether] requested tether %s with hub %s", request.Instance, endpoint)
	c.emit(Event{
		Type:     EventTetherCreated,
		Peer:     request.Instance,
		Status:   models.TetherStatusPending,
		Previous: previous,
	})
	return nil
}

// Register records an inbound tether request as PENDING and provisions the
// peer's mailbox. Repeating the call refreshes the request.
func (c *Coordinator) Register(request models.TetherRequest) error {
	if err := request.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	unlock := c.locks.Lock(request.Instance)
	defer unlock()

	// Project and location belong to the initiator and are not kept here.
	metadata := models.PeerMetadata{Namespaces: request.Namespaces}
	previous, err := c.upsertRequested(request.Instance, nil, metadata)
	if err != nil {
		return err
	}

	topic := TopicFor(request.Instance)
	if previous != "" && previous != models.TetherStatusPending {
		// Decisions queued for the previous tether must not reach the new one.
		if err := c.resetMailbox(topic); err != nil {
			return fmt.Errorf("reset mailbox for %q: %w", request.Instance, err)
		}
	}
	if err := c.options.Store.CreateChannel(topic); err != nil {
		return fmt.Errorf("provision mailbox for %q: %w", request.Instance, err)
	}

	logrus.Infof("[tether] registered tether request from %s", request.Instance)
	c.emit(Event{
		Type:     EventTetherCreated,
		Peer:     request.Instance,
		Status:   models.TetherStatusPending,
		Previous: previous,
	})
	return nil
}

func (c *Coordinator) resetMailbox(topic string) error {
	if err := c.options.Store.PurgeChannel(topic); err != nil {
		return err
	}
	c.cursorMu.Lock()
	delete(c.cursors, topic)
	c.cursorMu.Unlock()
	return nil
}

// upsertRequested writes a requested peer as PENDING and returns the status
// it had before, or "" for a new peer. Re-creating a decided tether starts
// the handshake over.
func (c *Coordinator) upsertRequested(name string, endpoint *string, metadata models.PeerMetadata) (models.TetherStatus, error) {
	var previous models.TetherStatus
	existing, err := c.options.Store.GetPeer(name)
	switch {
	case err == nil:
		previous = models.TetherStatus(existing.Status)
		if existing.Status != storage.PeerStatusPending {
			logrus.Infof("[tether] tether %s re-requested while %s, back to PENDING", name, existing.Status)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return "", fmt.Errorf("read peer %q: %w", name, err)
	}

	encoded, err := json.Marshal(normalizeMetadata(metadata))
	if err != nil {
		return "", fmt.Errorf("encode metadata for %q: %w", name, err)
	}

	if err := c.options.Store.UpsertPeer(storage.Peer{
		Name:     name,
		Endpoint: endpoint,
		Status:   storage.PeerStatusPending,
		Metadata: string(encoded),
	}); err != nil {
		return "", err
	}
	return previous, nil
}

// Accept moves a PENDING peer to ACCEPTED and queues TETHER_ACCEPTED for it.
func (c *Coordinator) Accept(name string) error {
	return c.transition(name, models.TetherStatusAccepted, models.TypeTetherAccepted)
}

// Reject moves a PENDING peer to REJECTED and queues TETHER_REJECTED for it.
func (c *Coordinator) Reject(name string) error {
	return c.transition(name, models.TetherStatusRejected, models.TypeTetherRejected)
}

func (c *Coordinator) transition(name string, to models.TetherStatus, messageType models.MessageType) error {
	unlock := c.locks.Lock(name)
	defer unlock()

	payload, err := models.EncodeControlMessage(models.ControlMessage{Type: messageType})
	if err != nil {
		return err
	}

	result, err := c.options.Store.TransitionPeer(storage.Transition{
		PeerName: name,
		From:     storage.PeerStatusPending,
		To:       string(to),
		Topic:    TopicFor(name),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("move peer %q to %s: %w", name, to, err)
	}

	if !result.Transitioned {
		logrus.Infof("[tether] ignoring %s for %s, tether status is %s", strings.ToLower(string(to)), name, result.Previous)
		return nil
	}
	if result.ChannelRecreated {
		logrus.Warnf("[tether] mailbox for %s was missing and has been recreated", name)
	}

	logrus.WithFields(logrus.Fields{
		"peer":       name,
		"status":     to,
		"message_id": result.MessageID,
	}).Info("[tether] tether status changed")
	c.emit(Event{
		Type:     EventStatusChanged,
		Peer:     name,
		Status:   to,
		Previous: models.TetherStatus(result.Previous),
	})
	return nil
}

// Apply handles one control message received from the hub for peer. Messages
// for unknown peers and of unknown types are logged and dropped.
func (c *Coordinator) Apply(ctx context.Context, peer string, message models.ControlMessage) error {
	unlock := c.locks.Lock(peer)
	defer unlock()

	current, err := c.options.Store.GetPeer(peer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logrus.Debugf("[tether] dropping %s for deleted peer %s", message.Type, peer)
			return nil
		}
		return fmt.Errorf("read peer %q: %w", peer, err)
	}

	switch message.Type {
	case models.TypeKeepalive:
		return nil
	case models.TypeTetherAccepted:
		return c.applyStatus(current, models.TetherStatusAccepted)
	case models.TypeTetherRejected:
		return c.applyStatus(current, models.TetherStatusRejected)
	case models.TypeRunPipeline:
		if err := message.Validate(); err != nil {
			logrus.Warnf("[tether] dropping control message from %s: %v", peer, err)
			return nil
		}
		if current.Status != storage.PeerStatusAccepted {
			logrus.Warnf("[tether] dropping %s from %s, tether status is %s", message.Type, peer, current.Status)
			return nil
		}
		if err := c.options.Pipelines.RunPipeline(ctx, peer, message.Payload); err != nil {
			return fmt.Errorf("run pipeline for %q: %w", peer, err)
		}
		return nil
	default:
		logrus.Warnf("[tether] ignoring unknown control message type %q from %s", message.Type, peer)
		return nil
	}
}

func (c *Coordinator) applyStatus(current *storage.Peer, to models.TetherStatus) error {
	previous := current.Status
	if previous == string(to) {
		logrus.Debugf("[tether] %s already %s", current.Name, to)
		return nil
	}
	if previous != storage.PeerStatusPending {
		logrus.Warnf("[tether] %s moves from %s to %s, expected PENDING", current.Name, previous, to)
	}

	updated := *current
	updated.Status = string(to)
	updated.UpdatedAt = 0
	if err := c.options.Store.UpsertPeer(updated); err != nil {
		return fmt.Errorf("apply %s to %q: %w", to, current.Name, err)
	}

	logrus.Infof("[tether] tether %s is now %s", current.Name, to)
	c.emit(Event{
		Type:     EventStatusChanged,
		Peer:     current.Name,
		Status:   to,
		Previous: models.TetherStatus(previous),
	})
	return nil
}

// Delete removes a peer, its liveness entry and its mailbox. It succeeds
// when the peer does not exist.
func (c *Coordinator) Delete(name string) error {
	unlock := c.locks.Lock(name)
	defer unlock()

	if err := c.options.Store.DeletePeer(name); err != nil {
		return err
	}
	c.options.Liveness.Remove(name)

	if err := c.resetMailbox(TopicFor(name)); err != nil {
		return fmt.Errorf("purge mailbox of %q: %w", name, err)
	}

	logrus.Infof("[tether] deleted tether %s", name)
	c.emit(Event{Type: EventTetherDeleted, Peer: name})
	return nil
}

// List returns every known peer. A peer whose metadata cannot be decoded is
// still listed, with empty metadata.
func (c *Coordinator) List() ([]models.Peer, error) {
	rows, err := c.options.Store.ListPeers()
	if err != nil {
		return nil, err
	}

	peers := make([]models.Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, toModel(row))
	}
	return peers, nil
}

// Get returns one peer.
func (c *Coordinator) Get(name string) (models.Peer, error) {
	row, err := c.options.Store.GetPeer(name)
	if err != nil {
		return models.Peer{}, err
	}
	return toModel(*row), nil
}

// PollTargets returns the peers that have a hub endpoint to poll.
func (c *Coordinator) PollTargets() ([]PollTarget, error) {
	rows, err := c.options.Store.ListPeers()
	if err != nil {
		return nil, err
	}

	targets := make([]PollTarget, 0, len(rows))
	for _, row := range rows {
		if row.Endpoint == nil || *row.Endpoint == "" {
			continue
		}
		targets = append(targets, PollTarget{Name: row.Name, Endpoint: *row.Endpoint})
	}
	return targets, nil
}

// RecordContact refreshes the liveness of peer if it is still known.
func (c *Coordinator) RecordContact(peer string) {
	unlock := c.locks.Lock(peer)
	defer unlock()

	if _, err := c.options.Store.GetPeerStatus(peer); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logrus.Warnf("[tether] failed to read %s before recording contact: %v", peer, err)
		}
		return
	}
	c.options.Liveness.Touch(peer)
}

// ChannelStatus returns the liveness status of every contacted peer.
func (c *Coordinator) ChannelStatus() map[string]models.ConnectionStatus {
	return c.options.Liveness.Snapshot()
}

func (c *Coordinator) emit(event Event) {
	event.Instance = c.options.Instance
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	c.options.Events.Publish(event)
}

func toModel(row storage.Peer) models.Peer {
	peer := models.Peer{
		Name:         row.Name,
		TetherStatus: models.TetherStatus(row.Status),
	}
	if row.Endpoint != nil {
		peer.Endpoint = *row.Endpoint
	}
	if err := json.Unmarshal([]byte(row.Metadata), &peer.PeerMetadata); err != nil {
		logrus.Warnf("[tether] unreadable metadata for %s: %v", row.Name, err)
		peer.PeerMetadata = models.PeerMetadata{}
	}
	peer.PeerMetadata = normalizeMetadata(peer.PeerMetadata)
	return peer
}

func normalizeMetadata(metadata models.PeerMetadata) models.PeerMetadata {
	if metadata.Namespaces == nil {
		metadata.Namespaces = []models.NamespaceAllocation{}
	}
	return metadata
}
