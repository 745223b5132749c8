package tether

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tetherd/models"
	"tetherd/storage"
)

// DeliverFunc hands a batch of control messages to the polling peer.
type DeliverFunc func(messages []models.ControlMessage) error

// ServeControlChannel answers one poll from peer. It refreshes the peer's
// liveness, drains the mailbox after the current cursor and passes the batch
// to deliver, or a single KEEPALIVE when nothing is queued. The cursor is
// persisted only after deliver succeeded; when persisting fails the in-memory
// cursor stays put so the next poll re-delivers the batch.
func (c *Coordinator) ServeControlChannel(peer string, deliver DeliverFunc) error {
	unlock := c.locks.Lock(peer)
	defer unlock()

	if _, err := c.options.Store.GetPeerStatus(peer); err != nil {
		return fmt.Errorf("control channel for %q: %w", peer, err)
	}
	c.options.Liveness.Touch(peer)

	topic := TopicFor(peer)
	batch, err := c.options.Store.Drain(topic, c.cursor(topic), c.options.MailboxBatchSize)
	if err != nil {
		if !errors.Is(err, storage.ErrChannelNotFound) {
			return err
		}
		logrus.Warnf("[tether] control channel poll from %s without a mailbox", peer)
		batch = nil
	}

	messages := make([]models.ControlMessage, 0, len(batch)+1)
	for _, entry := range batch {
		message, err := models.DecodeControlMessage(entry.Payload)
		if err != nil {
			logrus.Warnf("[tether] skipping mailbox entry %d for %s: %v", entry.ID, peer, err)
			continue
		}
		messages = append(messages, message)
	}
	if len(messages) == 0 {
		messages = append(messages, models.Keepalive())
	}

	if err := deliver(messages); err != nil {
		return fmt.Errorf("deliver control messages to %q: %w", peer, err)
	}

	if len(batch) == 0 {
		return nil
	}
	last := batch[len(batch)-1].ID
	if err := c.options.Store.SetCursor(topic, last); err != nil {
		logrus.Warnf("[tether] failed to persist cursor %d for %s, batch will be re-delivered: %v", last, peer, err)
		return nil
	}
	c.cursorMu.Lock()
	c.cursors[topic] = last
	c.cursorMu.Unlock()
	return nil
}

func (c *Coordinator) cursor(topic string) int64 {
	c.cursorMu.RLock()
	defer c.cursorMu.RUnlock()
	return c.cursors[topic]
}
