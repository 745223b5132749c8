package tether

import (
	"sync"
	"time"

	"tetherd/models"
)

// LivenessTracker remembers the last successful contact per peer. It lives in
// memory only and starts empty on every process start.
type LivenessTracker struct {
	mu          sync.RWMutex
	lastContact map[string]time.Time
	timeout     time.Duration
	now         func() time.Time
}

// NewLivenessTracker creates a tracker that reports a peer INACTIVE once
// timeout has elapsed since its last contact.
func NewLivenessTracker(timeout time.Duration) *LivenessTracker {
	return &LivenessTracker{
		lastContact: make(map[string]time.Time),
		timeout:     timeout,
		now:         time.Now,
	}
}

// Touch records a successful contact with peer at the current time.
func (l *LivenessTracker) Touch(peer string) {
	now := l.now()

	l.mu.Lock()
	l.lastContact[peer] = now
	l.mu.Unlock()
}

// Remove forgets peer.
func (l *LivenessTracker) Remove(peer string) {
	l.mu.Lock()
	delete(l.lastContact, peer)
	l.mu.Unlock()
}

// LastContact returns the last contact time of peer, if any.
func (l *LivenessTracker) LastContact(peer string) (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ts, ok := l.lastContact[peer]
	return ts, ok
}

// Status reports the connection status of peer. Peers never contacted are absent.
func (l *LivenessTracker) Status(peer string) (models.ConnectionStatus, bool) {
	ts, ok := l.LastContact(peer)
	if !ok {
		return "", false
	}
	return l.statusAt(ts, l.now()), true
}

// Snapshot returns the connection status of every contacted peer.
func (l *LivenessTracker) Snapshot() map[string]models.ConnectionStatus {
	now := l.now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]models.ConnectionStatus, len(l.lastContact))
	for peer, ts := range l.lastContact {
		out[peer] = l.statusAt(ts, now)
	}
	return out
}

func (l *LivenessTracker) statusAt(lastContact, now time.Time) models.ConnectionStatus {
	if now.Sub(lastContact) < l.timeout {
		return models.ConnectionActive
	}
	return models.ConnectionInactive
}
