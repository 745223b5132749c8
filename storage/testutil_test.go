package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, name, status string) {
	t.Helper()

	err := store.UpsertPeer(Peer{
		Name:     name,
		Status:   status,
		Metadata: `{"namespaces":[]}`,
	})
	if err != nil {
		t.Fatalf("add peer %q: %v", name, err)
	}
}

func mustCreateChannel(t *testing.T, store *Store, topic string) {
	t.Helper()

	if err := store.CreateChannel(topic); err != nil {
		t.Fatalf("create channel %q: %v", topic, err)
	}
}
