package storage

import (
	"errors"
	"testing"
)

func TestPeerCRUD(t *testing.T) {
	store := newTestStore(t)

	endpoint := "http://hub.example:8080"
	peer := Peer{
		Name:     "edge-1",
		Endpoint: &endpoint,
		Status:   PeerStatusPending,
		Metadata: `{"project":"p","location":"us-west1","namespaces":[{"namespace":"ns1","cpuLimit":"40%","memoryLimit":"40%"}]}`,
	}

	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer(peer.Name)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Status != PeerStatusPending {
		t.Fatalf("unexpected status: got %q want %q", got.Status, PeerStatusPending)
	}
	if got.Endpoint == nil || *got.Endpoint != endpoint {
		t.Fatalf("unexpected endpoint: %+v", got.Endpoint)
	}
	if got.Metadata != peer.Metadata {
		t.Fatalf("unexpected metadata: got %q", got.Metadata)
	}

	if err := store.UpsertPeer(Peer{Name: "edge-2", Status: PeerStatusPending}); err != nil {
		t.Fatalf("UpsertPeer (second peer) failed: %v", err)
	}

	second, err := store.GetPeer("edge-2")
	if err != nil {
		t.Fatalf("GetPeer (second peer) failed: %v", err)
	}
	if second.Endpoint != nil {
		t.Fatalf("expected nil endpoint for acceptor-side peer, got %q", *second.Endpoint)
	}
	if second.Metadata != "{}" {
		t.Fatalf("expected default metadata, got %q", second.Metadata)
	}

	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(list))
	}

	peer.Status = PeerStatusAccepted
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer overwrite failed: %v", err)
	}
	status, err := store.GetPeerStatus(peer.Name)
	if err != nil {
		t.Fatalf("GetPeerStatus failed: %v", err)
	}
	if status != PeerStatusAccepted {
		t.Fatalf("expected status %q, got %q", PeerStatusAccepted, status)
	}

	if err := store.DeletePeer(peer.Name); err != nil {
		t.Fatalf("DeletePeer failed: %v", err)
	}
	_, err = store.GetPeer(peer.Name)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after DeletePeer, got %v", err)
	}
	_, err = store.GetPeerStatus(peer.Name)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from GetPeerStatus after DeletePeer, got %v", err)
	}

	if err := store.DeletePeer(peer.Name); err != nil {
		t.Fatalf("expected repeated DeletePeer to succeed, got %v", err)
	}
}

func TestUpsertPeerValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(Peer{Status: PeerStatusPending}); err == nil {
		t.Fatalf("expected error for empty peer name")
	}
	if err := store.UpsertPeer(Peer{Name: "edge-1", Status: "online"}); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

func TestTransitionPeerPublishesOnce(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "xyz", PeerStatusPending)
	mustCreateChannel(t, store, "tethering_xyz")

	transition := Transition{
		PeerName: "xyz",
		From:     PeerStatusPending,
		To:       PeerStatusAccepted,
		Topic:    "tethering_xyz",
		Payload:  []byte(`{"type":"TETHER_ACCEPTED"}`),
	}

	first, err := store.TransitionPeer(transition)
	if err != nil {
		t.Fatalf("first TransitionPeer failed: %v", err)
	}
	if !first.Transitioned || first.Previous != PeerStatusPending {
		t.Fatalf("unexpected first transition result: %+v", first)
	}
	if first.ChannelRecreated {
		t.Fatalf("did not expect channel to be recreated")
	}

	for i := 0; i < 3; i++ {
		again, err := store.TransitionPeer(transition)
		if err != nil {
			t.Fatalf("repeated TransitionPeer failed: %v", err)
		}
		if again.Transitioned {
			t.Fatalf("expected repeated transition to be a no-op")
		}
		if again.Previous != PeerStatusAccepted {
			t.Fatalf("expected previous status %q, got %q", PeerStatusAccepted, again.Previous)
		}
	}

	messages, err := store.Drain("tethering_xyz", 0, 10)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected exactly 1 queued message, got %d", len(messages))
	}
	if messages[0].ID != first.MessageID {
		t.Fatalf("expected message id %d, got %d", first.MessageID, messages[0].ID)
	}
}

func TestTransitionPeerUnknownPeer(t *testing.T) {
	store := newTestStore(t)

	_, err := store.TransitionPeer(Transition{
		PeerName: "ghost",
		From:     PeerStatusPending,
		To:       PeerStatusRejected,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionPeerRecreatesMissingChannel(t *testing.T) {
	store := newTestStore(t)
	mustAddPeer(t, store, "late", PeerStatusPending)

	result, err := store.TransitionPeer(Transition{
		PeerName: "late",
		From:     PeerStatusPending,
		To:       PeerStatusRejected,
		Topic:    "tethering_late",
		Payload:  []byte(`{"type":"TETHER_REJECTED"}`),
	})
	if err != nil {
		t.Fatalf("TransitionPeer failed: %v", err)
	}
	if !result.Transitioned || !result.ChannelRecreated {
		t.Fatalf("expected transition with recreated channel, got %+v", result)
	}

	messages, err := store.Drain("tethering_late", 0, 10)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
}
