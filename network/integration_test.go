package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tetherd/models"
	"tetherd/storage"
)

func TestTetherLifecycleEndToEnd(t *testing.T) {
	hub := newTestNode(t, "hub", RoleHub)
	edge := newTestNode(t, "edge-1", RoleEdge)

	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.server.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hubPeers := hub.requests(t)
	require.Len(t, hubPeers, 1)
	assert.Equal(t, "edge-1", hubPeers[0].Name)
	assert.Equal(t, models.TetherStatusPending, hubPeers[0].TetherStatus)
	assert.Empty(t, hubPeers[0].Endpoint)
	require.Len(t, hubPeers[0].PeerMetadata.Namespaces, 2)
	assert.Equal(t, models.NamespaceAllocation{Namespace: "ns2", CPULimit: "20%", MemoryLimit: "30%"}, hubPeers[0].PeerMetadata.Namespaces[1])

	edgePeers := edge.requests(t)
	require.Len(t, edgePeers, 1)
	assert.Equal(t, models.TetherStatusPending, edgePeers[0].TetherStatus)
	assert.Equal(t, hub.server.URL, edgePeers[0].Endpoint)
	assert.Equal(t, "proj", edgePeers[0].PeerMetadata.Project)

	edge.newPoller(t).PollOnce(context.Background())
	assert.Equal(t, models.ConnectionActive, edge.channels(t)["edge-1"])
	assert.Equal(t, models.ConnectionActive, hub.channels(t)["edge-1"])

	resp = hub.call(t, http.MethodPost, APIPrefix+PathRequests+"/edge-1/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edge.newPoller(t).PollOnce(context.Background())

	edgePeers = edge.requests(t)
	require.Len(t, edgePeers, 1)
	assert.Equal(t, models.TetherStatusAccepted, edgePeers[0].TetherStatus)

	resp = edge.call(t, http.MethodDelete, APIPrefix+PathConnections+"/edge-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, edge.requests(t))
	assert.NotContains(t, edge.channels(t), "edge-1")
}

func peerStatus(t *testing.T, node *testNode, name string) models.TetherStatus {
	t.Helper()

	for _, peer := range node.requests(t) {
		if peer.Name == name {
			return peer.TetherStatus
		}
	}
	t.Fatalf("%s does not know %s", node.name, name)
	return ""
}

func TestRecreatedTetherConvergesAfterNewDecision(t *testing.T) {
	hub := newTestNode(t, "hub", RoleHub)
	edge := newTestNode(t, "edge-1", RoleEdge)
	ctx := context.Background()

	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.server.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = hub.call(t, http.MethodPost, APIPrefix+PathRequests+"/edge-1/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edge.newPoller(t).PollOnce(ctx)
	require.Equal(t, models.TetherStatusAccepted, peerStatus(t, edge, "edge-1"))

	resp = edge.call(t, http.MethodDelete, APIPrefix+PathConnections+"/edge-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.server.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.TetherStatusPending, peerStatus(t, hub, "edge-1"))
	assert.Equal(t, models.TetherStatusPending, peerStatus(t, edge, "edge-1"))

	edge.newPoller(t).PollOnce(ctx)
	assert.Equal(t, models.TetherStatusPending, peerStatus(t, edge, "edge-1"))

	resp = hub.call(t, http.MethodPost, APIPrefix+PathRequests+"/edge-1/reject", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	edge.newPoller(t).PollOnce(ctx)

	assert.Equal(t, models.TetherStatusRejected, peerStatus(t, hub, "edge-1"))
	assert.Equal(t, models.TetherStatusRejected, peerStatus(t, edge, "edge-1"))
}

func TestAcceptThenPollDeliversOnceThenKeepalive(t *testing.T) {
	hub := newTestNode(t, "hub", RoleHub)
	require.NoError(t, hub.coordinator.Register(tetherRequest("xyz", "")))

	resp := hub.call(t, http.MethodPost, APIPrefix+PathRequests+"/xyz/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = hub.call(t, http.MethodPost, APIPrefix+PathRequests+"/xyz/accept", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client := NewClient(ClientOptions{})
	first, err := client.PollControlChannel(context.Background(), hub.server.URL, "xyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, models.TypeTetherAccepted, first.Messages[0].Type)

	second, err := client.PollControlChannel(context.Background(), hub.server.URL, "xyz")
	require.NoError(t, err)
	require.Len(t, second.Messages, 1)
	assert.Equal(t, models.TypeKeepalive, second.Messages[0].Type)
}

func TestUnreachableHubDoesNotAffectOtherTethers(t *testing.T) {
	hub := newTestNode(t, "hub", RoleHub)
	edge := newTestNode(t, "edge-1", RoleEdge)

	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.server.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	require.NoError(t, edge.store.UpsertPeer(storage.Peer{
		Name:     "edge-lost",
		Endpoint: &deadURL,
		Status:   storage.PeerStatusPending,
	}))

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	brokenURL := broken.URL
	require.NoError(t, edge.store.UpsertPeer(storage.Peer{
		Name:     "edge-broken",
		Endpoint: &brokenURL,
		Status:   storage.PeerStatusPending,
	}))

	poller := edge.newPoller(t)
	poller.PollOnce(context.Background())
	poller.PollOnce(context.Background())

	status := edge.channels(t)
	assert.Equal(t, models.ConnectionActive, status["edge-1"])
	assert.NotContains(t, status, "edge-lost")
	assert.NotContains(t, status, "edge-broken")
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	hub := newTestNode(t, "hub", RoleHub)
	edge := newTestNode(t, "edge-1", RoleEdge)

	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.server.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	poller := edge.newPoller(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := edge.coordinator.ChannelStatus()["edge-1"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
