package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tetherd/models"
	"tetherd/tether"
)

func TestEdgeRelaysHubStatus(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already tethered"})
	}))
	defer hub.Close()
	edge := newTestNode(t, "edge-1", RoleEdge)

	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", hub.URL))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, edge.requests(t))
}

func TestCreateTetherRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, APIPrefix+PathCreate, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hub.Close()

	client := NewClient(ClientOptions{CreateAttempts: 3, CreateInitialBackoff: 1, CreateMaxBackoff: 2})
	err := client.CreateTether(context.Background(), hub.URL, tetherRequest("edge-1", hub.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateTetherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer hub.Close()

	client := NewClient(ClientOptions{CreateAttempts: 5, CreateInitialBackoff: 1, CreateMaxBackoff: 2})
	err := client.CreateTether(context.Background(), hub.URL, tetherRequest("edge-1", hub.URL))

	var statusErr *tether.RemoteStatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEdgeCreateAgainstDeadHubIsBadGateway(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	edge := newTestNode(t, "edge-1", RoleEdge)
	resp := edge.call(t, http.MethodPost, APIPrefix+PathCreate, tetherRequest("edge-1", deadURL))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, edge.requests(t))
}

func TestPollControlChannelMalformedBody(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "poller", r.Header.Get(HeaderInstance))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	}))
	defer hub.Close()

	client := NewClient(ClientOptions{Instance: "poller"})
	result, err := client.PollControlChannel(context.Background(), hub.URL, "edge-1")
	assert.ErrorIs(t, err, models.ErrMalformedMessage)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestPollControlChannelUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	result, err := NewClient(ClientOptions{}).PollControlChannel(context.Background(), deadURL, "edge-1")
	assert.ErrorIs(t, err, tether.ErrRemoteUnreachable)
	assert.Zero(t, result.StatusCode)
}

func TestCreateBudgetCoversEveryAttempt(t *testing.T) {
	client := NewClient(ClientOptions{
		RequestTimeout:   3 * time.Second,
		CreateAttempts:   3,
		CreateMaxBackoff: time.Second,
	})
	assert.Equal(t, 11*time.Second, client.CreateBudget())

	defaults := NewClient(ClientOptions{})
	assert.Equal(t, 4*DefaultRequestTimeout+3*defaultCreateMaxBackoff, defaults.CreateBudget())
}
