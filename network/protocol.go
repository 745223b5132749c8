package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

const (
	// APIPrefix prefixes every tethering route.
	APIPrefix = "/v3"

	PathCreate          = "/tethering/create"
	PathRequests        = "/tethering/requests"
	PathConnections     = "/tethering/connections"
	PathControlChannels = "/tethering/controlchannels"
	PathHealth          = "/healthz"

	// HeaderInstance names the polling instance when the control channel
	// path carries no peer segment.
	HeaderInstance = "X-Tether-Instance"
	// HeaderRequestID correlates client calls with server logs.
	HeaderRequestID = "X-Request-ID"

	// MaxBodySize bounds request and response bodies.
	MaxBodySize = 1 << 20
	// DefaultRequestTimeout bounds one outbound call.
	DefaultRequestTimeout = 5 * time.Second
)

var (
	// ErrMalformedBody indicates a request or response body that is not valid JSON.
	ErrMalformedBody = errors.New("network: malformed body")
	// ErrBodyTooLarge indicates a body above MaxBodySize.
	ErrBodyTooLarge = errors.New("network: body exceeds max size")
)

// errorResponse is the JSON body of every non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}

// EncodeJSON marshals a payload into JSON bytes.
func EncodeJSON(value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return payload, nil
}

// DecodeJSON reads at most MaxBodySize bytes from r into value.
func DecodeJSON(r io.Reader, value any) error {
	payload, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(payload) > MaxBodySize {
		return ErrBodyTooLarge
	}
	if err := json.Unmarshal(payload, value); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// CreateURL returns the tether creation URL of a hub.
func CreateURL(endpoint string) string {
	return baseURL(endpoint) + PathCreate
}

// ControlChannelURL returns the control channel URL a peer polls on a hub.
func ControlChannelURL(endpoint, peer string) string {
	return baseURL(endpoint) + PathControlChannels + "/" + url.PathEscape(peer)
}

func baseURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + APIPrefix
}
