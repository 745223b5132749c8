package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tetherd/models"
	"tetherd/tether"
)

const (
	defaultCreateAttempts       = 4
	defaultCreateInitialBackoff = 250 * time.Millisecond
	defaultCreateMaxBackoff     = 2 * time.Second
)

// ClientOptions configures outbound calls to a hub.
type ClientOptions struct {
	// Instance is sent in HeaderInstance on every call.
	Instance       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	CreateAttempts       uint
	CreateInitialBackoff time.Duration
	CreateMaxBackoff     time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.RequestTimeout}
	}
	if o.CreateAttempts == 0 {
		o.CreateAttempts = defaultCreateAttempts
	}
	if o.CreateInitialBackoff <= 0 {
		o.CreateInitialBackoff = defaultCreateInitialBackoff
	}
	if o.CreateMaxBackoff <= 0 {
		o.CreateMaxBackoff = defaultCreateMaxBackoff
	}
	return o
}

// Client talks to a hub on behalf of the local edge instance.
type Client struct {
	options ClientOptions
}

// NewClient builds a Client.
func NewClient(options ClientOptions) *Client {
	return &Client{options: options.withDefaults()}
}

// CreateBudget is the longest a CreateTether call can take with every
// attempt timing out and the full backoff between attempts.
func (c *Client) CreateBudget() time.Duration {
	attempts := time.Duration(c.options.CreateAttempts)
	return attempts*c.options.RequestTimeout + (attempts-1)*c.options.CreateMaxBackoff
}

// PollResult is the outcome of one control channel call that reached the hub.
type PollResult struct {
	StatusCode int
	Messages   []models.ControlMessage
}

// CreateTether posts request to the hub at endpoint. Transport failures and
// 502/503/504 answers are retried with exponential backoff; any other non-200
// answer is returned at once as *tether.RemoteStatusError.
func (c *Client) CreateTether(ctx context.Context, endpoint string, request models.TetherRequest) error {
	body, err := EncodeJSON(request)
	if err != nil {
		return err
	}

	operation := func() (struct{}, error) {
		resp, err := c.do(ctx, http.MethodPost, CreateURL(endpoint), body)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, fmt.Errorf("%w: %v", tether.ErrRemoteUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
			return struct{}{}, nil
		}

		statusErr := &tether.RemoteStatusError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
		if retryableStatus(resp.StatusCode) {
			return struct{}{}, statusErr
		}
		return struct{}{}, backoff.Permanent(statusErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.options.CreateInitialBackoff
	bo.MaxInterval = c.options.CreateMaxBackoff

	notify := func(err error, next time.Duration) {
		logrus.Warnf("[client] create tether at %s failed, retrying in %v: %v", endpoint, next, err)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.options.CreateAttempts),
		backoff.WithNotify(notify),
	)
	return err
}

// PollControlChannel asks the hub at endpoint for the queued control messages
// of peer. A nil error with a non-200 status means the hub was reached but
// answered with an error. A body that fails to decode returns the status code
// together with an error wrapping models.ErrMalformedMessage.
func (c *Client) PollControlChannel(ctx context.Context, endpoint, peer string) (PollResult, error) {
	resp, err := c.do(ctx, http.MethodPut, ControlChannelURL(endpoint, peer), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: %v", tether.ErrRemoteUnreachable, err)
	}
	defer resp.Body.Close()

	result := PollResult{StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return result, nil
	}

	if err := DecodeJSON(resp.Body, &result.Messages); err != nil {
		return result, fmt.Errorf("%w: %v", models.ErrMalformedMessage, err)
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if c.options.Instance != "" {
		req.Header.Set(HeaderInstance, c.options.Instance)
	}

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func readErrorMessage(r io.Reader) string {
	var body errorResponse
	if err := DecodeJSON(r, &body); err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return "error body too large"
		}
		return ""
	}
	return body.Error
}
