package tether

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnreachable indicates the remote instance could not be reached.
	ErrRemoteUnreachable = errors.New("tether: remote instance unreachable")
	// ErrInvalidRequest indicates a tether request that is missing required fields.
	ErrInvalidRequest = errors.New("tether: invalid request")
)

// RemoteStatusError carries a non-200 answer from the remote instance so it
// can be relayed to the caller with the same status code.
type RemoteStatusError struct {
	StatusCode int
	Message    string
}

func (e *RemoteStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote instance answered %d", e.StatusCode)
	}
	return fmt.Sprintf("remote instance answered %d: %s", e.StatusCode, e.Message)
}
