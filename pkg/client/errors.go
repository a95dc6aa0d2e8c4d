package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by every call once the connection to
	// the manager is gone.
	ErrConnectionClosed = errors.New("pagebrowse: connection to manager closed")

	// ErrWindowReleased is returned by commands on a window after Close or
	// Release.
	ErrWindowReleased = errors.New("pagebrowse: window released")
)

// RemoteError is an Error response from the manager.
type RemoteError struct {
	Message string
	// OriginalMessage is the text the manager failed to parse, when it
	// reports one.
	OriginalMessage *string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pagebrowse manager error: %s", e.Message)
}

// UnexpectedResponseError reports a response variant that does not answer
// the request that was sent.
type UnexpectedResponseError struct {
	Request  string
	Response string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("pagebrowse: unexpected %s response to %s", e.Response, e.Request)
}

// IsConnectionError returns true if the error indicates a lost connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsRemoteError returns true if the manager rejected the request.
func IsRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
