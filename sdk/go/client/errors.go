package client

import (
	"errors"
	"fmt"
)

// Client-specific errors
var (
	ErrClientClosed      = errors.New("client is closed")
	ErrNotConnected      = errors.New("client is not connected")
	ErrAlreadyConnected  = errors.New("client is already connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrReconnectFailed   = errors.New("reconnection failed")
	ErrInvalidConfig     = errors.New("invalid client configuration")
)

// UnexpectedStatusError is returned when the API answers with a status the
// call does not expect.
type UnexpectedStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an UnexpectedStatusError with code.
func IsStatus(err error, code int) bool {
	var se *UnexpectedStatusError
	return errors.As(err, &se) && se.StatusCode == code
}
