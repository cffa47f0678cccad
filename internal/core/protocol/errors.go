package protocol

import "errors"

// Wire protocol errors
var (
	ErrUnknownAction = errors.New("unknown control action")
	ErrInvalidFrame  = errors.New("invalid frame")
)
