package storage

import "errors"

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrInvalidRecord = errors.New("invalid lock record")
	ErrStoreClosed   = errors.New("store is closed")
)
