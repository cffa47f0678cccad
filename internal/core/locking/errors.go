package locking

import "errors"

var (
	ErrNotOwner    = errors.New("lock is held by another user")
	ErrLocked      = errors.New("element is locked by another user")
	ErrInvalidUser = errors.New("user has no primary key")
)
