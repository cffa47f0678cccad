package models

import "errors"

var (
	ErrInvalidRef  = errors.New("invalid entity reference")
	ErrMalformed   = errors.New("malformed notification")
	ErrUnknownKind = errors.New("unknown notification kind")
)
