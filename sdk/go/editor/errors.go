package editor

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid editor configuration")
	ErrEditorClosed  = errors.New("editor is closed")
)
