package editor

import "github.com/zeusync/workbench/internal/core/models"

// State is a snapshot of one editor's view of its element.
type State struct {
	Ref  models.EntityRef
	User models.UserRef
	// Lock is nil until the first lock response or notification.
	Lock *models.LockState
	// ModifiedByOther is set when the element changed while another user
	// held the lock.
	ModifiedByOther bool
	RelationCount   int
	Closed          bool
}

// LockUser is derived from Lock on every call.
func (s State) LockUser() *models.UserRef {
	if s.Lock == nil {
		return nil
	}
	return s.Lock.Holder()
}

// HeldBySelf reports whether the current user holds the lock.
func (s State) HeldBySelf() bool {
	return s.Lock != nil && s.Lock.HeldBy(s.User)
}

// ReadOnly reports whether another user holds the lock.
func (s State) ReadOnly() bool {
	return s.Lock != nil && s.Lock.HeldByOther(s.User)
}

func (s State) clone() State {
	if s.Lock != nil {
		lock := s.Lock.Clone()
		s.Lock = &lock
	}
	return s
}
