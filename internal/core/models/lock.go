package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// LockDetails is only present while an element is locked.
type LockDetails struct {
	LockedBy    UserRef   `json:"locked_by"`
	LockedAt    time.Time `json:"locked_at"`
	LockedUntil time.Time `json:"locked_until"`
}

// LockState describes whether an element is exclusively held for editing.
//
// Details is non-nil if and only if Locked is true.
type LockState struct {
	Locked    bool         `json:"locked"`
	ModelName string       `json:"model_name,omitempty"`
	ModelPK   string       `json:"model_pk,omitempty"`
	Details   *LockDetails `json:"lock_details,omitempty"`
}

// UnmarshalJSON accepts model_pk as a JSON string or number.
func (s *LockState) UnmarshalJSON(data []byte) error {
	type plain LockState
	var raw struct {
		plain
		ModelPK json.RawMessage `json:"model_pk"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pk, err := PKString(raw.ModelPK)
	if err != nil {
		return errors.Wrap(err, "model pk")
	}
	*s = LockState(raw.plain)
	s.ModelPK = pk
	return nil
}

// Unlocked returns the released state for ref.
func Unlocked(ref EntityRef) LockState {
	return LockState{ModelName: ref.Model, ModelPK: ref.PK}
}

// LockedBy returns a held state for ref.
func LockedBy(ref EntityRef, user UserRef, at, until time.Time) LockState {
	return LockState{
		Locked:    true,
		ModelName: ref.Model,
		ModelPK:   ref.PK,
		Details: &LockDetails{
			LockedBy:    user,
			LockedAt:    at,
			LockedUntil: until,
		},
	}
}

func (s LockState) Ref() EntityRef {
	return EntityRef{Model: s.ModelName, PK: s.ModelPK}
}

// Validate checks the locked/details invariant.
func (s LockState) Validate() error {
	if s.Locked && s.Details == nil {
		return errors.Wrap(ErrMalformed, "locked state without lock details")
	}
	if !s.Locked && s.Details != nil {
		return errors.Wrap(ErrMalformed, "lock details on an unlocked state")
	}
	if s.Locked && s.Details.LockedBy.PK == "" {
		return errors.Wrap(ErrMalformed, "lock details without owner")
	}
	return nil
}

// Holder returns the user holding the lock, or nil when unlocked.
func (s LockState) Holder() *UserRef {
	if !s.Locked || s.Details == nil {
		return nil
	}
	holder := s.Details.LockedBy
	return &holder
}

// HeldBy reports whether user currently owns the lock.
func (s LockState) HeldBy(user UserRef) bool {
	holder := s.Holder()
	return holder != nil && holder.Same(user)
}

// HeldByOther reports whether somebody other than user owns the lock.
func (s LockState) HeldByOther(user UserRef) bool {
	holder := s.Holder()
	return holder != nil && !holder.Same(user)
}

// ExpiredAt reports whether the lock has lapsed at now. Unlocked states are
// never expired.
func (s LockState) ExpiredAt(now time.Time) bool {
	if !s.Locked || s.Details == nil {
		return false
	}
	return !now.Before(s.Details.LockedUntil)
}

// Clone returns a deep copy so callers can hand state out without aliasing.
func (s LockState) Clone() LockState {
	if s.Details != nil {
		details := *s.Details
		s.Details = &details
	}
	return s
}
