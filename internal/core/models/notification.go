package models

import "github.com/pkg/errors"

// ChangeKind discriminates live update notifications.
type ChangeKind string

const (
	LockChanged      ChangeKind = "element_lock_changed"
	ElementChanged   ChangeKind = "element_changed"
	RelationsChanged ChangeKind = "element_relations_changed"
)

// Kinds lists every known kind in wire order.
var Kinds = []ChangeKind{LockChanged, ElementChanged, RelationsChanged}

func (k ChangeKind) Valid() bool {
	switch k {
	case LockChanged, ElementChanged, RelationsChanged:
		return true
	}
	return false
}

func (k ChangeKind) String() string {
	return string(k)
}

// ChangeNotification is a per-element event pushed over the live channel.
// Only LockChanged carries a payload. Receivers treat it as read-only.
type ChangeNotification struct {
	Kind ChangeKind
	Ref  EntityRef
	Lock *LockState
}

func NewLockChanged(state LockState) ChangeNotification {
	state = state.Clone()
	return ChangeNotification{Kind: LockChanged, Ref: state.Ref(), Lock: &state}
}

func NewElementChanged(ref EntityRef) ChangeNotification {
	return ChangeNotification{Kind: ElementChanged, Ref: ref}
}

func NewRelationsChanged(ref EntityRef) ChangeNotification {
	return ChangeNotification{Kind: RelationsChanged, Ref: ref}
}

// Validate rejects unknown kinds and payloads that do not match the kind.
func (n ChangeNotification) Validate() error {
	if !n.Kind.Valid() {
		return errors.Wrapf(ErrUnknownKind, "kind %q", n.Kind)
	}
	if n.Ref.IsZero() {
		return errors.Wrap(ErrMalformed, "missing model name or primary key")
	}
	switch n.Kind {
	case LockChanged:
		if n.Lock == nil {
			return errors.Wrap(ErrMalformed, "lock change without lock state")
		}
		return n.Lock.Validate()
	default:
		if n.Lock != nil {
			return errors.Wrapf(ErrMalformed, "%s carries a lock payload", n.Kind)
		}
	}
	return nil
}
