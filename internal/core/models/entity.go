package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// EntityRef identifies one workbench element (note, task, appointment, ...)
// by its model name and primary key.
type EntityRef struct {
	Model string `json:"model_name"`
	PK    string `json:"model_pk"`
}

// Ref is a shorthand constructor.
func Ref(model, pk string) EntityRef {
	return EntityRef{Model: model, PK: pk}
}

// Key returns the canonical "model:pk" form used for maps, shards and logs.
func (r EntityRef) Key() string {
	return r.Model + ":" + r.PK
}

func (r EntityRef) String() string {
	return r.Key()
}

// IsZero reports whether either half of the reference is missing.
func (r EntityRef) IsZero() bool {
	return r.Model == "" || r.PK == ""
}

// ParseRef is the inverse of Key.
func ParseRef(key string) (EntityRef, error) {
	model, pk, ok := strings.Cut(key, ":")
	if !ok || model == "" || pk == "" {
		return EntityRef{}, ErrInvalidRef
	}
	return EntityRef{Model: model, PK: pk}, nil
}

// UserRef identifies a workbench user. Ownership checks compare primary keys only.
type UserRef struct {
	PK       string `json:"pk"`
	Username string `json:"username,omitempty"`
}

// UnmarshalJSON accepts the primary key as a JSON string or number.
func (u *UserRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		PK       json.RawMessage `json:"pk"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pk, err := PKString(raw.PK)
	if err != nil {
		return errors.Wrap(err, "user pk")
	}
	*u = UserRef{PK: pk, Username: raw.Username}
	return nil
}

// PKString decodes a primary key sent as a JSON string or number. Absent and
// null keys decode to "".
func PKString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Same reports whether both refs name the same user. Empty keys never match.
func (u UserRef) Same(other UserRef) bool {
	return u.PK != "" && u.PK == other.PK
}

func (u UserRef) String() string {
	if u.Username != "" {
		return u.Username
	}
	return u.PK
}
