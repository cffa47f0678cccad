package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/zeusync/workbench/internal/core/models"
	"github.com/zeusync/workbench/pkg/generic"
)

var buffers = generic.NewBufferPool()

// marshal encodes v without HTML escaping and with no trailing newline.
func marshal(v any) ([]byte, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append([]byte(nil), out...), nil
}

// Action is the verb of a client control frame.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// ControlMessage is sent by clients to manage their element subscriptions.
type ControlMessage struct {
	Action    Action `json:"action"`
	ModelName string `json:"model_name"`
	ModelPK   string `json:"model_pk"`
}

func (m ControlMessage) Ref() models.EntityRef {
	return models.Ref(m.ModelName, m.ModelPK)
}

// Subscribe builds a subscribe control frame for ref.
func Subscribe(ref models.EntityRef) ControlMessage {
	return ControlMessage{Action: ActionSubscribe, ModelName: ref.Model, ModelPK: ref.PK}
}

// Unsubscribe builds an unsubscribe control frame for ref.
func Unsubscribe(ref models.EntityRef) ControlMessage {
	return ControlMessage{Action: ActionUnsubscribe, ModelName: ref.Model, ModelPK: ref.PK}
}

// EncodeControl serializes a control frame.
func EncodeControl(m ControlMessage) ([]byte, error) {
	return marshal(m)
}

// DecodeControl parses and validates a control frame.
func DecodeControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, errors.Wrap(ErrInvalidFrame, err.Error())
	}
	switch m.Action {
	case ActionSubscribe, ActionUnsubscribe:
	default:
		return ControlMessage{}, errors.Wrapf(ErrUnknownAction, "action %q", m.Action)
	}
	if m.Ref().IsZero() {
		return ControlMessage{}, errors.Wrap(ErrInvalidFrame, "missing model name or primary key")
	}
	return m, nil
}

// eventFrame is the server to client shape. Exactly one kind key is set.
type eventFrame struct {
	ModelName        string            `json:"model_name"`
	ModelPK          string            `json:"model_pk"`
	LockChanged      *models.LockState `json:"element_lock_changed,omitempty"`
	ElementChanged   bool              `json:"element_changed,omitempty"`
	RelationsChanged bool              `json:"element_relations_changed,omitempty"`
}

// EncodeEvent serializes a notification into an event frame.
func EncodeEvent(n models.ChangeNotification) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	frame := eventFrame{ModelName: n.Ref.Model, ModelPK: n.Ref.PK}
	switch n.Kind {
	case models.LockChanged:
		state := n.Lock.Clone()
		state.ModelName, state.ModelPK = n.Ref.Model, n.Ref.PK
		frame.LockChanged = &state
	case models.ElementChanged:
		frame.ElementChanged = true
	case models.RelationsChanged:
		frame.RelationsChanged = true
	}
	return marshal(frame)
}

// DecodeEvent parses an event frame. Frames naming no known kind return
// models.ErrUnknownKind; frames with missing or inconsistent fields return
// models.ErrMalformed.
func DecodeEvent(data []byte) (models.ChangeNotification, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return models.ChangeNotification{}, errors.Wrap(models.ErrMalformed, err.Error())
	}

	ref := models.EntityRef{
		Model: rawString(raw["model_name"]),
		PK:    rawString(raw["model_pk"]),
	}

	var (
		kind    models.ChangeKind
		payload json.RawMessage
		found   int
	)
	for _, k := range models.Kinds {
		value, ok := raw[string(k)]
		if !ok || isAbsent(value) {
			continue
		}
		kind, payload = k, value
		found++
	}
	switch {
	case found == 0:
		return models.ChangeNotification{}, errors.Wrapf(models.ErrUnknownKind, "keys %s", strings.Join(keys(raw), ","))
	case found > 1:
		return models.ChangeNotification{}, errors.Wrap(models.ErrMalformed, "frame carries more than one kind")
	}

	n := models.ChangeNotification{Kind: kind, Ref: ref}
	if kind == models.LockChanged {
		var state models.LockState
		if err := json.Unmarshal(payload, &state); err != nil {
			return models.ChangeNotification{}, errors.Wrap(models.ErrMalformed, err.Error())
		}
		if state.ModelName == "" {
			state.ModelName = ref.Model
		}
		if state.ModelPK == "" {
			state.ModelPK = ref.PK
		}
		n.Lock = &state
	}
	if err := n.Validate(); err != nil {
		return models.ChangeNotification{}, err
	}
	return n, nil
}

// rawString accepts both JSON strings and numbers, primary keys come as either.
func rawString(v json.RawMessage) string {
	s, err := models.PKString(v)
	if err != nil {
		return ""
	}
	return s
}

func isAbsent(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("false"))
}

func keys(raw map[string]json.RawMessage) []string {
	out := make([]string, 0, len(raw))
	for k := range raw {
		out = append(out, k)
	}
	return out
}
