// Package events decodes backend event-stream frames into a closed set of
// typed variants. Decoding happens once, at the transport boundary; consumers
// switch on the concrete type.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"tether/internal/types"
)

const (
	TypeMessageUpdated    = "message.updated"
	TypeMessageRemoved    = "message.removed"
	TypePartUpdated       = "message.part.updated"
	TypePartRemoved       = "message.part.removed"
	TypeSessionCreated    = "session.created"
	TypeSessionUpdated    = "session.updated"
	TypeSessionDeleted    = "session.deleted"
	TypeSessionCompacted  = "session.compacted"
	TypeSessionError      = "session.error"
	TypeSessionIdle       = "session.idle"
	TypeSessionStatus     = "session.status"
	TypePermissionUpdated = "permission.updated"
	TypePermissionAsked   = "permission.asked"
	TypePermissionReplied = "permission.replied"
	TypeToast             = "tui.toast.show"
	TypeServerConnected   = "server.connected"
)

var (
	ErrEmptyFrame   = errors.New("empty event frame")
	ErrMissingType  = errors.New("event type missing")
	ErrMissingField = errors.New("event missing required field")
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() string
	isEvent()
}

type MessageUpdated struct {
	Info types.MessageInfo
}

type MessageRemoved struct {
	SessionID string
	MessageID string
}

// PartUpdated carries the raw part so the normalizer sees exactly what the
// backend sent.
type PartUpdated struct {
	SessionID string
	MessageID string
	Part      json.RawMessage
	Delta     string
}

type PartRemoved struct {
	SessionID string
	MessageID string
	PartID    string
}

type SessionUpdated struct {
	Info    types.SessionInfo
	Created bool
}

type SessionDeleted struct {
	SessionID string
}

type SessionCompacted struct {
	SessionID string
}

type SessionError struct {
	SessionID string
	Name      string
	Message   string
}

type SessionIdle struct {
	SessionID string
}

type SessionStatus struct {
	SessionID string
	Busy      bool
}

type PermissionUpdated struct {
	Permission types.Permission
}

type PermissionReplied struct {
	SessionID    string
	PermissionID string
	Response     string
}

type Toast struct {
	Title   string
	Message string
	Variant string
}

type ServerConnected struct{}

// Unknown is any frame whose type is not modelled here. It is kept so the
// consumer can log it.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (MessageUpdated) Type() string    { return TypeMessageUpdated }
func (MessageRemoved) Type() string    { return TypeMessageRemoved }
func (PartUpdated) Type() string       { return TypePartUpdated }
func (PartRemoved) Type() string       { return TypePartRemoved }
func (SessionDeleted) Type() string    { return TypeSessionDeleted }
func (SessionCompacted) Type() string  { return TypeSessionCompacted }
func (SessionError) Type() string      { return TypeSessionError }
func (SessionIdle) Type() string       { return TypeSessionIdle }
func (SessionStatus) Type() string     { return TypeSessionStatus }
func (PermissionUpdated) Type() string { return TypePermissionUpdated }
func (PermissionReplied) Type() string { return TypePermissionReplied }
func (Toast) Type() string             { return TypeToast }
func (ServerConnected) Type() string   { return TypeServerConnected }
func (u Unknown) Type() string         { return u.Kind }

func (e SessionUpdated) Type() string {
	if e.Created {
		return TypeSessionCreated
	}
	return TypeSessionUpdated
}

func (MessageUpdated) isEvent()    {}
func (MessageRemoved) isEvent()    {}
func (PartUpdated) isEvent()       {}
func (PartRemoved) isEvent()       {}
func (SessionUpdated) isEvent()    {}
func (SessionDeleted) isEvent()    {}
func (SessionCompacted) isEvent()  {}
func (SessionError) isEvent()      {}
func (SessionIdle) isEvent()       {}
func (SessionStatus) isEvent()     {}
func (PermissionUpdated) isEvent() {}
func (PermissionReplied) isEvent() {}
func (Toast) isEvent()             {}
func (ServerConnected) isEvent()   {}
func (Unknown) isEvent()           {}

// SessionOf returns the session an event is scoped to, or "".
func SessionOf(event Event) string {
	switch e := event.(type) {
	case MessageUpdated:
		return e.Info.SessionID
	case MessageRemoved:
		return e.SessionID
	case PartUpdated:
		return e.SessionID
	case PartRemoved:
		return e.SessionID
	case SessionUpdated:
		return e.Info.ID
	case SessionDeleted:
		return e.SessionID
	case SessionCompacted:
		return e.SessionID
	case SessionError:
		return e.SessionID
	case SessionIdle:
		return e.SessionID
	case SessionStatus:
		return e.SessionID
	case PermissionUpdated:
		return e.Permission.SessionID
	case PermissionReplied:
		return e.SessionID
	default:
		return ""
	}
}

// Decode parses one frame of the form {"type": ..., "properties": {...}}.
func Decode(raw []byte) (Event, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrEmptyFrame
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid event json")
	}
	kind := strings.TrimSpace(gjson.GetBytes(raw, "type").String())
	if kind == "" {
		return nil, ErrMissingType
	}
	props := gjson.GetBytes(raw, "properties")

	switch kind {
	case TypeMessageUpdated:
		var info types.MessageInfo
		if err := unmarshalProp(props, "info", &info); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		if info.ID == "" || info.SessionID == "" {
			return nil, fmt.Errorf("%s: %w: info.id/sessionID", kind, ErrMissingField)
		}
		return MessageUpdated{Info: info}, nil

	case TypeMessageRemoved:
		event := MessageRemoved{
			SessionID: props.Get("sessionID").String(),
			MessageID: props.Get("messageID").String(),
		}
		if event.MessageID == "" {
			return nil, fmt.Errorf("%s: %w: messageID", kind, ErrMissingField)
		}
		return event, nil

	case TypePartUpdated:
		part := props.Get("part")
		if !part.IsObject() {
			return nil, fmt.Errorf("%s: %w: part", kind, ErrMissingField)
		}
		event := PartUpdated{
			SessionID: part.Get("sessionID").String(),
			MessageID: part.Get("messageID").String(),
			Part:      json.RawMessage(part.Raw),
			Delta:     props.Get("delta").String(),
		}
		if event.MessageID == "" {
			return nil, fmt.Errorf("%s: %w: part.messageID", kind, ErrMissingField)
		}
		return event, nil

	case TypePartRemoved:
		event := PartRemoved{
			SessionID: props.Get("sessionID").String(),
			MessageID: props.Get("messageID").String(),
			PartID:    props.Get("partID").String(),
		}
		if event.MessageID == "" || event.PartID == "" {
			return nil, fmt.Errorf("%s: %w: messageID/partID", kind, ErrMissingField)
		}
		return event, nil

	case TypeSessionCreated, TypeSessionUpdated:
		var info types.SessionInfo
		if err := unmarshalProp(props, "info", &info); err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		if info.ID == "" {
			return nil, fmt.Errorf("%s: %w: info.id", kind, ErrMissingField)
		}
		return SessionUpdated{Info: info, Created: kind == TypeSessionCreated}, nil

	case TypeSessionDeleted:
		id := props.Get("info.id").String()
		if id == "" {
			id = props.Get("sessionID").String()
		}
		if id == "" {
			return nil, fmt.Errorf("%s: %w: info.id", kind, ErrMissingField)
		}
		return SessionDeleted{SessionID: id}, nil

	case TypeSessionCompacted:
		id := props.Get("sessionID").String()
		if id == "" {
			return nil, fmt.Errorf("%s: %w: sessionID", kind, ErrMissingField)
		}
		return SessionCompacted{SessionID: id}, nil

	case TypeSessionError:
		message := props.Get("error.data.message").String()
		if message == "" {
			message = props.Get("error.message").String()
		}
		return SessionError{
			SessionID: props.Get("sessionID").String(),
			Name:      props.Get("error.name").String(),
			Message:   message,
		}, nil

	case TypeSessionIdle:
		id := props.Get("sessionID").String()
		if id == "" {
			return nil, fmt.Errorf("%s: %w: sessionID", kind, ErrMissingField)
		}
		return SessionIdle{SessionID: id}, nil

	case TypeSessionStatus:
		id := props.Get("sessionID").String()
		if id == "" {
			return nil, fmt.Errorf("%s: %w: sessionID", kind, ErrMissingField)
		}
		status := strings.ToLower(props.Get("status.type").String())
		return SessionStatus{SessionID: id, Busy: status == "busy" || status == "retry"}, nil

	case TypePermissionUpdated, TypePermissionAsked:
		permission, err := decodePermission(props)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		return PermissionUpdated{Permission: permission}, nil

	case TypePermissionReplied:
		id := props.Get("permissionID").String()
		if id == "" {
			id = props.Get("requestID").String()
		}
		if id == "" {
			return nil, fmt.Errorf("%s: %w: permissionID", kind, ErrMissingField)
		}
		return PermissionReplied{
			SessionID:    props.Get("sessionID").String(),
			PermissionID: id,
			Response:     props.Get("response").String(),
		}, nil

	case TypeToast:
		return Toast{
			Title:   props.Get("title").String(),
			Message: props.Get("message").String(),
			Variant: props.Get("variant").String(),
		}, nil

	case TypeServerConnected:
		return ServerConnected{}, nil

	default:
		return Unknown{Kind: kind, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func unmarshalProp(props gjson.Result, path string, out any) error {
	value := props.Get(path)
	if !value.IsObject() {
		return fmt.Errorf("%w: %s", ErrMissingField, path)
	}
	return json.Unmarshal([]byte(value.Raw), out)
}

func decodePermission(props gjson.Result) (types.Permission, error) {
	permission := types.Permission{
		ID:        props.Get("id").String(),
		SessionID: props.Get("sessionID").String(),
		MessageID: props.Get("messageID").String(),
		PartID:    props.Get("partID").String(),
		CallID:    props.Get("callID").String(),
		Type:      props.Get("type").String(),
		Title:     props.Get("title").String(),
	}
	if tool := props.Get("tool"); tool.IsObject() {
		if permission.MessageID == "" {
			permission.MessageID = tool.Get("messageID").String()
		}
		if permission.CallID == "" {
			permission.CallID = tool.Get("callID").String()
		}
	}
	if permission.Type == "" {
		permission.Type = props.Get("permission").String()
	}
	if permission.ID == "" || permission.SessionID == "" {
		return types.Permission{}, fmt.Errorf("%w: id/sessionID", ErrMissingField)
	}
	if metadata := props.Get("metadata"); metadata.IsObject() {
		permission.Metadata = map[string]any{}
		if err := json.Unmarshal([]byte(metadata.Raw), &permission.Metadata); err != nil {
			return types.Permission{}, err
		}
	}
	if created := props.Get("time.created").Int(); created > 0 {
		permission.CreatedAt = types.MillisToTime(created)
	}
	return permission, nil
}
