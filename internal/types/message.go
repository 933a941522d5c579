package types

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusComplete  MessageStatus = "complete"
	MessageStatusError     MessageStatus = "error"
)

const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeFile       = "file"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypePatch      = "patch"
)

// Part is the canonical form of one message fragment. Payload holds the full
// normalized wire object; ID, Type and Text are lifted out of it for lookup.
type Part struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageID"`
	SessionID string          `json:"sessionID,omitempty"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Revision  int64           `json:"revision"`
	// Optimistic parts are local previews replaced by the first authoritative
	// part of the same message.
	Optimistic bool `json:"optimistic,omitempty"`
}

// AssistantOnly reports whether only an assistant message can carry a part of
// this type.
func (p *Part) AssistantOnly() bool {
	switch p.Type {
	case PartTypeTool, PartTypeReasoning, PartTypeStepStart, PartTypeStepFinish, PartTypePatch:
		return true
	default:
		return false
	}
}

func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	out := *p
	if p.Payload != nil {
		out.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	return &out
}

type Message struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionID"`
	Role        Role             `json:"role"`
	Status      MessageStatus    `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	IsEphemeral bool             `json:"isEphemeral"`
	Revision    int64            `json:"revision"`
	PartIDs     []string         `json:"partIDs"`
	Parts       map[string]*Part `json:"parts"`
	Error       string           `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to readers outside the store.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.PartIDs = append([]string(nil), m.PartIDs...)
	out.Parts = make(map[string]*Part, len(m.Parts))
	for id, part := range m.Parts {
		out.Parts[id] = part.Clone()
	}
	return &out
}

// OrderedParts returns the parts in PartIDs order.
func (m *Message) OrderedParts() []*Part {
	if m == nil {
		return nil
	}
	out := make([]*Part, 0, len(m.PartIDs))
	for _, id := range m.PartIDs {
		if part, ok := m.Parts[id]; ok && part != nil {
			out = append(out, part)
		}
	}
	return out
}

type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

type CacheTokens struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write"`
}

type TokenUsage struct {
	Input     int64       `json:"input"`
	Output    int64       `json:"output"`
	Reasoning int64       `json:"reasoning"`
	Cache     CacheTokens `json:"cache"`
}

type MessageError struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

func (e *MessageError) Message() string {
	if e == nil {
		return ""
	}
	if msg, ok := e.Data["message"].(string); ok && strings.TrimSpace(msg) != "" {
		return strings.TrimSpace(msg)
	}
	return e.Name
}

// MessageInfo is the accounting side of a message as the backend reports it.
type MessageInfo struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionID"`
	Role       Role          `json:"role"`
	Time       MessageTime   `json:"time"`
	ParentID   string        `json:"parentID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// Status maps the wire info onto the local lifecycle. User messages are
// complete once the backend has recorded them; assistant messages stream
// until the completion time is stamped.
func (i MessageInfo) Status() MessageStatus {
	if i.Error != nil {
		return MessageStatusError
	}
	if i.Role == RoleUser || i.Time.Completed > 0 {
		return MessageStatusComplete
	}
	return MessageStatusStreaming
}

func (i MessageInfo) Usage() Usage {
	if i.Tokens == nil {
		return Usage{Cost: i.Cost}
	}
	return Usage{
		Input:      i.Tokens.Input,
		Output:     i.Tokens.Output,
		Reasoning:  i.Tokens.Reasoning,
		CacheRead:  i.Tokens.Cache.Read,
		CacheWrite: i.Tokens.Cache.Write,
		Cost:       i.Cost,
	}
}

// HasAccounting reports whether the info carries token or cost figures.
func (i MessageInfo) HasAccounting() bool {
	return i.Role == RoleAssistant && (i.Tokens != nil || i.Cost != 0)
}

// MessageWithParts is the shape returned by the message listing endpoints.
type MessageWithParts struct {
	Info  MessageInfo       `json:"info"`
	Parts []json.RawMessage `json:"parts"`
}

func MillisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
