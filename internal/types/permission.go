package types

import "time"

type PermissionResponse string

const (
	PermissionOnce   PermissionResponse = "once"
	PermissionAlways PermissionResponse = "always"
	PermissionReject PermissionResponse = "reject"
)

func (r PermissionResponse) Valid() bool {
	switch r {
	case PermissionOnce, PermissionAlways, PermissionReject:
		return true
	default:
		return false
	}
}

type Permission struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	PartID    string         `json:"partID,omitempty"`
	CallID    string         `json:"callID,omitempty"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (p *Permission) Clone() *Permission {
	if p == nil {
		return nil
	}
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for key, value := range p.Metadata {
			out.Metadata[key] = value
		}
	}
	return &out
}

// PermissionState is a queue entry as seen by a reader.
type PermissionState struct {
	Permission *Permission `json:"permission"`
	Active     bool        `json:"active"`
	Position   int         `json:"position"`
}
