package types

import "time"

// InstanceRecord is the persisted identity of a backend instance. Credentials
// stay in the config file and are never written to the index.
type InstanceRecord struct {
	ID              string     `json:"id"`
	BaseURL         string     `json:"baseURL"`
	Directory       string     `json:"directory,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
}

func (r *InstanceRecord) Clone() *InstanceRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastConnectedAt != nil {
		at := *r.LastConnectedAt
		out.LastConnectedAt = &at
	}
	return &out
}

// SessionRecord is a session as kept in the persisted listing. Only the
// listing fields are stored; message membership and live flags are rebuilt
// from the backend.
type SessionRecord struct {
	InstanceID string    `json:"instanceID"`
	Session    *Session  `json:"session"`
	StoredAt   time.Time `json:"storedAt"`
}

func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Session = r.Session.Clone()
	return &out
}
