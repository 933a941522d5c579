package types

import (
	"encoding/json"
	"time"
)

type Revert struct {
	MessageID string `json:"messageID"`
	PartID    string `json:"partID,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
	Diff      string `json:"diff,omitempty"`
}

func (r *Revert) Clone() *Revert {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

type SessionTime struct {
	Created    int64 `json:"created,omitempty"`
	Updated    int64 `json:"updated,omitempty"`
	Compacting int64 `json:"compacting,omitempty"`
}

// SessionTimePatch is the partially-present time object of a session event.
type SessionTimePatch struct {
	Created    *int64 `json:"created,omitempty"`
	Updated    *int64 `json:"updated,omitempty"`
	Compacting *int64 `json:"compacting,omitempty"`
}

// Merge shallow-merges the fields present in patch onto t.
func (t SessionTime) Merge(patch *SessionTimePatch) SessionTime {
	if patch == nil {
		return t
	}
	if patch.Created != nil {
		t.Created = *patch.Created
	}
	if patch.Updated != nil {
		t.Updated = *patch.Updated
	}
	if patch.Compacting != nil {
		t.Compacting = *patch.Compacting
	}
	return t
}

type Session struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	ParentID   string      `json:"parentID,omitempty"`
	Directory  string      `json:"directory,omitempty"`
	MessageIDs []string    `json:"messageIDs"`
	Revert     *Revert     `json:"revert,omitempty"`
	Time       SessionTime `json:"time"`
	Compacting bool        `json:"compacting"`
	Busy       bool        `json:"busy"`
	Error      string      `json:"error,omitempty"`
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.MessageIDs = append([]string(nil), s.MessageIDs...)
	out.Revert = s.Revert.Clone()
	return &out
}

func (s *Session) IsTopLevel() bool {
	return s != nil && s.ParentID == ""
}

func (s *Session) UpdatedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return MillisToTime(s.Time.Updated)
}

// SessionInfo is the wire form of a session. Title and ParentID are pointers
// so a partial update can leave them untouched.
type SessionInfo struct {
	ID        string            `json:"id"`
	Title     *string           `json:"title,omitempty"`
	ParentID  *string           `json:"parentID,omitempty"`
	Directory string            `json:"directory,omitempty"`
	Time      *SessionTimePatch `json:"time,omitempty"`
	Revert    *Revert           `json:"revert,omitempty"`

	// RevertCleared reports that the record says the session is not
	// reverted: either "revert" is null, or it is absent from a full record
	// (one carrying time.created). The backend omits the field once cleared.
	RevertCleared bool `json:"-"`
}

func (info *SessionInfo) UnmarshalJSON(data []byte) error {
	type plain SessionInfo
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var shape struct {
		Revert json.RawMessage `json:"revert"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	*info = SessionInfo(decoded)
	switch {
	case string(shape.Revert) == "null":
		info.RevertCleared = true
	case shape.Revert == nil:
		info.RevertCleared = info.Time != nil && info.Time.Created != nil
	}
	return nil
}

// SessionPatch carries the optional fields of an upsert. A nil field leaves
// the stored value alone; ClearRevert drops an existing revert marker.
type SessionPatch struct {
	Title       *string
	ParentID    *string
	Directory   *string
	MessageIDs  []string
	Revert      *Revert
	ClearRevert bool
	Time        *SessionTimePatch
}

// Patch converts the wire form into an upsert. A missing revert only clears
// the stored marker when RevertCleared is set, so a partial update carrying
// just a timestamp keeps it.
func (info SessionInfo) Patch() SessionPatch {
	patch := SessionPatch{
		Title:    info.Title,
		ParentID: info.ParentID,
		Revert:   info.Revert.Clone(),
		Time:     info.Time,
	}
	if info.Directory != "" {
		dir := info.Directory
		patch.Directory = &dir
	}
	if info.Revert == nil && info.RevertCleared {
		patch.ClearRevert = true
	}
	return patch
}

type ScrollSnapshot struct {
	Offset   int    `json:"offset"`
	AnchorID string `json:"anchorID,omitempty"`
	AtBottom bool   `json:"atBottom"`
}

// DecodeSessionInfo accepts either a bare session object or {"info": {...}}.
func DecodeSessionInfo(raw json.RawMessage) (SessionInfo, error) {
	var wrapped struct {
		Info *SessionInfo `json:"info"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Info != nil && wrapped.Info.ID != "" {
		return *wrapped.Info, nil
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}
