package msgstore

import (
	"tether/internal/types"
)

// Tx is exclusive access to a Store for the duration of a Batch. Its methods
// are the lock-free bodies of the Store methods of the same name.
type Tx struct {
	s       *Store
	changes changeSet
}

func (tx *Tx) ensureSession(id string) *types.Session {
	s := tx.s
	session, ok := s.sessions[id]
	if ok {
		return session
	}
	session = &types.Session{ID: id}
	s.sessions[id] = session
	s.sessionOrder = append(s.sessionOrder, id)
	tx.changes.add(KeySessions, SessionKey(id))
	return session
}

// UpsertSession creates the session on first reference and merges patch into
// it afterwards. MessageIDs in the patch are appended when absent; existing
// ids are never dropped.
func (tx *Tx) UpsertSession(id string, patch types.SessionPatch) *types.Session {
	if id == "" {
		return nil
	}
	session := tx.ensureSession(id)
	changed := false
	if patch.Title != nil && *patch.Title != session.Title {
		session.Title = *patch.Title
		changed = true
	}
	if patch.ParentID != nil && *patch.ParentID != session.ParentID {
		session.ParentID = *patch.ParentID
		changed = true
	}
	if patch.Directory != nil && *patch.Directory != session.Directory {
		session.Directory = *patch.Directory
		changed = true
	}
	for _, messageID := range patch.MessageIDs {
		if messageID != "" && !containsString(session.MessageIDs, messageID) {
			session.MessageIDs = append(session.MessageIDs, messageID)
			changed = true
		}
	}
	switch {
	case patch.Revert != nil:
		if session.Revert == nil || *session.Revert != *patch.Revert {
			session.Revert = patch.Revert.Clone()
			changed = true
		}
	case patch.ClearRevert && session.Revert != nil:
		session.Revert = nil
		changed = true
	}
	if patch.Time != nil {
		if merged := session.Time.Merge(patch.Time); merged != session.Time {
			session.Time = merged
			changed = true
		}
	}
	if changed {
		tx.changes.add(SessionKey(id))
	}
	return session.Clone()
}

// RemoveSession deletes a session together with its messages, buffered parts,
// permissions, usage and scroll snapshots.
func (tx *Tx) RemoveSession(id string) bool {
	s := tx.s
	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	for _, messageID := range session.MessageIDs {
		delete(s.messages, messageID)
		delete(s.infos, messageID)
		delete(s.pending, messageID)
		tx.changes.add(MessageKey(messageID))
	}
	for messageID, msg := range s.messages {
		if msg.SessionID == id {
			delete(s.messages, messageID)
			delete(s.infos, messageID)
			tx.changes.add(MessageKey(messageID))
		}
	}
	if removed := s.permissions.RemoveSession(id); len(removed) > 0 {
		tx.changes.add(KeyPermissions)
	}
	delete(s.outstanding, id)
	delete(s.usage, id)
	for key := range s.scroll {
		if key.sessionID == id {
			delete(s.scroll, key)
		}
	}
	delete(s.sessions, id)
	s.sessionOrder = removeString(s.sessionOrder, id)
	tx.changes.add(KeySessions, SessionKey(id), UsageKey(id))
	return true
}

func (tx *Tx) SetSessionRevert(id string, revert *types.Revert) bool {
	session, ok := tx.s.sessions[id]
	if !ok {
		return false
	}
	if revert == nil && session.Revert == nil {
		return true
	}
	if revert != nil && session.Revert != nil && *revert == *session.Revert {
		return true
	}
	session.Revert = revert.Clone()
	tx.changes.add(SessionKey(id))
	return true
}

func (tx *Tx) GetSessionRevert(id string) (*types.Revert, bool) {
	session, ok := tx.s.sessions[id]
	if !ok || session.Revert == nil {
		return nil, false
	}
	return session.Revert.Clone(), true
}

func (tx *Tx) SetCompacting(id string, compacting bool) bool {
	session, ok := tx.s.sessions[id]
	if !ok {
		return false
	}
	if session.Compacting != compacting {
		session.Compacting = compacting
		tx.changes.add(SessionKey(id))
	}
	return true
}

func (tx *Tx) SetSessionBusy(id string, busy bool) bool {
	session, ok := tx.s.sessions[id]
	if !ok {
		return false
	}
	if session.Busy != busy {
		session.Busy = busy
		tx.changes.add(SessionKey(id))
	}
	return true
}

func (tx *Tx) SetSessionError(id, message string) bool {
	session, ok := tx.s.sessions[id]
	if !ok {
		return false
	}
	if session.Error != message {
		session.Error = message
		tx.changes.add(SessionKey(id))
	}
	return true
}

// ReplaceSessionMessages installs the authoritative message list of a session
// after a forced reload. Messages absent from the reload are dropped unless
// they are optimistic placeholders still waiting for the backend. Content that
// is unchanged keeps its revision.
func (tx *Tx) ReplaceSessionMessages(sessionID string, messages []*types.Message, infos []types.MessageInfo) {
	s := tx.s
	session := tx.ensureSession(sessionID)

	incoming := make(map[string]struct{}, len(messages))
	order := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, dup := incoming[msg.ID]; dup {
			continue
		}
		incoming[msg.ID] = struct{}{}
		order = append(order, msg.ID)
	}
	var dropped []string
	for _, id := range session.MessageIDs {
		if _, keep := incoming[id]; keep {
			continue
		}
		if existing, ok := s.messages[id]; ok && existing.IsEphemeral {
			order = append(order, id)
			continue
		}
		dropped = append(dropped, id)
	}
	for _, id := range dropped {
		tx.RemoveMessage(id)
	}
	if !equalStrings(session.MessageIDs, order) {
		session.MessageIDs = order
		tx.changes.add(SessionKey(sessionID))
	}

	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			continue
		}
		tx.UpsertMessage(MessageUpsert{
			ID:        msg.ID,
			SessionID: sessionID,
			Role:      msg.Role,
			Status:    msg.Status,
			CreatedAt: msg.CreatedAt,
			UpdatedAt: msg.UpdatedAt,
			Parts:     msg.OrderedParts(),
			Error:     &msg.Error,
			Bump:      tx.differs(msg),
		})
	}
	tx.RebuildUsage(sessionID, infos)
}

// differs reports whether msg's lifecycle fields disagree with the stored
// message of the same id.
func (tx *Tx) differs(msg *types.Message) bool {
	existing, ok := tx.s.messages[msg.ID]
	if !ok {
		return false
	}
	return existing.Status != msg.Status || existing.Error != msg.Error
}

func (tx *Tx) Session(id string) (*types.Session, bool) {
	session, ok := tx.s.sessions[id]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// Sessions lists sessions in the order they were first seen.
func (tx *Tx) Sessions() []*types.Session {
	out := make([]*types.Session, 0, len(tx.s.sessionOrder))
	for _, id := range tx.s.sessionOrder {
		if session, ok := tx.s.sessions[id]; ok {
			out = append(out, session.Clone())
		}
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
