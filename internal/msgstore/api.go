package msgstore

import (
	"fmt"

	"tether/internal/types"
)

func (s *Store) UpsertSession(id string, patch types.SessionPatch) (out *types.Session) {
	s.Batch(func(tx *Tx) { out = tx.UpsertSession(id, patch) })
	return out
}

func (s *Store) RemoveSession(id string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.RemoveSession(id) })
	return ok
}

func (s *Store) SetSessionRevert(id string, revert *types.Revert) error {
	var ok bool
	s.Batch(func(tx *Tx) { ok = tx.SetSessionRevert(id, revert) })
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSessionRevert(id string) (revert *types.Revert, ok bool) {
	s.Batch(func(tx *Tx) { revert, ok = tx.GetSessionRevert(id) })
	return revert, ok
}

func (s *Store) SetCompacting(id string, compacting bool) error {
	var ok bool
	s.Batch(func(tx *Tx) { ok = tx.SetCompacting(id, compacting) })
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) ReplaceSessionMessages(sessionID string, messages []*types.Message, infos []types.MessageInfo) {
	s.Batch(func(tx *Tx) { tx.ReplaceSessionMessages(sessionID, messages, infos) })
}

func (s *Store) Session(id string) (session *types.Session, err error) {
	var ok bool
	s.Batch(func(tx *Tx) { session, ok = tx.Session(id) })
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (s *Store) Sessions() (out []*types.Session) {
	s.Batch(func(tx *Tx) { out = tx.Sessions() })
	return out
}

func (s *Store) UpsertMessage(in MessageUpsert) (out UpsertResult) {
	s.Batch(func(tx *Tx) { out = tx.UpsertMessage(in) })
	return out
}

func (s *Store) ApplyPartUpdate(messageID string, part *types.Part, opts PartOptions) (out PartResult) {
	s.Batch(func(tx *Tx) { out = tx.ApplyPartUpdate(messageID, part, opts) })
	return out
}

func (s *Store) RemovePart(messageID, partID string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.RemovePart(messageID, partID) })
	return ok
}

func (s *Store) RemoveMessage(id string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.RemoveMessage(id) })
	return ok
}

func (s *Store) ReplaceMessageID(oldID, newID string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.ReplaceMessageID(oldID, newID) })
	return ok
}

func (s *Store) FindPlaceholder(sessionID string, role types.Role) (id string, ok bool) {
	s.Batch(func(tx *Tx) { id, ok = tx.FindPlaceholder(sessionID, role) })
	return id, ok
}

func (s *Store) Message(id string) (msg *types.Message, err error) {
	var ok bool
	s.Batch(func(tx *Tx) { msg, ok = tx.Message(id) })
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

func (s *Store) Messages(sessionID string) (out []*types.Message) {
	s.Batch(func(tx *Tx) { out = tx.Messages(sessionID) })
	return out
}

func (s *Store) Part(messageID, partID string) (part *types.Part, err error) {
	var ok bool
	s.Batch(func(tx *Tx) { part, ok = tx.Part(messageID, partID) })
	if !ok {
		return nil, fmt.Errorf("part %s/%s: %w", messageID, partID, ErrNotFound)
	}
	return part, nil
}

func (s *Store) DisplayParts(messageID string, prefs types.Preferences) (out []*types.Part) {
	s.Batch(func(tx *Tx) { out = tx.DisplayParts(messageID, prefs) })
	return out
}

func (s *Store) PendingParts(messageID string) (n int) {
	s.Batch(func(tx *Tx) { n = tx.PendingParts(messageID) })
	return n
}

func (s *Store) SetMessageInfo(info types.MessageInfo) {
	s.Batch(func(tx *Tx) { tx.SetMessageInfo(info) })
}

func (s *Store) GetMessageInfo(id string) (info types.MessageInfo, ok bool) {
	s.Batch(func(tx *Tx) { info, ok = tx.GetMessageInfo(id) })
	return info, ok
}

func (s *Store) RebuildUsage(sessionID string, infos []types.MessageInfo) {
	s.Batch(func(tx *Tx) { tx.RebuildUsage(sessionID, infos) })
}

func (s *Store) Usage(sessionID string) (out types.SessionUsage) {
	s.Batch(func(tx *Tx) { out = tx.Usage(sessionID) })
	return out
}

func (s *Store) UpsertPermission(p types.Permission) (added bool) {
	s.Batch(func(tx *Tx) { added = tx.UpsertPermission(p) })
	return added
}

func (s *Store) RemovePermission(id string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.RemovePermission(id) })
	return ok
}

func (s *Store) GetPermission(id string) (p *types.Permission, ok bool) {
	s.Batch(func(tx *Tx) { p, ok = tx.GetPermission(id) })
	return p, ok
}

func (s *Store) PermissionState(messageID, partID string) (state types.PermissionState, ok bool) {
	s.Batch(func(tx *Tx) { state, ok = tx.PermissionState(messageID, partID) })
	return state, ok
}

func (s *Store) ActivePermission() (p *types.Permission, ok bool) {
	s.Batch(func(tx *Tx) { p, ok = tx.ActivePermission() })
	return p, ok
}

func (s *Store) Permissions(sessionID string) (out []types.PermissionState) {
	s.Batch(func(tx *Tx) { out = tx.Permissions(sessionID) })
	return out
}

func (s *Store) HasPendingPermission(sessionID string) (ok bool) {
	s.Batch(func(tx *Tx) { ok = tx.HasPendingPermission(sessionID) })
	return ok
}

func (s *Store) PendingPermissionCount(sessionID string) (n int) {
	s.Batch(func(tx *Tx) { n = tx.PendingPermissionCount(sessionID) })
	return n
}

func (s *Store) SetScrollSnapshot(sessionID, scope string, snapshot types.ScrollSnapshot) {
	s.Batch(func(tx *Tx) { tx.SetScrollSnapshot(sessionID, scope, snapshot) })
}

func (s *Store) ScrollSnapshot(sessionID, scope string) (snapshot types.ScrollSnapshot, ok bool) {
	s.Batch(func(tx *Tx) { snapshot, ok = tx.ScrollSnapshot(sessionID, scope) })
	return snapshot, ok
}
