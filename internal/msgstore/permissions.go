package msgstore

import (
	"tether/internal/normalize"
	"tether/internal/types"
)

// UpsertPermission queues a permission request. Duplicates and requests that
// were already resolved are ignored. A request naming a tool call but no part
// is attached to the part carrying that call, when it is known.
func (tx *Tx) UpsertPermission(p types.Permission) bool {
	s := tx.s
	if p.ID == "" {
		return false
	}
	if p.PartID == "" && p.CallID != "" {
		if msg, ok := s.messages[p.MessageID]; ok {
			for _, part := range msg.OrderedParts() {
				if normalize.CallID(part) == p.CallID {
					p.PartID = part.ID
					break
				}
			}
		}
	}
	added, _ := s.permissions.Enqueue(p)
	if !added {
		return false
	}
	tx.changes.add(KeyPermissions, SessionKey(p.SessionID), MessageKey(p.MessageID))
	return true
}

func (tx *Tx) RemovePermission(id string) bool {
	removed, _ := tx.s.permissions.Remove(id)
	if removed == nil {
		return false
	}
	tx.changes.add(KeyPermissions, SessionKey(removed.SessionID), MessageKey(removed.MessageID))
	return true
}

// attachPermission links queued permissions on messageID that are waiting for
// the tool part carrying their call id.
func (tx *Tx) attachPermission(messageID string, part *types.Part) {
	callID := normalize.CallID(part)
	if callID == "" {
		return
	}
	for _, state := range tx.s.permissions.List() {
		p := state.Permission
		if p.MessageID != messageID || p.PartID != "" || p.CallID != callID {
			continue
		}
		if tx.s.permissions.AttachPart(p.ID, part.ID) {
			tx.changes.add(KeyPermissions)
		}
	}
}

func (tx *Tx) GetPermission(id string) (*types.Permission, bool) {
	return tx.s.permissions.Get(id)
}

// PermissionState reports the queue state of the permission attached to a
// message and, optionally, a part.
func (tx *Tx) PermissionState(messageID, partID string) (types.PermissionState, bool) {
	return tx.s.permissions.Lookup(messageID, partID)
}

func (tx *Tx) ActivePermission() (*types.Permission, bool) {
	return tx.s.permissions.Active()
}

// Permissions lists queued permissions in arrival order, restricted to one
// session when sessionID is set.
func (tx *Tx) Permissions(sessionID string) []types.PermissionState {
	if sessionID == "" {
		return tx.s.permissions.List()
	}
	return tx.s.permissions.ListSession(sessionID)
}

func (tx *Tx) HasPendingPermission(sessionID string) bool {
	return tx.s.permissions.HasPending(sessionID)
}

func (tx *Tx) PendingPermissionCount(sessionID string) int {
	return tx.s.permissions.PendingCount(sessionID)
}

func (tx *Tx) SetScrollSnapshot(sessionID, scope string, snapshot types.ScrollSnapshot) {
	key := scrollKey{sessionID: sessionID, scope: scope}
	if prev, ok := tx.s.scroll[key]; ok && prev == snapshot {
		return
	}
	tx.s.scroll[key] = snapshot
	tx.changes.add(ScrollKey(sessionID, scope))
}

func (tx *Tx) ScrollSnapshot(sessionID, scope string) (types.ScrollSnapshot, bool) {
	snapshot, ok := tx.s.scroll[scrollKey{sessionID: sessionID, scope: scope}]
	return snapshot, ok
}
