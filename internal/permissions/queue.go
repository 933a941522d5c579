// Package permissions tracks backend approval requests: their arrival order,
// which single request is active, and how many each session has outstanding.
package permissions

import (
	"tether/internal/types"
)

// resolvedLimit bounds how many resolved ids are remembered for duplicate
// suppression. The oldest are forgotten first.
const resolvedLimit = 1024

// Queue is not safe for concurrent use; its owner serializes access.
type Queue struct {
	order     []string
	entries   map[string]*types.Permission
	active    string
	bySession map[string]int
	resolved  map[string]struct{}
	// resolvedOrder is resolved in insertion order, for eviction.
	resolvedOrder []string
}

func NewQueue() *Queue {
	q := &Queue{}
	q.Clear()
	return q
}

func (q *Queue) Clear() {
	q.order = nil
	q.entries = map[string]*types.Permission{}
	q.active = ""
	q.bySession = map[string]int{}
	q.resolved = map[string]struct{}{}
	q.resolvedOrder = nil
}

// Enqueue adds p at the tail. Re-delivery of a queued or already resolved id
// is a no-op. activeChanged reports whether the active entry moved.
func (q *Queue) Enqueue(p types.Permission) (added bool, activeChanged bool) {
	if p.ID == "" {
		return false, false
	}
	if _, ok := q.entries[p.ID]; ok {
		return false, false
	}
	if _, ok := q.resolved[p.ID]; ok {
		return false, false
	}
	q.entries[p.ID] = p.Clone()
	q.order = append(q.order, p.ID)
	q.bySession[p.SessionID]++
	return true, q.promote()
}

// Remove drops id and marks it resolved so a late duplicate cannot revive it.
func (q *Queue) Remove(id string) (removed *types.Permission, activeChanged bool) {
	entry, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	delete(q.entries, id)
	q.markResolved(id)
	for idx, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			break
		}
	}
	if count := q.bySession[entry.SessionID] - 1; count > 0 {
		q.bySession[entry.SessionID] = count
	} else {
		delete(q.bySession, entry.SessionID)
	}
	return entry, q.promote()
}

// RemoveSession drops every entry of sessionID and returns their ids.
func (q *Queue) RemoveSession(sessionID string) []string {
	var ids []string
	for _, id := range append([]string(nil), q.order...) {
		if entry := q.entries[id]; entry != nil && entry.SessionID == sessionID {
			q.Remove(id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *Queue) markResolved(id string) {
	if _, ok := q.resolved[id]; ok {
		return
	}
	q.resolved[id] = struct{}{}
	q.resolvedOrder = append(q.resolvedOrder, id)
	if over := len(q.resolvedOrder) - resolvedLimit; over > 0 {
		for _, old := range q.resolvedOrder[:over] {
			delete(q.resolved, old)
		}
		q.resolvedOrder = append([]string(nil), q.resolvedOrder[over:]...)
	}
}

// promote makes the head of the queue active.
func (q *Queue) promote() bool {
	next := ""
	if len(q.order) > 0 {
		next = q.order[0]
	}
	if next == q.active {
		return false
	}
	q.active = next
	return true
}

func (q *Queue) Active() (*types.Permission, bool) {
	entry, ok := q.entries[q.active]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (q *Queue) Get(id string) (*types.Permission, bool) {
	entry, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (q *Queue) Len() int {
	return len(q.order)
}

func (q *Queue) PendingCount(sessionID string) int {
	return q.bySession[sessionID]
}

func (q *Queue) HasPending(sessionID string) bool {
	return q.bySession[sessionID] > 0
}

// Lookup finds the entry attached to a message and, when partID is set, to
// that specific part.
func (q *Queue) Lookup(messageID, partID string) (types.PermissionState, bool) {
	for idx, id := range q.order {
		entry := q.entries[id]
		if entry == nil || entry.MessageID != messageID {
			continue
		}
		if partID != "" && entry.PartID != partID {
			continue
		}
		return q.state(idx, id), true
	}
	return types.PermissionState{}, false
}

func (q *Queue) List() []types.PermissionState {
	out := make([]types.PermissionState, 0, len(q.order))
	for idx, id := range q.order {
		out = append(out, q.state(idx, id))
	}
	return out
}

func (q *Queue) ListSession(sessionID string) []types.PermissionState {
	var out []types.PermissionState
	for idx, id := range q.order {
		if entry := q.entries[id]; entry != nil && entry.SessionID == sessionID {
			out = append(out, q.state(idx, id))
		}
	}
	return out
}

// RekeyMessage moves every entry targeting oldID onto newID.
func (q *Queue) RekeyMessage(oldID, newID string) int {
	moved := 0
	for _, entry := range q.entries {
		if entry.MessageID == oldID {
			entry.MessageID = newID
			moved++
		}
	}
	return moved
}

// AttachPart records the part a permission targets once it becomes known.
func (q *Queue) AttachPart(id, partID string) bool {
	entry, ok := q.entries[id]
	if !ok || entry.PartID == partID {
		return false
	}
	entry.PartID = partID
	return true
}

func (q *Queue) state(idx int, id string) types.PermissionState {
	return types.PermissionState{
		Permission: q.entries[id].Clone(),
		Active:     id == q.active,
		Position:   idx,
	}
}
