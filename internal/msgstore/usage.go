package msgstore

import (
	"sort"

	"tether/internal/types"
)

type contribution struct {
	usage   types.Usage
	created int64
}

// usageAggregate keeps every assistant message's share of a session's usage.
// Totals are always summed from the shares so re-applying an info never
// double counts.
type usageAggregate struct {
	contributions map[string]contribution
}

func newUsageAggregate() *usageAggregate {
	return &usageAggregate{contributions: map[string]contribution{}}
}

func (a *usageAggregate) apply(info types.MessageInfo) bool {
	prev, had := a.contributions[info.ID]
	if !info.HasAccounting() {
		if had {
			delete(a.contributions, info.ID)
			return true
		}
		return false
	}
	next := contribution{usage: info.Usage(), created: info.Time.Created}
	if had && prev == next {
		return false
	}
	a.contributions[info.ID] = next
	return true
}

func (a *usageAggregate) remove(id string) bool {
	if _, ok := a.contributions[id]; !ok {
		return false
	}
	delete(a.contributions, id)
	return true
}

func (a *usageAggregate) rekey(oldID, newID string) bool {
	c, ok := a.contributions[oldID]
	if !ok {
		return false
	}
	delete(a.contributions, oldID)
	a.contributions[newID] = c
	return true
}

func (a *usageAggregate) snapshot() types.SessionUsage {
	ids := make([]string, 0, len(a.contributions))
	for id := range a.contributions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out types.SessionUsage
	var latestCreated int64
	for _, id := range ids {
		c := a.contributions[id]
		out.Totals = out.Totals.Add(c.usage)
		if out.LatestMessageID == "" || c.created > latestCreated || (c.created == latestCreated && id > out.LatestMessageID) {
			out.LatestMessageID = id
			out.Latest = c.usage
			latestCreated = c.created
		}
	}
	out.Messages = len(ids)
	return out
}

// SetMessageInfo records the accounting info of a message and refreshes its
// session's usage from it.
func (tx *Tx) SetMessageInfo(info types.MessageInfo) {
	s := tx.s
	if info.ID == "" {
		return
	}
	s.infos[info.ID] = info
	if info.SessionID == "" {
		return
	}
	agg, ok := s.usage[info.SessionID]
	if !ok {
		agg = newUsageAggregate()
		s.usage[info.SessionID] = agg
	}
	if agg.apply(info) {
		tx.changes.add(UsageKey(info.SessionID))
	}
}

func (tx *Tx) GetMessageInfo(id string) (types.MessageInfo, bool) {
	info, ok := tx.s.infos[id]
	return info, ok
}

// RebuildUsage recomputes a session's usage from scratch out of infos.
func (tx *Tx) RebuildUsage(sessionID string, infos []types.MessageInfo) {
	s := tx.s
	before := types.SessionUsage{}
	if agg, ok := s.usage[sessionID]; ok {
		before = agg.snapshot()
	}
	agg := newUsageAggregate()
	for _, info := range infos {
		if info.ID == "" || info.SessionID != sessionID {
			continue
		}
		s.infos[info.ID] = info
		agg.apply(info)
	}
	s.usage[sessionID] = agg
	if agg.snapshot() != before {
		tx.changes.add(UsageKey(sessionID))
	}
}

func (tx *Tx) Usage(sessionID string) types.SessionUsage {
	agg, ok := tx.s.usage[sessionID]
	if !ok {
		return types.SessionUsage{}
	}
	return agg.snapshot()
}
