package msgstore

import (
	"sort"
	"strings"
	"sync"
)

const (
	KeyPermissions = "permissions"
	KeySessions    = "sessions"
	KeyInstance    = "instance"
)

func SessionKey(id string) string { return "session:" + id }
func MessageKey(id string) string { return "message:" + id }
func UsageKey(sessionID string) string {
	return "usage:" + sessionID
}
func PartKey(messageID, partID string) string {
	return "part:" + messageID + "/" + partID
}
func ScrollKey(sessionID, scope string) string {
	return "scroll:" + sessionID + "/" + scope
}

// Change is emitted once per store mutation that altered observable state.
// Keys lists what a reader must re-read; Version increases with every change.
type Change struct {
	InstanceID string
	Version    uint64
	Keys       []string
}

// Has reports whether key, or any key nested under it with a '/', was
// invalidated.
func (c Change) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key || strings.HasPrefix(k, key+"/") {
			return true
		}
	}
	return false
}

type changeSet map[string]struct{}

func (s changeSet) add(keys ...string) {
	for _, key := range keys {
		if key != "" {
			s[key] = struct{}{}
		}
	}
}

func (s changeSet) keys() []string {
	out := make([]string, 0, len(s))
	for key := range s {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

type changeSubscriber struct {
	id int
	ch chan Change
}

type changeHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*changeSubscriber
}

func newChangeHub() *changeHub {
	return &changeHub{subs: map[int]*changeSubscriber{}}
}

func (h *changeHub) Add(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan Change, buffer)
	h.subs[id] = &changeSubscriber{id: id, ch: ch}
	cancel := func() {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if ok {
			delete(h.subs, id)
		}
		h.mu.Unlock()
		if ok {
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Broadcast never blocks; a subscriber that falls behind misses changes and
// is expected to re-read by key.
func (h *changeHub) Broadcast(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- change:
		default:
		}
	}
}

func (h *changeHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[int]*changeSubscriber{}
	h.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}
