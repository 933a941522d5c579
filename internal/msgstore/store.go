// Package msgstore holds the reconciled state of one backend instance:
// sessions, messages and their parts, buffered parts whose message has not
// arrived yet, the permission queue, usage aggregates and scroll snapshots.
//
// Every exported method is atomic with respect to every other. Readers get
// copies; nothing returned aliases store internals.
package msgstore

import (
	"errors"
	"sync"
	"time"

	"tether/internal/logging"
	"tether/internal/permissions"
	"tether/internal/types"
)

var ErrNotFound = errors.New("not found")

// PendingPartTTL bounds how long a part may wait for its message.
const PendingPartTTL = 5 * time.Minute

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

type pendingPart struct {
	part     *types.Part
	received time.Time
}

type scrollKey struct {
	sessionID string
	scope     string
}

type Store struct {
	mu         sync.Mutex
	instanceID string
	logger     logging.Logger
	now        func() time.Time
	pendingTTL time.Duration
	version    uint64
	hub        *changeHub

	sessions     map[string]*types.Session
	sessionOrder []string
	messages     map[string]*types.Message
	infos        map[string]types.MessageInfo
	pending      map[string][]pendingPart
	// outstanding lists optimistic placeholders per session in send order.
	outstanding map[string][]string
	permissions *permissions.Queue
	usage       map[string]*usageAggregate
	scroll      map[scrollKey]types.ScrollSnapshot
}

func New(instanceID string, opts ...Option) *Store {
	s := &Store{
		instanceID: instanceID,
		logger:     logging.Nop(),
		now:        time.Now,
		pendingTTL: PendingPartTTL,
		hub:        newChangeHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.sessions = map[string]*types.Session{}
	s.sessionOrder = nil
	s.messages = map[string]*types.Message{}
	s.infos = map[string]types.MessageInfo{}
	s.pending = map[string][]pendingPart{}
	s.outstanding = map[string][]string{}
	s.permissions = permissions.NewQueue()
	s.usage = map[string]*usageAggregate{}
	s.scroll = map[scrollKey]types.ScrollSnapshot{}
}

func (s *Store) InstanceID() string {
	return s.instanceID
}

// Subscribe returns a channel of change notifications and its cancel func.
func (s *Store) Subscribe() (<-chan Change, func()) {
	return s.hub.Add(0)
}

// Version is the number of changes emitted so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ClearInstance drops all state. Subscribers stay attached and receive a
// single instance-wide invalidation.
func (s *Store) ClearInstance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	changes := changeSet{}
	changes.add(KeyInstance, KeySessions, KeyPermissions)
	s.emitLocked(changes)
}

// Close detaches every subscriber.
func (s *Store) Close() {
	s.hub.Close()
}

// Batch runs fn with exclusive access so a sequence of mutations is observed
// as one change.
func (s *Store) Batch(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{s: s, changes: changeSet{}}
	fn(tx)
	s.emitLocked(tx.changes)
}

func (s *Store) emitLocked(changes changeSet) {
	if len(changes) == 0 {
		return
	}
	s.version++
	s.hub.Broadcast(Change{InstanceID: s.instanceID, Version: s.version, Keys: changes.keys()})
}
