package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"tether/internal/types"
)

var (
	bucketInstances    = []byte("instances")
	bucketSessionIndex = []byte("session_index")
)

type bboltRepository struct {
	db        *bolt.DB
	instances InstanceStore
	sessions  SessionIndexStore
}

func NewBboltRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initBboltSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRepository{
		db:        db,
		instances: &bboltInstanceStore{db: db},
		sessions:  &bboltSessionIndexStore{db: db},
	}, nil
}

func (r *bboltRepository) Instances() InstanceStore {
	return r.instances
}

func (r *bboltRepository) Sessions() SessionIndexStore {
	return r.sessions
}

func (r *bboltRepository) Backend() string {
	return RepositoryBackendBbolt
}

func (r *bboltRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func initBboltSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketInstances); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSessionIndex); err != nil {
			return err
		}
		return nil
	})
}

type bboltInstanceStore struct {
	db *bolt.DB
	mu sync.Mutex
}

func (s *bboltInstanceStore) List(ctx context.Context) ([]*types.InstanceRecord, error) {
	out := make([]*types.InstanceRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var record types.InstanceRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record.Clone())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *bboltInstanceStore) Get(ctx context.Context, id string) (*types.InstanceRecord, bool, error) {
	var (
		out *types.InstanceRecord
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if len(raw) == 0 {
			return nil
		}
		var record types.InstanceRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		out = record.Clone()
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltInstanceStore) Upsert(ctx context.Context, record *types.InstanceRecord) (*types.InstanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record == nil {
		return nil, errors.New("instance is required")
	}
	existing, _, err := s.Get(ctx, strings.TrimSpace(record.ID))
	if err != nil {
		return nil, err
	}
	normalized, err := normalizeInstance(record, existing)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b == nil {
			return errors.New("instances bucket missing")
		}
		return b.Put([]byte(normalized.ID), raw)
	}); err != nil {
		return nil, err
	}
	return normalized.Clone(), nil
}

func (s *bboltInstanceStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		instances := tx.Bucket(bucketInstances)
		sessions := tx.Bucket(bucketSessionIndex)
		if instances == nil || sessions == nil {
			return errors.New("instance buckets missing")
		}
		key := []byte(id)
		if instances.Get(key) == nil {
			return ErrInstanceNotFound
		}
		if err := instances.Delete(key); err != nil {
			return err
		}
		prefix := sessionPrefix(id)
		c := sessions.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

type bboltSessionIndexStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// ListRecords returns the instance's sessions, most recently updated first.
func (s *bboltSessionIndexStore) ListRecords(ctx context.Context, instanceID string) ([]*types.SessionRecord, error) {
	out := make([]*types.SessionRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return nil
		}
		prefix := sessionPrefix(instanceID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record types.SessionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		left := out[i].Session
		right := out[j].Session
		if left == nil || right == nil {
			return left != nil
		}
		if left.Time.Updated != right.Time.Updated {
			return left.Time.Updated > right.Time.Updated
		}
		return left.ID < right.ID
	})
	return out, nil
}

func (s *bboltSessionIndexStore) GetRecord(ctx context.Context, instanceID, sessionID string) (*types.SessionRecord, bool, error) {
	var (
		record *types.SessionRecord
		ok     bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return nil
		}
		raw := b.Get(sessionKey(instanceID, sessionID))
		if len(raw) == 0 {
			return nil
		}
		var item types.SessionRecord
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		record = item.Clone()
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return record, ok, nil
}

func (s *bboltSessionIndexStore) UpsertRecord(ctx context.Context, record *types.SessionRecord) (*types.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized, err := normalizeSessionRecord(record)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return errors.New("session index bucket missing")
		}
		return b.Put(sessionKey(normalized.InstanceID, normalized.Session.ID), raw)
	}); err != nil {
		return nil, err
	}
	return normalized.Clone(), nil
}

func (s *bboltSessionIndexStore) DeleteRecord(ctx context.Context, instanceID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return errors.New("session index bucket missing")
		}
		key := sessionKey(instanceID, sessionID)
		if b.Get(key) == nil {
			return ErrSessionNotFound
		}
		return b.Delete(key)
	})
}

func sessionPrefix(instanceID string) []byte {
	return []byte(instanceID + "\x00")
}

func sessionKey(instanceID, sessionID string) []byte {
	return []byte(instanceID + "\x00" + sessionID)
}
