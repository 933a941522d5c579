package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"tether/internal/types"
)

const RepositoryBackendBbolt = "bbolt"

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrSessionNotFound  = errors.New("session record not found")
)

// Repository is the persisted listing: known instances and the sessions last
// seen on each of them.
type Repository interface {
	Instances() InstanceStore
	Sessions() SessionIndexStore
	Backend() string
	Close() error
}

type InstanceStore interface {
	List(ctx context.Context) ([]*types.InstanceRecord, error)
	Get(ctx context.Context, id string) (*types.InstanceRecord, bool, error)
	Upsert(ctx context.Context, record *types.InstanceRecord) (*types.InstanceRecord, error)
	// Delete removes the instance together with its session listing.
	Delete(ctx context.Context, id string) error
}

type SessionIndexStore interface {
	ListRecords(ctx context.Context, instanceID string) ([]*types.SessionRecord, error)
	GetRecord(ctx context.Context, instanceID, sessionID string) (*types.SessionRecord, bool, error)
	UpsertRecord(ctx context.Context, record *types.SessionRecord) (*types.SessionRecord, error)
	DeleteRecord(ctx context.Context, instanceID, sessionID string) error
}

func normalizeInstance(record *types.InstanceRecord, existing *types.InstanceRecord) (*types.InstanceRecord, error) {
	if record == nil {
		return nil, errors.New("instance is required")
	}
	out := record.Clone()
	out.ID = strings.TrimSpace(out.ID)
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.ID == "" {
		return nil, errors.New("instance id is required")
	}
	if out.BaseURL == "" {
		return nil, errors.New("instance base url is required")
	}
	if existing != nil && !existing.CreatedAt.IsZero() {
		out.CreatedAt = existing.CreatedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	if out.LastConnectedAt == nil && existing != nil && existing.LastConnectedAt != nil {
		at := *existing.LastConnectedAt
		out.LastConnectedAt = &at
	}
	return out, nil
}

// normalizeSessionRecord keeps only the listing fields of the session.
func normalizeSessionRecord(record *types.SessionRecord) (*types.SessionRecord, error) {
	if record == nil || record.Session == nil || strings.TrimSpace(record.Session.ID) == "" {
		return nil, errors.New("session record requires session id")
	}
	if strings.TrimSpace(record.InstanceID) == "" {
		return nil, errors.New("session record requires instance id")
	}
	out := record.Clone()
	out.InstanceID = strings.TrimSpace(out.InstanceID)
	out.Session.MessageIDs = nil
	out.Session.Busy = false
	out.Session.Compacting = false
	out.Session.Error = ""
	if out.StoredAt.IsZero() {
		out.StoredAt = time.Now().UTC()
	}
	return out, nil
}
