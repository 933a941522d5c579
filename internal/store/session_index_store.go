package store

import (
	"context"
	"errors"
	"time"

	"tether/internal/types"
)

const indexWriteTimeout = 5 * time.Second

// InstanceIndex scopes the session listing to one instance. It is the
// write-through target the reconciler updates on session events.
type InstanceIndex struct {
	instanceID string
	sessions   SessionIndexStore
}

func NewInstanceIndex(sessions SessionIndexStore, instanceID string) *InstanceIndex {
	return &InstanceIndex{instanceID: instanceID, sessions: sessions}
}

func (i *InstanceIndex) PutSession(session *types.Session) error {
	if session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexWriteTimeout)
	defer cancel()
	_, err := i.sessions.UpsertRecord(ctx, &types.SessionRecord{
		InstanceID: i.instanceID,
		Session:    session,
	})
	return err
}

// DeleteSession removes the session from the listing. Sessions that were
// never listed are not an error.
func (i *InstanceIndex) DeleteSession(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), indexWriteTimeout)
	defer cancel()
	err := i.sessions.DeleteRecord(ctx, i.instanceID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Sessions returns the persisted listing, most recently updated first.
func (i *InstanceIndex) Sessions(ctx context.Context) ([]*types.Session, error) {
	records, err := i.sessions.ListRecords(ctx, i.instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Session, 0, len(records))
	for _, record := range records {
		if record.Session == nil {
			continue
		}
		out = append(out, record.Session)
	}
	return out, nil
}
