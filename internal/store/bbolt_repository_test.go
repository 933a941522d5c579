package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tether/internal/types"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := NewBboltRepository(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewBboltRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBboltInstanceCRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.Instances().Upsert(ctx, &types.InstanceRecord{ID: " local ", BaseURL: "http://127.0.0.1:4096/"})
	if err != nil {
		t.Fatalf("upsert instance: %v", err)
	}
	if created.ID != "local" || created.BaseURL != "http://127.0.0.1:4096" || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected normalized instance: %#v", created)
	}

	connected := time.Now().UTC()
	updated, err := repo.Instances().Upsert(ctx, &types.InstanceRecord{
		ID:              "local",
		BaseURL:         "http://127.0.0.1:4096",
		LastConnectedAt: &connected,
	})
	if err != nil {
		t.Fatalf("update instance: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created time must be preserved")
	}

	list, err := repo.Instances().List(ctx)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(list) != 1 || list[0].LastConnectedAt == nil {
		t.Fatalf("unexpected instances: %#v", list)
	}

	if _, err := repo.Instances().Upsert(ctx, &types.InstanceRecord{ID: "bad"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if err := repo.Instances().Delete(ctx, "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestDeleteInstanceCascadesSessions(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := repo.Instances().Upsert(ctx, &types.InstanceRecord{ID: id, BaseURL: "http://" + id}); err != nil {
			t.Fatalf("upsert instance %s: %v", id, err)
		}
		for _, sid := range []string{"ses_1", "ses_2"} {
			record := &types.SessionRecord{InstanceID: id, Session: &types.Session{ID: sid}}
			if _, err := repo.Sessions().UpsertRecord(ctx, record); err != nil {
				t.Fatalf("upsert session: %v", err)
			}
		}
	}

	if err := repo.Instances().Delete(ctx, "a"); err != nil {
		t.Fatalf("delete instance: %v", err)
	}
	gone, err := repo.Sessions().ListRecords(ctx, "a")
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("expected sessions of a to be removed, got %d", len(gone))
	}
	kept, err := repo.Sessions().ListRecords(ctx, "b")
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected sessions of b to survive, got %d", len(kept))
	}
}

func TestRepositoryReopenKeepsListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tether.db")
	repo, err := NewBboltRepository(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := repo.Sessions().UpsertRecord(ctx, &types.SessionRecord{
		InstanceID: "local",
		Session:    &types.Session{ID: "ses_1", Title: "Plan"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBboltRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	record, ok, err := reopened.Sessions().GetRecord(ctx, "local", "ses_1")
	if err != nil || !ok {
		t.Fatalf("expected record after reopen (ok=%v err=%v)", ok, err)
	}
	if record.Session.Title != "Plan" || reopened.Backend() != RepositoryBackendBbolt {
		t.Fatalf("unexpected record: %#v", record)
	}
}
