package instance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tether/internal/msgstore"
	"tether/internal/store"
	"tether/internal/transport"
	"tether/internal/types"
)

type sseBackend struct {
	mu       sync.Mutex
	frames   []string
	failures bool
}

func (b *sseBackend) setFrames(frames ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = frames
}

func newSSEServer(t *testing.T, backend *sseBackend) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/event":
			backend.mu.Lock()
			frames := append([]string(nil), backend.frames...)
			failing := backend.failures
			backend.mu.Unlock()
			if failing {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher, _ := w.(http.Flusher)
			for _, frame := range frames {
				fmt.Fprintf(w, "data: %s\n\n", frame)
			}
			if flusher != nil {
				flusher.Flush()
			}
			<-r.Context().Done()
		case "/session":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func immediate(_ time.Duration, fn func()) transport.Timer {
	timer := time.AfterFunc(0, fn)
	return timer
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append(opts, WithTransportOptions(transport.WithAfterFunc(immediate)))
	registry := NewRegistry(Config{Transport: transport.Config{MaxAttempts: 2}}, opts...)
	t.Cleanup(registry.Close)
	return registry
}

func TestCreateStreamsEventsIntoStore(t *testing.T) {
	backend := &sseBackend{}
	backend.setFrames(
		`{"type":"session.updated","properties":{"info":{"id":"ses_1","title":"Plan","time":{"updated":5}}}}`,
		`not json`,
		`{"type":"message.updated","properties":{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":1}}}}`,
	)
	server := newSSEServer(t, backend)
	registry := newTestRegistry(t)

	inst, err := registry.Create(context.Background(), Spec{ID: "local", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, "message to arrive", func() bool {
		_, err := inst.Store().Message("msg_1")
		return err == nil
	})
	session, err := inst.Store().Session("ses_1")
	if err != nil || session.Title != "Plan" {
		t.Fatalf("unexpected session %+v (%v)", session, err)
	}
	waitFor(t, "connected status", func() bool {
		status, err := registry.Status("local")
		return err == nil && status == transport.StatusConnected
	})

	if _, err := registry.Create(context.Background(), Spec{ID: "local", BaseURL: server.URL}); !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("expected ErrInstanceExists, got %v", err)
	}
	if err := registry.AcknowledgeDisconnect("local"); !errors.Is(err, ErrNotDisconnected) {
		t.Fatalf("connected instance must not be released, got %v", err)
	}
	if err := registry.Destroy("local"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := registry.Get("local"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestDestroyClearsStore(t *testing.T) {
	backend := &sseBackend{}
	backend.setFrames(
		`{"type":"message.updated","properties":{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":1}}}}`,
	)
	server := newSSEServer(t, backend)
	registry := newTestRegistry(t)

	inst, err := registry.Create(context.Background(), Spec{ID: "local", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, "message to arrive", func() bool {
		_, err := inst.Store().Message("msg_1")
		return err == nil
	})
	changes, unsubscribe := inst.Store().Subscribe()
	defer unsubscribe()

	if err := registry.Destroy("local"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := inst.Store().Message("msg_1"); err == nil {
		t.Fatalf("expected store to be cleared")
	}
	var cleared bool
	for change := range changes {
		if change.Has(msgstore.KeyInstance) {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected an instance-wide invalidation before the hub closed")
	}
}

func TestConnectionLostWaitsForAcknowledgement(t *testing.T) {
	backend := &sseBackend{failures: true}
	server := newSSEServer(t, backend)
	lost := make(chan string, 1)
	registry := newTestRegistry(t, WithConnectionLost(func(id string, err error) {
		lost <- id
	}))

	inst, err := registry.Create(context.Background(), Spec{ID: "flaky", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case id := <-lost:
		if id != "flaky" {
			t.Fatalf("unexpected lost instance %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connection lost was not reported")
	}

	down, cause := inst.Disconnected()
	if !down || cause == nil {
		t.Fatalf("expected disconnected instance with cause, got %v %v", down, cause)
	}
	if status, err := registry.Status("flaky"); err != nil || status != transport.StatusDisconnected {
		t.Fatalf("unexpected status %q (%v)", status, err)
	}
	if _, err := registry.Get("flaky"); err != nil {
		t.Fatalf("lost instance must stay registered until acknowledged: %v", err)
	}
	if err := registry.AcknowledgeDisconnect("flaky"); err != nil {
		t.Fatalf("AcknowledgeDisconnect: %v", err)
	}
	if _, err := registry.Get("flaky"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("acknowledged instance should be released, got %v", err)
	}
}

func TestCreateSeedsFromRepositoryAndWritesThrough(t *testing.T) {
	repo, err := store.NewBboltRepository(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewBboltRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	if _, err := repo.Sessions().UpsertRecord(ctx, &types.SessionRecord{
		InstanceID: "local",
		Session:    &types.Session{ID: "ses_saved", Title: "Saved", Time: types.SessionTime{Updated: 3}},
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	backend := &sseBackend{}
	backend.setFrames(
		`{"type":"session.updated","properties":{"info":{"id":"ses_live","title":"Live"}}}`,
		`{"type":"session.deleted","properties":{"info":{"id":"ses_saved"}}}`,
	)
	server := newSSEServer(t, backend)
	registry := newTestRegistry(t, WithRepository(repo))

	inst, err := registry.Create(ctx, Spec{ID: "local", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "live session to be persisted", func() bool {
		_, ok, err := repo.Sessions().GetRecord(ctx, "local", "ses_live")
		return err == nil && ok
	})
	waitFor(t, "deleted session to leave the listing", func() bool {
		_, ok, err := repo.Sessions().GetRecord(ctx, "local", "ses_saved")
		return err == nil && !ok
	})
	if _, err := inst.Store().Session("ses_saved"); !errors.Is(err, msgstore.ErrNotFound) {
		t.Fatalf("deleted session should leave the store, got %v", err)
	}
	record, ok, err := repo.Instances().Get(ctx, "local")
	if err != nil || !ok || record.BaseURL != server.URL {
		t.Fatalf("instance should be recorded, got %+v ok=%v err=%v", record, ok, err)
	}
}

func TestSeedLoadsPersistedSessionsBeforeStreaming(t *testing.T) {
	repo, err := store.NewBboltRepository(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewBboltRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()
	if _, err := repo.Sessions().UpsertRecord(ctx, &types.SessionRecord{
		InstanceID: "local",
		Session:    &types.Session{ID: "ses_child", Title: "Child", ParentID: "ses_root"},
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	server := newSSEServer(t, &sseBackend{})
	registry := newTestRegistry(t, WithRepository(repo))

	inst, err := registry.Create(ctx, Spec{ID: "local", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	session, err := inst.Store().Session("ses_child")
	if err != nil {
		t.Fatalf("seeded session missing: %v", err)
	}
	if session.Title != "Child" || session.ParentID != "ses_root" {
		t.Fatalf("unexpected seeded session %+v", session)
	}
}
