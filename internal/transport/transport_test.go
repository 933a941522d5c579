package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tether/internal/events"
)

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return true
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type scheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fire   bool
	timers []*fakeTimer
	ready  chan struct{}
}

func newScheduler(fire bool) *scheduler {
	return &scheduler{fire: fire, ready: make(chan struct{}, 16)}
}

func (s *scheduler) afterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	timer := &fakeTimer{}
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
	if s.fire {
		go fn()
	}
	s.ready <- struct{}{}
	return timer
}

func (s *scheduler) snapshot() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func TestDelayIsLinearAndCapped(t *testing.T) {
	cfg := Config{}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestConnectionLostAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	lost := make(chan string, 4)
	sched := newScheduler(true)
	m := New(Config{}, Callbacks{
		OnConnectionLost: func(instanceID string, err error) { lost <- instanceID },
	}, WithAfterFunc(sched.afterFunc))
	defer m.Close()

	if err := m.Connect(Endpoint{InstanceID: "I", BaseURL: server.URL}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case id := <-lost:
		if id != "I" {
			t.Fatalf("unexpected instance %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for connection lost")
	}

	delays := sched.snapshot()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected reconnect delays: %v", delays)
	}
	if _, err := m.Status("I"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected connection removed, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(sched.snapshot()); got != 2 {
		t.Fatalf("no reconnect may be scheduled after connection lost, got %d", got)
	}
	if len(lost) != 0 {
		t.Fatalf("connection lost must fire once")
	}
}

func TestStreamDecodesFramesAndDropsMalformed(t *testing.T) {
	var (
		mu       sync.Mutex
		gotUser  string
		gotToken string
		gotDir   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotUser, gotToken, _ = r.BasicAuth()
		gotDir = r.URL.Query().Get("directory")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	received := make(chan events.Event, 4)
	statuses := make(chan Status, 8)
	m := New(Config{}, Callbacks{
		OnEvent:  func(instanceID string, event events.Event) { received <- event },
		OnStatus: func(instanceID string, status Status) { statuses <- status },
	})
	defer m.Close()

	err := m.Connect(Endpoint{InstanceID: "I", BaseURL: server.URL, Directory: "/work", Username: "opencode", Token: "secret"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case event := <-received:
		idle, ok := event.(events.SessionIdle)
		if !ok || idle.SessionID != "ses_1" {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	if status, err := m.Status("I"); err != nil || status != StatusConnected {
		t.Fatalf("expected connected, got %s err=%v", status, err)
	}
	mu.Lock()
	if gotUser != "opencode" || gotToken != "secret" || gotDir != "/work" {
		t.Fatalf("unexpected request auth=%q/%q dir=%q", gotUser, gotToken, gotDir)
	}
	mu.Unlock()

	m.Disconnect("I")
	if _, err := m.Status("I"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected unknown instance after disconnect, got %v", err)
	}
	if len(received) != 0 {
		t.Fatalf("malformed frame must be dropped")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	lost := make(chan string, 1)
	sched := newScheduler(false)
	m := New(Config{}, Callbacks{
		OnConnectionLost: func(instanceID string, err error) { lost <- instanceID },
	}, WithAfterFunc(sched.afterFunc))

	if err := m.Connect(Endpoint{InstanceID: "I", BaseURL: server.URL}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-sched.ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reconnect to be scheduled")
	}
	if status, _ := m.Status("I"); status != StatusError {
		t.Fatalf("expected error status, got %s", status)
	}

	m.Disconnect("I")
	m.Disconnect("I")
	sched.mu.Lock()
	timer := sched.timers[0]
	sched.mu.Unlock()
	if !timer.isStopped() {
		t.Fatalf("disconnect must stop the pending reconnect timer")
	}
	m.reconnect("I", 0)
	if _, err := m.Status("I"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("stale reconnect must not revive the connection")
	}
	if len(lost) != 0 {
		t.Fatalf("explicit disconnect is not a lost connection")
	}
}

func TestConnectValidatesEndpoint(t *testing.T) {
	m := New(Config{}, Callbacks{})
	if err := m.Connect(Endpoint{BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected error for missing instance id")
	}
	if err := m.Connect(Endpoint{InstanceID: "I"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestOversizedFrameIsDroppedWithoutFailingStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		big := strings.Repeat("x", 4096)
		fmt.Fprintf(w, "data: {\"type\":\"tui.toast.show\",\"properties\":{\"message\":\"%s\"}}\n\n", big)
		fmt.Fprintf(w, "data: {\"type\":\"session.idle\",\n")
		fmt.Fprintf(w, "data: \"properties\":{\"sessionID\":\"%s\"}}\n\n", big)
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"ses_1\"}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	received := make(chan events.Event, 4)
	sched := newScheduler(false)
	m := New(Config{}, Callbacks{
		OnEvent: func(instanceID string, event events.Event) { received <- event },
	}, WithMaxFrameBytes(1024), WithAfterFunc(sched.afterFunc))
	defer m.Close()

	if err := m.Connect(Endpoint{InstanceID: "I", BaseURL: server.URL}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case event := <-received:
		idle, ok := event.(events.SessionIdle)
		if !ok || idle.SessionID != "ses_1" {
			t.Fatalf("expected the frame after the oversized ones, got %#v", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	if status, err := m.Status("I"); err != nil || status != StatusConnected {
		t.Fatalf("oversized frames must not fail the stream, got %s err=%v", status, err)
	}
	if got := len(sched.snapshot()); got != 0 {
		t.Fatalf("no reconnect may be scheduled, got %d", got)
	}
	if len(received) != 0 {
		t.Fatalf("oversized frames must be dropped")
	}
}

func TestStatusCallbacksArriveInTransitionOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	for i := 0; i < 20; i++ {
		var (
			mu   sync.Mutex
			seen []Status
		)
		m := New(Config{}, Callbacks{
			OnStatus: func(instanceID string, status Status) {
				// Slow the first callback so the dial goroutine can overtake it.
				if status == StatusConnecting {
					time.Sleep(5 * time.Millisecond)
				}
				mu.Lock()
				seen = append(seen, status)
				mu.Unlock()
			},
		})
		if err := m.Connect(Endpoint{InstanceID: "I", BaseURL: server.URL}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		waitStatuses := func(n int) []Status {
			deadline := time.Now().Add(5 * time.Second)
			for {
				mu.Lock()
				got := append([]Status(nil), seen...)
				mu.Unlock()
				if len(got) >= n {
					return got
				}
				if time.Now().After(deadline) {
					t.Fatalf("run %d: timed out waiting for %d statuses, got %v", i, n, got)
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
		waitStatuses(2)
		m.Close()
		got := waitStatuses(3)
		want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
		if len(got) != len(want) {
			t.Fatalf("run %d: unexpected statuses %v", i, got)
		}
		for idx := range want {
			if got[idx] != want[idx] {
				t.Fatalf("run %d: statuses out of order: %v", i, got)
			}
		}
	}
}
