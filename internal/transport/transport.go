// Package transport keeps one server-sent event stream open per backend
// instance, decodes every frame into an events.Event and reconnects with a
// bounded linear backoff when the stream fails.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tether/internal/events"
	"tether/internal/logging"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var ErrUnknownInstance = errors.New("unknown instance")

const (
	DefaultMaxAttempts = 3
	DefaultBackoffStep = time.Second
	DefaultBackoffMax  = 5 * time.Second
	DefaultEventPath   = "/event"
	// DefaultMaxFrameBytes caps one event frame. Larger frames are dropped.
	DefaultMaxFrameBytes = 1024 * 1024
)

type Config struct {
	MaxAttempts int
	BackoffStep time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = DefaultBackoffStep
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Delay is the wait before reconnect attempt n (1-based).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	delay := time.Duration(attempt) * c.BackoffStep
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}

// Endpoint names the stream of one instance.
type Endpoint struct {
	InstanceID string
	BaseURL    string
	Path       string
	Directory  string
	Username   string
	Token      string
}

func (e Endpoint) url() string {
	path := strings.TrimSpace(e.Path)
	if path == "" {
		path = DefaultEventPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint := strings.TrimRight(e.BaseURL, "/") + path
	if dir := strings.TrimSpace(e.Directory); dir != "" {
		query := url.Values{}
		query.Set("directory", dir)
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

// Callbacks receive stream output. OnEvent runs on the stream goroutine and
// must not call back into Disconnect for the same instance synchronously.
// OnStatus calls are serialized and arrive in transition order, possibly on
// another connection's goroutine. Nil callbacks are skipped.
type Callbacks struct {
	OnEvent          func(instanceID string, event events.Event)
	OnStatus         func(instanceID string, status Status)
	OnConnectionLost func(instanceID string, err error)
}

// Timer is the handle of a scheduled reconnect.
type Timer interface {
	Stop() bool
}

type Option func(*Manager)

func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxFrameBytes overrides DefaultMaxFrameBytes.
func WithMaxFrameBytes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxFrame = n
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(m *Manager) {
		if fn != nil {
			m.afterFunc = fn
		}
	}
}

type connection struct {
	endpoint Endpoint
	status   Status
	attempts int
	gen      int
	cancel   context.CancelFunc
	timer    Timer
}

type statusNote struct {
	instanceID string
	status     Status
}

type Manager struct {
	mu         sync.Mutex
	cfg        Config
	callbacks  Callbacks
	httpClient *http.Client
	logger     logging.Logger
	afterFunc  func(time.Duration, func()) Timer
	conns      map[string]*connection
	maxFrame   int

	// notes holds status transitions recorded under mu, delivered in order by
	// whichever goroutine holds the draining role.
	notes    []statusNote
	draining bool
}

func New(cfg Config, callbacks Callbacks, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg.withDefaults(),
		callbacks:  callbacks,
		httpClient: &http.Client{},
		logger:     logging.Nop(),
		afterFunc: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
		conns:    map[string]*connection{},
		maxFrame: DefaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens the stream for endpoint.InstanceID, replacing any existing
// connection for that instance.
func (m *Manager) Connect(endpoint Endpoint) error {
	id := strings.TrimSpace(endpoint.InstanceID)
	if id == "" {
		return fmt.Errorf("instance id is required")
	}
	if strings.TrimSpace(endpoint.BaseURL) == "" {
		return fmt.Errorf("base url is required")
	}
	m.Disconnect(id)

	m.mu.Lock()
	conn := &connection{endpoint: endpoint}
	m.conns[id] = conn
	m.dialLocked(id, conn)
	m.mu.Unlock()
	m.flushStatus()
	return nil
}

// Disconnect tears the stream down and cancels any pending reconnect. It is
// safe to call for unknown or already disconnected instances.
func (m *Manager) Disconnect(instanceID string) {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	if ok {
		delete(m.conns, instanceID)
		conn.gen++
		if conn.timer != nil {
			conn.timer.Stop()
			conn.timer = nil
		}
		if conn.cancel != nil {
			conn.cancel()
			conn.cancel = nil
		}
		m.queueStatusLocked(instanceID, StatusDisconnected)
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("transport_disconnected", logging.F("instance_id", instanceID))
		m.flushStatus()
	}
}

func (m *Manager) Status(instanceID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[instanceID]
	if !ok {
		return StatusDisconnected, fmt.Errorf("%s: %w", instanceID, ErrUnknownInstance)
	}
	return conn.status, nil
}

func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) dialLocked(instanceID string, conn *connection) {
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	conn.status = StatusConnecting
	conn.timer = nil
	m.queueStatusLocked(instanceID, StatusConnecting)
	gen := conn.gen
	go m.run(ctx, instanceID, conn.endpoint, gen)
}

func (m *Manager) run(ctx context.Context, instanceID string, endpoint Endpoint, gen int) {
	err := m.stream(ctx, instanceID, endpoint, gen)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	m.fail(instanceID, gen, err)
}

func (m *Manager) stream(ctx context.Context, instanceID string, endpoint Endpoint, gen int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.url(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if endpoint.Token != "" {
		req.SetBasicAuth(endpoint.Username, endpoint.Token)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !m.markConnected(instanceID, gen) {
		return nil
	}

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	dataLines := make([]string, 0, 8)
	size := 0
	dropping := false
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		size = 0
		if payload == "" {
			return
		}
		m.dispatch(instanceID, gen, payload)
	}
	for {
		line, tooLong, err := readLine(reader, m.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return nil
			}
			return err
		}
		if !tooLong && strings.TrimSpace(line) == "" {
			if dropping {
				dropping = false
				continue
			}
			flush()
			continue
		}
		if dropping {
			continue
		}
		if !tooLong && !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		size += len(data)
		if tooLong || size > m.maxFrame {
			// The rest of the frame up to the next blank line is skipped.
			m.logger.Warn("event_frame_dropped",
				logging.F("instance_id", instanceID),
				logging.F("limit_bytes", m.maxFrame),
			)
			dataLines = dataLines[:0]
			size = 0
			dropping = true
			continue
		}
		dataLines = append(dataLines, data)
	}
}

// readLine returns the next line without its terminator. A line longer than
// limit is consumed in full; only its first limit bytes are returned and
// tooLong is set.
func readLine(r *bufio.Reader, limit int) (string, bool, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return string(line), tooLong, nil
		}
	}
}

func (m *Manager) dispatch(instanceID string, gen int, payload string) {
	event, err := events.Decode([]byte(payload))
	if err != nil {
		m.logger.Warn("event_decode_failed",
			logging.F("instance_id", instanceID),
			logging.F("error", err),
		)
		return
	}
	if !m.current(instanceID, gen) {
		return
	}
	if m.callbacks.OnEvent != nil {
		m.callbacks.OnEvent(instanceID, event)
	}
}

func (m *Manager) current(instanceID string, gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[instanceID]
	return ok && conn.gen == gen
}

func (m *Manager) markConnected(instanceID string, gen int) bool {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	if !ok || conn.gen != gen {
		m.mu.Unlock()
		return false
	}
	conn.status = StatusConnected
	conn.attempts = 0
	m.queueStatusLocked(instanceID, StatusConnected)
	m.mu.Unlock()
	m.logger.Info("transport_connected", logging.F("instance_id", instanceID))
	m.flushStatus()
	return true
}

// fail records a stream failure. Below the attempt ceiling a reconnect is
// scheduled; at the ceiling the connection is dropped and reported lost.
func (m *Manager) fail(instanceID string, gen int, cause error) {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	if !ok || conn.gen != gen {
		m.mu.Unlock()
		return
	}
	conn.status = StatusError
	m.queueStatusLocked(instanceID, StatusError)
	if conn.cancel != nil {
		conn.cancel()
		conn.cancel = nil
	}
	conn.attempts++
	attempt := conn.attempts
	if attempt >= m.cfg.MaxAttempts {
		delete(m.conns, instanceID)
		conn.gen++
		m.mu.Unlock()
		m.logger.Error("connection_lost",
			logging.F("instance_id", instanceID),
			logging.F("attempts", attempt),
			logging.F("error", cause),
		)
		m.flushStatus()
		if m.callbacks.OnConnectionLost != nil {
			m.callbacks.OnConnectionLost(instanceID, cause)
		}
		return
	}
	delay := m.cfg.Delay(attempt)
	conn.timer = m.afterFunc(delay, func() { m.reconnect(instanceID, gen) })
	m.mu.Unlock()

	m.logger.Warn("transport_reconnect_scheduled",
		logging.F("instance_id", instanceID),
		logging.F("attempt", attempt),
		logging.F("delay", delay),
		logging.F("error", cause),
	)
	m.flushStatus()
}

func (m *Manager) reconnect(instanceID string, gen int) {
	m.mu.Lock()
	conn, ok := m.conns[instanceID]
	if !ok || conn.gen != gen || conn.timer == nil {
		m.mu.Unlock()
		return
	}
	m.dialLocked(instanceID, conn)
	m.mu.Unlock()
	m.flushStatus()
}

func (m *Manager) queueStatusLocked(instanceID string, status Status) {
	if m.callbacks.OnStatus == nil {
		return
	}
	m.notes = append(m.notes, statusNote{instanceID: instanceID, status: status})
}

// flushStatus delivers queued transitions outside the lock. Only one
// goroutine drains at a time; a status queued while another goroutine (or a
// callback on this one) is draining is picked up by that drainer.
func (m *Manager) flushStatus() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.notes) > 0 {
		note := m.notes[0]
		m.notes = m.notes[1:]
		m.mu.Unlock()
		m.callbacks.OnStatus(note.instanceID, note.status)
		m.mu.Lock()
	}
	m.notes = nil
	m.draining = false
	m.mu.Unlock()
}
