// Package instance owns the per-backend wiring: one message store, reconciler
// and dispatcher per instance, all fed by a shared event transport.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tether/internal/actions"
	"tether/internal/backend"
	"tether/internal/events"
	"tether/internal/logging"
	"tether/internal/msgstore"
	"tether/internal/reconcile"
	"tether/internal/store"
	"tether/internal/transport"
	"tether/internal/types"
)

var (
	ErrInstanceExists  = errors.New("instance already exists")
	ErrUnknownInstance = errors.New("unknown instance")
	ErrNotDisconnected = errors.New("instance is still connected")
	errRegistryClosed  = errors.New("registry closed")
)

const resyncTimeout = 30 * time.Second

// Spec describes one backend instance to attach.
type Spec struct {
	ID        string
	BaseURL   string
	Directory string
	Token     string
}

type Config struct {
	Transport      transport.Config
	EventPath      string
	RequestTimeout time.Duration
	Username       string
}

type Option func(*Registry)

func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRepository enables the persisted listing. Stores are seeded from it on
// create and session changes are written through to it.
func WithRepository(repo store.Repository) Option {
	return func(r *Registry) { r.repo = repo }
}

func WithNotifier(notifier reconcile.Notifier) Option {
	return func(r *Registry) { r.notifier = notifier }
}

// WithConnectionLost registers a handler for instances whose stream gave up.
// The instance stays registered until AcknowledgeDisconnect.
func WithConnectionLost(fn func(instanceID string, err error)) Option {
	return func(r *Registry) { r.onLost = fn }
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Registry) { r.transportOpts = append(r.transportOpts, opts...) }
}

// Instance is one attached backend.
type Instance struct {
	spec       Spec
	client     *backend.Client
	store      *msgstore.Store
	reconciler *reconcile.Reconciler
	actions    *actions.Dispatcher
	index      *store.InstanceIndex

	mu           sync.Mutex
	disconnected bool
	lostErr      error
	recovering   bool
}

func (i *Instance) ID() string                        { return i.spec.ID }
func (i *Instance) Store() *msgstore.Store            { return i.store }
func (i *Instance) Reconciler() *reconcile.Reconciler { return i.reconciler }
func (i *Instance) Actions() *actions.Dispatcher      { return i.actions }
func (i *Instance) Client() *backend.Client           { return i.client }

// Disconnected reports whether the stream was lost, and why.
func (i *Instance) Disconnected() (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disconnected, i.lostErr
}

func (i *Instance) close() {
	i.reconciler.Close()
	i.store.ClearInstance()
	i.store.Close()
}

type Registry struct {
	cfg           Config
	repo          store.Repository
	notifier      reconcile.Notifier
	onLost        func(string, error)
	logger        logging.Logger
	transportOpts []transport.Option
	transport     *transport.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:       cfg,
		logger:    logging.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		instances: map[string]*Instance{},
	}
	for _, opt := range opts {
		opt(r)
	}
	transportOpts := append([]transport.Option{transport.WithLogger(r.logger)}, r.transportOpts...)
	r.transport = transport.New(cfg.Transport, transport.Callbacks{
		OnEvent:          r.onEvent,
		OnStatus:         r.onStatus,
		OnConnectionLost: r.onConnectionLost,
	}, transportOpts...)
	return r
}

// Create attaches an instance and opens its event stream. The store is seeded
// from the persisted listing before the stream starts.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Instance, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return nil, errors.New("instance id is required")
	}
	client, err := backend.New(backend.Config{
		BaseURL:   spec.BaseURL,
		Username:  r.cfg.Username,
		Token:     spec.Token,
		Directory: spec.Directory,
		Timeout:   r.cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRegistryClosed
	}
	if _, ok := r.instances[spec.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", spec.ID, ErrInstanceExists)
	}
	inst := r.build(spec, client)
	r.instances[spec.ID] = inst
	r.mu.Unlock()

	if err := r.seed(ctx, inst); err != nil {
		r.logger.Warn("instance_seed_failed", logging.F("instance_id", spec.ID), logging.Err(err))
	}
	if err := r.connect(inst); err != nil {
		r.mu.Lock()
		delete(r.instances, spec.ID)
		r.mu.Unlock()
		inst.close()
		return nil, err
	}
	r.logger.Info("instance_created",
		logging.F("instance_id", spec.ID),
		logging.F("base_url", client.BaseURL()),
	)
	return inst, nil
}

func (r *Registry) build(spec Spec, client *backend.Client) *Instance {
	ms := msgstore.New(spec.ID, msgstore.WithLogger(r.logger))
	opts := []reconcile.Option{
		reconcile.WithLoader(client),
		reconcile.WithNotifier(r.notifier),
		reconcile.WithLogger(r.logger),
	}
	var index *store.InstanceIndex
	if r.repo != nil {
		index = store.NewInstanceIndex(r.repo.Sessions(), spec.ID)
		opts = append(opts, reconcile.WithSessionIndex(index))
	}
	rec := reconcile.New(ms, opts...)
	return &Instance{
		spec:       spec,
		client:     client,
		store:      ms,
		reconciler: rec,
		actions:    actions.New(client, ms, rec, actions.WithLogger(r.logger)),
		index:      index,
	}
}

func (r *Registry) seed(ctx context.Context, inst *Instance) error {
	if r.repo == nil {
		return nil
	}
	if _, err := r.repo.Instances().Upsert(ctx, &types.InstanceRecord{
		ID:        inst.spec.ID,
		BaseURL:   inst.spec.BaseURL,
		Directory: inst.spec.Directory,
	}); err != nil {
		return err
	}
	sessions, err := inst.index.Sessions(ctx)
	if err != nil {
		return err
	}
	inst.store.Batch(func(tx *msgstore.Tx) {
		for _, session := range sessions {
			tx.UpsertSession(session.ID, sessionPatch(session))
		}
	})
	r.logger.Debug("instance_seeded",
		logging.F("instance_id", inst.spec.ID),
		logging.F("sessions", len(sessions)),
	)
	return nil
}

func sessionPatch(session *types.Session) types.SessionPatch {
	title := session.Title
	patch := types.SessionPatch{
		Title:  &title,
		Revert: session.Revert.Clone(),
		Time: &types.SessionTimePatch{
			Created: &session.Time.Created,
			Updated: &session.Time.Updated,
		},
	}
	if session.ParentID != "" {
		parent := session.ParentID
		patch.ParentID = &parent
	}
	if session.Directory != "" {
		dir := session.Directory
		patch.Directory = &dir
	}
	return patch
}

func (r *Registry) connect(inst *Instance) error {
	return r.transport.Connect(transport.Endpoint{
		InstanceID: inst.spec.ID,
		BaseURL:    inst.spec.BaseURL,
		Path:       r.cfg.EventPath,
		Directory:  inst.spec.Directory,
		Username:   inst.client.Username(),
		Token:      inst.spec.Token,
	})
}

func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownInstance)
	}
	return inst, nil
}

func (r *Registry) List() []*Instance {
	r.mu.Lock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].spec.ID < out[j].spec.ID })
	return out
}

// Status reports the stream status. Lost instances report disconnected.
func (r *Registry) Status(id string) (transport.Status, error) {
	inst, err := r.Get(id)
	if err != nil {
		return transport.StatusDisconnected, err
	}
	if lost, _ := inst.Disconnected(); lost {
		return transport.StatusDisconnected, nil
	}
	return r.transport.Status(id)
}

// Destroy detaches the instance and releases its resources. The persisted
// listing is kept for the next start.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownInstance)
	}
	r.transport.Disconnect(id)
	inst.close()
	r.logger.Info("instance_destroyed", logging.F("instance_id", id))
	return nil
}

// AcknowledgeDisconnect releases an instance whose stream was lost. Connected
// instances are left alone.
func (r *Registry) AcknowledgeDisconnect(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	if lost, _ := inst.Disconnected(); !lost {
		return fmt.Errorf("%s: %w", id, ErrNotDisconnected)
	}
	return r.Destroy(id)
}

// Reconnect reopens the stream of a lost instance, keeping its store.
func (r *Registry) Reconnect(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.disconnected = false
	inst.lostErr = nil
	inst.recovering = true
	inst.mu.Unlock()
	return r.connect(inst)
}

// Close destroys every instance and stops the transport.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
	for _, id := range ids {
		_ = r.Destroy(id)
	}
	r.transport.Close()
}

func (r *Registry) lookup(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[id]
}

func (r *Registry) onEvent(instanceID string, event events.Event) {
	inst := r.lookup(instanceID)
	if inst == nil {
		return
	}
	inst.reconciler.Apply(event)
}

func (r *Registry) onStatus(instanceID string, status transport.Status) {
	inst := r.lookup(instanceID)
	if inst == nil {
		return
	}
	switch status {
	case transport.StatusError:
		inst.mu.Lock()
		inst.recovering = true
		inst.mu.Unlock()
	case transport.StatusConnected:
		inst.mu.Lock()
		resync := inst.recovering
		inst.recovering = false
		inst.mu.Unlock()
		if resync {
			r.resync(inst)
		}
	}
}

// resync reloads the listing and the loaded sessions after a reconnect, since
// events sent while the stream was down are not replayed.
func (r *Registry) resync(inst *Instance) {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, resyncTimeout)
		defer cancel()
		if _, err := inst.actions.LoadSessions(ctx); err != nil {
			r.logger.Warn("instance_resync_failed", logging.F("instance_id", inst.spec.ID), logging.Err(err))
			return
		}
		for _, session := range inst.store.Sessions() {
			if len(session.MessageIDs) == 0 {
				continue
			}
			if err := inst.reconciler.LoadSession(ctx, session.ID); err != nil {
				r.logger.Warn("instance_resync_failed",
					logging.F("instance_id", inst.spec.ID),
					logging.F("session_id", session.ID),
					logging.Err(err),
				)
			}
		}
	}()
}

func (r *Registry) onConnectionLost(instanceID string, err error) {
	inst := r.lookup(instanceID)
	if inst == nil {
		return
	}
	inst.mu.Lock()
	inst.disconnected = true
	inst.lostErr = err
	inst.mu.Unlock()
	r.logger.Warn("instance_disconnected", logging.F("instance_id", instanceID), logging.Err(err))
	if r.onLost != nil {
		r.onLost(instanceID, err)
	}
}
