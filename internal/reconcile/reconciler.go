// Package reconcile applies backend events and action responses to an
// instance's message store. It resolves optimistic placeholders against the
// server-assigned identities and keeps every application idempotent, so
// duplicated or reordered delivery settles on the same state.
package reconcile

import (
	"context"
	"sync"
	"time"

	"tether/internal/events"
	"tether/internal/logging"
	"tether/internal/msgstore"
	"tether/internal/normalize"
	"tether/internal/types"
)

const defaultReloadTimeout = 30 * time.Second

// Loader fetches the authoritative message list of a session.
type Loader interface {
	Messages(ctx context.Context, sessionID string) ([]types.MessageWithParts, error)
}

// Notifier receives transient user-facing notices.
type Notifier interface {
	Notify(toast events.Toast)
}

// SessionIndex persists the session listing of one instance.
type SessionIndex interface {
	PutSession(session *types.Session) error
	DeleteSession(sessionID string) error
}

type Option func(*Reconciler)

func WithLoader(loader Loader) Option {
	return func(r *Reconciler) { r.loader = loader }
}

func WithNotifier(notifier Notifier) Option {
	return func(r *Reconciler) {
		if notifier != nil {
			r.notifier = notifier
		}
	}
}

func WithSessionIndex(index SessionIndex) Option {
	return func(r *Reconciler) { r.index = index }
}

func WithLogger(logger logging.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithReloadTimeout(timeout time.Duration) Option {
	return func(r *Reconciler) {
		if timeout > 0 {
			r.reloadTimeout = timeout
		}
	}
}

type Reconciler struct {
	store         *msgstore.Store
	loader        Loader
	notifier      Notifier
	index         SessionIndex
	logger        logging.Logger
	reloadTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store *msgstore.Store, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		store:         store,
		logger:        logging.Nop(),
		reloadTimeout: defaultReloadTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = logNotifier{logger: r.logger}
	}
	r.logger = r.logger.With(logging.F("instance_id", store.InstanceID()))
	return r
}

// Wait blocks until background reloads have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close cancels background reloads and waits for them.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

// Apply reconciles one event. It never fails; problems are logged and the
// event is dropped.
func (r *Reconciler) Apply(event events.Event) {
	switch ev := event.(type) {
	case events.MessageUpdated:
		r.applyInfo(ev.Info)
	case events.MessageRemoved:
		r.store.RemoveMessage(ev.MessageID)
	case events.PartUpdated:
		r.applyPart(ev.SessionID, ev.MessageID, ev.Part)
	case events.PartRemoved:
		r.store.RemovePart(ev.MessageID, ev.PartID)
	case events.SessionUpdated:
		r.MergeSession(ev.Info)
	case events.SessionDeleted:
		r.RemoveSession(ev.SessionID)
	case events.SessionCompacted:
		r.compacted(ev.SessionID)
	case events.SessionError:
		r.sessionError(ev)
	case events.SessionIdle:
		r.store.Batch(func(tx *msgstore.Tx) { tx.SetSessionBusy(ev.SessionID, false) })
	case events.SessionStatus:
		r.store.Batch(func(tx *msgstore.Tx) { tx.SetSessionBusy(ev.SessionID, ev.Busy) })
	case events.PermissionUpdated:
		r.store.UpsertPermission(ev.Permission)
	case events.PermissionReplied:
		r.store.RemovePermission(ev.PermissionID)
	case events.Toast:
		r.notifier.Notify(ev)
	case events.ServerConnected:
		r.logger.Debug("server_connected")
	case events.Unknown:
		r.logger.Debug("event_unhandled", logging.F("type", ev.Kind))
	default:
		r.logger.Warn("event_unhandled", logging.F("type", event.Type()))
	}
}

// ApplyMessage merges a message returned by an HTTP action the same way an
// event carrying it would be merged.
func (r *Reconciler) ApplyMessage(msg *types.MessageWithParts) {
	if msg == nil || msg.Info.ID == "" {
		return
	}
	r.applyInfo(msg.Info)
	for _, raw := range msg.Parts {
		r.applyPart(msg.Info.SessionID, msg.Info.ID, raw)
	}
}

// resolve implements the identity policy: an exact id match wins, otherwise
// the oldest outstanding placeholder of the session with a compatible role is
// renamed to id. When neither applies, id is new and is used as is.
func (r *Reconciler) resolve(tx *msgstore.Tx, sessionID, id string, role types.Role) {
	if tx.HasMessage(id) {
		tx.ConfirmMessage(id)
		return
	}
	if sessionID == "" {
		return
	}
	placeholder, ok := tx.FindPlaceholder(sessionID, role)
	if !ok {
		return
	}
	tx.ReplaceMessageID(placeholder, id)
	r.logger.Debug("placeholder_resolved",
		logging.F("session_id", sessionID),
		logging.F("placeholder_id", placeholder),
		logging.F("message_id", id),
	)
}

func (r *Reconciler) applyInfo(info types.MessageInfo) {
	if info.ID == "" {
		return
	}
	status := info.Status()
	errText := ""
	if info.Error != nil {
		errText = info.Error.Message()
	}
	r.store.Batch(func(tx *msgstore.Tx) {
		r.resolve(tx, info.SessionID, info.ID, info.Role)
		bump := false
		if existing, ok := tx.Message(info.ID); ok {
			bump = existing.Status != status || existing.Error != errText
		}
		tx.UpsertMessage(msgstore.MessageUpsert{
			ID:        info.ID,
			SessionID: info.SessionID,
			Role:      info.Role,
			Status:    status,
			CreatedAt: types.MillisToTime(info.Time.Created),
			UpdatedAt: types.MillisToTime(info.Time.Completed),
			Error:     &errText,
			Bump:      bump,
		})
		tx.SetMessageInfo(info)
	})
}

func (r *Reconciler) applyPart(sessionID, messageID string, raw []byte) {
	if messageID == "" {
		return
	}
	r.store.Batch(func(tx *msgstore.Tx) {
		part, err := normalize.StreamPart(raw, messageID)
		if err != nil {
			r.logger.Warn("part_normalize_failed",
				logging.F("session_id", sessionID),
				logging.F("message_id", messageID),
				logging.F("error", err),
			)
			return
		}
		if sessionID == "" {
			sessionID = part.SessionID
		}
		var role types.Role
		if info, ok := tx.GetMessageInfo(messageID); ok {
			role = info.Role
		} else if part.AssistantOnly() {
			// Never let assistant output claim a pending user send. Without an
			// assistant placeholder the part is buffered until its message arrives.
			role = types.RoleAssistant
		}
		r.resolve(tx, sessionID, messageID, role)
		tx.ApplyPartUpdate(messageID, part, msgstore.PartOptions{
			Promote:           types.MessageStatusStreaming,
			ReplaceOptimistic: true,
		})
	})
}

// MergeSession merges authoritative session info into the store and the
// persisted listing.
func (r *Reconciler) MergeSession(info types.SessionInfo) *types.Session {
	if info.ID == "" {
		return nil
	}
	session := r.store.UpsertSession(info.ID, info.Patch())
	if r.index != nil && session != nil {
		if err := r.index.PutSession(session); err != nil {
			r.logger.Warn("session_index_write_failed",
				logging.F("session_id", info.ID),
				logging.F("error", err),
			)
		}
	}
	return session
}

// RemoveSession drops a session from the store and the persisted listing.
func (r *Reconciler) RemoveSession(sessionID string) {
	r.store.RemoveSession(sessionID)
	if r.index == nil {
		return
	}
	if err := r.index.DeleteSession(sessionID); err != nil {
		r.logger.Warn("session_index_delete_failed",
			logging.F("session_id", sessionID),
			logging.F("error", err),
		)
	}
}

func (r *Reconciler) sessionError(ev events.SessionError) {
	message := ev.Message
	if message == "" {
		message = ev.Name
	}
	if ev.SessionID == "" {
		r.logger.Warn("session_error", logging.F("name", ev.Name), logging.F("message", message))
		return
	}
	r.store.Batch(func(tx *msgstore.Tx) {
		if !tx.SetSessionError(ev.SessionID, message) {
			return
		}
		messages := tx.Messages(ev.SessionID)
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			if msg.Role != types.RoleAssistant || msg.Status != types.MessageStatusStreaming {
				continue
			}
			tx.UpsertMessage(msgstore.MessageUpsert{
				ID:     msg.ID,
				Status: types.MessageStatusError,
				Error:  &message,
				Bump:   true,
			})
			break
		}
	})
}

type logNotifier struct {
	logger logging.Logger
}

func (n logNotifier) Notify(toast events.Toast) {
	n.logger.Info("toast",
		logging.F("variant", toast.Variant),
		logging.F("title", toast.Title),
		logging.F("message", toast.Message),
	)
}
