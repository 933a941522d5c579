// Package actions issues user actions against the backend. Sends seed an
// optimistic placeholder in the store before the request so the message is
// visible immediately; the reconciler later resolves it to the server id.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tether/internal/backend"
	"tether/internal/logging"
	"tether/internal/msgstore"
	"tether/internal/normalize"
	"tether/internal/permissions"
	"tether/internal/reconcile"
	"tether/internal/types"
)

// Backend is the subset of the HTTP client the dispatcher drives.
type Backend interface {
	CreateSession(ctx context.Context, title, parentID string) (types.SessionInfo, error)
	ListSessions(ctx context.Context) ([]types.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ForkSession(ctx context.Context, sessionID, messageID string) (types.SessionInfo, error)
	Prompt(ctx context.Context, sessionID string, req backend.PromptRequest) (*types.MessageWithParts, error)
	Command(ctx context.Context, sessionID string, req backend.CommandRequest) (*types.MessageWithParts, error)
	Shell(ctx context.Context, sessionID string, req backend.ShellRequest) (*types.MessageWithParts, error)
	Abort(ctx context.Context, sessionID string) error
	Revert(ctx context.Context, sessionID, messageID, partID string) (types.SessionInfo, error)
	Unrevert(ctx context.Context, sessionID string) (types.SessionInfo, error)
	Summarize(ctx context.Context, sessionID string, model *backend.Model) error
	ReplyPermission(ctx context.Context, sessionID, permissionID string, response types.PermissionResponse) error
}

type SendOptions struct {
	Agent string
	Model *backend.Model
}

type Option func(*Dispatcher)

func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithIDGenerator replaces the correlation id source.
func WithIDGenerator(next func() string) Option {
	return func(d *Dispatcher) {
		if next != nil {
			d.newID = next
		}
	}
}

type Dispatcher struct {
	backend    Backend
	store      *msgstore.Store
	reconciler *reconcile.Reconciler
	responder  *permissions.Responder
	logger     logging.Logger
	newID      func() string
}

func New(client Backend, store *msgstore.Store, reconciler *reconcile.Reconciler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:    client,
		store:      store,
		reconciler: reconciler,
		logger:     logging.Nop(),
		newID:      newMessageID,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(logging.F("instance_id", store.InstanceID()))
	d.responder = permissions.NewResponder(client, store, d.logger)
	return d
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SendMessage writes an optimistic user message and posts it. The returned id
// is the placeholder id, which is also sent as the correlation id. On failure
// the placeholder stays in the store with status error.
func (d *Dispatcher) SendMessage(ctx context.Context, sessionID, text string, opts SendOptions) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("text is required")
	}
	id := d.seed(sessionID, text)
	resp, err := d.backend.Prompt(ctx, sessionID, backend.PromptRequest{
		MessageID: id,
		Text:      text,
		Agent:     opts.Agent,
		Model:     opts.Model,
	})
	if err != nil {
		d.fail(sessionID, id, err)
		return id, fmt.Errorf("send message: %w", err)
	}
	d.reconciler.ApplyMessage(resp)
	return id, nil
}

// Command runs a slash command. The command line is shown optimistically as
// a user message, like a typed prompt.
func (d *Dispatcher) Command(ctx context.Context, sessionID, command, arguments, agent string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	command = strings.TrimPrefix(strings.TrimSpace(command), "/")
	if sessionID == "" || command == "" {
		return "", errors.New("session id and command are required")
	}
	line := "/" + command
	if arguments = strings.TrimSpace(arguments); arguments != "" {
		line += " " + arguments
	}
	id := d.seed(sessionID, line)
	resp, err := d.backend.Command(ctx, sessionID, backend.CommandRequest{
		MessageID: id,
		Command:   command,
		Arguments: arguments,
		Agent:     agent,
	})
	if err != nil {
		d.fail(sessionID, id, err)
		return id, fmt.Errorf("run command: %w", err)
	}
	d.reconciler.ApplyMessage(resp)
	return id, nil
}

// Shell runs a shell command in the session. The server creates both
// messages, so nothing is seeded.
func (d *Dispatcher) Shell(ctx context.Context, sessionID, command, agent string) error {
	resp, err := d.backend.Shell(ctx, sessionID, backend.ShellRequest{Command: command, Agent: agent})
	if err != nil {
		return fmt.Errorf("run shell: %w", err)
	}
	d.reconciler.ApplyMessage(resp)
	return nil
}

func (d *Dispatcher) seed(sessionID, text string) string {
	id := d.newID()
	payload, _ := json.Marshal(map[string]any{
		"id":        normalize.FallbackPartID(id, 0),
		"messageID": id,
		"sessionID": sessionID,
		"type":      types.PartTypeText,
		"text":      text,
	})
	d.store.UpsertMessage(msgstore.MessageUpsert{
		ID:        id,
		SessionID: sessionID,
		Role:      types.RoleUser,
		Status:    types.MessageStatusSending,
		Ephemeral: true,
		Parts: []*types.Part{{
			ID:         normalize.FallbackPartID(id, 0),
			MessageID:  id,
			SessionID:  sessionID,
			Type:       types.PartTypeText,
			Text:       text,
			Payload:    payload,
			Optimistic: true,
		}},
	})
	d.logger.Debug("optimistic_message_seeded",
		logging.F("session_id", sessionID),
		logging.F("message_id", id),
	)
	return id
}

// fail marks the placeholder as errored so the input survives for a retry.
// A placeholder the stream already resolved or confirmed is left alone.
func (d *Dispatcher) fail(sessionID, id string, err error) {
	message := err.Error()
	marked := false
	d.store.Batch(func(tx *msgstore.Tx) {
		msg, ok := tx.Message(id)
		if !ok || !msg.IsEphemeral || msg.Status != types.MessageStatusSending {
			return
		}
		tx.UpsertMessage(msgstore.MessageUpsert{
			ID:     id,
			Status: types.MessageStatusError,
			Error:  &message,
			Bump:   true,
		})
		marked = true
	})
	d.logger.Warn("action_failed",
		logging.F("session_id", sessionID),
		logging.F("message_id", id),
		logging.F("placeholder_marked", marked),
		logging.Err(err),
	)
}

func (d *Dispatcher) Abort(ctx context.Context, sessionID string) error {
	if err := d.backend.Abort(ctx, sessionID); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

func (d *Dispatcher) CreateSession(ctx context.Context, title, parentID string) (*types.Session, error) {
	info, err := d.backend.CreateSession(ctx, title, parentID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return d.reconciler.MergeSession(info), nil
}

func (d *Dispatcher) DeleteSession(ctx context.Context, sessionID string) error {
	if err := d.backend.DeleteSession(ctx, sessionID); err != nil && !backend.IsNotFound(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	d.reconciler.RemoveSession(sessionID)
	return nil
}

// LoadSessions merges the server's session listing into the store.
func (d *Dispatcher) LoadSessions(ctx context.Context) ([]*types.Session, error) {
	infos, err := d.backend.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*types.Session, 0, len(infos))
	for _, info := range infos {
		if session := d.reconciler.MergeSession(info); session != nil {
			out = append(out, session)
		}
	}
	return out, nil
}

func (d *Dispatcher) LoadMessages(ctx context.Context, sessionID string) error {
	return d.reconciler.LoadSession(ctx, sessionID)
}

// Fork copies the session up to messageID into a new session.
func (d *Dispatcher) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	info, err := d.backend.ForkSession(ctx, sessionID, messageID)
	if err != nil {
		return nil, fmt.Errorf("fork session: %w", err)
	}
	return d.reconciler.MergeSession(info), nil
}

// Revert undoes the session after messageID. The marker is recorded even
// when the server's reply omits it.
func (d *Dispatcher) Revert(ctx context.Context, sessionID, messageID, partID string) (*types.Session, error) {
	info, err := d.backend.Revert(ctx, sessionID, messageID, partID)
	if err != nil {
		return nil, fmt.Errorf("revert: %w", err)
	}
	if info.Revert == nil {
		info.Revert = &types.Revert{MessageID: messageID, PartID: partID}
	}
	return d.reconciler.MergeSession(info), nil
}

func (d *Dispatcher) Unrevert(ctx context.Context, sessionID string) (*types.Session, error) {
	info, err := d.backend.Unrevert(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("unrevert: %w", err)
	}
	info.Revert = nil
	info.RevertCleared = true
	return d.reconciler.MergeSession(info), nil
}

// Compact asks the server to summarize the session. The compacting flag is
// set until the session.compacted event reloads the history.
func (d *Dispatcher) Compact(ctx context.Context, sessionID string, model *backend.Model) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	d.store.Batch(func(tx *msgstore.Tx) {
		tx.UpsertSession(sessionID, types.SessionPatch{})
		tx.SetCompacting(sessionID, true)
	})
	if err := d.backend.Summarize(ctx, sessionID, model); err != nil {
		d.store.Batch(func(tx *msgstore.Tx) { tx.SetCompacting(sessionID, false) })
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// RespondPermission answers a queued permission. The entry leaves the queue
// only once the backend accepts the reply.
func (d *Dispatcher) RespondPermission(ctx context.Context, permissionID string, response types.PermissionResponse) error {
	return d.responder.Respond(ctx, permissionID, response)
}
