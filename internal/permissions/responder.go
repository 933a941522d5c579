package permissions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tether/internal/logging"
	"tether/internal/types"
)

var (
	ErrUnknownPermission = errors.New("permission not queued")
	ErrResponseInFlight  = errors.New("permission response already in flight")
	ErrInvalidResponse   = errors.New("invalid permission response")
)

// Replier delivers a decision to the backend.
type Replier interface {
	ReplyPermission(ctx context.Context, sessionID, permissionID string, response types.PermissionResponse) error
}

// Ledger is the queue owner the responder reads from and confirms into.
type Ledger interface {
	GetPermission(id string) (*types.Permission, bool)
	RemovePermission(id string) bool
}

// Responder sends each permission decision to the backend at most once at a
// time. The local entry is removed only after the backend accepts it, so a
// failed reply leaves the permission queued for another attempt.
type Responder struct {
	replier Replier
	ledger  Ledger
	logger  logging.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewResponder(replier Replier, ledger Ledger, logger logging.Logger) *Responder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Responder{
		replier:  replier,
		ledger:   ledger,
		logger:   logger,
		inflight: map[string]struct{}{},
	}
}

func (r *Responder) Respond(ctx context.Context, permissionID string, response types.PermissionResponse) error {
	if !response.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResponse, response)
	}
	permission, ok := r.ledger.GetPermission(permissionID)
	if !ok {
		return ErrUnknownPermission
	}

	r.mu.Lock()
	if _, busy := r.inflight[permissionID]; busy {
		r.mu.Unlock()
		return ErrResponseInFlight
	}
	r.inflight[permissionID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, permissionID)
		r.mu.Unlock()
	}()

	if err := r.replier.ReplyPermission(ctx, permission.SessionID, permissionID, response); err != nil {
		r.logger.Warn("permission_reply_failed",
			logging.F("permission_id", permissionID),
			logging.F("session_id", permission.SessionID),
			logging.Err(err),
		)
		return err
	}
	r.ledger.RemovePermission(permissionID)
	r.logger.Debug("permission_replied",
		logging.F("permission_id", permissionID),
		logging.F("response", string(response)),
	)
	return nil
}

// InFlight reports whether a reply for id is currently awaiting the backend.
func (r *Responder) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}
