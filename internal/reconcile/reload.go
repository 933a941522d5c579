package reconcile

import (
	"context"
	"fmt"

	"tether/internal/logging"
	"tether/internal/msgstore"
	"tether/internal/normalize"
	"tether/internal/types"
)

// LoadSession replaces the session's messages with the server's list and
// rebuilds its usage from the returned infos. Placeholders still waiting for
// the server survive the reload.
func (r *Reconciler) LoadSession(ctx context.Context, sessionID string) error {
	if r.loader == nil {
		return fmt.Errorf("no message loader configured")
	}
	listed, err := r.loader.Messages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load messages of %s: %w", sessionID, err)
	}
	messages := make([]*types.Message, 0, len(listed))
	infos := make([]types.MessageInfo, 0, len(listed))
	for _, item := range listed {
		if item.Info.ID == "" {
			continue
		}
		if item.Info.SessionID == "" {
			item.Info.SessionID = sessionID
		}
		msg, errs := normalize.Message(item.Info, item.Parts)
		for _, err := range errs {
			r.logger.Warn("part_normalize_failed",
				logging.F("session_id", sessionID),
				logging.F("error", err),
			)
		}
		messages = append(messages, msg)
		infos = append(infos, item.Info)
	}
	r.store.ReplaceSessionMessages(sessionID, messages, infos)
	r.logger.Debug("session_reloaded",
		logging.F("session_id", sessionID),
		logging.F("messages", len(messages)),
	)
	return nil
}

// compacted marks the session as compacting and reloads it in the
// background. History rewritten by compaction cannot be merged incrementally.
func (r *Reconciler) compacted(sessionID string) {
	if sessionID == "" {
		return
	}
	r.store.Batch(func(tx *msgstore.Tx) {
		tx.UpsertSession(sessionID, types.SessionPatch{})
		tx.SetCompacting(sessionID, true)
	})
	if r.loader == nil {
		r.store.Batch(func(tx *msgstore.Tx) { tx.SetCompacting(sessionID, false) })
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.reloadTimeout)
		defer cancel()
		if err := r.LoadSession(ctx, sessionID); err != nil {
			r.logger.Warn("session_reload_failed",
				logging.F("session_id", sessionID),
				logging.F("error", err),
			)
		}
		r.store.Batch(func(tx *msgstore.Tx) { tx.SetCompacting(sessionID, false) })
	}()
}
