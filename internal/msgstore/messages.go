package msgstore

import (
	"time"

	"tether/internal/logging"
	"tether/internal/normalize"
	"tether/internal/types"
)

// MessageUpsert describes a create-or-merge of one message. Zero fields leave
// the stored value alone.
type MessageUpsert struct {
	ID        string
	SessionID string
	Role      types.Role
	Status    types.MessageStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Parts     []*types.Part
	// Ephemeral marks a locally created placeholder. Only honored on create.
	Ephemeral bool
	Error     *string
	// Bump forces a revision increment for lifecycle changes that carry no
	// new part content.
	Bump bool
}

type UpsertResult struct {
	Message *types.Message
	Created bool
	Changed bool
}

// PartOptions tune ApplyPartUpdate.
type PartOptions struct {
	// NoBump leaves the message revision untouched even when the part changed.
	NoBump bool
	// Promote moves a message still in sending to this status when the part
	// is applied.
	Promote types.MessageStatus
	// ReplaceOptimistic drops the message's optimistic parts before applying.
	ReplaceOptimistic bool
}

type PartResult struct {
	Buffered bool
	Changed  bool
	Revision int64
}

// UpsertMessage creates the message or merges into it. A newly created
// message starts at revision 1; an existing one is bumped when supplied parts
// change its content or in.Bump is set. Parts buffered for this id are
// flushed in the same step.
func (tx *Tx) UpsertMessage(in MessageUpsert) UpsertResult {
	s := tx.s
	if in.ID == "" {
		return UpsertResult{}
	}
	msg, exists := s.messages[in.ID]
	created := !exists
	if created {
		now := s.now()
		msg = &types.Message{
			ID:          in.ID,
			SessionID:   in.SessionID,
			Role:        in.Role,
			Status:      in.Status,
			CreatedAt:   in.CreatedAt,
			UpdatedAt:   in.UpdatedAt,
			IsEphemeral: in.Ephemeral,
			Revision:    1,
			Parts:       map[string]*types.Part{},
		}
		if msg.Status == "" {
			msg.Status = types.MessageStatusStreaming
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = msg.CreatedAt
		}
		if in.Error != nil {
			msg.Error = *in.Error
		}
		s.messages[in.ID] = msg
		if msg.IsEphemeral && msg.Status == types.MessageStatusSending {
			s.outstanding[msg.SessionID] = append(s.outstanding[msg.SessionID], msg.ID)
		}
		tx.changes.add(MessageKey(msg.ID))
	} else {
		fieldsChanged := false
		if in.SessionID != "" && msg.SessionID == "" {
			msg.SessionID = in.SessionID
			fieldsChanged = true
		}
		if in.Role != "" && in.Role != msg.Role {
			msg.Role = in.Role
			fieldsChanged = true
		}
		if in.Status != "" && in.Status != msg.Status {
			tx.setStatus(msg, in.Status)
			fieldsChanged = true
		}
		if !in.CreatedAt.IsZero() && !in.CreatedAt.Equal(msg.CreatedAt) {
			msg.CreatedAt = in.CreatedAt
			fieldsChanged = true
		}
		if in.UpdatedAt.After(msg.UpdatedAt) {
			msg.UpdatedAt = in.UpdatedAt
			fieldsChanged = true
		}
		if in.Error != nil && *in.Error != msg.Error {
			msg.Error = *in.Error
			fieldsChanged = true
		}
		if fieldsChanged {
			tx.changes.add(MessageKey(msg.ID))
		}
	}

	contentChanged := false
	for _, part := range in.Parts {
		if tx.putPart(msg, part) {
			contentChanged = true
		}
	}
	if tx.flushPending(msg) {
		contentChanged = true
	}
	if !created && (contentChanged || in.Bump) {
		msg.Revision++
		tx.changes.add(MessageKey(msg.ID))
	}
	tx.registerInSession(msg.SessionID, msg.ID)

	return UpsertResult{
		Message: msg.Clone(),
		Created: created,
		Changed: created || contentChanged || in.Bump,
	}
}

func (tx *Tx) setStatus(msg *types.Message, status types.MessageStatus) {
	if msg.Status == types.MessageStatusSending && status != types.MessageStatusSending {
		tx.dropOutstanding(msg.SessionID, msg.ID)
	}
	msg.Status = status
}

func (tx *Tx) registerInSession(sessionID, messageID string) {
	if sessionID == "" {
		return
	}
	session := tx.ensureSession(sessionID)
	if !containsString(session.MessageIDs, messageID) {
		session.MessageIDs = append(session.MessageIDs, messageID)
		tx.changes.add(SessionKey(sessionID))
	}
}

func (tx *Tx) dropOutstanding(sessionID, messageID string) {
	s := tx.s
	list := s.outstanding[sessionID]
	if len(list) == 0 {
		return
	}
	list = removeString(list, messageID)
	if len(list) == 0 {
		delete(s.outstanding, sessionID)
		return
	}
	s.outstanding[sessionID] = list
}

// ApplyPartUpdate installs one part. When the owning message is unknown the
// part is buffered and applied once the message appears.
func (tx *Tx) ApplyPartUpdate(messageID string, part *types.Part, opts PartOptions) PartResult {
	s := tx.s
	if messageID == "" || part == nil {
		return PartResult{}
	}
	msg, ok := s.messages[messageID]
	if !ok {
		tx.bufferPart(messageID, part)
		return PartResult{Buffered: true}
	}
	changed := false
	if opts.ReplaceOptimistic && !part.Optimistic {
		changed = tx.dropOptimisticParts(msg)
	}
	if tx.putPart(msg, part) {
		changed = true
	}
	promoted := false
	if opts.Promote != "" && msg.Status == types.MessageStatusSending && opts.Promote != msg.Status {
		tx.setStatus(msg, opts.Promote)
		promoted = true
	}
	if (changed || promoted) && !opts.NoBump {
		msg.Revision++
	}
	if changed || promoted {
		msg.UpdatedAt = s.now()
		tx.changes.add(MessageKey(msg.ID))
	}
	return PartResult{Changed: changed || promoted, Revision: msg.Revision}
}

func (tx *Tx) dropOptimisticParts(msg *types.Message) bool {
	dropped := false
	for _, id := range append([]string(nil), msg.PartIDs...) {
		part := msg.Parts[id]
		if part == nil || !part.Optimistic {
			continue
		}
		delete(msg.Parts, id)
		msg.PartIDs = removeString(msg.PartIDs, id)
		tx.changes.add(PartKey(msg.ID, id))
		dropped = true
	}
	return dropped
}

// putPart stores part on msg and reports whether anything observable
// changed. A part whose payload is byte-identical to the stored one keeps
// its revision.
func (tx *Tx) putPart(msg *types.Message, part *types.Part) bool {
	if part == nil {
		return false
	}
	next := part.Clone()
	if next.ID == "" {
		next.ID = normalize.FallbackPartID(msg.ID, len(msg.PartIDs))
	}
	next.MessageID = msg.ID
	if next.SessionID == "" {
		next.SessionID = msg.SessionID
	}
	prev, exists := msg.Parts[next.ID]
	if exists {
		if normalize.SameContent(prev, next) {
			return false
		}
		next.Revision = prev.Revision + 1
	} else {
		if next.Revision <= 0 {
			next.Revision = 1
		}
		msg.PartIDs = append(msg.PartIDs, next.ID)
	}
	msg.Parts[next.ID] = next
	tx.changes.add(PartKey(msg.ID, next.ID))
	tx.attachPermission(msg.ID, next)
	return true
}

func (tx *Tx) bufferPart(messageID string, part *types.Part) {
	s := tx.s
	tx.prunePending()
	entry := pendingPart{part: part.Clone(), received: s.now()}
	list := s.pending[messageID]
	for i := range list {
		if part.ID != "" && list[i].part.ID == part.ID {
			list[i] = entry
			return
		}
	}
	s.pending[messageID] = append(list, entry)
	s.logger.Debug("part_buffered",
		logging.F("instance_id", s.instanceID),
		logging.F("message_id", messageID),
		logging.F("part_id", part.ID),
	)
}

// prunePending drops buffered parts older than the pending TTL.
func (tx *Tx) prunePending() {
	s := tx.s
	cutoff := s.now().Add(-s.pendingTTL)
	for messageID, list := range s.pending {
		kept := list[:0]
		for _, entry := range list {
			if entry.received.After(cutoff) {
				kept = append(kept, entry)
			}
		}
		if dropped := len(list) - len(kept); dropped > 0 {
			s.logger.Warn("pending_parts_expired",
				logging.F("instance_id", s.instanceID),
				logging.F("message_id", messageID),
				logging.F("count", dropped),
			)
		}
		if len(kept) == 0 {
			delete(s.pending, messageID)
			continue
		}
		s.pending[messageID] = kept
	}
}

func (tx *Tx) flushPending(msg *types.Message) bool {
	s := tx.s
	list, ok := s.pending[msg.ID]
	if !ok {
		return false
	}
	delete(s.pending, msg.ID)
	changed := false
	for _, entry := range list {
		if tx.putPart(msg, entry.part) {
			changed = true
		}
	}
	return changed
}

func (tx *Tx) RemovePart(messageID, partID string) bool {
	s := tx.s
	if list, ok := s.pending[messageID]; ok {
		kept := list[:0]
		for _, entry := range list {
			if entry.part.ID != partID {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(s.pending, messageID)
		} else {
			s.pending[messageID] = kept
		}
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return false
	}
	if _, ok := msg.Parts[partID]; !ok {
		return false
	}
	delete(msg.Parts, partID)
	msg.PartIDs = removeString(msg.PartIDs, partID)
	msg.Revision++
	tx.changes.add(MessageKey(messageID), PartKey(messageID, partID))
	return true
}

// RemoveMessage deletes a message with its parts, info and usage share.
func (tx *Tx) RemoveMessage(id string) bool {
	s := tx.s
	delete(s.pending, id)
	info, hadInfo := s.infos[id]
	delete(s.infos, id)
	sessionID := info.SessionID
	msg, ok := s.messages[id]
	if ok {
		sessionID = msg.SessionID
		delete(s.messages, id)
		tx.dropOutstanding(sessionID, id)
		if session, found := s.sessions[sessionID]; found && containsString(session.MessageIDs, id) {
			session.MessageIDs = removeString(session.MessageIDs, id)
			tx.changes.add(SessionKey(sessionID))
		}
		tx.changes.add(MessageKey(id))
	}
	if agg, found := s.usage[sessionID]; found && agg.remove(id) {
		tx.changes.add(UsageKey(sessionID))
	}
	return ok || hadInfo
}

// ConfirmMessage clears the placeholder flag of a message the backend has
// acknowledged under the same id.
func (tx *Tx) ConfirmMessage(id string) bool {
	msg, ok := tx.s.messages[id]
	if !ok {
		return false
	}
	if msg.IsEphemeral {
		msg.IsEphemeral = false
		tx.dropOutstanding(msg.SessionID, id)
		tx.changes.add(MessageKey(id))
	}
	return true
}

// ReplaceMessageID re-keys a placeholder under the server-assigned id in one
// step: session lists, accounting, permissions and buffered parts all follow.
// If newID already exists the placeholder is discarded instead.
func (tx *Tx) ReplaceMessageID(oldID, newID string) bool {
	s := tx.s
	if oldID == "" || newID == "" {
		return false
	}
	if oldID == newID {
		_, ok := s.messages[oldID]
		return ok
	}
	msg, ok := s.messages[oldID]
	if !ok {
		return false
	}
	delete(s.messages, oldID)
	tx.dropOutstanding(msg.SessionID, oldID)
	tx.changes.add(MessageKey(oldID), MessageKey(newID))

	if moved := s.permissions.RekeyMessage(oldID, newID); moved > 0 {
		tx.changes.add(KeyPermissions)
	}
	if list, ok := s.pending[oldID]; ok {
		delete(s.pending, oldID)
		s.pending[newID] = append(s.pending[newID], list...)
	}

	if target, exists := s.messages[newID]; exists {
		for _, session := range s.sessions {
			if containsString(session.MessageIDs, oldID) {
				session.MessageIDs = removeString(session.MessageIDs, oldID)
				tx.changes.add(SessionKey(session.ID))
			}
		}
		delete(s.infos, oldID)
		if agg, ok := s.usage[msg.SessionID]; ok && agg.remove(oldID) {
			tx.changes.add(UsageKey(msg.SessionID))
		}
		if tx.flushPending(target) {
			target.Revision++
		}
		return true
	}

	msg.ID = newID
	msg.IsEphemeral = false
	for _, part := range msg.Parts {
		part.MessageID = newID
	}
	s.messages[newID] = msg
	for _, session := range s.sessions {
		for i, id := range session.MessageIDs {
			if id == oldID {
				session.MessageIDs[i] = newID
				tx.changes.add(SessionKey(session.ID))
			}
		}
	}
	if info, ok := s.infos[oldID]; ok {
		delete(s.infos, oldID)
		info.ID = newID
		s.infos[newID] = info
	}
	if agg, ok := s.usage[msg.SessionID]; ok && agg.rekey(oldID, newID) {
		tx.changes.add(UsageKey(msg.SessionID))
	}
	if tx.flushPending(msg) {
		msg.Revision++
	}
	return true
}

// FindPlaceholder returns the oldest outstanding placeholder of role in the
// session.
func (tx *Tx) FindPlaceholder(sessionID string, role types.Role) (string, bool) {
	s := tx.s
	for _, id := range s.outstanding[sessionID] {
		msg, ok := s.messages[id]
		if !ok || !msg.IsEphemeral || msg.Status != types.MessageStatusSending {
			continue
		}
		if role == "" || msg.Role == role {
			return id, true
		}
	}
	return "", false
}

func (tx *Tx) Message(id string) (*types.Message, bool) {
	msg, ok := tx.s.messages[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

func (tx *Tx) HasMessage(id string) bool {
	_, ok := tx.s.messages[id]
	return ok
}

// Messages returns the session's messages in list order.
func (tx *Tx) Messages(sessionID string) []*types.Message {
	session, ok := tx.s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*types.Message, 0, len(session.MessageIDs))
	for _, id := range session.MessageIDs {
		if msg, ok := tx.s.messages[id]; ok {
			out = append(out, msg.Clone())
		}
	}
	return out
}

func (tx *Tx) Part(messageID, partID string) (*types.Part, bool) {
	msg, ok := tx.s.messages[messageID]
	if !ok {
		return nil, false
	}
	part, ok := msg.Parts[partID]
	if !ok {
		return nil, false
	}
	return part.Clone(), true
}

// DisplayParts returns the parts a reader should render. Reasoning parts are
// hidden unless prefs ask for them; revisions are unaffected either way.
func (tx *Tx) DisplayParts(messageID string, prefs types.Preferences) []*types.Part {
	msg, ok := tx.s.messages[messageID]
	if !ok {
		return nil
	}
	out := make([]*types.Part, 0, len(msg.PartIDs))
	for _, part := range msg.OrderedParts() {
		if part.Type == types.PartTypeReasoning && !prefs.ShowReasoning {
			continue
		}
		out = append(out, part.Clone())
	}
	return out
}

// PendingParts counts parts buffered for messageID.
func (tx *Tx) PendingParts(messageID string) int {
	return len(tx.s.pending[messageID])
}
