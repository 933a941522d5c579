package msgstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"tether/internal/types"
)

func textPart(id, text string) *types.Part {
	payload, _ := json.Marshal(map[string]string{"id": id, "type": types.PartTypeText, "text": text})
	return &types.Part{ID: id, Type: types.PartTypeText, Text: text, Payload: payload}
}

func mustMessage(t *testing.T, s *Store, id string) *types.Message {
	t.Helper()
	msg, err := s.Message(id)
	if err != nil {
		t.Fatalf("Message(%s): %v", id, err)
	}
	return msg
}

func drain(ch <-chan Change) []Change {
	var out []Change
	for {
		select {
		case change := <-ch:
			out = append(out, change)
		default:
			return out
		}
	}
}

func TestReplaceMessageIDResolvesPlaceholder(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "msg_0", SessionID: "ses_1", Role: types.RoleAssistant, Status: types.MessageStatusComplete})
	s.UpsertMessage(MessageUpsert{
		ID: "local_1", SessionID: "ses_1", Role: types.RoleUser,
		Status: types.MessageStatusSending, Ephemeral: true,
		Parts: []*types.Part{textPart("local_1-part-0", "hi")},
	})
	s.UpsertMessage(MessageUpsert{ID: "msg_2", SessionID: "ses_1", Role: types.RoleAssistant})

	id, ok := s.FindPlaceholder("ses_1", types.RoleUser)
	if !ok || id != "local_1" {
		t.Fatalf("expected local_1 placeholder, got %q ok=%v", id, ok)
	}
	if _, ok := s.FindPlaceholder("ses_1", types.RoleAssistant); ok {
		t.Fatalf("no assistant placeholder should exist")
	}
	if !s.ReplaceMessageID("local_1", "msg_1") {
		t.Fatalf("ReplaceMessageID returned false")
	}

	session, err := s.Session("ses_1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	want := []string{"msg_0", "msg_1", "msg_2"}
	if !equalStrings(session.MessageIDs, want) {
		t.Fatalf("expected %v, got %v", want, session.MessageIDs)
	}
	msg := mustMessage(t, s, "msg_1")
	if msg.IsEphemeral {
		t.Fatalf("resolved message must not be ephemeral")
	}
	if part := msg.Parts["local_1-part-0"]; part == nil || part.MessageID != "msg_1" {
		t.Fatalf("parts must follow the new id: %+v", msg.Parts)
	}
	if _, err := s.Message("local_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for old id, got %v", err)
	}
	if _, ok := s.FindPlaceholder("ses_1", types.RoleUser); ok {
		t.Fatalf("placeholder must no longer be outstanding")
	}
}

func TestFindPlaceholderIsOldestFirst(t *testing.T) {
	s := New("inst")
	for _, id := range []string{"local_a", "local_b"} {
		s.UpsertMessage(MessageUpsert{ID: id, SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusSending, Ephemeral: true})
	}
	if id, _ := s.FindPlaceholder("ses_1", types.RoleUser); id != "local_a" {
		t.Fatalf("expected local_a, got %q", id)
	}
	s.ReplaceMessageID("local_a", "msg_a")
	if id, _ := s.FindPlaceholder("ses_1", types.RoleUser); id != "local_b" {
		t.Fatalf("expected local_b, got %q", id)
	}
}

func TestReplaceMessageIDDiscardsPlaceholderWhenTargetExists(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "local_1", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusSending, Ephemeral: true})
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusComplete})

	if !s.ReplaceMessageID("local_1", "msg_1") {
		t.Fatalf("ReplaceMessageID returned false")
	}
	session, _ := s.Session("ses_1")
	if !equalStrings(session.MessageIDs, []string{"msg_1"}) {
		t.Fatalf("expected only msg_1, got %v", session.MessageIDs)
	}
	if s.ReplaceMessageID("missing", "msg_9") {
		t.Fatalf("unknown old id must report false")
	}
}

func TestPartsBufferedUntilMessageArrives(t *testing.T) {
	s := New("inst")
	res := s.ApplyPartUpdate("msg_1", textPart("prt_1", "early"), PartOptions{})
	if !res.Buffered {
		t.Fatalf("expected part to be buffered")
	}
	if s.PendingParts("msg_1") != 1 {
		t.Fatalf("expected one pending part")
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleAssistant})
	msg := mustMessage(t, s, "msg_1")
	if len(msg.PartIDs) != 1 || msg.Parts["prt_1"].Text != "early" {
		t.Fatalf("buffered part not applied: %+v", msg)
	}
	if msg.Revision != 1 {
		t.Fatalf("new message should start at revision 1, got %d", msg.Revision)
	}
	if s.PendingParts("msg_1") != 0 {
		t.Fatalf("pending buffer should be drained")
	}
}

func TestPendingPartsExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New("inst", WithClock(func() time.Time { return now }))
	s.ApplyPartUpdate("msg_old", textPart("prt_1", "stale"), PartOptions{})

	now = now.Add(PendingPartTTL + time.Second)
	s.ApplyPartUpdate("msg_new", textPart("prt_2", "fresh"), PartOptions{})

	if s.PendingParts("msg_old") != 0 {
		t.Fatalf("expired part should be pruned")
	}
	if s.PendingParts("msg_new") != 1 {
		t.Fatalf("fresh part should stay buffered")
	}
}

func TestRevisionsBumpOnlyOnChange(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleAssistant})

	res := s.ApplyPartUpdate("msg_1", textPart("prt_1", "a"), PartOptions{})
	if !res.Changed || res.Revision != 2 {
		t.Fatalf("first part: %+v", res)
	}
	res = s.ApplyPartUpdate("msg_1", textPart("prt_1", "a"), PartOptions{})
	if res.Changed || res.Revision != 2 {
		t.Fatalf("identical re-apply must not bump: %+v", res)
	}
	s.ApplyPartUpdate("msg_1", textPart("prt_1", "ab"), PartOptions{})
	part, err := s.Part("msg_1", "prt_1")
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if part.Revision != 2 {
		t.Fatalf("expected part revision 2, got %d", part.Revision)
	}
	if got := mustMessage(t, s, "msg_1").Revision; got != 3 {
		t.Fatalf("expected message revision 3, got %d", got)
	}

	s.ApplyPartUpdate("msg_1", textPart("prt_1", "abc"), PartOptions{NoBump: true})
	if got := mustMessage(t, s, "msg_1").Revision; got != 3 {
		t.Fatalf("NoBump must keep message revision, got %d", got)
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", Status: types.MessageStatusComplete})
	if got := mustMessage(t, s, "msg_1").Revision; got != 3 {
		t.Fatalf("status change without bump must keep revision, got %d", got)
	}
	s.UpsertMessage(MessageUpsert{ID: "msg_1", Bump: true})
	if got := mustMessage(t, s, "msg_1").Revision; got != 4 {
		t.Fatalf("explicit bump expected revision 4, got %d", got)
	}
}

func TestPartPromotesSendingMessage(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "local_1", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusSending, Ephemeral: true})
	res := s.ApplyPartUpdate("local_1", textPart("prt_1", "x"), PartOptions{Promote: types.MessageStatusStreaming})
	if res.Revision != 2 {
		t.Fatalf("expected a single bump, got revision %d", res.Revision)
	}
	if msg := mustMessage(t, s, "local_1"); msg.Status != types.MessageStatusStreaming {
		t.Fatalf("expected streaming, got %s", msg.Status)
	}
}

func TestUsageIsIdempotent(t *testing.T) {
	s := New("inst")
	info := types.MessageInfo{
		ID: "msg_1", SessionID: "ses_1", Role: types.RoleAssistant,
		Time:   types.MessageTime{Created: 100},
		Cost:   0.25,
		Tokens: &types.TokenUsage{Input: 10, Output: 5},
	}
	s.SetMessageInfo(info)
	s.SetMessageInfo(info)
	usage := s.Usage("ses_1")
	if usage.Totals.Input != 10 || usage.Totals.Output != 5 || usage.Totals.Cost != 0.25 {
		t.Fatalf("unexpected totals after re-apply: %+v", usage.Totals)
	}

	info.Tokens = &types.TokenUsage{Input: 12, Output: 7}
	s.SetMessageInfo(info)
	s.SetMessageInfo(types.MessageInfo{
		ID: "msg_2", SessionID: "ses_1", Role: types.RoleAssistant,
		Time:   types.MessageTime{Created: 200},
		Tokens: &types.TokenUsage{Input: 3},
	})
	s.SetMessageInfo(types.MessageInfo{ID: "msg_u", SessionID: "ses_1", Role: types.RoleUser})

	usage = s.Usage("ses_1")
	if usage.Totals.Input != 15 || usage.Totals.Output != 7 {
		t.Fatalf("unexpected totals: %+v", usage.Totals)
	}
	if usage.LatestMessageID != "msg_2" || usage.Latest.Input != 3 || usage.Messages != 2 {
		t.Fatalf("unexpected latest: %+v", usage)
	}

	if !s.RemoveMessage("msg_2") {
		t.Fatalf("RemoveMessage should drop a message known only by its info")
	}
	if got := s.Usage("ses_1"); got.LatestMessageID != "msg_1" || got.Totals.Input != 12 {
		t.Fatalf("usage after removal: %+v", got)
	}
}

func TestPermissionAttachesToToolPart(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleAssistant})
	s.UpsertPermission(types.Permission{ID: "per_1", SessionID: "ses_1", MessageID: "msg_1", CallID: "call_1"})

	tool := &types.Part{ID: "prt_tool", Type: types.PartTypeTool, Payload: json.RawMessage(`{"id":"prt_tool","type":"tool","callID":"call_1"}`)}
	s.ApplyPartUpdate("msg_1", tool, PartOptions{})

	state, ok := s.PermissionState("msg_1", "prt_tool")
	if !ok || state.Permission.ID != "per_1" || !state.Active {
		t.Fatalf("expected per_1 active on prt_tool, got %+v ok=%v", state, ok)
	}
	if !s.HasPendingPermission("ses_1") || s.PendingPermissionCount("ses_1") != 1 {
		t.Fatalf("expected one pending permission")
	}
	if s.UpsertPermission(types.Permission{ID: "per_1", SessionID: "ses_1", MessageID: "msg_1"}) {
		t.Fatalf("duplicate permission must be ignored")
	}
	if !s.RemovePermission("per_1") || s.HasPendingPermission("ses_1") {
		t.Fatalf("expected permission removed")
	}
}

func TestPermissionsFollowReplacedMessageID(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "local_1", SessionID: "ses_1", Role: types.RoleAssistant, Status: types.MessageStatusSending, Ephemeral: true})
	s.UpsertPermission(types.Permission{ID: "per_1", SessionID: "ses_1", MessageID: "local_1"})
	s.ReplaceMessageID("local_1", "msg_1")
	if _, ok := s.PermissionState("msg_1", ""); !ok {
		t.Fatalf("permission should follow the new message id")
	}
}

func TestChangesOnlyForObservableMutations(t *testing.T) {
	s := New("inst")
	ch, cancel := s.Subscribe()
	defer cancel()

	title := "first"
	s.UpsertSession("ses_1", types.SessionPatch{Title: &title})
	changes := drain(ch)
	if len(changes) != 1 || !changes[0].Has(SessionKey("ses_1")) || !changes[0].Has(KeySessions) {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if changes[0].InstanceID != "inst" || changes[0].Version != 1 {
		t.Fatalf("unexpected change header: %+v", changes[0])
	}

	s.UpsertSession("ses_1", types.SessionPatch{Title: &title})
	if changes := drain(ch); len(changes) != 0 {
		t.Fatalf("identical patch must not notify: %+v", changes)
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	s.ApplyPartUpdate("msg_1", textPart("prt_1", "x"), PartOptions{})
	changes = drain(ch)
	if len(changes) != 2 || !changes[1].Has("part:msg_1") {
		t.Fatalf("expected part change, got %+v", changes)
	}
	if s.Version() != 3 {
		t.Fatalf("expected version 3, got %d", s.Version())
	}
}

func TestReplaceSessionMessagesKeepsPlaceholders(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusComplete, Parts: []*types.Part{textPart("prt_1", "hi")}})
	s.UpsertMessage(MessageUpsert{ID: "msg_gone", SessionID: "ses_1", Role: types.RoleAssistant})
	s.UpsertMessage(MessageUpsert{ID: "local_2", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusSending, Ephemeral: true})

	reloaded := &types.Message{
		ID: "msg_1", SessionID: "ses_1", Role: types.RoleUser, Status: types.MessageStatusComplete,
		PartIDs: []string{"prt_1"},
		Parts:   map[string]*types.Part{"prt_1": textPart("prt_1", "hi")},
	}
	s.ReplaceSessionMessages("ses_1", []*types.Message{reloaded}, nil)

	session, _ := s.Session("ses_1")
	if !equalStrings(session.MessageIDs, []string{"msg_1", "local_2"}) {
		t.Fatalf("unexpected list after reload: %v", session.MessageIDs)
	}
	if _, err := s.Message("msg_gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("msg_gone should be dropped")
	}
	if got := mustMessage(t, s, "msg_1").Revision; got != 1 {
		t.Fatalf("unchanged content must keep revision 1, got %d", got)
	}
}

func TestDisplayPartsHonorsReasoningPreference(t *testing.T) {
	s := New("inst")
	reasoning := &types.Part{ID: "prt_r", Type: types.PartTypeReasoning, Payload: json.RawMessage(`{"type":"reasoning"}`)}
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Parts: []*types.Part{reasoning, textPart("prt_t", "answer")}})

	if parts := s.DisplayParts("msg_1", types.Preferences{}); len(parts) != 1 || parts[0].ID != "prt_t" {
		t.Fatalf("reasoning should be hidden: %+v", parts)
	}
	if parts := s.DisplayParts("msg_1", types.Preferences{ShowReasoning: true}); len(parts) != 2 {
		t.Fatalf("reasoning should be shown: %+v", parts)
	}
}

func TestRemoveSessionCascades(t *testing.T) {
	s := New("inst")
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleAssistant})
	s.UpsertPermission(types.Permission{ID: "per_1", SessionID: "ses_1", MessageID: "msg_1"})
	s.SetScrollSnapshot("ses_1", "main", types.ScrollSnapshot{Offset: 4})

	if !s.RemoveSession("ses_1") {
		t.Fatalf("RemoveSession returned false")
	}
	if _, err := s.Message("msg_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("messages should be removed with the session")
	}
	if s.HasPendingPermission("ses_1") {
		t.Fatalf("permissions should be removed with the session")
	}
	if _, ok := s.ScrollSnapshot("ses_1", "main"); ok {
		t.Fatalf("scroll snapshot should be removed with the session")
	}
	if len(s.Sessions()) != 0 {
		t.Fatalf("expected no sessions")
	}
}

func TestSessionRevertLifecycle(t *testing.T) {
	s := New("inst")
	if err := s.SetSessionRevert("ses_x", &types.Revert{MessageID: "msg_1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.UpsertSession("ses_1", types.SessionPatch{})
	if err := s.SetSessionRevert("ses_1", &types.Revert{MessageID: "msg_1"}); err != nil {
		t.Fatalf("SetSessionRevert: %v", err)
	}
	if revert, ok := s.GetSessionRevert("ses_1"); !ok || revert.MessageID != "msg_1" {
		t.Fatalf("unexpected revert %+v", revert)
	}
	s.UpsertSession("ses_1", types.SessionPatch{ClearRevert: true})
	if _, ok := s.GetSessionRevert("ses_1"); ok {
		t.Fatalf("revert should be cleared")
	}
}
