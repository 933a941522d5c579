package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"tether/internal/types"
)

func TestPartAssignsFallbackID(t *testing.T) {
	part, err := Part(json.RawMessage(`{"type":"text","text":"hello"}`), "msg_1", 2)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if part.ID != "msg_1-part-2" {
		t.Fatalf("expected fallback id, got %q", part.ID)
	}
	if part.MessageID != "msg_1" {
		t.Fatalf("expected message id to be filled, got %q", part.MessageID)
	}
	if got := string(part.Payload); got != `{"type":"text","text":"hello","messageID":"msg_1","id":"msg_1-part-2"}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestPartStripsRenderArtifactsAndSeedsRevision(t *testing.T) {
	part, err := Part(json.RawMessage(`{"id":"prt_1","messageID":"msg_1","type":"text","text":"a","rendered":"<p>a</p>","version":7}`), "", 0)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if part.Revision != 7 {
		t.Fatalf("expected revision seeded from version, got %d", part.Revision)
	}
	if got := string(part.Payload); got != `{"id":"prt_1","messageID":"msg_1","type":"text","text":"a"}` {
		t.Fatalf("unexpected payload %s", got)
	}
}

func TestPartDecodesEscapedText(t *testing.T) {
	part, err := Part(json.RawMessage(`{"id":"prt_1","messageID":"msg_1","type":"text","text":"a &lt; b &amp;&amp; c"}`), "", 0)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if part.Text != "a < b && c" {
		t.Fatalf("unexpected text %q", part.Text)
	}
}

func TestPartIsDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"type":"tool","callID":"call_1","state":{"status":"running"},"rendered":"x"}`)
	first, err := Part(raw, "msg_1", 0)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	second, err := Part(raw, "msg_1", 0)
	if err != nil {
		t.Fatalf("Part: %v", err)
	}
	if !SameContent(first, second) {
		t.Fatalf("expected identical content\n%s\n%s", first.Payload, second.Payload)
	}
	if CallID(first) != "call_1" {
		t.Fatalf("expected call id, got %q", CallID(first))
	}
}

func TestPartRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{`[]`, `"text"`, `{bad`} {
		if _, err := Part(json.RawMessage(raw), "msg_1", 0); !errors.Is(err, ErrInvalidPart) {
			t.Fatalf("expected ErrInvalidPart for %s, got %v", raw, err)
		}
	}
}

func TestMessageNormalizesParts(t *testing.T) {
	info := types.MessageInfo{
		ID:        "msg_1",
		SessionID: "ses_1",
		Role:      types.RoleAssistant,
		Time:      types.MessageTime{Created: 1000},
	}
	msg, errs := Message(info, []json.RawMessage{
		json.RawMessage(`{"id":"prt_a","type":"text","text":"one"}`),
		json.RawMessage(`nope`),
		json.RawMessage(`{"type":"reasoning","text":"think"}`),
	})
	if len(errs) != 1 {
		t.Fatalf("expected one part error, got %v", errs)
	}
	if msg.Status != types.MessageStatusStreaming {
		t.Fatalf("expected streaming status, got %q", msg.Status)
	}
	if len(msg.PartIDs) != 2 || msg.PartIDs[0] != "prt_a" || msg.PartIDs[1] != "msg_1-part-2" {
		t.Fatalf("unexpected part ids %v", msg.PartIDs)
	}
}

func TestStreamPartIDIsStableAcrossRedelivery(t *testing.T) {
	raw := json.RawMessage(`{"type":"text","text":"hello &amp; bye","rendered":"<p>x</p>"}`)
	first, err := StreamPart(raw, "msg_1")
	if err != nil {
		t.Fatalf("StreamPart: %v", err)
	}
	again, err := StreamPart(raw, "msg_1")
	if err != nil {
		t.Fatalf("StreamPart: %v", err)
	}
	if first.ID != again.ID || string(first.Payload) != string(again.Payload) {
		t.Fatalf("redelivery changed the part: %q vs %q", first.ID, again.ID)
	}
	if !strings.HasPrefix(first.ID, "msg_1-part-") || first.ID == FallbackPartID("msg_1", 0) {
		t.Fatalf("unexpected fallback id %q", first.ID)
	}
	other, err := StreamPart(json.RawMessage(`{"type":"text","text":"different"}`), "msg_1")
	if err != nil {
		t.Fatalf("StreamPart: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("different content must not share a fallback id")
	}
	withID, err := StreamPart(json.RawMessage(`{"id":"prt_1","type":"text","text":"x"}`), "msg_1")
	if err != nil || withID.ID != "prt_1" {
		t.Fatalf("explicit id must win, got %+v err=%v", withID, err)
	}
}
