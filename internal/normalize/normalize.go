// Package normalize turns wire-format parts and messages into the canonical
// shapes the message store keeps. Every function here is pure.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"tether/internal/types"
)

var ErrInvalidPart = errors.New("part is not a json object")

// renderKeys are client-side render artifacts that must never survive a
// content change.
var renderKeys = []string{"rendered", "renderCache", "html", "highlighted", "_render"}

// versionKeys seed a part's revision and are kept out of the compared payload.
var versionKeys = []string{"revision", "version"}

// FallbackPartID is the deterministic id given to a part the backend sent
// without one.
func FallbackPartID(messageID string, index int) string {
	return fmt.Sprintf("%s-part-%d", messageID, index)
}

// ContentPartID is the fallback id of a streamed part that arrived without
// one. It is derived from the normalized payload, so redelivery of the same
// part maps onto the same id.
func ContentPartID(messageID string, payload []byte) string {
	sum := strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, payload).String(), "-", "")
	return messageID + "-part-" + sum[:12]
}

// Part normalizes one raw part of a full message listing. messageID is used
// when the part omits its own; index is its position within the message and
// only matters for the fallback id.
func Part(raw json.RawMessage, messageID string, index int) (*types.Part, error) {
	return normalizePart(raw, messageID, func(messageID string, _ []byte) string {
		return FallbackPartID(messageID, index)
	})
}

// StreamPart normalizes a part delivered on its own by the event stream,
// where no stable position is known.
func StreamPart(raw json.RawMessage, messageID string) (*types.Part, error) {
	return normalizePart(raw, messageID, ContentPartID)
}

func normalizePart(raw json.RawMessage, messageID string, fallback func(messageID string, payload []byte) string) (*types.Part, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, ErrInvalidPart
	}
	doc := gjson.ParseBytes(raw)
	payload := []byte(doc.Raw)

	var revision int64
	for _, key := range versionKeys {
		if value := doc.Get(key); value.Exists() {
			if revision == 0 && value.Type == gjson.Number {
				revision = value.Int()
			}
			payload, _ = sjson.DeleteBytes(payload, key)
		}
	}
	for _, key := range renderKeys {
		if doc.Get(key).Exists() {
			payload, _ = sjson.DeleteBytes(payload, key)
		}
	}

	if id := strings.TrimSpace(doc.Get("messageID").String()); id != "" {
		messageID = id
	} else if messageID != "" {
		payload, _ = sjson.SetBytes(payload, "messageID", messageID)
	}

	partType := strings.TrimSpace(doc.Get("type").String())
	text := doc.Get("text").String()
	if decoded := DecodeText(text); decoded != text {
		text = decoded
		var err error
		payload, err = sjson.SetBytes(payload, "text", decoded)
		if err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(doc.Get("id").String())
	if id == "" {
		id = fallback(messageID, payload)
		payload, _ = sjson.SetBytes(payload, "id", id)
	}

	return &types.Part{
		ID:        id,
		MessageID: messageID,
		SessionID: doc.Get("sessionID").String(),
		Type:      partType,
		Text:      text,
		Payload:   json.RawMessage(payload),
		Revision:  revision,
	}, nil
}

// DecodeText undoes entity escaping some transports apply to text content.
func DecodeText(text string) string {
	if !strings.Contains(text, "&") {
		return text
	}
	return html.UnescapeString(text)
}

// Message normalizes an info/parts pair as returned by the listing endpoints.
// Parts that fail to normalize are skipped and reported in the returned slice
// of errors so the caller can log them.
func Message(info types.MessageInfo, rawParts []json.RawMessage) (*types.Message, []error) {
	msg := &types.Message{
		ID:        info.ID,
		SessionID: info.SessionID,
		Role:      info.Role,
		Status:    info.Status(),
		CreatedAt: types.MillisToTime(info.Time.Created),
		UpdatedAt: types.MillisToTime(maxInt64(info.Time.Completed, info.Time.Created)),
		PartIDs:   make([]string, 0, len(rawParts)),
		Parts:     make(map[string]*types.Part, len(rawParts)),
	}
	if info.Error != nil {
		msg.Error = info.Error.Message()
	}
	var errs []error
	for idx, raw := range rawParts {
		part, err := Part(raw, info.ID, idx)
		if err != nil {
			errs = append(errs, fmt.Errorf("part %d of %s: %w", idx, info.ID, err))
			continue
		}
		if _, seen := msg.Parts[part.ID]; !seen {
			msg.PartIDs = append(msg.PartIDs, part.ID)
		}
		msg.Parts[part.ID] = part
	}
	return msg, errs
}

// SameContent reports whether two normalized parts carry identical payloads.
func SameContent(a, b *types.Part) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && string(a.Payload) == string(b.Payload)
}

// CallID returns the tool call id of a tool part, if any.
func CallID(part *types.Part) string {
	if part == nil || len(part.Payload) == 0 {
		return ""
	}
	return gjson.GetBytes(part.Payload, "callID").String()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
