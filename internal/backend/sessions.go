package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"tether/internal/types"
)

// Model selects a provider model for a prompt. Empty means server default.
type Model struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

func (m *Model) empty() bool {
	return m == nil || (strings.TrimSpace(m.ProviderID) == "" && strings.TrimSpace(m.ModelID) == "")
}

type PromptRequest struct {
	// MessageID is the client correlation id for the user message.
	MessageID string
	Text      string
	Agent     string
	Model     *Model
}

type CommandRequest struct {
	MessageID string
	Command   string
	Arguments string
	Agent     string
}

type ShellRequest struct {
	Command string
	Agent   string
}

func requireSession(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	return sessionID, nil
}

func decodeSession(raw json.RawMessage) (types.SessionInfo, error) {
	if len(raw) == 0 {
		return types.SessionInfo{}, fmt.Errorf("session missing from server response")
	}
	info, err := types.DecodeSessionInfo(raw)
	if err != nil {
		return types.SessionInfo{}, err
	}
	if strings.TrimSpace(info.ID) == "" {
		return types.SessionInfo{}, fmt.Errorf("session id missing from server response")
	}
	return info, nil
}

func decodeMessage(raw json.RawMessage) (*types.MessageWithParts, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out types.MessageWithParts
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out.Info.ID == "" {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) CreateSession(ctx context.Context, title, parentID string) (types.SessionInfo, error) {
	body := map[string]any{}
	if title = strings.TrimSpace(title); title != "" {
		body["title"] = title
	}
	if parentID = strings.TrimSpace(parentID); parentID != "" {
		body["parentID"] = parentID
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/session", body, &raw); err != nil {
		return types.SessionInfo{}, err
	}
	return decodeSession(raw)
}

func (c *Client) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	var raw []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]types.SessionInfo, 0, len(raw))
	for _, item := range raw {
		info, err := decodeSession(item)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil)
}

// ForkSession copies the session up to and including messageID into a new
// child session. An empty messageID forks the whole history.
func (c *Client) ForkSession(ctx context.Context, sessionID, messageID string) (types.SessionInfo, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return types.SessionInfo{}, err
	}
	body := map[string]any{}
	if messageID = strings.TrimSpace(messageID); messageID != "" {
		body["messageID"] = messageID
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "fork"), body, &raw); err != nil {
		return types.SessionInfo{}, err
	}
	return decodeSession(raw)
}

// Prompt posts a user message. Servers without the message route are retried
// on the legacy prompt route. The returned message may be nil when the server
// acknowledges with an empty body; the event stream carries the result.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) (*types.MessageWithParts, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	body := map[string]any{
		"parts": []map[string]any{
			{"type": types.PartTypeText, "text": text},
		},
	}
	if req.MessageID != "" {
		body["messageID"] = req.MessageID
	}
	if req.Agent != "" {
		body["agent"] = req.Agent
	}
	if !req.Model.empty() {
		body["model"] = req.Model
	}

	paths := []string{sessionPath(sessionID, "message"), sessionPath(sessionID, "prompt")}
	var lastErr error
	for idx, path := range paths {
		var raw json.RawMessage
		err := c.doTurn(ctx, http.MethodPost, path, body, &raw)
		if err == nil {
			return decodeMessage(raw)
		}
		lastErr = err
		if idx == 0 && IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *Client) Abort(ctx context.Context, sessionID string) error {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "abort"), map[string]any{}, nil)
}

func (c *Client) Command(ctx context.Context, sessionID string, req CommandRequest) (*types.MessageWithParts, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return nil, err
	}
	command := strings.TrimPrefix(strings.TrimSpace(req.Command), "/")
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	body := map[string]any{
		"command":   command,
		"arguments": req.Arguments,
	}
	if req.MessageID != "" {
		body["messageID"] = req.MessageID
	}
	if req.Agent != "" {
		body["agent"] = req.Agent
	}
	var raw json.RawMessage
	if err := c.doTurn(ctx, http.MethodPost, sessionPath(sessionID, "command"), body, &raw); err != nil {
		return nil, err
	}
	return decodeMessage(raw)
}

func (c *Client) Shell(ctx context.Context, sessionID string, req ShellRequest) (*types.MessageWithParts, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return nil, err
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	agent := req.Agent
	if agent == "" {
		agent = "build"
	}
	var raw json.RawMessage
	body := map[string]any{"command": command, "agent": agent}
	if err := c.doTurn(ctx, http.MethodPost, sessionPath(sessionID, "shell"), body, &raw); err != nil {
		return nil, err
	}
	return decodeMessage(raw)
}

// Revert marks everything after messageID (or partID within it) as undone.
func (c *Client) Revert(ctx context.Context, sessionID, messageID, partID string) (types.SessionInfo, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return types.SessionInfo{}, err
	}
	if messageID = strings.TrimSpace(messageID); messageID == "" {
		return types.SessionInfo{}, fmt.Errorf("message id is required")
	}
	body := map[string]any{"messageID": messageID}
	if partID = strings.TrimSpace(partID); partID != "" {
		body["partID"] = partID
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "revert"), body, &raw); err != nil {
		return types.SessionInfo{}, err
	}
	return decodeSession(raw)
}

func (c *Client) Unrevert(ctx context.Context, sessionID string) (types.SessionInfo, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return types.SessionInfo{}, err
	}
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "unrevert"), map[string]any{}, &raw); err != nil {
		return types.SessionInfo{}, err
	}
	return decodeSession(raw)
}

// Summarize compacts the session history. The server reports completion with
// a session.compacted event.
func (c *Client) Summarize(ctx context.Context, sessionID string, model *Model) error {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return err
	}
	body := map[string]any{}
	if !model.empty() {
		body["providerID"] = model.ProviderID
		body["modelID"] = model.ModelID
	}
	return c.doTurn(ctx, http.MethodPost, sessionPath(sessionID, "summarize"), body, nil)
}

func (c *Client) Messages(ctx context.Context, sessionID string) ([]types.MessageWithParts, error) {
	sessionID, err := requireSession(sessionID)
	if err != nil {
		return nil, err
	}
	var out []types.MessageWithParts
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "message"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplyPermission answers a permission request. Older servers only expose the
// permission-scoped route, which is tried when the session route is missing.
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID string, response types.PermissionResponse) error {
	permissionID = strings.TrimSpace(permissionID)
	if permissionID == "" {
		return fmt.Errorf("permission id is required")
	}
	if !response.Valid() {
		return fmt.Errorf("invalid permission response %q", response)
	}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		path := sessionPath(sessionID, "permissions", url.PathEscape(permissionID))
		err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"response": response}, nil)
		if err == nil || !IsNotFound(err) {
			return err
		}
	}
	legacy := "/permission/" + url.PathEscape(permissionID) + "/reply"
	return c.doJSON(ctx, http.MethodPost, legacy, map[string]any{"response": response}, nil)
}
