// Package backend is the HTTP side of a coding-assistant server: session
// actions, message listing and permission replies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultUsername = "opencode"
)

type Config struct {
	BaseURL   string
	Username  string
	Token     string
	Directory string
	// Timeout bounds short requests. Requests that run a turn (prompt,
	// command, shell) are bounded by the caller's context only.
	Timeout time.Duration
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	username   string
	token      string
	directory  string
	timeout    time.Duration
	httpClient *http.Client
}

// RequestError is returned for any non-2xx response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "backend request failed"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("backend request failed (%s %s): %s", e.Method, e.Path, msg)
}

// IsNotFound reports whether err is a 404 or 405 from the server, which older
// servers return for routes they do not implement.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr == nil {
		return false
	}
	switch reqErr.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	default:
		return false
	}
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", baseURL)
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = DefaultUsername
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		username:   username,
		token:      strings.TrimSpace(cfg.Token),
		directory:  strings.TrimSpace(cfg.Directory),
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

func (c *Client) BaseURL() string   { return c.baseURL }
func (c *Client) Directory() string { return c.directory }
func (c *Client) Username() string  { return c.username }

func sessionPath(sessionID string, suffix ...string) string {
	path := "/session/" + url.PathEscape(sessionID)
	for _, s := range suffix {
		path += "/" + s
	}
	return path
}

func (c *Client) withDirectory(path string) string {
	if c.directory == "" {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + url.Values{"directory": []string{c.directory}}.Encode()
}

// doJSON sends body as JSON and decodes the response into out under the
// request timeout. An empty 2xx body leaves out untouched.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.send(ctx, method, path, body, out)
}

// doTurn is doJSON without the request timeout, for requests that return only
// once the assistant finished its turn.
func (c *Client) doTurn(ctx context.Context, method, path string, body any, out any) error {
	return c.send(ctx, method, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body any, out any) error {
	path = "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
	path = c.withDirectory(path)

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.SetBasicAuth(c.username, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
