// Package api is the HTTP client of the group chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/peerlearn/groupchat/core"
)

// User is a registered account.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Session is an issued bearer token.
type Session struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Resource is a study material shared to a room.
type Resource struct {
	core.Attachment
	RoomID    string    `json:"roomId"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateResourceRequest is the payload for sharing a resource.
type CreateResourceRequest struct {
	RoomID string `json:"roomId"`
	Title  string `json:"title"`
	Type   string `json:"type,omitempty"`
	Link   string `json:"link"`
}

// Client is the group chat API client. It implements core.ChatAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ core.ChatAPI = (*Client)(nil)

// New creates a client for the API rooted at baseURL, e.g. http://localhost:8080/api.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, name, username, password string) (*User, error) {
	body := map[string]string{"name": name, "username": username, "password": password}
	var u User
	if err := c.post(ctx, "/auth/register", body, &u); err != nil {
		return nil, fmt.Errorf("api.Register: %w", err)
	}
	return &u, nil
}

// Login exchanges credentials for a session and keeps its token.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	body := map[string]string{"username": username, "password": password}
	var s Session
	if err := c.post(ctx, "/auth/login", body, &s); err != nil {
		return nil, fmt.Errorf("api.Login: %w", err)
	}
	c.SetToken(s.Token)
	return &s, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/users/me", &u); err != nil {
		return nil, fmt.Errorf("api.Me: %w", err)
	}
	return &u, nil
}

// History returns up to limit of the most recent messages of roomID, oldest first.
func (c *Client) History(ctx context.Context, roomID string, limit int) ([]core.ChatMessage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []core.ChatMessage `json:"messages"`
	}
	if err := c.get(ctx, "/chat/group/"+url.PathEscape(roomID)+"?"+params.Encode(), &res); err != nil {
		return nil, fmt.Errorf("api.History: %w", err)
	}
	return res.Messages, nil
}

// Send persists a message and returns the server copy.
func (c *Client) Send(ctx context.Context, req core.SendRequest) (*core.ChatMessage, error) {
	var res struct {
		Message *core.ChatMessage `json:"message"`
	}
	if err := c.post(ctx, "/chat/send", req, &res); err != nil {
		return nil, fmt.Errorf("api.Send: %w", err)
	}
	if res.Message == nil {
		return nil, fmt.Errorf("api.Send: response without message")
	}
	return res.Message, nil
}

// ListResources returns the resources shared to roomID, newest first.
func (c *Client) ListResources(ctx context.Context, roomID string) ([]Resource, error) {
	var res struct {
		Resources []Resource `json:"resources"`
	}
	if err := c.get(ctx, "/resources/group/"+url.PathEscape(roomID), &res); err != nil {
		return nil, fmt.Errorf("api.ListResources: %w", err)
	}
	return res.Resources, nil
}

// CreateResource shares a resource to a room.
func (c *Client) CreateResource(ctx context.Context, req CreateResourceRequest) (*Resource, error) {
	var r Resource
	if err := c.post(ctx, "/resources", req, &r); err != nil {
		return nil, fmt.Errorf("api.CreateResource: %w", err)
	}
	return &r, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, out)
}

// doRequest sends a JSON request. A 401 on an authenticated request is
// reported as *core.AuthExpiredError.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := c.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		httpErr := readError(resp)
		if resp.StatusCode == http.StatusUnauthorized && token != "" {
			return &core.AuthExpiredError{Err: httpErr}
		}
		return httpErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func readError(resp *http.Response) *HTTPError {
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max error body
	if readErr != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
}
