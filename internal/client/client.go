// Package client provides a Go client for the Courier API: conversation
// management plus a reconnecting streaming session. It is useful for
// integration testing and CLI tools.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client provides HTTP methods for the Courier REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithToken sets the bearer token for authenticated servers.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// New creates a new Courier client.
// baseURL should be the server address (e.g., "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do runs a request with the auth token attached.
func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// ConversationInfo represents a conversation known to the server.
type ConversationInfo struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateConversation creates a new conversation.
func (c *Client) CreateConversation() (*ConversationInfo, error) {
	resp, err := c.do(http.MethodPost, "/api/conversations", nil)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create conversation: status %d: %s", resp.StatusCode, string(body))
	}

	var conv ConversationInfo
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("create conversation: decode: %w", err)
	}
	return &conv, nil
}

// DeleteConversation deletes a conversation.
func (c *Client) DeleteConversation(conversationID string) error {
	resp, err := c.do(http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete conversation: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// HealthInfo is the public health snapshot.
type HealthInfo struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"activeSessions"`
	Health         string `json:"health"`
}

// Health fetches the server's public health endpoint.
func (c *Client) Health() (*HealthInfo, error) {
	resp, err := c.do(http.MethodGet, "/health", nil)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("health: decode: %w", err)
	}
	return &info, nil
}

// streamURL derives the WebSocket URL for a conversation's stream.
func (c *Client) streamURL(conversationID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/api/conversations/" + url.PathEscape(conversationID) + "/ws"
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
