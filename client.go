// Package chatsync is a client library for the Kirayedar24 chat backend.
//
// It keeps a conversation timeline consistent while messages arrive from
// three directions: the realtime socket, periodic REST snapshots and the
// user's own optimistic sends, edits and deletes.
//
// Example:
//
//	store := chatsync.NewMemoryStore()
//	client := chatsync.NewClient(
//		chatsync.WithBaseURL("https://api.kirayedar24.com/api"),
//		chatsync.WithTokenStore(store),
//	)
//	identity := chatsync.NewIdentityStore()
//	_ = identity.Load(ctx, store)
//
//	rt := chatsync.NewRealtimeClient(&chatsync.RealtimeConfig{URL: "wss://...", Tokens: store})
//	_ = rt.Connect(ctx)
//
//	session := chatsync.NewSession(&chatsync.SessionConfig{
//		CounterpartyID: "owner-42",
//		API:            client.Chats,
//		Realtime:       rt,
//		Identity:       identity,
//	})
//	_ = session.Open(ctx)
//	defer session.Close()
//	session.Send(ctx, "Is the flat still available?")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.kirayedar24.com/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API.
type Client struct {
	token      string
	tokens     KeyValueStore
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Chats *ChatsClient
	Users *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a static bearer token. It takes precedence over the store.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTokenStore reads the bearer token from kv on every request, so a
// token written after login is picked up without rebuilding the client.
func WithTokenStore(kv KeyValueStore) ClientOption {
	return func(c *Client) { c.tokens = kv }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new chat API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "chatsync.client")
	}
	c.Chats = &ChatsClient{c: c}
	c.Users = &UsersClient{c: c}
	return c
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	token, err := tokenFromStore(ctx, c.tokens)
	if err != nil {
		return "", fmt.Errorf("read auth token: %w", err)
	}
	return token, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// unwrap strips the response envelope. The backend answers with
// {"data": X}, {"<key>": X} or bare X; keys lists the named wrappers to try
// after data. A {"success": false} body becomes an *APIError.
func unwrap(data []byte, keys ...string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env apiEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if (env.Success != nil && !*env.Success) || (env.OK != nil && !*env.OK) {
		return nil, apiErrorFrom(http.StatusOK, trimmed)
	}

	candidates := map[string]json.RawMessage{
		"data":    env.Data,
		"chat":    env.Chat,
		"chats":   env.Chats,
		"message": env.Message,
		"user":    env.User,
	}
	for _, k := range append([]string{"data"}, keys...) {
		v := bytes.TrimSpace(candidates[k])
		if len(v) == 0 || bytes.Equal(v, []byte("null")) || v[0] == '"' {
			continue
		}
		if k == "data" && v[0] == '{' && len(keys) > 0 {
			// {"data": {"chat": {...}}}
			return unwrap(v, keys...)
		}
		return v, nil
	}
	return trimmed, nil
}

func apiErrorFrom(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	var body struct {
		Code    string          `json:"code"`
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		e.Code = body.Code
		e.Message = rawText(body.Message)
		if inner := bytes.TrimSpace(body.Error); len(inner) > 0 {
			if inner[0] == '{' {
				var ae APIError
				if json.Unmarshal(inner, &ae) == nil {
					if e.Code == "" {
						e.Code = ae.Code
					}
					if e.Message == "" {
						e.Message = ae.Message
					}
				}
			} else if e.Message == "" {
				e.Message = rawText(inner)
			}
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func rawText(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	return ""
}

// ============================================================================
// Chats
// ============================================================================

// ChatsClient handles conversations and messages.
type ChatsClient struct{ c *Client }

// WithUser returns the conversation with userID, creating it if needed.
func (ch *ChatsClient) WithUser(ctx context.Context, userID string) (*Conversation, error) {
	return ch.getConversation(ctx, "/chat/with/"+url.PathEscape(userID))
}

// Get returns the conversation snapshot including its full message history.
func (ch *ChatsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	return ch.getConversation(ctx, "/chat/"+url.PathEscape(conversationID))
}

func (ch *ChatsClient) getConversation(ctx context.Context, path string) (*Conversation, error) {
	data, err := ch.c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	inner, err := unwrap(data, "chat")
	if err != nil {
		return nil, err
	}
	raw, err := decodeJSON[RawConversation](inner)
	if err != nil {
		return nil, err
	}
	return parseConversation(raw), nil
}

// List returns the local user's conversations.
func (ch *ChatsClient) List(ctx context.Context) ([]RawConversation, error) {
	data, err := ch.c.doRequest(ctx, http.MethodGet, "/chat", nil, nil)
	if err != nil {
		return nil, err
	}
	inner, err := unwrap(data, "chats")
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]RawConversation](inner)
}

// Send posts a message and returns the server copy.
func (ch *ChatsClient) Send(ctx context.Context, conversationID, text string) (RawMessage, error) {
	data, err := ch.c.doRequest(ctx, http.MethodPost, "/chat/"+url.PathEscape(conversationID)+"/message",
		map[string]string{"text": text}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// EditMessage replaces the text of a message.
func (ch *ChatsClient) EditMessage(ctx context.Context, messageID, text string) (RawMessage, error) {
	data, err := ch.c.doRequest(ctx, http.MethodPatch, "/chat/message/"+url.PathEscape(messageID),
		map[string]string{"text": text}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// DeleteMessage deletes a message.
func (ch *ChatsClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := ch.c.doRequest(ctx, http.MethodDelete, "/chat/message/"+url.PathEscape(messageID), nil, nil)
	return err
}

// MarkRead marks every message in the conversation as read.
func (ch *ChatsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := ch.c.doRequest(ctx, http.MethodPatch, "/chat/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// Remove deletes the conversation for the local user.
func (ch *ChatsClient) Remove(ctx context.Context, conversationID string) error {
	_, err := ch.c.doRequest(ctx, http.MethodDelete, "/chat/"+url.PathEscape(conversationID), nil, nil)
	return err
}

func decodeMessage(data []byte) (RawMessage, error) {
	inner, err := unwrap(data, "message")
	if err != nil {
		return nil, err
	}
	if len(inner) == 0 || inner[0] != '{' {
		return nil, nil
	}
	return decodeJSON[RawMessage](inner)
}

func parseConversation(raw RawConversation) *Conversation {
	conv := &Conversation{
		ID:  firstID(raw, "_id", "id", "chatId", "conversationId"),
		Raw: raw,
	}
	if list, ok := raw["participants"].([]any); ok {
		for _, p := range list {
			if id := idValue(p); id != "" {
				conv.Participants = append(conv.Participants, id)
			}
		}
	}
	if list, ok := raw["messages"].([]any); ok {
		for _, m := range list {
			if obj, ok := m.(map[string]any); ok {
				conv.Messages = append(conv.Messages, RawMessage(obj))
			}
		}
	}
	return conv
}

// ============================================================================
// Users
// ============================================================================

// RawProfile is a user profile as returned by the API.
type RawProfile map[string]any

// UsersClient handles profile lookups.
type UsersClient struct{ c *Client }

// Get fetches the public profile of userID.
func (u *UsersClient) Get(ctx context.Context, userID string) (RawProfile, error) {
	data, err := u.c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	inner, err := unwrap(data, "user")
	if err != nil {
		return nil, err
	}
	return decodeJSON[RawProfile](inner)
}
