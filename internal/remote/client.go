// Package remote talks to the vibez server over HTTP and WebSocket. Client
// implements pane.Store, so a pane can run against a real server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vibez/internal/message"
	"vibez/internal/pane"
)

var ErrUnauthorized = errors.New("not logged in or session expired")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger

	mu    sync.RWMutex
	token string
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
	}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as JSON and decodes a JSON answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		text := strings.TrimSpace(string(msg))
		if res.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, text)
		}
		return &APIError{Status: res.StatusCode, Message: text}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func conversationPath(conversationID string, rest ...string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + strings.Join(rest, "")
}

// ---------------------------------------------
// 🔐 Accounts
// ---------------------------------------------

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Session struct {
	Token    string `json:"access_token"`
	UserID   string `json:"id"`
	Username string `json:"username"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Client) Register(ctx context.Context, username, password string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodPost, "/register", nil, credentials{username, password}, &u)
	return u, err
}

// Login authenticates and keeps the token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/login", nil, credentials{username, password}, &s); err != nil {
		return Session{}, err
	}
	c.SetToken(s.Token)
	return s, nil
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var users []User
	err := c.do(ctx, http.MethodGet, "/api/users/search", url.Values{"q": {query}}, nil, &users)
	return users, err
}

// ---------------------------------------------
// 👥 Conversations
// ---------------------------------------------

// Conversation carries the member display names and the caller's own
// preferences next to the record.
type Conversation struct {
	message.Conversation
	message.Preferences
	Members map[string]string `json:"members"`
}

// Title is the group name, or the other member's name for a private chat.
func (c Conversation) Title(self string) string {
	if c.Type == message.Group {
		return c.Name
	}
	for _, p := range c.Participants {
		if p != self {
			if name, ok := c.Members[p]; ok {
				return name
			}
			return p
		}
	}
	return c.ID
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &convs)
	return convs, err
}

func (c *Client) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := c.do(ctx, http.MethodGet, conversationPath(conversationID), nil, nil, &conv)
	return conv, err
}

// ConversationAction favorites, archives or mutes the conversation for the
// caller and returns the updated record.
func (c *Client) ConversationAction(ctx context.Context, conversationID string, a message.Action) (Conversation, error) {
	var conv Conversation
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "/actions"), nil, map[string]message.Action{"action": a}, &conv)
	return conv, err
}

type started struct {
	ID string `json:"conversation_id"`
}

// StartPrivate finds or creates the private conversation with userID.
func (c *Client) StartPrivate(ctx context.Context, userID string) (string, error) {
	var res started
	err := c.do(ctx, http.MethodPost, "/api/conversations", nil, map[string]string{"target_id": userID}, &res)
	return res.ID, err
}

func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	var res started
	err := c.do(ctx, http.MethodPost, "/api/groups", nil, map[string]any{"name": name, "members": members}, &res)
	return res.ID, err
}

// ClearMessages deletes the whole history of a conversation.
func (c *Client) ClearMessages(ctx context.Context, conversationID string) (int, error) {
	var res struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, conversationPath(conversationID, "/messages"), nil, nil, &res)
	return res.Removed, err
}

// ---------------------------------------------
// 💬 pane.Store
// ---------------------------------------------

// WriteMessage posts the draft. The sender is taken from the token.
func (c *Client) WriteMessage(ctx context.Context, conversationID string, d message.Draft) error {
	body, err := message.EncodeDraft(d)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), nil, body, nil)
}

func (c *Client) FetchPage(ctx context.Context, conversationID string, before message.Cursor, limit int) (pane.Page, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if before != "" {
		q.Set("before", string(before))
	}
	var res struct {
		Messages []message.Message `json:"messages"`
		Next     message.Cursor    `json:"next"`
	}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), q, nil, &res); err != nil {
		return pane.Page{}, err
	}
	return pane.Page{Messages: res.Messages, Next: res.Next}, nil
}

func (c *Client) React(ctx context.Context, conversationID, messageID, emoji, userID string) error {
	path := conversationPath(conversationID, "/messages/", url.PathEscape(messageID), "/reactions")
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"emoji": emoji}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID, "/messages/", url.PathEscape(messageID)), nil, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil, nil)
}

func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/typing"), nil, map[string]bool{"typing": typing}, nil)
}

var _ pane.Store = (*Client)(nil)
