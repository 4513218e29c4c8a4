// Package bluebubbles talks to a BlueBubbles server: the REST API for
// snapshots and writes, and the Socket.IO channel for live events.
package bluebubbles

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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// Default request timeouts.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultLongTimeout = 60 * time.Second
)

// Options configures a Client.
type Options struct {
	URL      string
	Password string
	// Timeout bounds ordinary requests.
	Timeout time.Duration
	// LongTimeout bounds chat sync pages and attachment downloads.
	LongTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client is a REST client for one server. It is safe for concurrent use.
type Client struct {
	base        string
	password    string
	timeout     time.Duration
	longTimeout time.Duration
	http        *http.Client
	logger      *zap.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		base:        strings.TrimRight(opts.URL, "/"),
		password:    opts.Password,
		timeout:     opts.Timeout,
		longTimeout: opts.LongTimeout,
		http:        opts.HTTPClient,
		logger:      opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.longTimeout <= 0 {
		c.longTimeout = DefaultLongTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// Password returns the server password.
func (c *Client) Password() string { return c.password }

func (c *Client) endpoint(path string, params url.Values) string {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("password", c.password)
	return c.base + "/api/v1/" + strings.TrimLeft(path, "/") + "?" + q.Encode()
}

func (c *Client) send(ctx context.Context, op, method, path string, params url.Values, body any, timeout time.Duration) (*http.Response, context.CancelFunc, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), reader)
	if err != nil {
		cancel()
		return nil, nil, &Error{Kind: KindProtocol, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		// url.Error carries the full URL including the password.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, nil, &Error{Kind: KindConnectivity, Op: op, Err: err}
	}
	return resp, cancel, nil
}

// call performs a JSON request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, body, out any, timeout time.Duration) error {
	resp, cancel, err := c.send(ctx, op, method, path, params, body, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindConnectivity, Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &Error{Kind: KindAuthentication, Op: op, Status: resp.StatusCode, Msg: "invalid password"}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Msg: snippet(raw, 200)}
		}
		c.logger.Warn("unparseable response", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("body", snippet(raw, 500)))
		return &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Err: err}
	}
	if env.Status == http.StatusUnauthorized {
		return &Error{Kind: KindAuthentication, Op: op, Status: env.Status, Msg: "invalid password"}
	}
	if resp.StatusCode >= 400 || (env.Status != 0 && (env.Status < 200 || env.Status >= 300)) {
		e := &Error{Kind: KindServer, Op: op, Status: env.Status, Msg: env.Message}
		if e.Status == 0 {
			e.Status = resp.StatusCode
		}
		if env.Error != nil {
			e.Type = env.Error.Type
			if env.Error.Error != "" {
				e.Msg = env.Error.Error
			}
		}
		return e
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.logger.Warn("unexpected response data", zap.String("op", op), zap.String("data", snippet(env.Data, 500)), zap.Error(err))
		return &Error{Kind: KindProtocol, Op: op, Status: env.Status, Err: err}
	}
	return nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// Ping checks reachability and credentials.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", http.MethodGet, "ping", nil, nil, nil, c.timeout)
}

// ServerInfo returns server metadata.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.call(ctx, "server info", http.MethodGet, "server/info", nil, nil, &info, c.timeout); err != nil {
		return nil, err
	}
	return &info, nil
}

// ChatQuery pages through the chat list.
type ChatQuery struct {
	Limit  int
	Offset int
	// Sort defaults to "lastmessage".
	Sort string
}

// ListChats returns one page of chats with participants and last message.
func (c *Client) ListChats(ctx context.Context, q ChatQuery) ([]store.Chat, error) {
	if q.Sort == "" {
		q.Sort = "lastmessage"
	}
	body := map[string]any{
		"limit":  q.Limit,
		"offset": q.Offset,
		"sort":   q.Sort,
		"with":   []string{"participants", "lastmessage"},
	}
	var wire []wireChat
	if err := c.call(ctx, "list chats", http.MethodPost, "chat/query", nil, body, &wire, c.longTimeout); err != nil {
		return nil, err
	}
	out := make([]store.Chat, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toStore())
	}
	return out, nil
}

// GetChat fetches one chat.
func (c *Client) GetChat(ctx context.Context, guid string) (*store.Chat, error) {
	var wire wireChat
	params := url.Values{"with": {"participants,lastmessage"}}
	if err := c.call(ctx, "get chat", http.MethodGet, "chat/"+url.PathEscape(guid), params, nil, &wire, c.timeout); err != nil {
		return nil, err
	}
	chat := wire.toStore()
	return &chat, nil
}

// MessageQuery selects a page of a chat's messages. Zero After/Before are unbounded.
type MessageQuery struct {
	Limit           int
	Offset          int
	After           int64
	Before          int64
	Ascending       bool
	WithAttachments bool
	WithHandle      bool
}

// ListMessages returns messages of a chat, newest first unless Ascending.
func (c *Client) ListMessages(ctx context.Context, chatGUID string, q MessageQuery) ([]store.Message, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.After > 0 {
		params.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Before > 0 {
		params.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.Ascending {
		params.Set("sort", "ASC")
	} else {
		params.Set("sort", "DESC")
	}
	var with []string
	if q.WithAttachments {
		with = append(with, "attachment")
	}
	if q.WithHandle {
		with = append(with, "handle")
	}
	if len(with) > 0 {
		params.Set("with", strings.Join(with, ","))
	}

	var wire []wireMessage
	if err := c.call(ctx, "list messages", http.MethodGet, "chat/"+url.PathEscape(chatGUID)+"/message", params, nil, &wire, c.timeout); err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(wire))
	for i := range wire {
		m := wire[i].toStore()
		m.ChatGUID = chatGUID
		out = append(out, m)
	}
	return out, nil
}

// SendOptions describes an outgoing text message.
type SendOptions struct {
	ChatGUID string
	Text     string
	// Method is "private-api" or "apple-script".
	Method  string
	Effect  string
	Subject string
	// ReplyTo threads the message under another message guid.
	ReplyTo string
}

// SendText sends a text message and returns the server's record of it.
func (c *Client) SendText(ctx context.Context, o SendOptions) (*store.Message, error) {
	if o.Method == "" {
		o.Method = "private-api"
	}
	body := map[string]any{
		"chatGuid": o.ChatGUID,
		"message":  o.Text,
		"method":   o.Method,
		"tempGuid": "temp-" + uuid.NewString(),
	}
	if o.Effect != "" {
		body["effectId"] = o.Effect
	}
	if o.Subject != "" {
		body["subject"] = o.Subject
	}
	if o.ReplyTo != "" {
		body["selectedMessageGuid"] = o.ReplyTo
	}
	return c.messageCall(ctx, "send text", "message/text", o.ChatGUID, body)
}

// SendReaction sends a tapback ("love", "-love", ...) on messageGUID.
func (c *Client) SendReaction(ctx context.Context, chatGUID, messageGUID, reaction string, partIndex int) (*store.Message, error) {
	body := map[string]any{
		"chatGuid":            chatGUID,
		"selectedMessageGuid": messageGUID,
		"reaction":            reaction,
		"partIndex":           partIndex,
	}
	return c.messageCall(ctx, "send reaction", "message/react", chatGUID, body)
}

// EditMessage replaces the text of a sent message.
func (c *Client) EditMessage(ctx context.Context, messageGUID, text string, backtrackCount, partIndex int) (*store.Message, error) {
	body := map[string]any{
		"editedMessage":  text,
		"backtrackCount": backtrackCount,
		"partIndex":      partIndex,
	}
	return c.messageCall(ctx, "edit message", "message/"+url.PathEscape(messageGUID)+"/edit", "", body)
}

func (c *Client) messageCall(ctx context.Context, op, path, chatGUID string, body map[string]any) (*store.Message, error) {
	var wire wireMessage
	if err := c.call(ctx, op, http.MethodPost, path, nil, body, &wire, c.timeout); err != nil {
		return nil, err
	}
	if wire.GUID == "" {
		return nil, &Error{Kind: KindProtocol, Op: op, Msg: "response has no message guid"}
	}
	m := wire.toStore()
	if m.ChatGUID == "" {
		m.ChatGUID = chatGUID
	}
	return &m, nil
}

// MarkRead marks a chat read on the server.
func (c *Client) MarkRead(ctx context.Context, chatGUID string) error {
	body := map[string]any{"chatGuid": chatGUID}
	return c.call(ctx, "mark read", http.MethodPost, "chat/read", nil, body, nil, c.timeout)
}

// SendTyping starts or stops our typing indicator in a chat.
func (c *Client) SendTyping(ctx context.Context, chatGUID string, typing bool) error {
	path := "chat/typing"
	if !typing {
		path = "chat/stop-typing"
	}
	body := map[string]any{"chatGuid": chatGUID}
	return c.call(ctx, "typing", http.MethodPost, path, nil, body, nil, c.timeout)
}

// DownloadAttachment returns the raw attachment payload.
func (c *Client) DownloadAttachment(ctx context.Context, guid string) ([]byte, error) {
	const op = "download attachment"
	resp, cancel, err := c.send(ctx, op, http.MethodGet, "attachment/"+url.PathEscape(guid)+"/download", nil, nil, c.longTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuthentication, Op: op, Status: resp.StatusCode, Msg: "invalid password"}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Msg: "download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Op: op, Err: err}
	}
	return data, nil
}

// QueryContacts looks up cards for the given addresses.
func (c *Client) QueryContacts(ctx context.Context, addresses []string) ([]Contact, error) {
	var out []Contact
	body := map[string]any{"addresses": addresses}
	if err := c.call(ctx, "query contacts", http.MethodPost, "contact/query", nil, body, &out, c.timeout); err != nil {
		return nil, err
	}
	return out, nil
}

// ListContacts returns the whole address book.
func (c *Client) ListContacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	if err := c.call(ctx, "list contacts", http.MethodGet, "contact", nil, nil, &out, c.longTimeout); err != nil {
		return nil, err
	}
	return out, nil
}
