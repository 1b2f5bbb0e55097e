// Package converge provides the Go client for Converge team chat.
//
// It keeps a local ordered message list in sync with the server over a
// persistent WebSocket connection per chat, and talks to the REST API for
// history, threads and file uploads.
//
// Example:
//
//	client := converge.NewClient(token, converge.WithBaseURL("https://converge.example.com"))
//
//	session := converge.NewSession(client, converge.ProjectScope("42"), nil)
//	if err := session.Open(ctx); err != nil { ... }
//	defer session.Close()
//
//	session.Send(ctx, "hello")
//	session.SendFile(ctx, "draft attached", &converge.FileUpload{Name: "draft.pdf", Data: data})
package converge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *Metrics

	Messages *MessagesClient
	Threads  *ThreadsClient
	Files    *FilesClient
	Realtime *RealtimeClient
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

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client authenticated with a bearer token. The token
// is passed explicitly; the client never looks it up on its own.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{c: c}
	c.Threads = &ThreadsClient{c: c}
	c.Files = &FilesClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after a login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger { return c.log }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and returns the body of a 2xx response; other statuses
// become *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("http request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func decodeJSON[T any](endpoint string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &ContractError{Endpoint: endpoint, Reason: err.Error()}
	}
	return &result, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient reads chat history.
type MessagesClient struct{ c *Client }

// HistoryOptions narrows a history request.
type HistoryOptions struct {
	Limit  int
	Before MessageID
}

// History returns the stored messages of scope, oldest first.
func (m *MessagesClient) History(ctx context.Context, scope Scope, opts *HistoryOptions) ([]Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	query := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			query.Set("limit", fmt.Sprintf("%d", opts.Limit))
		}
		if opts.Before != "" {
			query.Set("before", string(opts.Before))
		}
	}
	endpoint := scope.restBase() + "messages/"
	data, err := m.c.get(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[struct {
		Messages *[]wireMessage `json:"messages"`
	}](endpoint, data)
	if err != nil {
		return nil, err
	}
	if body.Messages == nil {
		return nil, &ContractError{Endpoint: endpoint, Reason: "missing messages field"}
	}
	out := make([]Message, 0, len(*body.Messages))
	for i := range *body.Messages {
		out = append(out, (*body.Messages)[i].toMessage(scope))
	}
	return out, nil
}

// ============================================================================
// Threads
// ============================================================================

// ThreadsClient loads thread replies.
type ThreadsClient struct{ c *Client }

// Thread returns a thread with its parent and replies.
func (t *ThreadsClient) Thread(ctx context.Context, scope Scope, threadID string) (*ThreadResponse, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	endpoint := scope.restBase() + "threads/" + url.PathEscape(threadID) + "/"
	data, err := t.c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeJSON[struct {
		Thread *struct {
			ID              flexString `json:"id"`
			ParentMessageID MessageID  `json:"parent_message_id"`
			RepliesCount    int        `json:"replies_count"`
		} `json:"thread"`
		ParentMessage *wireMessage  `json:"parent_message"`
		Replies       []wireMessage `json:"replies"`
	}](endpoint, data)
	if err != nil {
		return nil, err
	}
	if body.Thread == nil || body.ParentMessage == nil {
		return nil, &ContractError{Endpoint: endpoint, Reason: "missing thread or parent_message"}
	}

	resp := &ThreadResponse{
		Thread: ThreadInfo{
			ID:              string(body.Thread.ID),
			ParentMessageID: body.Thread.ParentMessageID,
			RepliesCount:    body.Thread.RepliesCount,
		},
		Parent: body.ParentMessage.toMessage(scope),
	}
	if resp.Thread.ID == "" {
		resp.Thread.ID = threadID
	}
	if resp.Parent.ThreadID == "" {
		resp.Parent.ThreadID = resp.Thread.ID
	}
	for i := range body.Replies {
		r := body.Replies[i].toMessage(scope)
		if r.ParentID == "" {
			r.ParentID = resp.Parent.ID
		}
		if r.ThreadID == "" {
			r.ThreadID = resp.Thread.ID
		}
		resp.Replies = append(resp.Replies, r)
	}
	return resp, nil
}

// ============================================================================
// Files
// ============================================================================

// FilesClient uploads attachments.
type FilesClient struct{ c *Client }

// Upload posts content and file as multipart form data. The resulting chat
// message is delivered later by the socket broadcast, not by this call.
func (f *FilesClient) Upload(ctx context.Context, scope Scope, content string, file *FileUpload) (*UploadResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if file == nil || file.Name == "" {
		return nil, &UploadError{Message: "file name is required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if content != "" {
		if err := w.WriteField("content", content); err != nil {
			return nil, &UploadError{Message: genericUploadError, Err: err}
		}
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(file.Name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, &UploadError{Message: genericUploadError, Err: err}
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, &UploadError{Message: genericUploadError, Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &UploadError{Message: genericUploadError, Err: err}
	}

	endpoint := scope.restBase() + "upload/"
	req, err := f.c.newRequest(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	data, err := f.c.do(req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			msg := genericUploadError
			if apiErr.Message != http.StatusText(apiErr.Status) {
				msg = apiErr.Message
			}
			return nil, &UploadError{Status: apiErr.Status, Message: msg, Err: err}
		}
		return nil, &UploadError{Message: genericUploadError, Err: err}
	}

	body, err := decodeJSON[wireMessage](endpoint, data)
	if err != nil {
		return nil, err
	}
	if body.FileURL == "" {
		return nil, &ContractError{Endpoint: endpoint, Reason: "missing file_url"}
	}
	m := body.toMessage(scope)
	return &UploadResult{ID: body.ID, Attachment: *m.Attachment}, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient creates chat connections.
type RealtimeClient struct{ c *Client }

// WSURL returns the connection URL of scope with the client's token.
func (r *RealtimeClient) WSURL(scope Scope) string {
	return wsURL(r.c.baseURL, scope, r.c.token)
}

// Conn creates a connection for scope. Call Open to connect. A nil config
// uses the client's token and defaults.
func (r *RealtimeClient) Conn(scope Scope, config *RealtimeConfig) *ChatConn {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.token
	}
	return newChatConn(r.c.baseURL, scope, cfg, r.c.log, r.c.metrics)
}
