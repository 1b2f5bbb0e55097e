package converge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a text message is sent while no
	// connection is open. Nothing is written and nothing is retried.
	ErrNotConnected = errors.New("not connected")

	// ErrNoToken is returned when a connection or REST call is attempted
	// without a bearer token.
	ErrNoToken = errors.New("no auth token configured")

	// ErrEmptyMessage is returned when neither a body nor an attachment is given.
	ErrEmptyMessage = errors.New("message has no content and no attachment")

	// ErrNoMessage is returned when a referenced message is not in the local list.
	ErrNoMessage = errors.New("message not found")

	// ErrNoSelf is returned when an optimistic send needs the local user id
	// and none is configured.
	ErrNoSelf = errors.New("local user id not configured")
)

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// UploadError is returned by the attachment path. Message is the
// server-provided text when there is one, otherwise a generic fallback.
type UploadError struct {
	Status  int
	Message string
	Err     error
}

const genericUploadError = "Failed to upload file"

func (e *UploadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upload failed (%d): %s", e.Status, e.Message)
	}
	return "upload failed: " + e.Message
}

func (e *UploadError) Unwrap() error { return e.Err }

// ContractError means the backend answered with a shape this client does
// not understand.
type ContractError struct {
	Endpoint string
	Reason   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %s", e.Endpoint, e.Reason)
}

// errorFromResponse extracts the `error` (or `detail`) field of a failed
// response body.
func errorFromResponse(status int, body []byte) *APIError {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Error
		if msg == "" {
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// ============================================================================
// Scope
// ============================================================================

// ScopeKind distinguishes project group chats from one-to-one chats.
type ScopeKind string

const (
	ScopeProject    ScopeKind = "project"
	ScopeIndividual ScopeKind = "individual"
)

// Scope identifies one chat: a project-wide group chat or an individual chat.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// ProjectScope returns the scope of a project chat.
func ProjectScope(id string) Scope { return Scope{Kind: ScopeProject, ID: id} }

// IndividualScope returns the scope of an individual chat.
func IndividualScope(id string) Scope { return Scope{Kind: ScopeIndividual, ID: id} }

// ParseScope parses "project/<id>" or "individual/<id>".
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q: want <project|individual>/<id>", s)
	}
	sc := Scope{Kind: ScopeKind(kind), ID: id}
	if err := sc.Validate(); err != nil {
		return Scope{}, err
	}
	return sc, nil
}

// Validate reports whether the scope can be used to build URLs.
func (s Scope) Validate() error {
	if s.Kind != ScopeProject && s.Kind != ScopeIndividual {
		return fmt.Errorf("invalid scope kind %q", s.Kind)
	}
	if s.ID == "" || strings.Contains(s.ID, "/") {
		return fmt.Errorf("invalid scope id %q", s.ID)
	}
	return nil
}

func (s Scope) String() string { return string(s.Kind) + "/" + s.ID }

func (s Scope) wsPath() string { return "/ws/chat/" + string(s.Kind) + "/" + s.ID + "/" }

func (s Scope) restBase() string { return "/api/chat/" + string(s.Kind) + "/" + s.ID + "/" }

// ============================================================================
// Message
// ============================================================================

// flexString decodes a JSON string or number (or null) into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*f = flexString(n.String())
	}
	return nil
}

// MessageID is a server-assigned message identifier. The empty value means
// the message has not been confirmed by the server yet.
type MessageID string

func (id *MessageID) UnmarshalJSON(b []byte) error {
	var f flexString
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*id = MessageID(f)
	return nil
}

// Sender identifies who wrote a message.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// MessageStatus is the local delivery status of a message.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = "confirmed"
	StatusPending   MessageStatus = "pending"
	StatusFailed    MessageStatus = "failed"
)

// Message is one entry of the local ordered message list.
type Message struct {
	ID         MessageID     `json:"id,omitempty"`
	ClientID   string        `json:"clientId,omitempty"`
	Scope      Scope         `json:"scope"`
	Sender     Sender        `json:"sender"`
	Content    string        `json:"content,omitempty"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	ParentID   MessageID     `json:"parentId,omitempty"`
	ThreadID   string        `json:"threadId,omitempty"`
	ReplyCount int           `json:"replyCount"`
	Status     MessageStatus `json:"status"`
	SentAt     time.Time     `json:"sentAt,omitempty"`
}

// Pending reports whether the message is still waiting for its server echo.
func (m Message) Pending() bool { return m.Status == StatusPending }

// IsReply reports whether the message belongs to a thread.
func (m Message) IsReply() bool { return m.ParentID != "" }

// ============================================================================
// Wire Types
// ============================================================================

// wireSender is the sender object of the backend.
type wireSender struct {
	ID       flexString `json:"id"`
	Username string     `json:"username"`
}

// wireMessage is the message shape shared by push events and REST responses.
type wireMessage struct {
	Type            string          `json:"type,omitempty"`
	ID              MessageID       `json:"id"`
	MessageID       MessageID       `json:"message_id,omitempty"`
	Content         string          `json:"content"`
	Sender          *wireSender     `json:"sender"`
	Timestamp       json.RawMessage `json:"timestamp"`
	FileURL         string          `json:"file_url,omitempty"`
	FileType        string          `json:"file_type,omitempty"`
	FileName        string          `json:"file_name,omitempty"`
	FileSize        json.Number     `json:"file_size,omitempty"`
	ParentMessageID MessageID       `json:"parent_message_id,omitempty"`
	ThreadID        flexString      `json:"thread_id,omitempty"`
	RepliesCount    int             `json:"replies_count,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// toMessage converts a wire message into a confirmed local Message.
func (w *wireMessage) toMessage(scope Scope) Message {
	m := Message{
		ID:         w.ID,
		Scope:      scope,
		Content:    w.Content,
		ParentID:   w.ParentMessageID,
		ThreadID:   string(w.ThreadID),
		ReplyCount: w.RepliesCount,
		Status:     StatusConfirmed,
	}
	if w.Sender != nil {
		m.Sender = Sender{ID: string(w.Sender.ID), Username: w.Sender.Username}
	}
	if ts, ok := normalizeRaw(w.Timestamp); ok {
		m.Timestamp = ts
	}
	if w.FileURL != "" {
		size, _ := strconv.ParseInt(w.FileSize.String(), 10, 64)
		m.Attachment = &Attachment{URL: w.FileURL, Type: w.FileType, Name: w.FileName, Size: size}
	}
	return m
}

// normalizeRaw runs a raw JSON timestamp through NormalizeTimestamp,
// keeping large integers exact.
func normalizeRaw(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, false
	}
	return NormalizeTimestamp(v)
}

// HistoryResponse is the body of GET <scope>/messages/.
type HistoryResponse struct {
	Messages []Message
}

// ThreadInfo describes a thread on the backend.
type ThreadInfo struct {
	ID              string    `json:"id"`
	ParentMessageID MessageID `json:"parentMessageId,omitempty"`
	RepliesCount    int       `json:"repliesCount"`
}

// ThreadResponse is the body of GET <scope>/threads/<id>/.
type ThreadResponse struct {
	Thread  ThreadInfo
	Parent  Message
	Replies []Message
}

// UploadResult is the storage descriptor returned by the upload endpoint.
// The chat message itself arrives later through the socket broadcast.
type UploadResult struct {
	ID         MessageID `json:"id,omitempty"`
	Attachment Attachment
}

// OutboundMessage is the socket payload for a plain text send.
type OutboundMessage struct {
	Content string    `json:"content"`
	ReplyTo MessageID `json:"reply_to,omitempty"`
}

// FileUpload is an attachment to be sent through the upload endpoint.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}
