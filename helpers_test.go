package converge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token-123"

var testScope = ProjectScope("1")

// ============================================================================
// Fake backend
// ============================================================================

type fakeUpload struct {
	Content     string
	FileName    string
	ContentType string
	Size        int
}

// fakeBackend serves the chat REST endpoints and the chat socket.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	history       []map[string]any
	historyStatus int
	threads       map[string]any
	threadStatus  int
	uploadStatus  int
	uploadReply   any
	uploads       []fakeUpload
	conns         []*websocket.Conn
	wsAttempts    int
	rejectWS      bool

	connected chan *websocket.Conn
	frames    chan []byte
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:             t,
		historyStatus: http.StatusOK,
		threads:       make(map[string]any),
		threadStatus:  http.StatusOK,
		uploadStatus:  http.StatusCreated,
		connected:     make(chan *websocket.Conn, 16),
		frames:        make(chan []byte, 64),
	}

	r := chi.NewRouter()
	r.Route("/api/chat/{kind}/{id}", func(r chi.Router) {
		r.Use(b.auth)
		r.Get("/messages/", b.handleHistory)
		r.Get("/threads/{threadID}/", b.handleThread)
		r.Post("/upload/", b.handleUpload)
	})
	r.Get("/ws/chat/{kind}/{id}/", b.handleWS)

	b.srv = httptest.NewServer(r)
	t.Cleanup(b.srv.Close)
	t.Cleanup(b.closeAll)
	return b
}

func (b *fakeBackend) client(opts ...ClientOption) *Client {
	return NewClient(testToken, append([]ClientOption{WithBaseURL(b.srv.URL)}, opts...)...)
}

func (b *fakeBackend) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status, msgs := b.historyStatus, b.history
	b.mu.Unlock()
	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"error": "history unavailable"})
		return
	}
	if msgs == nil {
		msgs = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (b *fakeBackend) handleThread(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status := b.threadStatus
	body, ok := b.threads[chi.URLParam(r, "threadID")]
	b.mu.Unlock()
	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"error": "thread unavailable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Thread not found"})
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (b *fakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	up := fakeUpload{Content: r.FormValue("content")}
	if f, h, err := r.FormFile("file"); err == nil {
		data, _ := io.ReadAll(f)
		f.Close()
		up.FileName = h.Filename
		up.ContentType = h.Header.Get("Content-Type")
		up.Size = len(data)
	}

	b.mu.Lock()
	b.uploads = append(b.uploads, up)
	status, reply := b.uploadStatus, b.uploadReply
	b.mu.Unlock()

	if reply == nil {
		reply = map[string]any{
			"id":        99,
			"file_url":  "https://cdn.example.com/" + up.FileName,
			"file_type": up.ContentType,
			"file_name": up.FileName,
			"file_size": up.Size,
		}
	}
	writeJSON(w, status, reply)
}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.wsAttempts++
	reject := b.rejectWS
	b.mu.Unlock()
	if reject || r.URL.Query().Get("token") != testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	b.connected <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.frames <- data
	}
}

func (b *fakeBackend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
}

func (b *fakeBackend) recordedUploads() []fakeUpload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeUpload(nil), b.uploads...)
}

func (b *fakeBackend) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsAttempts
}

func (b *fakeBackend) waitConn() *websocket.Conn {
	b.t.Helper()
	select {
	case c := <-b.connected:
		return c
	case <-time.After(3 * time.Second):
		b.t.Fatal("timed out waiting for a socket connection")
		return nil
	}
}

func (b *fakeBackend) waitFrame() map[string]any {
	b.t.Helper()
	select {
	case data := <-b.frames:
		var v map[string]any
		require.NoError(b.t, json.Unmarshal(data, &v))
		return v
	case <-time.After(3 * time.Second):
		b.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (b *fakeBackend) push(conn *websocket.Conn, v any) {
	b.t.Helper()
	require.NoError(b.t, conn.WriteJSON(v))
}

func (b *fakeBackend) pushRaw(conn *websocket.Conn, raw string) {
	b.t.Helper()
	require.NoError(b.t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// closeWith sends a close frame with code and drops the connection.
func (b *fakeBackend) closeWith(conn *websocket.Conn, code int, reason string) {
	b.t.Helper()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Payload builders
// ============================================================================

func wireMsg(id any, senderID, content string, ts any) map[string]any {
	return map[string]any{
		"type":      "chat_message",
		"id":        id,
		"content":   content,
		"sender":    map[string]any{"id": senderID, "username": "user" + senderID},
		"timestamp": ts,
	}
}

func wireReply(id any, parentID any, threadID any, senderID, content string) map[string]any {
	m := wireMsg(id, senderID, content, 1700000100)
	m["parent_message_id"] = parentID
	m["thread_id"] = threadID
	return m
}

// ============================================================================
// Fake clock
// ============================================================================

type fakeTimer struct {
	c       *fakeClock
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) scheduled() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fire runs the most recent timer as if it had expired.
func (c *fakeClock) fire() {
	c.mu.Lock()
	t := c.timers[len(c.timers)-1]
	t.stopped = true
	c.mu.Unlock()
	t.f()
}
