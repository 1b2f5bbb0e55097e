package converge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionStatus is the connection status shown to the user.
type SessionStatus string

const (
	Connecting SessionStatus = "connecting"
	Online     SessionStatus = "online"
	Offline    SessionStatus = "offline"
)

// EventKind names a Session event.
type EventKind string

const (
	EventMessageAppended EventKind = "message.appended"
	EventMessageReplaced EventKind = "message.replaced"
	EventMessageDeleted  EventKind = "message.deleted"
	EventMessageFailed   EventKind = "message.failed"
	EventThreadUpdated   EventKind = "thread.updated"
	EventStatusChanged   EventKind = "status.changed"
	EventError           EventKind = "error"
)

// Event is delivered to OnEvent handlers. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind    EventKind
	Message Message
	Thread  ThreadView
	Status  SessionStatus
	Err     error
}

// SessionOptions configures a Session. The zero value supports reading and
// text sends; SendFile needs Self.ID.
type SessionOptions struct {
	Realtime *RealtimeConfig
	// Store persists confirmed messages. Nil keeps everything in memory.
	Store MessageStore
	// Self is the local user. Optimistic entries carry it as sender, and
	// their echo is matched on its ID, so SendFile fails with ErrNoSelf
	// while Self.ID is empty.
	Self Sender
	// PendingTimeout marks optimistic entries without an echo as failed.
	// Default 30s; negative disables expiry.
	PendingTimeout time.Duration
	// SearchDebounce delays Search until input settles. Default 300ms.
	SearchDebounce time.Duration
	SearchLimit    int
	HistoryLimit   int
}

func (o *SessionOptions) defaults() {
	if o.PendingTimeout == 0 {
		o.PendingTimeout = 30 * time.Second
	}
	if o.SearchDebounce <= 0 {
		o.SearchDebounce = 300 * time.Millisecond
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 50
	}
}

// Session binds one chat scope to its connection, message list and thread
// overlay. Project and individual chats share this type; only the scope
// differs.
type Session struct {
	client  *Client
	scope   Scope
	opts    SessionOptions
	log     zerolog.Logger
	metrics *Metrics

	conn       *ChatConn
	dispatcher *Dispatcher
	thread     *ThreadOverlay
	events     sessionEmitter

	mu          sync.Mutex
	list        *Reconciler
	status      SessionStatus
	searchTimer *time.Timer
	searchGen   uint64
	stopExpiry  chan struct{}
	expiryDone  chan struct{}
	closed      bool
	now         func() time.Time
}

// NewSession creates a session for scope. Call Open to load history and
// connect, and Close when done.
func NewSession(client *Client, scope Scope, opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	log := client.log.With().Str("component", "session").Str("scope", scope.String()).Logger()
	s := &Session{
		client:  client,
		scope:   scope,
		opts:    o,
		log:     log,
		metrics: client.metrics,
		thread:  NewThreadOverlay(),
		events:  sessionEmitter{log: log},
		list:    NewReconciler(),
		status:  Offline,
		now:     time.Now,
	}
	s.conn = client.Realtime.Conn(scope, o.Realtime)
	s.dispatcher = NewDispatcher(s.conn, client.Files, log, client.metrics)

	s.conn.OnConnected(func() { s.setStatus(Online) })
	s.conn.OnDisconnected(func(code int, reason string) { s.setStatus(Offline) })
	s.conn.OnError(func(err error) { s.events.emit(Event{Kind: EventError, Err: err}) })
	s.conn.OnReconnecting(func(attempt int, delay time.Duration) {
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	})
	s.conn.OnMessage(s.handlePush)
	return s
}

// OnEvent registers an event handler. Handlers run synchronously; a
// panicking handler is logged and skipped.
func (s *Session) OnEvent(h func(Event)) {
	s.events.on(h)
}

// Scope returns the chat scope.
func (s *Session) Scope() Scope { return s.scope }

// Conn returns the underlying connection.
func (s *Session) Conn() *ChatConn { return s.conn }

// Status returns the current connection status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a snapshot of the ordered message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Messages()
}

// Thread returns a snapshot of the thread overlay.
func (s *Session) Thread() ThreadView { return s.thread.View() }

// Open seeds the list from the store and the history endpoint, then
// connects. A history failure is reported as an error event and does not
// prevent connecting.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	s.mu.Unlock()
	s.setStatus(Connecting)

	if s.opts.Store != nil {
		cached, err := s.opts.Store.Messages(s.scope, s.opts.HistoryLimit)
		if err != nil {
			s.log.Warn().Err(err).Msg("read cached messages")
		} else {
			s.mu.Lock()
			s.list.Load(cached)
			s.mu.Unlock()
		}
	}

	history, err := s.client.Messages.History(ctx, s.scope, &HistoryOptions{Limit: s.opts.HistoryLimit})
	if err != nil {
		s.log.Warn().Err(err).Msg("load history")
		s.events.emit(Event{Kind: EventError, Err: fmt.Errorf("load history: %w", err)})
	} else {
		s.mu.Lock()
		n := s.list.Load(history)
		s.mu.Unlock()
		s.persist(history...)
		s.log.Debug().Int("messages", len(history)).Int("new", n).Msg("history loaded")
	}

	s.startExpiry()

	if err := s.conn.Open(ctx); err != nil {
		s.setStatus(Offline)
		return err
	}
	return nil
}

// Close tears the session down: the connection is closed normally and the
// pending retry, debounced search and expiry timers are cancelled. It is
// idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.searchGen++
	if s.searchTimer != nil {
		s.searchTimer.Stop()
		s.searchTimer = nil
	}
	stop, done := s.stopExpiry, s.expiryDone
	s.stopExpiry, s.expiryDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	err := s.conn.Close()
	s.thread.Close()
	s.setStatus(Offline)
	return err
}

// ============================================================================
// Sending
// ============================================================================

// Send writes a text message to the socket. Nothing is added to the list;
// the message appears when the server broadcasts it.
func (s *Session) Send(ctx context.Context, body string) error {
	_, err := s.dispatcher.Send(ctx, s.scope, body, "", nil)
	return err
}

// Reply sends body as a reply to parentID.
func (s *Session) Reply(ctx context.Context, parentID MessageID, body string) error {
	if !s.knows(parentID) {
		return fmt.Errorf("reply to %s: %w", parentID, ErrNoMessage)
	}
	_, err := s.dispatcher.Send(ctx, s.scope, body, parentID, nil)
	return err
}

// SendFile uploads file with an optional body. A pending entry is shown
// until the broadcast echo replaces it; it fails at once if the upload
// fails. A nil file sends body as text.
func (s *Session) SendFile(ctx context.Context, body string, file *FileUpload) error {
	if file == nil {
		return s.Send(ctx, body)
	}
	if s.opts.Self.ID == "" {
		return ErrNoSelf
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	s.mu.Lock()
	pending := s.list.AddPending(Message{
		Scope:      s.scope,
		Sender:     s.opts.Self,
		Content:    body,
		Attachment: &Attachment{Name: filepath.Base(file.Name), Type: mimeType, Size: int64(len(file.Data))},
	})
	s.mu.Unlock()
	s.events.emit(Event{Kind: EventMessageAppended, Message: pending})

	if _, err := s.dispatcher.Send(ctx, s.scope, body, "", file); err != nil {
		s.mu.Lock()
		failed, ok := s.list.MarkFailed(pending.ClientID)
		s.mu.Unlock()
		if ok {
			s.events.emit(Event{Kind: EventMessageFailed, Message: failed, Err: err})
		}
		return err
	}
	return nil
}

func (s *Session) knows(id MessageID) bool {
	if id == "" {
		return false
	}
	if s.thread.ParentID() == id {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.list.Get(id)
	return ok
}

// ============================================================================
// Threads
// ============================================================================

// OpenThread focuses the thread of parentID. When the fetch fails the
// overlay stays open in the error state and the error is returned.
func (s *Session) OpenThread(ctx context.Context, parentID MessageID) error {
	s.mu.Lock()
	parent, ok := s.list.Get(parentID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("open thread %s: %w", parentID, ErrNoMessage)
	}
	err := s.thread.Open(ctx, parent, s.client.Threads)
	s.events.emit(Event{Kind: EventThreadUpdated, Thread: s.thread.View(), Err: err})
	return err
}

// CloseThread discards the thread overlay.
func (s *Session) CloseThread() {
	s.thread.Close()
	s.events.emit(Event{Kind: EventThreadUpdated, Thread: s.thread.View()})
}

// ============================================================================
// Search
// ============================================================================

// Search looks up query in the local messages once input has been quiet
// for the debounce delay. A newer call supersedes a pending one; fn is
// called from a timer goroutine.
func (s *Session) Search(query string, fn func([]Message, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.searchTimer != nil {
		s.searchTimer.Stop()
	}
	s.searchGen++
	gen := s.searchGen
	s.searchTimer = time.AfterFunc(s.opts.SearchDebounce, func() { s.runSearch(gen, query, fn) })
}

func (s *Session) runSearch(gen uint64, query string, fn func([]Message, error)) {
	s.mu.Lock()
	if s.closed || gen != s.searchGen {
		s.mu.Unlock()
		return
	}
	s.searchTimer = nil
	var local []Message
	if s.opts.Store == nil {
		local = s.list.Messages()
	}
	s.mu.Unlock()

	query = strings.TrimSpace(query)
	if query == "" {
		fn(nil, nil)
		return
	}
	if s.opts.Store != nil {
		fn(s.opts.Store.Search(s.scope, query, s.opts.SearchLimit))
		return
	}

	q := strings.ToLower(query)
	var out []Message
	for _, m := range local {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
			if len(out) >= s.opts.SearchLimit {
				break
			}
		}
	}
	fn(out, nil)
}

// ============================================================================
// Inbound
// ============================================================================

func (s *Session) handlePush(data []byte) {
	ev, err := DecodePush(s.scope, data)
	if err != nil {
		s.metrics.observeParseFailure()
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push")
		return
	}

	switch ev.Type {
	case PushChatMessage, PushThreadMessage:
		if ev.Message.IsReply() {
			s.ingestReply(ev.Message)
		} else {
			s.ingest(ev.Message)
		}
	case PushMessageDeleted:
		s.remove(ev.DeletedID)
	case PushConnectionEstablished:
		s.log.Debug().Str("info", ev.Info).Msg("connection established")
	default:
		s.log.Debug().Str("type", string(ev.Type)).Msg("ignoring push")
	}
}

func (s *Session) ingest(m Message) {
	s.mu.Lock()
	res := s.list.Ingest(m)
	stored, _ := s.list.Get(m.ID)
	s.mu.Unlock()

	s.metrics.observeIngest(res)
	switch res {
	case Duplicate:
		return
	case Replaced:
		s.persist(stored)
		s.events.emit(Event{Kind: EventMessageReplaced, Message: stored})
	case Appended:
		s.persist(stored)
		s.events.emit(Event{Kind: EventMessageAppended, Message: stored})
	}
}

// ingestReply applies a thread reply: it joins the open thread when it
// belongs there, and the parent's reply count in the main list grows once.
func (s *Session) ingestReply(m Message) {
	s.mu.Lock()
	_, known := s.list.Get(m.ParentID)
	parent, bumped := s.list.IncrementReplies(m.ParentID, m.ID)
	if bumped && m.ThreadID != "" && parent.ThreadID == "" {
		s.list.SetThreadID(parent.ID, m.ThreadID)
		parent.ThreadID = m.ThreadID
	}
	s.mu.Unlock()

	accepted := s.thread.Accept(m)
	if !known && !accepted {
		s.log.Debug().Str("id", string(m.ID)).Str("parent", string(m.ParentID)).Msg("dropping reply to unknown parent")
		return
	}
	if bumped {
		s.thread.SyncParent(parent)
		s.persist(parent)
		s.events.emit(Event{Kind: EventMessageReplaced, Message: parent})
	}
	if accepted || bumped {
		s.events.emit(Event{Kind: EventThreadUpdated, Message: m, Thread: s.thread.View()})
	}
}

func (s *Session) remove(id MessageID) {
	s.mu.Lock()
	m, _ := s.list.Get(id)
	removed := s.list.Remove(id)
	s.mu.Unlock()
	if !removed {
		return
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.DeleteMessage(s.scope, id); err != nil {
			s.log.Warn().Err(err).Str("id", string(id)).Msg("delete cached message")
		}
	}
	s.events.emit(Event{Kind: EventMessageDeleted, Message: m})
}

func (s *Session) persist(msgs ...Message) {
	if s.opts.Store == nil || len(msgs) == 0 {
		return
	}
	if err := s.opts.Store.PutMessages(s.scope, msgs); err != nil {
		s.log.Warn().Err(err).Int("messages", len(msgs)).Msg("cache messages")
	}
}

func (s *Session) setStatus(st SessionStatus) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.log.Debug().Str("status", string(st)).Msg("status changed")
	s.events.emit(Event{Kind: EventStatusChanged, Status: st})
}

// ============================================================================
// Pending expiry
// ============================================================================

func (s *Session) startExpiry() {
	if s.opts.PendingTimeout < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopExpiry != nil {
		return
	}
	s.stopExpiry = make(chan struct{})
	s.expiryDone = make(chan struct{})
	go s.expiryLoop(s.stopExpiry, s.expiryDone)
}

func (s *Session) expiryLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := s.opts.PendingTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.expirePending()
		}
	}
}

func (s *Session) expirePending() {
	s.mu.Lock()
	expired := s.list.ExpirePending(s.now(), s.opts.PendingTimeout)
	s.mu.Unlock()

	s.metrics.observeExpired(len(expired))
	for _, m := range expired {
		s.log.Warn().Str("client_id", m.ClientID).Msg("message not sent")
		s.events.emit(Event{Kind: EventMessageFailed, Message: m})
	}
}

// ============================================================================
// Event Emitter
// ============================================================================

type sessionEmitter struct {
	mu       sync.RWMutex
	log      zerolog.Logger
	handlers []func(Event)
}

func (e *sessionEmitter) on(h func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *sessionEmitter) emit(ev Event) {
	e.mu.RLock()
	handlers := append([]func(Event){}, e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
