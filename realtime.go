package converge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultReconnectDelay is the fixed delay before the single retry that
// follows an abnormal closure.
const DefaultReconnectDelay = 3 * time.Second

// RealtimeConfig configures a chat connection.
type RealtimeConfig struct {
	Token string

	// ReconnectDelay is fixed; there is no backoff.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts caps consecutive failed retries. Zero means
	// unlimited.
	MaxReconnectAttempts int

	// HeartbeatInterval is the ping period. Negative disables heartbeats.
	HeartbeatInterval time.Duration

	DialTimeout time.Duration
	ReadLimit   int64
	HTTPClient  *http.Client
	DialHeaders http.Header
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ConnState is the lifecycle state of a chat connection.
type ConnState string

const (
	ConnIdle           ConnState = "idle"
	ConnConnecting     ConnState = "connecting"
	ConnOpen           ConnState = "open"
	ConnClosedNormal   ConnState = "closed-normal"
	ConnClosedAbnormal ConnState = "closed-abnormal-pending-retry"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type connEvents struct {
	mu             sync.RWMutex
	log            zerolog.Logger
	onConnected    []func()
	onDisconnected []func(int, string)
	onMessage      []func([]byte)
	onError        []func(error)
	onReconnecting []func(int, time.Duration)
}

// call runs a user handler, swallowing its panics.
func (e *connEvents) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("event", name).Msg("event handler panicked")
		}
	}()
	fn()
}

func (e *connEvents) emitConnected() {
	e.mu.RLock()
	handlers := append([]func(){}, e.onConnected...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call("connected", h)
	}
}

func (e *connEvents) emitDisconnected(code int, reason string) {
	e.mu.RLock()
	handlers := append([]func(int, string){}, e.onDisconnected...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call("disconnected", func() { h(code, reason) })
	}
}

func (e *connEvents) emitMessage(data []byte) {
	e.mu.RLock()
	handlers := append([]func([]byte){}, e.onMessage...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call("message", func() { h(data) })
	}
}

func (e *connEvents) emitError(err error) {
	e.mu.RLock()
	handlers := append([]func(error){}, e.onError...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call("error", func() { h(err) })
	}
}

func (e *connEvents) emitReconnecting(attempt int, delay time.Duration) {
	e.mu.RLock()
	handlers := append([]func(int, time.Duration){}, e.onReconnecting...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call("reconnecting", func() { h(attempt, delay) })
	}
}

// ============================================================================
// ChatConn
// ============================================================================

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

// ChatConn owns the single persistent connection of one chat scope.
//
// An abnormal closure schedules exactly one retry after a fixed delay; a
// deliberate Close never does and cancels a pending retry. Event handlers
// run synchronously on the read goroutine, in arrival order, and must not
// call Close themselves.
type ChatConn struct {
	scope   Scope
	baseURL string
	config  RealtimeConfig
	log     zerolog.Logger
	metrics *Metrics
	events  *connEvents

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	retry    stopper
	gen      uint64
	attempts int
	closed   bool

	afterFunc func(time.Duration, func()) stopper
	dial      func(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)
}

func newChatConn(baseURL string, scope Scope, cfg RealtimeConfig, log zerolog.Logger, metrics *Metrics) *ChatConn {
	cfg.defaults()
	l := log.With().Str("scope", scope.String()).Logger()
	return &ChatConn{
		scope:     scope,
		baseURL:   baseURL,
		config:    cfg,
		log:       l,
		metrics:   metrics,
		events:    &connEvents{log: l},
		state:     ConnIdle,
		afterFunc: realAfterFunc,
		dial:      websocket.Dial,
	}
}

// OnConnected registers a handler for successful opens.
func (c *ChatConn) OnConnected(h func()) {
	c.events.mu.Lock()
	c.events.onConnected = append(c.events.onConnected, h)
	c.events.mu.Unlock()
}

// OnDisconnected registers a handler for closures, deliberate or not.
func (c *ChatConn) OnDisconnected(h func(code int, reason string)) {
	c.events.mu.Lock()
	c.events.onDisconnected = append(c.events.onDisconnected, h)
	c.events.mu.Unlock()
}

// OnMessage registers a handler for raw inbound frames.
func (c *ChatConn) OnMessage(h func(data []byte)) {
	c.events.mu.Lock()
	c.events.onMessage = append(c.events.onMessage, h)
	c.events.mu.Unlock()
}

// OnError registers a handler for transport errors.
func (c *ChatConn) OnError(h func(err error)) {
	c.events.mu.Lock()
	c.events.onError = append(c.events.onError, h)
	c.events.mu.Unlock()
}

// OnReconnecting registers a handler called when a retry is scheduled.
func (c *ChatConn) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.events.mu.Lock()
	c.events.onReconnecting = append(c.events.onReconnecting, h)
	c.events.mu.Unlock()
}

// Scope returns the chat scope of the connection.
func (c *ChatConn) Scope() Scope { return c.scope }

// State returns the current connection state.
func (c *ChatConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether messages can be written.
func (c *ChatConn) IsOpen() bool { return c.State() == ConnOpen }

// RetryPending reports whether a reconnect timer is scheduled.
func (c *ChatConn) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

// URL returns the connection URL with the token redacted.
func (c *ChatConn) URL() string {
	return wsURL(c.baseURL, c.scope, "REDACTED")
}

func wsURL(baseURL string, scope Scope, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + scope.wsPath() + "?token=" + url.QueryEscape(token)
}

// Open establishes the connection, closing a live one first.
// A dial failure is returned and also treated as an abnormal closure.
func (c *ChatConn) Open(ctx context.Context) error {
	if c.config.Token == "" {
		return ErrNoToken
	}
	if err := c.scope.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.closed = false
	c.attempts = 0
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *ChatConn) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.stopRetryLocked()
	old, oldCancel := c.conn, c.cancelFn
	c.conn, c.cancelFn = nil, nil
	c.gen++
	gen := c.gen
	c.setStateLocked(ConnConnecting)
	c.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}
	if oldCancel != nil {
		oldCancel()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	c.log.Debug().Str("url", c.URL()).Msg("dialing")
	conn, _, err := c.dial(dialCtx, wsURL(c.baseURL, c.scope, c.config.Token), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: c.config.DialHeaders,
	})
	if err != nil {
		err = fmt.Errorf("websocket dial: %w", err)
		c.handleLoss(gen, websocket.StatusAbnormalClosure, err)
		return err
	}
	conn.SetReadLimit(c.config.ReadLimit)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrNotConnected
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelFn = connCancel
	c.attempts = 0
	c.setStateLocked(ConnOpen)
	c.mu.Unlock()

	c.log.Info().Msg("connected")
	c.events.emitConnected()

	go c.readLoop(connCtx, conn, gen)
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, conn, gen)
	}
	return nil
}

// Close terminates the connection with the normal-closure code and cancels
// any pending retry.
func (c *ChatConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.stopRetryLocked()
	conn, cancel := c.conn, c.cancelFn
	c.conn, c.cancelFn = nil, nil
	if c.state != ConnIdle {
		c.setStateLocked(ConnClosedNormal)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closed")
	if cancel != nil {
		cancel()
	}
	c.log.Info().Msg("closed")
	c.events.emitDisconnected(int(websocket.StatusNormalClosure), "client closed")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	return err
}

// SendJSON writes v as a text frame.
func (c *ChatConn) SendJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == ConnOpen
	c.mu.Unlock()
	if conn == nil || !open {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, v); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *ChatConn) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleLoss(gen, websocket.CloseStatus(err), err)
			return
		}
		c.mu.Lock()
		current := gen == c.gen
		c.mu.Unlock()
		if !current {
			return
		}
		c.events.emitMessage(data)
	}
}

func (c *ChatConn) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			c.mu.Lock()
			current := gen == c.gen && !c.closed
			c.mu.Unlock()
			if current {
				c.log.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			}
			return
		}
	}
}

// handleLoss handles the end of connection generation gen. Losses of
// superseded generations and deliberate closes are ignored.
func (c *ChatConn) handleLoss(gen uint64, code websocket.StatusCode, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.retry != nil {
		c.mu.Unlock()
		return
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.conn = nil

	if code == websocket.StatusNormalClosure {
		c.setStateLocked(ConnClosedNormal)
		c.mu.Unlock()
		c.log.Info().Msg("server closed connection")
		c.events.emitDisconnected(int(code), "server closed")
		return
	}

	if code < 0 {
		code = websocket.StatusAbnormalClosure
	}
	c.setStateLocked(ConnClosedAbnormal)
	attempt, scheduled := c.scheduleRetryLocked(gen)
	c.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	c.log.Warn().Int("code", int(code)).Str("reason", reason).Msg("connection lost")
	c.events.emitDisconnected(int(code), reason)
	if cause != nil {
		c.events.emitError(cause)
	}
	if scheduled {
		c.events.emitReconnecting(attempt, c.config.ReconnectDelay)
	} else {
		c.log.Error().Int("attempts", c.config.MaxReconnectAttempts).Msg("giving up reconnecting")
	}
}

// scheduleRetryLocked arms the single retry timer.
func (c *ChatConn) scheduleRetryLocked(gen uint64) (int, bool) {
	if c.retry != nil {
		return c.attempts, true
	}
	if c.config.MaxReconnectAttempts > 0 && c.attempts >= c.config.MaxReconnectAttempts {
		return c.attempts, false
	}
	c.attempts++
	c.retry = c.afterFunc(c.config.ReconnectDelay, func() { c.fireRetry(gen) })
	c.metrics.observeReconnect()
	return c.attempts, true
}

func (c *ChatConn) fireRetry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.retry == nil {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.mu.Unlock()

	if err := c.connect(context.Background()); err != nil {
		c.log.Debug().Err(err).Msg("reconnect failed")
	}
}

func (c *ChatConn) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *ChatConn) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	if c.state == ConnOpen {
		c.metrics.connectionClosed()
	}
	if s == ConnOpen {
		c.metrics.connectionOpened()
	}
	c.state = s
}
