package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lockerlink/livelink/internal/version"
)

// Client is the WebSocket transport for the device channel.
type Client interface {
	// Connect opens the channel at path, authenticating with the current
	// access token. Any previous socket is closed first.
	Connect(ctx context.Context, path string) error

	// Disconnect closes the channel intentionally. Safe to call repeatedly.
	Disconnect() error

	// Send JSON-encodes payload and writes it if the channel is open.
	Send(payload any) bool

	// On registers the handler for a message type; WildcardType matches all.
	On(msgType string, h Handler)

	// Off removes the handler for a message type.
	Off(msgType string)

	// OnClose registers a callback for closes the client did not initiate.
	OnClose(fn func(error))

	// IsConnected reports whether the channel is open.
	IsConnected() bool

	// State returns the socket's ready state.
	State() ReadyState

	// Token returns the access token the open channel authenticated with,
	// or "" when no channel is open.
	Token() string

	// Stats returns transport counters.
	Stats() ClientStats
}

// TokenProvider returns the access token to present on connect.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	tokens TokenProvider
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	conn        *websocket.Conn
	done        chan struct{} // closed when conn is torn down
	ready       ReadyState
	gen         uint64 // bumped by Connect and Disconnect
	path        string
	token       string // token presented by the open channel
	lastPingAt  time.Time
	handlers    map[string]Handler
	onClose     func(error)
	retries     int
	retryTimer  *time.Timer

	received    atomic.Int64
	parseErrors atomic.Int64
	opens       atomic.Int64
	drops       atomic.Int64
}

// NewClient creates a new WebSocket client.
func NewClient(cfg ClientConfig, tokens TokenProvider, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultClientConfig()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Standalone && cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}

	return &client{
		cfg:      cfg,
		tokens:   tokens,
		logger:   logger.With("component", "transport"),
		handlers: make(map[string]Handler),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context, path string) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoToken, err)
	}
	if token == "" {
		return ErrNoToken
	}

	target, err := channelURL(c.cfg.URL, path, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.path = path
	c.stopRetryLocked()
	old := c.detachLocked()
	c.ready = ReadyConnecting
	c.mu.Unlock()

	if old != nil {
		c.closeConn(old)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", version.UserAgent())

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.ready = ReadyClosed
		}
		c.mu.Unlock()

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthRejectedError{StatusCode: resp.StatusCode}
		}
		return &TransientError{Err: err}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return &TransientError{Err: ErrConnectAborted}
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.token = token
	c.ready = ReadyOpen
	c.retries = 0
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	c.opens.Add(1)

	// Server pings keep the connection fresh; answer with a pong.
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop(conn)
	go c.heartbeatLoop(conn, done)

	c.logger.Info("websocket connected", "path", path)

	return nil
}

// Disconnect gracefully closes the connection.
func (c *client) Disconnect() error {
	c.mu.Lock()
	c.gen++
	c.stopRetryLocked()
	conn := c.detachLocked()
	if conn != nil {
		c.ready = ReadyClosing
	} else {
		c.ready = ReadyClosed
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := c.closeConn(conn)

	c.mu.Lock()
	if c.conn == nil {
		c.ready = ReadyClosed
	}
	c.mu.Unlock()

	c.logger.Info("websocket disconnected")
	return err
}

// Send writes a JSON payload to the connection.
func (c *client) Send(payload any) bool {
	c.mu.RLock()
	conn := c.conn
	open := c.ready == ReadyOpen
	c.mu.RUnlock()

	if conn == nil || !open {
		c.logger.Warn("send skipped, not connected")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encode outgoing message", "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("send failed", "error", err)
		return false
	}
	return true
}

func (c *client) On(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

func (c *client) Off(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, msgType)
}

func (c *client) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	return c.State() == ReadyOpen
}

func (c *client) State() ReadyState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

func (c *client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *client) Stats() ClientStats {
	return ClientStats{
		MessagesReceived: c.received.Load(),
		ParseErrors:      c.parseErrors.Load(),
		Opens:            c.opens.Load(),
		UnexpectedCloses: c.drops.Load(),
	}
}

// readLoop reads frames until the socket fails and dispatches them in order.
func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			c.lost(conn, err)
			return
		}

		c.received.Add(1)
		c.touch()

		msg, err := ParseMessage(data, receivedAt)
		if err != nil {
			c.parseErrors.Add(1)
			c.logger.Warn("dropping message", "error", err, "size", len(data))
			continue
		}

		c.dispatch(msg)
	}
}

// dispatch calls the type handler, then the wildcard handler.
func (c *client) dispatch(msg Message) {
	c.mu.RLock()
	specific := c.handlers[msg.Type]
	wildcard := c.handlers[WildcardType]
	c.mu.RUnlock()

	if specific != nil {
		specific(msg)
	}
	if wildcard != nil {
		wildcard(msg)
	}
}

// heartbeatLoop pings the server and detects stale connections.
func (c *client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.lost(conn, ErrStaleConnection)
				return
			}
		}
	}
}

// lost handles a socket that failed underneath us. Only the first report for
// the current socket counts; intentional closes never get here because
// Disconnect detaches the socket first.
func (c *client) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.ready = ReadyClosed
	onClose := c.onClose
	c.mu.Unlock()

	conn.Close()
	c.drops.Add(1)

	c.logger.Warn("websocket closed unexpectedly", "error", cause)

	if c.cfg.Standalone {
		c.scheduleRetry()
	}
	if onClose != nil {
		onClose(&TransientError{Err: cause})
	}
}

// scheduleRetry arms the standalone reconnect timer.
func (c *client) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retries >= c.cfg.MaxRetries {
		c.logger.Error("giving up reconnecting", "attempts", c.retries)
		return
	}
	c.retries++
	attempt := c.retries
	gen := c.gen
	path := c.path

	c.logger.Info("scheduling reconnect", "attempt", attempt, "in", c.cfg.RetryInterval)

	c.retryTimer = time.AfterFunc(c.cfg.RetryInterval, func() {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		err := c.Connect(context.Background(), path)
		if err == nil {
			return
		}

		var rejected *AuthRejectedError
		if errors.As(err, &rejected) || errors.Is(err, ErrNoToken) {
			c.logger.Error("reconnect rejected, not retrying", "error", err)
			return
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		c.scheduleRetry()
	})
}

// detachLocked removes the current socket from the client and signals its
// loops to stop. Caller holds mu.
func (c *client) detachLocked() *websocket.Conn {
	conn := c.conn
	if c.done != nil {
		close(c.done)
	}
	c.conn = nil
	c.done = nil
	c.token = ""
	return conn
}

func (c *client) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// closeConn sends a normal close frame and closes the socket.
func (c *client) closeConn(conn *websocket.Conn) error {
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// channelURL builds <base><path>?token=<token>.
func channelURL(base, path, token string) (string, error) {
	u, err := url.Parse(base + path)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
