// Package wsc maintains one outbound WebSocket connection with the
// lifecycle every adapter shares: dial on start, dispatch frames to
// callbacks by type, and redial when the socket drops. A periodic health
// check on the scheduler catches silent failures; reconnect attempts are
// serialized by a TryLock so overlapping checks cannot double-dial.
package wsc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quantd/internal/metrics"
	"quantd/internal/scheduler"
)

const (
	defaultCheckConnInterval = 10 // seconds
	writeTimeout             = 10 * time.Second
)

// Config describes one connection.
type Config struct {
	URL   string
	Name  string // label for logs and metrics
	Proxy string

	// CheckConnInterval is the health-check period in seconds.
	// Zero means the 10 s default.
	CheckConnInterval int

	// ConnectedCallback fires once per successful handshake, on its own
	// goroutine so it may block (REST snapshots, login frames).
	ConnectedCallback func()

	// ProcessCallback receives text frames; ProcessBinaryCallback receives
	// binary frames. Both run on the read loop, so per-connection ordering
	// is preserved.
	ProcessCallback       func([]byte)
	ProcessBinaryCallback func([]byte)
}

// Conn is a self-healing WebSocket connection.
type Conn struct {
	cfg    Config
	sched  *scheduler.Scheduler
	logger *slog.Logger

	connMu sync.Mutex // guards conn pointer and writes
	conn   *websocket.Conn

	reconnectMu sync.Mutex // held for the duration of a reconnect attempt

	healthTask string
}

// New constructs a connection. Start must be called to dial.
func New(cfg Config, sched *scheduler.Scheduler, logger *slog.Logger) *Conn {
	if cfg.CheckConnInterval <= 0 {
		cfg.CheckConnInterval = defaultCheckConnInterval
	}
	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}
	return &Conn{
		cfg:    cfg,
		sched:  sched,
		logger: logger.With("component", "websocket", "name", name),
	}
}

// Start registers the health-check loop and launches the initial dial.
func (c *Conn) Start(ctx context.Context) {
	c.healthTask = c.sched.Register(c.checkConnection, c.cfg.CheckConnInterval)
	go c.connect(ctx)
}

// Stop unregisters the health check and closes the socket.
func (c *Conn) Stop() {
	if c.healthTask != "" {
		c.sched.Unregister(c.healthTask)
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// connect dials the endpoint. Failures are logged; the health check
// retries on its next pass.
func (c *Conn) connect(ctx context.Context) {
	c.logger.Info("connecting", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}
	if c.cfg.Proxy != "" {
		proxyURL, err := url.Parse(c.cfg.Proxy)
		if err != nil {
			c.logger.Error("bad proxy url", "proxy", c.cfg.Proxy, "error", err)
			return
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Error("connect to websocket server error", "url", c.cfg.URL, "error", err)
		return
	}

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.Info("websocket connected")

	if c.cfg.ConnectedCallback != nil {
		go c.cfg.ConnectedCallback()
	}
	go c.readLoop(ctx, conn)
}

// reconnect dials again unless another attempt is already underway.
func (c *Conn) reconnect(ctx context.Context) {
	if !c.reconnectMu.TryLock() {
		return
	}
	defer c.reconnectMu.Unlock()

	c.logger.Warn("reconnecting to websocket server right now", "url", c.cfg.URL)
	metrics.WSReconnects.WithLabelValues(c.cfg.Name).Inc()
	c.connect(ctx)
}

// checkConnection runs on the scheduler and redials when the socket is
// down.
func (c *Conn) checkConnection(ctx context.Context, taskID string, count uint64) {
	c.connMu.Lock()
	connected := c.conn != nil
	c.connMu.Unlock()
	if connected {
		return
	}
	c.logger.Warn("websocket connection not connected yet")
	c.reconnect(ctx)
}

// readLoop dispatches frames until the connection drops, then schedules a
// reconnect.
func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket connection lost", "error", err)
			go c.reconnect(ctx)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			metrics.WSMessages.WithLabelValues(c.cfg.Name, "text").Inc()
			if c.cfg.ProcessCallback != nil {
				c.cfg.ProcessCallback(data)
			}
		case websocket.BinaryMessage:
			metrics.WSMessages.WithLabelValues(c.cfg.Name, "binary").Inc()
			if c.cfg.ProcessBinaryCallback != nil {
				c.cfg.ProcessBinaryCallback(data)
			}
		}
	}
}

// drop closes conn and clears the pointer if it is still current.
func (c *Conn) drop(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}

// Send writes v to the socket: strings go as text frames, anything else is
// marshalled to JSON. Fails when the socket is not open.
func (c *Conn) Send(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	switch data := v.(type) {
	case string:
		return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
	case []byte:
		return c.conn.WriteMessage(websocket.TextMessage, data)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal ws message: %w", err)
		}
		return c.conn.WriteMessage(websocket.TextMessage, b)
	}
}

// Ping sends a ping control frame.
func (c *Conn) Ping() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Pong sends a pong control frame.
func (c *Conn) Pong() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PongMessage, nil)
}

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}
