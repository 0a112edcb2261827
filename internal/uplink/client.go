// Package uplink streams rendered frames to a remote collector over WebSocket
package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-beam/internal/protocol"
	"github.com/teslashibe/go-beam/internal/render"
)

// ErrNotConnected is returned while no collector connection is open
var ErrNotConnected = errors.New("uplink not connected")

// Config holds uplink configuration
type Config struct {
	URL              string        // Collector WebSocket URL
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration
	Every            int // Forward one frame in Every, 0 or 1 for all
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws/trace",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Every:            10,
	}
}

// Client is a render surface that forwards frames to a collector and keeps
// the connection alive in the background. Present only stores the newest
// frame; a sender goroutine writes it.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc

	writeMu sync.Mutex

	frameMu sync.Mutex
	pending *render.Frame
	wake    chan struct{}

	frames atomic.Uint64

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	framesSkipped    atomic.Uint64
	framesReplaced   atomic.Uint64
	reconnects       atomic.Uint64
}

var _ render.Surface = (*Client)(nil)

// NewClient creates a new uplink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Every <= 0 {
		cfg.Every = 1
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Name implements render.Surface
func (c *Client) Name() string { return "uplink" }

// Present implements render.Surface. Frames are thinned to one in Every and
// handed to the sender goroutine; a frame still waiting to be sent is
// replaced. While disconnected it returns an error wrapping
// render.ErrSurfaceLost.
func (c *Client) Present(ctx context.Context, f render.Frame) error {
	if !c.IsConnected() {
		return fmt.Errorf("%w: %w", render.ErrSurfaceLost, ErrNotConnected)
	}

	n := c.frames.Add(1)
	if (n-1)%uint64(c.cfg.Every) != 0 {
		c.framesSkipped.Add(1)
		return nil
	}

	c.frameMu.Lock()
	if c.pending != nil {
		c.framesReplaced.Add(1)
	}
	c.pending = &f
	c.frameMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// sendLoop writes pending frames until ctx is cancelled
func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		c.frameMu.Lock()
		f := c.pending
		c.pending = nil
		c.frameMu.Unlock()

		if f == nil {
			continue
		}

		msg, err := protocol.NewTraceMessage(protocol.TraceData{
			Seq:         f.Seq,
			Width:       len(f.Trace),
			Heights:     f.Trace,
			BeamDegrees: f.BeamDegrees,
			NeedleX:     f.Needle.X,
			NeedleY:     f.Needle.Y,
		})
		if err != nil {
			c.logger.Warn("trace marshal error", "error", err)
			continue
		}

		// A failed write also drops the connection
		if err := c.SendMessage(msg); err != nil {
			c.logger.Debug("trace frame not sent", "seq", f.Seq, "error", err)
		}
	}
}

// SendStatus forwards a status line to the collector
func (c *Client) SendStatus(message, state string) error {
	msg, err := protocol.NewStatusMessage(message, state)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// Connect starts the background connection loop
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectionLoop(ctx)
	go c.sendLoop(ctx)
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		backoff = c.cfg.ReconnectBackoff

		c.readLoop(ctx)
	}
}

// connect dials the collector
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to collector", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to collector")

	go c.pingLoop(ctx, conn)

	return nil
}

// pingLoop sends periodic pings until conn is replaced or closed
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads collector messages until the connection fails
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("uplink read error", "error", err)
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage answers pings; other collector messages are ignored
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		if err := c.SendMessage(pong); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}
	default:
		c.logger.Debug("ignoring collector message", "type", msg.Type)
	}
}

// SendMessage sends a message to the collector
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	FramesSkipped    uint64 `json:"frames_skipped"`
	FramesReplaced   uint64 `json:"frames_replaced"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	return Stats{
		Connected:        c.IsConnected(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		FramesSkipped:    c.framesSkipped.Load(),
		FramesReplaced:   c.framesReplaced.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
