package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-beam/internal/beam"
	"github.com/teslashibe/go-beam/internal/protocol"
	"github.com/teslashibe/go-beam/internal/render"
)

const (
	// writeWait bounds each client write; a client that cannot take a frame in
	// time is disconnected
	writeWait = 2 * time.Second

	statusQueueSize = 16
)

// WSHub is a render surface that streams frames to WebSocket clients. Present
// only stores the newest frame; Run broadcasts it at a fixed rate.
type WSHub struct {
	beams     *beam.Store
	interval  time.Duration
	writeWait time.Duration
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	cancel  context.CancelFunc

	statusCh chan string

	// Serializes writes; broadcasts and command replies share connections
	writeMu sync.Mutex

	frameMu sync.RWMutex
	latest  render.Frame
	state   string

	done chan struct{}

	// Stats
	presented     atomic.Uint64
	broadcasts    atomic.Uint64
	skipped       atomic.Uint64
	statusDropped atomic.Uint64
	writeErrors   atomic.Uint64
}

var _ render.Surface = (*WSHub)(nil)

// NewWSHub creates a hub broadcasting at streamHz
func NewWSHub(beams *beam.Store, streamHz int, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	if streamHz <= 0 {
		streamHz = 20
	}

	return &WSHub{
		beams:     beams,
		interval:  time.Second / time.Duration(streamHz),
		writeWait: writeWait,
		logger:    logger,
		clients:   make(map[*websocket.Conn]struct{}),
		statusCh:  make(chan string, statusQueueSize),
		done:      make(chan struct{}),
	}
}

// Name implements render.Surface
func (h *WSHub) Name() string { return "websocket" }

// Present implements render.Surface. It never blocks on clients.
func (h *WSHub) Present(ctx context.Context, f render.Frame) error {
	h.frameMu.Lock()
	h.latest = f
	h.frameMu.Unlock()

	h.presented.Add(1)
	return nil
}

// Latest returns the newest presented frame
func (h *WSHub) Latest() (render.Frame, bool) {
	h.frameMu.RLock()
	defer h.frameMu.RUnlock()
	return h.latest, h.latest.Seq > 0
}

// SetState records the capture state sent with status messages
func (h *WSHub) SetState(state string) {
	h.frameMu.Lock()
	h.state = state
	h.frameMu.Unlock()
}

// Run starts the broadcast loop. It also sends queued status lines.
func (h *WSHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var lastSeq uint64
	var lastBeam int64

	h.logger.Info("websocket hub started", "interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case message := <-h.statusCh:
			h.frameMu.RLock()
			state := h.state
			h.frameMu.RUnlock()

			if msg, err := protocol.NewStatusMessage(message, state); err == nil {
				h.broadcast(msg)
			}
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}

			frame, ok := h.Latest()
			if ok && frame.Seq != lastSeq {
				if gap := frame.Seq - lastSeq; lastSeq > 0 && gap > 1 {
					h.skipped.Add(gap - 1)
				}
				lastSeq = frame.Seq

				if msg, err := traceMessage(frame); err == nil {
					h.broadcast(msg)
				}
			}

			if h.beams == nil {
				continue
			}
			if n := h.beams.Updates(); n != lastBeam {
				lastBeam = n
				r := h.beams.Latest()
				if msg, err := protocol.NewBeamMessage(r.BeamDegrees, r.SourceDegrees, r.SourceConfidence); err == nil {
					h.broadcast(msg)
				}
			}
		}
	}
}

// BroadcastStatus queues a status line for the next Run iteration. It never
// blocks; lines are dropped while the queue is full.
func (h *WSHub) BroadcastStatus(message string) {
	select {
	case h.statusCh <- message:
	default:
		h.statusDropped.Add(1)
	}
}

func traceMessage(f render.Frame) (*protocol.Message, error) {
	return protocol.NewTraceMessage(protocol.TraceData{
		Seq:         f.Seq,
		Width:       len(f.Trace),
		Heights:     f.Trace,
		BeamDegrees: f.BeamDegrees,
		NeedleX:     f.Needle.X,
		NeedleY:     f.Needle.Y,
	})
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	for conn := range h.clients {
		h.write(conn, data)
	}
	h.broadcasts.Add(1)
}

// write sends data to one client. Callers hold writeMu. A failed write closes
// the connection, which ends its read loop and removes it.
func (h *WSHub) write(c *websocket.Conn, data []byte) {
	c.SetWriteDeadline(time.Now().Add(h.writeWait))
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		h.writeErrors.Add(1)
		h.logger.Debug("websocket write error, dropping client",
			"remote_addr", c.RemoteAddr().String(),
			"error", err,
		)
		c.Close()
	}
}

func (h *WSHub) send(c *websocket.Conn, msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		return
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.write(c, data)
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the trace stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// New clients get the current trace without waiting for the next change
	if frame, ok := h.Latest(); ok {
		if msg, err := traceMessage(frame); err == nil {
			h.send(c, msg)
		}
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.handleCommand(c, msg)
	}
}

func (h *WSHub) handleCommand(c *websocket.Conn, data []byte) {
	var cmd struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}

	switch cmd.Type {
	case protocol.TypePing:
		if msg, err := protocol.NewMessage(protocol.TypePong, nil); err == nil {
			h.send(c, msg)
		}
	case protocol.TypeTrace:
		if frame, ok := h.Latest(); ok {
			if msg, err := traceMessage(frame); err == nil {
				h.send(c, msg)
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats contains hub counters
type HubStats struct {
	Clients       int    `json:"clients"`
	Presented     uint64 `json:"presented"`
	Broadcasts    uint64 `json:"broadcasts"`
	Skipped       uint64 `json:"skipped"` // Frames replaced before they were broadcast
	StatusDropped uint64 `json:"status_dropped"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Stats returns hub counters
func (h *WSHub) Stats() HubStats {
	return HubStats{
		Clients:       h.ClientCount(),
		Presented:     h.presented.Load(),
		Broadcasts:    h.broadcasts.Load(),
		Skipped:       h.skipped.Load(),
		StatusDropped: h.statusDropped.Load(),
		WriteErrors:   h.writeErrors.Load(),
	}
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
}
