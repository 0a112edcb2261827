// Package server provides the HTTP API and trace stream for go-beam
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/teslashibe/go-beam/internal/config"
	"github.com/teslashibe/go-beam/internal/health"
	"github.com/teslashibe/go-beam/internal/pipeline"
	"github.com/teslashibe/go-beam/internal/protocol"
)

// Server is the HTTP server for go-beam
type Server struct {
	app       *fiber.App
	cfg       config.ServerConfig
	pipeline  *pipeline.Pipeline
	checker   *health.Checker
	status    *health.StatusLog
	logger    *slog.Logger
	wsHub     *WSHub
	startTime time.Time
	version   string
}

// New creates a new HTTP server. checker and status may be nil.
func New(cfg config.ServerConfig, p *pipeline.Pipeline, checker *health.Checker, status *health.StatusLog, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-beam",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:       app,
		cfg:       cfg,
		pipeline:  p,
		checker:   checker,
		status:    status,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
	}

	if p != nil {
		s.wsHub = NewWSHub(p.Beams(), cfg.StreamHz, logger)
	} else {
		s.wsHub = NewWSHub(nil, cfg.StreamHz, logger)
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	api.Get("/trace", s.traceHandler)
	api.Get("/trace/stream", s.wsHub.UpgradeHandler())
	api.Get("/beam", s.beamHandler)
	api.Get("/status", s.statusHandler)
	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.checker != nil {
		st := s.checker.GetStatus()
		if st.Status == health.StatusDown {
			c.Status(fiber.StatusServiceUnavailable)
		}
		return c.JSON(st)
	}

	state := pipeline.Idle
	if s.pipeline != nil {
		state = s.pipeline.State()
	}

	status := "ok"
	if state != pipeline.Capturing {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"state":          state.String(),
	})
}

// traceHandler returns the newest frame, or the raw trace before the first render
func (s *Server) traceHandler(c *fiber.Ctx) error {
	if frame, ok := s.wsHub.Latest(); ok {
		return c.JSON(protocol.TraceData{
			Seq:         frame.Seq,
			Width:       len(frame.Trace),
			Heights:     frame.Trace,
			BeamDegrees: frame.BeamDegrees,
			NeedleX:     frame.Needle.X,
			NeedleY:     frame.Needle.Y,
		})
	}

	if s.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "pipeline not available",
		})
	}

	trace := s.pipeline.Trace()
	return c.JSON(protocol.TraceData{
		Width:       len(trace),
		Heights:     trace,
		BeamDegrees: s.pipeline.Beams().Latest().BeamDegrees,
	})
}

// beamHandler returns the latest beam reading
func (s *Server) beamHandler(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "pipeline not available",
		})
	}

	return c.JSON(s.pipeline.Beams().Latest())
}

// statusHandler returns recent status lines
func (s *Server) statusHandler(c *fiber.Ctx) error {
	state := pipeline.Idle
	if s.pipeline != nil {
		state = s.pipeline.State()
	}

	entries := []health.Entry{}
	var total uint64
	if s.status != nil {
		entries = s.status.Entries()
		total = s.status.Total()
	}

	return c.JSON(fiber.Map{
		"state":   state.String(),
		"total":   total,
		"entries": entries,
	})
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
			"stream_hz":        s.cfg.StreamHz,
		},
	}

	if s.pipeline != nil {
		pc := s.pipeline.Config()
		resp["pipeline"] = fiber.Map{
			"sample_rate":         pc.SampleRate,
			"window":              pc.Window,
			"buffer_capacity":     pc.BufferCapacity,
			"display_width":       pc.DisplayWidth,
			"display_span_ms":     pc.DisplaySpan.Milliseconds(),
			"capture_interval_ms": pc.CaptureInterval.Milliseconds(),
			"refresh_interval_ms": pc.RefreshInterval.Milliseconds(),
			"max_reads_per_tick":  pc.MaxReadsPerTick,
			"scale":               pc.Scale.Mode,
		}
	}

	return c.JSON(resp)
}

// statsHandler returns pipeline statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "pipeline not available",
		})
	}

	return c.JSON(fiber.Map{
		"pipeline":  s.pipeline.Stats(),
		"websocket": s.wsHub.Stats(),
	})
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("# no pipeline available\n")
	}

	stats := s.pipeline.Stats()

	var b strings.Builder
	gauge := func(name, help string, value any) {
		writeMetric(&b, name, "gauge", help, value)
	}
	counter := func(name, help string, value any) {
		writeMetric(&b, name, "counter", help, value)
	}

	gauge("go_beam_capturing", "Capture state (1=capturing, 0=idle)", boolToInt(stats.State == pipeline.Capturing.String()))
	gauge("go_beam_sensor_healthy", "Sensor health (1=healthy, 0=unhealthy)", boolToInt(stats.SensorHealthy))
	gauge("go_beam_beam_degrees", "Current beam angle in degrees", stats.Beam.BeamDegrees)
	gauge("go_beam_source_degrees", "Estimated sound source direction in degrees", stats.Beam.SourceDegrees)
	gauge("go_beam_source_confidence", "Sound source confidence", stats.Beam.SourceConfidence)
	gauge("go_beam_ring_pending", "Energy values waiting for the next refresh", stats.Ring.Pending)
	counter("go_beam_energy_values_total", "Energy values produced", stats.Emitted)
	counter("go_beam_ring_dropped_total", "Energy values dropped on overflow", stats.Ring.Dropped)
	counter("go_beam_capture_ticks_total", "Capture ticks run", stats.Frame.Ticks)
	counter("go_beam_samples_total", "Audio samples read", stats.Frame.Samples)
	counter("go_beam_refresh_ticks_total", "Refresh ticks run", stats.Refresh.Ticks)
	counter("go_beam_refresh_starved_total", "Refresh ticks with no new values", stats.Refresh.Starved)
	counter("go_beam_capture_errors_total", "Transient sensor errors", stats.CaptureErrors)
	counter("go_beam_render_errors_total", "Failed renders", stats.RenderErrors)
	counter("go_beam_surface_lost_total", "Renders that lost a surface", stats.SurfaceLost)
	counter("go_beam_disconnects_total", "Sensor disconnects", stats.Disconnects)
	counter("go_beam_reconnects_total", "Sensor reconnects", stats.Reconnects)
	gauge("go_beam_uptime_seconds", "Server uptime in seconds", int64(time.Since(s.startTime).Seconds()))
	gauge("go_beam_websocket_clients", "Current WebSocket client count", s.wsHub.ClientCount())

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

func writeMetric(b *strings.Builder, name, kind, help string, value any) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(b, "%s %f\n\n", name, v)
	default:
		fmt.Fprintf(b, "%s %d\n\n", name, v)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub, which is also a render surface
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.wsHub.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
