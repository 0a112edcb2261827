// Package pipeline runs the dual-rate capture and display loop: a capture
// tick turns sensor audio into energy values, and an independent refresh tick
// resamples them onto the display trace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-beam/internal/beam"
	"github.com/teslashibe/go-beam/internal/display"
	"github.com/teslashibe/go-beam/internal/energy"
	"github.com/teslashibe/go-beam/internal/render"
	"github.com/teslashibe/go-beam/internal/ring"
	"github.com/teslashibe/go-beam/internal/sensor"
)

// ErrInvalidConfig wraps every configuration error returned by New
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Renderer draws the display trace and beam needle. It must not retain or
// modify trace after returning.
type Renderer interface {
	Render(ctx context.Context, trace []float64, beamDegrees float64) error
}

// StatusSink receives human-readable status lines
type StatusSink interface {
	ReportStatus(message string)
}

// Opener opens a fresh sensor after a disconnect
type Opener func(ctx context.Context) (sensor.Sensor, error)

// State is the capture state
type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures the pipeline
type Config struct {
	SampleRate      int
	Window          int // Samples per energy value
	BufferCapacity  int // Energy values held between refreshes
	DisplayWidth    int
	DisplaySpan     time.Duration // Time covered by the trace, 0 for one pixel per value
	CaptureInterval time.Duration
	RefreshInterval time.Duration
	MaxReadsPerTick int

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	Scale energy.ScaleConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		Window:            40,
		BufferCapacity:    1000,
		DisplayWidth:      780,
		CaptureInterval:   50 * time.Millisecond,
		RefreshInterval:   10 * time.Millisecond,
		MaxReadsPerTick:   16,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		Scale: energy.ScaleConfig{
			Mode:       "db",
			MaxHeight:  1,
			MinDB:      -90,
			NoiseFloor: 0.2,
		},
	}
}

// Pipeline owns the accumulator, ring buffer and resampler and schedules
// both pumps
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	status StatusSink
	now    func() time.Time

	acc     *energy.Accumulator
	ring    *ring.Buffer
	beams   *beam.Store
	frame   *FramePump
	refresh *RefreshPump

	mu          sync.Mutex
	sensor      sensor.Sensor
	state       State
	opener      Opener
	backoff     time.Duration
	nextAttempt time.Time
	onState     []func(State, string)

	// Stats
	captureErrors atomic.Uint64
	renderErrors  atomic.Uint64
	surfaceLost   atomic.Uint64
	disconnects   atomic.Uint64
	reconnects    atomic.Uint64
}

// New creates a pipeline. With a nil sensor it starts Idle and waits for
// the opener set by SetOpener.
func New(cfg Config, s sensor.Sensor, r Renderer, status StatusSink, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		return nil, fmt.Errorf("%w: renderer is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	acc, err := energy.NewAccumulator(cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	buf, err := ring.New(cfg.BufferCapacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	scaleCfg := cfg.Scale
	scaleCfg.Window = cfg.Window
	scale, err := energy.NewScale(scaleCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ppv := display.PixelsPerValue(cfg.DisplayWidth, cfg.SampleRate, cfg.Window, cfg.DisplaySpan)
	resampler, err := display.NewResampler(cfg.DisplayWidth, ppv, scale)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	perRefresh := display.ExpectedValuesPerRefresh(cfg.SampleRate, cfg.Window, cfg.RefreshInterval)
	perCapture := display.ExpectedValuesPerRefresh(cfg.SampleRate, cfg.Window, cfg.CaptureInterval)
	if perCapture > float64(cfg.BufferCapacity) {
		logger.Warn("ring buffer smaller than one capture tick of energy values",
			"capacity", cfg.BufferCapacity,
			"values_per_capture", perCapture,
		)
	}

	beams := beam.NewStore()

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger,
		status:  status,
		now:     time.Now,
		acc:     acc,
		ring:    buf,
		beams:   beams,
		frame:   NewFramePump(acc, buf, beams, cfg.MaxReadsPerTick, logger),
		refresh: NewRefreshPump(buf, resampler, beams, r),
		sensor:  s,
		backoff: cfg.ReconnectDelay,
	}
	if s != nil {
		p.state = Capturing
	}

	logger.Info("pipeline created",
		"window", cfg.Window,
		"capacity", cfg.BufferCapacity,
		"width", cfg.DisplayWidth,
		"pixels_per_value", ppv,
		"values_per_refresh", perRefresh,
		"scale", scaleCfg.Mode,
	)

	return p, nil
}

// Validate checks the configuration; errors wrap ErrInvalidConfig
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample_rate must be positive, got %d", ErrInvalidConfig, c.SampleRate)
	case c.Window <= 0:
		return fmt.Errorf("%w: %w: got %d", ErrInvalidConfig, energy.ErrInvalidWindow, c.Window)
	case c.BufferCapacity <= 0:
		return fmt.Errorf("%w: %w: got %d", ErrInvalidConfig, ring.ErrInvalidCapacity, c.BufferCapacity)
	case c.DisplayWidth <= 0:
		return fmt.Errorf("%w: %w: got %d", ErrInvalidConfig, display.ErrInvalidWidth, c.DisplayWidth)
	case c.DisplaySpan < 0:
		return fmt.Errorf("%w: display span must not be negative, got %v", ErrInvalidConfig, c.DisplaySpan)
	case c.CaptureInterval <= 0 || c.RefreshInterval <= 0:
		return fmt.Errorf("%w: tick intervals must be positive", ErrInvalidConfig)
	case c.MaxReadsPerTick <= 0:
		return fmt.Errorf("%w: max_reads_per_tick must be positive, got %d", ErrInvalidConfig, c.MaxReadsPerTick)
	case c.ReconnectDelay <= 0 || c.MaxReconnectDelay < c.ReconnectDelay:
		return fmt.Errorf("%w: reconnect delays must be positive and ordered", ErrInvalidConfig)
	}
	return nil
}

// SetOpener enables reconnection while Idle
func (p *Pipeline) SetOpener(o Opener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opener = o
}

// OnStateChange registers a callback run on every state transition with a
// short reason. Callbacks run on the pipeline goroutine and must not block.
func (p *Pipeline) OnStateChange(fn func(State, string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = append(p.onState, fn)
}

// Run drives both pumps until ctx is cancelled. Both tickers are served by
// this goroutine, so ticks never overlap.
func (p *Pipeline) Run(ctx context.Context) error {
	capture := time.NewTicker(p.cfg.CaptureInterval)
	defer capture.Stop()

	refresh := time.NewTicker(p.cfg.RefreshInterval)
	defer refresh.Stop()

	p.logger.Info("pipeline started",
		"capture_interval", p.cfg.CaptureInterval,
		"refresh_interval", p.cfg.RefreshInterval,
		"state", p.State().String(),
	)

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			stats := p.Stats()
			p.logger.Info("pipeline stopped",
				"capture_ticks", stats.Frame.Ticks,
				"refresh_ticks", stats.Refresh.Ticks,
				"dropped", stats.Ring.Dropped,
			)
			return ctx.Err()
		case <-capture.C:
			p.OnCaptureTick(ctx)
		case <-refresh.C:
			p.OnRefreshTick(ctx)
		}
	}
}

// OnCaptureTick runs the frame pump, or tries to reconnect while Idle
func (p *Pipeline) OnCaptureTick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Idle {
		p.tryReconnect(ctx)
		if p.state == Idle {
			return
		}
	}

	err := p.frame.Pump(ctx, p.sensor)
	if err == nil {
		return
	}

	if errors.Is(err, sensor.ErrDisconnected) {
		p.disconnect(err)
		return
	}

	p.captureErrors.Add(1)
	p.report(fmt.Sprintf("sensor read failed, retrying: %v", err))
}

// OnRefreshTick runs the refresh pump while Capturing
func (p *Pipeline) OnRefreshTick(ctx context.Context) {
	if p.State() != Capturing {
		return
	}

	err := p.refresh.Pump(ctx)
	if err == nil {
		return
	}

	if errors.Is(err, render.ErrSurfaceLost) {
		p.surfaceLost.Add(1)
		p.logger.Debug("render surface lost, retrying next refresh", "error", err)
		return
	}

	n := p.renderErrors.Add(1)
	if n == 1 || n%100 == 0 {
		p.logger.Warn("render failed", "error", err, "count", n)
	}
}

// disconnect moves to Idle. Callers hold p.mu.
func (p *Pipeline) disconnect(cause error) {
	p.disconnects.Add(1)

	// The partial window is discarded, never flushed short
	p.acc.Reset()

	if p.sensor != nil {
		if err := p.sensor.Close(); err != nil {
			p.logger.Debug("sensor close failed", "error", err)
		}
		p.sensor = nil
	}

	p.backoff = p.cfg.ReconnectDelay
	p.nextAttempt = p.now().Add(p.backoff)

	msg := fmt.Sprintf("sensor disconnected: %v", cause)
	p.report(msg)
	p.setState(Idle, msg)
}

// tryReconnect opens a new sensor once the backoff has elapsed. Callers hold p.mu.
func (p *Pipeline) tryReconnect(ctx context.Context) {
	if p.opener == nil {
		return
	}

	now := p.now()
	if now.Before(p.nextAttempt) {
		return
	}

	s, err := p.opener(ctx)
	if err != nil {
		p.backoff *= 2
		if p.backoff > p.cfg.MaxReconnectDelay {
			p.backoff = p.cfg.MaxReconnectDelay
		}
		p.nextAttempt = now.Add(p.backoff)
		p.logger.Debug("sensor reopen failed",
			"error", err,
			"next_attempt", p.backoff,
		)
		return
	}

	p.sensor = s
	p.backoff = p.cfg.ReconnectDelay
	p.reconnects.Add(1)

	msg := fmt.Sprintf("sensor connected: %s", s.Name())
	p.report(msg)
	p.setState(Capturing, msg)
}

func (p *Pipeline) setState(s State, reason string) {
	if p.state == s {
		return
	}
	p.logger.Info("pipeline state changed",
		"from", p.state.String(),
		"to", s.String(),
		"reason", reason,
	)
	p.state = s
	for _, fn := range p.onState {
		fn(s, reason)
	}
}

func (p *Pipeline) report(msg string) {
	if p.status != nil {
		p.status.ReportStatus(msg)
	}
}

// shutdown closes the sensor and discards buffered state
func (p *Pipeline) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sensor != nil {
		if err := p.sensor.Close(); err != nil {
			p.logger.Warn("sensor close failed", "error", err)
		}
		p.sensor = nil
	}

	p.acc.Reset()
	p.ring.Reset()
	p.refresh.Reset()
	p.beams.Close()
	p.setState(Idle, "shutdown")
}

// State returns the current capture state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Beams returns the beam reading store
func (p *Pipeline) Beams() *beam.Store {
	return p.beams
}

// Trace returns a copy of the current display trace
func (p *Pipeline) Trace() []float64 {
	return p.refresh.Trace()
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Stats contains pipeline statistics
type Stats struct {
	State         string       `json:"state"`
	Sensor        string       `json:"sensor,omitempty"`
	SensorHealthy bool         `json:"sensor_healthy"`
	PartialWindow int          `json:"partial_window"`
	Emitted       uint64       `json:"emitted"`
	CaptureErrors uint64       `json:"capture_errors"`
	RenderErrors  uint64       `json:"render_errors"`
	SurfaceLost   uint64       `json:"surface_lost"`
	Disconnects   uint64       `json:"disconnects"`
	Reconnects    uint64       `json:"reconnects"`
	Frame         FrameStats   `json:"frame"`
	Refresh       RefreshStats `json:"refresh"`
	Ring          ring.Stats   `json:"ring"`
	Beam          beam.Reading `json:"beam"`
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		State:         p.state.String(),
		PartialWindow: p.acc.Partial(),
		Emitted:       p.acc.Emitted(),
	}
	if p.sensor != nil {
		st.Sensor = p.sensor.Name()
		st.SensorHealthy = p.sensor.Healthy()
	}
	p.mu.Unlock()

	st.CaptureErrors = p.captureErrors.Load()
	st.RenderErrors = p.renderErrors.Load()
	st.SurfaceLost = p.surfaceLost.Load()
	st.Disconnects = p.disconnects.Load()
	st.Reconnects = p.reconnects.Load()
	st.Frame = p.frame.Stats()
	st.Refresh = p.refresh.Stats()
	st.Ring = p.ring.Stats()
	st.Beam = p.beams.Latest()

	return st
}
