package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-beam/internal/display"
	"github.com/teslashibe/go-beam/internal/energy"
	"github.com/teslashibe/go-beam/internal/render"
	"github.com/teslashibe/go-beam/internal/sensor"
)

// fakeSensor serves scripted audio blocks
type fakeSensor struct {
	mu sync.Mutex

	blocks  []sensor.Block
	readErr error
	beamErr error
	dirErr  error
	beam    float64
	dir     sensor.Direction

	reads     int
	beamReads int
	closed    bool
}

func constBlock(n int, v int16, incomplete bool) sensor.Block {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return sensor.Block{Samples: samples, Incomplete: incomplete}
}

func (f *fakeSensor) push(blocks ...sensor.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, blocks...)
}

func (f *fakeSensor) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeSensor) ReadAudio(ctx context.Context) (sensor.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.readErr != nil {
		return sensor.Block{}, f.readErr
	}
	if len(f.blocks) == 0 {
		return sensor.Block{}, nil
	}
	b := f.blocks[0]
	f.blocks = f.blocks[1:]
	return b, nil
}

func (f *fakeSensor) BeamAngle(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beamReads++
	return f.beam, f.beamErr
}

func (f *fakeSensor) SourceDirection(ctx context.Context) (sensor.Direction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir, f.dirErr
}

func (f *fakeSensor) Name() string { return "fake" }

func (f *fakeSensor) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSensor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSensor) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ sensor.Sensor = (*fakeSensor)(nil)

// fakeRenderer records each rendered trace
type fakeRenderer struct {
	mu     sync.Mutex
	traces [][]float64
	beams  []float64
	err    error
}

func (r *fakeRenderer) Render(ctx context.Context, trace []float64, beamDegrees float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.traces = append(r.traces, append([]float64(nil), trace...))
	r.beams = append(r.beams, beamDegrees)
	return r.err
}

func (r *fakeRenderer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

func (r *fakeRenderer) last() ([]float64, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traces[len(r.traces)-1], r.beams[len(r.beams)-1]
}

// fakeStatus records status lines
type fakeStatus struct {
	mu       sync.Mutex
	messages []string
}

func (s *fakeStatus) ReportStatus(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *fakeStatus) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scale = energy.ScaleConfig{Mode: "raw"}
	return cfg
}

func newTestPipeline(t *testing.T, cfg Config, s sensor.Sensor) (*Pipeline, *fakeRenderer, *fakeStatus) {
	t.Helper()

	r := &fakeRenderer{}
	st := &fakeStatus{}
	p, err := New(cfg, s, r, st, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, r, st
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		also   error
	}{
		{name: "zero window", mutate: func(c *Config) { c.Window = 0 }, also: energy.ErrInvalidWindow},
		{name: "zero capacity", mutate: func(c *Config) { c.BufferCapacity = 0 }},
		{name: "zero width", mutate: func(c *Config) { c.DisplayWidth = 0 }, also: display.ErrInvalidWidth},
		{name: "zero sample rate", mutate: func(c *Config) { c.SampleRate = 0 }},
		{name: "negative span", mutate: func(c *Config) { c.DisplaySpan = -time.Second }},
		{name: "zero refresh", mutate: func(c *Config) { c.RefreshInterval = 0 }},
		{name: "zero reads", mutate: func(c *Config) { c.MaxReadsPerTick = 0 }},
		{name: "unordered reconnect", mutate: func(c *Config) { c.MaxReconnectDelay = c.ReconnectDelay / 2 }},
		{name: "bad scale", mutate: func(c *Config) { c.Scale.Mode = "log2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			_, err := New(cfg, &fakeSensor{}, &fakeRenderer{}, nil, nil)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if tt.also != nil && !errors.Is(err, tt.also) {
				t.Errorf("expected error to wrap %v, got %v", tt.also, err)
			}
		})
	}
}

func TestNew_RequiresRenderer(t *testing.T) {
	if _, err := New(testConfig(), &fakeSensor{}, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNew_InitialState(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(), &fakeSensor{})
	if p.State() != Capturing {
		t.Errorf("expected capturing with a sensor, got %s", p.State())
	}

	p, _, _ = newTestPipeline(t, testConfig(), nil)
	if p.State() != Idle {
		t.Errorf("expected idle without a sensor, got %s", p.State())
	}
}

func TestCaptureTick_AccumulatesIntoRing(t *testing.T) {
	s := &fakeSensor{beam: math.Pi / 4, dir: sensor.Direction{Radians: -math.Pi / 2, Confidence: 0.7}}
	s.push(constBlock(400, 100, false))

	p, _, _ := newTestPipeline(t, testConfig(), s)
	p.OnCaptureTick(context.Background())

	stats := p.Stats()
	if stats.Ring.Pending != 10 {
		t.Fatalf("expected 10 pending values, got %d", stats.Ring.Pending)
	}

	values := p.ring.Drain(10)
	for i, v := range values {
		if v != 400000 {
			t.Errorf("value %d = %f, want 400000", i, v)
		}
	}

	reading := p.Beams().Latest()
	if math.Abs(reading.BeamDegrees-45) > 1e-9 {
		t.Errorf("expected beam 45°, got %f", reading.BeamDegrees)
	}
	if math.Abs(reading.SourceDegrees+90) > 1e-9 {
		t.Errorf("expected source -90°, got %f", reading.SourceDegrees)
	}
	if reading.SourceConfidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %f", reading.SourceConfidence)
	}
}

func TestCaptureTick_SourceDirectionOptional(t *testing.T) {
	s := &fakeSensor{
		beam:   math.Pi / 4,
		dir:    sensor.Direction{Radians: 1, Confidence: 0.9},
		dirErr: errors.New("AEC azimuth: no reply"),
	}
	s.push(constBlock(400, 100, false))

	p, _, st := newTestPipeline(t, testConfig(), s)
	p.OnCaptureTick(context.Background())

	if got := p.ring.Pending(); got != 10 {
		t.Errorf("expected 10 pending values, got %d", got)
	}
	if p.Beams().Updates() != 1 {
		t.Fatalf("expected the beam to be stored, got %d updates", p.Beams().Updates())
	}

	reading := p.Beams().Latest()
	if math.Abs(reading.BeamDegrees-45) > 1e-9 {
		t.Errorf("expected beam 45°, got %f", reading.BeamDegrees)
	}
	if reading.SourceConfidence != 0 {
		t.Errorf("expected zero confidence, got %f", reading.SourceConfidence)
	}
	if st.count() != 0 {
		t.Errorf("expected no status lines, got %d", st.count())
	}
	if p.State() != Capturing {
		t.Errorf("expected capturing, got %s", p.State())
	}
	if got := p.Stats().Frame.NoDirection; got != 1 {
		t.Errorf("expected 1 reading without direction, got %d", got)
	}
}

func TestCaptureTick_SourceDirectionDisconnect(t *testing.T) {
	s := &fakeSensor{dirErr: fmt.Errorf("%w: unplugged", sensor.ErrDisconnected)}
	s.push(constBlock(400, 100, false))

	p, _, _ := newTestPipeline(t, testConfig(), s)
	p.OnCaptureTick(context.Background())

	if p.State() != Idle {
		t.Errorf("expected idle after disconnect, got %s", p.State())
	}
}

func TestCaptureTick_PartialWindowCarries(t *testing.T) {
	s := &fakeSensor{}
	s.push(constBlock(50, 1, false), constBlock(50, 1, false))

	p, _, _ := newTestPipeline(t, testConfig(), s)
	ctx := context.Background()

	p.OnCaptureTick(ctx)
	if got := p.ring.Pending(); got != 1 {
		t.Errorf("after 50 samples expected 1 value, got %d", got)
	}
	if got := p.Stats().PartialWindow; got != 10 {
		t.Errorf("expected 10 samples in the open window, got %d", got)
	}

	p.OnCaptureTick(ctx)
	if got := p.ring.Pending(); got != 2 {
		t.Errorf("after 100 samples expected 2 values, got %d", got)
	}
}

func TestCaptureTick_ReadsWhileIncomplete(t *testing.T) {
	s := &fakeSensor{}
	s.push(
		constBlock(40, 1, true),
		constBlock(40, 1, true),
		constBlock(40, 1, false),
		constBlock(40, 1, false), // next tick
	)

	p, _, _ := newTestPipeline(t, testConfig(), s)
	p.OnCaptureTick(context.Background())

	if s.reads != 3 {
		t.Errorf("expected 3 reads, got %d", s.reads)
	}
	if got := p.ring.Pending(); got != 3 {
		t.Errorf("expected 3 values, got %d", got)
	}
}

func TestCaptureTick_ReadsBounded(t *testing.T) {
	s := &fakeSensor{}
	for i := 0; i < 50; i++ {
		s.push(constBlock(40, 1, true))
	}

	cfg := testConfig()
	cfg.MaxReadsPerTick = 4
	p, _, _ := newTestPipeline(t, cfg, s)
	p.OnCaptureTick(context.Background())

	if s.reads != 4 {
		t.Errorf("expected reads capped at 4, got %d", s.reads)
	}
}

func TestCaptureTick_EmptyBlockSkipsBeam(t *testing.T) {
	s := &fakeSensor{beam: 1}
	p, _, _ := newTestPipeline(t, testConfig(), s)

	p.OnCaptureTick(context.Background())

	if s.beamReads != 0 {
		t.Errorf("expected no beam read without audio, got %d", s.beamReads)
	}
	if p.Beams().Updates() != 0 {
		t.Error("beam store should be untouched")
	}
}

func TestCaptureTick_TransientError(t *testing.T) {
	s := &fakeSensor{}
	p, _, st := newTestPipeline(t, testConfig(), s)
	ctx := context.Background()

	s.setReadErr(errors.New("usb timeout"))
	p.OnCaptureTick(ctx)

	if st.count() != 1 {
		t.Errorf("expected 1 status message, got %d", st.count())
	}
	if p.State() != Capturing {
		t.Errorf("transient error must not leave capturing, got %s", p.State())
	}
	if p.Stats().CaptureErrors != 1 {
		t.Errorf("expected 1 capture error, got %d", p.Stats().CaptureErrors)
	}

	// Retried next tick
	s.setReadErr(nil)
	s.push(constBlock(40, 2, false))
	p.OnCaptureTick(ctx)

	if p.ring.Pending() != 1 {
		t.Errorf("expected recovery to push 1 value, got %d", p.ring.Pending())
	}
}

func TestCaptureTick_BeamErrorSkipsRest(t *testing.T) {
	s := &fakeSensor{beamErr: errors.New("control transfer failed")}
	s.push(constBlock(40, 1, false))

	p, _, st := newTestPipeline(t, testConfig(), s)
	p.OnCaptureTick(context.Background())

	// Audio already accumulated is kept
	if p.ring.Pending() != 1 {
		t.Errorf("expected 1 value, got %d", p.ring.Pending())
	}
	if p.Beams().Updates() != 0 {
		t.Error("beam should not be stored after a failed read")
	}
	if st.count() != 1 {
		t.Errorf("expected 1 status message, got %d", st.count())
	}
}

func TestCaptureTick_DisconnectGoesIdle(t *testing.T) {
	s := &fakeSensor{}
	s.push(constBlock(30, 5, false))

	p, r, st := newTestPipeline(t, testConfig(), s)
	ctx := context.Background()

	var states []State
	p.OnStateChange(func(state State, reason string) { states = append(states, state) })

	p.OnCaptureTick(ctx)
	if p.Stats().PartialWindow != 30 {
		t.Fatalf("expected 30 samples in the open window, got %d", p.Stats().PartialWindow)
	}

	s.setReadErr(sensor.ErrDisconnected)
	for i := 0; i < 5; i++ {
		p.OnCaptureTick(ctx)
		p.OnRefreshTick(ctx)
	}

	if p.State() != Idle {
		t.Fatalf("expected idle, got %s", p.State())
	}
	if st.count() != 1 {
		t.Errorf("disconnect should be reported once, got %d", st.count())
	}
	if !s.isClosed() {
		t.Error("sensor should be closed")
	}
	if p.Stats().PartialWindow != 0 {
		t.Error("partial window should be discarded")
	}
	if r.count() != 0 {
		t.Errorf("refresh should not render while idle, got %d renders", r.count())
	}
	if len(states) != 1 || states[0] != Idle {
		t.Errorf("expected one transition to idle, got %v", states)
	}
}

func TestReconnect_Backoff(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = time.Second
	cfg.MaxReconnectDelay = 4 * time.Second

	p, _, st := newTestPipeline(t, cfg, nil)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	var attempts int
	next := &fakeSensor{}
	failing := true
	p.SetOpener(func(ctx context.Context) (sensor.Sensor, error) {
		attempts++
		if failing {
			return nil, errors.New("no device")
		}
		return next, nil
	})

	// Idle from start with a zero deadline: first tick attempts immediately
	p.OnCaptureTick(ctx)
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	// Backoff doubled to 2s
	clock = clock.Add(1500 * time.Millisecond)
	p.OnCaptureTick(ctx)
	if attempts != 1 {
		t.Errorf("attempted before backoff elapsed: %d", attempts)
	}

	clock = clock.Add(600 * time.Millisecond)
	p.OnCaptureTick(ctx)
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}

	// Capped at 4s
	clock = clock.Add(4 * time.Second)
	p.OnCaptureTick(ctx)
	clock = clock.Add(4 * time.Second)
	p.OnCaptureTick(ctx)
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}

	failing = false
	next.push(constBlock(40, 1, false))
	clock = clock.Add(4 * time.Second)
	p.OnCaptureTick(ctx)

	if p.State() != Capturing {
		t.Fatalf("expected capturing after reopen, got %s", p.State())
	}
	if p.ring.Pending() != 1 {
		t.Errorf("reopened sensor should be pumped in the same tick, got %d values", p.ring.Pending())
	}
	if p.Stats().Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", p.Stats().Reconnects)
	}
	if st.count() != 1 {
		t.Errorf("expected a connected status line, got %d", st.count())
	}
}

func TestReconnect_AfterDisconnectWaitsDelay(t *testing.T) {
	s := &fakeSensor{}
	p, _, _ := newTestPipeline(t, testConfig(), s)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	var attempts int
	p.SetOpener(func(ctx context.Context) (sensor.Sensor, error) {
		attempts++
		return &fakeSensor{}, nil
	})

	s.setReadErr(sensor.ErrDisconnected)
	p.OnCaptureTick(ctx)
	p.OnCaptureTick(ctx)
	if attempts != 0 {
		t.Errorf("reopened before the reconnect delay: %d", attempts)
	}

	clock = clock.Add(time.Second)
	p.OnCaptureTick(ctx)
	if attempts != 1 || p.State() != Capturing {
		t.Errorf("expected reopen after delay, attempts=%d state=%s", attempts, p.State())
	}
}

func TestRefreshTick_RendersTrace(t *testing.T) {
	s := &fakeSensor{beam: math.Pi / 4}
	s.push(constBlock(160, 100, false)) // 4 values of 400000

	cfg := testConfig()
	cfg.DisplayWidth = 8
	p, r, _ := newTestPipeline(t, cfg, s)
	ctx := context.Background()

	p.OnCaptureTick(ctx)
	p.OnRefreshTick(ctx)

	if r.count() != 1 {
		t.Fatalf("expected 1 render, got %d", r.count())
	}

	trace, beamDeg := r.last()
	if len(trace) != 8 {
		t.Fatalf("expected width 8, got %d", len(trace))
	}
	want := []float64{0, 0, 0, 0, 400000, 400000, 400000, 400000}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("pixel %d = %f, want %f", i, trace[i], want[i])
		}
	}
	if math.Abs(beamDeg-45) > 1e-9 {
		t.Errorf("expected beam 45°, got %f", beamDeg)
	}
	if p.ring.Pending() != 0 {
		t.Errorf("refresh should drain the ring, %d left", p.ring.Pending())
	}
}

func TestRefreshTick_StarvedKeepsTrace(t *testing.T) {
	s := &fakeSensor{}
	s.push(constBlock(40, 10, false))

	cfg := testConfig()
	cfg.DisplayWidth = 4
	p, r, _ := newTestPipeline(t, cfg, s)
	ctx := context.Background()

	p.OnCaptureTick(ctx)
	p.OnRefreshTick(ctx)
	first, _ := r.last()

	p.OnRefreshTick(ctx)
	second, _ := r.last()

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("trace moved without new values at %d", i)
		}
	}
	if p.Stats().Refresh.Starved != 1 {
		t.Errorf("expected 1 starved refresh, got %d", p.Stats().Refresh.Starved)
	}
}

func TestRefreshTick_RenderErrorDoesNotRewind(t *testing.T) {
	s := &fakeSensor{}
	s.push(constBlock(80, 1, false))

	p, r, _ := newTestPipeline(t, testConfig(), s)
	ctx := context.Background()

	p.OnCaptureTick(ctx)

	r.setErr(render.ErrSurfaceLost)
	p.OnRefreshTick(ctx)

	if p.ring.Pending() != 0 {
		t.Errorf("values must not be returned to the ring, %d pending", p.ring.Pending())
	}
	stats := p.Stats()
	if stats.SurfaceLost != 1 {
		t.Errorf("expected 1 surface lost, got %d", stats.SurfaceLost)
	}
	if stats.Ring.Drained != 2 {
		t.Errorf("expected 2 drained, got %d", stats.Ring.Drained)
	}
	if p.State() != Capturing {
		t.Error("render errors must not change state")
	}

	r.setErr(errors.New("disk full"))
	p.OnRefreshTick(ctx)
	if p.Stats().RenderErrors != 1 {
		t.Errorf("expected 1 render error, got %d", p.Stats().RenderErrors)
	}
}

func TestBacklogCatchUp(t *testing.T) {
	s := &fakeSensor{}
	cfg := testConfig()
	cfg.DisplayWidth = 780
	p, r, _ := newTestPipeline(t, cfg, s)
	ctx := context.Background()

	// 20 capture ticks with no refresh in between: 200 values backlog
	for i := 0; i < 20; i++ {
		s.push(constBlock(400, 1, false))
		p.OnCaptureTick(ctx)
	}

	p.OnRefreshTick(ctx)

	if p.ring.Pending() != 0 {
		t.Errorf("backlog not drained: %d", p.ring.Pending())
	}
	trace, _ := r.last()
	var lit int
	for _, v := range trace {
		if v > 0 {
			lit++
		}
	}
	if lit != 200 {
		t.Errorf("expected 200 pixels written, got %d", lit)
	}
}

func TestBufferOverflowCounted(t *testing.T) {
	s := &fakeSensor{}
	cfg := testConfig()
	cfg.BufferCapacity = 10
	p, _, _ := newTestPipeline(t, cfg, s)

	s.push(constBlock(40*25, 1, false))
	p.OnCaptureTick(context.Background())

	stats := p.Stats()
	if stats.Ring.Dropped != 15 {
		t.Errorf("expected 15 dropped, got %d", stats.Ring.Dropped)
	}
	if stats.Ring.Pending != 10 {
		t.Errorf("expected 10 pending, got %d", stats.Ring.Pending)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := &fakeSensor{}
	for i := 0; i < 100; i++ {
		s.push(constBlock(400, 50, false))
	}

	cfg := testConfig()
	cfg.CaptureInterval = 5 * time.Millisecond
	cfg.RefreshInterval = 2 * time.Millisecond
	p, r, _ := newTestPipeline(t, cfg, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatal("no renders from Run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	if !s.isClosed() {
		t.Error("sensor should be closed on shutdown")
	}
	if p.State() != Idle {
		t.Errorf("expected idle after shutdown, got %s", p.State())
	}
	if p.Stats().Ring.Pending != 0 {
		t.Error("ring should be discarded on shutdown")
	}
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Capturing.String() != "capturing" {
		t.Error("unexpected state names")
	}
	if State(9).String() != "state(9)" {
		t.Errorf("unexpected unknown state name %s", State(9).String())
	}
}
