package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-beam/internal/beam"
	"github.com/teslashibe/go-beam/internal/display"
	"github.com/teslashibe/go-beam/internal/ring"
)

// RefreshPump drains the ring buffer into the resampler and hands the trace
// to the renderer
type RefreshPump struct {
	ring     *ring.Buffer
	beams    *beam.Store
	renderer Renderer

	mu        sync.Mutex
	resampler *display.Resampler

	// Stats
	ticks    atomic.Uint64
	drained  atomic.Uint64
	rendered atomic.Uint64
	starved  atomic.Uint64
}

// NewRefreshPump creates a refresh pump
func NewRefreshPump(buf *ring.Buffer, r *display.Resampler, beams *beam.Store, renderer Renderer) *RefreshPump {
	return &RefreshPump{
		ring:      buf,
		resampler: r,
		beams:     beams,
		renderer:  renderer,
	}
}

// Pump runs one refresh tick. A render error is returned as-is; the ring
// and trace have already advanced.
func (p *RefreshPump) Pump(ctx context.Context) error {
	p.ticks.Add(1)

	values := p.ring.Drain(p.ring.Capacity())
	p.drained.Add(uint64(len(values)))
	if len(values) == 0 {
		p.starved.Add(1)
	}

	p.mu.Lock()
	p.resampler.Update(values)
	trace := p.resampler.View()
	p.mu.Unlock()

	// Only this goroutine updates the resampler, so the view stays valid
	// for the duration of Render
	if err := p.renderer.Render(ctx, trace, p.beams.Latest().BeamDegrees); err != nil {
		return err
	}
	p.rendered.Add(1)
	return nil
}

// Trace returns a copy of the current display trace
func (p *RefreshPump) Trace() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resampler.Trace()
}

// Reset clears the display trace
func (p *RefreshPump) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resampler.Reset()
}

// RefreshStats contains refresh pump counters
type RefreshStats struct {
	Ticks    uint64        `json:"ticks"`
	Drained  uint64        `json:"drained"`
	Rendered uint64        `json:"rendered"`
	Starved  uint64        `json:"starved"` // Ticks with nothing to drain
	Display  display.Stats `json:"display"`
}

// Stats returns refresh pump counters
func (p *RefreshPump) Stats() RefreshStats {
	p.mu.Lock()
	ds := p.resampler.Stats()
	p.mu.Unlock()

	return RefreshStats{
		Ticks:    p.ticks.Load(),
		Drained:  p.drained.Load(),
		Rendered: p.rendered.Load(),
		Starved:  p.starved.Load(),
		Display:  ds,
	}
}
