// Package render turns the display trace and beam angle into frames and
// presents them to output surfaces
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrSurfaceLost is returned by a surface that can no longer present frames.
// A lost surface is skipped while others still present; once every surface is
// lost the panel discards its resources and recreates them on the next render.
var ErrSurfaceLost = errors.New("render surface lost")

// Needle is the beam indicator as a unit vector: X to the right, Y forward
type Needle struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Frame is one rendered snapshot. Surfaces must treat it as read-only.
type Frame struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Trace       []float64 `json:"trace"`
	BeamDegrees float64   `json:"beam_degrees"`
	Needle      Needle    `json:"needle"`
}

// Surface is an output that displays frames
type Surface interface {
	Name() string
	Present(ctx context.Context, f Frame) error
}

// resources are built lazily for the current surfaces and dropped when all
// of them are lost
type resources struct {
	width int

	// Cached needle rotation
	degrees float64
	needle  Needle
}

// rotate returns the needle for a beam angle; positive degrees point left
func (r *resources) rotate(degrees float64) Needle {
	if degrees == r.degrees && (r.needle != Needle{}) {
		return r.needle
	}
	rad := degrees * math.Pi / 180
	r.degrees = degrees
	r.needle = Needle{X: -math.Sin(rad), Y: math.Cos(rad)}
	return r.needle
}

// Panel renders the energy trace and beam needle to a set of surfaces
type Panel struct {
	logger *slog.Logger

	mu       sync.RWMutex
	surfaces []Surface
	res      *resources
	latest   Frame
	seq      uint64

	// Stats
	rendered    uint64
	created     uint64
	discarded   uint64
	presentErrs uint64
	skipped     uint64
}

// NewPanel creates a panel presenting to surfaces
func NewPanel(logger *slog.Logger, surfaces ...Surface) *Panel {
	if logger == nil {
		logger = slog.Default()
	}

	return &Panel{
		logger:   logger,
		surfaces: surfaces,
	}
}

// AddSurface attaches another output
func (p *Panel) AddSurface(s Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaces = append(p.surfaces, s)
}

// Render builds a frame and presents it to every surface. A lost surface is
// skipped. When every surface is lost the panel's resources are discarded and
// the error wraps ErrSurfaceLost.
func (p *Panel) Render(ctx context.Context, trace []float64, beamDegrees float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := p.ensureResources(len(trace))

	p.seq++
	frame := Frame{
		Seq:         p.seq,
		Timestamp:   time.Now(),
		Trace:       append([]float64(nil), trace...),
		BeamDegrees: beamDegrees,
		Needle:      res.rotate(beamDegrees),
	}
	p.latest = frame
	p.rendered++

	var lost []error
	var errs []error
	for _, s := range p.surfaces {
		err := s.Present(ctx, frame)
		switch {
		case err == nil:
		case errors.Is(err, ErrSurfaceLost):
			lost = append(lost, fmt.Errorf("%s: %w", s.Name(), err))
		default:
			p.presentErrs++
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	if len(lost) > 0 && len(lost) == len(p.surfaces) {
		p.discardResources()
		return errors.Join(lost...)
	}
	p.skipped += uint64(len(lost))
	return errors.Join(errs...)
}

func (p *Panel) ensureResources(width int) *resources {
	if p.res != nil && p.res.width == width {
		return p.res
	}

	p.res = &resources{width: width}
	p.created++
	p.logger.Debug("render resources created",
		"width", width,
		"surfaces", len(p.surfaces),
	)
	return p.res
}

func (p *Panel) discardResources() {
	if p.res == nil {
		return
	}
	p.res = nil
	p.discarded++
	p.logger.Debug("render resources discarded")
}

// Latest returns the most recently rendered frame
func (p *Panel) Latest() Frame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Stats contains panel statistics
type Stats struct {
	Surfaces         int    `json:"surfaces"`
	FramesRendered   uint64 `json:"frames_rendered"`
	ResourcesCreated uint64 `json:"resources_created"`
	ResourcesLost    uint64 `json:"resources_lost"`
	PresentErrors    uint64 `json:"present_errors"`
	SurfaceSkips     uint64 `json:"surface_skips"` // Lost surfaces passed over while others presented
}

// Stats returns panel statistics
func (p *Panel) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		Surfaces:         len(p.surfaces),
		FramesRendered:   p.rendered,
		ResourcesCreated: p.created,
		ResourcesLost:    p.discarded,
		PresentErrors:    p.presentErrs,
		SurfaceSkips:     p.skipped,
	}
}
