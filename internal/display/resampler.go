// Package display resamples the energy stream onto a fixed-width pixel trace
package display

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/go-beam/internal/energy"
)

var (
	// ErrInvalidWidth is returned for a non-positive trace width
	ErrInvalidWidth = errors.New("trace width must be positive")

	// ErrInvalidRatio is returned for a non-positive or non-finite pixels-per-value ratio
	ErrInvalidRatio = errors.New("pixels per value must be positive and finite")
)

// Resampler maps a variable number of energy values per refresh onto a
// fixed-width trace. Fractional pixels are carried forward between calls so
// uneven producer and refresh cadences do not show up as stutter.
type Resampler struct {
	width          int
	pixelsPerValue float64
	scale          energy.Scale

	trace []float64
	carry float64

	// Values consumed since the last emitted pixel
	pendingSum   float64
	pendingCount int

	scratch []float64

	valuesIn  uint64
	pixelsOut uint64
}

// NewResampler creates a resampler with a trace of width pixels. Each energy
// value advances the trace by pixelsPerValue pixels on average.
func NewResampler(width int, pixelsPerValue float64, scale energy.Scale) (*Resampler, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWidth, width)
	}
	if pixelsPerValue <= 0 || math.IsNaN(pixelsPerValue) || math.IsInf(pixelsPerValue, 0) {
		return nil, fmt.Errorf("%w: got %f", ErrInvalidRatio, pixelsPerValue)
	}
	if scale == nil {
		scale = energy.IdentityScale
	}

	return &Resampler{
		width:          width,
		pixelsPerValue: pixelsPerValue,
		scale:          scale,
		trace:          make([]float64, width),
		scratch:        make([]float64, 0, width),
	}, nil
}

// PixelsPerValue derives the trace advance per energy value from the energy
// rate and the time span the trace should cover. A zero window means one
// pixel per value.
func PixelsPerValue(width, sampleRate, window int, span time.Duration) float64 {
	if span <= 0 || window <= 0 {
		return 1
	}
	valuesPerSecond := float64(sampleRate) / float64(window)
	return float64(width) / (valuesPerSecond * span.Seconds())
}

// ExpectedValuesPerRefresh returns how many energy values are produced, on
// average, between two display refreshes
func ExpectedValuesPerRefresh(sampleRate, window int, refresh time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(sampleRate) / float64(window) * refresh.Seconds()
}

// Update shifts the newly drained values into the trace and returns the
// number of pixels written. With no values the trace is left untouched.
func (r *Resampler) Update(values []float64) int {
	if len(values) == 0 {
		return 0
	}

	r.scratch = r.scratch[:0]

	for _, v := range values {
		r.valuesIn++
		r.pendingSum += v
		r.pendingCount++

		r.carry += r.pixelsPerValue
		emitted := false
		for r.carry >= 1 {
			avg := r.pendingSum / float64(r.pendingCount)
			r.scratch = append(r.scratch, r.scale.Height(avg))
			r.carry--
			emitted = true
		}

		if emitted {
			r.pendingSum = 0
			r.pendingCount = 0
		}
	}

	r.shiftIn(r.scratch)
	r.pixelsOut += uint64(len(r.scratch))

	return len(r.scratch)
}

// shiftIn drops the oldest len(pixels) slots and appends pixels at the end
func (r *Resampler) shiftIn(pixels []float64) {
	n := len(pixels)
	if n == 0 {
		return
	}

	if n >= r.width {
		copy(r.trace, pixels[n-r.width:])
		return
	}

	copy(r.trace, r.trace[n:])
	copy(r.trace[r.width-n:], pixels)
}

// Trace returns a copy of the current trace, oldest pixel first
func (r *Resampler) Trace() []float64 {
	out := make([]float64, r.width)
	copy(out, r.trace)
	return out
}

// View returns the live trace without copying. It is only valid until the
// next Update and must not be modified.
func (r *Resampler) View() []float64 {
	return r.trace
}

// Width returns the trace width
func (r *Resampler) Width() int {
	return r.width
}

// Carry returns the fractional pixel carried into the next value
func (r *Resampler) Carry() float64 {
	return r.carry
}

// Reset clears the trace and the carried error
func (r *Resampler) Reset() {
	for i := range r.trace {
		r.trace[i] = 0
	}
	r.carry = 0
	r.pendingSum = 0
	r.pendingCount = 0
}

// Stats contains resampler counters
type Stats struct {
	Width          int     `json:"width"`
	PixelsPerValue float64 `json:"pixels_per_value"`
	Carry          float64 `json:"carry"`
	ValuesIn       uint64  `json:"values_in"`
	PixelsOut      uint64  `json:"pixels_out"`
}

// Stats returns resampler counters
func (r *Resampler) Stats() Stats {
	return Stats{
		Width:          r.width,
		PixelsPerValue: r.pixelsPerValue,
		Carry:          r.carry,
		ValuesIn:       r.valuesIn,
		PixelsOut:      r.pixelsOut,
	}
}
