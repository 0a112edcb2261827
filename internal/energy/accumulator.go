// Package energy reduces raw audio samples into energy measurements
package energy

import (
	"errors"
	"fmt"
)

// ErrInvalidWindow is returned when the decimation window is not positive
var ErrInvalidWindow = errors.New("decimation window must be positive")

// Accumulator sums squared samples over a fixed decimation window.
// It emits one energy value (the sum of squares) every Window samples.
type Accumulator struct {
	window int
	sum    float64
	count  int

	emitted uint64
}

// NewAccumulator creates an accumulator with the given decimation window
func NewAccumulator(window int) (*Accumulator, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, window)
	}

	return &Accumulator{window: window}, nil
}

// Accumulate adds one sample. It returns the energy value and true when the
// sample completes a window.
func (a *Accumulator) Accumulate(sample int16) (float64, bool) {
	s := float64(sample)
	a.sum += s * s
	a.count++

	if a.count < a.window {
		return 0, false
	}

	value := a.sum
	a.sum = 0
	a.count = 0
	a.emitted++

	return value, true
}

// AccumulateBlock feeds every sample of a block and calls emit for each
// completed window, in order. It returns the number of values emitted.
func (a *Accumulator) AccumulateBlock(samples []int16, emit func(float64)) int {
	n := 0
	for _, s := range samples {
		if v, ok := a.Accumulate(s); ok {
			emit(v)
			n++
		}
	}
	return n
}

// Window returns the decimation window size
func (a *Accumulator) Window() int {
	return a.window
}

// Partial returns the number of samples in the current, incomplete window
func (a *Accumulator) Partial() int {
	return a.count
}

// Emitted returns the total number of energy values produced
func (a *Accumulator) Emitted() uint64 {
	return a.emitted
}

// Reset discards the incomplete window.
// A short final window is never flushed as an energy value.
func (a *Accumulator) Reset() {
	a.sum = 0
	a.count = 0
}
