// Package ring provides the circular energy buffer shared by the capture and
// refresh pumps.
//
// The buffer has exactly one writer and one reader. When the writer laps the
// reader the oldest unread value is overwritten and counted as dropped.
package ring

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidCapacity is returned for a non-positive capacity
var ErrInvalidCapacity = errors.New("ring capacity must be positive")

// Buffer is a fixed-capacity circular store of energy values
type Buffer struct {
	mu sync.Mutex

	buf     []float64
	w       int // next free slot
	r       int // oldest pending value
	pending int

	pushed  uint64
	drained uint64
	dropped uint64
}

// New creates a buffer holding up to capacity values
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Buffer{buf: make([]float64, capacity)}, nil
}

// Push writes a value at the write cursor. If every slot holds an unread
// value, the oldest one is overwritten and counted as dropped.
func (b *Buffer) Push(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.push(v)
}

// PushAll writes values in order under a single lock
func (b *Buffer) PushAll(values []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, v := range values {
		b.push(v)
	}
}

func (b *Buffer) push(v float64) {
	b.buf[b.w] = v
	b.w = (b.w + 1) % len(b.buf)
	b.pushed++

	if b.pending == len(b.buf) {
		// Lapped the reader: the slot just written was its oldest value
		b.r = (b.r + 1) % len(b.buf)
		b.dropped++
		return
	}
	b.pending++
}

// Drain returns up to max pending values in production order and marks them
// consumed. It never blocks; with nothing pending it returns an empty slice.
func (b *Buffer) Drain(max int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.pending
	if max < n {
		n = max
	}
	if n <= 0 {
		return []float64{}
	}

	out := make([]float64, n)
	first := copy(out, b.buf[b.r:min(b.r+n, len(b.buf))])
	copy(out[first:], b.buf[:n-first])

	b.r = (b.r + n) % len(b.buf)
	b.pending -= n
	b.drained += uint64(n)

	return out
}

// Pending returns the number of values written but not yet drained
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Capacity returns the fixed capacity
func (b *Buffer) Capacity() int {
	return len(b.buf)
}

// Reset discards all pending values, counting them as dropped
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropped += uint64(b.pending)
	b.r = b.w
	b.pending = 0
}

// Stats contains buffer counters
type Stats struct {
	Capacity int    `json:"capacity"`
	Pending  int    `json:"pending"`
	Pushed   uint64 `json:"pushed"`
	Drained  uint64 `json:"drained"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns a snapshot of the buffer counters.
// Pushed always equals Drained + Dropped + Pending.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Capacity: len(b.buf),
		Pending:  b.pending,
		Pushed:   b.pushed,
		Drained:  b.drained,
		Dropped:  b.dropped,
	}
}
