package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/teslashibe/go-beam/internal/beam"
	"github.com/teslashibe/go-beam/internal/energy"
	"github.com/teslashibe/go-beam/internal/ring"
	"github.com/teslashibe/go-beam/internal/sensor"
)

// FramePump moves audio from the sensor through the accumulator into the
// ring buffer, and refreshes the beam reading
type FramePump struct {
	acc      *energy.Accumulator
	ring     *ring.Buffer
	beams    *beam.Store
	maxReads int
	logger   *slog.Logger

	scratch []float64

	// Stats
	ticks   atomic.Uint64
	reads   atomic.Uint64
	samples atomic.Uint64
	values  atomic.Uint64
	beamsIn atomic.Uint64
	noDir   atomic.Uint64
}

// NewFramePump creates a frame pump. maxReads bounds the sensor reads per tick.
func NewFramePump(acc *energy.Accumulator, buf *ring.Buffer, beams *beam.Store, maxReads int, logger *slog.Logger) *FramePump {
	if logger == nil {
		logger = slog.Default()
	}
	if maxReads <= 0 {
		maxReads = 1
	}

	return &FramePump{
		acc:      acc,
		ring:     buf,
		beams:    beams,
		maxReads: maxReads,
		logger:   logger,
	}
}

// Pump runs one capture tick against s. An audio or beam error aborts the
// rest of the tick; values already pushed stay in the ring. The source
// direction is optional and a failed read stores it with zero confidence.
func (f *FramePump) Pump(ctx context.Context, s sensor.Sensor) error {
	f.ticks.Add(1)

	got := 0
	for i := 0; i < f.maxReads; i++ {
		block, err := s.ReadAudio(ctx)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		f.reads.Add(1)

		if len(block.Samples) > 0 {
			got += len(block.Samples)

			f.scratch = f.scratch[:0]
			f.acc.AccumulateBlock(block.Samples, func(e float64) {
				f.scratch = append(f.scratch, e)
			})
			if len(f.scratch) > 0 {
				f.ring.PushAll(f.scratch)
				f.values.Add(uint64(len(f.scratch)))
			}
		}

		if !block.Incomplete {
			break
		}
	}

	if got == 0 {
		return nil
	}
	f.samples.Add(uint64(got))

	beamRad, err := s.BeamAngle(ctx)
	if err != nil {
		return fmt.Errorf("read beam angle: %w", err)
	}
	dir, err := s.SourceDirection(ctx)
	if err != nil {
		if errors.Is(err, sensor.ErrDisconnected) {
			return fmt.Errorf("read source direction: %w", err)
		}
		f.noDir.Add(1)
		f.logger.Debug("source direction unavailable", "error", err)
		dir = sensor.Direction{}
	}

	f.beams.Set(beam.Reading{
		BeamDegrees:      beam.ToDegrees(beamRad),
		SourceDegrees:    beam.ToDegrees(dir.Radians),
		SourceConfidence: dir.Confidence,
	})
	n := f.beamsIn.Add(1)

	if n%100 == 0 {
		f.logger.Debug("capture tick",
			"samples", got,
			"beam_degrees", beam.ToDegrees(beamRad),
			"pending", f.ring.Pending(),
		)
	}

	return nil
}

// FrameStats contains frame pump counters
type FrameStats struct {
	Ticks        uint64 `json:"ticks"`
	Reads        uint64 `json:"reads"`
	Samples      uint64 `json:"samples"`
	Values       uint64 `json:"values"`
	BeamReadings uint64 `json:"beam_readings"`
	NoDirection  uint64 `json:"no_direction"` // Beam readings stored without a source direction
}

// Stats returns frame pump counters
func (f *FramePump) Stats() FrameStats {
	return FrameStats{
		Ticks:        f.ticks.Load(),
		Reads:        f.reads.Load(),
		Samples:      f.samples.Load(),
		Values:       f.values.Load(),
		BeamReadings: f.beamsIn.Load(),
		NoDirection:  f.noDir.Load(),
	}
}
