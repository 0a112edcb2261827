// Package beam holds the beam and sound-source angles reported by the sensor
package beam

import "math"

// FromChipAngle converts an XVF3800 angle to the front-zero frame.
// XVF3800: 0 = left, π/2 = front, π = right
// Front-zero: 0 = front, +π/2 = left, -π/2 = right
func FromChipAngle(chip float64) float64 {
	return (math.Pi / 2) - chip
}

// ToChipAngle converts a front-zero angle back to XVF3800 coordinates
func ToChipAngle(angle float64) float64 {
	return (math.Pi / 2) - angle
}

// ToDegrees converts radians to degrees
func ToDegrees(radians float64) float64 {
	return 180.0 * radians / math.Pi
}

// Normalize wraps an angle to [-π, π]
func Normalize(angle float64) float64 {
	for angle > math.Pi {
		angle -= 2 * math.Pi
	}
	for angle < -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}

// Clamp clamps a value to [lo, hi]
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// Smoother is an exponential moving average over angles. The zero value
// passes readings through unchanged.
type Smoother struct {
	Alpha float64

	value  float64
	primed bool
}

// Update folds in a new angle and returns the smoothed value
func (s *Smoother) Update(angle float64) float64 {
	if !s.primed || s.Alpha <= 0 || s.Alpha >= 1 {
		s.value = angle
		s.primed = true
		return angle
	}

	// Step along the shortest arc so ±π does not average to 0
	diff := Normalize(angle - s.value)
	s.value = Normalize(s.value + s.Alpha*diff)
	return s.value
}

// Value returns the last smoothed angle
func (s *Smoother) Value() float64 {
	return s.value
}

// Reset forgets the smoothing history
func (s *Smoother) Reset() {
	s.value = 0
	s.primed = false
}
