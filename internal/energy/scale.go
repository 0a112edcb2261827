package energy

import (
	"fmt"
	"math"
	"strings"
)

// FullScale is the squared magnitude of a full-scale 16-bit sample
const FullScale = 32768.0 * 32768.0

// Scale maps an energy value onto a pixel height
type Scale interface {
	Height(energy float64) float64
}

// ScaleFunc adapts a function to the Scale interface
type ScaleFunc func(energy float64) float64

// Height implements Scale
func (f ScaleFunc) Height(energy float64) float64 { return f(energy) }

// IdentityScale passes energy values through unchanged
var IdentityScale = ScaleFunc(func(energy float64) float64 { return energy })

// LinearScale maps mean square energy linearly onto [0, MaxHeight]
type LinearScale struct {
	Window    int
	MaxHeight float64
}

// Height implements Scale
func (s LinearScale) Height(energy float64) float64 {
	meanSquare := energy / float64(s.Window) / FullScale
	return clamp(meanSquare, 0, 1) * s.MaxHeight
}

// DecibelScale maps mean square energy in dBFS onto [0, MaxHeight].
// Levels below MinDB are silence; the bottom NoiseFloor fraction of the
// normalised range is cut off.
type DecibelScale struct {
	Window     int
	MaxHeight  float64
	MinDB      float64
	NoiseFloor float64
}

// Height implements Scale
func (s DecibelScale) Height(energy float64) float64 {
	meanSquare := energy / float64(s.Window) / FullScale
	if meanSquare <= 0 {
		return 0
	}

	db := clamp(10*math.Log10(meanSquare), s.MinDB, 0)
	level := (s.MinDB - db) / s.MinDB

	if s.NoiseFloor > 0 && s.NoiseFloor < 1 {
		level = (level - s.NoiseFloor) / (1 - s.NoiseFloor)
	}

	return clamp(level, 0, 1) * s.MaxHeight
}

// ScaleConfig selects and parameterises a Scale
type ScaleConfig struct {
	Mode       string // db, linear, raw
	Window     int
	MaxHeight  float64
	MinDB      float64
	NoiseFloor float64
}

// NewScale builds the Scale named by cfg.Mode
func NewScale(cfg ScaleConfig) (Scale, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "db":
		if cfg.MinDB >= 0 {
			return nil, fmt.Errorf("min_db must be negative, got %f", cfg.MinDB)
		}
		return DecibelScale{
			Window:     cfg.Window,
			MaxHeight:  cfg.MaxHeight,
			MinDB:      cfg.MinDB,
			NoiseFloor: cfg.NoiseFloor,
		}, nil
	case "linear":
		return LinearScale{Window: cfg.Window, MaxHeight: cfg.MaxHeight}, nil
	case "raw":
		return IdentityScale, nil
	default:
		return nil, fmt.Errorf("unknown scale mode %q", cfg.Mode)
	}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
