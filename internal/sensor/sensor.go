// Package sensor provides microphone-array sources of audio and beam angles
package sensor

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-beam/internal/capture"
)

// ErrDisconnected is returned once a sensor can no longer produce data. The
// sensor must be closed and reopened to recover.
var ErrDisconnected = errors.New("sensor disconnected")

// Block is one read of mono PCM audio
type Block struct {
	Samples []int16

	// Incomplete is set when more audio is immediately available
	Incomplete bool
}

// Direction is the estimated direction of the loudest sound source
type Direction struct {
	Radians    float64 `json:"radians"`    // Front-zero: 0=front, +left, -right
	Confidence float64 `json:"confidence"` // [0, 1]
}

// Sensor provides audio and beam readings from a microphone array
type Sensor interface {
	// ReadAudio returns the audio captured since the last call, without blocking
	ReadAudio(ctx context.Context) (Block, error)

	// BeamAngle returns the current beam angle in front-zero radians
	BeamAngle(ctx context.Context) (float64, error)

	// SourceDirection returns the estimated sound source direction
	SourceDirection(ctx context.Context) (Direction, error)

	// Name returns the sensor type name
	Name() string

	// Healthy returns true if the sensor is operational
	Healthy() bool

	// Close releases hardware resources
	Close() error
}

// Config selects and configures a sensor
type Config struct {
	Type       string // auto, usb, mock, replay
	SampleRate int
	BlockSize  int // Max samples returned per ReadAudio

	USB     USBConfig
	Capture capture.Config
	Replay  ReplayConfig
	Mock    MockConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Type:       "auto",
		SampleRate: 16000,
		BlockSize:  800, // 50ms at 16kHz
		USB:        DefaultUSBConfig(),
		Capture:    capture.DefaultConfig(),
		Replay: ReplayConfig{
			Loop: true,
		},
		Mock: DefaultMockConfig(),
	}
}

// samplesOwed returns how many samples a wall-clock paced source should emit
// for elapsed time at rate
func samplesOwed(elapsed time.Duration, rate int) int {
	if elapsed <= 0 || rate <= 0 {
		return 0
	}
	// Tolerate float error on exact multiples of the sample period
	return int(elapsed.Seconds()*float64(rate) + 1e-6)
}
