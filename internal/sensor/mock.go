package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockConfig configures the synthetic sensor
type MockConfig struct {
	ToneHz    float64 // Carrier frequency
	Amplitude float64 // Peak amplitude, [0, 1] of full scale
	ModHz     float64 // Amplitude modulation rate
	Sweep     bool    // Sweep the beam ±45° around front
}

// DefaultMockConfig returns sensible defaults
func DefaultMockConfig() MockConfig {
	return MockConfig{
		ToneHz:    440,
		Amplitude: 0.5,
		ModHz:     0.5,
		Sweep:     true,
	}
}

// MockSource is a synthetic sensor producing an amplitude-modulated tone
// paced by the wall clock
type MockSource struct {
	mu sync.Mutex

	cfg        MockConfig
	sampleRate int
	blockSize  int
	now        func() time.Time

	startTime time.Time
	lastRead  time.Time
	owed      int
	phase     int64

	angle        float64
	healthy      bool
	err          error
	disconnected bool
	closed       bool
	reads        int
}

// NewMockSource creates a mock sensor
func NewMockSource(cfg MockConfig, sampleRate, blockSize int) *MockSource {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if blockSize <= 0 {
		blockSize = sampleRate / 20
	}

	now := time.Now()
	return &MockSource{
		cfg:        cfg,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		now:        time.Now,
		startTime:  now,
		lastRead:   now,
		healthy:    true,
	}
}

// ReadAudio returns the samples owed since the previous read, at most one
// block. Incomplete is set while more samples are owed.
func (m *MockSource) ReadAudio(ctx context.Context) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return Block{}, err
	}
	m.reads++

	now := m.now()
	if n := samplesOwed(now.Sub(m.lastRead), m.sampleRate); n > 0 {
		m.owed += n
		// Advance by whole samples only so fractional time is not lost
		m.lastRead = m.lastRead.Add(time.Duration(float64(n) / float64(m.sampleRate) * float64(time.Second)))
	}

	// Never hold more than a second of backlog
	if m.owed > m.sampleRate {
		m.owed = m.sampleRate
	}

	n := min(m.owed, m.blockSize)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = m.sample(m.phase)
		m.phase++
	}
	m.owed -= n

	return Block{Samples: samples, Incomplete: m.owed > 0}, nil
}

func (m *MockSource) sample(index int64) int16 {
	t := float64(index) / float64(m.sampleRate)
	env := 0.5 * (1 + math.Sin(2*math.Pi*m.cfg.ModHz*t))
	v := m.cfg.Amplitude * env * math.Sin(2*math.Pi*m.cfg.ToneHz*t)
	return int16(math.Round(v * math.MaxInt16))
}

// BeamAngle returns the configured or swept beam angle
func (m *MockSource) BeamAngle(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return 0, err
	}

	if m.cfg.Sweep {
		elapsed := m.now().Sub(m.startTime).Seconds()
		return math.Sin(elapsed) * math.Pi / 4, nil
	}
	return m.angle, nil
}

// SourceDirection follows the beam with a confidence tracking the envelope
func (m *MockSource) SourceDirection(ctx context.Context) (Direction, error) {
	angle, err := m.BeamAngle(ctx)
	if err != nil {
		return Direction{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.now().Sub(m.startTime).Seconds()
	conf := 0.5 * (1 + math.Sin(2*math.Pi*m.cfg.ModHz*t))
	return Direction{Radians: angle, Confidence: conf}, nil
}

func (m *MockSource) check() error {
	if m.closed {
		return fmt.Errorf("%w: closed", ErrDisconnected)
	}
	if m.disconnected {
		return ErrDisconnected
	}
	return m.err
}

// Close releases resources
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Healthy returns true if the sensor is operational
func (m *MockSource) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && !m.disconnected && !m.closed
}

// Name returns the sensor type name
func (m *MockSource) Name() string {
	return "mock"
}

// SetAngle fixes the beam angle (front-zero radians) and stops the sweep
func (m *MockSource) SetAngle(angle float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.angle = angle
	m.cfg.Sweep = false
}

// SetAmplitude sets the tone peak amplitude
func (m *MockSource) SetAmplitude(amplitude float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Amplitude = amplitude
}

// SetHealthy sets the mock health state
func (m *MockSource) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetError makes every read fail with err until cleared with nil
func (m *MockSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Disconnect makes every read fail with ErrDisconnected
func (m *MockSource) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

// Reads returns how many ReadAudio calls succeeded
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

var _ Sensor = (*MockSource)(nil)
